package mqtt

import (
	"io"
	"log/slog"

	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/session"
)

// Notifier forwards session events and pairing prompts to a Publisher.
// Publish failures are logged, never returned to the caller.
type Notifier struct {
	pub    Publisher
	logger *slog.Logger
}

// NewNotifier wraps pub. A nil logger discards.
func NewNotifier(pub Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{pub: pub, logger: logger}
}

// SessionEvent implements session.Notifier.
func (n *Notifier) SessionEvent(e session.Event) {
	if err := n.pub.PublishSession(e); err != nil {
		n.logger.Warn("publishing session event failed",
			slog.String("identity", e.Identity),
			slog.String("event", string(e.Type)),
			slog.String("error", err.Error()))
	}
}

// PairingPrompt implements pairing.Notifier.
func (n *Notifier) PairingPrompt(p pairing.Prompt) {
	if err := n.pub.PublishPairing(p); err != nil {
		n.logger.Warn("publishing pairing prompt failed",
			slog.String("identity", p.Identity),
			slog.String("phase", string(p.Phase)),
			slog.String("error", err.Error()))
	}
}

var (
	_ session.Notifier = (*Notifier)(nil)
	_ pairing.Notifier = (*Notifier)(nil)
)
