// Package transport defines the connection handle the session manager drives
// and provides a websocket gateway implementation plus a scriptable fake.
//
// The protocol itself (encryption, framing, device sync) lives behind the
// gateway. This package only carries updates, credentials and requests.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/sessiond/internal/connstate"
)

// Close status codes reported by the messaging network.
const (
	// StatusLoggedOut means the device was unlinked. Not recoverable.
	StatusLoggedOut = 401

	// StatusRestartRequired is expected churn right after authentication.
	StatusRestartRequired = 515
)

var (
	// ErrProtocol wraps failures reported by the remote end of a request.
	ErrProtocol = errors.New("transport: protocol error")

	// ErrClosed is returned for requests on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)

// Connection is the coarse lifecycle phase carried by an Update.
type Connection string

const (
	ConnConnecting Connection = "connecting"
	ConnOpen       Connection = "open"
	ConnClose      Connection = "close"
)

// Update is one raw event from the connection. Zero fields carry no
// information.
type Update struct {
	Connection                   Connection `json:"connection,omitempty"`
	IsNewLogin                   bool       `json:"is_new_login,omitempty"`
	IsOnline                     *bool      `json:"is_online,omitempty"`
	ReceivedPendingNotifications bool       `json:"received_pending_notifications,omitempty"`
	StatusCode                   int        `json:"status_code,omitempty"`
	Reason                       string     `json:"reason,omitempty"`
	QR                           string     `json:"qr,omitempty"`
}

// Options tune how a connection is opened and kept alive.
type Options struct {
	KeepAlive      time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	ConnectTimeout time.Duration
}

// DefaultOptions returns the values used when none are configured.
func DefaultOptions() Options {
	return Options{
		KeepAlive:      15 * time.Second,
		MaxRetries:     10,
		RetryDelay:     3 * time.Second,
		ConnectTimeout: 60 * time.Second,
	}
}

// Conn is an open connection handle for one identity.
type Conn interface {
	// Subscribe registers fn for every update. The returned func detaches it.
	Subscribe(fn func(Update)) (detach func())

	// RemoveAllListeners detaches every subscriber.
	RemoveAllListeners()

	// RequestPairingCode asks the network for a code the user types on
	// their phone. Errors wrap ErrProtocol.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// SendMessage delivers text to jid.
	SendMessage(ctx context.Context, jid, text string) error

	// ReadyState reports the socket phase.
	ReadyState() connstate.ReadyState

	// SocketErr reports the last socket-level failure, nil when healthy.
	SocketErr() error

	// CredentialID is the identity stored in the local credentials, empty
	// until paired.
	CredentialID() string

	// RemoteUserID is the user id reported by the network for this socket.
	RemoteUserID() string

	// DeviceName is the linked device's display name, if known.
	DeviceName() string

	// SaveCredentials persists the current credentials.
	SaveCredentials(ctx context.Context) error

	// Flush drains buffered events.
	Flush(ctx context.Context) error

	// Restart drops the socket and dials again, keeping credentials and
	// subscribers.
	Restart(ctx context.Context) error

	// Close shuts the connection down for good.
	Close() error
}

// Dialer opens connection handles.
type Dialer interface {
	Open(ctx context.Context, identity string, opts Options) (Conn, error)
}
