// Command sessiond supervises messaging sessions held open through a protocol
// gateway and publishes their lifecycle to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/sessiond/internal/config"
	"github.com/sweeney/sessiond/internal/mqtt"
	"github.com/sweeney/sessiond/internal/schedule"
	"github.com/sweeney/sessiond/internal/session"
	"github.com/sweeney/sessiond/internal/status"
	"github.com/sweeney/sessiond/internal/store"
	"github.com/sweeney/sessiond/internal/store/postgres"
	"github.com/sweeney/sessiond/internal/store/redis"
	"github.com/sweeney/sessiond/internal/transport"
	"github.com/sweeney/sessiond/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	heartbeatTask   = "heartbeat"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	dotenv := flag.String("env-file", ".env", "Path to a .env file (ignored if missing)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath, *dotenv)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg config.Config) error {
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var publisher mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			Prefix:     cfg.MQTT.Prefix,
			BufferSize: cfg.MQTT.BufferSize,
			Logger:     logger,
		})
		if err != nil {
			_ = backend.Close()
			return fmt.Errorf("init mqtt: %w", err)
		}
		publisher = pub
	}

	a, err := newApp(cfg, deps{
		logger:    logger,
		backend:   backend,
		dialer:    newDialer(cfg.Gateway, logger),
		publisher: publisher,
		now:       time.Now,
	})
	if err != nil {
		if publisher != nil {
			_ = publisher.Close()
		}
		_ = backend.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return a.run(ctx, sigCh)
}

func newLogger(w io.Writer, cfg config.Config) (*slog.Logger, error) {
	lvl, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func openBackend(ctx context.Context, sc config.StoreConfig) (store.Backend, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return store.NewMemoryBackend(), nil
	case config.DriverFile:
		return store.NewFileBackend(sc.Dir), nil
	case config.DriverPostgres:
		return postgres.Open(ctx, sc.DSN)
	case config.DriverRedis:
		return redis.Open(ctx, sc.RedisURL, sc.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func newDialer(gc config.GatewayConfig, logger *slog.Logger) *transport.WSDialer {
	opts := []transport.WSOption{transport.WithLogger(logger)}
	if gc.Token != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+gc.Token)
		opts = append(opts, transport.WithHeader(h))
	}
	return transport.NewWSDialer(gc.URL, opts...)
}

// deps are the pieces of the daemon that talk to the outside world.
type deps struct {
	logger    *slog.Logger
	backend   store.Backend
	dialer    transport.Dialer
	publisher mqtt.Publisher // nil disables MQTT
	now       func() time.Time
}

// app is the wired daemon.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	provider  *store.Provider
	sched     *schedule.Scheduler
	publisher mqtt.Publisher
	mgr       *session.Manager
	tracker   *status.Tracker
	srv       *web.Server
	ln        net.Listener
}

func newApp(cfg config.Config, d deps) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    d.logger,
		publisher: d.publisher,
	}
	a.provider = store.NewProvider(d.backend, store.WithLogger(d.logger))
	a.sched = schedule.New(schedule.WithLogger(d.logger), schedule.WithNow(d.now))

	opts := []session.Option{
		session.WithConfig(cfg.SessionConfig()),
		session.WithLogger(d.logger),
		session.WithNow(d.now),
	}
	if d.publisher != nil {
		n := mqtt.NewNotifier(d.publisher, d.logger)
		opts = append(opts, session.WithNotifier(n), session.WithPairingNotifier(n))
	}
	a.mgr = session.NewManager(d.dialer, a.provider, a.sched, opts...)

	a.tracker = status.NewTracker(d.now(), status.Config{
		Version:         version,
		MonitorMs:       cfg.Sessions.MonitorInterval.Milliseconds(),
		MonitorWindowMs: cfg.Sessions.MonitorWindow.Milliseconds(),
		EventWindowMs:   cfg.Sessions.EventWindow.Milliseconds(),
		AutosaveMs:      cfg.Sessions.AutosaveInterval.Milliseconds(),
		HeartbeatMs:     cfg.Heartbeat.Milliseconds(),
		StoreDriver:     cfg.Store.Driver,
		Gateway:         cfg.Gateway.URL,
		Broker:          cfg.MQTT.Broker,
		HTTPAddr:        cfg.HTTP.Addr,
	})
	a.tracker.SetSource(a.mgr)

	if cfg.HTTP.Addr != "" {
		ln, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			a.sched.Stop()
			return nil, fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
		}
		a.ln = ln
		a.srv = web.New(cfg.HTTP.Addr, a.tracker, a.mgr,
			web.WithAdminToken(cfg.HTTP.AdminToken),
			web.WithLogger(d.logger),
			web.WithNow(d.now))
	}
	return a, nil
}

// start announces the daemon, recreates autostart sessions and schedules the
// heartbeat.
func (a *app) start(ctx context.Context) {
	a.publishSystem("STARTUP", "")

	for _, id := range a.cfg.Sessions.Autostart {
		if _, err := a.mgr.CreateSession(ctx, id, ""); err != nil {
			a.logger.Error("autostart failed", slog.String("identity", id), slog.String("error", err.Error()))
			continue
		}
		a.logger.Info("autostarted session", slog.String("identity", id))
	}

	spec, err := a.cfg.HeartbeatSpec()
	if err != nil {
		a.logger.Error("invalid heartbeat schedule", slog.String("error", err.Error()))
	} else if spec != nil {
		err := a.sched.Schedule(heartbeatTask, func(context.Context) error {
			a.heartbeat()
			return nil
		}, spec)
		if err != nil {
			a.logger.Error("scheduling heartbeat failed", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("started",
		slog.String("version", version),
		slog.String("store", a.cfg.Store.Driver),
		slog.String("gateway", a.cfg.Gateway.URL),
		slog.String("broker", a.cfg.MQTT.Broker),
		slog.String("http", a.cfg.HTTP.Addr),
		slog.Duration("heartbeat", a.cfg.Heartbeat),
		slog.String("heartbeat_cron", a.cfg.HeartbeatCron))
}

func (a *app) heartbeat() {
	st := a.mgr.Stats()
	a.logger.Info("heartbeat",
		slog.Int("sessions", st.Total),
		slog.Int("authenticated", st.Authenticated),
		slog.Int("connected", st.Connected))
	a.publishSystem("HEARTBEAT", "")
}

// publishSystem sends a system event carrying the current status snapshot.
// STARTUP and SHUTDOWN are retained.
func (a *app) publishSystem(event, reason string) {
	if a.publisher == nil {
		return
	}
	if cs, ok := a.publisher.(mqtt.ConnectionStatus); ok {
		a.tracker.SetMQTTConnected(cs.IsConnected())
	}
	snap := a.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   event != "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := a.publisher.PublishSystem(ev); err != nil {
		a.logger.Warn("publishing system event failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	a.logger.Debug("published system event", slog.String("event", event))
}

// run serves until a signal arrives or ctx is done, then shuts down.
func (a *app) run(ctx context.Context, sig <-chan os.Signal) error {
	a.start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if a.srv != nil {
		g.Go(func() error {
			a.logger.Info("http server listening", slog.String("addr", a.ln.Addr().String()))
			if err := a.srv.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		reason := "CONTEXT"
		select {
		case s := <-sig:
			reason = signalName(s)
			a.logger.Info("received signal, shutting down", slog.String("signal", s.String()))
		case <-gctx.Done():
		}
		a.shutdown(reason)
		return nil
	})
	return g.Wait()
}

// shutdown stops the scheduler first so no heartbeat can follow SHUTDOWN.
func (a *app) shutdown(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", slog.String("error", err.Error()))
		}
	}
	a.sched.Stop()
	a.publishSystem("SHUTDOWN", reason)

	if err := a.mgr.Close(ctx); err != nil {
		a.logger.Warn("closing sessions", slog.String("error", err.Error()))
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("closing mqtt", slog.String("error", err.Error()))
		}
	}
	if err := a.provider.Close(); err != nil {
		a.logger.Warn("closing store", slog.String("error", err.Error()))
	}
	a.logger.Info("stopped", slog.String("reason", reason))
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}
