// Package config loads the sessiond configuration from an optional YAML
// file, a .env file and SESSIOND_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/schedule"
	"github.com/sweeney/sessiond/internal/session"
	"github.com/sweeney/sessiond/internal/transport"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SESSIOND_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the full daemon configuration.
type Config struct {
	Log       LogConfig      `yaml:"log" envPrefix:"LOG_"`
	HTTP      HTTPConfig     `yaml:"http" envPrefix:"HTTP_"`
	Gateway   GatewayConfig  `yaml:"gateway" envPrefix:"GATEWAY_"`
	Store     StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	MQTT      MQTTConfig     `yaml:"mqtt" envPrefix:"MQTT_"`
	Sessions  SessionsConfig `yaml:"sessions" envPrefix:"SESSIONS_"`
	Pairing   PairingConfig  `yaml:"pairing" envPrefix:"PAIRING_"`
	Heartbeat time.Duration  `yaml:"heartbeat" env:"HEARTBEAT"`
	// HeartbeatCron, when set, replaces the fixed Heartbeat interval.
	HeartbeatCron string `yaml:"heartbeat_cron" env:"HEARTBEAT_CRON"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// HTTPConfig configures the status and admin server.
type HTTPConfig struct {
	Addr       string `yaml:"addr" env:"ADDR"`
	AdminToken string `yaml:"admin_token" env:"ADMIN_TOKEN"`
}

// GatewayConfig points at the protocol gateway and tunes each connection.
type GatewayConfig struct {
	URL            string        `yaml:"url" env:"URL"`
	Token          string        `yaml:"token" env:"TOKEN"`
	KeepAlive      time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE"`
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay     time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" env:"DRIVER"`
	Dir         string `yaml:"dir" env:"DIR"`
	DSN         string `yaml:"dsn" env:"DSN"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// MQTTConfig configures notification publishing. An empty broker disables it.
type MQTTConfig struct {
	Broker     string `yaml:"broker" env:"BROKER"`
	ClientID   string `yaml:"client_id" env:"CLIENT_ID"`
	Username   string `yaml:"username" env:"USERNAME"`
	Password   string `yaml:"password" env:"PASSWORD"`
	Prefix     string `yaml:"prefix" env:"PREFIX"`
	BufferSize int    `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// SessionsConfig holds the session manager timings.
type SessionsConfig struct {
	MonitorInterval  time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
	MonitorWindow    time.Duration `yaml:"monitor_window" env:"MONITOR_WINDOW"`
	EventWindow      time.Duration `yaml:"event_window" env:"EVENT_WINDOW"`
	AutosaveInterval time.Duration `yaml:"autosave_interval" env:"AUTOSAVE_INTERVAL"`
	RestartDelay     time.Duration `yaml:"restart_delay" env:"RESTART_DELAY"`
	ReconnectGrace   time.Duration `yaml:"reconnect_grace" env:"RECONNECT_GRACE"`
	CountryCode      string        `yaml:"country_code" env:"COUNTRY_CODE"`
	// Autostart lists identities whose sessions are recreated at startup.
	Autostart []string `yaml:"autostart" env:"AUTOSTART" envSeparator:","`
}

// PairingConfig holds the pairing window timings.
type PairingConfig struct {
	Window        time.Duration `yaml:"window" env:"WINDOW"`
	Tick          time.Duration `yaml:"tick" env:"TICK"`
	ConfirmEvery  time.Duration `yaml:"confirm_every" env:"CONFIRM_EVERY"`
	ConfirmPasses int           `yaml:"confirm_passes" env:"CONFIRM_PASSES"`
}

// Default returns the built-in configuration.
func Default() Config {
	sess := session.DefaultConfig()
	tr := transport.DefaultOptions()
	pc := pairing.DefaultConfig()

	return Config{
		Log:  LogConfig{Level: "info", Format: "text"},
		HTTP: HTTPConfig{Addr: ":8080"},
		Gateway: GatewayConfig{
			URL:            "ws://localhost:8090",
			KeepAlive:      tr.KeepAlive,
			MaxRetries:     tr.MaxRetries,
			RetryDelay:     tr.RetryDelay,
			ConnectTimeout: tr.ConnectTimeout,
		},
		Store: StoreConfig{Driver: DriverFile, Dir: "sessions"},
		MQTT:  MQTTConfig{ClientID: "sessiond", Prefix: "sessiond", BufferSize: 100},
		Sessions: SessionsConfig{
			MonitorInterval:  sess.MonitorInterval,
			MonitorWindow:    sess.MonitorWindow,
			EventWindow:      sess.EventWindow,
			AutosaveInterval: sess.AutosaveInterval,
			RestartDelay:     sess.RestartDelay,
			ReconnectGrace:   sess.ReconnectGrace,
			CountryCode:      sess.CountryCode,
		},
		Pairing: PairingConfig{
			Window:        pc.Window,
			Tick:          pc.Tick,
			ConfirmEvery:  pc.ConfirmEvery,
			ConfirmPasses: pc.ConfirmPasses,
		},
		Heartbeat: 15 * time.Minute,
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), dotenv (if dotenv is non-empty and the file exists)
// and the environment.
func Load(path, dotenv string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", dotenv, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"sessions.monitor_interval":  c.Sessions.MonitorInterval,
		"sessions.autosave_interval": c.Sessions.AutosaveInterval,
		"pairing.window":             c.Pairing.Window,
		"pairing.tick":               c.Pairing.Tick,
		"pairing.confirm_every":      c.Pairing.ConfirmEvery,
		"gateway.keep_alive":         c.Gateway.KeepAlive,
		"gateway.connect_timeout":    c.Gateway.ConnectTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	nonNegative := map[string]time.Duration{
		"sessions.monitor_window":  c.Sessions.MonitorWindow,
		"sessions.event_window":    c.Sessions.EventWindow,
		"sessions.restart_delay":   c.Sessions.RestartDelay,
		"sessions.reconnect_grace": c.Sessions.ReconnectGrace,
		"gateway.retry_delay":      c.Gateway.RetryDelay,
		"heartbeat":                c.Heartbeat,
	}
	for name, d := range nonNegative {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}

	if c.Pairing.ConfirmPasses < 1 {
		errs = append(errs, fmt.Errorf("pairing.confirm_passes must be at least 1, got %d", c.Pairing.ConfirmPasses))
	}
	if c.Gateway.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("gateway.max_retries must be at least 1, got %d", c.Gateway.MaxRetries))
	}
	if c.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file driver"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HeartbeatSpec(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return lvl, nil
}

// HeartbeatSpec returns the heartbeat schedule: HeartbeatCron if set,
// otherwise every Heartbeat. A nil spec with no error means heartbeats are off.
func (c Config) HeartbeatSpec() (schedule.Spec, error) {
	if c.HeartbeatCron != "" {
		spec, err := schedule.ParseCron(c.HeartbeatCron)
		if err != nil {
			return nil, fmt.Errorf("heartbeat_cron: %w", err)
		}
		return spec, nil
	}
	if c.Heartbeat > 0 {
		return schedule.Every(c.Heartbeat), nil
	}
	return nil, nil
}

// SessionConfig maps the file layout onto the session manager's Config.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		MonitorInterval:  c.Sessions.MonitorInterval,
		MonitorWindow:    c.Sessions.MonitorWindow,
		EventWindow:      c.Sessions.EventWindow,
		AutosaveInterval: c.Sessions.AutosaveInterval,
		RestartDelay:     c.Sessions.RestartDelay,
		ReconnectGrace:   c.Sessions.ReconnectGrace,
		CountryCode:      c.Sessions.CountryCode,
		Transport: transport.Options{
			KeepAlive:      c.Gateway.KeepAlive,
			MaxRetries:     c.Gateway.MaxRetries,
			RetryDelay:     c.Gateway.RetryDelay,
			ConnectTimeout: c.Gateway.ConnectTimeout,
		},
		Pairing: pairing.Config{
			Window:        c.Pairing.Window,
			Tick:          c.Pairing.Tick,
			ConfirmEvery:  c.Pairing.ConfirmEvery,
			ConfirmPasses: c.Pairing.ConfirmPasses,
			CountryCode:   c.Sessions.CountryCode,
		},
	}
}
