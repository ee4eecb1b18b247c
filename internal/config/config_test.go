package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Second, cfg.Sessions.MonitorInterval)
	assert.Equal(t, 3*time.Second, cfg.Sessions.MonitorWindow)
	assert.Equal(t, 2*time.Second, cfg.Sessions.EventWindow)
	assert.Equal(t, 30*time.Second, cfg.Sessions.AutosaveInterval)
	assert.Equal(t, 2*time.Second, cfg.Sessions.RestartDelay)
	assert.Equal(t, time.Second, cfg.Sessions.ReconnectGrace)
	assert.Equal(t, "62", cfg.Sessions.CountryCode)
	assert.Equal(t, 60*time.Second, cfg.Pairing.Window)
	assert.Equal(t, 5*time.Second, cfg.Pairing.Tick)
	assert.Equal(t, 3*time.Second, cfg.Pairing.ConfirmEvery)
	assert.Equal(t, 3, cfg.Pairing.ConfirmPasses)
	assert.Equal(t, 15*time.Second, cfg.Gateway.KeepAlive)
	assert.Equal(t, 10, cfg.Gateway.MaxRetries)
	assert.Equal(t, 3*time.Second, cfg.Gateway.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.Gateway.ConnectTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sessiond", cfg.MQTT.Prefix)
	assert.Equal(t, 15*time.Minute, cfg.Heartbeat)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "sessiond.yaml", `
log:
  level: debug
  format: json
http:
  addr: ":9090"
store:
  driver: redis
  redis_url: redis://localhost:6379/0
sessions:
  monitor_interval: 5s
  autostart: [U1, U2]
pairing:
  window: 2m
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Sessions.MonitorInterval)
	assert.Equal(t, []string{"U1", "U2"}, cfg.Sessions.Autostart)
	assert.Equal(t, 2*time.Minute, cfg.Pairing.Window)
	// untouched keys keep their defaults
	assert.Equal(t, 3*time.Second, cfg.Sessions.MonitorWindow)

	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestEnvironmentOverridesYAML(t *testing.T) {
	path := writeFile(t, "sessiond.yaml", "http:\n  addr: \":9090\"\n")
	t.Setenv("SESSIOND_HTTP_ADDR", ":7070")
	t.Setenv("SESSIOND_SESSIONS_EVENT_WINDOW", "4s")
	t.Setenv("SESSIOND_SESSIONS_AUTOSTART", "A,B")
	t.Setenv("SESSIOND_HEARTBEAT", "1m")

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 4*time.Second, cfg.Sessions.EventWindow)
	assert.Equal(t, []string{"A", "B"}, cfg.Sessions.Autostart)
	assert.Equal(t, time.Minute, cfg.Heartbeat)
}

func TestDotenv(t *testing.T) {
	dotenv := writeFile(t, ".env", "SESSIOND_HTTP_ADMIN_TOKEN=from-dotenv\n")
	t.Setenv("SESSIOND_HTTP_ADMIN_TOKEN", "")
	os.Unsetenv("SESSIOND_HTTP_ADMIN_TOKEN")

	cfg, err := Load("", dotenv)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.HTTP.AdminToken)
}

func TestMissingDotenvIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.ErrorContains(t, err, "read")

	bad := writeFile(t, "bad.yaml", "sessions: [unclosed")
	_, err = Load(bad, "")
	assert.ErrorContains(t, err, "parse")

	t.Setenv("SESSIOND_SESSIONS_MONITOR_INTERVAL", "soon")
	_, err = Load("", "")
	assert.ErrorContains(t, err, "environment")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero monitor", func(c *Config) { c.Sessions.MonitorInterval = 0 }, "sessions.monitor_interval"},
		{"negative window", func(c *Config) { c.Sessions.EventWindow = -time.Second }, "sessions.event_window"},
		{"no passes", func(c *Config) { c.Pairing.ConfirmPasses = 0 }, "confirm_passes"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, `unknown store.driver "sqlite"`},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"redis without url", func(c *Config) { c.Store.Driver = DriverRedis }, "store.redis_url"},
		{"file without dir", func(c *Config) { c.Store.Dir = "" }, "store.dir"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"no gateway", func(c *Config) { c.Gateway.URL = "" }, "gateway.url"},
		{"bad heartbeat cron", func(c *Config) { c.HeartbeatCron = "0 25 * * *" }, "heartbeat_cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestHeartbeatSpec(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	cfg := Default()
	spec, err := cfg.HeartbeatSpec()
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), spec.Next(now))

	cfg.HeartbeatCron = "30 6 * * *"
	spec, err = cfg.HeartbeatSpec()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC), spec.Next(now))
	assert.Equal(t, "cron 30 6 * * *", spec.String())

	cfg.HeartbeatCron = ""
	cfg.Heartbeat = 0
	spec, err = cfg.HeartbeatSpec()
	require.NoError(t, err)
	assert.Nil(t, spec)
}

func TestHeartbeatCronFromEnvironment(t *testing.T) {
	t.Setenv("SESSIOND_HEARTBEAT_CRON", "@hourly")
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "@hourly", cfg.HeartbeatCron)
}

func TestSessionConfig(t *testing.T) {
	cfg := Default()
	cfg.Sessions.CountryCode = "44"
	cfg.Gateway.MaxRetries = 4

	sc := cfg.SessionConfig()
	assert.Equal(t, cfg.Sessions.MonitorInterval, sc.MonitorInterval)
	assert.Equal(t, "44", sc.CountryCode)
	assert.Equal(t, "44", sc.Pairing.CountryCode)
	assert.Equal(t, 4, sc.Transport.MaxRetries)
	assert.Equal(t, 3, sc.Pairing.ConfirmPasses)
}
