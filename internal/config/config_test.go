package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	assert.True(t, cfg.Server.IsLoopback())
	assert.Empty(t, cfg.Scan.OutputRoots)
	assert.Equal(t, "ash", cfg.Scan.Command)
	assert.Equal(t, "MEDIUM", cfg.Scan.DefaultSeverity)
	assert.Equal(t, time.Second, cfg.Scan.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Scan.HeartbeatInterval)
	assert.Equal(t, 30*time.Minute, cfg.Scan.MaxWait)
	assert.Equal(t, "0 * * * *", cfg.Sweeper.Schedule)
	assert.False(t, cfg.Archive.IsConfigured())
	assert.False(t, cfg.Auth.Enabled())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
scan:
  command: /opt/ash/bin/ash
  extra_args: ["--no-color"]
  poll_interval: 2s
  heartbeat_interval: 20s
sweeper:
  schedule: "*/30 * * * *"
  max_age_hours: 6
  remove_output: true
archive:
  bucket: scan-results
  region: eu-west-1
`), 0o600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("SCAN_DEFAULT_SEVERITY", "high")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env overrides file")
	assert.Equal(t, "/opt/ash/bin/ash", cfg.Scan.Command)
	assert.Equal(t, []string{"--no-color"}, cfg.Scan.ExtraArgs)
	assert.Equal(t, 2*time.Second, cfg.Scan.PollInterval)
	assert.Equal(t, "high", cfg.Scan.DefaultSeverity)
	assert.Equal(t, "*/30 * * * *", cfg.Sweeper.Schedule)
	assert.InDelta(t, 6.0, cfg.Sweeper.MaxAgeHours, 0.001)
	assert.True(t, cfg.Sweeper.RemoveOutput)
	assert.True(t, cfg.Archive.IsConfigured())
	assert.Equal(t, "scans", cfg.Archive.Prefix, "defaults survive partial files")
}

func TestLoad_BadFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0o600))
	t.Setenv(ConfigFileEnv, path)
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "invalid LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "invalid LOG_FORMAT"},
		{"bad severity", func(c *Config) { c.Scan.DefaultSeverity = "urgent" }, "invalid SCAN_DEFAULT_SEVERITY"},
		{"heartbeat shorter than poll", func(c *Config) { c.Scan.HeartbeatInterval = 100 * time.Millisecond }, "SCAN_HEARTBEAT_INTERVAL"},
		{"bad cron", func(c *Config) { c.Sweeper.Schedule = "hourly" }, "invalid SWEEPER_SCHEDULE"},
		{"disabled sweeper skips cron", func(c *Config) { c.Sweeper.Enabled = false; c.Sweeper.Schedule = "hourly" }, ""},
		{"keys without secret", func(c *Config) {
			c.Archive.Bucket = "b"
			c.Archive.AuthType = "keys"
			c.Archive.AccessKey = "AKIA"
		}, "ARCHIVE_S3_SECRET_KEY"},
		{"sts without role", func(c *Config) {
			c.Archive.Bucket = "b"
			c.Archive.AuthType = "sts_role"
		}, "ARCHIVE_S3_ROLE_ARN"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "OTEL_TRACES_SAMPLER_ARG"},
		{"unauthenticated on all interfaces", func(c *Config) { c.Server.Host = "0.0.0.0" }, "AUTH_JWT_SECRET is required"},
		{"unauthenticated on empty host", func(c *Config) { c.Server.Host = "" }, "AUTH_JWT_SECRET is required"},
		{"unauthenticated on localhost", func(c *Config) { c.Server.Host = "localhost" }, ""},
		{"unauthenticated on ipv6 loopback", func(c *Config) { c.Server.Host = "::1" }, ""},
		{"authenticated on all interfaces", func(c *Config) {
			c.Server.Host = "0.0.0.0"
			c.Auth.JWTSecret = "dev-secret"
		}, ""},
		{"relative output root", func(c *Config) { c.Scan.OutputRoots = []string{"out"} }, "SCAN_OUTPUT_ROOTS"},
		{"filesystem root as output root", func(c *Config) { c.Scan.OutputRoots = []string{"/"} }, "SCAN_OUTPUT_ROOTS"},
		{"absolute output root", func(c *Config) { c.Scan.OutputRoots = []string{"/var/lib/scans"} }, ""},
		{"production without auth", func(c *Config) {
			c.App.Env = EnvProduction
			c.CORS.AllowedOrigins = []string{"https://example.com"}
		}, "AUTH_JWT_SECRET is required in production"},
		{"production with auth", func(c *Config) {
			c.App.Env = EnvProduction
			c.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
			c.CORS.AllowedOrigins = []string{"https://example.com"}
		}, ""},
		{"production short secret", func(c *Config) {
			c.App.Env = EnvProduction
			c.Auth.JWTSecret = "short"
			c.CORS.AllowedOrigins = []string{"https://example.com"}
		}, "AUTH_JWT_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
