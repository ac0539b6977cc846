package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/openctemio/scanregistry/pkg/domain/scan"
)

// Environment constants
const (
	EnvProduction = "production"
)

// ConfigFileEnv names the environment variable holding an optional YAML
// configuration file. Environment variables override values from the file.
const ConfigFileEnv = "SCANREGISTRY_CONFIG"

// Config holds all application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Scan      ScanConfig      `yaml:"scan"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Archive   ArchiveConfig   `yaml:"archive"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string `yaml:"name"`
	Env   string `yaml:"env"`
	Debug bool   `yaml:"debug"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // Per-request handler timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodySize     int64         `yaml:"max_body_size"`
	MaxConnections  int           `yaml:"max_connections"` // 0 = unlimited
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`

	// Sampling of repetitive records such as progress polls
	SamplingEnabled   bool    `yaml:"sampling_enabled"`
	SamplingThreshold int     `yaml:"sampling_threshold"` // First N identical logs per second (default: 100)
	SamplingRate      float64 `yaml:"sampling_rate"`      // Sample rate after threshold, 0.0-1.0

	// HTTP logging configuration
	SkipHealthLogs     bool `yaml:"skip_health_logs"`
	SlowRequestSeconds int  `yaml:"slow_request_seconds"`
}

// ScanConfig holds scanner process and progress monitoring configuration.
type ScanConfig struct {
	Command            string        `yaml:"command"`
	ExtraArgs          []string      `yaml:"extra_args"`
	Env                []string      `yaml:"env"`
	DefaultSeverity    string        `yaml:"default_severity"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MaxWait            time.Duration `yaml:"max_wait"`
	CleanupConcurrency int           `yaml:"cleanup_concurrency"`

	// OutputRoots are directories under which caller-chosen output
	// directories may be deleted on cleanup.
	OutputRoots []string `yaml:"output_roots"`
}

// SweeperConfig holds age-based cleanup configuration.
type SweeperConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Schedule     string  `yaml:"schedule"` // five-field cron expression
	MaxAgeHours  float64 `yaml:"max_age_hours"`
	RemoveOutput bool    `yaml:"remove_output"`
}

// ArchiveConfig holds S3 archival configuration. Archival is disabled
// when Bucket is empty.
type ArchiveConfig struct {
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	Prefix     string `yaml:"prefix"`
	Endpoint   string `yaml:"endpoint"`  // S3-compatible endpoint, uses path-style addressing
	AuthType   string `yaml:"auth_type"` // "", "keys", "sts_role"
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	RoleARN    string `yaml:"role_arn"`
	ExternalID string `yaml:"external_id"`
}

// IsConfigured returns true if archival is enabled.
func (c *ArchiveConfig) IsConfigured() bool {
	return c.Bucket != ""
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AuthConfig holds bearer token authentication configuration.
// Authentication is disabled when JWTSecret is empty.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

// Enabled returns true if requests must carry a bearer token.
func (c *AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"` // OTLP/HTTP collector host:port
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		App: AppConfig{
			Name: "scanregistry",
			Env:  "development",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     1 << 20,
			MaxConnections:  1024,
		},
		Log: LogConfig{
			Level:              "info",
			Format:             "json",
			SamplingThreshold:  100,
			SamplingRate:       0.1,
			SkipHealthLogs:     true,
			SlowRequestSeconds: 5,
		},
		Scan: ScanConfig{
			Command:            "ash",
			DefaultSeverity:    string(scan.DefaultSeverityThreshold),
			PollInterval:       time.Second,
			HeartbeatInterval:  10 * time.Second,
			MaxWait:            30 * time.Minute,
			CleanupConcurrency: 4,
		},
		Sweeper: SweeperConfig{
			Enabled:     true,
			Schedule:    "0 * * * *",
			MaxAgeHours: 24,
		},
		Archive: ArchiveConfig{
			Prefix: "scans",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			RequestsPerSec:  50,
			Burst:           100,
			CleanupInterval: time.Minute,
		},
		Auth: AuthConfig{
			JWTIssuer: "scanregistry",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         86400,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "scanregistry",
			Endpoint:    "localhost:4318",
			Insecure:    true,
			SampleRatio: 1.0,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by SCANREGISTRY_CONFIG and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.App.Name = getEnv("APP_NAME", c.App.Name)
	c.App.Env = getEnv("APP_ENV", c.App.Env)
	c.App.Debug = getEnvBool("APP_DEBUG", c.App.Debug)

	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.RequestTimeout = getEnvDuration("SERVER_REQUEST_TIMEOUT", c.Server.RequestTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.MaxBodySize = getEnvInt64("SERVER_MAX_BODY_SIZE", c.Server.MaxBodySize)
	c.Server.MaxConnections = getEnvInt("SERVER_MAX_CONNECTIONS", c.Server.MaxConnections)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.AddSource = getEnvBool("LOG_ADD_SOURCE", c.Log.AddSource)
	c.Log.SamplingEnabled = getEnvBool("LOG_SAMPLING_ENABLED", c.Log.SamplingEnabled)
	c.Log.SamplingThreshold = getEnvInt("LOG_SAMPLING_THRESHOLD", c.Log.SamplingThreshold)
	c.Log.SamplingRate = getEnvFloat("LOG_SAMPLING_RATE", c.Log.SamplingRate)
	c.Log.SkipHealthLogs = getEnvBool("LOG_SKIP_HEALTH", c.Log.SkipHealthLogs)
	c.Log.SlowRequestSeconds = getEnvInt("LOG_SLOW_REQUEST_SECONDS", c.Log.SlowRequestSeconds)

	c.Scan.Command = getEnv("SCAN_COMMAND", c.Scan.Command)
	c.Scan.ExtraArgs = getEnvSlice("SCAN_EXTRA_ARGS", c.Scan.ExtraArgs)
	c.Scan.DefaultSeverity = getEnv("SCAN_DEFAULT_SEVERITY", c.Scan.DefaultSeverity)
	c.Scan.PollInterval = getEnvDuration("SCAN_POLL_INTERVAL", c.Scan.PollInterval)
	c.Scan.HeartbeatInterval = getEnvDuration("SCAN_HEARTBEAT_INTERVAL", c.Scan.HeartbeatInterval)
	c.Scan.MaxWait = getEnvDuration("SCAN_MAX_WAIT", c.Scan.MaxWait)
	c.Scan.CleanupConcurrency = getEnvInt("SCAN_CLEANUP_CONCURRENCY", c.Scan.CleanupConcurrency)
	c.Scan.OutputRoots = getEnvSlice("SCAN_OUTPUT_ROOTS", c.Scan.OutputRoots)

	c.Sweeper.Enabled = getEnvBool("SWEEPER_ENABLED", c.Sweeper.Enabled)
	c.Sweeper.Schedule = getEnv("SWEEPER_SCHEDULE", c.Sweeper.Schedule)
	c.Sweeper.MaxAgeHours = getEnvFloat("SWEEPER_MAX_AGE_HOURS", c.Sweeper.MaxAgeHours)
	c.Sweeper.RemoveOutput = getEnvBool("SWEEPER_REMOVE_OUTPUT", c.Sweeper.RemoveOutput)

	c.Archive.Bucket = getEnv("ARCHIVE_S3_BUCKET", c.Archive.Bucket)
	c.Archive.Region = getEnv("ARCHIVE_S3_REGION", c.Archive.Region)
	c.Archive.Prefix = getEnv("ARCHIVE_S3_PREFIX", c.Archive.Prefix)
	c.Archive.Endpoint = getEnv("ARCHIVE_S3_ENDPOINT", c.Archive.Endpoint)
	c.Archive.AuthType = getEnv("ARCHIVE_S3_AUTH_TYPE", c.Archive.AuthType)
	c.Archive.AccessKey = getEnv("ARCHIVE_S3_ACCESS_KEY", c.Archive.AccessKey)
	c.Archive.SecretKey = getEnv("ARCHIVE_S3_SECRET_KEY", c.Archive.SecretKey)
	c.Archive.RoleARN = getEnv("ARCHIVE_S3_ROLE_ARN", c.Archive.RoleARN)
	c.Archive.ExternalID = getEnv("ARCHIVE_S3_EXTERNAL_ID", c.Archive.ExternalID)

	c.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RequestsPerSec = getEnvFloat("RATE_LIMIT_RPS", c.RateLimit.RequestsPerSec)
	c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)
	c.RateLimit.CleanupInterval = getEnvDuration("RATE_LIMIT_CLEANUP", c.RateLimit.CleanupInterval)

	c.Auth.JWTSecret = getEnv("AUTH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTIssuer = getEnv("AUTH_JWT_ISSUER", c.Auth.JWTIssuer)

	c.CORS.AllowedOrigins = getEnvSlice("CORS_ALLOWED_ORIGINS", c.CORS.AllowedOrigins)
	c.CORS.AllowedMethods = getEnvSlice("CORS_ALLOWED_METHODS", c.CORS.AllowedMethods)
	c.CORS.AllowedHeaders = getEnvSlice("CORS_ALLOWED_HEADERS", c.CORS.AllowedHeaders)
	c.CORS.MaxAge = getEnvInt("CORS_MAX_AGE", c.CORS.MaxAge)

	c.Telemetry.Enabled = getEnvBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.Insecure = getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", c.Telemetry.Insecure)
	c.Telemetry.SampleRatio = getEnvFloat("OTEL_TRACES_SAMPLER_ARG", c.Telemetry.SampleRatio)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateBasic(); err != nil {
		return err
	}
	if c.App.Env == EnvProduction {
		return c.validateProduction()
	}
	return nil
}

// validateBasic validates basic configuration regardless of environment.
func (c *Config) validateBasic() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("SERVER_MAX_CONNECTIONS must be non-negative, got %d", c.Server.MaxConnections)
	}
	if !c.Auth.Enabled() && !c.Server.IsLoopback() {
		return fmt.Errorf("AUTH_JWT_SECRET is required when SERVER_HOST %q is not a loopback address", c.Server.Host)
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	if err := c.validateScan(); err != nil {
		return err
	}
	if err := c.validateSweeper(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0.0 and 1.0, got %f", c.Telemetry.SampleRatio)
	}
	return nil
}

// validateLog validates logging configuration.
func (c *Config) validateLog() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if c.Log.Level != "" && !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}

	if c.Log.SamplingRate < 0.0 || c.Log.SamplingRate > 1.0 {
		return fmt.Errorf("LOG_SAMPLING_RATE must be between 0.0 and 1.0, got %f", c.Log.SamplingRate)
	}
	if c.Log.SamplingThreshold < 0 {
		return fmt.Errorf("LOG_SAMPLING_THRESHOLD must be non-negative, got %d", c.Log.SamplingThreshold)
	}
	if c.Log.SlowRequestSeconds < 0 {
		return fmt.Errorf("LOG_SLOW_REQUEST_SECONDS must be non-negative, got %d", c.Log.SlowRequestSeconds)
	}
	return nil
}

// validateScan validates scanner configuration.
func (c *Config) validateScan() error {
	if c.Scan.Command == "" {
		return errors.New("SCAN_COMMAND is required")
	}
	if _, ok := scan.ParseSeverityThreshold(c.Scan.DefaultSeverity); !ok {
		return fmt.Errorf("invalid SCAN_DEFAULT_SEVERITY: %s (must be one of LOW, MEDIUM, HIGH, CRITICAL)", c.Scan.DefaultSeverity)
	}
	if c.Scan.PollInterval <= 0 {
		return fmt.Errorf("SCAN_POLL_INTERVAL must be positive, got %s", c.Scan.PollInterval)
	}
	if c.Scan.HeartbeatInterval < c.Scan.PollInterval {
		return fmt.Errorf("SCAN_HEARTBEAT_INTERVAL (%s) must not be shorter than SCAN_POLL_INTERVAL (%s)",
			c.Scan.HeartbeatInterval, c.Scan.PollInterval)
	}
	if c.Scan.MaxWait <= 0 {
		return fmt.Errorf("SCAN_MAX_WAIT must be positive, got %s", c.Scan.MaxWait)
	}
	if c.Scan.CleanupConcurrency < 1 {
		return fmt.Errorf("SCAN_CLEANUP_CONCURRENCY must be at least 1, got %d", c.Scan.CleanupConcurrency)
	}
	for _, root := range c.Scan.OutputRoots {
		if !filepath.IsAbs(root) || filepath.Clean(root) == "/" {
			return fmt.Errorf("invalid SCAN_OUTPUT_ROOTS entry %q (must be an absolute path other than /)", root)
		}
	}
	return nil
}

// validateSweeper validates the cleanup schedule.
func (c *Config) validateSweeper() error {
	if !c.Sweeper.Enabled {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(c.Sweeper.Schedule); err != nil {
		return fmt.Errorf("invalid SWEEPER_SCHEDULE %q: %w", c.Sweeper.Schedule, err)
	}
	if c.Sweeper.MaxAgeHours <= 0 {
		return fmt.Errorf("SWEEPER_MAX_AGE_HOURS must be positive, got %v", c.Sweeper.MaxAgeHours)
	}
	return nil
}

// validateArchive validates archival credentials.
func (c *Config) validateArchive() error {
	if !c.Archive.IsConfigured() {
		return nil
	}
	switch c.Archive.AuthType {
	case "":
	case "keys":
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return errors.New("ARCHIVE_S3_ACCESS_KEY and ARCHIVE_S3_SECRET_KEY are required for auth type keys")
		}
	case "sts_role":
		if c.Archive.RoleARN == "" {
			return errors.New("ARCHIVE_S3_ROLE_ARN is required for auth type sts_role")
		}
	default:
		return fmt.Errorf("invalid ARCHIVE_S3_AUTH_TYPE: %s (must be keys or sts_role)", c.Archive.AuthType)
	}
	return nil
}

// validateProduction applies stricter rules in production.
func (c *Config) validateProduction() error {
	if c.App.Debug {
		return errors.New("APP_DEBUG must be false in production")
	}
	if !c.Auth.Enabled() {
		return errors.New("AUTH_JWT_SECRET is required in production")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters in production, got %d", len(c.Auth.JWTSecret))
	}
	if slices.Contains(c.CORS.AllowedOrigins, "*") && c.Auth.Enabled() {
		return errors.New("CORS_ALLOWED_ORIGINS must not contain '*' when authentication is enabled in production")
	}
	return nil
}

// IsLoopback reports whether the server only listens on a loopback address.
func (c *ServerConfig) IsLoopback() bool {
	if strings.EqualFold(c.Host, "localhost") {
		return true
	}
	ip := net.ParseIP(c.Host)
	return ip != nil && ip.IsLoopback()
}

// Addr returns the HTTP server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if result := splitAndTrim(value, ","); len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
