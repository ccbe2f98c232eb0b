// Package config handles loading and validating edagate configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/edagate/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Transports supported by the MCP server.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportStdio          = "stdio"
)

// Audit sinks.
const (
	AuditSinkStore = "store" // SQLite or PostgreSQL via internal/storage
	AuditSinkJSONL = "jsonl" // append-only file under the data directory
)

// Config is the root configuration for edagate.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ./workspace. Override: EDAGATE_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.edagate/data. Override: EDAGATE_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Images        ImagesConfig         `json:"images" yaml:"images"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under DataDir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Log           LogConfig            `json:"log" yaml:"log"`
}

// ServerConfig configures the listeners.
type ServerConfig struct {
	Host           string `json:"host" yaml:"host"`                         // Default: 0.0.0.0
	Port           int    `json:"port" yaml:"port"`                         // Main HTTP port. Default: 3334
	FileServerPort int    `json:"file_server_port" yaml:"file_server_port"` // Static file port. Default: 8081. 0 disables.
	Transport      string `json:"transport" yaml:"transport"`               // "streamable-http" (default) or "stdio"
	EnableDocs     bool   `json:"enable_docs" yaml:"enable_docs"`           // Serve OpenAPI docs at /docs
}

// Addr returns host:port for the main listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// FileServerAddr returns host:port for the file server.
func (s ServerConfig) FileServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.FileServerPort)
}

// SecurityConfig configures the request boundary.
type SecurityConfig struct {
	APIKey              string   `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Shared secret. Override: MCP_API_KEY.
	AllowOpen           bool     `json:"allow_open" yaml:"allow_open"`               // Required to run without an API key.
	RateLimitRPM        int      `json:"rate_limit_rpm" yaml:"rate_limit_rpm"`       // Per client. 0 disables. Default: 60
	RateLimitMaxClients int      `json:"rate_limit_max_clients" yaml:"rate_limit_max_clients"`
	AllowedOrigins      []string `json:"allowed_origins" yaml:"allowed_origins"` // Default: ["*"]
	SweepSchedule       string   `json:"sweep_schedule" yaml:"sweep_schedule"`   // Cron spec for limiter sweeps. Default: "@every 5m"
}

// SandboxConfig configures container resource limits.
type SandboxConfig struct {
	DockerBinary   string  `json:"docker_binary" yaml:"docker_binary"`     // Default: "docker"
	MemoryLimit    string  `json:"memory_limit" yaml:"memory_limit"`       // Default: "4g"
	CPULimit       float64 `json:"cpu_limit" yaml:"cpu_limit"`             // Default: 2
	Network        string  `json:"network" yaml:"network"`                 // Default: "none"
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`           // Default: 256
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 600
}

// Timeout returns the per-run wall-clock limit.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ImagesConfig names the EDA tool images.
type ImagesConfig struct {
	Yosys    string `json:"yosys" yaml:"yosys"`       // Default: "yosys:local"
	OpenLane string `json:"openlane" yaml:"openlane"` // Default: "efabless/openlane:latest"
	PDKCache string `json:"pdk_cache,omitempty" yaml:"pdk_cache,omitempty"` // Host PDK cache mounted into OpenLane. Default: <data_dir>/pdk_cache
}

// AuditConfig configures the security audit trail.
type AuditConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`               // Default: true
	Sink          string `json:"sink" yaml:"sink"`                     // "store" (default) or "jsonl"
	QueueSize     int    `json:"queue_size" yaml:"queue_size"`         // Default: 1024
	RetentionDays int    `json:"retention_days" yaml:"retention_days"` // 0 = keep forever. Default: 30
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"` // Default: "@daily"
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `json:"level" yaml:"level"` // debug, info, warn, error. Default: info
}

// ObservabilityConfig groups metrics, tracing, health and anomaly settings.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "edagate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection on sandbox runs.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Workspace: "workspace",
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           3334,
			FileServerPort: 8081,
			Transport:      TransportStreamableHTTP,
		},
		Security: SecurityConfig{
			RateLimitRPM:        60,
			RateLimitMaxClients: 10000,
			AllowedOrigins:      []string{"*"},
			SweepSchedule:       "@every 5m",
		},
		Sandbox: SandboxConfig{
			DockerBinary:   "docker",
			MemoryLimit:    "4g",
			CPULimit:       2,
			Network:        "none",
			PIDsLimit:      256,
			TimeoutSeconds: 600,
		},
		Images: ImagesConfig{
			Yosys:    "yosys:local",
			OpenLane: "efabless/openlane:latest",
		},
		Audit: AuditConfig{
			Enabled:       true,
			Sink:          AuditSinkStore,
			QueueSize:     1024,
			RetentionDays: 30,
			PruneSchedule: "@daily",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config file at path on top of Default, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	default:
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".edagate", "data")
		} else {
			cfg.DataDir = "data"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv applies environment variable overrides. Env vars take
// precedence over config values.
func (c *Config) applyEnv() error {
	if v := os.Getenv("EDAGATE_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("EDAGATE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("MCP_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("MCP_API_KEY"); v != "" {
		c.Security.APIKey = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Security.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("DOCKER_BINARY"); v != "" {
		c.Sandbox.DockerBinary = v
	}
	if v := os.Getenv("DOCKER_MEMORY_LIMIT"); v != "" {
		c.Sandbox.MemoryLimit = v
	}
	if v := os.Getenv("DOCKER_NETWORK"); v != "" {
		c.Sandbox.Network = v
	}
	if v := os.Getenv("YOSYS_DOCKER_IMAGE"); v != "" {
		c.Images.Yosys = v
	}
	if v := os.Getenv("OPENLANE_DOCKER_IMAGE"); v != "" {
		c.Images.OpenLane = v
	}
	if v := os.Getenv("PDK_CACHE_DIR"); v != "" {
		c.Images.PDKCache = v
	}
	if v := os.Getenv("EDAGATE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{Driver: storage.DriverPostgres}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Server.Port},
		{"FILE_SERVER_PORT", &c.Server.FileServerPort},
		{"RATE_LIMIT_RPM", &c.Security.RateLimitRPM},
		{"DOCKER_PIDS_LIMIT", &c.Sandbox.PIDsLimit},
		{"EDA_TIMEOUT_SECONDS", &c.Sandbox.TimeoutSeconds},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s=%q: %w", e.key, v, err)
		}
		*e.dst = n
	}

	if v := os.Getenv("DOCKER_CPU_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parsing DOCKER_CPU_LIMIT=%q: %w", v, err)
		}
		c.Sandbox.CPULimit = f
	}
	if v := os.Getenv("EDAGATE_ALLOW_OPEN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing EDAGATE_ALLOW_OPEN=%q: %w", v, err)
		}
		c.Security.AllowOpen = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ResolvedWorkspace returns the absolute workspace root.
func (c *Config) ResolvedWorkspace() string {
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "edagate.db")
}

// AuditLogPath returns the JSONL audit log path under the data directory.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// PDKCacheDir returns the host directory holding downloaded PDKs.
func (c *Config) PDKCacheDir() string {
	if c.Images.PDKCache != "" {
		if resolved, err := resolvePath(c.Images.PDKCache); err == nil {
			return resolved
		}
		return c.Images.PDKCache
	}
	return filepath.Join(c.ResolvedDataDir(), "pdk_cache")
}

// StorageConfig returns the effective storage configuration with the
// SQLite path filled in.
func (c *Config) StorageConfig() storage.Config {
	var sc storage.Config
	if c.Storage != nil {
		sc = *c.Storage
	}
	if sc.Driver == "" {
		sc.Driver = storage.DefaultDriver
	}
	if sc.Driver == storage.DriverSQLite && sc.SQLite.Path == "" {
		sc.SQLite.Path = c.DatabasePath()
	}
	return sc
}

// Open reports whether the server runs without authentication.
func (c *Config) Open() bool {
	return c.Security.APIKey == ""
}

// MetricsEnabled reports whether Prometheus metrics are exposed.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.MetricsEnabled() && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "edagate.yaml"
	}
	return filepath.Join(home, ".edagate", "config.yaml")
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}

// Validate checks the configuration. Load calls it; callers that modify a
// loaded config call it again.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}

	switch c.Server.Transport {
	case TransportStreamableHTTP, TransportStdio:
	default:
		return fmt.Errorf("server.transport must be %q or %q, got %q",
			TransportStreamableHTTP, TransportStdio, c.Server.Transport)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.FileServerPort < 0 || c.Server.FileServerPort > 65535 {
		return fmt.Errorf("server.file_server_port out of range: %d", c.Server.FileServerPort)
	}
	if c.Server.FileServerPort != 0 && c.Server.FileServerPort == c.Server.Port {
		return fmt.Errorf("server.file_server_port must differ from server.port")
	}

	if c.Security.APIKey == "" && !c.Security.AllowOpen {
		return fmt.Errorf("security.api_key is empty: set MCP_API_KEY or opt into open mode with security.allow_open")
	}
	if c.Security.RateLimitRPM < 0 {
		return fmt.Errorf("security.rate_limit_rpm must be >= 0")
	}
	if c.Security.RateLimitMaxClients < 0 {
		return fmt.Errorf("security.rate_limit_max_clients must be >= 0")
	}

	if c.Sandbox.MemoryLimit == "" {
		return fmt.Errorf("sandbox.memory_limit is required")
	}
	if c.Sandbox.CPULimit <= 0 {
		return fmt.Errorf("sandbox.cpu_limit must be > 0")
	}
	if c.Sandbox.PIDsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be > 0")
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox.timeout_seconds must be > 0")
	}
	if c.Images.Yosys == "" || c.Images.OpenLane == "" {
		return fmt.Errorf("images.yosys and images.openlane are required")
	}

	switch c.Audit.Sink {
	case AuditSinkStore, AuditSinkJSONL:
	default:
		return fmt.Errorf("audit.sink must be %q or %q, got %q", AuditSinkStore, AuditSinkJSONL, c.Audit.Sink)
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must be >= 0")
	}

	if c.Storage != nil {
		switch c.Storage.Driver {
		case "", storage.DriverSQLite:
		case storage.DriverPostgres:
			if c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required when driver is postgres")
			}
		default:
			return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if r := c.Observability.Tracing.SampleRate; r < 0 || r > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
