// Package agent provides the fleetd node agent: configuration, the
// control-plane session supervisor, the inbound event dispatcher and the
// wiring between them and the task host.
package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent modes.
const (
	ModeService     = "service"
	ModeInteractive = "interactive"
)

// Config holds all configuration settings for the agent.
type Config struct {
	// NodeID is the stable node identity. If empty, it is read from or
	// generated into <StateDir>/node-id.
	NodeID string `yaml:"node_id"`

	// HostName is sent to the control plane as session metadata.
	HostName string `yaml:"host_name"`

	// Mode is service or interactive (default: service).
	Mode string `yaml:"mode"`

	// ControlPlaneURL is the gRPC endpoint of the control plane (required).
	ControlPlaneURL string `yaml:"control_plane_url"`

	// Token is the authentication token for the control plane (required).
	Token string `yaml:"token"`

	// StateDir is the directory for persistent state (default: /var/lib/fleetd).
	StateDir string `yaml:"state_dir"`

	// WorkDir is the base directory for script tasks (default: <StateDir>/work).
	WorkDir string `yaml:"work_dir"`

	// WatchdogInterval is how often the heartbeat counter is sampled (default: 10m).
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// CancelDelay is the wait before reconnecting after a stale session (default: 1s).
	CancelDelay time.Duration `yaml:"cancel_delay"`

	// ReconnectMinInterval is the minimum reconnection interval (default: 30s).
	ReconnectMinInterval time.Duration `yaml:"reconnect_min_interval"`

	// ReconnectMaxInterval is the maximum reconnection interval (default: 30s).
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`

	// EventWorkers is the size of the event handler pool (default: NumCPU).
	EventWorkers int `yaml:"event_workers"`

	// EventQueueSize bounds the inbound event channel (default: 1024).
	EventQueueSize int `yaml:"event_queue_size"`

	// SingleWorker forces one event worker, for debugging.
	SingleWorker bool `yaml:"single_worker"`

	// FlushSize is the task log batch size (default: 1024).
	FlushSize int `yaml:"flush_size"`

	// FlushInterval is the longest a task log entry waits for a flush (default: 3s).
	FlushInterval time.Duration `yaml:"flush_interval"`

	// ShutdownGrace bounds the wait for task bodies on shutdown (default: 10s).
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// ThroughputLogInterval is how often report throughput is logged (default: 1m).
	ThroughputLogInterval time.Duration `yaml:"throughput_log_interval"`

	// ResourceCheckInterval is how often host usage gauges refresh (default: 10s).
	ResourceCheckInterval time.Duration `yaml:"resource_check_interval"`

	// WatchPaths are the directories reported through file-watch events.
	WatchPaths []string `yaml:"watch_paths"`

	// LogLevel is the log level (debug, info, warn, error) (default: info).
	LogLevel string `yaml:"log_level"`

	// LogFormat is the log format (json, console) (default: json).
	LogFormat string `yaml:"log_format"`

	// TLSEnabled enables TLS for the control plane connection.
	TLSEnabled bool `yaml:"tls_enabled"`

	// TLSCertFile and TLSKeyFile are an optional client certificate pair.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// TLSCAFile is the path to the CA certificate file for verifying the control plane.
	TLSCAFile string `yaml:"tls_ca_file"`

	// TLSInsecureSkipVerify skips TLS certificate verification (not recommended).
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`

	// DockerEnabled registers ContainerTask when a Docker daemon is reachable.
	DockerEnabled bool `yaml:"docker_enabled"`

	// DockerHost is the Docker daemon socket (default: environment).
	DockerHost string `yaml:"docker_host"`

	// StorageEndpoint is the S3/MinIO endpoint for bulk transfers.
	StorageEndpoint  string `yaml:"storage_endpoint"`
	StorageAccessKey string `yaml:"storage_access_key"`
	StorageSecretKey string `yaml:"storage_secret_key"`
	StorageBucket    string `yaml:"storage_bucket"`
	StorageRegion    string `yaml:"storage_region"`
	StorageUseSSL    bool   `yaml:"storage_use_ssl"`

	// MetricsPort serves /metrics; 0 disables it (default: 9092).
	MetricsPort int `yaml:"metrics_port"`

	// Tracing settings.
	TracingEnabled    bool    `yaml:"tracing_enabled"`
	TracingEndpoint   string  `yaml:"tracing_endpoint"`
	TracingInsecure   bool    `yaml:"tracing_insecure"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`
}

// Load reads agent configuration from environment variables, then overlays
// the YAML file at path when path is not empty.
// Environment variables use the FLEETD_ prefix.
func Load(path string) (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	stateDir := getEnv("FLEETD_STATE_DIR", "/var/lib/fleetd")

	cfg := &Config{
		NodeID:                getEnv("FLEETD_NODE_ID", ""),
		HostName:              getEnv("FLEETD_HOST_NAME", hostname),
		Mode:                  getEnv("FLEETD_MODE", ModeService),
		ControlPlaneURL:       getEnv("FLEETD_CONTROL_PLANE_URL", ""),
		Token:                 getEnv("FLEETD_TOKEN", ""),
		StateDir:              stateDir,
		WorkDir:               getEnv("FLEETD_WORK_DIR", ""),
		WatchdogInterval:      getEnvDuration("FLEETD_WATCHDOG_INTERVAL", 10*time.Minute),
		CancelDelay:           getEnvDuration("FLEETD_CANCEL_DELAY", time.Second),
		ReconnectMinInterval:  getEnvDuration("FLEETD_RECONNECT_MIN_INTERVAL", 30*time.Second),
		ReconnectMaxInterval:  getEnvDuration("FLEETD_RECONNECT_MAX_INTERVAL", 30*time.Second),
		EventWorkers:          getEnvInt("FLEETD_EVENT_WORKERS", runtime.NumCPU()),
		EventQueueSize:        getEnvInt("FLEETD_EVENT_QUEUE_SIZE", 1024),
		SingleWorker:          getEnvBool("FLEETD_SINGLE_WORKER", false),
		FlushSize:             getEnvInt("FLEETD_FLUSH_SIZE", 1024),
		FlushInterval:         getEnvDuration("FLEETD_FLUSH_INTERVAL", 3*time.Second),
		ShutdownGrace:         getEnvDuration("FLEETD_SHUTDOWN_GRACE", 10*time.Second),
		ThroughputLogInterval: getEnvDuration("FLEETD_THROUGHPUT_LOG_INTERVAL", time.Minute),
		ResourceCheckInterval: getEnvDuration("FLEETD_RESOURCE_CHECK_INTERVAL", 10*time.Second),
		WatchPaths:            getEnvStringSlice("FLEETD_WATCH_PATHS", nil),
		LogLevel:              getEnv("FLEETD_LOG_LEVEL", "info"),
		LogFormat:             getEnv("FLEETD_LOG_FORMAT", "json"),
		TLSEnabled:            getEnvBool("FLEETD_TLS_ENABLED", false),
		TLSCertFile:           getEnv("FLEETD_TLS_CERT_FILE", ""),
		TLSKeyFile:            getEnv("FLEETD_TLS_KEY_FILE", ""),
		TLSCAFile:             getEnv("FLEETD_TLS_CA_FILE", ""),
		TLSInsecureSkipVerify: getEnvBool("FLEETD_TLS_INSECURE_SKIP_VERIFY", false),
		DockerEnabled:         getEnvBool("FLEETD_DOCKER_ENABLED", false),
		DockerHost:            getEnv("FLEETD_DOCKER_HOST", ""),
		StorageEndpoint:       getEnv("FLEETD_STORAGE_ENDPOINT", ""),
		StorageAccessKey:      getEnv("FLEETD_STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:      getEnv("FLEETD_STORAGE_SECRET_KEY", ""),
		StorageBucket:         getEnv("FLEETD_STORAGE_BUCKET", ""),
		StorageRegion:         getEnv("FLEETD_STORAGE_REGION", "us-east-1"),
		StorageUseSSL:         getEnvBool("FLEETD_STORAGE_USE_SSL", true),
		MetricsPort:           getEnvInt("FLEETD_METRICS_PORT", 9092),
		TracingEnabled:        getEnvBool("FLEETD_TRACING_ENABLED", false),
		TracingEndpoint:       getEnv("FLEETD_TRACING_ENDPOINT", ""),
		TracingInsecure:       getEnvBool("FLEETD_TRACING_INSECURE", true),
		TracingSampleRate:     getEnvFloat64("FLEETD_TRACING_SAMPLE_RATE", 1.0),
	}

	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(cfg.StateDir, "work")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// overlayFile sets every key present in the YAML file at path.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Workers returns the effective event worker count.
func (c *Config) Workers() int {
	if c.SingleWorker {
		return 1
	}
	return c.EventWorkers
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	// Required fields
	if c.ControlPlaneURL == "" {
		errs = append(errs, errors.New("FLEETD_CONTROL_PLANE_URL is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("FLEETD_TOKEN is required"))
	}
	if c.Mode != ModeService && c.Mode != ModeInteractive {
		errs = append(errs, errors.New("FLEETD_MODE must be one of: service, interactive"))
	}

	// Validate directories are absolute paths
	if c.StateDir == "" || !filepath.IsAbs(c.StateDir) {
		errs = append(errs, errors.New("FLEETD_STATE_DIR must be an absolute path"))
	}
	if c.WorkDir != "" && !filepath.IsAbs(c.WorkDir) {
		errs = append(errs, errors.New("FLEETD_WORK_DIR must be an absolute path"))
	}

	// Validate session timing
	if c.WatchdogInterval < time.Second {
		errs = append(errs, errors.New("FLEETD_WATCHDOG_INTERVAL must be at least 1 second"))
	}
	if c.CancelDelay < 0 {
		errs = append(errs, errors.New("FLEETD_CANCEL_DELAY cannot be negative"))
	}
	if c.ReconnectMinInterval < 100*time.Millisecond {
		errs = append(errs, errors.New("FLEETD_RECONNECT_MIN_INTERVAL must be at least 100ms"))
	}
	if c.ReconnectMaxInterval < c.ReconnectMinInterval {
		errs = append(errs, errors.New("FLEETD_RECONNECT_MAX_INTERVAL must be >= MIN_INTERVAL"))
	}

	// Validate dispatcher and task host sizing
	if c.EventWorkers < 1 {
		errs = append(errs, errors.New("FLEETD_EVENT_WORKERS must be at least 1"))
	}
	if c.EventWorkers > 256 {
		errs = append(errs, errors.New("FLEETD_EVENT_WORKERS cannot exceed 256"))
	}
	if c.EventQueueSize < 1 {
		errs = append(errs, errors.New("FLEETD_EVENT_QUEUE_SIZE must be at least 1"))
	}
	if c.FlushSize < 1 {
		errs = append(errs, errors.New("FLEETD_FLUSH_SIZE must be at least 1"))
	}
	if c.FlushInterval < 10*time.Millisecond {
		errs = append(errs, errors.New("FLEETD_FLUSH_INTERVAL must be at least 10ms"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("FLEETD_SHUTDOWN_GRACE cannot be negative"))
	}

	// Validate log settings
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, errors.New("FLEETD_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, errors.New("FLEETD_LOG_FORMAT must be one of: json, console"))
	}

	// Validate TLS settings
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("FLEETD_TLS_CERT_FILE and FLEETD_TLS_KEY_FILE must be set together"))
	}
	if !c.TLSEnabled && (c.TLSCertFile != "" || c.TLSCAFile != "") {
		errs = append(errs, errors.New("FLEETD_TLS_ENABLED must be true when TLS files are set"))
	}

	// Validate storage settings
	if c.StorageEndpoint != "" && c.StorageBucket == "" {
		errs = append(errs, errors.New("FLEETD_STORAGE_BUCKET is required when a storage endpoint is set"))
	}

	// Validate metrics and tracing
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, errors.New("FLEETD_METRICS_PORT must be between 0 and 65535"))
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		errs = append(errs, errors.New("FLEETD_TRACING_ENDPOINT is required when tracing is enabled"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, errors.New("FLEETD_TRACING_SAMPLE_RATE must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// Helper functions for reading environment variables

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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
