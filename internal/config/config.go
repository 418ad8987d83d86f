// Package config provides the configuration structure for the float-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Backend names accepted in the inference section.
const (
	BackendCommand = "command"
	BackendHTTP    = "http"
)

const (
	defaultHost                 = "0.0.0.0"
	defaultPort                 = 8002
	defaultMaxUploadBytes       = 64 << 20
	defaultReadHeaderTimeoutSec = 10
	defaultShutdownTimeoutSec   = 30
	defaultPythonBin            = "python3"
	defaultScriptPath           = "generate.py"
	defaultNGPUs                = 1
	defaultResDir               = "results"
	defaultTimeoutSeconds       = 600
	defaultLoadTimeoutSeconds   = 300
	defaultWorkers              = 1
	defaultQueueSize            = 8
	defaultInferenceSubject     = "float.inference.requested"
	defaultObjectStoreBucket    = "FLOAT_MEDIA"

	dirPermissions = 0o750
)

var (
	// ErrUnknownBackend indicates that inference.backend names no known agent backend.
	ErrUnknownBackend = errors.New("unknown inference backend")
	// ErrBaseURLEmpty indicates that the http backend has no base URL.
	ErrBaseURLEmpty = errors.New("inference.base_url cannot be empty for the http backend")
	// ErrPortRange indicates that the server port is outside [1, 65535].
	ErrPortRange = errors.New("server.port must be between 1 and 65535")
	// ErrWorkersRange indicates that the pool has no workers.
	ErrWorkersRange = errors.New("pool.workers must be at least 1")
	// ErrQueueSizeNegative indicates a negative pool queue size.
	ErrQueueSizeNegative = errors.New("pool.queue_size must be non-negative")
	// ErrNGPUsRange indicates that ngpus is not positive.
	ErrNGPUsRange = errors.New("inference.ngpus must be at least 1")
	// ErrRankRange indicates a rank outside [0, ngpus).
	ErrRankRange = errors.New("inference.rank must be in [0, ngpus)")
	// ErrNATSURLEmpty indicates that NATS is enabled without a URL.
	ErrNATSURLEmpty = errors.New("nats.url cannot be empty when nats is enabled")
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                     string  `toml:"host"`
	Port                     int     `toml:"port"`
	MaxUploadBytes           int64   `toml:"max_upload_bytes"`
	ReadHeaderTimeoutSeconds int     `toml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int     `toml:"shutdown_timeout_seconds"`
	RateLimitPerSecond       float64 `toml:"rate_limit_per_second"`
	RateLimitBurst           int     `toml:"rate_limit_burst"`
}

// InferenceConfig describes how the FLOAT inference agent is reached.
type InferenceConfig struct {
	Backend            string   `toml:"backend"`
	PythonBin          string   `toml:"python_bin"`
	ScriptPath         string   `toml:"script_path"`
	ExtraArgs          []string `toml:"extra_args"`
	WarmupArgs         []string `toml:"warmup_args"`
	BaseURL            string   `toml:"base_url"`
	Rank               int      `toml:"rank"`
	NGPUs              int      `toml:"ngpus"`
	ResDir             string   `toml:"res_dir"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
	LoadTimeoutSeconds int      `toml:"load_timeout_seconds"`
}

// PoolConfig sizes the inference worker pool.
type PoolConfig struct {
	Workers int `toml:"workers"`
	// QueueSize is nil when unset. Zero hands jobs only to idle workers.
	QueueSize *int `toml:"queue_size"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	Enabled           bool   `toml:"enabled"`
	URL               string `toml:"url"`
	InferenceSubject  string `toml:"inference_subject"`
	ObjectStoreBucket string `toml:"object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	ScratchDir  string `toml:"scratch_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Inference InferenceConfig `toml:"inference"`
	Pool      PoolConfig      `toml:"pool"`
	NATS      NATSConfig      `toml:"nats"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the float-service, fills in defaults and validates it.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = defaultHost
	}

	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}

	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = defaultMaxUploadBytes
	}

	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = defaultReadHeaderTimeoutSec
	}

	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = defaultShutdownTimeoutSec
	}

	if c.Server.RateLimitPerSecond > 0 && c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 1
	}

	c.applyInferenceDefaults()

	if c.Pool.Workers == 0 {
		c.Pool.Workers = defaultWorkers
	}

	if c.Pool.QueueSize == nil {
		queueSize := defaultQueueSize
		c.Pool.QueueSize = &queueSize
	}

	if c.NATS.InferenceSubject == "" {
		c.NATS.InferenceSubject = defaultInferenceSubject
	}

	if c.NATS.ObjectStoreBucket == "" {
		c.NATS.ObjectStoreBucket = defaultObjectStoreBucket
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = os.TempDir()
	}
}

func (c *Config) applyInferenceDefaults() {
	if c.Inference.Backend == "" {
		c.Inference.Backend = BackendCommand
	}

	if c.Inference.PythonBin == "" {
		c.Inference.PythonBin = defaultPythonBin
	}

	if c.Inference.ScriptPath == "" {
		c.Inference.ScriptPath = defaultScriptPath
	}

	if c.Inference.NGPUs == 0 {
		c.Inference.NGPUs = defaultNGPUs
	}

	if c.Inference.ResDir == "" {
		c.Inference.ResDir = defaultResDir
	}

	if c.Inference.TimeoutSeconds <= 0 {
		c.Inference.TimeoutSeconds = defaultTimeoutSeconds
	}

	if c.Inference.LoadTimeoutSeconds <= 0 {
		c.Inference.LoadTimeoutSeconds = defaultLoadTimeoutSeconds
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrPortRange, c.Server.Port)
	}

	switch c.Inference.Backend {
	case BackendCommand:
	case BackendHTTP:
		if c.Inference.BaseURL == "" {
			return ErrBaseURLEmpty
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownBackend, c.Inference.Backend)
	}

	if c.Inference.NGPUs < 1 {
		return fmt.Errorf("%w: got %d", ErrNGPUsRange, c.Inference.NGPUs)
	}

	if c.Inference.Rank < 0 || c.Inference.Rank >= c.Inference.NGPUs {
		return fmt.Errorf("%w: got %d", ErrRankRange, c.Inference.Rank)
	}

	if c.Pool.Workers < 1 {
		return fmt.Errorf("%w: got %d", ErrWorkersRange, c.Pool.Workers)
	}

	if c.Pool.Queue() < 0 {
		return fmt.Errorf("%w: got %d", ErrQueueSizeNegative, c.Pool.Queue())
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}

	return nil
}

// EnsureDirectories creates the results and scratch directories if they are absent.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Inference.ResDir, c.Paths.BaseLogsDir}
	if c.Paths.ScratchDir != "" {
		dirs = append(dirs, c.Paths.ScratchDir)
	}

	for _, dir := range dirs {
		err := os.MkdirAll(dir, dirPermissions)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Queue returns the configured queue size, or the default when unset.
func (p PoolConfig) Queue() int {
	if p.QueueSize == nil {
		return defaultQueueSize
	}

	return *p.QueueSize
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// InferenceTimeout returns the per-request bound on the agent call.
func (i InferenceConfig) InferenceTimeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// LoadTimeout returns how long startup waits for the agent to become ready.
func (i InferenceConfig) LoadTimeout() time.Duration {
	return time.Duration(i.LoadTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the grace period for in-flight requests on shutdown.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// ReadHeaderTimeout returns the server's header read deadline.
func (s ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutSeconds) * time.Second
}
