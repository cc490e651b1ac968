// Package config provides configuration structures and loading logic for the
// orchestration core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the orchestration core.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`

	Registry  RegistryConfig             `yaml:"registry"`
	Resources ResourcesConfig            `yaml:"resources"`
	Health    HealthConfig               `yaml:"health"`
	Fallback  FallbackConfig             `yaml:"fallback"`
	RateLimit map[string]RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// RegistryConfig holds configuration for the component registry.
type RegistryConfig struct {
	// QueryCacheEnabled toggles caching of query results by filter signature.
	QueryCacheEnabled bool `yaml:"query_cache_enabled"`
	// InitializeTimeout bounds a component's optional initializer.
	InitializeTimeout time.Duration `yaml:"initialize_timeout"`
}

// ResourcesConfig holds limits and sampling settings for the resource manager.
type ResourcesConfig struct {
	MaxCPUPercent       float64 `yaml:"max_cpu_percent"`
	MaxMemoryMB         float64 `yaml:"max_memory_mb"`
	MaxGPUPercent       float64 `yaml:"max_gpu_percent"`
	MaxActiveComponents int     `yaml:"max_active_components"`

	// SamplingInterval is the cadence of the aggregate usage sampler.
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	// HistorySize bounds the usage history ring.
	HistorySize int `yaml:"history_size"`
	// CriticalThresholdPercent is the share of a limit (0-100) past which a
	// "critical" event is emitted instead of "limit-reached".
	CriticalThresholdPercent float64 `yaml:"critical_threshold_percent"`
	// EnforcementMode selects between "enforce" (admission rejects) and
	// "observe" (admission logs but admits).
	EnforcementMode string `yaml:"enforcement_mode"`
}

// HealthThresholds map a health score to a status.
type HealthThresholds struct {
	Healthy   float64 `yaml:"healthy"`
	Degraded  float64 `yaml:"degraded"`
	Unhealthy float64 `yaml:"unhealthy"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// ProbeRetryConfig holds the retry budget for health probes.
type ProbeRetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// RecoveryConfig controls the breaker recovery loop.
type RecoveryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxRestarts int           `yaml:"max_restarts"`
}

// HealthConfig holds configuration for the health monitor.
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	BatchSize     int           `yaml:"batch_size"`
	HistorySize   int           `yaml:"history_size"`
	// TrendWindow is the number of recent scores the least-squares trend
	// is computed over.
	TrendWindow int `yaml:"trend_window"`
	// DegradationAlertDelta is the single-step score drop that raises a
	// degradation alert.
	DegradationAlertDelta float64 `yaml:"degradation_alert_delta"`

	Thresholds HealthThresholds `yaml:"thresholds"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	ProbeRetry ProbeRetryConfig `yaml:"probe_retry"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
}

// FallbackConfig holds configuration for the fallback system.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxDepth bounds the number of substitution steps in the ladder.
	MaxDepth int `yaml:"max_depth"`
	// AttemptTimeout time-boxes each fallback attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// DegradedTimeoutFactor scales a degraded component's timeout when it is
	// re-executed instead of substituted.
	DegradedTimeoutFactor float64 `yaml:"degraded_timeout_factor"`
	// CacheSize bounds the response cache; zero disables it.
	CacheSize int `yaml:"cache_size"`
	// CacheTTL expires cached responses.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig holds per-component execution throttle settings.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: ":8090",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "arbiter-core",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Registry: RegistryConfig{
			QueryCacheEnabled: true,
			InitializeTimeout: 10 * time.Second,
		},
		Resources: ResourcesConfig{
			MaxCPUPercent:            80,
			MaxMemoryMB:              2048,
			MaxGPUPercent:            90,
			MaxActiveComponents:      10,
			SamplingInterval:         5 * time.Second,
			HistorySize:              120,
			CriticalThresholdPercent: 95,
			EnforcementMode:          "enforce",
		},
		Health: HealthConfig{
			CheckInterval:         30 * time.Second,
			ProbeTimeout:          5 * time.Second,
			BatchSize:             8,
			HistorySize:           50,
			TrendWindow:           10,
			DegradationAlertDelta: 0.2,
			Thresholds: HealthThresholds{
				Healthy:   0.8,
				Degraded:  0.6,
				Unhealthy: 0.3,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				SuccessThreshold: 3,
			},
			ProbeRetry: ProbeRetryConfig{
				MaxRetries:        2,
				InitialBackoff:    50 * time.Millisecond,
				MaxBackoff:        2 * time.Second,
				BackoffMultiplier: 2.0,
			},
			Recovery: RecoveryConfig{
				Interval:    time.Minute,
				MaxRestarts: 3,
			},
		},
		Fallback: FallbackConfig{
			Enabled:               true,
			MaxDepth:              3,
			AttemptTimeout:        2 * time.Second,
			DegradedTimeoutFactor: 0.5,
			CacheSize:             128,
			CacheTTL:              5 * time.Minute,
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("ARBITER_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("ARBITER_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("ARBITER_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("ARBITER_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("ARBITER_FALLBACK_DISABLED"); val == "true" {
		cfg.Fallback.Enabled = false
	}
	if val := os.Getenv("ARBITER_MAX_CPU_PERCENT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Resources.MaxCPUPercent = f
		}
	}
	if val := os.Getenv("ARBITER_MAX_MEMORY_MB"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Resources.MaxMemoryMB = f
		}
	}
	if val := os.Getenv("ARBITER_ENFORCEMENT_MODE"); val != "" {
		cfg.Resources.EnforcementMode = val
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Resources.MaxCPUPercent <= 0 || c.Resources.MaxCPUPercent > 100 {
		return fmt.Errorf("resources.max_cpu_percent must be in (0,100], got %v", c.Resources.MaxCPUPercent)
	}
	if c.Resources.MaxGPUPercent <= 0 || c.Resources.MaxGPUPercent > 100 {
		return fmt.Errorf("resources.max_gpu_percent must be in (0,100], got %v", c.Resources.MaxGPUPercent)
	}
	if c.Resources.MaxMemoryMB <= 0 {
		return fmt.Errorf("resources.max_memory_mb must be positive, got %v", c.Resources.MaxMemoryMB)
	}
	if c.Resources.MaxActiveComponents <= 0 {
		return fmt.Errorf("resources.max_active_components must be positive, got %d", c.Resources.MaxActiveComponents)
	}
	if c.Resources.SamplingInterval <= 0 {
		return fmt.Errorf("resources.sampling_interval must be positive, got %v", c.Resources.SamplingInterval)
	}
	if c.Resources.HistorySize <= 0 {
		return fmt.Errorf("resources.history_size must be positive, got %d", c.Resources.HistorySize)
	}
	switch c.Resources.EnforcementMode {
	case "enforce", "observe":
	default:
		return fmt.Errorf("resources.enforcement_mode must be \"enforce\" or \"observe\", got %q", c.Resources.EnforcementMode)
	}

	t := c.Health.Thresholds
	if !(t.Healthy > t.Degraded && t.Degraded > t.Unhealthy && t.Unhealthy > 0 && t.Healthy <= 1) {
		return fmt.Errorf("health.thresholds must satisfy 0 < unhealthy < degraded < healthy <= 1, got %+v", t)
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be positive, got %v", c.Health.CheckInterval)
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.probe_timeout must be positive, got %v", c.Health.ProbeTimeout)
	}
	if c.Health.BatchSize <= 0 {
		return fmt.Errorf("health.batch_size must be positive, got %d", c.Health.BatchSize)
	}
	if c.Health.TrendWindow < 2 {
		return fmt.Errorf("health.trend_window must be at least 2, got %d", c.Health.TrendWindow)
	}
	if c.Health.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("health.breaker.failure_threshold must be positive, got %d", c.Health.Breaker.FailureThreshold)
	}
	if c.Health.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("health.breaker.success_threshold must be positive, got %d", c.Health.Breaker.SuccessThreshold)
	}
	if c.Health.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("health.breaker.recovery_timeout must be positive, got %v", c.Health.Breaker.RecoveryTimeout)
	}

	if c.Fallback.MaxDepth <= 0 {
		return fmt.Errorf("fallback.max_depth must be positive, got %d", c.Fallback.MaxDepth)
	}
	if c.Fallback.AttemptTimeout <= 0 {
		return fmt.Errorf("fallback.attempt_timeout must be positive, got %v", c.Fallback.AttemptTimeout)
	}
	if c.Fallback.DegradedTimeoutFactor <= 0 || c.Fallback.DegradedTimeoutFactor > 1 {
		return fmt.Errorf("fallback.degraded_timeout_factor must be in (0,1], got %v", c.Fallback.DegradedTimeoutFactor)
	}

	return nil
}
