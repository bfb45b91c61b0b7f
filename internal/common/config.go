package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Queue       QueueConfig      `toml:"queue"`
	Storage     StorageConfig    `toml:"storage"`
	Workers     WorkersConfig    `toml:"workers"`
	Resilience  ResilienceConfig `toml:"resilience"`
	Chains      []ChainConfig    `toml:"chains"`
	Gemini      GeminiConfig     `toml:"gemini"`
	Claude      ClaudeConfig     `toml:"claude"`
	Logging     LoggingConfig    `toml:"logging"`
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often the adapter polls for messages
	BatchSize         int    `toml:"batch_size"`         // Max messages pulled per tier per poll
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	QueuePrefix       string `toml:"queue_prefix"`       // Queue name prefix in Badger
	RetryBackoffBase  string `toml:"retry_backoff_base"` // Base delay for retry requeue backoff (default: "1s")
	RetryBackoffCap   string `toml:"retry_backoff_cap"`  // Upper bound for retry requeue backoff (default: "30s")
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// WorkersConfig controls worker pool sizing and per-worker limits
type WorkersConfig struct {
	MinWorkers         int    `toml:"min_workers"`          // Pool floor (default: 1)
	MaxWorkers         int    `toml:"max_workers"`          // Pool ceiling, capped at 50 (default: 10)
	DefaultWorkers     int    `toml:"default_workers"`      // Initial pool size (default: 3)
	AutoScale          bool   `toml:"auto_scale"`           // Enable queue-depth driven scaling
	ScaleUpThreshold   int    `toml:"scale_up_threshold"`   // Queue depth at or above which the pool grows (default: 10)
	ScaleDownThreshold int    `toml:"scale_down_threshold"` // Queue depth at or below which the pool shrinks (default: 2)
	ScaleStep          int    `toml:"scale_step"`           // Workers added or removed per scaling decision (default: 2)
	JobTimeout         string `toml:"job_timeout"`          // Per-job execution timeout (default: "2m")
	HeartbeatInterval  string `toml:"heartbeat_interval"`   // Worker heartbeat cadence (default: "5s")
	MemoryLimitMB      int    `toml:"memory_limit_mb"`      // Per-process memory ceiling before workers report unhealthy (0 = disabled)
	SweepInterval      string `toml:"sweep_interval"`       // Health sweep cadence (default: "15s")
}

// ResilienceConfig controls the circuit breaker and health monitor
type ResilienceConfig struct {
	FailureThreshold   int     `toml:"failure_threshold"`   // Consecutive failures before a breaker opens (default: 5)
	SuccessThreshold   int     `toml:"success_threshold"`   // Half-open successes before a breaker closes (default: 2)
	CooldownPeriod     string  `toml:"cooldown_period"`     // Open-state cooldown before probing (default: "30s")
	HealthWindowSize   int     `toml:"health_window_size"`  // Sliding window sample count (default: 100)
	UnhealthyThreshold float64 `toml:"unhealthy_threshold"` // Window success rate below which a backend is unhealthy (default: 0.70)
	RecoveryThreshold  float64 `toml:"recovery_threshold"`  // Window success rate at or above which a backend recovers (default: 0.90)
	HealthMinSamples   int     `toml:"health_min_samples"`  // Minimum window samples before an unhealthy flip (default: 5)
	CheckInterval      string  `toml:"check_interval"`      // Active probe cadence (default: "30s")
}

// ChainConfig declares a named fallback chain of providers for a use case
type ChainConfig struct {
	Name                   string   `toml:"name"`                      // Use-case key, e.g. "chat_completion"
	Providers              []string `toml:"providers"`                 // Ordered backend names, first is primary
	MaxRetries             int      `toml:"max_retries"`               // Per-backend retry attempts (default: 2)
	InitialBackoff         string   `toml:"initial_backoff"`           // First retry delay (default: "200ms")
	MaxBackoff             string   `toml:"max_backoff"`               // Retry delay ceiling (default: "5s")
	FailoverOnNonRetryable bool     `toml:"failover_on_non_retryable"` // Try the next backend even on permanent errors
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`     // Google Gemini API key
	Model       string  `toml:"model"`       // Chat model (default: "gemini-2.0-flash")
	EmbedModel  string  `toml:"embed_model"` // Embedding model (default: "gemini-embedding-001")
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "2m")
	RateLimit   float64 `toml:"rate_limit"`  // Requests per second (default: 0.25 for 15 RPM)
	Temperature float32 `toml:"temperature"` // Chat completion temperature (default: 0.7)
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`     // Anthropic API key (ANTHROPIC_API_KEY or config)
	Model       string  `toml:"model"`       // Chat model (default: "claude-sonnet-4-20250514")
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response (default: 8192)
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "2m")
	RateLimit   float64 `toml:"rate_limit"`  // Requests per second (default: 1)
	Temperature float32 `toml:"temperature"` // Completion temperature (default: 0.7)
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in relay.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Queue: QueueConfig{
			PollInterval:      "1s",
			BatchSize:         10,
			VisibilityTimeout: "5m",
			QueuePrefix:       "relay_jobs",
			RetryBackoffBase:  "1s",
			RetryBackoffCap:   "30s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Workers: WorkersConfig{
			MinWorkers:         1,
			MaxWorkers:         10,
			DefaultWorkers:     3,
			AutoScale:          true,
			ScaleUpThreshold:   10,
			ScaleDownThreshold: 2,
			ScaleStep:          2,
			JobTimeout:         "2m",
			HeartbeatInterval:  "5s",
			MemoryLimitMB:      0, // Disabled unless the operator sets a ceiling
			SweepInterval:      "15s",
		},
		Resilience: ResilienceConfig{
			FailureThreshold:   5,
			SuccessThreshold:   2,
			CooldownPeriod:     "30s",
			HealthWindowSize:   100,
			UnhealthyThreshold: 0.70,
			RecoveryThreshold:  0.90,
			HealthMinSamples:   5,
			CheckInterval:      "30s",
		},
		Chains: nil, // Empty means the built-in default chain only
		Gemini: GeminiConfig{
			APIKey:      "", // User must provide API key (no fallback)
			Model:       "gemini-2.0-flash",
			EmbedModel:  "gemini-embedding-001",
			Timeout:     "2m",
			RateLimit:   0.25, // 15 RPM for free tier
			Temperature: 0.7,
		},
		Claude: ClaudeConfig{
			APIKey:      "", // User must provide API key (ANTHROPIC_API_KEY or config)
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   8192,
			Timeout:     "2m",
			RateLimit:   1,
			Temperature: 0.7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files.
// Later files override earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: RELAY_ENV, fallback: GO_ENV)
	if env := os.Getenv("RELAY_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Queue configuration
	if pollInterval := os.Getenv("RELAY_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if batchSize := os.Getenv("RELAY_QUEUE_BATCH_SIZE"); batchSize != "" {
		if bs, err := strconv.Atoi(batchSize); err == nil {
			config.Queue.BatchSize = bs
		}
	}
	if visibilityTimeout := os.Getenv("RELAY_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if queuePrefix := os.Getenv("RELAY_QUEUE_PREFIX"); queuePrefix != "" {
		config.Queue.QueuePrefix = queuePrefix
	}

	// Storage configuration
	if badgerPath := os.Getenv("RELAY_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Workers configuration
	if minWorkers := os.Getenv("RELAY_WORKERS_MIN"); minWorkers != "" {
		if mw, err := strconv.Atoi(minWorkers); err == nil {
			config.Workers.MinWorkers = mw
		}
	}
	if maxWorkers := os.Getenv("RELAY_WORKERS_MAX"); maxWorkers != "" {
		if mw, err := strconv.Atoi(maxWorkers); err == nil {
			config.Workers.MaxWorkers = mw
		}
	}
	if defaultWorkers := os.Getenv("RELAY_WORKERS_DEFAULT"); defaultWorkers != "" {
		if dw, err := strconv.Atoi(defaultWorkers); err == nil {
			config.Workers.DefaultWorkers = dw
		}
	}
	if autoScale := os.Getenv("RELAY_WORKERS_AUTO_SCALE"); autoScale != "" {
		if as, err := strconv.ParseBool(autoScale); err == nil {
			config.Workers.AutoScale = as
		}
	}
	if jobTimeout := os.Getenv("RELAY_WORKERS_JOB_TIMEOUT"); jobTimeout != "" {
		config.Workers.JobTimeout = jobTimeout
	}
	if memoryLimit := os.Getenv("RELAY_WORKERS_MEMORY_LIMIT_MB"); memoryLimit != "" {
		if ml, err := strconv.Atoi(memoryLimit); err == nil {
			config.Workers.MemoryLimitMB = ml
		}
	}

	// Resilience configuration
	if failureThreshold := os.Getenv("RELAY_BREAKER_FAILURE_THRESHOLD"); failureThreshold != "" {
		if ft, err := strconv.Atoi(failureThreshold); err == nil {
			config.Resilience.FailureThreshold = ft
		}
	}
	if successThreshold := os.Getenv("RELAY_BREAKER_SUCCESS_THRESHOLD"); successThreshold != "" {
		if st, err := strconv.Atoi(successThreshold); err == nil {
			config.Resilience.SuccessThreshold = st
		}
	}
	if cooldown := os.Getenv("RELAY_BREAKER_COOLDOWN"); cooldown != "" {
		config.Resilience.CooldownPeriod = cooldown
	}
	if checkInterval := os.Getenv("RELAY_HEALTH_CHECK_INTERVAL"); checkInterval != "" {
		config.Resilience.CheckInterval = checkInterval
	}

	// Logging configuration
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("RELAY_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("RELAY_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Gemini configuration
	if apiKey := os.Getenv("RELAY_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	} else if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("RELAY_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}
	if embedModel := os.Getenv("RELAY_GEMINI_EMBED_MODEL"); embedModel != "" {
		config.Gemini.EmbedModel = embedModel
	}
	if timeout := os.Getenv("RELAY_GEMINI_TIMEOUT"); timeout != "" {
		config.Gemini.Timeout = timeout
	}
	if rateLimit := os.Getenv("RELAY_GEMINI_RATE_LIMIT"); rateLimit != "" {
		if rl, err := strconv.ParseFloat(rateLimit, 64); err == nil {
			config.Gemini.RateLimit = rl
		}
	}
	if temperature := os.Getenv("RELAY_GEMINI_TEMPERATURE"); temperature != "" {
		if t, err := strconv.ParseFloat(temperature, 32); err == nil {
			config.Gemini.Temperature = float32(t)
		}
	}

	// Claude configuration
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("RELAY_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey // RELAY_ prefix takes priority
	}
	if model := os.Getenv("RELAY_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}
	if maxTokens := os.Getenv("RELAY_CLAUDE_MAX_TOKENS"); maxTokens != "" {
		if mt, err := strconv.Atoi(maxTokens); err == nil {
			config.Claude.MaxTokens = mt
		}
	}
	if timeout := os.Getenv("RELAY_CLAUDE_TIMEOUT"); timeout != "" {
		config.Claude.Timeout = timeout
	}
	if rateLimit := os.Getenv("RELAY_CLAUDE_RATE_LIMIT"); rateLimit != "" {
		if rl, err := strconv.ParseFloat(rateLimit, 64); err == nil {
			config.Claude.RateLimit = rl
		}
	}
	if temperature := os.Getenv("RELAY_CLAUDE_TEMPERATURE"); temperature != "" {
		if t, err := strconv.ParseFloat(temperature, 32); err == nil {
			config.Claude.Temperature = float32(t)
		}
	}
}

// ParseDurationOr parses a duration string, falling back when empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ValidateSchedule validates a cron schedule expression and ensures minimum 1-minute interval
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
