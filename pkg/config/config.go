// Package config loads and validates the engine's configuration tree:
// provider/budget/rate-limit/cache/error-handling/queue/storage settings,
// using a load-then-validate split (yaml.v3 + godotenv + validator.v10).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BackoffStrategy is the retry backoff shape for the rate limiter.
type BackoffStrategy string

// Supported backoff strategies.
const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// ProviderConfig configures one LLM adapter.
type ProviderConfig struct {
	Name          string  `yaml:"name" validate:"required"`
	APIKeyEnv     string  `yaml:"api_key_env"`
	BaseURL       string  `yaml:"base_url"`
	Priority      int     `yaml:"priority"` // lower = preferred
	Enabled       bool    `yaml:"enabled"`
	CostPerQuery  float64 `yaml:"cost_per_query"`
	DefaultModel  string  `yaml:"default_model" validate:"required"`
}

// APIKey resolves the provider's API key from its configured env var.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// BudgetAlerts defines warning/critical thresholds as a fraction of the
// period budget, both in [0, 1].
type BudgetAlerts struct {
	WarningThreshold  float64 `yaml:"warning_threshold" validate:"gte=0,lte=1"`
	CriticalThreshold float64 `yaml:"critical_threshold" validate:"gte=0,lte=1"`
}

// BudgetConfig bounds the Cost Accountant.
type BudgetConfig struct {
	DailyBudget       float64      `yaml:"daily_budget" validate:"gte=0"`
	MonthlyBudget     float64      `yaml:"monthly_budget" validate:"gte=0"`
	PerRequestBudget  float64      `yaml:"per_request_budget" validate:"gte=0"`
	DefaultCostPerQuery float64    `yaml:"default_cost_per_query"`
	BudgetAlerts      BudgetAlerts `yaml:"budget_alerts"`
	TrackingEnabled   bool         `yaml:"tracking_enabled"`
}

// RateLimitConfig configures the per-provider token bucket.
// RequestsPerSecond == 0 means every acquire fails once its deadline
// elapses.
type RateLimitConfig struct {
	RequestsPerSecond  float64         `yaml:"requests_per_second" validate:"gte=0"`
	BurstLimit         int             `yaml:"burst_limit" validate:"gte=0"`
	ConcurrentRequests int             `yaml:"concurrent_requests" validate:"gte=1"`
	BackoffStrategy    BackoffStrategy `yaml:"backoff_strategy" validate:"oneof=exponential linear"`
	MaxRetries         int             `yaml:"max_retries" validate:"gte=0"`
	BaseDelay          time.Duration   `yaml:"base_delay"`
	MaxDelay           time.Duration   `yaml:"max_delay"`
}

// CacheConfig configures the Response Cache.
type CacheConfig struct {
	Enabled        bool     `yaml:"enabled"`
	TTLSeconds     int      `yaml:"ttl_s"`
	Namespace      string   `yaml:"namespace"`
	Compress       bool     `yaml:"compress"`
	WarmupQueries  []string `yaml:"warmup_queries"`
	RedisAddr      string   `yaml:"redis_addr"`
}

// TTL returns the cache entry lifetime, defaulting to 24h.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// ErrorHandlingConfig configures the Circuit Breaker and failover
// behavior.
type ErrorHandlingConfig struct {
	EnableCircuitBreaker       bool          `yaml:"enable_circuit_breaker"`
	CircuitBreakerThreshold    int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerWindow       time.Duration `yaml:"circuit_breaker_window"`
	CircuitBreakerTimeoutMS    int           `yaml:"circuit_breaker_timeout_ms"`
	HalfOpenSuccessThreshold   int           `yaml:"half_open_success_threshold"`
	FallbackToCacheOnError     bool          `yaml:"fallback_to_cache_on_error"`
	DetailedLogging            bool          `yaml:"detailed_logging"`
}

// CircuitBreakerTimeout returns the open-state cooldown as a Duration.
func (e ErrorHandlingConfig) CircuitBreakerTimeout() time.Duration {
	if e.CircuitBreakerTimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.CircuitBreakerTimeoutMS) * time.Millisecond
}

// QueueConfig controls the orchestrator's worker pool.
type QueueConfig struct {
	WorkerCount             int           `yaml:"worker_count" validate:"gte=1"`
	MaxConcurrentAudits     int           `yaml:"max_concurrent_audits" validate:"gte=1"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	PollIntervalJitter      time.Duration `yaml:"poll_interval_jitter"`
	AuditTimeout            time.Duration `yaml:"audit_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`
	OrphanThreshold         time.Duration `yaml:"orphan_threshold"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	ProgressEmitMinInterval time.Duration `yaml:"progress_emit_min_interval"`
	BatchesPerCategory      int           `yaml:"batches_per_category" validate:"gte=1"`
}

// StorageConfig configures the Postgres-backed Audit Storage Layer.
type StorageConfig struct {
	Host            string        `yaml:"host" validate:"required"`
	Port            int           `yaml:"port" validate:"required"`
	User            string        `yaml:"user" validate:"required"`
	Password        string        `yaml:"-"`
	Database        string        `yaml:"database" validate:"required"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AggregationConfig configures the Layered Aggregator's L1-to-L3
// weighting. Category weights are deployment-configurable with a uniform
// default.
type AggregationConfig struct {
	CategoryWeights           map[string]float64 `yaml:"category_weights"`
	TopThemesPerCategory      int                 `yaml:"top_themes_per_category"`
	PriorityRecommendationsN  int                 `yaml:"priority_recommendations_n"`
	StrategicPrioritiesMin    int                 `yaml:"strategic_priorities_min"`
	StrategicPrioritiesMax    int                 `yaml:"strategic_priorities_max"`
	TopRecommendationsK       int                 `yaml:"top_recommendations_k"`
}

// DefaultCategoryWeights returns a uniform weight for every fixed category.
func DefaultCategoryWeights() map[string]float64 {
	return map[string]float64{
		"problem_unaware":   1.0,
		"solution_seeking":  1.0,
		"brand_specific":    1.0,
		"comparison":        1.0,
		"evaluation":        1.0,
		"post_purchase":     1.0,
	}
}

// NotifyConfig configures the optional Slack operator notifier.
type NotifyConfig struct {
	SlackEnabled bool   `yaml:"slack_enabled"`
	SlackToken   string `yaml:"-"`
	SlackChannel string `yaml:"slack_channel"`
}

// RankingConfig configures the independent Ranking Analyzer.
type RankingConfig struct {
	TargetDomain      string   `yaml:"target_domain"`
	Competitors       []string `yaml:"competitors"`
	IncludeSubdomains bool     `yaml:"include_subdomains"`
}

// Config is the root configuration tree.
type Config struct {
	Providers   []ProviderConfig    `yaml:"providers" validate:"required,dive"`
	Budget      BudgetConfig        `yaml:"budget"`
	RateLimit   map[string]RateLimitConfig `yaml:"rate_limit"` // keyed by provider name, "" = default
	Cache       CacheConfig         `yaml:"cache"`
	ErrorHandling ErrorHandlingConfig `yaml:"error_handling"`
	Queue       QueueConfig         `yaml:"queue"`
	Storage     StorageConfig       `yaml:"storage"`
	Aggregation AggregationConfig   `yaml:"aggregation"`
	Notify      NotifyConfig        `yaml:"notify"`
	Ranking     RankingConfig       `yaml:"ranking"`
	HTTPPort    string              `yaml:"http_port"`
}

// Load reads, env-expands, parses, and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := ExpandEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	cfg.Storage.Password = os.Getenv("AUDIT_DB_PASSWORD")
	cfg.Notify.SlackToken = os.Getenv("AUDIT_SLACK_TOKEN")

	return &cfg, nil
}

// applyDefaults fills in zero-valued fields with safe defaults, without
// overriding anything the file set explicitly.
func applyDefaults(cfg *Config) {
	if cfg.Queue.WorkerCount == 0 {
		cfg.Queue.WorkerCount = 5
	}
	if cfg.Queue.MaxConcurrentAudits == 0 {
		cfg.Queue.MaxConcurrentAudits = 5
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = time.Second
	}
	if cfg.Queue.PollIntervalJitter == 0 {
		cfg.Queue.PollIntervalJitter = 500 * time.Millisecond
	}
	if cfg.Queue.AuditTimeout == 0 {
		cfg.Queue.AuditTimeout = 30 * time.Minute
	}
	if cfg.Queue.GracefulShutdownTimeout == 0 {
		cfg.Queue.GracefulShutdownTimeout = cfg.Queue.AuditTimeout
	}
	if cfg.Queue.OrphanDetectionInterval == 0 {
		cfg.Queue.OrphanDetectionInterval = 5 * time.Minute
	}
	if cfg.Queue.OrphanThreshold == 0 {
		cfg.Queue.OrphanThreshold = 5 * time.Minute
	}
	if cfg.Queue.HeartbeatInterval == 0 {
		cfg.Queue.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Queue.ProgressEmitMinInterval == 0 {
		cfg.Queue.ProgressEmitMinInterval = 500 * time.Millisecond
	}
	if cfg.Queue.BatchesPerCategory == 0 {
		cfg.Queue.BatchesPerCategory = 4
	}
	if cfg.Storage.SSLMode == "" {
		cfg.Storage.SSLMode = "disable"
	}
	if cfg.Storage.MaxConns == 0 {
		cfg.Storage.MaxConns = 25
	}
	if cfg.Aggregation.CategoryWeights == nil {
		cfg.Aggregation.CategoryWeights = DefaultCategoryWeights()
	}
	if cfg.Aggregation.TopThemesPerCategory == 0 {
		cfg.Aggregation.TopThemesPerCategory = 5
	}
	if cfg.Aggregation.PriorityRecommendationsN == 0 {
		cfg.Aggregation.PriorityRecommendationsN = 3
	}
	if cfg.Aggregation.StrategicPrioritiesMin == 0 {
		cfg.Aggregation.StrategicPrioritiesMin = 9
	}
	if cfg.Aggregation.StrategicPrioritiesMax == 0 {
		cfg.Aggregation.StrategicPrioritiesMax = 15
	}
	if cfg.Aggregation.TopRecommendationsK == 0 {
		cfg.Aggregation.TopRecommendationsK = 5
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "8080"
	}
}

// RateLimitFor returns the effective rate-limit config for a provider,
// falling back to the "" default entry, then to a hard-coded safe default.
func (c *Config) RateLimitFor(provider string) RateLimitConfig {
	if rl, ok := c.RateLimit[provider]; ok {
		return rl
	}
	if rl, ok := c.RateLimit[""]; ok {
		return rl
	}
	return RateLimitConfig{
		RequestsPerSecond:  5,
		BurstLimit:         10,
		ConcurrentRequests: 3,
		BackoffStrategy:    BackoffExponential,
		MaxRetries:         3,
		BaseDelay:          200 * time.Millisecond,
		MaxDelay:           10 * time.Second,
	}
}
