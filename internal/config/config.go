package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. RINGWATCH_DATABASE_URL.
const EnvPrefix = "RINGWATCH"

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Graph       GraphConfig       `mapstructure:"graph" yaml:"graph"`
	Rings       RingPolicy        `mapstructure:"rings" yaml:"rings"`
	Spam        SpamPolicy        `mapstructure:"spam" yaml:"spam"`
	Cases       CasesConfig       `mapstructure:"cases" yaml:"cases"`
	Enforcement EnforcementConfig `mapstructure:"enforcement" yaml:"enforcement"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Alerts      AlertsConfig      `mapstructure:"alerts" yaml:"alerts"`
	Neo4j       Neo4jConfig       `mapstructure:"neo4j" yaml:"neo4j"`
	Recalc      RecalcConfig      `mapstructure:"recalc" yaml:"recalc"`
}

// LoggerConfig controls zap output.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // json | console
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig points at the PostgreSQL instance holding the graph and entities.
// An empty URL runs the engine on the in-process store.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// ServerConfig governs the admin HTTP API.
type ServerConfig struct {
	Port           int     `mapstructure:"port" yaml:"port"`
	AuthToken      string  `mapstructure:"auth_token" yaml:"auth_token"`
	AllowedOrigins string  `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	RatePerSecond  float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst      int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// GraphConfig drives edge decay and pruning.
type GraphConfig struct {
	DecayHorizon    time.Duration `mapstructure:"decay_horizon" yaml:"decay_horizon"`
	DecayRate       float64       `mapstructure:"decay_rate" yaml:"decay_rate"`
	PruneFloor      float64       `mapstructure:"prune_floor" yaml:"prune_floor"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	RetryAttempts   int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MirrorMinWeight float64       `mapstructure:"mirror_min_weight" yaml:"mirror_min_weight"`
}

// RiskThresholds map a probability onto a risk level.
type RiskThresholds struct {
	High   float64 `mapstructure:"high" yaml:"high"`
	Medium float64 `mapstructure:"medium" yaml:"medium"`
	Low    float64 `mapstructure:"low" yaml:"low"`
}

// RingPolicy is the versioned scoring policy for collusion-ring detection.
// Any change to weights or thresholds must bump Version.
type RingPolicy struct {
	Version             string         `mapstructure:"version" yaml:"version"`
	StrongEdgeThreshold float64        `mapstructure:"strong_edge_threshold" yaml:"strong_edge_threshold"`
	MinRingSize         int            `mapstructure:"min_ring_size" yaml:"min_ring_size"`
	IsolationThreshold  float64        `mapstructure:"isolation_threshold" yaml:"isolation_threshold"`
	HighAvgWeight       float64        `mapstructure:"high_avg_weight" yaml:"high_avg_weight"`
	PaymentLoopMin      int            `mapstructure:"payment_loop_min" yaml:"payment_loop_min"`
	MinProbability      float64        `mapstructure:"min_probability" yaml:"min_probability"`
	PageSize            int            `mapstructure:"page_size" yaml:"page_size"`
	Risk                RiskThresholds `mapstructure:"risk" yaml:"risk"`
}

// SpamPolicy is the versioned scoring policy for spam-cluster detection.
type SpamPolicy struct {
	Version             string         `mapstructure:"version" yaml:"version"`
	RecentWindow        time.Duration  `mapstructure:"recent_window" yaml:"recent_window"`
	MinCandidates       int            `mapstructure:"min_candidates" yaml:"min_candidates"`
	CreationTolerance   time.Duration  `mapstructure:"creation_tolerance" yaml:"creation_tolerance"`
	SimilarityThreshold float64        `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	MinClusterSize      int            `mapstructure:"min_cluster_size" yaml:"min_cluster_size"`
	RapidCreationSpan   time.Duration  `mapstructure:"rapid_creation_span" yaml:"rapid_creation_span"`
	BioDuplication      float64        `mapstructure:"bio_duplication" yaml:"bio_duplication"`
	MassMessaging       float64        `mapstructure:"mass_messaging" yaml:"mass_messaging"` // outbound per member
	LowReplyRate        float64        `mapstructure:"low_reply_rate" yaml:"low_reply_rate"`
	LowKYCRate          float64        `mapstructure:"low_kyc_rate" yaml:"low_kyc_rate"`
	MinProbability      float64        `mapstructure:"min_probability" yaml:"min_probability"`
	PageSize            int            `mapstructure:"page_size" yaml:"page_size"`
	Risk                RiskThresholds `mapstructure:"risk" yaml:"risk"`
}

// CasesConfig controls case creation and retention.
type CasesConfig struct {
	AutoOpenMinRisk string        `mapstructure:"auto_open_min_risk" yaml:"auto_open_min_risk"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	QueueLimit      int           `mapstructure:"queue_limit" yaml:"queue_limit"`
}

// EnforcementConfig holds restriction durations.
type EnforcementConfig struct {
	VisibilityReducedFor    time.Duration `mapstructure:"visibility_reduced_for" yaml:"visibility_reduced_for"`
	MonetizationThrottleFor time.Duration `mapstructure:"monetization_throttle_for" yaml:"monetization_throttle_for"`
	SweepBatchSize          int           `mapstructure:"sweep_batch_size" yaml:"sweep_batch_size"`
}

// SchedulerConfig sets the interval of each batch job. Zero disables a job.
type SchedulerConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	DecayInterval     time.Duration `mapstructure:"decay_interval" yaml:"decay_interval"`
	RingInterval      time.Duration `mapstructure:"ring_interval" yaml:"ring_interval"`
	SpamInterval      time.Duration `mapstructure:"spam_interval" yaml:"spam_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	RetentionInterval time.Duration `mapstructure:"retention_interval" yaml:"retention_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
}

// WebhookConfig registers one alert receiver.
type WebhookConfig struct {
	Name        string            `mapstructure:"name" yaml:"name"`
	URL         string            `mapstructure:"url" yaml:"url"`
	MinSeverity string            `mapstructure:"min_severity" yaml:"min_severity"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers"`
}

// AlertsConfig controls internal alert fan-out.
type AlertsConfig struct {
	MaxHistory int             `mapstructure:"max_history" yaml:"max_history"`
	Webhooks   []WebhookConfig `mapstructure:"webhooks" yaml:"webhooks"`
}

// Neo4jConfig enables the optional strong-edge mirror. Empty URI disables it.
type Neo4jConfig struct {
	URI            string `mapstructure:"uri" yaml:"uri"`
	Database       string `mapstructure:"database" yaml:"database"`
	Username       string `mapstructure:"username" yaml:"username"`
	Password       string `mapstructure:"password" yaml:"password"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
}

// RecalcConfig locates the enforcement-state recalculation engine.
type RecalcConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "ringwatch")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", "10s")

	// -- Server --
	v.SetDefault("server.port", 5340)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.allowed_origins", "")
	v.SetDefault("server.rate_per_second", 5.0)
	v.SetDefault("server.rate_burst", 20)

	// -- Graph maintenance --
	v.SetDefault("graph.decay_horizon", "720h")
	v.SetDefault("graph.decay_rate", 0.1)
	v.SetDefault("graph.prune_floor", 0.1)
	v.SetDefault("graph.batch_size", 500)
	v.SetDefault("graph.retry_attempts", 3)
	v.SetDefault("graph.retry_backoff", "200ms")
	v.SetDefault("graph.mirror_min_weight", 0.7)

	// -- Ring policy --
	v.SetDefault("rings.version", "ring-v1")
	v.SetDefault("rings.strong_edge_threshold", 0.7)
	v.SetDefault("rings.min_ring_size", 3)
	v.SetDefault("rings.isolation_threshold", 0.8)
	v.SetDefault("rings.high_avg_weight", 0.8)
	v.SetDefault("rings.payment_loop_min", 3)
	v.SetDefault("rings.min_probability", 0.3)
	v.SetDefault("rings.page_size", 1000)
	v.SetDefault("rings.risk.high", 0.85)
	v.SetDefault("rings.risk.medium", 0.6)
	v.SetDefault("rings.risk.low", 0.3)

	// -- Spam policy --
	v.SetDefault("spam.version", "spam-v1")
	v.SetDefault("spam.recent_window", "168h")
	v.SetDefault("spam.min_candidates", 3)
	v.SetDefault("spam.creation_tolerance", "48h")
	v.SetDefault("spam.similarity_threshold", 0.6)
	v.SetDefault("spam.min_cluster_size", 3)
	v.SetDefault("spam.rapid_creation_span", "24h")
	v.SetDefault("spam.bio_duplication", 0.6)
	v.SetDefault("spam.mass_messaging", 10.0)
	v.SetDefault("spam.low_reply_rate", 0.1)
	v.SetDefault("spam.low_kyc_rate", 0.2)
	v.SetDefault("spam.min_probability", 0.3)
	v.SetDefault("spam.page_size", 1000)
	v.SetDefault("spam.risk.high", 0.85)
	v.SetDefault("spam.risk.medium", 0.6)
	v.SetDefault("spam.risk.low", 0.3)

	// -- Cases --
	v.SetDefault("cases.auto_open_min_risk", "MEDIUM")
	v.SetDefault("cases.retention", "2160h")
	v.SetDefault("cases.queue_limit", 100)

	// -- Enforcement --
	v.SetDefault("enforcement.visibility_reduced_for", "72h")
	v.SetDefault("enforcement.monetization_throttle_for", "168h")
	v.SetDefault("enforcement.sweep_batch_size", 200)

	// -- Scheduler --
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.decay_interval", "24h")
	v.SetDefault("scheduler.ring_interval", "6h")
	v.SetDefault("scheduler.spam_interval", "1h")
	v.SetDefault("scheduler.sweep_interval", "15m")
	v.SetDefault("scheduler.retention_interval", "24h")
	v.SetDefault("scheduler.job_timeout", "30m")

	// -- Alerts --
	v.SetDefault("alerts.max_history", 1000)

	// -- Neo4j mirror --
	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.database", "")
	v.SetDefault("neo4j.max_connections", 10)

	// -- Recalculation engine --
	v.SetDefault("recalc.url", "")
	v.SetDefault("recalc.timeout", "5s")
}

// Load reads an optional YAML file plus RINGWATCH_* environment overrides on
// top of the defaults. An empty path searches ./config.yaml; a missing file is
// not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper creates a validated configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("server.auth_token", "API_AUTH_TOKEN")
	_ = v.BindEnv("neo4j.password", EnvPrefix+"_NEO4J_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if err := c.Graph.Validate(); err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	if err := c.Rings.Validate(); err != nil {
		return fmt.Errorf("rings: %w", err)
	}
	if err := c.Spam.Validate(); err != nil {
		return fmt.Errorf("spam: %w", err)
	}
	if c.Enforcement.VisibilityReducedFor <= 0 || c.Enforcement.MonetizationThrottleFor <= 0 {
		return fmt.Errorf("enforcement durations must be positive")
	}
	if c.Enforcement.SweepBatchSize <= 0 {
		return fmt.Errorf("enforcement.sweep_batch_size must be a positive integer")
	}
	return nil
}

// Validate checks the decay parameters.
func (g GraphConfig) Validate() error {
	if g.DecayHorizon <= 0 {
		return fmt.Errorf("decay_horizon must be a positive duration")
	}
	if g.DecayRate <= 0 || g.DecayRate > 1 {
		return fmt.Errorf("decay_rate must be in (0,1]")
	}
	if g.PruneFloor < 0 || g.PruneFloor >= 1 {
		return fmt.Errorf("prune_floor must be in [0,1)")
	}
	if g.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be a positive integer")
	}
	return nil
}

// Validate checks the ring policy.
func (p RingPolicy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("version is required")
	}
	if p.StrongEdgeThreshold <= 0 || p.StrongEdgeThreshold > 1 {
		return fmt.Errorf("strong_edge_threshold must be in (0,1]")
	}
	if p.MinRingSize < 2 {
		return fmt.Errorf("min_ring_size must be at least 2")
	}
	if p.IsolationThreshold < 0 || p.IsolationThreshold >= 1 {
		return fmt.Errorf("isolation_threshold must be in [0,1)")
	}
	if p.PageSize <= 0 {
		return fmt.Errorf("page_size must be a positive integer")
	}
	return p.Risk.Validate()
}

// Validate checks the spam policy.
func (p SpamPolicy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("version is required")
	}
	if p.RecentWindow <= 0 || p.CreationTolerance <= 0 || p.RapidCreationSpan <= 0 {
		return fmt.Errorf("windows must be positive durations")
	}
	if p.MinClusterSize < 2 || p.MinCandidates < p.MinClusterSize {
		return fmt.Errorf("min_cluster_size must be at least 2 and not exceed min_candidates")
	}
	if p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0,1]")
	}
	if p.MassMessaging <= 0 || p.LowReplyRate <= 0 || p.LowKYCRate <= 0 {
		return fmt.Errorf("signal thresholds must be positive")
	}
	if p.PageSize <= 0 {
		return fmt.Errorf("page_size must be a positive integer")
	}
	return p.Risk.Validate()
}

// Validate checks the risk bands are ordered.
func (r RiskThresholds) Validate() error {
	if !(r.Low > 0 && r.Low <= r.Medium && r.Medium <= r.High && r.High <= 1) {
		return fmt.Errorf("risk thresholds must satisfy 0 < low <= medium <= high <= 1")
	}
	return nil
}
