package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Memory     MemoryConfig     `json:"memory"`
	Metrics    MetricsConfig    `json:"metrics"`
	Analytics  AnalyticsConfig  `json:"analytics"`
	Backends   []BackendConfig  `json:"backends"`
	Agents     []AgentConfig    `json:"agents"`
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// DispatcherConfig bounds concurrency and governs the connection lifecycle.
type DispatcherConfig struct {
	GlobalLimit       int           `json:"global_limit"`         // total in-flight requests
	PerUserAgentLimit int           `json:"per_user_agent_limit"` // per (user, agent type)
	BurstQueueSize    int           `json:"burst_queue_size"`     // bounded queue per agent type
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	GraceWindow       time.Duration `json:"grace_window"`
	RetainedQueueSize int           `json:"retained_queue_size"` // replay buffer per connection
	WorkerPoolSize    int           `json:"worker_pool_size"`
	RequestTimeout    time.Duration `json:"request_timeout"` // backend call deadline
}

// MemoryConfig governs retrieval ranking and the consolidation job.
type MemoryConfig struct {
	TopK                 int           `json:"top_k"`
	LexicalWeight        float64       `json:"lexical_weight"`
	RecencyWeight        float64       `json:"recency_weight"`
	RecencyHalfLife      time.Duration `json:"recency_half_life"`
	ContextTokenBudget   int           `json:"context_token_budget"`
	ConsolidateInterval  time.Duration `json:"consolidate_interval"`
	ConsolidateWindow    time.Duration `json:"consolidate_window"`    // grouping window
	ConsolidateThreshold float64       `json:"consolidate_threshold"` // combined importance
	DecayFactor          float64       `json:"decay_factor"`          // per idle cycle
	DecayIdleWindow      time.Duration `json:"decay_idle_window"`
	ArchiveFloor         float64       `json:"archive_floor"`
}

type MetricsConfig struct {
	DefaultAlpha float64            `json:"default_alpha"`
	Alphas       map[string]float64 `json:"alphas"` // per metric name
	MinSamples   int                `json:"min_samples"`
}

type AnalyticsConfig struct {
	Interval     time.Duration `json:"interval"`
	AnomalySigma float64       `json:"anomaly_sigma"`
}

type BackendConfig struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"` // ollama | openai | anthropic
	Name     string        `json:"name"`
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// AgentConfig overrides or extends the built-in agent profiles.
type AgentConfig struct {
	Type           string   `json:"type"`
	Backend        string   `json:"backend"` // backend ID
	Model          string   `json:"model"`
	SystemPrompt   string   `json:"system_prompt"`
	Temperature    float64  `json:"temperature"`
	MaxTokens      int      `json:"max_tokens"`
	TierThresholds []int    `json:"tier_thresholds,omitempty"`
	Fallbacks      []string `json:"fallbacks,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// DefaultTierThresholds are the interaction counts at which relationship
// tiers unlock: 5, 20, 50 and 100.
var DefaultTierThresholds = []int{5, 20, 50, 100}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no
// external services configured. Tests build on top of this.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	d := &c.Dispatcher
	if d.GlobalLimit == 0 {
		d.GlobalLimit = 256
	}
	if d.PerUserAgentLimit == 0 {
		d.PerUserAgentLimit = 4
	}
	if d.BurstQueueSize == 0 {
		d.BurstQueueSize = 16
	}
	if d.HeartbeatInterval == 0 {
		d.HeartbeatInterval = 15 * time.Second
	}
	if d.GraceWindow == 0 {
		d.GraceWindow = 60 * time.Second
	}
	if d.RetainedQueueSize == 0 {
		d.RetainedQueueSize = 64
	}
	if d.WorkerPoolSize == 0 {
		d.WorkerPoolSize = 32
	}
	if d.RequestTimeout == 0 {
		d.RequestTimeout = 90 * time.Second
	}
	m := &c.Memory
	if m.TopK == 0 {
		m.TopK = 8
	}
	if m.LexicalWeight == 0 && m.RecencyWeight == 0 {
		m.LexicalWeight = 0.6
		m.RecencyWeight = 0.4
	}
	if m.RecencyHalfLife == 0 {
		m.RecencyHalfLife = 7 * 24 * time.Hour
	}
	if m.ContextTokenBudget == 0 {
		m.ContextTokenBudget = 2000
	}
	if m.ConsolidateInterval == 0 {
		m.ConsolidateInterval = 10 * time.Minute
	}
	if m.ConsolidateWindow == 0 {
		m.ConsolidateWindow = time.Hour
	}
	if m.ConsolidateThreshold == 0 {
		m.ConsolidateThreshold = 2.0
	}
	if m.DecayFactor == 0 {
		m.DecayFactor = 0.95
	}
	if m.DecayIdleWindow == 0 {
		m.DecayIdleWindow = 24 * time.Hour
	}
	if m.ArchiveFloor == 0 {
		m.ArchiveFloor = 0.05
	}
	if c.Metrics.DefaultAlpha == 0 {
		c.Metrics.DefaultAlpha = 0.1
	}
	if c.Metrics.MinSamples == 0 {
		c.Metrics.MinSamples = 10
	}
	if c.Analytics.Interval == 0 {
		c.Analytics.Interval = 30 * time.Second
	}
	if c.Analytics.AnomalySigma == 0 {
		c.Analytics.AnomalySigma = 3.0
	}
	for i := range c.Agents {
		if len(c.Agents[i].TierThresholds) == 0 {
			c.Agents[i].TierThresholds = DefaultTierThresholds
		}
	}
}
