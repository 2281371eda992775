// Package config provides configuration loading and validation for the
// evaluation tool.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/lamim/retrieval-eval/internal/search"
)

// History backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config represents the main configuration structure
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Search     SearchConfig     `toml:"search"`
	Models     ModelsConfig     `toml:"models"`
	Prompts    PromptsConfig    `toml:"prompts"`
	Retrieval  RetrievalConfig  `toml:"retrieval"`
	Identifier IdentifierConfig `toml:"identifier"`
	History    HistoryConfig    `toml:"history"`
	Notify     NotifyConfig     `toml:"notify"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`

	// Credentials are only ever read from the environment.
	Credentials search.Credentials `toml:"-"`
}

// GeneralConfig contains general settings
type GeneralConfig struct {
	Timeout        string `toml:"timeout"`
	Pause          string `toml:"pause"`
	OutputDir      string `toml:"output_dir"`
	ConditionsFile string `toml:"conditions_file"`
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`
}

// SearchConfig locates the search service.
type SearchConfig struct {
	BaseURL           string  `toml:"base_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Token             string  `toml:"-"`
	TeamID            string  `toml:"team_id"`
}

// ModelsConfig selects the models the service should use.
type ModelsConfig struct {
	Embedding  string `toml:"embedding"`
	LLM        string `toml:"llm"`
	SearchLLM  string `toml:"search_llm"`
	SummaryLLM string `toml:"summary_llm"`
}

// PromptsConfig names a prompt set and its overrides.
type PromptsConfig struct {
	Label     string            `toml:"label"`
	Overrides map[string]string `toml:"overrides"`
}

// RetrievalConfig mirrors search.RetrievalConfig in TOML form.
type RetrievalConfig struct {
	MultiAxisEnabled bool    `toml:"multi_axis_enabled"`
	FusionMethod     string  `toml:"fusion_method"`
	MaterialWeight   float64 `toml:"material_weight"`
	MethodWeight     float64 `toml:"method_weight"`
	CombinedWeight   float64 `toml:"combined_weight"`
	RerankPosition   string  `toml:"rerank_position"`
	RerankEnabled    bool    `toml:"rerank_enabled"`
}

// IdentifierConfig controls note identifier extraction.
type IdentifierConfig struct {
	Prefix       string `toml:"prefix"`
	TokenPattern string `toml:"token_pattern"`
}

// HistoryConfig selects and configures the history store.
type HistoryConfig struct {
	Backend       string `toml:"backend"`
	Path          string `toml:"path"`
	Key           string `toml:"key"`
	Capacity      int    `toml:"capacity"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"-"`
	RedisDB       int    `toml:"redis_db"`
	PostgresDSN   string `toml:"-"`
}

// NotifyConfig configures run-completed events. No brokers disables them.
type NotifyConfig struct {
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
}

// TelemetryConfig configures the Prometheus endpoint. Empty Addr disables it.
type TelemetryConfig struct {
	Addr string `toml:"addr"`
}

// env holds the environment overrides.
type env struct {
	OpenAIAPIKey  string   `envconfig:"OPENAI_API_KEY"`
	CohereAPIKey  string   `envconfig:"COHERE_API_KEY"`
	SearchURL     string   `envconfig:"EVAL_SEARCH_URL"`
	SearchToken   string   `envconfig:"EVAL_SEARCH_TOKEN"`
	TeamID        string   `envconfig:"EVAL_TEAM_ID"`
	LogLevel      string   `envconfig:"EVAL_LOG_LEVEL"`
	RedisAddr     string   `envconfig:"EVAL_REDIS_ADDR"`
	RedisPassword string   `envconfig:"EVAL_REDIS_PASSWORD"`
	PostgresDSN   string   `envconfig:"EVAL_POSTGRES_DSN"`
	KafkaBrokers  []string `envconfig:"EVAL_KAFKA_BROKERS"`
	TelemetryAddr string   `envconfig:"EVAL_METRICS_ADDR"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			Timeout:   "5m",
			Pause:     "500ms",
			OutputDir: "./results",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Search: SearchConfig{
			BaseURL: "http://localhost:8000",
		},
		Models: ModelsConfig{
			Embedding: "text-embedding-3-small",
			LLM:       "gpt-4o-mini",
		},
		Retrieval: RetrievalConfig{
			MultiAxisEnabled: true,
			FusionMethod:     string(search.FusionRRF),
			MaterialWeight:   0.3,
			MethodWeight:     0.4,
			CombinedWeight:   0.3,
			RerankPosition:   string(search.RerankAfterFusion),
			RerankEnabled:    true,
		},
		Identifier: IdentifierConfig{
			Prefix: "ID",
		},
		History: HistoryConfig{
			Backend:  BackendFile,
			Path:     "./results/history",
			Key:      "evaluation_histories",
			Capacity: 50,
		},
		Notify: NotifyConfig{
			KafkaTopic: "evaluation-runs",
		},
	}
}

// TimeoutDuration parses the timeout string into a Duration
func (g GeneralConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(g.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// PauseDuration parses the pause string into a Duration
func (g GeneralConfig) PauseDuration() time.Duration {
	d, err := time.ParseDuration(g.Pause)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// SearchRetrieval returns the validated retrieval settings.
func (r RetrievalConfig) SearchRetrieval() (search.RetrievalConfig, error) {
	fusion, err := search.ParseFusionMethod(r.FusionMethod)
	if err != nil {
		return search.RetrievalConfig{}, err
	}
	pos, err := search.ParseRerankPosition(r.RerankPosition)
	if err != nil {
		return search.RetrievalConfig{}, err
	}
	return search.RetrievalConfig{
		MultiAxisEnabled: r.MultiAxisEnabled,
		FusionMethod:     fusion,
		AxisWeights: search.AxisWeights{
			Material: r.MaterialWeight,
			Method:   r.MethodWeight,
			Combined: r.CombinedWeight,
		},
		RerankPosition: pos,
		RerankEnabled:  r.RerankEnabled,
	}, nil
}

// validatePath checks for path traversal attempts
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	// This prevents ../../../etc/passwd type attacks
	if strings.HasPrefix(cleanPath, "..") || strings.Contains(cleanPath, "../") {
		return fmt.Errorf("path contains invalid traversal sequence: %s", path)
	}

	return nil
}

// Load reads the TOML file at path over the defaults, then applies the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := validatePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}

		// #nosec G304 - Path validated above, this is intentional file inclusion
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	c.Credentials.OpenAIAPIKey = e.OpenAIAPIKey
	c.Credentials.CohereAPIKey = e.CohereAPIKey
	c.Search.Token = e.SearchToken
	c.History.RedisPassword = e.RedisPassword
	c.History.PostgresDSN = e.PostgresDSN

	if e.SearchURL != "" {
		c.Search.BaseURL = e.SearchURL
	}
	if e.TeamID != "" {
		c.Search.TeamID = e.TeamID
	}
	if e.LogLevel != "" {
		c.General.LogLevel = e.LogLevel
	}
	if e.RedisAddr != "" {
		c.History.RedisAddr = e.RedisAddr
	}
	if len(e.KafkaBrokers) > 0 {
		c.Notify.KafkaBrokers = e.KafkaBrokers
	}
	if e.TelemetryAddr != "" {
		c.Telemetry.Addr = e.TelemetryAddr
	}
	return nil
}

// applyDefaults fills fields a file set to empty.
func (c *Config) applyDefaults() {
	d := Default()
	if c.General.Timeout == "" {
		c.General.Timeout = d.General.Timeout
	}
	if c.General.Pause == "" {
		c.General.Pause = d.General.Pause
	}
	if c.General.OutputDir == "" {
		c.General.OutputDir = d.General.OutputDir
	}
	if c.Identifier.Prefix == "" {
		c.Identifier.Prefix = d.Identifier.Prefix
	}
	if c.History.Backend == "" {
		c.History.Backend = d.History.Backend
	}
	if c.History.Key == "" {
		c.History.Key = d.History.Key
	}
	if c.History.Capacity <= 0 {
		c.History.Capacity = d.History.Capacity
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.General.OutputDir, "history")
	}
	if c.Notify.KafkaTopic == "" {
		c.Notify.KafkaTopic = d.Notify.KafkaTopic
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.General.Timeout); err != nil {
		return fmt.Errorf("general.timeout %q is not a duration: %w", c.General.Timeout, err)
	}
	if d, err := time.ParseDuration(c.General.Pause); err != nil || d < 0 {
		return fmt.Errorf("general.pause %q must be a non-negative duration", c.General.Pause)
	}
	switch strings.ToLower(c.General.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("general.log_format must be text or json, got %q", c.General.LogFormat)
	}
	if strings.TrimSpace(c.Search.BaseURL) == "" {
		return fmt.Errorf("search.base_url is required")
	}
	if c.Search.RequestsPerSecond < 0 {
		return fmt.Errorf("search.requests_per_second must be >= 0, got %v", c.Search.RequestsPerSecond)
	}
	if _, err := c.Retrieval.SearchRetrieval(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	switch c.History.Backend {
	case BackendMemory, BackendFile:
	case BackendRedis:
		if c.History.RedisAddr == "" {
			return fmt.Errorf("history.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.History.PostgresDSN == "" {
			return fmt.Errorf("EVAL_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("history.backend has invalid value: %s", c.History.Backend)
	}
	if c.History.Backend == BackendFile {
		if err := validatePath(c.History.Path); err != nil {
			return fmt.Errorf("invalid history path: %w", err)
		}
	}
	return nil
}

// Save writes the configuration to a TOML file
func (c *Config) Save(path string) error {
	if err := validatePath(path); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	// #nosec G304 - Path validated above, this is intentional file creation
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}
