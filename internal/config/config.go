package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/gogvych/tabular-analyst/internal/agent"
	"github.com/gogvych/tabular-analyst/internal/provider"
	"github.com/gogvych/tabular-analyst/internal/store"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Database  DatabaseConfig   `json:"database"`
	Providers []ProviderConfig `json:"providers"`
	// DefaultProvider names the provider tried first; empty means the first
	// listed. The others are fallbacks.
	DefaultProvider string       `json:"default_provider,omitempty"`
	Agent           AgentConfig  `json:"agent"`
	Ingest          IngestConfig `json:"ingest"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	LogLevel       string   `json:"log_level"`
	AllowedOrigins []string `json:"allowed_origins"`
	MaxUploadMB    int64    `json:"max_upload_mb"`
}

type DatabaseConfig struct {
	Driver string `json:"driver"` // sqlite | postgres
	Path   string `json:"path"`
	DSN    string `json:"dsn"`
}

type ProviderConfig struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Endpoint    string            `json:"endpoint"`
	APIKey      string            `json:"api_key"`
	Model       string            `json:"model"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	TimeoutSec  int               `json:"timeout_sec,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type AgentConfig struct {
	MaxSteps            int    `json:"max_steps"`
	MaxDurationSec      int    `json:"max_duration_sec"`
	SampleRows          int    `json:"sample_rows"`
	MaxResultRows       int    `json:"max_result_rows"`
	MaxOutputBytes      int    `json:"max_output_bytes"`
	RetryOnParseFailure *bool  `json:"retry_on_parse_failure,omitempty"`
	Dialect             string `json:"dialect"`
}

type IngestConfig struct {
	TableName string `json:"table_name"`
	MaxRows   int    `json:"max_rows"`
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8000,
			LogLevel:       "info",
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxUploadMB:    32,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "my_lil.db"},
		Providers: []ProviderConfig{{
			ID:       "groq",
			Type:     "groq",
			Name:     "Groq",
			Endpoint: provider.GroqEndpoint,
			APIKey:   os.Getenv("GROQ_API_KEY"),
			Model:    "llama3-8b-8192",
		}},
		Agent: AgentConfig{
			MaxSteps:       agent.DefaultMaxSteps,
			MaxDurationSec: int(agent.DefaultMaxDuration / time.Second),
			SampleRows:     3,
			MaxResultRows:  50,
			MaxOutputBytes: 8000,
		},
		Ingest: IngestConfig{TableName: "Zara_Sales_Analysis"},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults and substitutes
// environment variable references. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	// Decoding into the default slice would merge fields into its elements.
	providers := cfg.Providers
	cfg.Providers = nil
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = providers
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	if c.DefaultProvider != "" && !slices.ContainsFunc(c.Providers, func(p ProviderConfig) bool {
		return p.ID == c.DefaultProvider
	}) {
		return fmt.Errorf("default_provider %q is not among the providers", c.DefaultProvider)
	}
	if c.Ingest.TableName == "" {
		return errors.New("ingest.table_name is required")
	}
	return nil
}

// Store maps the database section to a store configuration.
func (c *Config) Store() store.Config {
	return store.Config{Driver: c.Database.Driver, Path: c.Database.Path, DSN: c.Database.DSN}
}

// ProviderConfigs maps the providers section to provider configurations.
func (c *Config) ProviderConfigs() []provider.ProviderConfig {
	out := make([]provider.ProviderConfig, len(c.Providers))
	for i, pc := range c.Providers {
		out[i] = provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Model: pc.Model, Temperature: pc.Temperature, MaxTokens: pc.MaxTokens,
			Extra:   pc.Extra,
			Timeout: time.Duration(pc.TimeoutSec) * time.Second,
		}
	}
	return out
}

// Loop maps the agent section to loop bounds.
func (c *Config) Loop() agent.LoopConfig {
	retry := true
	if c.Agent.RetryOnParseFailure != nil {
		retry = *c.Agent.RetryOnParseFailure
	}
	dialect := c.Agent.Dialect
	if dialect == "" {
		dialect = dialectFor(c.Database.Driver)
	}
	return agent.LoopConfig{
		MaxSteps:            c.Agent.MaxSteps,
		MaxDuration:         time.Duration(c.Agent.MaxDurationSec) * time.Second,
		RetryOnParseFailure: retry,
		Dialect:             dialect,
	}
}

// MaxUploadBytes is the upload size cap in bytes.
func (c *Config) MaxUploadBytes() int64 {
	if c.Server.MaxUploadMB <= 0 {
		return 32 << 20
	}
	return c.Server.MaxUploadMB << 20
}

func dialectFor(driver string) string {
	if driver == "postgres" {
		return "PostgreSQL"
	}
	return "SQLite"
}
