// Package config loads the process configuration from TOML, with
// environment-variable overrides for anything secret.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Embedder    EmbedderConfig    `toml:"embedder"`
	Chat        ChatConfig        `toml:"chat"`
	Cache       CacheConfig       `toml:"cache"`
	Persistence PersistenceConfig `toml:"persistence"`
	Logging     LoggingConfig     `toml:"logging"`

	// BedrockCredentials lists standby IAM credential sets Bedrock clients
	// rotate across via KeySelector. Empty by default: a single configured
	// key is used directly with no rotation overhead.
	BedrockCredentials []BedrockCredentialConfig `toml:"bedrock_credentials"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	HTTPPort       int           `toml:"http_port"`
	BindAddress    string        `toml:"bind_address"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxRequestSize int64         `toml:"max_request_size"`
}

// DatabaseConfig contains the Postgres connection settings for the key
// registry.
type DatabaseConfig struct {
	DSN        string        `toml:"dsn"`
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
}

// GetDSN returns the DSN for the database, preferring an explicit DSN
// over the individual fields.
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// EmbedderConfig configures the EmbeddingProvider collaborator.
type EmbedderConfig struct {
	Type            string `toml:"type"` // "bedrock" or "stub"
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Model           string `toml:"model"` // e.g. "amazon.titan-embed-text-v2:0"
}

// ChatConfig configures the ChatProvider collaborator.
type ChatConfig struct {
	Type            string  `toml:"type"` // "bedrock" or "stub"
	Region          string  `toml:"region"`
	AccessKeyID     string  `toml:"access_key_id"`
	SecretAccessKey string  `toml:"secret_access_key"`
	Model           string  `toml:"model"` // e.g. "anthropic.claude-3-haiku-20240307-v1:0"
	InputCostPer1M  float64 `toml:"input_cost_per_1m"`
	OutputCostPer1M float64 `toml:"output_cost_per_1m"`
}

// BedrockCredentialConfig is one standby IAM credential set a Bedrock
// client can rotate onto, beyond the primary key configured directly on
// EmbedderConfig/ChatConfig.
type BedrockCredentialConfig struct {
	ID              string `toml:"id"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Priority        int    `toml:"priority"`
}

// CacheConfig tunes the engine's in-memory structures.
type CacheConfig struct {
	EmbeddingCacheCapacity int `toml:"embedding_cache_capacity"`
	DefaultTTLSeconds      int `toml:"default_ttl_seconds"`
}

// PersistenceConfig configures the snapshot file.
type PersistenceConfig struct {
	SnapshotPath     string        `toml:"snapshot_path"`
	SnapshotInterval time.Duration `toml:"snapshot_interval"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// Default returns a configuration usable for local development against
// deterministic stub providers.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			BindAddress:    "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxRequestSize: 1 * 1024 * 1024,
		},
		Database: DatabaseConfig{
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Database:   "semantiscache",
			SSLMode:    "disable",
			MaxConns:   20,
			MaxIdle:    5,
			ConnMaxAge: 30 * time.Minute,
		},
		Embedder: EmbedderConfig{
			Type:   "stub",
			Region: "us-east-1",
			Model:  "amazon.titan-embed-text-v2:0",
		},
		Chat: ChatConfig{
			Type:            "stub",
			Region:          "us-east-1",
			Model:           "anthropic.claude-3-haiku-20240307-v1:0",
			InputCostPer1M:  0.25,
			OutputCostPer1M: 1.25,
		},
		Cache: CacheConfig{
			EmbeddingCacheCapacity: 1000,
			DefaultTTLSeconds:      3600,
		},
		Persistence: PersistenceConfig{
			SnapshotPath:     "semantiscache.snapshot",
			SnapshotInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a TOML file, layering it over Default(),
// then applies environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadOrDefault loads configuration from path, falling back to Default()
// and logging a warning on failure.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("warning: failed to load config from %s: %v\n", path, err)
		return Default()
	}
	return cfg
}

// applyEnvOverrides substitutes ${VAR} patterns and applies direct
// SEMANTISCACHE_* environment variable overrides, keeping credentials out
// of the TOML file in deployed environments.
func (c *Config) applyEnvOverrides() {
	c.Database.DSN = os.ExpandEnv(c.Database.DSN)
	c.Database.Host = os.ExpandEnv(c.Database.Host)
	c.Database.User = os.ExpandEnv(c.Database.User)
	c.Database.Password = os.ExpandEnv(c.Database.Password)
	c.Embedder.AccessKeyID = os.ExpandEnv(c.Embedder.AccessKeyID)
	c.Embedder.SecretAccessKey = os.ExpandEnv(c.Embedder.SecretAccessKey)
	c.Chat.AccessKeyID = os.ExpandEnv(c.Chat.AccessKeyID)
	c.Chat.SecretAccessKey = os.ExpandEnv(c.Chat.SecretAccessKey)

	if v := os.Getenv("SEMANTISCACHE_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("SEMANTISCACHE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("SEMANTISCACHE_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("SEMANTISCACHE_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("SEMANTISCACHE_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("SEMANTISCACHE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("SEMANTISCACHE_AWS_ACCESS_KEY_ID"); v != "" {
		c.Embedder.AccessKeyID = v
		c.Chat.AccessKeyID = v
	}
	if v := os.Getenv("SEMANTISCACHE_AWS_SECRET_ACCESS_KEY"); v != "" {
		c.Embedder.SecretAccessKey = v
		c.Chat.SecretAccessKey = v
	}
}
