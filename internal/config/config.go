package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the gateway and the conversation service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Backend     BackendConfig             `json:"backend"`
	LocalStore  LocalStoreConfig          `json:"local_store"`
	Redis       RedisConfig               `json:"redis"`
	Databases   map[string]DatabaseConfig `json:"databases"`
}

type BasicConfig struct {
	ServerAddress        string `json:"server_address"`
	ConvServiceAddress   string `json:"conv_service_address"`
	SessionTTLMinutes    int    `json:"session_ttl_minutes" validate:"gte=0"`
	SweepIntervalMinutes int    `json:"sweep_interval_minutes" validate:"gte=0"`
	RevealIntervalMillis int    `json:"reveal_interval_ms" validate:"gte=0"`
	LogFile              string `json:"log_file"`
	Production           bool   `json:"production"`
}

type BackendConfig struct {
	AIBaseURL               string `json:"ai_base_url" validate:"omitempty,url"`
	ConversationServiceURL  string `json:"conversation_service_url" validate:"omitempty,url"`
	TimeoutSeconds          int    `json:"timeout_seconds" validate:"gte=0"`
	IncludeGeneralKnowledge *bool  `json:"include_general_knowledge"`
	Provider                string `json:"provider" validate:"omitempty,oneof=openai claude gemini"`
	Model                   string `json:"model"`
	APIKey                  string `json:"api_key"`
	ProviderBaseURL         string `json:"provider_base_url"`
}

type LocalStoreConfig struct {
	Driver   string `json:"driver" validate:"omitempty,oneof=memory redis"`
	Disabled bool   `json:"disabled"` // no anonymous persistence; visitors get in-memory conversations only
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

const (
	DefaultSessionTTL     = 30 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultRevealInterval = 200 * time.Millisecond
	DefaultBackendTimeout = 30 * time.Second
)

// Load reads configuration from the provided path (defaults to config.json) and applies
// LEXICHAT_* environment overrides, loading a .env file first when one exists.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case os.IsNotExist(err):
		// env-only deployments
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && !filepath.IsAbs(db.DSN) && db.DSN != ":memory:" {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.BasicConfig.ServerAddress, "LEXICHAT_ADDR")
	setString(&cfg.BasicConfig.ConvServiceAddress, "LEXICHAT_CONV_ADDR")
	setString(&cfg.BasicConfig.LogFile, "LEXICHAT_LOG_FILE")
	setString(&cfg.Backend.AIBaseURL, "LEXICHAT_AI_BASE_URL")
	setString(&cfg.Backend.ConversationServiceURL, "LEXICHAT_CONVERSATION_SERVICE_URL")
	setString(&cfg.Backend.Provider, "LEXICHAT_PROVIDER")
	setString(&cfg.Backend.Model, "LEXICHAT_MODEL")
	setString(&cfg.Backend.APIKey, "LEXICHAT_API_KEY")
	setString(&cfg.LocalStore.Driver, "LEXICHAT_LOCAL_STORE")
	setString(&cfg.Redis.Host, "LEXICHAT_REDIS_HOST")
	setString(&cfg.Redis.Password, "LEXICHAT_REDIS_PASSWORD")
	setInt(&cfg.Redis.Port, "LEXICHAT_REDIS_PORT")
	setInt(&cfg.Backend.TimeoutSeconds, "LEXICHAT_BACKEND_TIMEOUT")
	setInt(&cfg.BasicConfig.SessionTTLMinutes, "LEXICHAT_SESSION_TTL")
	setInt(&cfg.BasicConfig.RevealIntervalMillis, "LEXICHAT_REVEAL_INTERVAL_MS")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

// SessionTTL is the idle lifetime of a browser session.
func (c *Config) SessionTTL() time.Duration {
	if c.BasicConfig.SessionTTLMinutes <= 0 {
		return DefaultSessionTTL
	}
	return time.Duration(c.BasicConfig.SessionTTLMinutes) * time.Minute
}

// SweepInterval is how often idle browser sessions are collected.
func (c *Config) SweepInterval() time.Duration {
	if c.BasicConfig.SweepIntervalMinutes <= 0 {
		return DefaultSweepInterval
	}
	return time.Duration(c.BasicConfig.SweepIntervalMinutes) * time.Minute
}

// RevealInterval is the delay between two revealed lines of an assistant reply.
func (c *Config) RevealInterval() time.Duration {
	if c.BasicConfig.RevealIntervalMillis <= 0 {
		return DefaultRevealInterval
	}
	return time.Duration(c.BasicConfig.RevealIntervalMillis) * time.Millisecond
}

// BackendTimeout bounds every backend call.
func (c *Config) BackendTimeout() time.Duration {
	if c.Backend.TimeoutSeconds <= 0 {
		return DefaultBackendTimeout
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// IncludeGeneralKnowledge defaults to true when unset.
func (c *Config) IncludeGeneralKnowledge() bool {
	if c.Backend.IncludeGeneralKnowledge == nil {
		return true
	}
	return *c.Backend.IncludeGeneralKnowledge
}

// AnonymousEnabled reports whether anonymous visitors get a persistent local store.
func (c *Config) AnonymousEnabled() bool {
	return !c.LocalStore.Disabled
}
