package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config represents runtime configuration for the service.
// Values come from a YAML file and are overridden by environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Address     string   `yaml:"address" env:"TASKMATE_ADDR" env-default:":8000"`
	GinMode     string   `yaml:"gin_mode" env:"GIN_MODE" env-default:"release"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"TASKMATE_DB" env-default:"sqlite3"`
	DSN      string `yaml:"dsn" env:"TASKMATE_DB_DSN" env-default:"./data/taskmate.db"`
	Host     string `yaml:"host" env:"TASKMATE_DB_HOST" env-default:"127.0.0.1"`
	Port     int    `yaml:"port" env:"TASKMATE_DB_PORT"`
	Username string `yaml:"username" env:"TASKMATE_DB_USER"`
	Password string `yaml:"-" env:"TASKMATE_DB_PASSWORD"`
	DBName   string `yaml:"db_name" env:"TASKMATE_DB_NAME" env-default:"taskmate"`
	Params   string `yaml:"params" env:"TASKMATE_DB_PARAMS"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TASKMATE_REDIS_ENABLED" env-default:"false"`
	Host     string `yaml:"host" env:"TASKMATE_REDIS_HOST" env-default:"127.0.0.1"`
	Port     int    `yaml:"port" env:"TASKMATE_REDIS_PORT" env-default:"6379"`
	Username string `yaml:"username" env:"TASKMATE_REDIS_USER"`
	Password string `yaml:"-" env:"TASKMATE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"TASKMATE_REDIS_DB" env-default:"0"`
}

// LLMConfig selects the chat model backend. API keys are secrets and are
// only read from the environment.
type LLMConfig struct {
	Provider    string   `yaml:"provider" env:"TASKMATE_LLM_PROVIDER" env-default:"gemini"`
	Model       string   `yaml:"model" env:"TASKMATE_LLM_MODEL" env-default:"gemini-2.5-flash-lite"`
	BaseURL     string   `yaml:"base_url" env:"TASKMATE_LLM_BASE_URL"`
	Temperature float32  `yaml:"temperature" env:"TASKMATE_LLM_TEMPERATURE" env-default:"0"`
	MaxTokens   int      `yaml:"max_tokens" env:"TASKMATE_LLM_MAX_TOKENS" env-default:"2048"`
	APIKeys     []string `yaml:"-" env:"GOOGLE_API_KEYS" env-separator:","`
	APIKey      string   `yaml:"-" env:"GOOGLE_API_KEY"`
}

type AgentConfig struct {
	MaxRoundTrips      int `yaml:"max_round_trips" env:"TASKMATE_MAX_ROUND_TRIPS" env-default:"8"`
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds" env:"TASKMATE_TURN_TIMEOUT" env-default:"120"`
}

type WorkerConfig struct {
	MinWorkers         int `yaml:"min_workers" env:"TASKMATE_MIN_WORKERS" env-default:"2"`
	MaxWorkers         int `yaml:"max_workers" env:"TASKMATE_MAX_WORKERS" env-default:"16"`
	QueueSize          int `yaml:"queue_size" env:"TASKMATE_QUEUE_SIZE" env-default:"128"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" env:"TASKMATE_WORKER_IDLE" env-default:"60"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"TASKMATE_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"TASKMATE_LOG_FORMAT" env-default:"json"`
}

// Keys returns the configured API keys in order. GOOGLE_API_KEYS wins over
// the single GOOGLE_API_KEY.
func (c LLMConfig) Keys() []string {
	var keys []string
	for _, k := range c.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		return keys
	}
	if k := strings.TrimSpace(c.APIKey); k != "" {
		return []string{k}
	}
	return nil
}

// Load reads configuration from the provided path (defaults to config.yaml).
// A missing file is not an error: the environment alone is used then.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	if _, statErr := os.Stat(absPath); statErr == nil {
		if err := cleanenv.ReadConfig(absPath, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		if cfg.Database.Driver == "sqlite3" || cfg.Database.Driver == "sqlite" {
			if cfg.Database.DSN != "" && cfg.Database.DSN != ":memory:" && !filepath.IsAbs(cfg.Database.DSN) {
				cfg.Database.DSN = filepath.Join(filepath.Dir(absPath), cfg.Database.DSN)
			}
		}
	} else if errors.Is(statErr, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read config from env: %w", err)
		}
	} else {
		return nil, fmt.Errorf("stat config %s: %w", absPath, statErr)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "mysql", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "gemini", "openai", "claude":
	default:
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}
	if c.Agent.MaxRoundTrips <= 0 {
		return errors.New("agent.max_round_trips must be positive")
	}
	if c.Worker.MaxWorkers < c.Worker.MinWorkers {
		c.Worker.MaxWorkers = c.Worker.MinWorkers
	}
	return nil
}
