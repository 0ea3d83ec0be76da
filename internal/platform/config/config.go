package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/graphforge/graphforge-backend/internal/platform/envutil"
)

type Server struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Postgres struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type Neo4j struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type Redis struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type Worker struct {
	// Enabled turns the in-process worker pool off for API-only replicas.
	Enabled      bool          `yaml:"enabled"`
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	HardTimeout  time.Duration `yaml:"hard_timeout"`
	SoftTimeout  time.Duration `yaml:"soft_timeout"`
}

type Upload struct {
	Dir          string   `yaml:"dir"`
	MaxSizeBytes int64    `yaml:"max_size_bytes"`
	AllowedExts  []string `yaml:"allowed_exts"`
}

type Extraction struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

type Config struct {
	LogMode          string        `yaml:"log_mode"`
	Server           Server        `yaml:"server"`
	Postgres         Postgres      `yaml:"postgres"`
	Neo4j            Neo4j         `yaml:"neo4j"`
	Redis            Redis         `yaml:"redis"`
	Worker           Worker        `yaml:"worker"`
	Upload           Upload        `yaml:"upload"`
	Extraction       Extraction    `yaml:"extraction"`
	TaskPollInterval time.Duration `yaml:"task_poll_interval"`
}

// Load builds the configuration from environment variables, optionally
// seeded from a YAML file named by CONFIG_FILE. Environment values win over
// file values so containers can override a baked-in config.
func Load() (*Config, error) {
	cfg := defaults()

	if path := envutil.String("CONFIG_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.LogMode = envutil.String("LOG_MODE", cfg.LogMode)
	cfg.Server.Port = envutil.Int("SERVER_PORT", cfg.Server.Port)

	cfg.Postgres.Host = envutil.String("POSTGRES_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = envutil.String("POSTGRES_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = envutil.String("POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = envutil.String("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Name = envutil.String("POSTGRES_NAME", cfg.Postgres.Name)

	cfg.Neo4j.URI = envutil.String("NEO4J_URI", cfg.Neo4j.URI)
	cfg.Neo4j.User = envutil.String("NEO4J_USER", cfg.Neo4j.User)
	cfg.Neo4j.Password = envutil.String("NEO4J_PASSWORD", cfg.Neo4j.Password)
	cfg.Neo4j.Database = envutil.String("NEO4J_DATABASE", cfg.Neo4j.Database)

	cfg.Redis.Addr = envutil.String("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Channel = envutil.String("REDIS_CHANNEL", cfg.Redis.Channel)

	cfg.Worker.Enabled = envutil.Bool("WORKER_ENABLED", cfg.Worker.Enabled)
	cfg.Worker.Concurrency = envutil.Int("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.PollInterval = envutil.Duration("WORKER_POLL_INTERVAL", cfg.Worker.PollInterval)
	cfg.Worker.HardTimeout = envutil.Duration("BUILD_HARD_TIMEOUT", cfg.Worker.HardTimeout)
	cfg.Worker.SoftTimeout = envutil.Duration("BUILD_SOFT_TIMEOUT", cfg.Worker.SoftTimeout)

	cfg.Upload.Dir = envutil.String("UPLOAD_DIR", cfg.Upload.Dir)

	cfg.Extraction.URL = envutil.String("EXTRACTION_URL", cfg.Extraction.URL)
	cfg.Extraction.Mode = envutil.String("EXTRACTION_MODE", cfg.Extraction.Mode)

	cfg.TaskPollInterval = envutil.Duration("TASK_POLL_INTERVAL", cfg.TaskPollInterval)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogMode: "development",
		Server: Server{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Postgres: Postgres{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "graphforge",
		},
		Neo4j: Neo4j{
			User: "neo4j",
		},
		Redis: Redis{
			Channel: "task-events",
		},
		Worker: Worker{
			Enabled:      true,
			Concurrency:  4,
			PollInterval: time.Second,
			HardTimeout:  60 * time.Minute,
			SoftTimeout:  55 * time.Minute,
		},
		Upload: Upload{
			Dir:          "uploads",
			MaxSizeBytes: 100 << 20,
			AllowedExts:  []string{".pdf", ".docx", ".txt", ".md"},
		},
		Extraction: Extraction{
			Mode: "incremental",
		},
		TaskPollInterval: time.Second,
	}
}
