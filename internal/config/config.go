package config

import (
	"fmt"
	"os"
	"time"

	"contest-live-service/internal/grader"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            string `yaml:"port"`
		ReadTimeout     string `yaml:"read_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
		// AllowedOrigins feeds CORS and the websocket origin check.
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Auth struct {
		Secret string `yaml:"secret"`
	} `yaml:"auth"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Contests struct {
		TTL      string `yaml:"ttl"`
		Fixtures string `yaml:"fixtures"`
		// Retain is how long an ended contest stays in memory.
		Retain string `yaml:"retain"`
	} `yaml:"contests"`
	Grader struct {
		Workers         int               `yaml:"workers"`
		PerSubmission   int               `yaml:"per_submission"`
		RunTimeout      string            `yaml:"run_timeout"`
		CompileTimeout  string            `yaml:"compile_timeout"`
		WorkDir         string            `yaml:"work_dir"`
		DefaultLanguage string            `yaml:"default_language"`
		Languages       []grader.Language `yaml:"languages"`
	} `yaml:"grader"`
	Feed struct {
		SubscriberQueue int    `yaml:"subscriber_queue"`
		TopicQueue      int    `yaml:"topic_queue"`
		KeepAlive       string `yaml:"keep_alive"`
		WriteTimeout    string `yaml:"write_timeout"`
	} `yaml:"feed"`
	Submit struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"submit"`
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Persist struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"persist"`
}

// Load reads YAML config from path. Environment variables win over the
// file for the settings deployments usually inject.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Postgres.URL == "" && c.Contests.Fixtures == "" {
		return fmt.Errorf("either postgres.url or contests.fixtures must be set")
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
