package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// config is the sessionctl configuration. Values are read from the YAML
	// file given with -config, then overridden by SESSIONS_* environment
	// variables.
	config struct {
		Mongo mongoConfig `yaml:"mongo"`
		Redis redisConfig `yaml:"redis"`
		Log   logConfig   `yaml:"log"`
	}

	mongoConfig struct {
		URI                  string        `yaml:"uri"`
		Database             string        `yaml:"database"`
		Timeout              time.Duration `yaml:"timeout"`
		SessionsCollection   string        `yaml:"sessions_collection"`
		EventsCollection     string        `yaml:"events_collection"`
		AppStatesCollection  string        `yaml:"app_states_collection"`
		UserStatesCollection string        `yaml:"user_states_collection"`
	}

	// redisConfig enables the Pulse feed when Addr is set.
	redisConfig struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		StreamMaxLen int           `yaml:"stream_max_len"`
		Timeout      time.Duration `yaml:"timeout"`
		PublishRate  float64       `yaml:"publish_rate"`
		PublishBurst int           `yaml:"publish_burst"`
	}

	logConfig struct {
		// Format is "json" or "terminal". Empty picks terminal output when
		// stderr is a terminal.
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
	}
)

func defaultConfig() config {
	return config{
		Mongo: mongoConfig{
			URI:      "mongodb://localhost:27017/?directConnection=true",
			Database: "sessions",
			Timeout:  5 * time.Second,
		},
		Redis: redisConfig{Timeout: 2 * time.Second},
	}
}

// loadConfig reads path when not empty and applies environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Mongo.URI = envOr("SESSIONS_MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("SESSIONS_MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Mongo.Timeout = envDurationOr("SESSIONS_MONGO_TIMEOUT", cfg.Mongo.Timeout)
	cfg.Redis.Addr = envOr("SESSIONS_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("SESSIONS_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envIntOr("SESSIONS_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PublishRate = envFloatOr("SESSIONS_FEED_RATE", cfg.Redis.PublishRate)
	cfg.Redis.PublishBurst = envIntOr("SESSIONS_FEED_BURST", cfg.Redis.PublishBurst)
	cfg.Log.Format = envOr("SESSIONS_LOG_FORMAT", cfg.Log.Format)
	if v := os.Getenv("SESSIONS_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Debug = b
		}
	}

	return cfg, cfg.validate()
}

func (c config) validate() error {
	var errs []error
	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo.uri is required"))
	}
	if c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required"))
	}
	if c.Mongo.Timeout < 0 {
		errs = append(errs, fmt.Errorf("invalid mongo.timeout %s", c.Mongo.Timeout))
	}
	if c.Redis.PublishRate < 0 {
		errs = append(errs, fmt.Errorf("invalid redis.publish_rate %v", c.Redis.PublishRate))
	}
	switch c.Log.Format {
	case "", "json", "terminal":
	default:
		errs = append(errs, fmt.Errorf("invalid log.format %q (want json or terminal)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
