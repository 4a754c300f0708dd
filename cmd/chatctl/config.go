package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	config struct {
		Transport    transportConfig  `yaml:"transport"`
		EventTimeout string           `yaml:"event_timeout"`
		HiddenTools  []string         `yaml:"hidden_tools"`
		ShowEmpty    bool             `yaml:"show_empty"`
		ThreadID     string           `yaml:"thread_id"`
		Checkpoint   checkpointConfig `yaml:"checkpoint"`
		Log          logConfig        `yaml:"log"`

		eventTimeout time.Duration
	}

	transportConfig struct {
		Kind              string            `yaml:"kind"`
		Endpoint          string            `yaml:"endpoint"`
		AbortEndpoint     string            `yaml:"abort_endpoint"`
		Headers           map[string]string `yaml:"headers"`
		RequestsPerSecond float64           `yaml:"requests_per_second"`
		RedisURL          string            `yaml:"redis_url"`
		Script            string            `yaml:"script"`
	}

	checkpointConfig struct {
		Kind     string `yaml:"kind"`
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	logConfig struct {
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
		// File receives logs while the terminal UI owns stdout.
		File string `yaml:"file"`
	}
)

func defaultConfig() config {
	return config{
		Transport:    transportConfig{Kind: "sse"},
		EventTimeout: "2m",
		Checkpoint:   checkpointConfig{Kind: "none", Database: "agentchat"},
		Log:          logConfig{Format: "json", File: "chatctl.log"},
	}
}

// loadConfig reads the YAML file at path when set, then applies AGENTCHAT_*
// environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyEnv() {
	c.Transport.Kind = envOr("AGENTCHAT_TRANSPORT", c.Transport.Kind)
	c.Transport.Endpoint = envOr("AGENTCHAT_ENDPOINT", c.Transport.Endpoint)
	c.Transport.AbortEndpoint = envOr("AGENTCHAT_ABORT_ENDPOINT", c.Transport.AbortEndpoint)
	c.Transport.RedisURL = envOr("AGENTCHAT_REDIS_URL", c.Transport.RedisURL)
	c.Transport.Script = envOr("AGENTCHAT_SCRIPT", c.Transport.Script)
	c.EventTimeout = envOr("AGENTCHAT_EVENT_TIMEOUT", c.EventTimeout)
	if v := os.Getenv("AGENTCHAT_HIDDEN_TOOLS"); v != "" {
		c.HiddenTools = splitList(v)
	}
	c.ThreadID = envOr("AGENTCHAT_THREAD_ID", c.ThreadID)
	c.Checkpoint.Kind = envOr("AGENTCHAT_CHECKPOINT", c.Checkpoint.Kind)
	c.Checkpoint.URI = envOr("AGENTCHAT_CHECKPOINT_URI", c.Checkpoint.URI)
	c.Checkpoint.Database = envOr("AGENTCHAT_CHECKPOINT_DATABASE", c.Checkpoint.Database)
	c.Log.Format = envOr("AGENTCHAT_LOG_FORMAT", c.Log.Format)
	c.Log.Debug = envBoolOr("AGENTCHAT_DEBUG", c.Log.Debug)
	c.Log.File = envOr("AGENTCHAT_LOG_FILE", c.Log.File)
}

func (c *config) validate() error {
	c.Transport.Kind = strings.ToLower(c.Transport.Kind)
	switch c.Transport.Kind {
	case "sse", "ws":
		if c.Transport.Endpoint == "" {
			return fmt.Errorf("transport.endpoint is required for %s", c.Transport.Kind)
		}
	case "pulse":
		if c.Transport.RedisURL == "" {
			return errors.New("transport.redis_url is required for pulse")
		}
	case "script":
		if c.Transport.Script == "" {
			return errors.New("transport.script is required for script")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	c.Checkpoint.Kind = strings.ToLower(c.Checkpoint.Kind)
	switch c.Checkpoint.Kind {
	case "", "none", "memory", "sqlite":
	case "mongo", "postgres":
		if c.Checkpoint.URI == "" {
			return fmt.Errorf("checkpoint.uri is required for %s", c.Checkpoint.Kind)
		}
	default:
		return fmt.Errorf("unknown checkpoint kind %q", c.Checkpoint.Kind)
	}
	switch c.Log.Format {
	case "json", "text", "terminal":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.EventTimeout != "" {
		d, err := time.ParseDuration(c.EventTimeout)
		if err != nil {
			return fmt.Errorf("invalid event_timeout: %w", err)
		}
		c.eventTimeout = d
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
