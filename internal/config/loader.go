package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"

	"github.com/dohr-michael/agentoz/internal/scheduler"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// ErrInvalid wraps every validation failure of a loaded config.
var ErrInvalid = errors.New("invalid config")

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to JSON, unmarshals it into Config, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load on in-memory content.
func Parse(data []byte) (*Config, error) {
	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18431
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(AgentozPath(), "agentoz.db")
	}

	if cfg.Scheduler.LockTTL == 0 {
		cfg.Scheduler.LockTTL = Duration(30 * time.Minute)
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = Duration(5 * time.Second)
	}
	if cfg.Scheduler.CallTimeout == 0 {
		cfg.Scheduler.CallTimeout = Duration(5 * time.Minute)
	}
	if cfg.Scheduler.SubscriberBuffer == 0 {
		cfg.Scheduler.SubscriberBuffer = 256
	}
	if cfg.Scheduler.SendTimeout == 0 {
		cfg.Scheduler.SendTimeout = Duration(200 * time.Millisecond)
	}

	if cfg.Sessions.CleanupSchedule == "" {
		cfg.Sessions.CleanupSchedule = scheduler.DefaultCleanupSchedule
	}

	if cfg.Backend.Driver == "" {
		cfg.Backend.Driver = "echo"
	}
	if cfg.Backend.DialTimeout == 0 {
		cfg.Backend.DialTimeout = Duration(10 * time.Second)
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
}

// Validate checks a config after defaults are applied. Flag overrides go
// through it again.
func Validate(cfg *Config) error { return validate(cfg) }

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("%w: store.driver %q (want memory or sqlite)", ErrInvalid, cfg.Store.Driver)
	}
	switch cfg.Backend.Driver {
	case "echo":
	case "ws":
		if cfg.Backend.URL == "" {
			return fmt.Errorf("%w: backend.url is required for the ws driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: backend.driver %q (want echo or ws)", ErrInvalid, cfg.Backend.Driver)
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway.port %d", ErrInvalid, cfg.Gateway.Port)
	}
	if cfg.Scheduler.LockTTL < 0 || cfg.Scheduler.PollInterval < 0 || cfg.Scheduler.CallTimeout < 0 || cfg.Scheduler.SendTimeout < 0 {
		return fmt.Errorf("%w: scheduler durations must be positive", ErrInvalid)
	}
	if _, err := scheduler.ParseCron(cfg.Sessions.CleanupSchedule); err != nil {
		return fmt.Errorf("%w: sessions.cleanup_schedule: %v", ErrInvalid, err)
	}
	return nil
}
