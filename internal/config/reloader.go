package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Reloader re-reads the config on demand (SIGHUP in the gateway) and hands
// the result to listeners. Only scheduler timings apply to a running gateway;
// other sections need a restart and are reported as such.
type Reloader struct {
	configPath string
	dotenvPath string
	current    atomic.Pointer[Config]

	mu        sync.Mutex // serializes Reload and OnReload
	listeners []func(*Config)
}

// NewReloader creates a Reloader seeded with the config in use.
func NewReloader(configPath, dotenvPath string, initial *Config) *Reloader {
	r := &Reloader{
		configPath: configPath,
		dotenvPath: dotenvPath,
	}
	r.current.Store(initial)
	return r
}

// Current returns the last successfully loaded config.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers fn to run after every successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload overrides the environment from the .env file, loads the config
// again and swaps it in. On error the current config stays.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ReloadDotenv(r.dotenvPath); err != nil {
		return fmt.Errorf("reload dotenv: %w", err)
	}
	next, err := Load(r.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	prev := r.current.Swap(next)
	if prev != nil {
		logChanges(prev, next)
	}
	for _, fn := range r.listeners {
		fn(next)
	}
	return nil
}

func logChanges(prev, next *Config) {
	s0, s1 := prev.Scheduler, next.Scheduler
	slog.Info("config reloaded",
		"lock_ttl", s1.LockTTL.Duration(),
		"call_timeout", s1.CallTimeout.Duration(),
		"send_timeout", s1.SendTimeout.Duration(),
	)
	if s0.LockTTL != s1.LockTTL {
		slog.Debug("lock ttl changed", "from", s0.LockTTL.Duration(), "to", s1.LockTTL.Duration())
	}

	restart := map[string]bool{
		"gateway":                     prev.Gateway != next.Gateway,
		"store":                       prev.Store != next.Store,
		"backend":                     prev.Backend.Driver != next.Backend.Driver || prev.Backend.URL != next.Backend.URL,
		"sessions.cleanup_schedule":   prev.Sessions.CleanupSchedule != next.Sessions.CleanupSchedule,
		"scheduler.poll_interval":     s0.PollInterval != s1.PollInterval,
		"scheduler.subscriber_buffer": s0.SubscriberBuffer != s1.SubscriberBuffer,
		"events.buffer_size":          prev.Events != next.Events,
	}
	for section, changed := range restart {
		if changed {
			slog.Warn("config change needs a gateway restart", "section", section)
		}
	}
}
