package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for agentoz.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Store     StoreConfig     `json:"store"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sessions  SessionsConfig  `json:"sessions"`
	Backend   BackendConfig   `json:"backend"`
	Agents    AgentsConfig    `json:"agents"`
	Events    EventsConfig    `json:"events"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// PublicURL is the base URL agents use to reach the /mcp callback
	// endpoint. Empty means http://host:port.
	PublicURL string `json:"public_url,omitempty"`
}

// StoreConfig selects the shared lock/backlog store.
type StoreConfig struct {
	Driver string `json:"driver"` // "memory", "sqlite"
	Path   string `json:"path,omitempty"`
}

// SchedulerConfig tunes admission and delivery.
type SchedulerConfig struct {
	LockTTL          Duration `json:"lock_ttl"`
	PollInterval     Duration `json:"poll_interval"`
	CallTimeout      Duration `json:"call_timeout"`
	SubscriberBuffer int      `json:"subscriber_buffer"`
	SendTimeout      Duration `json:"send_timeout"`
}

// SessionsConfig holds session housekeeping settings.
type SessionsConfig struct {
	CleanupSchedule string `json:"cleanup_schedule"` // cron expression
}

// BackendConfig selects the compute backend.
type BackendConfig struct {
	Driver      string            `json:"driver"` // "echo", "ws"
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"` // values may use ${{ .Env.VAR }}
	DialTimeout Duration          `json:"dial_timeout,omitempty"`
}

// AgentsConfig points at the YAML agent templates.
type AgentsConfig struct {
	Definitions string `json:"definitions,omitempty"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// Addr returns host:port of the gateway.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// CallbackURL returns PublicURL, or the listen address when unset.
func (g GatewayConfig) CallbackURL() string {
	if g.PublicURL != "" {
		return g.PublicURL
	}
	return "http://" + g.Addr()
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
