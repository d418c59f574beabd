// Package config provides configuration management for the gateway. It
// handles loading and parsing the YAML configuration file and provides
// structured access to server, rate-limit, session, pool, and passthrough
// settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output to a rotating file under logs/.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestLog enables per-request access logging.
	RequestLog bool `yaml:"request-log"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	// An empty list disables authentication.
	APIKeys []string `yaml:"api-keys"`

	// ClaudeCLIPath is the binary invoked for Claude Code requests.
	ClaudeCLIPath string `yaml:"claude-cli-path"`

	// RateLimit bounds request admission per client and per session.
	RateLimit RateLimit `yaml:"rate-limit"`

	// Session controls the lifetime of resumable CLI conversations.
	Session Session `yaml:"session"`

	// Pool bounds the population of concurrently running CLI children.
	Pool Pool `yaml:"pool"`

	// Passthrough configures the upstream OpenAI-compatible proxy backend.
	Passthrough Passthrough `yaml:"openai-passthrough"`
}

// RateLimit configures the sliding-window and concurrency limiters.
type RateLimit struct {
	// RequestsPerMinute is the per-IP sliding-window limit.
	RequestsPerMinute int `yaml:"requests-per-minute"`

	// SessionRequestsPerMinute is the per-session sliding-window limit.
	SessionRequestsPerMinute int `yaml:"session-requests-per-minute"`

	// MaxConcurrent is the per-key in-flight request ceiling.
	MaxConcurrent int `yaml:"max-concurrent"`
}

// Session configures the TTL registry of CLI conversations.
type Session struct {
	// TTLMinutes is the idle timeout of a session.
	TTLMinutes int `yaml:"ttl-minutes"`

	// MaxAgeMinutes is the hard lifetime cap of a session.
	MaxAgeMinutes int `yaml:"max-age-minutes"`

	// SweepIntervalSeconds is how often expired sessions are reclaimed.
	SweepIntervalSeconds int `yaml:"sweep-interval-seconds"`
}

// Pool configures the CLI child-process pool.
type Pool struct {
	// MaxConcurrent is the number of CLI children allowed to run at once.
	MaxConcurrent int `yaml:"max-concurrent"`

	// QueueTimeoutSeconds bounds how long an acquirer waits for a slot.
	QueueTimeoutSeconds int `yaml:"queue-timeout-seconds"`

	// ShutdownTimeoutSeconds is the per-phase drain escalation timeout.
	ShutdownTimeoutSeconds int `yaml:"shutdown-timeout-seconds"`
}

// Passthrough configures the upstream OpenAI-compatible backend.
type Passthrough struct {
	// Enabled turns the passthrough backend on.
	Enabled bool `yaml:"enabled"`

	// APIKey is the default upstream credential. May be empty when clients
	// are allowed to bring their own key.
	APIKey string `yaml:"api-key"`

	// BaseURL overrides the upstream endpoint. Clients can never override
	// this, even with their own key.
	BaseURL string `yaml:"base-url"`

	// AllowClientKey permits a client-supplied X-OpenAI-API-Key.
	AllowClientKey bool `yaml:"allow-client-key"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.ClaudeCLIPath == "" {
		c.ClaudeCLIPath = "claude"
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.SessionRequestsPerMinute == 0 {
		c.RateLimit.SessionRequestsPerMinute = 30
	}
	if c.RateLimit.MaxConcurrent == 0 {
		c.RateLimit.MaxConcurrent = 10
	}
	if c.Session.TTLMinutes == 0 {
		c.Session.TTLMinutes = 30
	}
	if c.Session.MaxAgeMinutes == 0 {
		c.Session.MaxAgeMinutes = 240
	}
	if c.Session.SweepIntervalSeconds == 0 {
		c.Session.SweepIntervalSeconds = 60
	}
	if c.Pool.MaxConcurrent == 0 {
		c.Pool.MaxConcurrent = 4
	}
	if c.Pool.QueueTimeoutSeconds == 0 {
		c.Pool.QueueTimeoutSeconds = 30
	}
	if c.Pool.ShutdownTimeoutSeconds == 0 {
		c.Pool.ShutdownTimeoutSeconds = 5
	}
	if c.Passthrough.BaseURL == "" {
		c.Passthrough.BaseURL = "https://api.openai.com/v1"
	}
}

// SessionTTL returns the idle timeout as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// SessionMaxAge returns the hard lifetime cap as a duration.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.Session.MaxAgeMinutes) * time.Minute
}

// SessionSweepInterval returns the sweeper period as a duration.
func (c *Config) SessionSweepInterval() time.Duration {
	return time.Duration(c.Session.SweepIntervalSeconds) * time.Second
}

// PoolQueueTimeout returns the slot-wait bound as a duration.
func (c *Config) PoolQueueTimeout() time.Duration {
	return time.Duration(c.Pool.QueueTimeoutSeconds) * time.Second
}

// PoolShutdownTimeout returns the drain escalation timeout as a duration.
func (c *Config) PoolShutdownTimeout() time.Duration {
	return time.Duration(c.Pool.ShutdownTimeoutSeconds) * time.Second
}
