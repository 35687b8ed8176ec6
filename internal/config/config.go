// Package config handles configuration loading, validation, and persistence
// for the edge agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
)

// Config is the root configuration structure for the agent.
type Config struct {
	mu   sync.RWMutex
	path string

	Agent     AgentConfig     `json:"agent"`
	Broadcast BroadcastConfig `json:"broadcast"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Database  DatabaseConfig  `json:"database"`
	Metrics   MetricsConfig   `json:"metrics"`
	Health    HealthConfig    `json:"health"`
	Logging   LoggingConfig   `json:"logging"`
}

// AgentConfig holds the chat server session settings.
type AgentConfig struct {
	// Identity
	EntityID  uint32 `json:"entity_id"`
	Username  string `json:"username"`
	AuthToken string `json:"auth_token"`

	// Upstream. An empty ServerURL selects a server from ServerConfigURL.
	ServerURL       string `json:"server_url"`
	ServerConfigURL string `json:"server_config_url"`

	// Protocol
	LoginVersion     uint32 `json:"login_version"`
	WebsocketVersion uint32 `json:"websocket_version"`
	MaxPayload       int    `json:"max_payload_bytes"`

	// Timers
	TickIntervalMS  int `json:"tick_interval_ms"`
	ReconnectTicks  int `json:"reconnect_ticks"`
	PingEveryTicks  int `json:"ping_every_ticks"`
	PingIntervalSec int `json:"ping_interval_sec"`
	QueryTTLSec     int `json:"query_ttl_sec"`
	DialTimeoutSec  int `json:"dial_timeout_sec"`
}

// BroadcastConfig describes the stream host reported on the channel.
type BroadcastConfig struct {
	Profiles       []string `json:"profiles"`
	CurrentProfile string   `json:"current_profile"`
	StreamType     uint32   `json:"stream_type"`
	Transport      string   `json:"transport"`
	AppVersion     string   `json:"app_version"`
	SettleDelayMS  int      `json:"settle_delay_ms"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	APIKey         string   `json:"api_key"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds the session journal settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// HealthConfig holds the periodic health check intervals. A zero interval
// disables that check.
type HealthConfig struct {
	Enabled         bool    `json:"enabled"`
	SessionCheckSec int     `json:"session_check_sec"`
	StallAfterSec   int     `json:"stall_after_sec"`
	DiskCheckSec    int     `json:"disk_check_sec"`
	DiskWarnPercent float64 `json:"disk_warn_percent"`
	HeartbeatSec    int     `json:"heartbeat_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			ServerConfigURL:  "https://assets.mfcimg.com/_js/serverconfig.js",
			LoginVersion:     20071025,
			WebsocketVersion: 20180422,
			MaxPayload:       4 * 1024 * 1024,
			TickIntervalMS:   250,
			ReconnectTicks:   12,
			PingEveryTicks:   3,
			PingIntervalSec:  5,
			QueryTTLSec:      30,
			DialTimeoutSec:   15,
		},
		Broadcast: BroadcastConfig{
			Profiles:       []string{"default"},
			CurrentProfile: "default",
			Transport:      "WebRTC",
			SettleDelayMS:  1500,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			TopicPrefix: "edgeagent",
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "data/journal.db",
			RetentionDays: 14,
			CleanupTime:   "04:00",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "edgeagent",
		},
		Health: HealthConfig{
			Enabled:         true,
			SessionCheckSec: 30,
			StallAfterSec:   120,
			DiskCheckSec:    300,
			DiskWarnPercent: 80,
			HeartbeatSec:    60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file always lists every option, including ones added
	// since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// the file carries the auth token
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetAgent returns a copy of the session configuration.
func (c *Config) GetAgent() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent
}

// SetAgent updates the session configuration.
func (c *Config) SetAgent(a AgentConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = a
}

// GetBroadcast returns a copy of the stream host configuration.
func (c *Config) GetBroadcast() BroadcastConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.Broadcast
	b.Profiles = append([]string(nil), c.Broadcast.Profiles...)
	return b
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the journal configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetMetrics returns a copy of the metrics configuration.
func (c *Config) GetMetrics() MetricsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Metrics
}

// GetHealth returns a copy of the health check configuration.
func (c *Config) GetHealth() HealthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Health
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateAgentField updates a single agent option by its JSON name.
func (c *Config) UpdateAgentField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Agent)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown agent option %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var next AgentConfig
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Agent = next

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent.EntityID == 0
}

// TickInterval returns the session tick cadence.
func (a AgentConfig) TickInterval() time.Duration {
	return time.Duration(a.TickIntervalMS) * time.Millisecond
}

// PingInterval returns the minimum time between liveness pings.
func (a AgentConfig) PingInterval() time.Duration {
	return time.Duration(a.PingIntervalSec) * time.Second
}

// QueryTTL returns how long an issued query waits for its reply.
func (a AgentConfig) QueryTTL() time.Duration {
	return time.Duration(a.QueryTTLSec) * time.Second
}

// DialTimeout returns the websocket handshake timeout.
func (a AgentConfig) DialTimeout() time.Duration {
	return time.Duration(a.DialTimeoutSec) * time.Second
}

// SettleDelay returns how long stream transitions take.
func (b BroadcastConfig) SettleDelay() time.Duration {
	return time.Duration(b.SettleDelayMS) * time.Millisecond
}
