package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateAgent(&cfg.Agent, result)
	validateBroadcast(&cfg.Broadcast, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)

	if cfg.Database.Enabled {
		if strings.TrimSpace(cfg.Database.Path) == "" {
			result.AddError("database.path", "database path is required when enabled")
		}
		if cfg.Database.RetentionDays < 0 {
			result.AddError("database.retention_days", "retention cannot be negative")
		}
		if _, _, err := ParseClock(cfg.Database.CleanupTime); err != nil {
			result.AddError("database.cleanup_time", err.Error())
		}
	}
	if cfg.Health.Enabled {
		if cfg.Health.SessionCheckSec > 0 && cfg.Health.StallAfterSec < cfg.Health.SessionCheckSec {
			result.AddWarning("health.stall_after_sec", "stall threshold is shorter than the session check interval")
		}
		if p := cfg.Health.DiskWarnPercent; p <= 0 || p > 100 {
			result.AddError("health.disk_warn_percent", "must be between 0 and 100")
		}
	}
	if cfg.Metrics.Enabled && !cfg.API.Enabled {
		result.AddWarning("metrics.enabled", "metrics are only exposed through the API, which is disabled")
	}

	return result
}

func validateAgent(a *AgentConfig, result *ValidationResult) {
	if a.EntityID == 0 {
		result.AddError("agent.entity_id", "entity id is required")
	}
	if strings.TrimSpace(a.AuthToken) == "" {
		result.AddWarning("agent.auth_token", "no auth token, logging in as guest")
	}

	if a.ServerURL != "" {
		validateURL(a.ServerURL, "agent.server_url", []string{"ws", "wss", "http", "https"}, true, result)
	} else if a.ServerConfigURL != "" {
		validateURL(a.ServerConfigURL, "agent.server_config_url", []string{"http", "https"}, false, result)
	}

	if a.MaxPayload < 1024 {
		result.AddError("agent.max_payload_bytes", "max payload must be at least 1024 bytes")
	}
	if a.TickIntervalMS < 10 {
		result.AddError("agent.tick_interval_ms", "tick interval must be at least 10ms")
	}
	if a.TickIntervalMS > 5000 {
		result.AddWarning("agent.tick_interval_ms",
			fmt.Sprintf("tick interval of %dms delays reconnects and pings", a.TickIntervalMS))
	}
	if a.ReconnectTicks < 1 {
		result.AddError("agent.reconnect_ticks", "reconnect ticks must be at least 1")
	}
	if a.PingEveryTicks < 1 {
		result.AddError("agent.ping_every_ticks", "ping every ticks must be at least 1")
	}
	if a.PingIntervalSec < 1 {
		result.AddError("agent.ping_interval_sec", "ping interval must be at least 1 second")
	}
	if a.QueryTTLSec < 1 {
		result.AddWarning("agent.query_ttl_sec", "queries never expire")
	}
}

// validateURL accepts a bare host when bareHost is set.
func validateURL(raw, field string, schemes []string, bareHost bool, result *ValidationResult) {
	if bareHost && !strings.Contains(raw, "://") {
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid url: %v", err))
		return
	}
	if !slices.Contains(schemes, u.Scheme) {
		result.AddError(field, fmt.Sprintf("unsupported scheme %q", u.Scheme))
		return
	}
	if u.Host == "" {
		result.AddError(field, "url has no host")
	}
}

func validateBroadcast(b *BroadcastConfig, result *ValidationResult) {
	if len(b.Profiles) == 0 {
		result.AddWarning("broadcast.profiles", "no profiles, the stream cannot be started")
	} else if !slices.Contains(b.Profiles, b.CurrentProfile) {
		result.AddWarning("broadcast.current_profile",
			fmt.Sprintf("profile %q is not in the profile list", b.CurrentProfile))
	}

	switch b.Transport {
	case "RTMP", "WebRTC", "Non-MFC", "Unknown", "":
	default:
		result.AddError("broadcast.transport",
			fmt.Sprintf("unknown transport %q (RTMP, WebRTC, Non-MFC or Unknown)", b.Transport))
	}
	if b.SettleDelayMS < 0 {
		result.AddError("broadcast.settle_delay_ms", "settle delay cannot be negative")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)

	if strings.TrimSpace(a.APIKey) == "" {
		result.AddWarning("api.api_key", "no API key, control routes are open to anyone who can reach the port")
	}
	if a.TLSEnabled {
		if strings.TrimSpace(a.TLSCertFile) == "" {
			result.AddError("api.tls_cert_file", "TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(a.TLSKeyFile) == "" {
			result.AddError("api.tls_key_file", "TLS key file is required when TLS is enabled")
		}
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if m.UseTLS && (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// ParseClock parses an "HH:MM" time of day. An empty string is 04:00.
func ParseClock(s string) (hour, minute int, err error) {
	if strings.TrimSpace(s) == "" {
		return 4, 0, nil
	}
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
