package store

import (
	"fmt"
	"time"
)

// ServiceConfigNamespace is the namespace holding the service tunables.
const ServiceConfigNamespace = "ble_service_config"

const (
	keyMaxReconnectionAttempts = "max_reconnection_attempts"
	keyReconnectionDelayMs     = "reconnection_delay_ms"
	keyConnectionTimeoutMs     = "connection_timeout_ms"
	keyHealthCheckIntervalMs   = "health_check_interval_ms"
	keyAutoReconnectEnabled    = "auto_reconnect_enabled"
	keyPersistentNotification  = "persistent_notification"
)

// Defaults for ServiceConfiguration.
const (
	DefaultMaxReconnectionAttempts = 5
	DefaultReconnectionDelayMs     = 3000
	DefaultConnectionTimeoutMs     = 15000
	DefaultHealthCheckIntervalMs   = 30000
	DefaultAutoReconnectEnabled    = true
	DefaultPersistentNotification  = true
)

// ServiceConfiguration is a point-in-time copy of the tunables.
type ServiceConfiguration struct {
	MaxReconnectionAttempts       int
	ReconnectionDelayMs           int64
	ConnectionTimeoutMs           int64
	HealthCheckIntervalMs         int64
	AutoReconnectEnabled          bool
	PersistentNotificationEnabled bool
}

func (c ServiceConfiguration) ReconnectionDelay() time.Duration {
	return time.Duration(c.ReconnectionDelayMs) * time.Millisecond
}

func (c ServiceConfiguration) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

func (c ServiceConfiguration) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// ServiceConfig exposes the tunables through explicit getters and setters.
type ServiceConfig struct {
	ns Namespace
}

func NewServiceConfig(ns Namespace) *ServiceConfig {
	return &ServiceConfig{ns: ns}
}

func (c *ServiceConfig) MaxReconnectionAttempts() int {
	return int(c.ns.Int64(keyMaxReconnectionAttempts, DefaultMaxReconnectionAttempts))
}

func (c *ServiceConfig) SetMaxReconnectionAttempts(n int) error {
	return c.ns.Set(map[string]any{keyMaxReconnectionAttempts: n})
}

func (c *ServiceConfig) ReconnectionDelayMs() int64 {
	return c.ns.Int64(keyReconnectionDelayMs, DefaultReconnectionDelayMs)
}

func (c *ServiceConfig) SetReconnectionDelayMs(ms int64) error {
	return c.ns.Set(map[string]any{keyReconnectionDelayMs: ms})
}

func (c *ServiceConfig) ConnectionTimeoutMs() int64 {
	return c.ns.Int64(keyConnectionTimeoutMs, DefaultConnectionTimeoutMs)
}

func (c *ServiceConfig) SetConnectionTimeoutMs(ms int64) error {
	return c.ns.Set(map[string]any{keyConnectionTimeoutMs: ms})
}

func (c *ServiceConfig) HealthCheckIntervalMs() int64 {
	return c.ns.Int64(keyHealthCheckIntervalMs, DefaultHealthCheckIntervalMs)
}

func (c *ServiceConfig) SetHealthCheckIntervalMs(ms int64) error {
	return c.ns.Set(map[string]any{keyHealthCheckIntervalMs: ms})
}

func (c *ServiceConfig) AutoReconnectEnabled() bool {
	return c.ns.Bool(keyAutoReconnectEnabled, DefaultAutoReconnectEnabled)
}

func (c *ServiceConfig) SetAutoReconnectEnabled(enabled bool) error {
	return c.ns.Set(map[string]any{keyAutoReconnectEnabled: enabled})
}

func (c *ServiceConfig) PersistentNotificationEnabled() bool {
	return c.ns.Bool(keyPersistentNotification, DefaultPersistentNotification)
}

func (c *ServiceConfig) SetPersistentNotificationEnabled(enabled bool) error {
	return c.ns.Set(map[string]any{keyPersistentNotification: enabled})
}

// ReconnectionDelay is ReconnectionDelayMs as a duration.
func (c *ServiceConfig) ReconnectionDelay() time.Duration {
	return time.Duration(c.ReconnectionDelayMs()) * time.Millisecond
}

func (c *ServiceConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs()) * time.Millisecond
}

func (c *ServiceConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs()) * time.Millisecond
}

// ResetToDefaults drops every stored override.
func (c *ServiceConfig) ResetToDefaults() error {
	return c.ns.Clear()
}

// Snapshot returns the current values.
func (c *ServiceConfig) Snapshot() ServiceConfiguration {
	return ServiceConfiguration{
		MaxReconnectionAttempts:       c.MaxReconnectionAttempts(),
		ReconnectionDelayMs:           c.ReconnectionDelayMs(),
		ConnectionTimeoutMs:           c.ConnectionTimeoutMs(),
		HealthCheckIntervalMs:         c.HealthCheckIntervalMs(),
		AutoReconnectEnabled:          c.AutoReconnectEnabled(),
		PersistentNotificationEnabled: c.PersistentNotificationEnabled(),
	}
}

// Summary renders the configuration for diagnostics output.
func (c *ServiceConfig) Summary() string {
	s := c.Snapshot()
	return fmt.Sprintf("BLE Service Configuration:\n"+
		"Max Reconnection Attempts: %d\n"+
		"Reconnection Delay: %d ms\n"+
		"Connection Timeout: %d ms\n"+
		"Health Check Interval: %d ms\n"+
		"Auto Reconnect: %s\n"+
		"Persistent Notification: %s",
		s.MaxReconnectionAttempts,
		s.ReconnectionDelayMs,
		s.ConnectionTimeoutMs,
		s.HealthCheckIntervalMs,
		enabled(s.AutoReconnectEnabled),
		enabled(s.PersistentNotificationEnabled))
}

func enabled(b bool) string {
	if b {
		return "Enabled"
	}
	return "Disabled"
}
