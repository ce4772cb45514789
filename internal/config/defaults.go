package config

import "time"

const (
	defaultUsageTimeout = 3 * time.Second
	defaultLockName     = "usage_cleanup_lock"
	defaultPrefix       = "pulse"
)

// ApplyDefaults fills zero values. Derived values (cleanup interval, lock TTL)
// follow the usage timeout unless set explicitly.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	co := &c.Coordination
	if co.Manager == "" {
		co.Manager = ManagerLocal
	}
	if co.Prefix == "" {
		co.Prefix = defaultPrefix
	}
	if co.ConnectTimeout <= 0 {
		co.ConnectTimeout = 5 * time.Second
	}

	rt := &c.Realtime
	if rt.WebSocket == nil {
		enabled := true
		rt.WebSocket = &enabled
	}
	if rt.UsageTimeout == 0 {
		rt.UsageTimeout = defaultUsageTimeout
	}
	if rt.CleanupInterval == 0 {
		rt.CleanupInterval = rt.UsageTimeout
	}
	if rt.LockTTL == 0 {
		rt.LockTTL = 2 * rt.UsageTimeout
	}
	if rt.LockName == "" {
		rt.LockName = defaultLockName
	}
	if rt.MaxBackoff == 0 {
		rt.MaxBackoff = 30 * time.Second
	}
	if rt.PingInterval == 0 {
		rt.PingInterval = 25 * time.Second
	}
	if rt.RebroadcastSchedule == "" {
		rt.RebroadcastSchedule = "@every 30s"
	}
}
