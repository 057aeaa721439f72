package config

import (
	"fmt"
	"time"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = DefaultUserAgent
	}

	if c.DefaultDelayPerHost < 0 {
		warnings = append(warnings, "default_delay_per_host cannot be negative, disabling per-host delay")
		c.DefaultDelayPerHost = 0
	}

	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 16")
		c.MaxRequests = 16
	}

	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 4")
		c.MaxRequestsPerHost = 4
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './scra_state'")
		c.StateDir = "./scra_state"
	}

	if c.OutputBaseDir == "" {
		warnings = append(warnings, "output_base_dir is empty, defaulting to './scra_output'")
		c.OutputBaseDir = "./scra_output"
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.IdleTick <= 0 {
		c.IdleTick = 1 * time.Second
	}
	if c.IdleTick > c.IdleTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"idle_tick (%v) > idle_timeout (%v), using idle_timeout for tick", c.IdleTick, c.IdleTimeout))
		c.IdleTick = c.IdleTimeout
	}

	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}

	if c.HookTimeout <= 0 {
		c.HookTimeout = 30 * time.Second
	}

	if c.MaxDepth < 0 {
		warnings = append(warnings, "max_depth cannot be negative, setting to 0 (unlimited)")
		c.MaxDepth = 0
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 50 * 1024 * 1024
	}

	c.validateHTTPClientSettings()

	if len(c.Workflows) == 0 {
		warnings = append(warnings, "no workflows configured; only standalone workflow files can be run")
	}

	return warnings, nil // AppConfig validation never fails fatally
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 120 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 20
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
