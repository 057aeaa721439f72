package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

// DefaultUserAgent is sent when neither the request nor the config sets one
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent        string                 `yaml:"default_user_agent"`
	DefaultDelayPerHost     time.Duration          `yaml:"default_delay_per_host"`
	MaxRequests             int                    `yaml:"max_requests"`
	MaxRequestsPerHost      int                    `yaml:"max_requests_per_host"`
	SemaphoreAcquireTimeout time.Duration          `yaml:"semaphore_acquire_timeout,omitempty"`
	StateDir                string                 `yaml:"state_dir"`
	OutputBaseDir           string                 `yaml:"output_base_dir"`
	PersistRecords          bool                   `yaml:"persist_records,omitempty"`
	RespectRobots           bool                   `yaml:"respect_robots,omitempty"`
	IdleTimeout             time.Duration          `yaml:"idle_timeout,omitempty"` // all queues empty this long ends a run
	IdleTick                time.Duration          `yaml:"idle_tick,omitempty"`
	PollTimeout             time.Duration          `yaml:"poll_timeout,omitempty"` // bounded wait on queue gets
	HookTimeout             time.Duration          `yaml:"hook_timeout,omitempty"`
	MaxDepth                int                    `yaml:"max_depth,omitempty"` // 0 = unlimited
	MaxBodyBytes            int64                  `yaml:"max_body_bytes,omitempty"`
	HTTPClientSettings      HTTPClientConfig       `yaml:"http_client_settings,omitempty"`
	Workflows               map[string]RawWorkflow `yaml:"workflows"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil = default (true)
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// Load reads and parses an application config file. Defaults are not applied; call Validate.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// WorkflowKeys returns configured workflow keys in sorted order
func (c *AppConfig) WorkflowKeys() []string {
	keys := make([]string, 0, len(c.Workflows))
	for k := range c.Workflows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Workflow normalizes the workflow stored under key
func (c *AppConfig) Workflow(key string) (*models.Workflow, []string, error) {
	raw, ok := c.Workflows[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: workflow '%s' not found (available: %v)", utils.ErrConfigValidation, key, c.WorkflowKeys())
	}
	return Normalize(raw, key)
}

// EffectiveUserAgent returns the configured user agent or the built-in default
func (c *AppConfig) EffectiveUserAgent() string {
	if c.DefaultUserAgent != "" {
		return c.DefaultUserAgent
	}
	return DefaultUserAgent
}
