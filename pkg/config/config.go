// Package config aggregates the tunables for every subsystem in this
// module: the execution queue, the async executor, the messaging client,
// and the HTTP bridge. It follows the same default-then-overlay pattern
// used throughout the rest of the codebase: a Default*Config() per
// subsystem, an optional JSON file overlay, and environment variable
// overrides applied last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates the configuration for every component wired together
// by cmd/asyncbridged.
type Config struct {
	EQ        EQConfig        `json:"eq"`
	Async     AsyncConfig     `json:"async"`
	Messaging MessagingConfig `json:"messaging"`
	Bridge    BridgeConfig    `json:"bridge"`
	Logging   LoggingConfig   `json:"logging"`
}

// EQConfig configures a pkg/eq.Queue.
type EQConfig struct {
	MaxExecuting int `json:"max_executing"`
	// WorkerPoolSize is the number of goroutines backing the queue's
	// thread pool. Zero means one worker per MaxExecuting slot.
	WorkerPoolSize int `json:"worker_pool_size"`
}

// DefaultEQConfig returns the defaults for a freestanding queue.
func DefaultEQConfig() EQConfig {
	return EQConfig{
		MaxExecuting:   4,
		WorkerPoolSize: 4,
	}
}

// AsyncConfig configures a pkg/async.Executor.
type AsyncConfig struct {
	Threads int `json:"threads"`
	// MaxTasksMultiplier bounds outstanding buffered operations at
	// MaxTasksMultiplier * Threads.
	MaxTasksMultiplier int `json:"max_tasks_multiplier"`
}

const defaultMaxTasksMultiplier = 8

// DefaultAsyncConfig returns the defaults for the async executor.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Threads:            4,
		MaxTasksMultiplier: defaultMaxTasksMultiplier,
	}
}

// MaxConcurrentTasks returns Threads * MaxTasksMultiplier.
func (c AsyncConfig) MaxConcurrentTasks() int {
	return c.Threads * c.MaxTasksMultiplier
}

// MessagingConfig configures a pkg/messaging.Client.
type MessagingConfig struct {
	// Endpoint is the broker address in multiaddr form, e.g.
	// "/dns4/broker.internal/tcp/4443".
	Endpoint string `json:"endpoint"`
	// ReconnectInterval is the reconcile-timer period for both sides.
	ReconnectInterval time.Duration `json:"reconnect_interval"`
	NoCopy            bool          `json:"no_copy"`
	InsecureSkipTLS   bool          `json:"insecure_skip_tls_verify"`
	// MaxTargetPeerRetries bounds TargetPeerNotFound retries at the
	// bridge's send task boundary.
	MaxTargetPeerRetries int           `json:"max_target_peer_retries"`
	TargetPeerRetryDelay time.Duration `json:"target_peer_retry_delay"`
}

// DefaultMessagingConfig returns the defaults from spec §6/§9.
func DefaultMessagingConfig() MessagingConfig {
	return MessagingConfig{
		Endpoint:             "/dns4/localhost/tcp/4443",
		ReconnectInterval:     5 * time.Second,
		NoCopy:                false,
		InsecureSkipTLS:       false,
		MaxTargetPeerRetries:  2000,
		TargetPeerRetryDelay:  200 * time.Millisecond,
	}
}

// BridgeConfig configures a pkg/bridge.Bridge.
type BridgeConfig struct {
	ListenAddr                  string        `json:"listen_addr"`
	TLSEnabled                  bool          `json:"tls_enabled"`
	TLSCertFile                 string        `json:"tls_cert_file"`
	TLSKeyFile                  string        `json:"tls_key_file"`
	TLSAutoGen                  bool          `json:"tls_auto_gen"`
	TokenCookieNames            []string      `json:"token_cookie_names"`
	TokenTypeDefault             string        `json:"token_type_default"`
	TokenDataDefault             string        `json:"token_data_default"`
	RequestTimeout               time.Duration `json:"request_timeout"`
	PruneInterval                time.Duration `json:"prune_interval"`
	CancelDrainInterval          time.Duration `json:"cancel_drain_interval"`
	ServerAuthenticationRequired bool          `json:"server_authentication_required"`
	ExpectedSecurityID           string        `json:"expected_security_id"`
	LogUnauthorizedMessages      bool          `json:"log_unauthorized_messages"`
	TargetPeerID                 string        `json:"target_peer_id"`
}

// DefaultBridgeConfig returns the defaults from spec §6.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		ListenAddr:                   "localhost:8543",
		TLSEnabled:                   true,
		TLSAutoGen:                   true,
		TokenCookieNames:             []string{"AUTH"},
		TokenTypeDefault:             "",
		TokenDataDefault:             "",
		RequestTimeout:               120 * time.Second,
		PruneInterval:                5 * time.Second,
		CancelDrainInterval:          200 * time.Millisecond,
		ServerAuthenticationRequired: false,
		LogUnauthorizedMessages:      true,
	}
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	File       string `json:"file"`
	ShowCaller bool   `json:"show_caller"`
}

// DefaultLoggingConfig returns sane console defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "console",
	}
}

// DefaultConfig returns a Config with every subsystem's defaults.
func DefaultConfig() *Config {
	return &Config{
		EQ:        DefaultEQConfig(),
		Async:     DefaultAsyncConfig(),
		Messaging: DefaultMessagingConfig(),
		Bridge:    DefaultBridgeConfig(),
		Logging:   DefaultLoggingConfig(),
	}
}

// Load reads configuration from path if non-empty, applies environment
// overrides, and validates the result. A missing file is not an error —
// callers fall back to defaults, matching the teacher's LoadConfig
// pattern of tolerating an absent config file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("ASYNCBRIDGE_EQ_MAX_EXECUTING"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.EQ.MaxExecuting = n
		}
	}
	if val := os.Getenv("ASYNCBRIDGE_ASYNC_THREADS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Async.Threads = n
		}
	}
	if val := os.Getenv("ASYNCBRIDGE_MESSAGING_ENDPOINT"); val != "" {
		c.Messaging.Endpoint = val
	}
	if val := os.Getenv("ASYNCBRIDGE_MESSAGING_RECONNECT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Messaging.ReconnectInterval = d
		}
	}
	if val := os.Getenv("ASYNCBRIDGE_MESSAGING_NO_COPY"); val != "" {
		c.Messaging.NoCopy = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ASYNCBRIDGE_BRIDGE_LISTEN_ADDR"); val != "" {
		c.Bridge.ListenAddr = val
	}
	if val := os.Getenv("ASYNCBRIDGE_BRIDGE_TLS_ENABLED"); val != "" {
		c.Bridge.TLSEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ASYNCBRIDGE_BRIDGE_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Bridge.RequestTimeout = d
		}
	}
	if val := os.Getenv("ASYNCBRIDGE_BRIDGE_SERVER_AUTH_REQUIRED"); val != "" {
		c.Bridge.ServerAuthenticationRequired = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ASYNCBRIDGE_BRIDGE_EXPECTED_SECURITY_ID"); val != "" {
		c.Bridge.ExpectedSecurityID = val
	}
	if val := os.Getenv("ASYNCBRIDGE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("ASYNCBRIDGE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
}

// Validate checks field-level invariants.
func (c *Config) Validate() error {
	if c.EQ.MaxExecuting <= 0 {
		return fmt.Errorf("eq.max_executing must be positive")
	}
	if c.Async.Threads <= 0 {
		return fmt.Errorf("async.threads must be positive")
	}
	if c.Async.MaxTasksMultiplier <= 0 {
		return fmt.Errorf("async.max_tasks_multiplier must be positive")
	}
	if c.Messaging.Endpoint == "" {
		return fmt.Errorf("messaging.endpoint cannot be empty")
	}
	if c.Messaging.ReconnectInterval <= 0 {
		return fmt.Errorf("messaging.reconnect_interval must be positive")
	}
	if c.Bridge.RequestTimeout <= 0 {
		return fmt.Errorf("bridge.request_timeout must be positive")
	}
	if c.Bridge.TLSEnabled && !c.Bridge.TLSAutoGen {
		if c.Bridge.TLSCertFile == "" || c.Bridge.TLSKeyFile == "" {
			return fmt.Errorf("bridge tls cert and key files required when tls enabled and auto-generation disabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
