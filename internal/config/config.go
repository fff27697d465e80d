// Package config loads the runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvIdentity             = "P2PCALL_IDENTITY"
	EnvSignalingURL         = "P2PCALL_SIGNALING_URL"
	EnvToken                = "P2PCALL_TOKEN"
	EnvTokenFile            = "P2PCALL_TOKEN_FILE"
	EnvICEConfig            = "P2PCALL_ICE_CONFIG"
	EnvReconnectAttempts    = "P2PCALL_RECONNECT_ATTEMPTS"
	EnvReconnectInitial     = "P2PCALL_RECONNECT_INITIAL"
	EnvReconnectMax         = "P2PCALL_RECONNECT_MAX"
	EnvMaxPendingCandidates = "P2PCALL_MAX_PENDING_CANDIDATES"
	EnvNegotiationTimeout   = "P2PCALL_NEGOTIATION_TIMEOUT"
	EnvDebug                = "P2PCALL_DEBUG"
)

// Config stores every parameter the client needs. Nothing in the call logic
// hard-codes endpoints or ICE servers; they all come from here.
type Config struct {
	Identity      string
	SignalingURL  string
	TokenSource   TokenSource
	ICEConfigPath string // optional YAML file, watched for credential refresh
	ICEServers    []ICEServer
	Reconnect     Reconnect
	Call          Call
	Debug         bool
}

// Reconnect bounds the signaling connect/reconnect backoff.
type Reconnect struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Call holds per-session limits.
type Call struct {
	MaxPendingCandidates int
	NegotiationTimeout   time.Duration // 0 disables
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL: "ws://127.0.0.1:4545/ws",
		TokenSource:  StaticToken(""),
		ICEServers:   DefaultICEServers(),
		Reconnect: Reconnect{
			MaxAttempts:     5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		},
		Call: Call{
			MaxPendingCandidates: 64,
			NegotiationTimeout:   45 * time.Second,
		},
	}
}

// Load builds a Config from defaults overridden by environment variables.
func Load() (*Config, error) {
	return loadFrom(os.LookupEnv)
}

func loadFrom(lookup func(string) (string, bool)) (*Config, error) {
	cfg := NewDefaultConfig()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(EnvIdentity, &cfg.Identity)
	str(EnvSignalingURL, &cfg.SignalingURL)
	str(EnvICEConfig, &cfg.ICEConfigPath)
	num(EnvReconnectAttempts, &cfg.Reconnect.MaxAttempts)
	dur(EnvReconnectInitial, &cfg.Reconnect.InitialInterval)
	dur(EnvReconnectMax, &cfg.Reconnect.MaxInterval)
	num(EnvMaxPendingCandidates, &cfg.Call.MaxPendingCandidates)
	dur(EnvNegotiationTimeout, &cfg.Call.NegotiationTimeout)

	if v, ok := lookup(EnvDebug); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvDebug, err))
		}
		cfg.Debug = b
	}

	// A token file wins over an inline token so secrets can stay off the env.
	if path, ok := lookup(EnvTokenFile); ok && path != "" {
		cfg.TokenSource = FileToken(path)
	} else if tok, ok := lookup(EnvToken); ok {
		cfg.TokenSource = StaticToken(tok)
	}

	if cfg.ICEConfigPath != "" {
		servers, err := LoadICEServers(cfg.ICEConfigPath)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.ICEServers = servers
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the signaling client cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Identity == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvIdentity))
	}
	if !strings.HasPrefix(c.SignalingURL, "ws://") && !strings.HasPrefix(c.SignalingURL, "wss://") {
		errs = append(errs, fmt.Errorf("signaling URL must be ws:// or wss://, got %q", c.SignalingURL))
	}
	if c.Reconnect.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("reconnect attempts must be >= 1, got %d", c.Reconnect.MaxAttempts))
	}
	if c.Call.MaxPendingCandidates < 1 {
		errs = append(errs, fmt.Errorf("max pending candidates must be >= 1, got %d", c.Call.MaxPendingCandidates))
	}
	if c.Call.NegotiationTimeout < 0 {
		errs = append(errs, errors.New("negotiation timeout must not be negative"))
	}
	return errors.Join(errs...)
}
