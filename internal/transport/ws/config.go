package ws

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines the connection manager's reliability settings.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	HandshakeTimeout     time.Duration
	InvokeTimeout        time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	PongWait             time.Duration
	MaxConnectAttempts   int
	MaxReconnectAttempts int
	Backoff              BackoffConfig
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		InvokeTimeout:        10 * time.Second,
		WriteTimeout:         10 * time.Second,
		PingInterval:         15 * time.Second,
		PongWait:             45 * time.Second,
		MaxConnectAttempts:   3,
		MaxReconnectAttempts: 10,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations and budgets from DefaultConfig. Negative
// attempt budgets mean unlimited.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = def.InvokeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 3 * c.PingInterval
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
