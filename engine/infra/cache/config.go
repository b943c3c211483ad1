package cache

import (
	"crypto/tls"
	"time"
)

// Config holds Redis connection settings for the dispatch queue, the
// result notification bus and the log stream.
type Config struct {
	URL      string `json:"url"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	PoolSize     int           `json:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PingTimeout  time.Duration `json:"ping_timeout"`

	MaxRetries      int           `json:"max_retries"`
	MinRetryBackoff time.Duration `json:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `json:"max_retry_backoff"`

	TLSEnabled bool        `json:"tls_enabled"`
	TLSConfig  *tls.Config `json:"-"`

	// NotificationBufferSize bounds the per-subscription delivery
	// channel; a full buffer drops the message rather than blocking
	// the receiver loop.
	NotificationBufferSize int `json:"notification_buffer_size"`
}

// DefaultConfig returns connection settings suitable for a local
// Redis instance.
func DefaultConfig() *Config {
	return &Config{
		Host:                   "localhost",
		Port:                   "6379",
		DB:                     0,
		PoolSize:               10,
		DialTimeout:            5 * time.Second,
		ReadTimeout:            3 * time.Second,
		WriteTimeout:           3 * time.Second,
		PingTimeout:            5 * time.Second,
		MaxRetries:             3,
		NotificationBufferSize: 16,
	}
}
