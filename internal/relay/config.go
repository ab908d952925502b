package relay

import (
	"time"

	"github.com/imisumi/webrtc-chat/internal/config"
)

type Config struct {
	// IdleTimeout closes connections that send nothing (not even a pong) for
	// this long.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond is both the sustained rate and the burst. Zero
	// disables limiting.
	MaxMessagesPerSecond int
	SendQueueLimit       int

	// AllowedOrigins holds normalized origins or "*". Empty allows any origin.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:          60 * time.Second,
		PingInterval:         20 * time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 50,
		SendQueueLimit:       256,
	}
}

// ConfigFrom maps the relay process configuration onto hub settings.
func ConfigFrom(cfg config.Relay) Config {
	return Config{
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendQueueLimit:       cfg.ClientSendQueueLimit,
		AllowedOrigins:       cfg.AllowedOrigins,
	}.WithDefaults()
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults. A zero MaxMessagesPerSecond is kept.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MaxMessagesPerSecond < 0 {
		c.MaxMessagesPerSecond = 0
	}
	if c.SendQueueLimit <= 0 {
		c.SendQueueLimit = d.SendQueueLimit
	}
	return c
}
