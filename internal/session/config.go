// ABOUTME: Per-connection tuning: buffers, keepalive timing, frame limits and rate limits
// ABOUTME: Zero values fall back to the same defaults the config package applies

package session

import "time"

// Config tunes every session created by a Handler.
type Config struct {
	SendBuffer    int
	RatePerSecond float64
	RateBurst     int
	PongWait      time.Duration
	WriteWait     time.Duration
	MaxFrameSize  int64
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 64 << 10
	}
	return c
}

// pingInterval must be shorter than PongWait so a healthy peer always
// answers before its read deadline passes.
func (c Config) pingInterval() time.Duration {
	return c.PongWait * 9 / 10
}
