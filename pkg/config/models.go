package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	// Whitelist maps authority IP addresses to either the boolean true
	// (all protocols) or a list of protocol tags.
	Whitelist map[string]any `mapstructure:"whitelist"`
	// Tokens maps static authority secrets to the same scope shape.
	Tokens map[string]any `mapstructure:"tokens"`
	// Origins lists the allowed WebSocket origins; empty admits any.
	Origins []string `mapstructure:"origins"`
	Control ControlConfig
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	// MaxPerIP caps concurrent connections per client IP; 0 disables the cap.
	MaxPerIP int `mapstructure:"maxPerIP"`
}

type TransportConfig struct {
	ReadTimeout time.Duration   `mapstructure:"readTimeout"`
	RateLimit   RateLimitConfig `mapstructure:"rateLimit"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messagesPerSecond"`
	Burst             int     `mapstructure:"burst"`
	Enabled           bool    `mapstructure:"enabled"`
}

type ControlConfig struct {
	// NotifyBase is the path prefix for the service-manager notify files
	// (<base>.notify.stop and <base>.notify.reload).
	NotifyBase string `mapstructure:"notifyBase"`
}
