package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a JSON file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", "127.0.0.1:7328")
	v.SetDefault("server.connectionLimit.maxPerIP", 0)
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.rateLimit.messagesPerSecond", 100)
	v.SetDefault("transport.rateLimit.burst", 200)
	v.SetDefault("transport.rateLimit.enabled", true)
	v.SetDefault("whitelist", map[string]any{"127.0.0.1": true})
	v.SetDefault("tokens", map[string]any{})
	v.SetDefault("origins", []string{})
	v.SetDefault("control.notifyBase", "drcd")

	v.SetConfigName(fileName)
	v.SetConfigType("json")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DRC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("Config file not found. Relying on defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
