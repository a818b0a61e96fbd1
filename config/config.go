package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

/* Config é um pacote auxiliar. Poderia ser uma lib externa*/

type Config struct {
	Port                 string `mapstructure:"PORT"`
	RedisAddr            string `mapstructure:"REDIS_ADDR"`
	RedisPassword        string `mapstructure:"REDIS_PASSWORD"`
	RedisDB              int    `mapstructure:"REDIS_DB"`
	WebhooksFile         string `mapstructure:"WEBHOOKS_FILE"`
	DeliveryTimeoutSecs  int    `mapstructure:"DELIVERY_TIMEOUT_SECONDS"`
	MaxResponseBodyBytes int64  `mapstructure:"MAX_RESPONSE_BODY_BYTES"`
	WorkerCount          int    `mapstructure:"WORKER_COUNT"`
	PollIntervalSecs     int    `mapstructure:"POLL_INTERVAL_SECONDS"`
	DefaultMaxAttempts   int    `mapstructure:"DEFAULT_MAX_ATTEMPTS"`
	BackoffBaseSecs      int    `mapstructure:"BACKOFF_BASE_SECONDS"`
	BackoffCapSecs       int    `mapstructure:"BACKOFF_CAP_SECONDS"`
}

func GetConfig() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("DELIVERY_TIMEOUT_SECONDS", 10)
	viper.SetDefault("MAX_RESPONSE_BODY_BYTES", 64*1024)
	viper.SetDefault("WORKER_COUNT", 8)
	viper.SetDefault("POLL_INTERVAL_SECONDS", 5)
	viper.SetDefault("DEFAULT_MAX_ATTEMPTS", 5)
	viper.SetDefault("BACKOFF_BASE_SECONDS", 60)
	viper.SetDefault("BACKOFF_CAP_SECONDS", 3600)

	err := viper.ReadInConfig()
	if err != nil {
		// A missing .env file is fine: env vars and defaults still apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	var config Config
	err = viper.Unmarshal(&config)
	if err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}
	return &config, nil
}

// DeliveryTimeout returns the per-attempt HTTP timeout
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSecs) * time.Second
}

// PollInterval returns how often the scheduler scans for due attempts
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// BackoffBase returns the base delay of the retry backoff policy
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSecs) * time.Second
}

// BackoffCap returns the ceiling of the retry backoff policy
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSecs) * time.Second
}
