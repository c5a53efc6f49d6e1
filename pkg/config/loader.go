// Package config provides simple configuration loading
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads a StreamConfig from a YAML file, layering STREAMBRIDGE_
// environment variables on top of file values. Environment-variable
// credential fallbacks and defaults are applied before validation.
func Load(filePath string) (*StreamConfig, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetEnvPrefix("STREAMBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &StreamConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnvFallbacks()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("consumer.group_id", "streambridge")
	v.SetDefault("consumer.session_timeout", 30*time.Second)
	v.SetDefault("consumer.max_bytes_per_partition", 1<<20)
	v.SetDefault("consumer.auto_commit", true)
	v.SetDefault("consumer.auto_commit_interval", 5*time.Second)
	v.SetDefault("consumer.max_in_flight", 1000)
	v.SetDefault("consumer.poll_interval", time.Second)

	v.SetDefault("producer.acks", "all")
	v.SetDefault("producer.timeout", 30*time.Second)
	v.SetDefault("producer.compression", "none")
	v.SetDefault("producer.max_in_flight", 5)
	v.SetDefault("producer.batch_max_messages", 100)
	v.SetDefault("producer.batch_max_delay", 10*time.Millisecond)

	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", time.Second)
}
