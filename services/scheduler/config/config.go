package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel        string
	KafkaBrokers    string
	RedisAddr       string
	PostgresDSN     string
	CheckInterval   time.Duration
	JanitorInterval time.Duration
	Retention       time.Duration
	MetricsAddr     string
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		CheckInterval:   v.GetDuration("check_interval"),
		JanitorInterval: v.GetDuration("janitor_interval"),
		Retention:       v.GetDuration("retention"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}
