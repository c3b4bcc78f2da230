package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the API service.
type Config struct {
	LogLevel      string
	HTTPPort      string
	MetricsAddr   string
	KafkaBrokers  string
	RedisAddr     string
	PostgresDSN   string
	RateLimit     int
	RateWindow    time.Duration
	ExternalTypes string // comma-separated work types completed via the API
	OTelEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		HTTPPort:      v.GetString("http_port"),
		MetricsAddr:   v.GetString("metrics_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		RateLimit:     v.GetInt("rate_limit"),
		RateWindow:    v.GetDuration("rate_window"),
		ExternalTypes: v.GetString("external_types"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}
