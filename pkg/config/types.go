package config

import "time"

// Settings is the immutable per-attempt session configuration assembled
// from CLI flags, the optional config file and the token file.
type Settings struct {
	LocalHost string `validate:"required"`
	LocalPort int    `validate:"required,min=1,max=65535"`
	RelayAddr string `validate:"required,hostname_port"`
	Protocol  string `validate:"required,oneof=http tcp"`

	Domain     string
	RemotePort int `validate:"min=0,max=65535"`
	Token      string

	Timeout             time.Duration
	HealthCheck         bool
	HealthCheckInterval time.Duration
	Encrypted           bool

	HealthURL   string
	MetricsAddr string
	Debug       bool
}

// Config mirrors the optional ini config file.
type Config struct {
	Relay   RelayConfig   `ini:"relay"`
	Local   LocalConfig   `ini:"local"`
	Logging LoggingConfig `ini:"logging"`
}

type RelayConfig struct {
	Address   string `ini:"address"`
	HealthURL string `ini:"health_url"`
}

type LocalConfig struct {
	Host string `ini:"host"`
}

type LoggingConfig struct {
	Debug bool `ini:"debug"`
}
