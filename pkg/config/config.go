package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	validator "gopkg.in/go-playground/validator.v9"
	"gopkg.in/ini.v1"
)

const (
	DefaultLocalHost = "localhost"
	DefaultRelayAddr = "relais.dev:7000"

	DefaultEstablishTimeout = 30 * time.Second
	MinEstablishTimeout     = 1 * time.Second
	MaxEstablishTimeout     = 300 * time.Second

	DefaultHealthCheckInterval = 30 * time.Second
	MinHealthCheckInterval     = 1 * time.Second
)

// Default returns the settings before flags and config file are applied.
func Default() Settings {
	return Settings{
		LocalHost:           DefaultLocalHost,
		RelayAddr:           DefaultRelayAddr,
		Protocol:            "http",
		Timeout:             DefaultEstablishTimeout,
		HealthCheck:         true,
		HealthCheckInterval: DefaultHealthCheckInterval,
		Encrypted:           true,
	}
}

// Files returns the config file candidates in lookup order.
func Files(name string) []string {
	return []string{
		fmt.Sprintf("/etc/%s/%s.conf", name, name),
		filepath.Join(os.Getenv("HOME"), fmt.Sprintf(".%s.conf", name)),
	}
}

// LoadFile merges the first readable config file into settings. A missing
// file is not an error; the agent runs fine on flags alone.
func LoadFile(configFiles []string, settings *Settings) {
	var validConfigFile string
	for _, configFile := range configFiles {
		fileInfo, statErr := os.Stat(configFile)
		if statErr != nil {
			continue
		}
		if fileInfo.Size() == 0 {
			log.Debug().Msgf("Config file %s is empty, skipping...", configFile)
			continue
		}
		validConfigFile = configFile
		break
	}
	if validConfigFile == "" {
		return
	}

	log.Debug().Msgf("Using config file %s.", validConfigFile)

	iniData, err := ini.Load(validConfigFile)
	if err != nil {
		log.Error().Err(err).Msgf("Failed to load config file %s.", validConfigFile)
		return
	}

	var config Config
	if err := iniData.MapTo(&config); err != nil {
		log.Error().Err(err).Msgf("Failed to parse config file %s.", validConfigFile)
		return
	}

	if config.Relay.Address != "" {
		settings.RelayAddr = config.Relay.Address
	}
	if config.Relay.HealthURL != "" {
		settings.HealthURL = config.Relay.HealthURL
	}
	if config.Local.Host != "" {
		settings.LocalHost = config.Local.Host
	}
	if config.Logging.Debug {
		settings.Debug = true
	}
}

// Validate checks the assembled settings and clamps the tunable ranges.
// Out-of-range values that have a safe default are warned about and
// replaced; structural problems are returned as an error.
func Validate(settings *Settings) error {
	if settings.Timeout < MinEstablishTimeout || settings.Timeout > MaxEstablishTimeout {
		log.Warn().Msgf("Establishment timeout %s out of range [%s, %s], using default %s.",
			settings.Timeout, MinEstablishTimeout, MaxEstablishTimeout, DefaultEstablishTimeout)
		settings.Timeout = DefaultEstablishTimeout
	}

	if settings.HealthCheckInterval < MinHealthCheckInterval {
		log.Warn().Msgf("Health-check interval %s too small, using %s.",
			settings.HealthCheckInterval, MinHealthCheckInterval)
		settings.HealthCheckInterval = MinHealthCheckInterval
	}

	validate := validator.New()
	// hostname_port (used by Settings.RelayAddr) is not a built-in tag of validator.v9.
	_ = validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || host == "" {
			return false
		}
		n, err := strconv.Atoi(port)
		return err == nil && n >= 1 && n <= 65535
	})

	if err := validate.Struct(settings); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LocalAddr returns the host:port of the exposed local service.
func (s *Settings) LocalAddr() string {
	return fmt.Sprintf("%s:%d", s.LocalHost, s.LocalPort)
}
