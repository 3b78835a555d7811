// Package config содержит логику чтения конфигурации кампусного реестра.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/campus-ledger/internal/model"
	"github.com/mmeshcher/campus-ledger/internal/registry"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultAuthSecret    = "campus-ledger-secret"
	defaultRelayInterval = time.Second
)

var (
	ErrAdminRequired   = errors.New("admin account is required")
	ErrInvalidAdmin    = errors.New("invalid admin account")
	ErrInvalidValidity = errors.New("validity period must be positive")
	ErrInvalidInterval = errors.New("relay interval must be positive")
)

// Config содержит параметры конфигурации кампусного реестра.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	ObserverAddress string        `env:"OBSERVER_ADDRESS"`
	AdminAccount    string        `env:"ADMIN_ACCOUNT"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	ValidityPeriod  time.Duration `env:"VALIDITY_PERIOD"`
	RelayInterval   time.Duration `env:"RELAY_INTERVAL"`

	// TokenFor задаёт счёт, для которого нужно выпустить токен и завершить работу.
	TokenFor string

	// Admin заполняется из AdminAccount после разбора.
	Admin model.Account
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envConfig := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI for the event journal")
	flag.StringVar(&cfg.ObserverAddress, "o", "", "observer address for event delivery")
	flag.StringVar(&cfg.AdminAccount, "admin", "", "admin account (20-byte hex)")
	flag.StringVar(&cfg.AuthSecret, "s", defaultAuthSecret, "secret for signing auth tokens")
	flag.DurationVar(&cfg.ValidityPeriod, "validity", registry.DefaultValidity, "credential validity period")
	flag.DurationVar(&cfg.RelayInterval, "relay", defaultRelayInterval, "event relay interval")
	flag.StringVar(&cfg.TokenFor, "token", "", "print an auth token for the account and exit")

	flag.Parse()

	if envConfig.RunAddress != "" {
		cfg.RunAddress = envConfig.RunAddress
	}
	if envConfig.DatabaseURI != "" {
		cfg.DatabaseURI = envConfig.DatabaseURI
	}
	if envConfig.ObserverAddress != "" {
		cfg.ObserverAddress = envConfig.ObserverAddress
	}
	if envConfig.AdminAccount != "" {
		cfg.AdminAccount = envConfig.AdminAccount
	}
	if envConfig.AuthSecret != "" {
		cfg.AuthSecret = envConfig.AuthSecret
	}
	if envConfig.ValidityPeriod != 0 {
		cfg.ValidityPeriod = envConfig.ValidityPeriod
	}
	if envConfig.RelayInterval != 0 {
		cfg.RelayInterval = envConfig.RelayInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ValidityPeriod <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidValidity, c.ValidityPeriod)
	}
	if c.RelayInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, c.RelayInterval)
	}

	if c.AdminAccount == "" {
		// Для выпуска токена администратор не нужен.
		if c.TokenFor != "" {
			return nil
		}
		return ErrAdminRequired
	}

	admin, err := model.ParseAccount(c.AdminAccount)
	if err != nil || admin.IsZero() {
		return fmt.Errorf("%w: %q", ErrInvalidAdmin, c.AdminAccount)
	}
	c.Admin = admin

	return nil
}
