// Package config содержит логику чтения конфигурации сервиса визиток.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса визиток.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	RedirectBaseURL string        `env:"REDIRECT_BASE_URL"`
	LookupAddress   string        `env:"LOOKUP_ADDRESS"`
	StatsSecret     string        `env:"STATS_SECRET"`
	SessionTimeout  time.Duration `env:"SESSION_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedirectBaseURL := cfg.RedirectBaseURL
	envLookupAddress := cfg.LookupAddress
	envStatsSecret := cfg.StatsSecret
	envSessionTimeout := cfg.SessionTimeout

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedirectBaseURL, "b", "http://localhost:8080", "base URL for QR redirect links")
	flag.StringVar(&cfg.LookupAddress, "l", "https://card.wb.ru", "product lookup service address")
	flag.StringVar(&cfg.StatsSecret, "s", "", "secret key for stats API signatures")
	flag.DurationVar(&cfg.SessionTimeout, "t", 30*time.Minute, "conversation inactivity timeout")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedirectBaseURL != "" {
		cfg.RedirectBaseURL = envRedirectBaseURL
	}
	if envLookupAddress != "" {
		cfg.LookupAddress = envLookupAddress
	}
	if envStatsSecret != "" {
		cfg.StatsSecret = envStatsSecret
	}
	if envSessionTimeout != 0 {
		cfg.SessionTimeout = envSessionTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
