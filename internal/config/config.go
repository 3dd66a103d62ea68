// Package config содержит логику чтения конфигурации сервиса учёта тиффинов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса учёта тиффинов.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	NotifyAddress     string `env:"NOTIFY_ADDRESS"`
	UndoWindowMinutes int    `env:"UNDO_WINDOW_MINUTES"`
	DefaultCycleLimit int    `env:"DEFAULT_CYCLE_LIMIT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifyAddress := cfg.NotifyAddress
	envUndoWindow := cfg.UndoWindowMinutes
	envCycleLimit := cfg.DefaultCycleLimit

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "billing webhook address")
	flag.IntVar(&cfg.UndoWindowMinutes, "u", 5, "undo window in minutes")
	flag.IntVar(&cfg.DefaultCycleLimit, "c", 30, "cycle limit for new customers")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}
	if envUndoWindow > 0 {
		cfg.UndoWindowMinutes = envUndoWindow
	}
	if envCycleLimit > 0 {
		cfg.DefaultCycleLimit = envCycleLimit
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.UndoWindowMinutes <= 0 {
		cfg.UndoWindowMinutes = 5
	}
	if cfg.DefaultCycleLimit <= 0 {
		cfg.DefaultCycleLimit = 30
	}

	return cfg, nil
}

// UndoWindow возвращает длительность окна отмены последней доставки.
func (c *Config) UndoWindow() time.Duration {
	return time.Duration(c.UndoWindowMinutes) * time.Minute
}
