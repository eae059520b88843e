// Package config содержит логику чтения конфигурации сервиса кэшбэка.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress      = "localhost:8080"
	defaultTimezone        = "Asia/Tashkent"
	defaultDailyCheckLimit = 10
)

// Config содержит параметры конфигурации сервиса кэшбэка.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	TelegramBotToken   string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramWebhookURL string `env:"TELEGRAM_WEBHOOK_URL"`
	AdminToken         string `env:"ADMIN_TOKEN"`
	Timezone           string `env:"TIMEZONE"`
	DailyCheckLimit    int    `env:"DAILY_CHECK_LIMIT"`

	Location *time.Location `env:"-"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBotToken := cfg.TelegramBotToken

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.TelegramBotToken, "t", "", "telegram bot token")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBotToken != "" {
		cfg.TelegramBotToken = envBotToken
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.Timezone == "" {
		cfg.Timezone = defaultTimezone
	}
	if cfg.DailyCheckLimit <= 0 {
		cfg.DailyCheckLimit = defaultDailyCheckLimit
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	return cfg, nil
}
