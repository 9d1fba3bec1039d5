// Package config loads client settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	APIURL string `env:"CHAT_API_URL" envDefault:"http://localhost:8080"`
	WSURL  string `env:"CHAT_WS_URL" envDefault:"ws://localhost:8080/ws/rooms"`

	ReconnectInterval time.Duration `env:"CHAT_RECONNECT_INTERVAL" envDefault:"3s"`
	MaxReconnects     int           `env:"CHAT_MAX_RECONNECTS" envDefault:"5"`
	PollInterval      time.Duration `env:"CHAT_POLL_INTERVAL" envDefault:"5s"`
	TypingTimeout     time.Duration `env:"CHAT_TYPING_TIMEOUT" envDefault:"3s"`
	MatchWindow       time.Duration `env:"CHAT_MATCH_WINDOW" envDefault:"10s"`
	Heartbeat         time.Duration `env:"CHAT_HEARTBEAT" envDefault:"30s"`
	MaxMessageLen     int           `env:"CHAT_MAX_MESSAGE_LEN" envDefault:"1000"`
	HistoryLimit      int           `env:"CHAT_HISTORY_LIMIT" envDefault:"50"`
}

// Load reads the environment into a Config. A .env file in the working
// directory is applied first when present; a missing file is not an
// error.
func Load() (Config, error) {
	_ = godotenv.Load()
	return parse()
}

func parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("config: CHAT_API_URL must not be empty")
	}
	if c.WSURL == "" {
		return fmt.Errorf("config: CHAT_WS_URL must not be empty")
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("config: CHAT_RECONNECT_INTERVAL must be positive")
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("config: CHAT_MAX_RECONNECTS must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: CHAT_POLL_INTERVAL must be positive")
	}
	if c.MaxMessageLen <= 0 {
		return fmt.Errorf("config: CHAT_MAX_MESSAGE_LEN must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: CHAT_HISTORY_LIMIT must be positive")
	}
	return nil
}
