// Package config reads server and client settings from the environment.
// A .env file in the working directory is loaded first if present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Server struct {
	Addr         string        `env:"LIVEROOM_ADDR" envDefault:":8080"`
	DatabaseURL  string        `env:"LIVEROOM_DATABASE_URL"` // empty: in-memory store
	LogLevel     string        `env:"LIVEROOM_LOG_LEVEL" envDefault:"info"`
	Dev          bool          `env:"LIVEROOM_DEV" envDefault:"false"`
	ReadLimit    int64         `env:"LIVEROOM_WS_READ_LIMIT" envDefault:"1048576"`
	WriteTimeout time.Duration `env:"LIVEROOM_WRITE_TIMEOUT" envDefault:"3s"`
}

type Client struct {
	BaseURL        string        `env:"LIVEROOM_BASE_URL" envDefault:"http://localhost:8080"`
	Token          string        `env:"LIVEROOM_TOKEN"`
	UserID         int64         `env:"LIVEROOM_USER_ID"`
	RequestTimeout time.Duration `env:"LIVEROOM_REQUEST_TIMEOUT" envDefault:"10s"`
	ReconnectMin   time.Duration `env:"LIVEROOM_RECONNECT_MIN" envDefault:"500ms"`
	ReconnectMax   time.Duration `env:"LIVEROOM_RECONNECT_MAX" envDefault:"30s"`
	LogLevel       string        `env:"LIVEROOM_LOG_LEVEL" envDefault:"warn"`
}

func LoadServer() (Server, error) {
	var cfg Server
	if err := load(&cfg); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout <= 0 {
		return cfg, errors.New("LIVEROOM_WRITE_TIMEOUT must be positive")
	}
	return cfg, nil
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := load(&cfg); err != nil {
		return cfg, err
	}
	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		return cfg, fmt.Errorf("reconnect delays out of order: min %s, max %s", cfg.ReconnectMin, cfg.ReconnectMax)
	}
	return cfg, nil
}

func load(target any) error {
	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
