package gateway

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config for the gateway process. Defaults can be loaded via envdecode;
// slice values are semicolon-separated in the environment.
type Config struct {
	// Host to bind. ENV: STREAMGATE_HOST
	Host string `env:"STREAMGATE_HOST,default=127.0.0.1"`
	// Port preferred for binding; successive ports are tried when occupied.
	// ENV: STREAMGATE_PORT
	Port int `env:"STREAMGATE_PORT,default=7320"`
	// MaxPortRetries bounds the port search after the preferred port.
	// ENV: STREAMGATE_MAX_PORT_RETRIES
	MaxPortRetries int `env:"STREAMGATE_MAX_PORT_RETRIES,default=8"`
	// EndpointPath is the single session endpoint. ENV: STREAMGATE_ENDPOINT_PATH
	EndpointPath string `env:"STREAMGATE_ENDPOINT_PATH,default=/mcp"`
	// AllowedOrigins is the browser origin allowlist, e.g.
	// "https://app.example.com;https://admin.example.com".
	// ENV: STREAMGATE_ALLOWED_ORIGINS
	AllowedOrigins []string `env:"STREAMGATE_ALLOWED_ORIGINS"`
	// ShutdownGrace bounds graceful shutdown. ENV: STREAMGATE_SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"STREAMGATE_SHUTDOWN_GRACE,default=10s"`
}

// ConfigFromEnv populates a Config using envdecode; defaults are provided
// via struct tags.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}
