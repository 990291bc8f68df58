/*
Package config loads process configuration once at startup.

Gateway credentials, the webhook secret, and operational knobs come
from the environment; the price table optionally from a YAML file.
Nothing else in the codebase reads ambient state - everything is
threaded in as explicit values.
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration.
type Config struct {
	Port   int    `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"hearts.db"`

	GatewayBaseURL string `env:"GATEWAY_BASE_URL"`
	GatewayKey     string `env:"GATEWAY_API_KEY"`
	GatewaySecret  string `env:"GATEWAY_API_SECRET"`
	WebhookSecret  string `env:"WEBHOOK_SECRET"`

	PricingPath string `env:"PRICING_PATH"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`
}

// Load parses the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}
