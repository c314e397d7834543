package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey  string `env:"GEMINI_API_KEY,required"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	DatabaseURL   string `env:"DATABASE_URL" envDefault:"ajax_chat.db"`
	HTTPPort      string `env:"HTTP_PORT" envDefault:"8080"`
	SessionSecret string `env:"SESSION_SECRET,required"`
	CookiePrefix  string `env:"COOKIE_PREFIX" envDefault:"ajax_"`
}

// Load reads an optional .env file and parses the environment into a Config.
// Missing required values are fatal at startup.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	return cfg
}
