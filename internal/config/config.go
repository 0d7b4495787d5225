package config

import (
	"os"
	"strings"
)

type Config struct {
	Port           string
	DataFile       string   // path of the persisted state document
	AllowedOrigins []string // CORS; defaults to permissive
	Environment    string   // ENV: production, development, etc.
}

func Load() *Config {
	allowedOrigins := parseOrigins(getEnv("ALLOWED_ORIGINS", ""))
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Config{
		Port:           getEnv("PORT", "3001"),
		DataFile:       getEnv("DATA_FILE", "data.json"),
		AllowedOrigins: allowedOrigins,
		Environment:    strings.ToLower(strings.TrimSpace(getEnv("ENV", "development"))),
	}
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func parseOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
