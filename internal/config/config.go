package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddress string
	DatabaseURL   string
	JWTSecret     string
	AllowedOrigin string
}

func Load() *Config {
	// A missing .env is fine; environment variables still apply.
	godotenv.Load()

	// Get the current working directory
	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	// Create data directory if it doesn't exist
	dataDir := filepath.Join(cwd, "data")
	os.MkdirAll(dataDir, 0755)

	// Default SQLite database path
	dbPath := filepath.Join(dataDir, "cipherchat.db")

	return &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		DatabaseURL:   getEnv("DATABASE_URL", "sqlite://"+dbPath),
		JWTSecret:     getEnv("JWT_SECRET", "dev-only-secret"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://localhost:3000"),
	}
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	// Strip sqlite:// prefix if present
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	// If it's not an absolute path, make it relative to the current directory
	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}

	return dbPath
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
