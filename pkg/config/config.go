// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Database holds PostgreSQL connection settings.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN returns the PostgreSQL connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// ObjectStore holds the media storage (MinIO) endpoint used by the content
// management service that uploads question images. The session server only
// serves the stored URLs.
type ObjectStore struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Redis holds the cache endpoint shared with the bot frontend.
type Redis struct {
	Host string
	Port int
}

// Config is the full server configuration.
type Config struct {
	HTTPPort  string
	APISecret string
	BotToken  string

	Database    Database
	ObjectStore ObjectStore
	Redis       Redis
}

// Load reads configuration from the environment, applying development
// defaults for everything except credentials.
func Load() (Config, error) {
	dbPort, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	redisPort, err := strconv.Atoi(getEnvOrDefault("REDIS_PORT", "6379"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}

	return Config{
		HTTPPort:  getEnvOrDefault("HTTP_PORT", "8000"),
		APISecret: os.Getenv("SECRET_KEY"),
		BotToken:  os.Getenv("BOT_TOKEN"),
		Database: Database{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnvOrDefault("DB_USER", "quizd"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getEnvOrDefault("DB_NAME", "quizd"),
			SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
		},
		ObjectStore: ObjectStore{
			Endpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		},
		Redis: Redis{
			Host: getEnvOrDefault("REDIS_HOST", "localhost"),
			Port: redisPort,
		},
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
