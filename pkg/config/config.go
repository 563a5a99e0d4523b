package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	Type      string `yaml:"type"` // local
	LocalPath string `yaml:"local_path"`
	// StagingPath holds in-flight chunk data before assembly
	StagingPath string `yaml:"staging_path"`
}

// UploadConfig holds chunked upload session settings
type UploadConfig struct {
	// MaxFileSize is the largest declared file size accepted at session start
	MaxFileSize int64 `yaml:"max_file_size"`
	// MaxChunkSize bounds the per-chunk payload
	MaxChunkSize int64 `yaml:"max_chunk_size"`
	// MaxTotalChunks bounds the chunk count declared at session start
	MaxTotalChunks int `yaml:"max_total_chunks"`
	// SessionTTL is the inactivity window before an active session expires
	SessionTTL time.Duration `yaml:"session_ttl"`
	// PausedSessionTTL is the longer inactivity window for paused sessions
	PausedSessionTTL time.Duration `yaml:"paused_session_ttl"`
	// SweepInterval is how often the expiry sweep runs
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// DefaultQuota is the per-user storage quota in bytes
	DefaultQuota int64 `yaml:"default_quota"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "chunkvault"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "chunkvault"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", "local"),
			LocalPath:   getEnv("STORAGE_LOCAL_PATH", "./data/files"),
			StagingPath: getEnv("STORAGE_STAGING_PATH", "./data/staging"),
		},
		Upload: UploadConfig{
			MaxFileSize:      getEnvInt64("UPLOAD_MAX_FILE_SIZE", 4*1024*1024*1024),
			MaxChunkSize:     getEnvInt64("UPLOAD_MAX_CHUNK_SIZE", 80*1024*1024),
			MaxTotalChunks:   getEnvInt("UPLOAD_MAX_TOTAL_CHUNKS", 10000),
			SessionTTL:       getEnvDuration("UPLOAD_SESSION_TTL", 12*time.Hour),
			PausedSessionTTL: getEnvDuration("UPLOAD_PAUSED_SESSION_TTL", 24*time.Hour),
			SweepInterval:    getEnvDuration("UPLOAD_SWEEP_INTERVAL", time.Hour),
			DefaultQuota:     getEnvInt64("UPLOAD_DEFAULT_QUOTA", 20*1024*1024*1024),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", "your-secret-key"),
			JWTExpiration: getEnvDuration("JWT_EXPIRATION", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
