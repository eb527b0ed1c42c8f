// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	// PrefsDBPath is the SQLite database remembering the folder grant.
	PrefsDBPath string
	// FolderAccess=false runs every session in download mode.
	FolderAccess   bool
	RecognizerAddr string
	DownloadTTL    time.Duration
	EventQueueSize int
	// MaxRecordingBytes bounds a single captured recording.
	MaxRecordingBytes int64
	SSE               SSEConfig
}

// SSEConfig controls the event stream.
type SSEConfig struct {
	Keepalive time.Duration
	Retry     time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		PrefsDBPath:       getEnv("PREFS_DB_PATH", "./data/prefs.db"),
		FolderAccess:      getEnvBool("FOLDER_ACCESS", true),
		RecognizerAddr:    getEnv("RECOGNIZER_ADDR", ""),
		DownloadTTL:       getEnvDuration("DOWNLOAD_TTL", 10*time.Minute),
		EventQueueSize:    getEnvInt("EVENT_QUEUE_SIZE", 100),
		MaxRecordingBytes: int64(getEnvInt("MAX_RECORDING_BYTES", 64<<20)),
		SSE: SSEConfig{
			Keepalive: getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			Retry:     getEnvDuration("SSE_RETRY", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.PrefsDBPath == "" {
		return fmt.Errorf("PREFS_DB_PATH cannot be empty")
	}
	if c.DownloadTTL <= 0 {
		return fmt.Errorf("DOWNLOAD_TTL must be > 0")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be > 0")
	}
	if c.MaxRecordingBytes <= 0 {
		return fmt.Errorf("MAX_RECORDING_BYTES must be > 0")
	}
	if c.SSE.Keepalive <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
