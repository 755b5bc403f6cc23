package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr            string
	DataDir         string
	DefaultModel    string
	IdleTimeout     time.Duration
	MaxConcurrency  int
	JobRetention    time.Duration
	OllamaURL       string
	PythonPath      string
	TranscriberPath string
	LogLevel        string
}

// Load reads configuration from the environment. Malformed values are
// reported as errors rather than silently replaced by defaults.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		Addr:            getenv("WHISPERD_ADDR", ":8080"),
		DataDir:         getenv("WHISPERD_DATA_DIR", "local-data"),
		DefaultModel:    getenv("WHISPER_MODEL", "tiny"),
		IdleTimeout:     time.Duration(getenvInt("WHISPER_MODEL_IDLE_TIMEOUT", 300, &errs)) * time.Second,
		MaxConcurrency:  getenvInt("WHISPER_MAX_CONCURRENCY", 1, &errs),
		JobRetention:    time.Duration(getenvInt("WHISPER_JOB_RETENTION", 3600, &errs)) * time.Second,
		OllamaURL:       getenv("OLLAMA_API_URL", "http://ollama:11434"),
		PythonPath:      getenv("WHISPER_PYTHON", "python3"),
		TranscriberPath: getenv("WHISPER_TRANSCRIBER", "transcribe.py"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
	}
	return cfg, errors.Join(errs...)
}

// Validate applies defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "tiny"
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("config: max concurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: model idle timeout must be >= 0")
	}
	if c.JobRetention <= 0 {
		return fmt.Errorf("config: job retention must be > 0")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: invalid integer %q", key, raw))
		return fallback
	}
	return value
}
