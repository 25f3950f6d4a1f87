/**
 * Configuration for the Captcha Solve Worker
 *
 * Loads configuration from environment variables matching .env.captcha
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/captchasolve-worker/internal/align"
	"github.com/adverant/nexus/captchasolve-worker/internal/solver"
)

// Queue backends
const (
	BackendRedis = "redis"
	BackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string
	QueueName    string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration; empty URL disables the
	// similar-challenge index
	QdrantURL        string
	QdrantCollection string
	FingerprintDims  int

	// Recognizer cascade
	InferenceURL      string
	VisionURL         string
	TesseractEnabled  bool
	TesseractLanguage string

	// Worker configuration
	WorkerConcurrency   int
	SearchConcurrency   int
	ProcessingTimeout   int // milliseconds
	SimilarityThreshold float64

	// Solver configuration
	AlignmentStrategy string
	DisorderFrom      int
	DisorderTo        int
	BeamWidth         int

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:            getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueBackend:        strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", BackendRedis)),
		QueueName:           getEnvOrDefault("QUEUE_NAME", "captcha:solve"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		QdrantURL:           getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:    getEnvOrDefault("QDRANT_COLLECTION", "captcha_challenges"),
		FingerprintDims:     getEnvAsIntOrDefault("FINGERPRINT_DIMS", 300),
		InferenceURL:        getEnvOrDefault("INFERENCE_URL", ""),
		VisionURL:           getEnvOrDefault("VISION_URL", ""),
		TesseractEnabled:    getEnvAsBoolOrDefault("TESSERACT_ENABLED", true),
		TesseractLanguage:   getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		WorkerConcurrency:   getEnvAsIntOrDefault("WORKER_CONCURRENCY", 10),
		SearchConcurrency:   getEnvAsIntOrDefault("SEARCH_CONCURRENCY", 4),
		ProcessingTimeout:   getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 30000), // 30 seconds
		SimilarityThreshold: getEnvAsFloatOrDefault("SIMILARITY_THRESHOLD", 0.97),
		AlignmentStrategy:   strings.ToLower(getEnvOrDefault("ALIGNMENT_STRATEGY", string(align.StrategyBoundary))),
		DisorderFrom:        getEnvAsIntOrDefault("DISORDER_FROM", 0),
		DisorderTo:          getEnvAsIntOrDefault("DISORDER_TO", -50),
		BeamWidth:           getEnvAsIntOrDefault("BEAM_WIDTH", 4096),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != BackendRedis && c.QueueBackend != BackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", BackendRedis, BackendAsynq, c.QueueBackend)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.SearchConcurrency < 1 || c.SearchConcurrency > 64 {
		return fmt.Errorf("SEARCH_CONCURRENCY must be between 1 and 64, got %d", c.SearchConcurrency)
	}

	if c.ProcessingTimeout < 100 || c.ProcessingTimeout > 600000 { // 100ms to 10 minutes
		return fmt.Errorf("PROCESSING_TIMEOUT must be between 100 and 600000 ms, got %d", c.ProcessingTimeout)
	}

	if _, err := align.ParseStrategy(c.AlignmentStrategy); err != nil {
		return fmt.Errorf("ALIGNMENT_STRATEGY: %w", err)
	}

	if abs(c.DisorderTo-c.DisorderFrom) > 1000 {
		return fmt.Errorf("DISORDER_FROM..DISORDER_TO spans more than 1000 offsets (%d..%d)", c.DisorderFrom, c.DisorderTo)
	}

	if c.BeamWidth < 0 {
		return fmt.Errorf("BEAM_WIDTH must not be negative, got %d", c.BeamWidth)
	}

	if c.FingerprintDims < 8 || c.FingerprintDims > 4096 {
		return fmt.Errorf("FINGERPRINT_DIMS must be between 8 and 4096, got %d", c.FingerprintDims)
	}

	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.SimilarityThreshold)
	}

	if c.InferenceURL == "" && c.VisionURL == "" && !c.TesseractEnabled {
		return fmt.Errorf("no recognizer configured: set INFERENCE_URL, VISION_URL or TESSERACT_ENABLED")
	}

	return nil
}

// Timeout returns ProcessingTimeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// SolverParams maps the configuration onto solver parameters.
func (c *Config) SolverParams() solver.Params {
	p := solver.DefaultParams()
	if s, err := align.ParseStrategy(c.AlignmentStrategy); err == nil {
		p.Align.Strategy = s
	}
	p.Align.DisorderFrom = c.DisorderFrom
	p.Align.DisorderTo = c.DisorderTo
	p.Align.Workers = c.SearchConcurrency
	p.Sequence.BeamWidth = c.BeamWidth
	return p
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
