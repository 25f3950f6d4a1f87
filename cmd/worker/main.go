/**
 * Captcha Solve Worker - Main Entry Point
 *
 * Go worker that solves slider and text captchas pulled from Redis.
 *
 * Architecture:
 * - Redis list or Asynq consumer for the "captcha:solve" queue
 * - Alignment of sliding foreground against the background
 * - Recognizer cascade: inference service, MageAgent vision, then Tesseract
 * - CTC-style beam decoding of recognizer probability rows
 * - PostgreSQL persistence of solutions and composited images
 * - Qdrant fingerprint index for similar-challenge hints
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/captchasolve-worker/internal/clients"
	"github.com/adverant/nexus/captchasolve-worker/internal/config"
	"github.com/adverant/nexus/captchasolve-worker/internal/logging"
	"github.com/adverant/nexus/captchasolve-worker/internal/processor"
	"github.com/adverant/nexus/captchasolve-worker/internal/queue"
	"github.com/adverant/nexus/captchasolve-worker/internal/solver"
	"github.com/adverant/nexus/captchasolve-worker/internal/storage"
)

// consumer is what main needs from either queue backend.
type consumer interface {
	start() error
	stop() error
}

type redisBackend struct{ c *queue.RedisConsumer }

func (b redisBackend) start() error { return b.c.Start() }
func (b redisBackend) stop() error  { return b.c.Stop() }

type asynqBackend struct{ c *queue.Consumer }

func (b asynqBackend) start() error { return b.c.Start(context.Background()) }
func (b asynqBackend) stop() error  { return b.c.Stop(context.Background()) }

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.captcha"); err != nil {
		log.Printf("Warning: .env.captcha not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	log.Printf("Captcha Solve Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Backend=%s, Qdrant=%s, Workers=%d",
		cfg.RedisURL, cfg.QueueBackend, cfg.QdrantURL, cfg.WorkerConcurrency)

	// Initialize unified storage manager (PostgreSQL + Qdrant)
	log.Printf("Connecting to storage...")
	storageManager, err := storage.NewStorageManager(
		cfg.DatabaseURL,
		cfg.QdrantURL,
		cfg.QdrantCollection,
		cfg.FingerprintDims,
	)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	defer storageManager.Close()

	recognizers, err := buildRecognizers(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize recognizers: %v", err)
	}

	engine := solver.New(cfg.SolverParams(), recognizers...)
	log.Printf("Solver initialized: strategy=%s, recognizers=%v", cfg.AlignmentStrategy, engine.Recognizers())

	proc, err := processor.NewCaptchaProcessor(&processor.ProcessorConfig{
		Solver:              engine,
		Store:               storageManager,
		FingerprintDims:     storageManager.FingerprintDims(),
		SimilarityThreshold: float32(cfg.SimilarityThreshold),
		HTTPClient:          &http.Client{Timeout: cfg.Timeout()},
	})
	if err != nil {
		log.Fatalf("Failed to initialize captcha processor: %v", err)
	}

	// Initialize queue consumer
	log.Printf("Connecting to Redis queue (%s)...", cfg.QueueBackend)
	queueConsumer, err := newConsumer(cfg, proc)
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	if err := queueConsumer.start(); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	log.Printf("===========================================")
	log.Printf("Captcha Solve Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("Processing timeout: %v", cfg.Timeout())
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	if err := queueConsumer.stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	log.Printf("Shutdown complete")
}

// buildRecognizers assembles the cascade in order: inference service,
// MageAgent vision, Tesseract as the offline fallback.
func buildRecognizers(cfg *config.Config) ([]solver.Recognizer, error) {
	var recs []solver.Recognizer
	params := cfg.SolverParams()

	if cfg.InferenceURL != "" {
		inference := clients.NewInferenceClient(cfg.InferenceURL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := inference.HealthCheck(ctx); err != nil {
			log.Printf("Warning: inference service health check failed: %v", err)
		}
		cancel()
		recs = append(recs, inference)
	}

	if cfg.VisionURL != "" {
		recs = append(recs, clients.NewVisionClient(cfg.VisionURL, params.Charset, params.Sequence.CollapseWindow))
	}

	if cfg.TesseractEnabled {
		tess, err := processor.NewTesseractRecognizer(&processor.TesseractConfig{
			Language: cfg.TesseractLanguage,
			Charset:  params.Charset,
		})
		if err != nil {
			return nil, fmt.Errorf("tesseract: %w", err)
		}
		recs = append(recs, tess)
	}

	if len(recs) == 0 {
		return nil, fmt.Errorf("no recognizer configured")
	}
	return recs, nil
}

func newConsumer(cfg *config.Config, proc processor.CaptchaProcessorInterface) (consumer, error) {
	switch cfg.QueueBackend {
	case config.BackendAsynq:
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		return asynqBackend{c}, nil
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		return redisBackend{c}, nil
	}
}
