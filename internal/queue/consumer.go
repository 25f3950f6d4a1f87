/**
 * Asynq Queue Consumer for the Captcha Solve Worker
 *
 * Consumes "captcha:solve" tasks and can enqueue them. Invalid payloads are
 * returned with asynq.SkipRetry so they go straight to the archive.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/captchasolve-worker/internal/processor"
)

// Consumer handles job consumption from Redis queue
type Consumer struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *jobRunner
	config *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetry          int
	Processor         processor.CaptchaProcessorInterface
	ProcessingTimeout int64 // milliseconds
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, bytes=%d, error=%v",
					task.Type(), len(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client: client,
		server: server,
		mux:    mux,
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout),
		config: cfg,
	}

	mux.HandleFunc(TaskTypeSolve, consumer.handleSolve)

	return consumer, nil
}

// retryDelay backs off exponentially: 2s, 4s, 8s, capped at 30s.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Duration(2*(1<<uint(n))) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			log.Printf("Queue consumer error: %v", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	log.Printf("Queue consumer stopped")
	return nil
}

// NewSolveTask builds the task for job.
func NewSolveTask(job *SolveJob) (*asynq.Task, error) {
	if err := job.normalize(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskTypeSolve, payload), nil
}

// Enqueue submits job to the consumer's queue.
func (c *Consumer) Enqueue(ctx context.Context, job *SolveJob, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	task, err := NewSolveTask(job)
	if err != nil {
		return nil, err
	}

	opts = append([]asynq.Option{
		asynq.Queue(c.config.QueueName),
		asynq.MaxRetry(c.config.MaxRetry),
		asynq.TaskID(job.JobID),
	}, opts...)

	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return info, nil
}

// handleSolve processes a captcha solve task
func (c *Consumer) handleSolve(ctx context.Context, task *asynq.Task) error {
	job, err := DecodeSolveJob(task.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Job %s] Solving captcha: challenge=%q", job.JobID, job.Challenge)

	if _, err := c.runner.run(ctx, job); err != nil {
		if isPermanent(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("captcha solve failed: %w", err)
	}

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"taskType":    TaskTypeSolve,
	}
}
