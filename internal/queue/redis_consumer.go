/**
 * Direct Redis Queue Consumer for the Captcha Solve Worker
 *
 * Compatible with the TypeScript RedisQueue list protocol: job ids on the
 * queue list, envelopes in <queue>:data, status sets, results and errors
 * hashes, and job events published on <queue>:events.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/processor"
	"github.com/adverant/nexus/captchasolve-worker/internal/storage"
)

var errNoJobs = fmt.Errorf("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    SolveJob  `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *jobRunner
	config *RedisConsumerConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.CaptchaProcessorInterface
	ProcessingTimeout int64 // milliseconds
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = TaskTypeSolve
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: client,
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout),
		config: cfg,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	log.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	log.Println("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	log.Println("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// Enqueue stores the envelope and pushes the job id, the way the
// TypeScript producer does.
func (c *RedisConsumer) Enqueue(ctx context.Context, job *SolveJob) (string, error) {
	if err := job.normalize(); err != nil {
		return "", err
	}

	envelope := RedisJobData{
		ID:         job.JobID,
		Type:       TaskTypeSolve,
		Payload:    *job,
		CreatedAt:  time.Now(),
		MaxRetries: c.config.MaxRetries,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, queueKey(c.config.QueueName, "data"), envelope.ID, data)
	pipe.LPush(ctx, c.config.QueueName, envelope.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", envelope.ID, err)
	}
	return envelope.ID, nil
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if err != errNoJobs && c.ctx.Err() == nil {
					log.Printf("Worker %d error: %v", id, err)
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	jobData, err := c.client.HGet(c.ctx, queueKey(c.config.QueueName, "data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	job, err := decodeEnvelope(id, []byte(jobData))
	if err != nil {
		log.Printf("Job %s has an invalid payload: %v", id, err)
		c.updateJobStatus(id, storage.StatusFailed, failureMetadata(err, 0))
		return nil
	}

	c.updateJobStatus(job.Payload.JobID, storage.StatusProcessing, nil)
	log.Printf("Processing job %s: challenge=%q", job.Payload.JobID, job.Payload.Challenge)

	processResult, err := c.runner.run(c.ctx, &job.Payload)
	if err != nil {
		log.Printf("Job %s failed: %v", job.Payload.JobID, err)

		job.Attempts++
		if !isPermanent(err) && job.Attempts < job.MaxRetries {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, queueKey(c.config.QueueName, "data"), job.ID, updatedData)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			log.Printf("Job %s re-queued for retry (attempt %d/%d)", job.Payload.JobID, job.Attempts, job.MaxRetries)
		} else {
			meta := failureMetadata(err, 0)
			meta["attempts"] = job.Attempts
			c.updateJobStatus(job.Payload.JobID, storage.StatusFailed, meta)
		}
		return nil
	}

	c.updateJobStatus(job.Payload.JobID, storage.StatusCompleted, processResult)
	log.Printf("Job %s completed successfully", job.Payload.JobID)
	return nil
}

// decodeEnvelope parses a queue entry; the envelope id stands in for a
// missing payload job id.
func decodeEnvelope(id string, data []byte) (*RedisJobData, error) {
	var job RedisJobData
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.NewInvalidPayloadError(id, "malformed job envelope", err)
	}
	if job.ID == "" {
		job.ID = id
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if err := job.Payload.normalize(); err != nil {
		return nil, err
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = 1
	}
	return &job, nil
}

// updateJobStatus records the status in Redis and publishes the event.
// PostgreSQL is updated by the processor and the job runner.
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	pipe := c.client.Pipeline()
	processingKey := queueKey(c.config.QueueName, "processing")

	switch status {
	case storage.StatusProcessing:
		pipe.SAdd(c.ctx, processingKey, jobID)

	case storage.StatusCompleted:
		pipe.SRem(c.ctx, processingKey, jobID)
		pipe.SAdd(c.ctx, queueKey(c.config.QueueName, "completed"), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			pipe.HSet(c.ctx, queueKey(c.config.QueueName, "results"), jobID, resultData)
		}

	case storage.StatusFailed:
		pipe.SRem(c.ctx, processingKey, jobID)
		pipe.SAdd(c.ctx, queueKey(c.config.QueueName, "failed"), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			pipe.HSet(c.ctx, queueKey(c.config.QueueName, "errors"), jobID, errorData)
		}
	}

	pipe.Publish(c.ctx, queueKey(c.config.QueueName, "events"), jobEvent(jobID, status, time.Now()))

	if _, err := pipe.Exec(c.ctx); err != nil {
		log.Printf("[Job %s] WARNING: Failed to record status %s in Redis: %v", jobID, status, err)
	}
}

func jobEvent(jobID, status string, at time.Time) []byte {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": at.Format(time.RFC3339),
	}
	data, _ := json.Marshal(event)
	return data
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, queueKey(c.config.QueueName, "processing"))
	completed := pipe.SCard(ctx, queueKey(c.config.QueueName, "completed"))
	failed := pipe.SCard(ctx, queueKey(c.config.QueueName, "failed"))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
