package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/processor"
	"github.com/adverant/nexus/captchasolve-worker/internal/storage"
)

// defaultProcessingTimeout applies when a consumer is configured without one.
const defaultProcessingTimeout = 30 * time.Second

// jobRunner holds the status bookkeeping shared by both consumers.
type jobRunner struct {
	processor processor.CaptchaProcessorInterface
	timeout   time.Duration
}

func newJobRunner(p processor.CaptchaProcessorInterface, timeoutMs int64) *jobRunner {
	timeout := defaultProcessingTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return &jobRunner{processor: p, timeout: timeout}
}

// run processes one job under the processing timeout. Failures are recorded
// as failed in PostgreSQL before being returned; invalid payloads come back
// as INVALID_PAYLOAD errors and should not be retried.
func (r *jobRunner) run(ctx context.Context, job *SolveJob) (*processor.ProcessResult, error) {
	startTime := time.Now()

	req, err := job.Request()
	if err != nil {
		r.markFailed(ctx, job.JobID, err, time.Since(startTime))
		return nil, err
	}

	if err := r.processor.UpdateJobStatus(ctx, job.JobID, storage.StatusProcessing, map[string]interface{}{
		"challenge": job.Challenge,
	}); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", job.JobID, err)
	}

	log.Printf("[Job %s] Processing timeout set to: %v", job.JobID, r.timeout)

	processCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.processor.ProcessChallenge(processCtx, req)
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded && errors.CodeOf(err) != errors.ErrorProcessingTimeout {
			err = errors.NewProcessingTimeoutError(job.JobID, r.timeout, err)
		}
		log.Printf("[Job %s] Processing failed after %v: %v", job.JobID, duration, err)
		r.markFailed(ctx, job.JobID, err, duration)
		return nil, err
	}

	log.Printf("[Job %s] Processing completed successfully in %v: answer=%q, confidence=%.4f, recognizer=%s",
		job.JobID, duration, firstOrEmpty(result.Solutions), result.Confidence, result.Recognizer)
	return result, nil
}

func (r *jobRunner) markFailed(ctx context.Context, jobID string, err error, duration time.Duration) {
	if updateErr := r.processor.UpdateJobStatus(ctx, jobID, storage.StatusFailed, failureMetadata(err, duration)); updateErr != nil {
		log.Printf("[Job %s] Warning: Failed to update status to failed: %v", jobID, updateErr)
	}
}

// failureMetadata is what gets stored in PostgreSQL and Redis for a failed job.
func failureMetadata(err error, duration time.Duration) map[string]interface{} {
	var se *errors.SolveError
	var meta map[string]interface{}
	if stderrors.As(err, &se) {
		meta = se.ToMap()
	} else {
		meta = map[string]interface{}{}
	}
	meta["error"] = err.Error()
	meta["processingTime"] = duration.Milliseconds()
	return meta
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	return stderrors.Is(err, errors.ErrInvalidPayload)
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func queueKey(queue, suffix string) string {
	return fmt.Sprintf("%s:%s", queue, suffix)
}
