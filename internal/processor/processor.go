/**
 * Captcha Processor for the Captcha Solve Worker
 *
 * Runs one solve job end to end:
 * - load the challenge (decoded buffers, raw captcha document or URL)
 * - align, render and decode through the solver's recognizer cascade
 * - fingerprint the render and look up a similar solved challenge when
 *   nothing could be decoded
 * - persist answers, image and fingerprint
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
	"github.com/adverant/nexus/captchasolve-worker/internal/solver"
	"github.com/adverant/nexus/captchasolve-worker/internal/storage"
)

// CaptchaProcessorInterface defines the interface for captcha processing
type CaptchaProcessorInterface interface {
	ProcessChallenge(ctx context.Context, req *SolveRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// ChallengeSolver is satisfied by *solver.Solver.
type ChallengeSolver interface {
	Solve(ctx context.Context, ch *solver.Challenge) (*solver.Solution, error)
}

// ResultStore is satisfied by *storage.StorageManager.
type ResultStore interface {
	StoreSolution(ctx context.Context, input *storage.SolutionInput) (*storage.SolutionOutput, error)
	FindSimilar(ctx context.Context, fingerprint []float32, threshold float32) (*storage.SimilarChallenge, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Solver              ChallengeSolver
	Store               ResultStore
	FingerprintDims     int     // 0 disables fingerprinting
	SimilarityThreshold float32 // minimum cosine score for a similar-challenge hint
	MaxDocumentSize     int64   // bytes accepted from CaptchaURL
	HTTPClient          *http.Client
}

// SolveRequest represents a captcha solve request
type SolveRequest struct {
	JobID     string
	Challenge string

	// One source is used, in this order: decoded buffers, a raw captcha
	// document, a URL serving one.
	Foreground  *pixel.Buffer
	Background  *pixel.Buffer
	CaptchaInfo []byte
	CaptchaURL  string

	SliderValue   *float32
	Probabilities [][]float32
	Metadata      map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	Solutions        []string  `json:"solutions"`
	Confidences      []float32 `json:"confidences"`
	Confidence       float64   `json:"confidence"`
	Offset           float32   `json:"offset"`
	SliderOffset     *float32  `json:"sliderOffset,omitempty"`
	Strategy         string    `json:"strategy,omitempty"`
	Recognizer       string    `json:"recognizer,omitempty"`
	SimilarJobID     string    `json:"similarJobId,omitempty"`
	SimilarAnswer    string    `json:"similarAnswer,omitempty"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
}

// CaptchaProcessor handles captcha processing
type CaptchaProcessor struct {
	config     *ProcessorConfig
	solver     ChallengeSolver
	store      ResultStore
	httpClient *http.Client

	initialBackoff time.Duration
}

// NewCaptchaProcessor creates a new captcha processor
func NewCaptchaProcessor(cfg *ProcessorConfig) (*CaptchaProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Solver == nil {
		return nil, fmt.Errorf("solver is required")
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}

	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = 4 * 1024 * 1024
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &CaptchaProcessor{
		config:         cfg,
		solver:         cfg.Solver,
		store:          cfg.Store,
		httpClient:     httpClient,
		initialBackoff: time.Second,
	}, nil
}

// ProcessChallenge solves one captcha and stores the outcome.
func (p *CaptchaProcessor) ProcessChallenge(ctx context.Context, req *SolveRequest) (*ProcessResult, error) {
	if req == nil {
		return nil, errors.NewInvalidPayloadError("", "empty request", nil)
	}
	startTime := time.Now()
	log.Printf("[Job %s] Starting captcha solve pipeline", req.JobID)

	// Step 1: Load challenge images
	if err := p.loadChallenge(ctx, req); err != nil {
		return nil, err
	}
	if IsNoopChallenge(req.Challenge) {
		return nil, errors.NewInvalidPayloadError(req.JobID, "noop challenge", nil)
	}
	log.Printf("[Job %s] Step 1: Challenge loaded (fg=%dx%d, slider=%v)",
		req.JobID, req.Foreground.Width(), req.Foreground.Height(), req.Background != nil)

	// Step 2: Align, render, recognize, decode
	sol, err := p.solver.Solve(ctx, &solver.Challenge{
		JobID:         req.JobID,
		Foreground:    req.Foreground,
		Background:    req.Background,
		SliderValue:   req.SliderValue,
		Probabilities: req.Probabilities,
	})
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewProcessingTimeoutError(req.JobID, time.Since(startTime), err)
		}
		return nil, err
	}
	log.Printf("[Job %s] Step 2: Solved via %s: answer=%q candidates=%d offset=%.2f",
		req.JobID, sol.Recognizer, sol.Best(), len(sol.Sequences), sol.Offset)

	result := &ProcessResult{
		Solutions:    make([]string, 0, len(sol.Sequences)),
		Confidences:  make([]float32, 0, len(sol.Sequences)),
		Offset:       sol.Offset,
		SliderOffset: sol.SliderOffset,
		Strategy:     string(sol.Strategy),
		Recognizer:   sol.Recognizer,
	}
	for _, s := range sol.Sequences {
		result.Solutions = append(result.Solutions, s.Text)
		result.Confidences = append(result.Confidences, s.Confidence)
	}
	if len(sol.Sequences) > 0 {
		result.Confidence = float64(sol.Sequences[0].Confidence)
	}

	// Step 3: Fingerprint and similar-challenge hint
	fingerprint := Fingerprint(sol.Image, p.config.FingerprintDims)
	if len(result.Solutions) == 0 && fingerprint != nil {
		similar, err := p.store.FindSimilar(ctx, fingerprint, p.config.SimilarityThreshold)
		if err != nil {
			log.Printf("[Job %s] WARNING: similar-challenge lookup failed: %v", req.JobID, err)
		} else if similar != nil {
			result.SimilarJobID = similar.JobID
			result.SimilarAnswer = similar.Answer
			log.Printf("[Job %s] Step 3: No answer decoded, similar job %s (score=%.4f) answered %q",
				req.JobID, similar.JobID, similar.Score, similar.Answer)
		}
	}

	// Step 4: Persist
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	stored, err := p.store.StoreSolution(ctx, &storage.SolutionInput{
		Update: &storage.JobUpdate{
			JobID:            req.JobID,
			Challenge:        req.Challenge,
			Status:           storage.StatusCompleted,
			Answers:          result.Solutions,
			Confidences:      result.Confidences,
			Confidence:       result.Confidence,
			Offset:           result.Offset,
			SliderOffset:     result.SliderOffset,
			Strategy:         result.Strategy,
			Recognizer:       result.Recognizer,
			SimilarJobID:     result.SimilarJobID,
			ProcessingTimeMs: result.ProcessingTimeMs,
			Metadata:         req.Metadata,
		},
		Image:       sol.Image,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}
	log.Printf("[Job %s] Step 4: Solution stored (fingerprint=%q)", req.JobID, stored.FingerprintPointID)

	log.Printf("[Job %s] Captcha solve pipeline complete: answer=%q, confidence=%.4f, duration=%dms",
		req.JobID, sol.Best(), result.Confidence, result.ProcessingTimeMs)

	return result, nil
}

// UpdateJobStatus updates job status in database
func (p *CaptchaProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if challenge, ok := metadata["challenge"].(string); ok {
			update.Challenge = challenge
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if message, ok := metadata["message"].(string); ok {
			update.ErrorMessage = message
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
			update.ErrorMessage = errorMsg
		}
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// loadChallenge fills Foreground/Background from whichever source the
// request carries.
func (p *CaptchaProcessor) loadChallenge(ctx context.Context, req *SolveRequest) error {
	if req.Foreground != nil {
		return nil
	}

	doc := req.CaptchaInfo
	if len(doc) == 0 && req.CaptchaURL != "" {
		log.Printf("[Job %s] Downloading captcha document from URL: %s", req.JobID, req.CaptchaURL)
		data, err := p.downloadDocument(ctx, req.JobID, req.CaptchaURL)
		if stderrors.Is(err, errDocumentTooLarge) {
			return errors.NewInvalidPayloadError(req.JobID, "captcha document too large", err)
		}
		if err != nil {
			return fmt.Errorf("failed to download captcha document: %w", err)
		}
		doc = data
	}
	if len(doc) == 0 {
		return errors.NewInvalidPayloadError(req.JobID, "no challenge source provided (buffers, document or URL)", nil)
	}

	info, err := ParseCaptchaInfo(doc)
	if err != nil {
		return errors.NewInvalidPayloadError(req.JobID, "malformed captcha document", err)
	}
	fg, bg, err := info.Images()
	if err != nil {
		return errors.NewInvalidPayloadError(req.JobID, "unusable captcha document", err)
	}

	req.Foreground, req.Background = fg, bg
	if req.Challenge == "" {
		req.Challenge = info.Challenge
	}
	if req.Metadata == nil {
		req.Metadata = map[string]interface{}{}
	}
	req.Metadata["ttlSeconds"] = int64(info.TTLDuration().Seconds())
	if info.ValidUntil > 0 {
		req.Metadata["validUntil"] = info.ValidUntil
	}
	return nil
}

var errDocumentTooLarge = stderrors.New("document size exceeds maximum")

// downloadDocument fetches url with exponential backoff between attempts.
func (p *CaptchaProcessor) downloadDocument(ctx context.Context, jobID string, url string) ([]byte, error) {
	const (
		maxRetries   = 4
		maxBackoffMs = 8000
	)

	var lastErr error
	backoff := p.initialBackoff

	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, err := p.fetch(ctx, url)
		if err == nil {
			log.Printf("[Job %s] Download successful on attempt %d: %d bytes", jobID, attempt, len(data))
			return data, nil
		}
		if stderrors.Is(err, errDocumentTooLarge) {
			return nil, err
		}
		lastErr = err
		log.Printf("[Job %s] Download attempt %d/%d failed: %v", jobID, attempt, maxRetries, err)

		if attempt == maxRetries {
			break
		}
		log.Printf("[Job %s] Retrying in %dms...", jobID, backoff.Milliseconds())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
		backoff = min(backoff*2, maxBackoffMs*time.Millisecond)
	}

	return nil, fmt.Errorf("failed to download after %d attempts: %w", maxRetries, lastErr)
}

func (p *CaptchaProcessor) fetch(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	limit := p.config.MaxDocumentSize
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", errDocumentTooLarge, resp.ContentLength, limit)
	}

	// Chunked responses carry no length; read one byte past the limit to tell.
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", errDocumentTooLarge, limit)
	}
	return data, nil
}
