/**
 * Storage Manager for the Captcha Solve Worker
 *
 * Coordinates PostgreSQL (jobs, answers, composited images) and the
 * optional Qdrant fingerprint index. The vector is written first and
 * removed again if the PostgreSQL write fails.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/captchasolve-worker/internal/logging"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient // nil when the fingerprint index is disabled
	logger   *logging.Logger
}

// SolutionInput is everything persisted for a solved challenge.
type SolutionInput struct {
	Update      *JobUpdate
	Image       *pixel.Buffer
	Fingerprint []float32
}

// SolutionOutput reports where a solution was stored.
type SolutionOutput struct {
	JobID              string
	FingerprintPointID string
	StoredAt           time.Time
}

// SimilarChallenge is a previously solved challenge close to a new one.
type SimilarChallenge struct {
	JobID      string
	Challenge  string
	Answer     string
	Confidence float64
	Score      float32
}

// NewStorageManager connects to PostgreSQL, applies the schema and, when
// qdrantAddress is set, opens the fingerprint index.
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string, dims int) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	sm := &StorageManager{
		postgres: postgres,
		logger:   logging.NewLogger("StorageManager"),
	}

	if qdrantAddress == "" {
		sm.logger.Info("Qdrant address not set, similar-challenge index disabled")
		return sm, nil
	}

	qdrant, err := NewQdrantClient(qdrantAddress, qdrantCollection, dims)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}
	sm.qdrant = qdrant

	return sm, nil
}

// StoreSolution indexes the fingerprint (when present) and writes the job
// and image to PostgreSQL.
func (sm *StorageManager) StoreSolution(ctx context.Context, input *SolutionInput) (*SolutionOutput, error) {
	if input == nil || input.Update == nil {
		return nil, fmt.Errorf("input is required")
	}

	update := input.Update
	if update.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	out := &SolutionOutput{JobID: update.JobID}

	indexed := false
	if sm.qdrant != nil && len(input.Fingerprint) > 0 && len(update.Answers) > 0 {
		pointID := uuid.New().String()
		point := &VectorPoint{
			ID:     pointID,
			Vector: input.Fingerprint,
			Metadata: map[string]interface{}{
				"job_id":     update.JobID,
				"challenge":  update.Challenge,
				"answer":     update.Answers[0],
				"confidence": sanitizeConfidence(update.Confidence),
				"recognizer": update.Recognizer,
			},
			Timestamp: time.Now().Unix(),
		}

		if err := sm.qdrant.UpsertVector(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store fingerprint in Qdrant: %w", err)
		}
		update.FingerprintPointID = pointID
		out.FingerprintPointID = pointID
		indexed = true
	}

	if err := sm.postgres.SaveSolution(ctx, update, input.Image); err != nil {
		if indexed {
			if delErr := sm.qdrant.DeleteVector(ctx, out.FingerprintPointID); delErr != nil {
				sm.logger.Error("Failed to roll back fingerprint",
					"jobId", update.JobID, "pointId", out.FingerprintPointID, "error", delErr)
			}
		}
		return nil, fmt.Errorf("failed to store solution in PostgreSQL: %w", err)
	}

	out.StoredAt = time.Now()
	return out, nil
}

// FindSimilar returns the closest solved challenge scoring at least
// threshold, or nil when there is none or the index is disabled.
func (sm *StorageManager) FindSimilar(ctx context.Context, fingerprint []float32, threshold float32) (*SimilarChallenge, error) {
	if sm.qdrant == nil || len(fingerprint) == 0 {
		return nil, nil
	}

	points, err := sm.qdrant.SearchVectors(ctx, fingerprint, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to search fingerprints: %w", err)
	}

	return bestMatch(points, threshold), nil
}

func bestMatch(points []*VectorPoint, threshold float32) *SimilarChallenge {
	for _, point := range points {
		if point.Score < threshold {
			continue
		}
		jobID, _ := point.Metadata["job_id"].(string)
		answer, _ := point.Metadata["answer"].(string)
		if jobID == "" || answer == "" {
			continue
		}
		challenge, _ := point.Metadata["challenge"].(string)
		confidence, _ := point.Metadata["confidence"].(float64)
		return &SimilarChallenge{
			JobID:      jobID,
			Challenge:  challenge,
			Answer:     answer,
			Confidence: confidence,
			Score:      point.Score,
		}
	}
	return nil
}

// FingerprintDims returns the index vector size, or 0 when disabled.
func (sm *StorageManager) FingerprintDims() int {
	if sm.qdrant == nil {
		return 0
	}
	return sm.qdrant.Dims()
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// GetImage retrieves the composited image of a job
func (sm *StorageManager) GetImage(ctx context.Context, jobID string) (*pixel.Buffer, error) {
	return sm.postgres.GetImage(ctx, jobID)
}

// Ping checks PostgreSQL connectivity
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}
