/**
 * PostgreSQL Client for the Captcha Solve Worker
 *
 * Persists solve jobs (status, ranked answers, alignment) and the
 * composited image each answer was read from.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
)

// Job statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ImageCodec names the encoding written by EncodeImage.
const ImageCodec = "zstd-argb32be"

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS captcha;

	CREATE TABLE IF NOT EXISTS captcha.solve_jobs (
		id                   uuid PRIMARY KEY,
		challenge            text,
		status               text NOT NULL,
		answers              text[],
		confidences          real[],
		confidence           numeric(5,4),
		bg_offset            real,
		slider_offset        real,
		strategy             text,
		recognizer           text,
		fingerprint_point_id uuid,
		similar_job_id       uuid,
		processing_time_ms   bigint,
		error_code           text,
		error_message        text,
		metadata             jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at           timestamptz NOT NULL DEFAULT NOW(),
		updated_at           timestamptz NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS captcha.composited_images (
		job_id     uuid PRIMARY KEY REFERENCES captcha.solve_jobs(id) ON DELETE CASCADE,
		width      integer NOT NULL,
		height     integer NOT NULL,
		codec      text NOT NULL,
		data       bytea NOT NULL,
		created_at timestamptz NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS solve_jobs_status_idx ON captcha.solve_jobs (status);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID              string
	Challenge          string
	Status             string
	Answers            []string
	Confidences        []float32
	Confidence         float64
	Offset             float32
	SliderOffset       *float32
	Strategy           string
	Recognizer         string
	FingerprintPointID string
	SimilarJobID       string
	ProcessingTimeMs   int64
	ErrorCode          string
	ErrorMessage       string
	Metadata           map[string]interface{}
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0, 1] so it fits the NUMERIC(5,4) column.
func sanitizeConfidence(confidence float64) float64 {
	if confidence != confidence || confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// sanitizeJSONForPostgres strips \u0000 and replaces the other control
// character escapes with a space; JSONB rejects them.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the captcha schema and tables when missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return upsertJob(ctx, p.db, update)
}

// SaveSolution writes the job row and its composited image in one
// transaction.
func (p *PostgresClient) SaveSolution(ctx context.Context, update *JobUpdate, img *pixel.Buffer) error {
	var data []byte
	if img != nil {
		var err error
		if data, err = EncodeImage(img); err != nil {
			return fmt.Errorf("failed to encode image: %w", err)
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertJob(ctx, tx, update); err != nil {
		return err
	}

	if data != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO captcha.composited_images (job_id, width, height, codec, data, created_at)
			VALUES ($1::uuid, $2, $3, $4, $5, NOW())
			ON CONFLICT (job_id) DO UPDATE SET
				width = EXCLUDED.width,
				height = EXCLUDED.height,
				codec = EXCLUDED.codec,
				data = EXCLUDED.data,
				created_at = NOW()
		`, update.JobID, img.Width(), img.Height(), ImageCodec, data)
		if err != nil {
			return fmt.Errorf("failed to store composited image (job=%s): %w", update.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit solution (job=%s): %w", update.JobID, err)
	}
	return nil
}

func upsertJob(ctx context.Context, q queryRower, update *JobUpdate) error {
	if update == nil || update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	var sliderOffset sql.NullFloat64
	if update.SliderOffset != nil {
		sliderOffset = sql.NullFloat64{Float64: float64(*update.SliderOffset), Valid: true}
	}

	var answers interface{}
	var confidences interface{}
	if update.Answers != nil {
		answers = pq.Array(update.Answers)
		confidences = pq.Array(update.Confidences)
	}

	// Status-only updates keep the answers of an earlier completed write.
	query := `
		INSERT INTO captcha.solve_jobs (
			id, challenge, status, answers, confidences, confidence,
			bg_offset, slider_offset, strategy, recognizer,
			fingerprint_point_id, similar_job_id, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), $3, $4, $5, NULLIF($6::NUMERIC(5,4), 0),
			$7, $8, NULLIF($9, ''), NULLIF($10, ''),
			CASE WHEN $11 = '' THEN NULL ELSE $11::uuid END,
			CASE WHEN $12 = '' THEN NULL ELSE $12::uuid END,
			NULLIF($13, 0),
			NULLIF($14, ''), NULLIF($15, ''),
			COALESCE($16::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			challenge = COALESCE(EXCLUDED.challenge, captcha.solve_jobs.challenge),
			answers = COALESCE(EXCLUDED.answers, captcha.solve_jobs.answers),
			confidences = COALESCE(EXCLUDED.confidences, captcha.solve_jobs.confidences),
			confidence = COALESCE(EXCLUDED.confidence, captcha.solve_jobs.confidence),
			bg_offset = COALESCE(EXCLUDED.bg_offset, captcha.solve_jobs.bg_offset),
			slider_offset = COALESCE(EXCLUDED.slider_offset, captcha.solve_jobs.slider_offset),
			strategy = COALESCE(EXCLUDED.strategy, captcha.solve_jobs.strategy),
			recognizer = COALESCE(EXCLUDED.recognizer, captcha.solve_jobs.recognizer),
			fingerprint_point_id = COALESCE(EXCLUDED.fingerprint_point_id, captcha.solve_jobs.fingerprint_point_id),
			similar_job_id = COALESCE(EXCLUDED.similar_job_id, captcha.solve_jobs.similar_job_id),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, captcha.solve_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = captcha.solve_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var offset sql.NullFloat64
	if update.Status == StatusCompleted {
		offset = sql.NullFloat64{Float64: float64(update.Offset), Valid: true}
	}

	var returnedID string
	err = q.QueryRowContext(
		ctx,
		query,
		update.JobID,              // $1
		update.Challenge,          // $2
		update.Status,             // $3
		answers,                   // $4
		confidences,               // $5
		sanitizedConfidence,       // $6
		offset,                    // $7
		sliderOffset,              // $8
		update.Strategy,           // $9
		update.Recognizer,         // $10
		update.FingerprintPointID, // $11
		update.SimilarJobID,       // $12
		update.ProcessingTimeMs,   // $13
		update.ErrorCode,          // $14
		update.ErrorMessage,       // $15
		metadataJSON,              // $16
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, challenge, status, answers, confidences, confidence,
			bg_offset, slider_offset, strategy, recognizer, similar_job_id,
			processing_time_ms, error_code, error_message, metadata,
			created_at, updated_at
		FROM captcha.solve_jobs
		WHERE id = $1::uuid
	`

	var (
		id, status                       string
		challenge, strategy, recognizer  sql.NullString
		similarJobID                     sql.NullString
		errorCode, errorMessage          sql.NullString
		answers                          pq.StringArray
		confidences                      pq.Float32Array
		confidence, offset, sliderOffset sql.NullFloat64
		processingTimeMs                 sql.NullInt64
		metadataJSON                     []byte
		createdAt, updatedAt             time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &challenge, &status, &answers, &confidences, &confidence,
		&offset, &sliderOffset, &strategy, &recognizer, &similarJobID,
		&processingTimeMs, &errorCode, &errorMessage, &metadataJSON,
		&createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":          id,
		"status":      status,
		"answers":     []string(answers),
		"confidences": []float32(confidences),
		"createdAt":   createdAt,
		"updatedAt":   updatedAt,
		"metadata":    metadata,
	}

	if challenge.Valid {
		result["challenge"] = challenge.String
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if offset.Valid {
		result["offset"] = offset.Float64
	}
	if sliderOffset.Valid {
		result["sliderOffset"] = sliderOffset.Float64
	}
	if strategy.Valid {
		result["strategy"] = strategy.String
	}
	if recognizer.Valid {
		result["recognizer"] = recognizer.String
	}
	if similarJobID.Valid {
		result["similarJobId"] = similarJobID.String
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// GetImage loads the composited image stored for a job.
func (p *PostgresClient) GetImage(ctx context.Context, jobID string) (*pixel.Buffer, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	var (
		width, height int
		codec         string
		data          []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT width, height, codec, data
		FROM captcha.composited_images
		WHERE job_id = $1::uuid
	`, jobID).Scan(&width, &height, &codec, &data)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("image not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	if codec != ImageCodec {
		return nil, fmt.Errorf("unsupported image codec %q for job %s", codec, jobID)
	}

	return DecodeImage(data, width, height)
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns database connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
