package errors

import (
	"fmt"
	"time"
)

/**
 * Error types for the captcha solve worker
 *
 * Engine errors (INVALID_BUFFER, EMPTY_INPUT) are returned by the pure
 * solving packages; the remaining codes are raised by the worker shell.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Engine errors
	ErrorInvalidBuffer ErrorCode = "INVALID_BUFFER"
	ErrorEmptyInput    ErrorCode = "EMPTY_INPUT"

	// ErrorDegenerateRange documents the non-positive slide width case.
	// The engine never returns it: such searches report a zero offset.
	ErrorDegenerateRange ErrorCode = "DEGENERATE_RANGE"

	// Processing errors
	ErrorInvalidPayload    ErrorCode = "INVALID_PAYLOAD"
	ErrorRecognitionFailed ErrorCode = "RECOGNITION_FAILED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// Sentinels for errors.Is matching by code.
var (
	ErrInvalidBuffer  = &SolveError{Code: ErrorInvalidBuffer}
	ErrEmptyInput     = &SolveError{Code: ErrorEmptyInput}
	ErrInvalidPayload = &SolveError{Code: ErrorInvalidPayload}
)

// SolveError represents a structured solving error
type SolveError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *SolveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SolveError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SolveError carrying the same code.
func (e *SolveError) Is(target error) bool {
	t, ok := target.(*SolveError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Factory functions for common errors

// NewInvalidBufferError reports a pixel buffer with zero or mismatched dimensions.
func NewInvalidBufferError(name string, width, height, pixels int) *SolveError {
	return &SolveError{
		Code:      ErrorInvalidBuffer,
		Message:   fmt.Sprintf("invalid %s buffer: %dx%d with %d pixels", name, width, height, pixels),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"buffer": name,
			"width":  width,
			"height": height,
			"pixels": pixels,
		},
	}
}

// NewEmptyInputError reports a missing input such as checkpoints, columns or a background.
func NewEmptyInputError(what string) *SolveError {
	return &SolveError{
		Code:      ErrorEmptyInput,
		Message:   fmt.Sprintf("no %s supplied", what),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"input": what,
		},
	}
}

func NewInvalidPayloadError(jobID string, reason string, cause error) *SolveError {
	return &SolveError{
		Code:      ErrorInvalidPayload,
		Message:   fmt.Sprintf("invalid job payload: %s", reason),
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewRecognitionFailedError(jobID string, recognizer string, cause error) *SolveError {
	return &SolveError{
		Code:      ErrorRecognitionFailed,
		Message:   fmt.Sprintf("recognition failed at tier: %s", recognizer),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"recognizer": recognizer,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *SolveError {
	return &SolveError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *SolveError {
	return &SolveError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store solve results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first SolveError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	for err != nil {
		if se, ok := err.(*SolveError); ok {
			return se.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// WithJob returns a copy of e attributed to jobID.
func (e *SolveError) WithJob(jobID string) *SolveError {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// ToMap converts error to map for database storage
func (e *SolveError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
