package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status values persisted in Postgres. COMPLETED, FAILED and CANCELLED are
// terminal: once entered, a job never transitions again.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// ErrIllegalTransition is returned when a status change would violate the
// job state machine.
var ErrIllegalTransition = errors.New("illegal status transition")

// StoredFile describes one uploaded file after intake persisted it. Paths are
// relative to the configured uploads root.
type StoredFile struct {
	OriginalName string `json:"original_name"`
	StoredName   string `json:"stored_name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	SHA256       string `json:"sha256"`
	StoredPath   string `json:"stored_path"`
}

// AuditJob represents one fiscal audit execution request. The input fields
// (summary, storage path, payload) are set once during admission and never
// change afterwards.
type AuditJob struct {
	ID             uuid.UUID       `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	InputSummary   *string         `json:"input_summary"`
	StoragePath    *string         `json:"storage_path"`
	InputPayload   []StoredFile    `json:"input_payload"`
	ResultPayload  json.RawMessage `json:"result_payload"`
	ErrorPayload   json.RawMessage `json:"error_payload"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// MarkRunning transitions the job to RUNNING.
func (j *AuditJob) MarkRunning() error {
	return j.transition(StatusRunning)
}

// MarkCompleted transitions the job to COMPLETED and records the result.
func (j *AuditJob) MarkCompleted(result json.RawMessage) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	if len(result) > 0 {
		j.ResultPayload = result
	}
	return nil
}

// MarkFailed transitions the job to FAILED and records the error detail.
func (j *AuditJob) MarkFailed(errPayload json.RawMessage) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	if len(errPayload) > 0 {
		j.ErrorPayload = errPayload
	}
	return nil
}

func (j *AuditJob) transition(to string) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}
