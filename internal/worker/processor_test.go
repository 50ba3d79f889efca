package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fiscal-audit-service/internal/config"
	"fiscal-audit-service/internal/models"
	"fiscal-audit-service/internal/store"
)

type memStore struct {
	jobs map[uuid.UUID]*models.AuditJob
}

func newMemStore(jobs ...*models.AuditJob) *memStore {
	m := &memStore{jobs: map[uuid.UUID]*models.AuditJob{}}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memStore) GetJob(ctx context.Context, id uuid.UUID) (models.AuditJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.AuditJob{}, store.ErrNotFound
	}
	return *job, nil
}

func (m *memStore) MarkRunning(ctx context.Context, id uuid.UUID) (models.AuditJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.AuditJob{}, store.ErrNotFound
	}
	if err := job.MarkRunning(); err != nil {
		return models.AuditJob{}, err
	}
	return *job, nil
}

func (m *memStore) MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) (models.AuditJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.AuditJob{}, store.ErrNotFound
	}
	if err := job.MarkCompleted(result); err != nil {
		return models.AuditJob{}, err
	}
	return *job, nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, errPayload json.RawMessage) (models.AuditJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.AuditJob{}, store.ErrNotFound
	}
	if err := job.MarkFailed(errPayload); err != nil {
		return models.AuditJob{}, err
	}
	return *job, nil
}

type memQueue struct {
	acked []string
}

func (q *memQueue) DequeueWithLease(ctx context.Context) (string, error) { return "", nil }
func (q *memQueue) Ack(ctx context.Context, jobID string) error {
	q.acked = append(q.acked, jobID)
	return nil
}
func (q *memQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return nil, nil
}
func (q *memQueue) Depth(ctx context.Context) (int64, error) { return 0, nil }

func pendingJob(t *testing.T, uploadsDir string) *models.AuditJob {
	t.Helper()
	id := uuid.New()
	storagePath := id.String()
	jobDir := filepath.Join(uploadsDir, storagePath)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	storedName := "deadbeef.txt"
	if err := os.WriteFile(filepath.Join(jobDir, storedName), []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	summary := "1 file(s) • 3 B"
	return &models.AuditJob{
		ID:             id,
		IdempotencyKey: "k-" + id.String(),
		Status:         models.StatusPending,
		InputSummary:   &summary,
		StoragePath:    &storagePath,
		InputPayload: []models.StoredFile{{
			OriginalName: "a.txt",
			StoredName:   storedName,
			ContentType:  "text/plain",
			Size:         3,
			SHA256:       "unchecked",
			StoredPath:   filepath.Join(storagePath, storedName),
		}},
	}
}

func testProcessor(st Store, q Queue, uploadsDir string, process ProcessFunc) *Processor {
	cfg := config.Config{UploadsDir: uploadsDir, WorkerPollInterval: time.Millisecond}
	return NewProcessor(cfg, st, q, process, zerolog.Nop())
}

func TestProcessorCompletesJob(t *testing.T) {
	uploadsDir := t.TempDir()
	job := pendingJob(t, uploadsDir)
	st := newMemStore(job)
	q := &memQueue{}

	p := testProcessor(st, q, uploadsDir, nil)
	p.handle(context.Background(), job.ID.String())

	if job.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
	var result map[string]any
	if err := json.Unmarshal(job.ResultPayload, &result); err != nil {
		t.Fatalf("result payload not json: %v", err)
	}
	if result["message"] != "Audit processing completed." {
		t.Fatalf("unexpected result message: %v", result["message"])
	}
	if len(q.acked) != 1 || q.acked[0] != job.ID.String() {
		t.Fatalf("job not acked: %v", q.acked)
	}
}

func TestProcessorRecordsFailure(t *testing.T) {
	uploadsDir := t.TempDir()
	job := pendingJob(t, uploadsDir)
	st := newMemStore(job)
	q := &memQueue{}

	boom := errors.New("parser exploded")
	p := testProcessor(st, q, uploadsDir, func(ctx context.Context, job models.AuditJob) (json.RawMessage, error) {
		return nil, boom
	})
	p.handle(context.Background(), job.ID.String())

	if job.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	var detail map[string]string
	if err := json.Unmarshal(job.ErrorPayload, &detail); err != nil {
		t.Fatalf("error payload not json: %v", err)
	}
	if detail["error"] != "parser exploded" {
		t.Fatalf("unexpected error detail: %v", detail)
	}
	if len(q.acked) != 1 {
		t.Fatalf("failed job must still be acked")
	}
}

func TestProcessorFailsOnMissingStoredFile(t *testing.T) {
	uploadsDir := t.TempDir()
	job := pendingJob(t, uploadsDir)
	if err := os.RemoveAll(filepath.Join(uploadsDir, *job.StoragePath)); err != nil {
		t.Fatalf("remove job dir: %v", err)
	}
	st := newMemStore(job)
	q := &memQueue{}

	p := testProcessor(st, q, uploadsDir, nil)
	p.handle(context.Background(), job.ID.String())

	if job.Status != models.StatusFailed {
		t.Fatalf("expected FAILED when stored files vanished, got %s", job.Status)
	}
}

func TestProcessorResumesRedeliveredRunningJob(t *testing.T) {
	// A worker that died after MarkRunning leaves the job RUNNING; once the
	// lease expires the job id is redelivered and must be processed to an
	// outcome, not dropped.
	uploadsDir := t.TempDir()
	job := pendingJob(t, uploadsDir)
	job.Status = models.StatusRunning
	st := newMemStore(job)
	q := &memQueue{}

	p := testProcessor(st, q, uploadsDir, nil)
	p.handle(context.Background(), job.ID.String())

	if job.Status != models.StatusCompleted {
		t.Fatalf("redelivered running job must reach an outcome, got %s", job.Status)
	}
	if job.ResultPayload == nil {
		t.Fatalf("resumed job has no result payload")
	}
	if len(q.acked) != 1 {
		t.Fatalf("resumed job must be acked, got %v", q.acked)
	}
}

func TestProcessorSkipsTerminalJob(t *testing.T) {
	uploadsDir := t.TempDir()
	job := pendingJob(t, uploadsDir)
	job.Status = models.StatusCompleted
	result := json.RawMessage(`{"message":"done"}`)
	job.ResultPayload = result
	st := newMemStore(job)
	q := &memQueue{}

	called := false
	p := testProcessor(st, q, uploadsDir, func(ctx context.Context, job models.AuditJob) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	p.handle(context.Background(), job.ID.String())

	if called {
		t.Fatalf("terminal job must not be reprocessed")
	}
	if string(job.ResultPayload) != string(result) {
		t.Fatalf("terminal job state mutated")
	}
	if len(q.acked) != 1 {
		t.Fatalf("redelivered terminal job must be acked")
	}
}

func TestProcessorAcksUnknownJob(t *testing.T) {
	uploadsDir := t.TempDir()
	st := newMemStore()
	q := &memQueue{}

	p := testProcessor(st, q, uploadsDir, nil)
	p.handle(context.Background(), uuid.New().String())

	if len(q.acked) != 1 {
		t.Fatalf("unknown job must be acked off the queue")
	}
}
