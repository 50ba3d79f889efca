package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fiscal-audit-service/internal/intake"
	"fiscal-audit-service/internal/models"
	"fiscal-audit-service/internal/store"
)

// Store is the persistence port used by the audit service
// (implementation: store.Store).
type Store interface {
	CreateJob(ctx context.Context, idempotencyKey string, persist store.PersistFunc) (models.AuditJob, bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (models.AuditJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.AuditJob, int64, error)
}

// AuditService owns job admission: it combines the store's key-claim
// transaction with the intake validator so that a request either yields a
// fully populated job or leaves nothing behind.
type AuditService struct {
	store  Store
	intake *intake.Validator
	log    zerolog.Logger
}

func NewAuditService(st Store, v *intake.Validator, log zerolog.Logger) *AuditService {
	return &AuditService{store: st, intake: v, log: log}
}

// CreateOrGet returns the job for the idempotency key, creating it if the key
// is unseen. The second return value is true when this call created the job;
// the transport uses it to decide whether to dispatch and which status to
// report. Reuse, whether via the fast lookup or after losing the insert race,
// writes no files and creates no job.
func (s *AuditService) CreateOrGet(ctx context.Context, idempotencyKey string, uploads []intake.Upload) (models.AuditJob, bool, error) {
	var persistedPath string

	job, created, err := s.store.CreateJob(ctx, idempotencyKey, func(jobID uuid.UUID) ([]models.StoredFile, string, string, error) {
		stored, summary, storagePath, perr := s.intake.Persist(ctx, jobID, uploads)
		if perr == nil {
			persistedPath = storagePath
		}
		return stored, summary, storagePath, perr
	})
	if err != nil {
		// Intake cleans up after its own violations; this covers files that
		// were written before a later commit failure.
		if persistedPath != "" {
			s.intake.Discard(persistedPath)
		}
		return models.AuditJob{}, false, err
	}

	if created {
		s.log.Info().
			Str("job_id", job.ID.String()).
			Str("idempotency_key", idempotencyKey).
			Msg("audit job created")
	} else {
		s.log.Info().
			Str("job_id", job.ID.String()).
			Str("idempotency_key", idempotencyKey).
			Msg("audit job reused")
	}
	return job, created, nil
}

// GetJob fetches a job by id.
func (s *AuditService) GetJob(ctx context.Context, id uuid.UUID) (models.AuditJob, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs returns a page of jobs newest-first plus the total count. The
// limit is clamped to [1,100], the offset to zero or more.
func (s *AuditService) ListJobs(ctx context.Context, limit, offset int) ([]models.AuditJob, int64, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListJobs(ctx, limit, offset)
}
