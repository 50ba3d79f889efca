package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fiscal-audit-service/internal/models"
)

var (
	// ErrNotFound is returned when no job matches the lookup.
	ErrNotFound = errors.New("audit job not found")
	// ErrDuplicateKey reports a lost race on the idempotency key uniqueness
	// constraint. It is distinguishable from every other write failure so the
	// admission path can recover selectively.
	ErrDuplicateKey = errors.New("idempotency key already claimed")
)

// Store wraps pgxpool for Postgres persistence of audit jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping runs a trivial query to verify the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// PersistFunc writes the batch of uploads for a freshly claimed job id and
// returns the stored-file descriptors, the human-readable summary, and the
// job's storage path relative to the uploads root.
type PersistFunc func(jobID uuid.UUID) ([]models.StoredFile, string, string, error)

const jobColumns = `id, idempotency_key, status, input_summary, storage_path, input_payload, result_payload, error_payload, created_at, updated_at`

// CreateJob claims the idempotency key and admits a new job in one logical
// unit. It first short-circuits on an existing job for the key. Otherwise it
// inserts a provisional PENDING row inside a transaction (so the job id exists
// for the storage path), invokes persist to write the files, populates the
// input fields, and commits. A uniqueness violation on the insert means a
// concurrent request won the race: the transaction is rolled back and the
// winner's job is fetched and returned instead.
//
// The second return value is true when a new job was created by this call.
func (s *Store) CreateJob(ctx context.Context, idempotencyKey string, persist PersistFunc) (models.AuditJob, bool, error) {
	if existing, found, err := s.FindByIdempotencyKey(ctx, idempotencyKey); err != nil {
		return models.AuditJob{}, false, err
	} else if found {
		return existing, false, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AuditJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op after commit

	id := uuid.New()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_jobs (id, idempotency_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, id, idempotencyKey, models.StatusPending, now)
	if err != nil {
		if isUniqueViolation(err) {
			// A competing request committed the key first. Roll back and
			// return the winner's job as reused.
			_ = tx.Rollback(ctx)
			existing, found, ferr := s.FindByIdempotencyKey(ctx, idempotencyKey)
			if ferr != nil {
				return models.AuditJob{}, false, ferr
			}
			if !found {
				return models.AuditJob{}, false, fmt.Errorf("%w: no job found after race", ErrDuplicateKey)
			}
			return existing, false, nil
		}
		return models.AuditJob{}, false, fmt.Errorf("insert job: %w", err)
	}

	stored, summary, storagePath, err := persist(id)
	if err != nil {
		return models.AuditJob{}, false, err
	}

	payloadJSON, err := json.Marshal(stored)
	if err != nil {
		return models.AuditJob{}, false, fmt.Errorf("marshal input payload: %w", err)
	}

	now = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE audit_jobs
		SET input_summary = $2, storage_path = $3, input_payload = $4, updated_at = $5
		WHERE id = $1
	`, id, summary, storagePath, payloadJSON, now)
	if err != nil {
		return models.AuditJob{}, false, fmt.Errorf("populate job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.AuditJob{}, false, fmt.Errorf("commit: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.AuditJob{}, false, err
	}
	return job, true, nil
}

// FindByIdempotencyKey returns the job claimed under the key, if any.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.AuditJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM audit_jobs WHERE idempotency_key = $1
	`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AuditJob{}, false, nil
	}
	if err != nil {
		return models.AuditJob{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (models.AuditJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM audit_jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AuditJob{}, ErrNotFound
	}
	if err != nil {
		return models.AuditJob{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListJobs returns a page of jobs ordered by creation time descending, along
// with the total count.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]models.AuditJob, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM audit_jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.AuditJob, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	return jobs, total, nil
}

// MarkRunning transitions a job PENDING -> RUNNING.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) (models.AuditJob, error) {
	return s.applyTransition(ctx, id, func(job *models.AuditJob) error {
		return job.MarkRunning()
	})
}

// MarkCompleted transitions a job RUNNING -> COMPLETED with its result.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) (models.AuditJob, error) {
	return s.applyTransition(ctx, id, func(job *models.AuditJob) error {
		return job.MarkCompleted(result)
	})
}

// MarkFailed transitions a job to FAILED with its error detail.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errPayload json.RawMessage) (models.AuditJob, error) {
	return s.applyTransition(ctx, id, func(job *models.AuditJob) error {
		return job.MarkFailed(errPayload)
	})
}

// applyTransition fetches the row, validates the transition through the
// entity, and writes status and payloads back in one guarded update. The
// status guard makes the write a no-op if another writer moved the job first,
// which keeps observed transitions monotonic.
func (s *Store) applyTransition(ctx context.Context, id uuid.UUID, mutate func(*models.AuditJob) error) (models.AuditJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.AuditJob{}, err
	}
	prev := job.Status
	if err := mutate(&job); err != nil {
		return models.AuditJob{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE audit_jobs
		SET status = $2, result_payload = $3, error_payload = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`, id, job.Status, nullableJSON(job.ResultPayload), nullableJSON(job.ErrorPayload), job.UpdatedAt, prev)
	if err != nil {
		return models.AuditJob{}, fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.AuditJob{}, fmt.Errorf("%w: %s no longer %s", models.ErrIllegalTransition, id, prev)
	}
	return job, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func scanJob(row pgx.Row) (models.AuditJob, error) {
	var (
		job         models.AuditJob
		summary     pgtype.Text
		storagePath pgtype.Text
		inputBytes  []byte
		resultBytes []byte
		errorBytes  []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.IdempotencyKey,
		&job.Status,
		&summary,
		&storagePath,
		&inputBytes,
		&resultBytes,
		&errorBytes,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return models.AuditJob{}, err
	}

	job.InputSummary = textPtr(summary)
	job.StoragePath = textPtr(storagePath)
	if inputBytes != nil {
		if err := json.Unmarshal(inputBytes, &job.InputPayload); err != nil {
			return models.AuditJob{}, fmt.Errorf("unmarshal input payload: %w", err)
		}
	}
	if resultBytes != nil {
		job.ResultPayload = json.RawMessage(resultBytes)
	}
	if errorBytes != nil {
		job.ErrorPayload = json.RawMessage(errorBytes)
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
