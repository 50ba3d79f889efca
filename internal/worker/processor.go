package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fiscal-audit-service/internal/config"
	"fiscal-audit-service/internal/models"
	"fiscal-audit-service/internal/store"
	"fiscal-audit-service/internal/telemetry"
)

// Store is the persistence port used by the processor
// (implementation: store.Store).
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (models.AuditJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (models.AuditJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) (models.AuditJob, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errPayload json.RawMessage) (models.AuditJob, error)
}

// Queue is the dispatch-bridge port used by the processor
// (implementation: queue.RedisQueue).
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// ProcessFunc performs the audit computation for a RUNNING job and returns
// the result payload. Swapping this swaps the whole computation step.
type ProcessFunc func(ctx context.Context, job models.AuditJob) (json.RawMessage, error)

// Processor drives the worker execution loop: claim a dispatched job, walk it
// through RUNNING to COMPLETED or FAILED, and ack the queue entry. Delivery
// is at-least-once, so a redelivered job that is already terminal is acked
// and skipped without touching its record.
type Processor struct {
	cfg     config.Config
	store   Store
	queue   Queue
	process ProcessFunc
	log     zerolog.Logger
}

func NewProcessor(cfg config.Config, st Store, q Queue, process ProcessFunc, log zerolog.Logger) *Processor {
	if process == nil {
		process = NewReportProcessor(cfg, log)
	}
	return &Processor{cfg: cfg, store: st, queue: q, process: process, log: log}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			p.log.Warn().Int("count", len(reclaimed)).Msg("reclaimed expired leases")
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.handle(ctx, jobID)
	}
}

// handle processes one dequeued job id end to end.
func (p *Processor) handle(ctx context.Context, jobID string) {
	log := p.log.With().Str("job_id", jobID).Logger()

	id, err := uuid.Parse(jobID)
	if err != nil {
		log.Error().Err(err).Msg("invalid job id on queue")
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	job, err := p.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("dispatched job not found")
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if err != nil {
		// Leave the lease in place so the job is redelivered once the store
		// is reachable again.
		log.Error().Err(err).Msg("fetch job")
		return
	}

	if models.Terminal(job.Status) {
		log.Debug().Str("status", job.Status).Msg("redelivered terminal job, skipping")
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	if job.Status == models.StatusRunning {
		// A previous worker died after claiming the job and its lease was
		// reclaimed. Resume processing instead of dropping the job, or it
		// would sit RUNNING forever.
		log.Warn().Msg("resuming redelivered running job")
	} else {
		job, err = p.store.MarkRunning(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrIllegalTransition) {
				// Another worker claimed the job between fetch and update.
				_ = p.queue.Ack(ctx, jobID)
				return
			}
			log.Error().Err(err).Msg("mark running")
			return
		}
		log.Info().Msg("audit job running")
	}

	result, err := p.process(ctx, job)
	if err != nil {
		p.recordFailure(ctx, id, err)
		_ = p.queue.Ack(ctx, jobID)
		telemetry.WorkerFailed.Inc()
		log.Error().Err(err).Msg("audit job failed")
		return
	}

	if _, err := p.store.MarkCompleted(ctx, id, result); err != nil {
		p.recordFailure(ctx, id, err)
		_ = p.queue.Ack(ctx, jobID)
		telemetry.WorkerFailed.Inc()
		log.Error().Err(err).Msg("record completion")
		return
	}
	_ = p.queue.Ack(ctx, jobID)
	telemetry.WorkerCompleted.Inc()
	log.Info().Msg("audit job completed")
}

// recordFailure writes the FAILED outcome. If the first attempt does not go
// through it refetches and tries once more. A job must not sit RUNNING
// without at least an attempt to record its failure.
func (p *Processor) recordFailure(ctx context.Context, id uuid.UUID, cause error) {
	payload, merr := json.Marshal(map[string]string{"error": cause.Error()})
	if merr != nil {
		payload = json.RawMessage(`{"error":"audit processing failed"}`)
	}

	if _, err := p.store.MarkFailed(ctx, id, payload); err == nil {
		return
	}
	job, err := p.store.GetJob(ctx, id)
	if err != nil || models.Terminal(job.Status) {
		return
	}
	if _, err := p.store.MarkFailed(ctx, id, payload); err != nil {
		p.log.Error().Err(err).Str("job_id", id.String()).Msg("unable to record failure")
	}
}
