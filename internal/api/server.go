package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fiscal-audit-service/internal/config"
	"fiscal-audit-service/internal/health"
	"fiscal-audit-service/internal/intake"
	"fiscal-audit-service/internal/models"
	"fiscal-audit-service/internal/ratelimit"
	"fiscal-audit-service/internal/store"
	"fiscal-audit-service/internal/telemetry"
)

const maxIdempotencyKeyLen = 128

// multipartMemory is the in-memory threshold for multipart parsing; larger
// parts spill to temp files so upload memory stays bounded.
const multipartMemory = 32 << 20

// AuditService is the admission port used by the handlers
// (implementation: service.AuditService).
type AuditService interface {
	CreateOrGet(ctx context.Context, idempotencyKey string, uploads []intake.Upload) (models.AuditJob, bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (models.AuditJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.AuditJob, int64, error)
}

// Dispatcher hands an admitted job id to the processor, fire-and-forget
// (implementation: queue.RedisQueue).
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
}

// ReadyChecker aggregates dependency probes (implementation: health.Checker).
type ReadyChecker interface {
	Ready(ctx context.Context) health.Report
}

// Server wires the HTTP handlers for the audit API.
type Server struct {
	cfg      config.Config
	svc      AuditService
	dispatch Dispatcher
	checker  ReadyChecker
	limiter  *ratelimit.TokenBucket
	log      zerolog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(cfg config.Config, svc AuditService, dispatch Dispatcher, checker ReadyChecker, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		dispatch: dispatch,
		checker:  checker,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/audits", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.checker.Ready(r.Context()))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "Header 'Idempotency-Key' is required.")
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Idempotency-Key must be at most %d characters.", maxIdempotencyKeyLen))
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many audit submissions, slow down")
			return
		}
	}

	// Cap the request body so a runaway upload cannot outgrow the aggregate
	// job limit by more than the multipart framing overhead.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadJobBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "Send at least one file for audit.")
		return
	}

	uploads := make([]intake.Upload, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		uploads = append(uploads, intake.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}

	job, created, err := s.svc.CreateOrGet(r.Context(), key, uploads)
	if err != nil {
		var verr *intake.ValidationError
		if errors.As(err, &verr) {
			telemetry.IntakeRejects.Inc()
			writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		s.log.Error().Err(err).Str("idempotency_key", key).Msg("admission failed")
		writeError(w, http.StatusInternalServerError, "failed to admit audit job")
		return
	}

	if created {
		// Dispatch only after the admission transaction committed, and never
		// for a reused job. Delivery is fire-and-forget.
		if err := s.dispatch.Enqueue(r.Context(), job.ID.String()); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("dispatch failed, job stays pending")
		} else {
			s.log.Info().Str("job_id", job.ID.String()).Msg("audit job enqueued")
		}
		telemetry.AuditsAdmitted.Inc()
		writeJSON(w, http.StatusAccepted, job)
		return
	}

	telemetry.AuditsReused.Inc()
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Audit job '%s' not found.", raw))
		return
	}
	job, err := s.svc.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Audit job '%s' not found.", id))
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("job_id", raw).Msg("fetch job")
		writeError(w, http.StatusInternalServerError, "failed to fetch audit job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Items  []models.AuditJob `json:"items"`
	Total  int64             `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.svc.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list audit jobs")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: jobs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("req_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
