package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/id"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/queue"
	"github.com/dunamismax/pixelgate/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Assembler interface {
	Assemble(d domain.Descriptor) (domain.ResolvedRequest, error)
}

type Renderer interface {
	Render(ctx context.Context, req domain.ResolvedRequest) (pipeline.Result, error)
}

type RenditionCache interface {
	Get(ctx context.Context, req domain.ResolvedRequest) (pipeline.Result, bool, error)
	Set(ctx context.Context, req domain.ResolvedRequest, res pipeline.Result) error
}

type queueEnqueuer interface {
	EnqueueRendition(ctx context.Context, payload queue.RenderRenditionPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Options wires a Server. Assembler, Renderer and Jobs are required; the
// rest switch features off when nil.
type Options struct {
	Assembler           Assembler
	Renderer            Renderer
	Jobs                store.JobStore
	Cache               RenditionCache
	Queue               queueEnqueuer
	Storage             objectStorage
	RateLimiter         RateLimiter
	RateLimitHeader     string
	CORSOrigins         []string
	CacheControlDefault string
	PresignTTL          time.Duration
}

type Server struct {
	logger              *log.Logger
	assembler           Assembler
	renderer            Renderer
	jobStore            store.JobStore
	cache               RenditionCache
	queueClient         queueEnqueuer
	storage             objectStorage
	rateLimiter         RateLimiter
	rateLimitHeader     string
	corsOrigins         []string
	cacheControlDefault string
	presignTTL          time.Duration
	metrics             *metrics
	tracer              trace.Tracer
	mux                 *http.ServeMux
}

func NewServer(logger *log.Logger, opts Options) (*Server, error) {
	if opts.Assembler == nil || opts.Renderer == nil {
		return nil, errors.New("assembler and renderer are required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}

	s := &Server{
		logger:              logger,
		assembler:           opts.Assembler,
		renderer:            opts.Renderer,
		jobStore:            opts.Jobs,
		cache:               opts.Cache,
		queueClient:         opts.Queue,
		storage:             opts.Storage,
		rateLimiter:         opts.RateLimiter,
		rateLimitHeader:     opts.RateLimitHeader,
		corsOrigins:         opts.CORSOrigins,
		cacheControlDefault: opts.CacheControlDefault,
		presignTTL:          opts.PresignTTL,
		metrics:             newMetrics(),
		tracer:              otel.Tracer("pixelgate/api"),
		mux:                 http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withCORS(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/renditions", s.handleCreateRendition)
	s.mux.HandleFunc("GET /v1/renditions/{id}", s.handleGetRendition)
	s.mux.HandleFunc("OPTIONS /{path...}", s.handlePreflight)
	s.mux.HandleFunc("GET /{path...}", s.handleImage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRendition(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeAPIError(w, apiError{Status: http.StatusServiceUnavailable, Code: "Renditions::Unavailable", Message: "Background renditions are not enabled."})
		return
	}

	var body domain.CreateRenditionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeAPIError(w, invalidRequest(err))
		return
	}
	if err := body.Validate(); err != nil {
		writeAPIError(w, invalidRequest(err))
		return
	}

	// Assemble now so a bad path is a 4xx here rather than a failed job.
	resolved, err := s.assembler.Assemble(body.Descriptor())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		Path:       strings.TrimSpace(body.Path),
		Headers:    body.Headers,
		WebhookURL: strings.TrimSpace(body.WebhookURL),
		Bucket:     resolved.Bucket,
		Key:        resolved.Key,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeAPIError(w, internalError)
		return
	}

	taskInfo, err := s.queueClient.EnqueueRendition(r.Context(), queue.RenderRenditionPayload{
		JobID:       job.ID,
		Path:        job.Path,
		Headers:     job.Headers,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		if _, ferr := s.jobStore.Finish(r.Context(), job.ID, store.JobResult{Status: domain.JobStatusFailed, Bucket: job.Bucket, Key: job.Key, Error: "enqueue failed"}); ferr != nil {
			s.logger.Printf("job finish failed job_id=%s err=%v", job.ID, ferr)
		}
		writeAPIError(w, internalError)
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"status":     domain.JobStatusQueued,
		"bucket":     job.Bucket,
		"key":        job.Key,
		"queue":      taskInfo.Queue,
		"task_id":    taskInfo.ID,
		"status_url": fmt.Sprintf("/v1/renditions/%s", job.ID),
	})
}

func (s *Server) handleGetRendition(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeAPIError(w, internalError)
		return
	}
	if !ok {
		writeAPIError(w, apiError{Status: http.StatusNotFound, Code: "Renditions::NotFound", Message: "No rendition job exists with that id."})
		return
	}

	out := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"path":       job.Path,
		"bucket":     job.Bucket,
		"key":        job.Key,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.OutputKey != "" {
		out["output_key"] = job.OutputKey
		out["content_type"] = job.ContentType
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	if job.Status == domain.JobStatusSucceeded && job.OutputKey != "" && s.storage != nil {
		url, err := s.storage.PresignedGetURL(r.Context(), job.OutputKey, s.presignTTL)
		if err != nil {
			s.logger.Printf("presign failed job_id=%s err=%v", job.ID, err)
		} else {
			out["download_url"] = url
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
