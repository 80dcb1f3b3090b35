package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/pixelgate/internal/config"
	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/queue"
	"github.com/dunamismax/pixelgate/internal/request"
	"github.com/dunamismax/pixelgate/internal/storage"
	"github.com/dunamismax/pixelgate/internal/store"
	"github.com/dunamismax/pixelgate/internal/telemetry"
	"github.com/dunamismax/pixelgate/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Assembler interface {
	Assemble(d domain.Descriptor) (domain.ResolvedRequest, error)
}

type Renderer interface {
	Render(ctx context.Context, req domain.ResolvedRequest) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators a worker renders with.
type Deps struct {
	Assembler Assembler
	Renderer  Renderer
	Emitter   pipeline.Emitter
	Webhooks  webhookSender
	Jobs      store.JobStore
}

type Server struct {
	logger    *log.Logger
	server    *asynq.Server
	sem       chan struct{}
	assembler Assembler
	renderer  Renderer
	emitter   pipeline.Emitter
	webhooks  webhookSender
	jobStore  store.JobStore
	metrics   *metrics
	tracer    trace.Tracer
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	s, err := newServer(logger, workerCfg, deps)
	if err != nil {
		return nil, err
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
			}),
		},
	)
	return s, nil
}

func newServer(logger *log.Logger, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if deps.Assembler == nil || deps.Renderer == nil || deps.Emitter == nil {
		return nil, errors.New("assembler, renderer and emitter are required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	return &Server{
		logger:    logger,
		sem:       make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		assembler: deps.Assembler,
		renderer:  deps.Renderer,
		emitter:   deps.Emitter,
		webhooks:  deps.Webhooks,
		jobStore:  deps.Jobs,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("pixelgate/worker"),
	}, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderRendition, s.handleRenderRendition)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRenderRendition(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRenderRenditionPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.render(ctx, payload)
}

func (s *Server) render(ctx context.Context, payload queue.RenderRenditionPayload) error {
	startedAt := time.Now()
	scheme := domain.SchemeUnknown
	outcome := domain.JobStatusFailed

	ctx, span := s.tracer.Start(ctx, "worker.render_rendition", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("rendition.path", payload.Path),
	)
	defer span.End()
	defer func() {
		s.metrics.renditionDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.renditionsTotal.WithLabelValues(scheme.String(), outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf("Rendering... job_id=%s path=%s", payload.JobID, payload.Path)
	if _, err := s.jobStore.UpdateStatus(ctx, payload.JobID, domain.JobStatusProcessing); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", payload.JobID, domain.JobStatusProcessing, err)
	}

	descriptor := domain.Descriptor{Path: payload.Path, Headers: payload.Headers}
	req, err := s.assembler.Assemble(descriptor)
	if err != nil {
		return s.fail(ctx, span, payload, domain.ResolvedRequest{}, err)
	}
	scheme = req.Scheme
	span.SetAttributes(telemetry.RenditionAttributes(req)...)

	res, err := s.renderer.Render(ctx, req)
	if err != nil {
		return s.fail(ctx, span, payload, req, fmt.Errorf("render: %w", err))
	}

	outputKey, err := s.emitter.Emit(ctx, payload.JobID, res)
	if err != nil {
		return s.fail(ctx, span, payload, req, fmt.Errorf("emit: %w", err))
	}
	s.metrics.outputBytesTotal.Add(float64(len(res.Data)))

	job, err := s.jobStore.Finish(ctx, payload.JobID, store.JobResult{
		Status:      domain.JobStatusSucceeded,
		Bucket:      req.Bucket,
		Key:         req.Key,
		OutputKey:   outputKey,
		ContentType: res.ContentType,
	})
	if err != nil {
		s.logger.Printf("job finish failed job_id=%s err=%v", payload.JobID, err)
	}

	s.logger.Printf("Rendered job_id=%s output_key=%s bytes=%d size=%dx%d", payload.JobID, outputKey, len(res.Data), res.Width, res.Height)
	s.dispatchWebhook(ctx, payload, webhook.EventRenditionCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"path":         payload.Path,
		"bucket":       req.Bucket,
		"key":          req.Key,
		"output_key":   outputKey,
		"content_type": res.ContentType,
		"width":        res.Width,
		"height":       res.Height,
		"bytes":        len(res.Data),
		"requested_at": payload.RequestedAt,
		"completed_at": job.UpdatedAt,
	})

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "rendered")
	return nil
}

// fail records a failed attempt. Failures no retry can fix, and the last
// attempt of a retryable one, mark the job failed and notify the webhook.
func (s *Server) fail(ctx context.Context, span trace.Span, payload queue.RenderRenditionPayload, req domain.ResolvedRequest, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "render failed")

	permanent := isPermanent(cause)
	if !permanent && !finalAttempt(ctx) {
		s.logger.Printf("render attempt failed job_id=%s err=%v", payload.JobID, cause)
		return cause
	}

	if _, err := s.jobStore.Finish(ctx, payload.JobID, store.JobResult{
		Status: domain.JobStatusFailed,
		Bucket: req.Bucket,
		Key:    req.Key,
		Error:  cause.Error(),
	}); err != nil {
		s.logger.Printf("job finish failed job_id=%s err=%v", payload.JobID, err)
	}

	body := map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusFailed,
		"path":         payload.Path,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        cause.Error(),
	}
	if reqErr, ok := request.AsError(cause); ok {
		body["code"] = reqErr.Code
	}
	s.dispatchWebhook(ctx, payload, webhook.EventRenditionFailed, body)

	if permanent {
		return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
	}
	return cause
}

// isPermanent reports whether retrying the job could change the outcome.
func isPermanent(err error) bool {
	if _, ok := request.AsError(err); ok {
		return true
	}
	var objErr *storage.ObjectError
	if errors.As(err, &objErr) && objErr.NotFound() {
		return true
	}
	return errors.Is(err, pipeline.ErrUnsupportedFormat)
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return !ok || retried >= maxRetry
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RenderRenditionPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhooks == nil {
		return
	}
	if err := s.webhooks.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailuresTotal.WithLabelValues(event).Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
	}
}
