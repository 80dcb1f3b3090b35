package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/request"
	"github.com/dunamismax/pixelgate/internal/storage"
	"github.com/dunamismax/pixelgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// apiError is the JSON body of every failed request.
type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	internalError = apiError{
		Status:  http.StatusInternalServerError,
		Code:    "InternalError",
		Message: "Internal error. Please contact the system administrator.",
	}
	unsupportedFormatError = apiError{
		Status:  http.StatusBadRequest,
		Code:    "ImageEdits::UnsupportedOutputFormat",
		Message: "The requested output format cannot be produced by this deployment.",
	}
	timeoutError = apiError{
		Status:  http.StatusGatewayTimeout,
		Code:    "Timeout",
		Message: "The image could not be rendered in time.",
	}
)

func invalidRequest(err error) apiError {
	return apiError{Status: http.StatusBadRequest, Code: "InvalidRequest", Message: err.Error()}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	req, err := s.assembler.Assemble(domain.DescriptorFromHTTP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.schemeTotal.WithLabelValues(req.Scheme.String()).Inc()
	span.SetAttributes(telemetry.RenditionAttributes(req)...)

	if res, ok := s.cachedResult(ctx, req); ok {
		s.writeImage(w, r, res, "HIT")
		return
	}

	startedAt := time.Now()
	res, err := s.renderer.Render(ctx, req)
	if err != nil {
		s.metrics.renders.WithLabelValues("error").Inc()
		s.writeError(w, r, err)
		return
	}
	s.metrics.renders.WithLabelValues("ok").Inc()
	s.metrics.renderDuration.Observe(time.Since(startedAt).Seconds())

	if s.cache != nil {
		if err := s.cache.Set(ctx, req, res); err != nil {
			s.metrics.cacheResults.WithLabelValues("error").Inc()
			s.logger.Printf("cache store failed bucket=%s key=%s err=%v", req.Bucket, req.Key, err)
		}
	}
	s.writeImage(w, r, res, "MISS")
}

func (s *Server) cachedResult(ctx context.Context, req domain.ResolvedRequest) (pipeline.Result, bool) {
	if s.cache == nil {
		return pipeline.Result{}, false
	}
	res, ok, err := s.cache.Get(ctx, req)
	switch {
	case err != nil:
		s.metrics.cacheResults.WithLabelValues("error").Inc()
		s.logger.Printf("cache lookup failed bucket=%s key=%s err=%v", req.Bucket, req.Key, err)
		return pipeline.Result{}, false
	case ok:
		s.metrics.cacheResults.WithLabelValues("hit").Inc()
		return res, true
	default:
		s.metrics.cacheResults.WithLabelValues("miss").Inc()
		return pipeline.Result{}, false
	}
}

func (s *Server) writeImage(w http.ResponseWriter, r *http.Request, res pipeline.Result, cacheState string) {
	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	if res.CacheControl != "" {
		h.Set("Cache-Control", res.CacheControl)
	} else if s.cacheControlDefault != "" {
		h.Set("Cache-Control", s.cacheControlDefault)
	}
	if res.Expires != "" {
		h.Set("Expires", res.Expires)
	}
	if res.LastModified != "" {
		h.Set("Last-Modified", res.LastModified)
	}
	if s.cache != nil {
		h.Set("X-Cache", cacheState)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Data)
	}
}

// writeError maps a pipeline failure to its status and JSON body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody(err)
	if reqErr, ok := request.AsError(err); ok {
		s.metrics.assemblyFailures.WithLabelValues(reqErr.Code).Inc()
	}
	if body.Status >= http.StatusInternalServerError {
		s.logger.Printf("request failed path=%s status=%d err=%v", r.URL.Path, body.Status, err)
	}
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.code", body.Code))
	writeAPIError(w, body)
}

func errorBody(err error) apiError {
	if reqErr, ok := request.AsError(err); ok {
		return apiError{Status: reqErr.Status, Code: reqErr.Code, Message: reqErr.Message}
	}
	var objErr *storage.ObjectError
	if errors.As(err, &objErr) {
		return apiError{Status: objErr.Status(), Code: objErr.Code, Message: objErr.Message}
	}
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		return unsupportedFormatError
	case errors.Is(err, context.DeadlineExceeded):
		return timeoutError
	default:
		return internalError
	}
}

func writeAPIError(w http.ResponseWriter, body apiError) {
	writeJSON(w, body.Status, body)
}
