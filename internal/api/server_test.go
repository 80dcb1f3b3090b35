package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/queue"
	"github.com/dunamismax/pixelgate/internal/ratelimit"
	"github.com/dunamismax/pixelgate/internal/request"
	"github.com/dunamismax/pixelgate/internal/store"
	"github.com/hibiken/asynq"
)

type countingRenderer struct {
	Renderer
	mu    sync.Mutex
	calls int
}

func (r *countingRenderer) Render(ctx context.Context, req domain.ResolvedRequest) (pipeline.Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.Renderer.Render(ctx, req)
}

type memoryCache struct {
	entries map[string]pipeline.Result
}

func (c *memoryCache) Get(_ context.Context, req domain.ResolvedRequest) (pipeline.Result, bool, error) {
	res, ok := c.entries[req.Bucket+"/"+req.Key]
	return res, ok, nil
}

func (c *memoryCache) Set(_ context.Context, req domain.ResolvedRequest, res pipeline.Result) error {
	c.entries[req.Bucket+"/"+req.Key] = res
	return nil
}

type captureQueue struct {
	payloads []queue.RenderRenditionPayload
}

func (q *captureQueue) EnqueueRendition(_ context.Context, payload queue.RenderRenditionPayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default"}, nil
}

type staticLimiter struct {
	decision ratelimit.Decision
	subjects []string
}

func (l *staticLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	return l.decision, nil
}

type presigner struct{}

func (presigner) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.example.com/" + key + "?sig=1", nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	renderer *countingRenderer
	jobs     *store.MemoryJobStore
}

func newTestEnv(t *testing.T, configure func(*Options)) testEnv {
	t.Helper()

	root := t.TempDir()
	writeSource(t, filepath.Join(root, "images", "photos", "a.png"), 80, 40)

	assembler, err := request.NewAssembler(request.Options{SourceBuckets: []string{"images"}})
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	processor, err := pipeline.NewProcessor(pipeline.DirFetcher{Root: root}, assembler.Buckets())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	env := testEnv{
		renderer: &countingRenderer{Renderer: processor},
		jobs:     store.NewMemoryJobStore(),
	}
	opts := Options{
		Assembler:           assembler,
		Renderer:            env.renderer,
		Jobs:                env.jobs,
		CacheControlDefault: "max-age=60",
	}
	if configure != nil {
		configure(&opts)
	}

	env.server, err = NewServer(log.New(io.Discard, "", 0), opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.handler = env.server.Handler()
	return env
}

func writeSource(t *testing.T, path string, w, h int) {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
}

func (env testEnv) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()

	var body apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestImageFilterChainResize(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/40x20/photos/a.png", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if rec.Header().Get("Cache-Control") == "" || rec.Header().Get("Last-Modified") == "" {
		t.Fatalf("expected cache headers, got %v", rec.Header())
	}

	img, _, err := image.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 20 {
		t.Fatalf("expected 40x20, got %v", img.Bounds())
	}
}

func TestImageEncodedRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	path, err := request.EncodeRequest(request.Payload{
		Key:          "photos/a.png",
		Edits:        domain.NewEditSet(domain.Resize{Width: 10}),
		OutputFormat: "jpeg",
	})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	rec := env.do(t, http.MethodGet, path, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", ct)
	}
	cfg, format, err := image.DecodeConfig(rec.Body)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if format != "jpeg" || cfg.Width != 10 || cfg.Height != 5 {
		t.Fatalf("expected 10x5 jpeg, got %dx%d %s", cfg.Width, cfg.Height, format)
	}
}

func TestImageErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	foreign, err := request.EncodeRequest(request.Payload{Bucket: "private", Key: "photos/a.png"})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"unknown request type", "/readme.txt", http.StatusBadRequest, request.ErrRequestType.Code},
		{"bucket not allowed", foreign, http.StatusForbidden, request.ErrCannotAccessBucket.Code},
		{"missing object", "/40x20/photos/missing.png", http.StatusNotFound, "NoSuchKey"},
	}
	for _, tc := range tests {
		rec := env.do(t, http.MethodGet, tc.path, nil, nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		body := decodeError(t, rec)
		if body.Status != tc.status || body.Code != tc.code || body.Message == "" {
			t.Fatalf("%s: unexpected body %+v", tc.name, body)
		}
	}
}

func TestImageCORS(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.CORSOrigins = []string{"https://*.example.com"}
	})

	rec := env.do(t, http.MethodGet, "/40x20/photos/a.png", nil, map[string]string{"Origin": "https://evil.test"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "Origin::NotAllowed" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	rec = env.do(t, http.MethodGet, "/40x20/photos/a.png", nil, map[string]string{"Origin": "https://app.example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin %q", got)
	}

	rec = env.do(t, http.MethodGet, "/40x20/photos/a.png", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected requests without origin to pass, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := &staticLimiter{decision: ratelimit.Decision{Allowed: false, Limit: 10, RetryAfter: 1500 * time.Millisecond}}
	env := newTestEnv(t, func(o *Options) {
		o.RateLimiter = limiter
		o.RateLimitHeader = "X-Forwarded-For"
	})

	rec := env.do(t, http.MethodGet, "/40x20/photos/a.png", nil, map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" || rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Fatalf("unexpected rate limit headers %v", rec.Header())
	}
	if len(limiter.subjects) != 1 || limiter.subjects[0] != "203.0.113.7" {
		t.Fatalf("unexpected subjects %v", limiter.subjects)
	}
	if env.renderer.calls != 0 {
		t.Fatal("expected rejected request not to render")
	}

	if rec := env.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz to bypass rate limiting, got %d", rec.Code)
	}
}

func TestImageCache(t *testing.T) {
	cache := &memoryCache{entries: make(map[string]pipeline.Result)}
	env := newTestEnv(t, func(o *Options) { o.Cache = cache })

	first := env.do(t, http.MethodGet, "/40x20/photos/a.png", nil, nil)
	second := env.do(t, http.MethodGet, "/40x20/photos/a.png", nil, nil)

	if first.Header().Get("X-Cache") != "MISS" || second.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected MISS then HIT, got %q then %q", first.Header().Get("X-Cache"), second.Header().Get("X-Cache"))
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("expected cached body to match")
	}
	if env.renderer.calls != 1 {
		t.Fatalf("expected one render, got %d", env.renderer.calls)
	}
}

func TestCreateAndGetRendition(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, func(o *Options) {
		o.Queue = q
		o.Storage = presigner{}
	})

	rec := env.do(t, http.MethodPost, "/v1/renditions",
		strings.NewReader(`{"path":"/40x20/photos/a.png","headers":{"Accept":"image/png"},"webhook_url":"https://hooks.example.com/r"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Key    string `json:"key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.JobID == "" || created.Status != domain.JobStatusQueued || created.Key != "photos/a.png" {
		t.Fatalf("unexpected response %+v", created)
	}
	if len(q.payloads) != 1 || q.payloads[0].JobID != created.JobID || q.payloads[0].Headers["Accept"] != "image/png" {
		t.Fatalf("unexpected enqueued payloads %+v", q.payloads)
	}

	if _, err := env.jobs.Finish(context.Background(), created.JobID, store.JobResult{
		Status:      domain.JobStatusSucceeded,
		OutputKey:   "renditions/" + created.JobID + ".png",
		ContentType: "image/png",
	}); err != nil {
		t.Fatalf("finish job: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/v1/renditions/"+created.JobID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job["status"] != domain.JobStatusSucceeded || !strings.HasPrefix(job["download_url"].(string), "https://storage.example.com/renditions/") {
		t.Fatalf("unexpected job body %v", job)
	}

	if rec := env.do(t, http.MethodGet, "/v1/renditions/missing", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateRenditionRejectsInvalidRequests(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, func(o *Options) { o.Queue = q })

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"path":`, http.StatusBadRequest, "InvalidRequest"},
		{"unknown field", `{"path":"/a.png","extra":1}`, http.StatusBadRequest, "InvalidRequest"},
		{"relative path", `{"path":"a.png"}`, http.StatusBadRequest, "InvalidRequest"},
		{"unassemblable path", `{"path":"/readme.txt"}`, http.StatusBadRequest, request.ErrRequestType.Code},
	}
	for _, tc := range tests {
		rec := env.do(t, http.MethodPost, "/v1/renditions", strings.NewReader(tc.body), nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rec.Code)
		}
		if body := decodeError(t, rec); body.Code != tc.code {
			t.Fatalf("%s: expected code %q, got %q", tc.name, tc.code, body.Code)
		}
	}
	if len(q.payloads) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(q.payloads))
	}
}

func TestCreateRenditionWithoutQueue(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/renditions", strings.NewReader(`{"path":"/40x20/photos/a.png"}`), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/readme.txt", nil, nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"pixelgate_api_requests_total", `pixelgate_api_request_errors_total{code="RequestTypeError"} 1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %q", want)
		}
	}
}

func TestErrorBody(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{request.ErrParseEdits, http.StatusBadRequest, request.ErrParseEdits.Code},
		{pipeline.ErrUnsupportedFormat, http.StatusBadRequest, "ImageEdits::UnsupportedOutputFormat"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "Timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "InternalError"},
	}
	for _, tc := range tests {
		body := errorBody(tc.err)
		if body.Status != tc.status || body.Code != tc.code {
			t.Fatalf("errorBody(%v): expected %d %s, got %+v", tc.err, tc.status, tc.code, body)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/healthz":              "/healthz",
		"/metrics":              "/metrics",
		"/v1/renditions":        "/v1/renditions",
		"/v1/renditions/abc":    "/v1/renditions/{id}",
		"/200x200/photos/a.jpg": "/{path...}",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q): expected %q, got %q", path, want, got)
		}
	}
}
