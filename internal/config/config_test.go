package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadHandlerConfig(t *testing.T) {
	t.Setenv("SOURCE_BUCKETS", " media-.* , static,, archive ")
	t.Setenv("AUTO_WEBP", "Yes")
	t.Setenv("REWRITE_MATCH_PATTERN", `/^\/thumb/`)
	t.Setenv("REWRITE_SUBSTITUTION", "/100x100")
	t.Setenv("MAX_IMAGE_DIMENSION", "4000")

	cfg := Load()

	want := []string{"media-.*", "static", "archive"}
	if !reflect.DeepEqual(cfg.Handler.SourceBuckets, want) {
		t.Fatalf("expected buckets %v, got %v", want, cfg.Handler.SourceBuckets)
	}
	if !cfg.Handler.AutoWebP {
		t.Fatal("expected auto webp enabled")
	}
	if cfg.Handler.RewriteMatchPattern != `/^\/thumb/` {
		t.Fatalf("unexpected rewrite pattern %q", cfg.Handler.RewriteMatchPattern)
	}
	if cfg.Handler.CacheControlDefault != "max-age=31536000,public" {
		t.Fatalf("unexpected cache control default %q", cfg.Handler.CacheControlDefault)
	}
	if cfg.Handler.MaxDimension != 4000 {
		t.Fatalf("expected max dimension 4000, got %d", cfg.Handler.MaxDimension)
	}
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("SOURCE_BUCKETS", "")
	t.Setenv("AUTO_WEBP", "sometimes")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")
	t.Setenv("REDIS_DB", "two")
	t.Setenv("OTEL_TRACES_SAMPLE_RATIO", "most")
	t.Setenv("MAX_IMAGE_DIMENSION", "huge")

	cfg := Load()

	if cfg.Handler.SourceBuckets != nil {
		t.Fatalf("expected no buckets, got %v", cfg.Handler.SourceBuckets)
	}
	if cfg.Handler.AutoWebP {
		t.Fatal("expected auto webp disabled")
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Fatalf("expected default window, got %s", cfg.RateLimit.Window)
	}
	if cfg.Queue.RedisDB != 0 {
		t.Fatalf("expected default redis db, got %d", cfg.Queue.RedisDB)
	}
	if cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("expected default sample ratio, got %v", cfg.Telemetry.SampleRatio)
	}
	if cfg.Handler.MaxDimension != 8192 {
		t.Fatalf("expected default max dimension, got %d", cfg.Handler.MaxDimension)
	}
}
