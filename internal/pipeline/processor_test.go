package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/request"
	"github.com/dunamismax/pixelgate/internal/storage"
)

type mapFetcher map[string]storage.Object

func (f mapFetcher) Fetch(_ context.Context, bucket, key string) (storage.Object, error) {
	obj, ok := f[bucket+"/"+key]
	if !ok {
		return storage.Object{}, &storage.ObjectError{Bucket: bucket, Key: key, Code: "NoSuchKey", Message: "The specified key does not exist."}
	}
	return obj, nil
}

func newTestProcessor(t *testing.T, objects mapFetcher) *Processor {
	t.Helper()

	processor, err := NewProcessor(objects, request.NewAllowList([]string{"images", "marks"}))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return processor
}

func pngObject(t testing.TB, img image.Image) storage.Object {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return storage.Object{
		Data:         buf.Bytes(),
		ContentType:  "image/png",
		CacheControl: "max-age=60",
		LastModified: "Fri, 01 Mar 2024 12:00:00 GMT",
	}
}

func gradient(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8((x * 255) / w), G: uint8((y * 255) / h), B: 140, A: 255})
		}
	}
	return img
}

func solid(w, h int, c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func decodeResult(t *testing.T, res Result) image.Image {
	t.Helper()

	img, _, err := image.Decode(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return img
}

func TestRenderPassthroughKeepsSourceBytes(t *testing.T) {
	src := pngObject(t, gradient(40, 20))
	processor := newTestProcessor(t, mapFetcher{"images/a.png": src})

	res, err := processor.Render(context.Background(), domain.ResolvedRequest{Bucket: "images", Key: "a.png"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(res.Data, src.Data) {
		t.Fatal("expected source bytes to be returned untouched")
	}
	if res.ContentType != "image/png" || res.CacheControl != "max-age=60" || res.LastModified != src.LastModified {
		t.Fatalf("unexpected headers %+v", res)
	}
	if res.Format != "png" {
		t.Fatalf("expected png format, got %q", res.Format)
	}
}

func TestRenderResizeAndReencode(t *testing.T) {
	processor := newTestProcessor(t, mapFetcher{"images/a.png": pngObject(t, gradient(240, 120))})

	res, err := processor.Render(context.Background(), domain.ResolvedRequest{
		Bucket:       "images",
		Key:          "a.png",
		Edits:        domain.NewEditSet(domain.Resize{Width: 80}, domain.Quality{Format: "jpeg", Quality: 70}),
		OutputFormat: "jpeg",
		ContentType:  "image/jpeg",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	img := decodeResult(t, res)
	if img.Bounds().Dx() != 80 || img.Bounds().Dy() != 40 {
		t.Fatalf("expected 80x40, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
	if res.Width != 80 || res.Height != 40 {
		t.Fatalf("expected reported size 80x40, got %dx%d", res.Width, res.Height)
	}
	if res.Format != "jpeg" || res.ContentType != "image/jpeg" {
		t.Fatalf("unexpected format %q content type %q", res.Format, res.ContentType)
	}
	if res.CacheControl != "max-age=60" {
		t.Fatalf("expected source cache control, got %q", res.CacheControl)
	}
}

func TestRenderRotateSwapsDimensions(t *testing.T) {
	processor := newTestProcessor(t, mapFetcher{"images/a.png": pngObject(t, gradient(60, 30))})

	res, err := processor.Render(context.Background(), domain.ResolvedRequest{
		Bucket: "images",
		Key:    "a.png",
		Edits:  domain.NewEditSet(domain.Rotate{Degrees: 90}),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Width != 30 || res.Height != 60 {
		t.Fatalf("expected 30x60, got %dx%d", res.Width, res.Height)
	}
	if res.ContentType != "image/png" {
		t.Fatalf("expected source content type, got %q", res.ContentType)
	}
}

func TestRenderGrayscale(t *testing.T) {
	processor := newTestProcessor(t, mapFetcher{"images/a.png": pngObject(t, gradient(16, 16))})

	res, err := processor.Render(context.Background(), domain.ResolvedRequest{
		Bucket: "images",
		Key:    "a.png",
		Edits:  domain.NewEditSet(domain.Grayscale{}),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	img := decodeResult(t, res)
	r, g, b, _ := img.At(10, 5).RGBA()
	if r != g || g != b {
		t.Fatalf("expected gray pixel, got r=%d g=%d b=%d", r, g, b)
	}
}

func TestRenderOverlay(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	processor := newTestProcessor(t, mapFetcher{
		"images/base.png": pngObject(t, solid(100, 100, red)),
		"marks/logo.png":  pngObject(t, solid(10, 10, blue)),
	})

	res, err := processor.Render(context.Background(), domain.ResolvedRequest{
		Bucket: "images",
		Key:    "base.png",
		Edits: domain.NewEditSet(domain.Overlay{
			Bucket:  "marks",
			Key:     "logo.png",
			Alpha:   "0",
			Options: domain.OverlayOptions{Left: "0", Top: "0"},
		}),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	img := decodeResult(t, res)
	if got := color.NRGBAModel.Convert(img.At(2, 2)).(color.NRGBA); got != blue {
		t.Fatalf("expected overlay pixel %v, got %v", blue, got)
	}
	if got := color.NRGBAModel.Convert(img.At(50, 50)).(color.NRGBA); got != red {
		t.Fatalf("expected base pixel %v, got %v", red, got)
	}
}

func TestRenderOverlayBucketMustBeAllowed(t *testing.T) {
	processor := newTestProcessor(t, mapFetcher{
		"images/base.png": pngObject(t, gradient(20, 20)),
		"secret/logo.png": pngObject(t, gradient(5, 5)),
	})

	_, err := processor.Render(context.Background(), domain.ResolvedRequest{
		Bucket: "images",
		Key:    "base.png",
		Edits:  domain.NewEditSet(domain.Overlay{Bucket: "secret", Key: "logo.png"}),
	})
	if !errors.Is(err, request.ErrCannotAccessBucket) {
		t.Fatalf("expected bucket access error, got %v", err)
	}
}

func TestRenderMissingSource(t *testing.T) {
	processor := newTestProcessor(t, mapFetcher{})

	_, err := processor.Render(context.Background(), domain.ResolvedRequest{Bucket: "images", Key: "missing.png"})
	var objErr *storage.ObjectError
	if !errors.As(err, &objErr) {
		t.Fatalf("expected object error, got %v", err)
	}
	if !objErr.NotFound() {
		t.Fatalf("expected not found, got code %q", objErr.Code)
	}
}

func TestRenderUnsupportedOutputFormat(t *testing.T) {
	if SupportsFormat("webp") {
		t.Skip("renderer encodes webp")
	}
	processor := newTestProcessor(t, mapFetcher{"images/a.png": pngObject(t, gradient(8, 8))})

	_, err := processor.Render(context.Background(), domain.ResolvedRequest{
		Bucket:       "images",
		Key:          "a.png",
		OutputFormat: "webp",
	})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestDirFetcherAndEmitter(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "images", "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	src := pngObject(t, gradient(12, 6))
	if err := os.WriteFile(filepath.Join(root, "images", "nested", "a.png"), src.Data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret.png"), src.Data, 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	fetcher := DirFetcher{Root: root}
	obj, err := fetcher.Fetch(context.Background(), "images", "nested/a.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(obj.Data, src.Data) || obj.ContentType != "image/png" {
		t.Fatalf("unexpected object %q %d bytes", obj.ContentType, len(obj.Data))
	}
	if obj.LastModified == "" {
		t.Fatal("expected last modified to be set")
	}

	_, err = fetcher.Fetch(context.Background(), "images", "../secret.png")
	var objErr *storage.ObjectError
	if !errors.As(err, &objErr) || !objErr.NotFound() {
		t.Fatalf("expected keys to stay inside the bucket, got %v", err)
	}

	emitter := DirEmitter{Root: root, OutputPrefix: "out"}
	key, err := emitter.Emit(context.Background(), "job/1", Result{Data: []byte("rendered"), Format: "jpg"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if key != "out/job_1.jpeg" {
		t.Fatalf("unexpected output key %q", key)
	}
	written, err := os.ReadFile(filepath.Join(root, "out", "job_1.jpeg"))
	if err != nil || string(written) != "rendered" {
		t.Fatalf("expected rendition on disk, got %q err=%v", written, err)
	}
}

func TestOutputKey(t *testing.T) {
	tests := []struct {
		prefix, id, format, want string
	}{
		{"", "abc", "png", "renditions/abc.png"},
		{"/custom/", "abc", "tif", "custom/abc.tiff"},
		{"r", "", "", "r/unknown.bin"},
	}
	for _, tc := range tests {
		if got := outputKey(tc.prefix, tc.id, tc.format); got != tc.want {
			t.Fatalf("outputKey(%q, %q, %q): expected %q, got %q", tc.prefix, tc.id, tc.format, tc.want, got)
		}
	}
}

func TestConvolveIgnoresWidthBeyondKernel(t *testing.T) {
	src := gradient(4, 4)
	out := convolveImage(src, domain.Convolve{Width: 1 << 30, Height: 1, Kernel: []float64{1}})
	if out != src {
		t.Fatal("expected the source image back for an oversized kernel width")
	}
}
