package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/storage"
)

// Result is a rendered image plus the response headers that go with it.
type Result struct {
	Data         []byte
	Format       string
	ContentType  string
	CacheControl string
	Expires      string
	LastModified string
	Width        int
	Height       int
	SourceBytes  int
}

type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) (storage.Object, error)
}

type Emitter interface {
	Emit(ctx context.Context, jobID string, res Result) (string, error)
}

// BucketResolver checks overlay buckets against the source allow-list.
type BucketResolver interface {
	Default() (string, error)
	Resolve(requested string) (string, error)
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	buckets     BucketResolver
}

func NewProcessor(fetcher Fetcher, buckets BucketResolver) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if buckets == nil {
		return nil, errors.New("bucket resolver is required")
	}

	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		buckets:     buckets,
	}, nil
}

// Render fetches the source object of req, applies its edits and encodes the
// result. A request without edits or an output format returns the source
// bytes untouched.
func (p *Processor) Render(ctx context.Context, req domain.ResolvedRequest) (Result, error) {
	if strings.TrimSpace(req.Bucket) == "" || strings.TrimSpace(req.Key) == "" {
		return Result{}, errors.New("bucket and key are required")
	}

	src, err := p.fetcher.Fetch(ctx, req.Bucket, req.Key)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	out := Result{
		ContentType:  src.ContentType,
		CacheControl: src.CacheControl,
		Expires:      src.Expires,
		LastModified: src.LastModified,
		SourceBytes:  len(src.Data),
	}

	if req.Edits.Len() == 0 && req.OutputFormat == "" {
		out.Data = src.Data
		out.Format = formatFromKey(req.Key, src.ContentType)
		return out, nil
	}

	overlay, err := p.fetchOverlay(ctx, req.Edits)
	if err != nil {
		return Result{}, err
	}

	rendition, err := p.transformer.Transform(ctx, RenderInput{
		Source:  src.Data,
		Edits:   req.Edits,
		Format:  req.OutputFormat,
		Overlay: overlay,
	})
	if err != nil {
		return Result{}, fmt.Errorf("transform stage: %w", err)
	}

	out.Data = rendition.Data
	out.Format = rendition.Format
	out.Width = rendition.Width
	out.Height = rendition.Height
	switch {
	case req.ContentType != "":
		out.ContentType = req.ContentType
	case rendition.Format != rendition.SourceFormat:
		out.ContentType = contentTypeForFormat(rendition.Format)
	}
	return out, nil
}

func (p *Processor) fetchOverlay(ctx context.Context, edits domain.EditSet) ([]byte, error) {
	o, ok := domain.EditAs[domain.Overlay](edits, domain.EditOverlay)
	if !ok {
		return nil, nil
	}

	var (
		bucket string
		err    error
	)
	if o.Bucket == "" {
		bucket, err = p.buckets.Default()
	} else {
		bucket, err = p.buckets.Resolve(o.Bucket)
	}
	if err != nil {
		return nil, err
	}

	obj, err := p.fetcher.Fetch(ctx, bucket, o.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch overlay: %w", err)
	}
	return obj.Data, nil
}

// formatFromKey guesses the format of an untouched source object.
func formatFromKey(key, contentType string) string {
	if ext := strings.TrimPrefix(path.Ext(key), "."); ext != "" {
		return normalizeOutputFormat(ext)
	}
	if sub, found := strings.CutPrefix(contentType, "image/"); found {
		return normalizeOutputFormat(sub)
	}
	return "bin"
}

// DirFetcher reads objects from Root/<bucket>/<key> on the local disk. It
// stands in for object storage during development.
type DirFetcher struct {
	Root string
}

func (f DirFetcher) Fetch(ctx context.Context, bucket, key string) (storage.Object, error) {
	select {
	case <-ctx.Done():
		return storage.Object{}, ctx.Err()
	default:
	}

	fullPath, ok := f.resolve(bucket, key)
	if !ok {
		return storage.Object{}, &storage.ObjectError{Bucket: bucket, Key: key, Code: "NoSuchKey", Message: "invalid object key", Err: fs.ErrNotExist}
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		code := "InternalError"
		if errors.Is(err, fs.ErrNotExist) {
			code = "NoSuchKey"
		}
		return storage.Object{}, &storage.ObjectError{Bucket: bucket, Key: key, Code: code, Message: err.Error(), Err: err}
	}

	obj := storage.Object{
		Bucket:       bucket,
		Key:          key,
		Data:         data,
		ContentType:  mime.TypeByExtension(filepath.Ext(fullPath)),
		CacheControl: storage.DefaultCacheControl,
	}
	if obj.ContentType == "" {
		obj.ContentType = storage.DefaultContentType
	}
	if info, err := os.Stat(fullPath); err == nil {
		obj.LastModified = info.ModTime().UTC().Format(http.TimeFormat)
	}
	return obj, nil
}

func (f DirFetcher) resolve(bucket, key string) (string, bool) {
	if strings.TrimSpace(f.Root) == "" || bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == ".." {
		return "", false
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", false
	}
	return filepath.Join(f.Root, bucket, filepath.FromSlash(cleaned)), true
}

// DirEmitter writes renditions under Root/<prefix>/<job id>.<ext>.
type DirEmitter struct {
	Root         string
	OutputPrefix string
}

func (e DirEmitter) Emit(_ context.Context, jobID string, res Result) (string, error) {
	if strings.TrimSpace(e.Root) == "" {
		return "", errors.New("output directory is required")
	}

	objectKey := outputKey(e.OutputPrefix, jobID, res.Format)
	fullPath := filepath.Join(e.Root, filepath.FromSlash(objectKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(fullPath, res.Data, 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return objectKey, nil
}

func outputKey(prefix, jobID, format string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "renditions"
	}
	ext := normalizeOutputFormat(format)
	if ext == "" {
		ext = "bin"
	}
	return path.Join(prefix, sanitizePathToken(jobID)+"."+ext)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
