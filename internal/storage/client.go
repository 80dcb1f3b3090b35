package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	DefaultContentType  = "image"
	DefaultCacheControl = "max-age=31536000,public"
)

type Config struct {
	Endpoint     string
	Access       string
	Secret       string
	OutputBucket string
	UseSSL       bool
	// CacheControl replaces DefaultCacheControl for objects stored without one.
	CacheControl string
}

// Client reads source objects from any bucket and writes renditions to the
// output bucket.
type Client struct {
	minio        *minio.Client
	outputBucket string
	cacheControl string
}

// Object is a fetched object with the response headers derived from its
// metadata. Expires and LastModified are HTTP dates, empty when unknown.
type Object struct {
	Bucket       string
	Key          string
	Data         []byte
	ContentType  string
	CacheControl string
	Expires      string
	LastModified string
}

// ObjectError is a failed object read. Code is the storage error code, such
// as NoSuchKey.
type ObjectError struct {
	Bucket  string
	Key     string
	Code    string
	Message string
	Err     error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("get object %s/%s: %s: %v", e.Bucket, e.Key, e.Code, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the object or its bucket does not exist.
func (e *ObjectError) NotFound() bool {
	switch e.Code {
	case "NoSuchKey", "NoSuchObject", "NoSuchBucket":
		return true
	default:
		return false
	}
}

// Status maps the failure onto an HTTP status.
func (e *ObjectError) Status() int {
	if e.NotFound() {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if strings.TrimSpace(cfg.OutputBucket) == "" {
		return nil, fmt.Errorf("output bucket is required")
	}

	cacheControl := strings.TrimSpace(cfg.CacheControl)
	if cacheControl == "" {
		cacheControl = DefaultCacheControl
	}

	return &Client{
		minio:        mc,
		outputBucket: cfg.OutputBucket,
		cacheControl: cacheControl,
	}, nil
}

func (c *Client) OutputBucket() string {
	return c.outputBucket
}

func (c *Client) EnsureOutputBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.outputBucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.outputBucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.outputBucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.outputBucket, err)
	}

	return nil
}

// GetObject reads bucket/key fully. Failures are *ObjectError.
func (c *Client) GetObject(ctx context.Context, bucket, key string) (Object, error) {
	obj, err := c.minio.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, newObjectError(bucket, key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return Object{}, newObjectError(bucket, key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return Object{}, newObjectError(bucket, key, err)
	}

	return objectFromInfo(bucket, key, data, info, c.cacheControl), nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)
	_, err := c.minio.PutObject(
		ctx,
		c.outputBucket,
		objectKey,
		reader,
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType, CacheControl: c.cacheControl},
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// PresignedGetURL returns a time-limited download URL for an output object.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedGetObject(ctx, c.outputBucket, objectKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return u.String(), nil
}

func objectFromInfo(bucket, key string, data []byte, info minio.ObjectInfo, defaultCacheControl string) Object {
	out := Object{
		Bucket:       bucket,
		Key:          key,
		Data:         data,
		ContentType:  info.ContentType,
		CacheControl: info.Metadata.Get("Cache-Control"),
	}
	if out.ContentType == "" {
		out.ContentType = DefaultContentType
	}
	if out.CacheControl == "" {
		out.CacheControl = defaultCacheControl
	}
	if !info.Expires.IsZero() {
		out.Expires = info.Expires.UTC().Format(http.TimeFormat)
	}
	if !info.LastModified.IsZero() {
		out.LastModified = info.LastModified.UTC().Format(http.TimeFormat)
	}
	return out
}

func newObjectError(bucket, key string, err error) *ObjectError {
	var objErr *ObjectError
	if errors.As(err, &objErr) {
		return objErr
	}
	resp := minio.ToErrorResponse(err)
	code := resp.Code
	if code == "" {
		code = "InternalError"
	}
	message := resp.Message
	if message == "" {
		message = err.Error()
	}
	return &ObjectError{Bucket: bucket, Key: key, Code: code, Message: message, Err: err}
}
