// Package cache keeps rendered responses in Redis so repeated requests for
// the same rendition skip the fetch and render.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dunamismax/pixelgate/internal/domain"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
)

const keyPrefix = "pixelgate:rendition:"

type RenditionCache struct {
	client   redis.UniversalClient
	ttl      time.Duration
	maxBytes int
}

func New(client redis.UniversalClient, ttl time.Duration, maxBytes int) (*RenditionCache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	return &RenditionCache{client: client, ttl: ttl, maxBytes: maxBytes}, nil
}

// Key derives the cache key of a resolved request. Requests that assemble
// to the same bucket, key, edits and output format share a key.
func Key(req domain.ResolvedRequest) (string, error) {
	canonical, err := json.Marshal(struct {
		Bucket       string         `json:"b"`
		Key          string         `json:"k"`
		Edits        domain.EditSet `json:"e"`
		OutputFormat string         `json:"f"`
		ContentType  string         `json:"c"`
	}{req.Bucket, req.Key, req.Edits, req.OutputFormat, req.ContentType})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return keyPrefix + hex.EncodeToString(sum[:]), nil
}

func (c *RenditionCache) Get(ctx context.Context, req domain.ResolvedRequest) (pipeline.Result, bool, error) {
	key, err := Key(req)
	if err != nil {
		return pipeline.Result{}, false, err
	}
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return pipeline.Result{}, false, fmt.Errorf("read cache entry: %w", err)
	}
	res, ok := decodeEntry(fields)
	return res, ok, nil
}

// Set stores res unless it is larger than the configured limit.
func (c *RenditionCache) Set(ctx context.Context, req domain.ResolvedRequest, res pipeline.Result) error {
	if c.maxBytes > 0 && len(res.Data) > c.maxBytes {
		return nil
	}
	key, err := Key(req)
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeEntry(res))
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func encodeEntry(res pipeline.Result) map[string]any {
	return map[string]any{
		"data":          res.Data,
		"format":        res.Format,
		"content_type":  res.ContentType,
		"cache_control": res.CacheControl,
		"expires":       res.Expires,
		"last_modified": res.LastModified,
		"width":         res.Width,
		"height":        res.Height,
	}
}

func decodeEntry(fields map[string]string) (pipeline.Result, bool) {
	data, ok := fields["data"]
	if !ok {
		return pipeline.Result{}, false
	}
	width, _ := strconv.Atoi(fields["width"])
	height, _ := strconv.Atoi(fields["height"])
	return pipeline.Result{
		Data:         []byte(data),
		Format:       fields["format"],
		ContentType:  fields["content_type"],
		CacheControl: fields["cache_control"],
		Expires:      fields["expires"],
		LastModified: fields["last_modified"],
		Width:        width,
		Height:       height,
	}, true
}
