package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/pixelgate/internal/storage"
)

type ObjectStoreFetcher struct {
	Storage *storage.Client
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, bucket, key string) (storage.Object, error) {
	if f.Storage == nil {
		return storage.Object{}, errors.New("storage client is required")
	}
	return f.Storage.GetObject(ctx, bucket, key)
}

// ObjectStoreEmitter uploads renditions to the output bucket under
// <prefix>/<job id>.<ext>.
type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, jobID string, res Result) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}
	if strings.TrimSpace(jobID) == "" {
		return "", errors.New("job id is required")
	}

	objectKey := outputKey(e.OutputPrefix, jobID, res.Format)
	contentType := res.ContentType
	if contentType == "" {
		contentType = contentTypeForFormat(res.Format)
	}
	if err := e.Storage.WriteObject(ctx, objectKey, res.Data, contentType); err != nil {
		return "", err
	}
	return objectKey, nil
}
