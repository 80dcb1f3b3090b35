package store

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelgate/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// JobResult is the terminal state a worker records for a job.
type JobResult struct {
	Status      string
	Bucket      string
	Key         string
	OutputKey   string
	ContentType string
	Error       string
}

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	Finish(ctx context.Context, id string, result JobResult) (domain.Job, error)
}
