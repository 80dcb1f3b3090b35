package store

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dunamismax/pixelgate/internal/domain"
)

// MemoryJobStore keeps jobs in process. Jobs do not survive a restart and
// are not visible to a worker running in another process.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(ctx context.Context, job domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	job.Headers = maps.Clone(job.Headers)
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if ok {
		job.Headers = maps.Clone(job.Headers)
	}
	return job, ok, nil
}

func (s *MemoryJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.update(ctx, id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryJobStore) Finish(ctx context.Context, id string, result JobResult) (domain.Job, error) {
	return s.update(ctx, id, func(job *domain.Job) {
		job.Status = result.Status
		job.Bucket = result.Bucket
		job.Key = result.Key
		job.OutputKey = result.OutputKey
		job.ContentType = result.ContentType
		job.Error = result.Error
	})
}

func (s *MemoryJobStore) update(ctx context.Context, id string, apply func(*domain.Job)) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	apply(&job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	job.Headers = maps.Clone(job.Headers)
	return job, nil
}
