package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pixelgate/internal/domain"
	_ "github.com/lib/pq"
)

const renditionSchemaSQL = `
CREATE TABLE IF NOT EXISTS rendition_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	path TEXT NOT NULL,
	headers JSONB NOT NULL DEFAULT '{}'::jsonb,
	webhook_url TEXT NOT NULL DEFAULT '',
	bucket TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	output_key TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rendition_jobs_status_idx ON rendition_jobs (status, updated_at);
`

const selectJobSQL = `SELECT id, status, path, headers, webhook_url, bucket, object_key, output_key, content_type, error, created_at, updated_at
	FROM rendition_jobs
	WHERE id = $1`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, renditionSchemaSQL); err != nil {
		return fmt.Errorf("ensure rendition_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	headers, err := marshalHeaders(job.Headers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO rendition_jobs (id, status, path, headers, webhook_url, bucket, object_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID,
		job.Status,
		job.Path,
		headers,
		job.WebhookURL,
		job.Bucket,
		job.Key,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.exec(ctx, id,
		`UPDATE rendition_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) Finish(ctx context.Context, id string, result JobResult) (domain.Job, error) {
	return s.exec(ctx, id,
		`UPDATE rendition_jobs
		 SET status = $1, bucket = $2, object_key = $3, output_key = $4, content_type = $5, error = $6, updated_at = $7
		 WHERE id = $8`,
		result.Status, result.Bucket, result.Key, result.OutputKey, result.ContentType, result.Error, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) exec(ctx context.Context, id, query string, args ...any) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job     domain.Job
		headers []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Path,
		&headers,
		&job.WebhookURL,
		&job.Bucket,
		&job.Key,
		&job.OutputKey,
		&job.ContentType,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &job.Headers); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job headers: %w", err)
		}
	}
	return job, nil
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal job headers: %w", err)
	}
	return data, nil
}
