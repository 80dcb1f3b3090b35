package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// CreateRenditionRequest asks for a rendition to be rendered in the
// background and written to the output bucket.
type CreateRenditionRequest struct {
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
}

type Job struct {
	ID          string
	Status      string
	Path        string
	Headers     map[string]string
	WebhookURL  string
	Bucket      string
	Key         string
	OutputKey   string
	ContentType string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r CreateRenditionRequest) Validate() error {
	path := strings.TrimSpace(r.Path)
	if path == "" {
		return errors.New("path is required")
	}
	if !strings.HasPrefix(path, "/") {
		return errors.New("path must start with /")
	}
	if webhook := strings.TrimSpace(r.WebhookURL); webhook != "" &&
		!strings.HasPrefix(webhook, "http://") && !strings.HasPrefix(webhook, "https://") {
		return errors.New("webhook_url must be an http(s) URL")
	}
	return nil
}

func (r CreateRenditionRequest) Descriptor() Descriptor {
	return Descriptor{Path: strings.TrimSpace(r.Path), Headers: r.Headers}
}

func (j Job) Descriptor() Descriptor {
	return Descriptor{Path: j.Path, Headers: j.Headers}
}
