package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRenderRendition = "rendition:render"

// RenderRenditionPayload carries the original request descriptor. The
// worker assembles it again so it sees the same configuration the gateway
// validated against.
type RenderRenditionPayload struct {
	JobID       string            `json:"job_id"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

func NewRenderRenditionTask(payload RenderRenditionPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, errors.New("job id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderRendition, body), nil
}

func ParseRenderRenditionPayload(task *asynq.Task) (RenderRenditionPayload, error) {
	var payload RenderRenditionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderRenditionPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	if payload.JobID == "" || payload.Path == "" {
		return RenderRenditionPayload{}, errors.New("render payload is missing job_id or path")
	}
	return payload, nil
}
