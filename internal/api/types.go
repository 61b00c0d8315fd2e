package api

import (
	"time"

	"nuggetfactory/internal/job"
	"nuggetfactory/internal/queue"
)

// SubmitGenerationRequest submit generation request
type SubmitGenerationRequest struct {
	Prompt         string                 `json:"prompt" binding:"required"`
	NegativePrompt string                 `json:"negative_prompt"`
	Sampler        string                 `json:"sampler"`
	Steps          int                    `json:"steps" binding:"gte=0"`
	CFGScale       float64                `json:"cfg_scale" binding:"gte=0"`
	Width          int                    `json:"width" binding:"gte=0"`
	Height         int                    `json:"height" binding:"gte=0"`
	Model          string                 `json:"model"`
	Seed           int64                  `json:"seed"`
	BatchSize      int                    `json:"batch_size" binding:"gte=0"`
	Extras         map[string]interface{} `json:"extras"`
	Priority       int                    `json:"priority"`
}

// Spec converts the request into a generation spec
func (r SubmitGenerationRequest) Spec() job.GenerationSpec {
	return job.GenerationSpec{
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Sampler:        r.Sampler,
		Steps:          r.Steps,
		CFGScale:       r.CFGScale,
		Width:          r.Width,
		Height:         r.Height,
		Model:          r.Model,
		Seed:           r.Seed,
		BatchSize:      r.BatchSize,
		Extras:         r.Extras,
	}
}

// GenerationResponse generation response
type GenerationResponse struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Priority    int                 `json:"priority"`
	Spec        *job.GenerationSpec `json:"spec,omitempty"`
	JobID       string              `json:"job_id,omitempty"`
	Attempts    int                 `json:"attempts,omitempty"`
	Images      []string            `json:"images,omitempty"`
	Sidecars    []string            `json:"sidecars,omitempty"`
	Saved       int                 `json:"saved"`
	Total       int                 `json:"total"`
	Warnings    []string            `json:"warnings,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func newGenerationResponse(task *queue.Task, detailed bool) GenerationResponse {
	resp := GenerationResponse{
		ID:          task.ID,
		Status:      string(task.Status),
		Priority:    task.Priority,
		JobID:       task.JobID,
		Saved:       task.Saved,
		Total:       task.Total,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
		Error:       task.Error,
	}
	if detailed {
		spec := task.Spec
		resp.Spec = &spec
		resp.Attempts = task.Attempts
		resp.Images = task.Images
		resp.Sidecars = task.Sidecars
		resp.Warnings = task.Warnings
	}
	return resp
}

// ErrorResponse error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
