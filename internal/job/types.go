package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status job status
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// GenerationSpec describes one generation request. Treat it as a value:
// builders copy Extras before changing it.
type GenerationSpec struct {
	Prompt         string                 `json:"prompt"`
	NegativePrompt string                 `json:"negative_prompt,omitempty"`
	Sampler        string                 `json:"sampler,omitempty"`
	Steps          int                    `json:"steps"`
	CFGScale       float64                `json:"cfg_scale,omitempty"`
	Width          int                    `json:"width"`
	Height         int                    `json:"height"`
	Model          string                 `json:"model,omitempty"`
	Seed           int64                  `json:"seed,omitempty"`
	BatchSize      int                    `json:"batch_size,omitempty"`
	Extras         map[string]interface{} `json:"extras,omitempty"`
}

// Defaults generation defaults applied to zero-valued spec fields
type Defaults struct {
	Model          string
	NegativePrompt string
	Sampler        string
	Steps          int
	CFGScale       float64
	Width          int
	Height         int
}

// WithDefaults returns a copy of s with zero fields filled from d.
func (s GenerationSpec) WithDefaults(d Defaults) GenerationSpec {
	out := s
	if out.Model == "" {
		out.Model = d.Model
	}
	if out.NegativePrompt == "" {
		out.NegativePrompt = d.NegativePrompt
	}
	if out.Sampler == "" {
		out.Sampler = d.Sampler
	}
	if out.Steps == 0 {
		out.Steps = d.Steps
	}
	if out.CFGScale == 0 {
		out.CFGScale = d.CFGScale
	}
	if out.Width == 0 {
		out.Width = d.Width
	}
	if out.Height == 0 {
		out.Height = d.Height
	}
	if out.BatchSize == 0 {
		out.BatchSize = 1
	}
	out.Extras = s.CloneExtras()
	return out
}

// CloneExtras returns a shallow copy of the extras map.
func (s GenerationSpec) CloneExtras() map[string]interface{} {
	if s.Extras == nil {
		return nil
	}
	out := make(map[string]interface{}, len(s.Extras))
	for k, v := range s.Extras {
		out[k] = v
	}
	return out
}

// Validate checks prompt, dimensions, steps and batch size.
func (s GenerationSpec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Prompt) == "" {
		errs = append(errs, errors.New("prompt is required"))
	}
	if s.Width <= 0 || s.Height <= 0 {
		errs = append(errs, fmt.Errorf("dimensions must be positive, got %dx%d", s.Width, s.Height))
	}
	if s.Steps <= 0 {
		errs = append(errs, fmt.Errorf("steps must be positive, got %d", s.Steps))
	}
	if s.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must not be negative, got %d", s.BatchSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid generation spec: %w", errors.Join(errs...))
	}
	return nil
}

// Artifact one output file as known by the backend
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Data      []byte `json:"-"`
}

// Job one submitted generation request
type Job struct {
	ID          string         `json:"id"`
	Backend     string         `json:"backend"`
	Endpoint    string         `json:"endpoint"`
	Spec        GenerationSpec `json:"spec"`
	Status      Status         `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Artifacts   []Artifact     `json:"artifacts,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewJob creates a job in the submitted state
func NewJob(id, backend, endpoint string, spec GenerationSpec) *Job {
	now := time.Now()
	return &Job{
		ID:          id,
		Backend:     backend,
		Endpoint:    endpoint,
		Spec:        spec,
		Status:      StatusSubmitted,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusSubmitted:
		return to == StatusExecuting || to == StatusFailed || to == StatusTimedOut
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed || to == StatusTimedOut
	default:
		return false
	}
}

func (j *Job) transition(to Status) error {
	if !allowedTransition(j.Status, to) {
		return fmt.Errorf("job %s: disallowed transition %s -> %s", j.ID, j.Status, to)
	}
	now := time.Now()
	j.Status = to
	j.UpdatedAt = now
	if to.IsTerminal() {
		j.CompletedAt = &now
	}
	return nil
}

// MarkExecuting marks job as executing
func (j *Job) MarkExecuting() error {
	return j.transition(StatusExecuting)
}

// MarkCompleted marks job as completed with its artifact references
func (j *Job) MarkCompleted(artifacts []Artifact) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	j.Artifacts = artifacts
	return nil
}

// MarkFailed marks job as failed, keeping the backend detail
func (j *Job) MarkFailed(detail string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	j.Error = detail
	return nil
}

// MarkTimedOut marks job as timed out
func (j *Job) MarkTimedOut(detail string) error {
	if err := j.transition(StatusTimedOut); err != nil {
		return err
	}
	j.Error = detail
	return nil
}

// ShortID returns the first eight characters of the job id, for file names.
func (j *Job) ShortID() string {
	id := strings.ReplaceAll(j.ID, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
