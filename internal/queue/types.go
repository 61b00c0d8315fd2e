package queue

import (
	"time"

	"github.com/google/uuid"

	"nuggetfactory/internal/job"
)

// TaskStatus task status
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task is finished
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task one queued generation request. Finished tasks are kept as the
// record of which backend job produced which files.
type Task struct {
	ID          string             `json:"id"`
	Priority    int                `json:"priority"`
	Status      TaskStatus         `json:"status"`
	Spec        job.GenerationSpec `json:"spec"`
	JobID       string             `json:"job_id,omitempty"`
	Attempts    int                `json:"attempts,omitempty"`
	Images      []string           `json:"images,omitempty"`
	Sidecars    []string           `json:"sidecars,omitempty"`
	Saved       int                `json:"saved"`
	Total       int                `json:"total"`
	Warnings    []string           `json:"warnings,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Outcome what a generation run produced
type Outcome struct {
	JobID    string
	Attempts int
	Images   []string
	Sidecars []string
	Saved    int
	Total    int
	Warnings []string
}

// NewTask creates new task
func NewTask(spec job.GenerationSpec, priority int) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.New().String(),
		Priority:  priority,
		Status:    TaskStatusPending,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkStarted marks task as started
func (t *Task) MarkStarted() {
	t.Status = TaskStatusRunning
	now := time.Now()
	t.StartedAt = &now
	t.UpdatedAt = now
}

// ApplyOutcome records what the run produced, whether or not it succeeded
func (t *Task) ApplyOutcome(o Outcome) {
	t.JobID = o.JobID
	t.Attempts = o.Attempts
	t.Images = o.Images
	t.Sidecars = o.Sidecars
	t.Saved = o.Saved
	t.Total = o.Total
	t.Warnings = o.Warnings
	t.UpdatedAt = time.Now()
}

// MarkCompleted marks task as completed
func (t *Task) MarkCompleted() {
	t.Status = TaskStatusCompleted
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkFailed marks task as failed
func (t *Task) MarkFailed(errorMsg string) {
	t.Status = TaskStatusFailed
	t.Error = errorMsg
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkCancelled marks task as cancelled
func (t *Task) MarkCancelled() {
	t.Status = TaskStatusCancelled
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// TaskCallback task callback function type
type TaskCallback func(*Task)

// QueueMetrics queue metrics
type QueueMetrics struct {
	TotalTasks     int `json:"total_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	RunningTasks   int `json:"running_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	CancelledTasks int `json:"cancelled_tasks"`
	ImagesSaved    int `json:"images_saved"`
}
