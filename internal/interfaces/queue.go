package interfaces

import (
	"context"

	"nuggetfactory/internal/queue"
)

// QueueManager queue manager interface
type QueueManager interface {
	// Start starts the queue manager
	Start(ctx context.Context) error

	// AddTask adds a task to the queue
	AddTask(ctx context.Context, task *queue.Task) error

	// GetNextTask gets the next pending task
	GetNextTask(ctx context.Context) (*queue.Task, error)

	// RemoveTaskFromQueue removes a task from the pending queue
	RemoveTaskFromQueue(ctx context.Context, taskID string) error

	// UpdateTask updates task status
	UpdateTask(ctx context.Context, task *queue.Task) error

	// GetTask gets task by ID
	GetTask(ctx context.Context, taskID string) (*queue.Task, error)

	// GetTasksByStatus gets tasks by status
	GetTasksByStatus(ctx context.Context, status queue.TaskStatus) ([]*queue.Task, error)

	// GetMetrics gets queue metrics
	GetMetrics(ctx context.Context) (*queue.QueueMetrics, error)

	// AddCallback adds task status change callback
	AddCallback(callback queue.TaskCallback)

	// CancelTask cancels a pending task
	CancelTask(ctx context.Context, taskID string) error
}

// PromptEnhancer turns a short theme into a scene prompt
type PromptEnhancer interface {
	Enhance(ctx context.Context, theme string) (string, error)
}
