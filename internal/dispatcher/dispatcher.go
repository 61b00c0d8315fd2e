package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/factory"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
	"nuggetfactory/internal/metrics"
	"nuggetfactory/internal/queue"
)

// Generator runs one generation to persisted files. A generator serves one
// task at a time; the dispatcher runs as many tasks as it has generators.
type Generator interface {
	Generate(ctx context.Context, spec job.GenerationSpec) (*factory.Result, error)
}

// Dispatcher pulls queued generation requests and runs them
type Dispatcher struct {
	queueManager interfaces.QueueManager
	logger       *logrus.Logger

	// idle generators; taking one is taking a slot
	generators chan Generator

	// running task mapping: taskID -> execution info
	runningTasks sync.Map
	dispatched   atomic.Int64
	wg           sync.WaitGroup

	config DispatcherConfig
}

// DispatcherConfig dispatcher configuration
type DispatcherConfig struct {
	PollInterval  time.Duration // polling interval
	MaxConcurrent int           // generations running at once, one generator each
}

// TaskExecution task execution information
type TaskExecution struct {
	Task      *queue.Task
	StartTime time.Time
	generator Generator
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewDispatcher creates a task dispatcher running up to one task per generator
func NewDispatcher(queueManager interfaces.QueueManager, cfg config.DispatcherConfig, generators ...Generator) *Dispatcher {
	dc := DispatcherConfig{
		PollInterval:  cfg.PollInterval,
		MaxConcurrent: len(generators),
	}
	if dc.PollInterval <= 0 {
		dc.PollInterval = 2 * time.Second
	}

	pool := make(chan Generator, len(generators))
	for _, g := range generators {
		pool <- g
	}

	return &Dispatcher{
		queueManager: queueManager,
		logger:       config.NewLogger(),
		generators:   pool,
		config:       dc,
	}
}

// Start runs the dispatch loop until ctx is done, then waits for running
// generations to stop
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.WithField("max_concurrent", d.config.MaxConcurrent).Info("Starting task dispatcher")

	d.queueManager.AddCallback(d.onTaskUpdate)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("Task dispatcher stopped")
			return nil
		case <-ticker.C:
			d.dispatchTasks(ctx)
		}
	}
}

// onTaskUpdate stops the generation of a task cancelled while running
func (d *Dispatcher) onTaskUpdate(task *queue.Task) {
	if task.Status != queue.TaskStatusCancelled {
		return
	}
	value, ok := d.runningTasks.Load(task.ID)
	if !ok {
		return
	}
	execution := value.(*TaskExecution)
	execution.cancelled.Store(true)
	execution.cancel()

	d.logger.WithField("task_id", task.ID).Info("Cancelling running generation")
}

// dispatchTasks starts pending tasks while there are idle generators
func (d *Dispatcher) dispatchTasks(ctx context.Context) {
	for {
		var generator Generator
		select {
		case generator = <-d.generators:
		default:
			return
		}

		task, err := d.queueManager.GetNextTask(ctx)
		if err != nil {
			d.generators <- generator
			if !errors.Is(err, queue.ErrNoPendingTasks) {
				d.logger.WithError(err).Error("Failed to get next task")
			}
			return
		}

		if err := d.queueManager.RemoveTaskFromQueue(ctx, task.ID); err != nil {
			d.generators <- generator
			d.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to remove task from queue")
			return
		}

		// a cancel may have landed between the read and the removal
		if current, err := d.queueManager.GetTask(ctx, task.ID); err == nil && current.Status.IsTerminal() {
			d.generators <- generator
			continue
		}

		task.MarkStarted()
		if err := d.queueManager.UpdateTask(ctx, task); err != nil {
			d.logger.WithError(err).Error("Failed to update task status")
		}

		execCtx, cancel := context.WithCancel(ctx)
		execution := &TaskExecution{
			Task:      task,
			StartTime: time.Now(),
			generator: generator,
			cancel:    cancel,
		}
		d.runningTasks.Store(task.ID, execution)
		d.dispatched.Add(1)

		d.wg.Add(1)
		go d.execute(execCtx, execution)

		d.logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"priority": task.Priority,
		}).Info("Task dispatched")
	}
}

// execute runs one task through the generator and records the outcome
func (d *Dispatcher) execute(ctx context.Context, execution *TaskExecution) {
	defer d.wg.Done()
	defer func() { d.generators <- execution.generator }()
	defer d.runningTasks.Delete(execution.Task.ID)
	defer execution.cancel()

	metrics.RunningGenerations.Inc()
	defer metrics.RunningGenerations.Dec()

	task := execution.Task
	result, err := execution.generator.Generate(ctx, task.Spec)
	if result != nil {
		task.ApplyOutcome(outcomeOf(result))
	}

	logger := d.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"job_id":   task.JobID,
		"duration": time.Since(execution.StartTime).String(),
	})

	switch {
	case execution.cancelled.Load():
		task.MarkCancelled()
		logger.Info("Task cancelled")
	case ctx.Err() != nil:
		// shutting down: the task stays running and is requeued on the next start
		logger.Warn("Task interrupted by shutdown")
		return
	case err != nil:
		task.MarkFailed(err.Error())
		logger.WithError(err).Error("Task failed")
	default:
		task.MarkCompleted()
		logger.WithField("saved", task.Saved).Info("Task completed successfully")
	}

	// the dispatch context may already be done during shutdown
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.queueManager.UpdateTask(updateCtx, task); err != nil {
		logger.WithError(err).Error("Failed to update finished task")
	}
}

func outcomeOf(result *factory.Result) queue.Outcome {
	o := queue.Outcome{Attempts: result.Attempts}
	if result.Job != nil {
		o.JobID = result.Job.ID
		o.Total = len(result.Job.Artifacts)
	}
	if result.Batch != nil {
		o.Total = result.Batch.Total
		o.Saved = result.Batch.SavedCount()
		for _, s := range result.Batch.Saved {
			o.Images = append(o.Images, s.ImagePath)
			o.Sidecars = append(o.Sidecars, s.SidecarPath)
		}
	}
	for _, w := range result.Warnings {
		o.Warnings = append(o.Warnings, w.String())
	}
	return o
}

// GetRunningTasksCount gets running tasks count
func (d *Dispatcher) GetRunningTasksCount() int {
	count := 0
	d.runningTasks.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// GetDispatcherMetrics gets dispatcher metrics
func (d *Dispatcher) GetDispatcherMetrics() DispatcherMetrics {
	return DispatcherMetrics{
		RunningTasks:    d.GetRunningTasksCount(),
		MaxConcurrent:   d.config.MaxConcurrent,
		TotalDispatched: int(d.dispatched.Load()),
	}
}

// DispatcherMetrics dispatcher metrics
type DispatcherMetrics struct {
	RunningTasks    int `json:"running_tasks"`
	MaxConcurrent   int `json:"max_concurrent"`
	TotalDispatched int `json:"total_dispatched"`
}
