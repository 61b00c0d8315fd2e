package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/metrics"
)

const (
	tasksKey   = "generation_tasks"
	pendingKey = "pending_generations"
)

// priorityWeight keeps priorities apart in the pending score; within one
// priority the creation time orders tasks oldest first
const priorityWeight = 1e13

var (
	ErrNoPendingTasks = errors.New("no pending tasks")
	ErrTaskNotFound   = errors.New("task not found")
)

// Manager queue manager
type Manager struct {
	redis     *redis.Client
	tasks     sync.Map // in-memory task cache
	callbacks []TaskCallback
	mu        sync.RWMutex
	logger    *logrus.Logger
}

// NewManager creates a queue manager
func NewManager(cfg config.RedisConfig) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewManagerWithClient(rdb)
}

// NewManagerWithClient creates a queue manager on an existing Redis client
func NewManagerWithClient(rdb *redis.Client) *Manager {
	return &Manager{
		redis:     rdb,
		callbacks: make([]TaskCallback, 0),
		logger:    config.NewLogger(),
	}
}

// Redis returns the underlying client
func (m *Manager) Redis() *redis.Client {
	return m.redis
}

// Ping checks the Redis connection
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// Start recovers unfinished tasks and publishes queue gauges until ctx is done
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Starting queue manager")

	if err := m.loadTasksFromRedis(ctx); err != nil {
		m.logger.WithError(err).Error("Failed to load tasks from Redis")
	}

	go m.publishMetrics(ctx)

	<-ctx.Done()
	m.logger.Info("Queue manager stopped")
	return nil
}

func pendingScore(task *Task) float64 {
	return float64(-task.Priority)*priorityWeight + float64(task.CreatedAt.UnixMilli())
}

// AddTask adds a task to the queue
func (m *Manager) AddTask(ctx context.Context, task *Task) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, tasksKey, task.ID, taskJSON)
	pipe.ZAdd(ctx, pendingKey, redis.Z{
		Score:  pendingScore(task),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add task to Redis: %w", err)
	}

	cached := *task
	m.tasks.Store(task.ID, &cached)

	m.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"priority": task.Priority,
		"prompt":   task.Spec.Prompt,
	}).Info("Task added to queue")

	return nil
}

// GetNextTask gets the next pending task (without removing it from the queue)
func (m *Manager) GetNextTask(ctx context.Context) (*Task, error) {
	ids, err := m.redis.ZRange(ctx, pendingKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get next task: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoPendingTasks
	}

	task, err := m.loadTask(ctx, ids[0])
	if err != nil {
		return nil, err
	}
	cached := *task
	m.tasks.Store(task.ID, &cached)
	return task, nil
}

// RemoveTaskFromQueue removes task from the pending queue once it is picked up
func (m *Manager) RemoveTaskFromQueue(ctx context.Context, taskID string) error {
	removed, err := m.redis.ZRem(ctx, pendingKey, taskID).Result()
	if err != nil {
		return fmt.Errorf("failed to remove task from queue: %w", err)
	}
	if removed == 0 {
		m.logger.WithField("task_id", taskID).Debug("Task was not in pending queue")
	}
	return nil
}

// UpdateTask stores the task and notifies callbacks
func (m *Manager) UpdateTask(ctx context.Context, task *Task) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, tasksKey, task.ID, taskJSON)
	if task.Status != TaskStatusPending {
		pipe.ZRem(ctx, pendingKey, task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update task in Redis: %w", err)
	}

	cached := *task
	m.tasks.Store(task.ID, &cached)

	m.mu.RLock()
	callbacks := make([]TaskCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, callback := range callbacks {
		snapshot := cached
		go callback(&snapshot)
	}

	m.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"status":  task.Status,
		"job_id":  task.JobID,
	}).Info("Task updated")

	return nil
}

// GetTask gets task by ID. The caller owns the returned copy.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if value, ok := m.tasks.Load(taskID); ok {
		task := *value.(*Task)
		return &task, nil
	}

	task, err := m.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	cached := *task
	m.tasks.Store(taskID, &cached)
	return task, nil
}

func (m *Manager) loadTask(ctx context.Context, taskID string) (*Task, error) {
	taskJSON, err := m.redis.HGet(ctx, tasksKey, taskID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task from Redis: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// allTasks reloads every task from Redis
func (m *Manager) allTasks(ctx context.Context) ([]*Task, error) {
	all, err := m.redis.HGetAll(ctx, tasksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tasks from Redis: %w", err)
	}

	tasks := make([]*Task, 0, len(all))
	for _, taskJSON := range all {
		var task Task
		if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
			m.logger.WithError(err).Warn("Failed to unmarshal task")
			continue
		}
		cached := task
		m.tasks.Store(task.ID, &cached)
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// GetTasksByStatus gets tasks with status, oldest first. An empty status lists every task.
func (m *Manager) GetTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	all, err := m.allTasks(ctx)
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	for _, task := range all {
		if status == "" || task.Status == status {
			tasks = append(tasks, task)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// GetMetrics counts tasks by status
func (m *Manager) GetMetrics(ctx context.Context) (*QueueMetrics, error) {
	all, err := m.allTasks(ctx)
	if err != nil {
		return nil, err
	}

	qm := &QueueMetrics{}
	for _, task := range all {
		qm.TotalTasks++
		qm.ImagesSaved += task.Saved
		switch task.Status {
		case TaskStatusPending:
			qm.PendingTasks++
		case TaskStatusRunning:
			qm.RunningTasks++
		case TaskStatusCompleted:
			qm.CompletedTasks++
		case TaskStatusFailed:
			qm.FailedTasks++
		case TaskStatusCancelled:
			qm.CancelledTasks++
		}
	}
	return qm, nil
}

// AddCallback adds task status change callback
func (m *Manager) AddCallback(callback TaskCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// CancelTask cancels a pending or running task
func (m *Manager) CancelTask(ctx context.Context, taskID string) error {
	task, err := m.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Status.IsTerminal() {
		return fmt.Errorf("task cannot be cancelled, current status: %s", task.Status)
	}

	task.MarkCancelled()
	return m.UpdateTask(ctx, task)
}

// Close closes the Redis connection
func (m *Manager) Close() error {
	return m.redis.Close()
}

// publishMetrics refreshes the queue gauges
func (m *Manager) publishMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qm, err := m.GetMetrics(ctx)
			if err != nil {
				m.logger.WithError(err).Debug("Failed to collect queue metrics")
				continue
			}
			metrics.QueueLength.WithLabelValues(string(TaskStatusPending)).Set(float64(qm.PendingTasks))
			metrics.QueueLength.WithLabelValues(string(TaskStatusRunning)).Set(float64(qm.RunningTasks))
			metrics.QueueLength.WithLabelValues(string(TaskStatusCompleted)).Set(float64(qm.CompletedTasks))
			metrics.QueueLength.WithLabelValues(string(TaskStatusFailed)).Set(float64(qm.FailedTasks))
			metrics.QueueLength.WithLabelValues(string(TaskStatusCancelled)).Set(float64(qm.CancelledTasks))
		}
	}
}

// loadTasksFromRedis rebuilds the pending queue. Tasks that were running
// when the service stopped are queued again: their backend job is not
// waited on again, a fresh one is submitted.
func (m *Manager) loadTasksFromRedis(ctx context.Context) error {
	all, err := m.redis.HGetAll(ctx, tasksKey).Result()
	if err != nil {
		return fmt.Errorf("failed to load tasks from Redis: %w", err)
	}

	count := 0
	pendingCount := 0
	runningRecoveredCount := 0

	pipe := m.redis.TxPipeline()

	for _, taskJSON := range all {
		var task Task
		if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
			m.logger.WithError(err).Warn("Failed to unmarshal task")
			continue
		}

		switch task.Status {
		case TaskStatusPending:
			pipe.ZAdd(ctx, pendingKey, redis.Z{Score: pendingScore(&task), Member: task.ID})
			pendingCount++

		case TaskStatusRunning:
			task.Status = TaskStatusPending
			task.StartedAt = nil
			task.JobID = ""

			pipe.ZAdd(ctx, pendingKey, redis.Z{Score: pendingScore(&task), Member: task.ID})
			if data, err := json.Marshal(&task); err == nil {
				pipe.HSet(ctx, tasksKey, task.ID, data)
			}
			runningRecoveredCount++

			m.logger.WithField("task_id", task.ID).Info("Recovered running task, reset to pending")
		}

		m.tasks.Store(task.ID, &task)
		count++
	}

	if pendingCount > 0 || runningRecoveredCount > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to rebuild pending queue: %w", err)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"total_tasks":             count,
		"pending_tasks":           pendingCount,
		"running_recovered_tasks": runningRecoveredCount,
	}).Info("Loaded tasks from Redis and rebuilt pending queue")

	return nil
}
