package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/job"
)

const (
	recordKeyPrefix = "jobrecord:"
	recordTimeline  = "job_records_finished"
)

// ErrRecordNotFound no record is stored for the job id
var ErrRecordNotFound = errors.New("job record not found")

// Record identity and result location of one backend job
type Record struct {
	JobID       string     `json:"job_id"`
	Backend     string     `json:"backend"`
	Endpoint    string     `json:"endpoint"`
	Status      job.Status `json:"status"`
	Prompt      string     `json:"prompt"`
	Model       string     `json:"model,omitempty"`
	Images      []string   `json:"images,omitempty"`
	Sidecars    []string   `json:"sidecars,omitempty"`
	Saved       int        `json:"saved"`
	Total       int        `json:"total"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  time.Time  `json:"finished_at"`
}

// NewRecord builds the record of j and, when present, its persisted batch
func NewRecord(j *job.Job, batch *Batch) *Record {
	rec := &Record{
		JobID:       j.ID,
		Backend:     j.Backend,
		Endpoint:    j.Endpoint,
		Status:      j.Status,
		Prompt:      j.Spec.Prompt,
		Model:       j.Spec.Model,
		Total:       len(j.Artifacts),
		Error:       j.Error,
		SubmittedAt: j.SubmittedAt,
		FinishedAt:  time.Now(),
	}
	if j.CompletedAt != nil {
		rec.FinishedAt = *j.CompletedAt
	}
	if batch != nil {
		rec.Total = batch.Total
		rec.Saved = batch.SavedCount()
		for _, s := range batch.Saved {
			rec.Images = append(rec.Images, s.ImagePath)
			rec.Sidecars = append(rec.Sidecars, s.SidecarPath)
		}
		if err := batch.Err(); err != nil && rec.Error == "" {
			rec.Error = err.Error()
		}
	}
	return rec
}

// RecordStore keeps job records in Redis
type RecordStore struct {
	redis  *redis.Client
	logger *logrus.Logger
}

// NewRecordStore creates a record store
func NewRecordStore(cfg config.RedisConfig) *RecordStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRecordStoreWithClient(rdb)
}

// NewRecordStoreWithClient creates a record store on an existing client
func NewRecordStoreWithClient(rdb *redis.Client) *RecordStore {
	return &RecordStore{
		redis:  rdb,
		logger: config.NewLogger(),
	}
}

// SaveRecord saves a record
func (s *RecordStore) SaveRecord(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := s.redis.Set(ctx, recordKeyPrefix+rec.JobID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save record to Redis: %w", err)
	}

	if err := s.redis.ZAdd(ctx, recordTimeline, redis.Z{
		Score:  float64(rec.FinishedAt.UnixNano()),
		Member: rec.JobID,
	}).Err(); err != nil {
		s.logger.WithError(err).Warn("Failed to update record timeline")
	}

	s.logger.WithFields(logrus.Fields{
		"job_id": rec.JobID,
		"status": rec.Status,
		"saved":  rec.Saved,
	}).Debug("Job record saved to Redis")

	return nil
}

// LoadRecord loads a record
func (s *RecordStore) LoadRecord(ctx context.Context, jobID string) (*Record, error) {
	data, err := s.redis.Get(ctx, recordKeyPrefix+jobID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to load record from Redis: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// RecentRecords loads up to limit records, most recently finished first
func (s *RecordStore) RecentRecords(ctx context.Context, limit int64) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.redis.ZRevRange(ctx, recordTimeline, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record timeline: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.LoadRecord(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("job_id", id).Warn("Failed to load record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteRecord deletes a record
func (s *RecordStore) DeleteRecord(ctx context.Context, jobID string) error {
	if err := s.redis.Del(ctx, recordKeyPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("failed to delete record from Redis: %w", err)
	}
	if err := s.redis.ZRem(ctx, recordTimeline, jobID).Err(); err != nil {
		s.logger.WithError(err).Warn("Failed to remove job from record timeline")
	}
	return nil
}

// Close closes the Redis connection
func (s *RecordStore) Close() error {
	return s.redis.Close()
}
