// Package persist writes generated images and their metadata sidecars.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/job"
)

// timestampLayout microsecond resolution keeps names from one process unique
const timestampLayout = "20060102_150405.000000"

// Options persister options
type Options struct {
	Dir    string
	Prefix string
	Logger *logrus.Logger
}

// Persister writes artifacts to one output directory
type Persister struct {
	dir    string
	prefix string
	logger *logrus.Logger
	now    func() time.Time

	// writeFile replaces path with data atomically
	writeFile func(path string, data []byte) error
}

// Saved one persisted artifact
type Saved struct {
	Index       int    `json:"index"`
	ImagePath   string `json:"image_path"`
	SidecarPath string `json:"sidecar_path"`
}

// Batch outcome of persisting the artifacts of one job. Artifacts saved
// before a failure stay on disk.
type Batch struct {
	JobID  string  `json:"job_id"`
	Saved  []Saved `json:"saved"`
	Total  int     `json:"total"`
	Errors []error `json:"-"`
}

// SavedCount number of artifacts with both image and sidecar on disk
func (b *Batch) SavedCount() int {
	return len(b.Saved)
}

// Err joins the per-artifact failures, nil when everything was saved
func (b *Batch) Err() error {
	return errors.Join(b.Errors...)
}

// Sidecar metadata written next to each image
type Sidecar struct {
	Prompt         string                 `json:"prompt"`
	NegativePrompt string                 `json:"negative_prompt"`
	Timestamp      string                 `json:"timestamp"`
	Sampler        string                 `json:"sampler"`
	Steps          int                    `json:"steps"`
	CFGScale       float64                `json:"cfg_scale"`
	Width          int                    `json:"width"`
	Height         int                    `json:"height"`
	Seed           int64                  `json:"seed"`
	Model          string                 `json:"model"`
	BatchSize      int                    `json:"batch_size"`
	JobID          string                 `json:"job_id"`
	Backend        string                 `json:"backend"`
	Endpoint       string                 `json:"endpoint"`
	Image          string                 `json:"image"`
	Index          int                    `json:"index"`
	Source         string                 `json:"source"`
	Stage          string                 `json:"stage,omitempty"`
	Extras         map[string]interface{} `json:"extras,omitempty"`
}

// New creates a persister
func New(opts Options) *Persister {
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "image"
	}
	return &Persister{
		dir:       opts.Dir,
		prefix:    prefix,
		logger:    logger,
		now:       time.Now,
		writeFile: atomicWrite,
	}
}

// Dir returns the output directory
func (p *Persister) Dir() string {
	return p.dir
}

// Save writes every artifact of j and its sidecar. A failure affects only
// its own artifact; the returned error joins all failures and the batch
// reports how many of the artifacts were saved.
func (p *Persister) Save(ctx context.Context, j *job.Job, artifacts []job.Artifact) (*Batch, error) {
	batch := &Batch{JobID: j.ID, Total: len(artifacts)}

	if err := os.MkdirAll(p.dir, 0755); err != nil {
		perr := &job.PersistenceError{Path: p.dir, Err: err}
		batch.Errors = append(batch.Errors, perr)
		return batch, perr
	}

	stamp := p.now()
	for i, artifact := range artifacts {
		if err := ctx.Err(); err != nil {
			batch.Errors = append(batch.Errors, err)
			break
		}

		saved, err := p.saveOne(j, artifact, i, stamp)
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"job_id": j.ID,
				"index":  i,
			}).Error("Failed to persist artifact")
			batch.Errors = append(batch.Errors, err)
			continue
		}
		batch.Saved = append(batch.Saved, *saved)
	}

	p.logger.WithFields(logrus.Fields{
		"job_id": j.ID,
		"saved":  batch.SavedCount(),
		"total":  batch.Total,
		"dir":    p.dir,
	}).Info("Artifacts persisted")

	return batch, batch.Err()
}

// saveOne writes the image, then its sidecar. The sidecar never exists
// without its image: a failed sidecar write removes the image again.
func (p *Persister) saveOne(j *job.Job, artifact job.Artifact, index int, stamp time.Time) (*Saved, error) {
	stem := fmt.Sprintf("%s_%s_%s_%d", p.prefix, stamp.Format(timestampLayout), j.ShortID(), index)
	ext := strings.ToLower(filepath.Ext(artifact.Filename))
	if ext == "" {
		ext = ".png"
	}
	imagePath := filepath.Join(p.dir, stem+ext)
	sidecarPath := filepath.Join(p.dir, stem+".json")

	if err := p.writeFile(imagePath, artifact.Data); err != nil {
		return nil, &job.PersistenceError{Path: imagePath, Err: err}
	}

	meta := newSidecar(j, artifact, index, filepath.Base(imagePath), stamp)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.Remove(imagePath)
		return nil, &job.PersistenceError{Path: sidecarPath, Err: err}
	}
	if err := p.writeFile(sidecarPath, data); err != nil {
		if rmErr := os.Remove(imagePath); rmErr != nil && !os.IsNotExist(rmErr) {
			p.logger.WithError(rmErr).WithField("path", imagePath).Warn("Failed to remove image without sidecar")
		}
		return nil, &job.PersistenceError{Path: sidecarPath, Err: err}
	}

	return &Saved{Index: index, ImagePath: imagePath, SidecarPath: sidecarPath}, nil
}

func newSidecar(j *job.Job, artifact job.Artifact, index int, image string, stamp time.Time) Sidecar {
	spec := j.Spec
	return Sidecar{
		Prompt:         spec.Prompt,
		NegativePrompt: spec.NegativePrompt,
		Timestamp:      stamp.Format(time.RFC3339Nano),
		Sampler:        spec.Sampler,
		Steps:          spec.Steps,
		CFGScale:       spec.CFGScale,
		Width:          spec.Width,
		Height:         spec.Height,
		Seed:           spec.Seed,
		Model:          spec.Model,
		BatchSize:      spec.BatchSize,
		JobID:          j.ID,
		Backend:        j.Backend,
		Endpoint:       j.Endpoint,
		Image:          image,
		Index:          index,
		Source:         artifact.Filename,
		Stage:          artifact.Stage,
		Extras:         spec.CloneExtras(),
	}
}

// atomicWrite writes to a temp file in the same directory, syncs it and
// renames it over path, so path is either absent or complete.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
