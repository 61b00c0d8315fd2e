// Package factory runs the generation pipeline: build the payload, submit,
// wait for completion, fetch the artifacts and persist them.
package factory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
	"nuggetfactory/internal/metrics"
	"nuggetfactory/internal/persist"
	"nuggetfactory/internal/poller"
	"nuggetfactory/internal/resolver"
	"nuggetfactory/internal/submitter"
)

// maxSeed upper bound for generated seeds
const maxSeed = 1_000_000_000_000

// Recorder stores the outcome of each backend job
type Recorder interface {
	SaveRecord(ctx context.Context, rec *persist.Record) error
}

// releaser is implemented by transports that hold artifact bytes in memory
type releaser interface {
	Release(jobID string)
}

// Options factory options
type Options struct {
	Transport interfaces.Transport
	Submitter *submitter.Submitter
	Poller    *poller.Poller
	Persister *persist.Persister
	Recorder  Recorder

	Defaults       job.Defaults
	JobTimeout     time.Duration
	SubmitAttempts int
	RetryBackoff   time.Duration
	Logger         *logrus.Logger
}

// Result outcome of one Generate call
type Result struct {
	Job      *job.Job            `json:"job"`
	Batch    *persist.Batch      `json:"batch,omitempty"`
	Warnings []submitter.Warning `json:"warnings,omitempty"`
	Attempts int                 `json:"attempts"`
}

// Client runs one generation at a time against one backend. Run several
// clients to generate in parallel.
type Client struct {
	transport interfaces.Transport
	submitter *submitter.Submitter
	poller    *poller.Poller
	persister *persist.Persister
	recorder  Recorder

	defaults       job.Defaults
	jobTimeout     time.Duration
	submitAttempts int
	retryBackoff   time.Duration
	logger         *logrus.Logger
	randSeed       func() int64

	// holds a token while a generation runs
	busy chan struct{}

	invMu     sync.Mutex
	inventory *interfaces.Inventory
}

// New creates a factory client
func New(opts Options) (*Client, error) {
	if opts.Transport == nil || opts.Submitter == nil || opts.Persister == nil {
		return nil, errors.New("factory requires a transport, a submitter and a persister")
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger()
	}
	p := opts.Poller
	if p == nil {
		p = poller.New(opts.Transport, poller.Options{Logger: logger})
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	attempts := opts.SubmitAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &Client{
		transport:      opts.Transport,
		submitter:      opts.Submitter,
		poller:         p,
		persister:      opts.Persister,
		recorder:       opts.Recorder,
		defaults:       opts.Defaults,
		jobTimeout:     timeout,
		submitAttempts: attempts,
		retryBackoff:   opts.RetryBackoff,
		logger:         logger,
		randSeed:       func() int64 { return rand.Int63n(maxSeed) + 1 },
		busy:           make(chan struct{}, 1),
	}, nil
}

// Transport returns the backend transport
func (c *Client) Transport() interfaces.Transport {
	return c.transport
}

// Inventory returns the backend inventory, reading it on first use
func (c *Client) Inventory(ctx context.Context) (*interfaces.Inventory, error) {
	c.invMu.Lock()
	cached := c.inventory
	c.invMu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return c.Refresh(ctx)
}

// Refresh re-reads the backend inventory
func (c *Client) Refresh(ctx context.Context) (*interfaces.Inventory, error) {
	inv, err := c.transport.Inventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend inventory: %w", err)
	}

	c.invMu.Lock()
	c.inventory = inv
	c.invMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"backend":     c.transport.Name(),
		"checkpoints": len(inv.Checkpoints),
		"loras":       len(inv.LoRAs),
		"upscalers":   len(inv.Upscalers),
		"scripts":     len(inv.Scripts),
	}).Info("Backend inventory loaded")
	return inv, nil
}

// Generate runs spec to persisted files. Transport errors and timeouts are
// retried with a fresh submission up to the configured attempts; backend
// failures, configuration and persistence errors are returned as they are.
// A partially persisted batch returns both the result and the error.
// A call waiting for another generation on the same client gives up when
// ctx is done.
func (c *Client) Generate(ctx context.Context, spec job.GenerationSpec) (*Result, error) {
	select {
	case c.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.busy }()

	spec = spec.WithDefaults(c.defaults)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Seed == 0 {
		spec.Seed = c.randSeed()
	}

	inv, err := c.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	// the job, its sidecars and its record carry the checkpoint actually loaded
	spec, warnings, err := c.submitter.ResolveModel(spec, inv)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}
	for _, w := range warnings {
		c.logger.WithFields(logrus.Fields{
			"option": w.Option,
			"reason": w.Reason,
		}).Warn("Generation option adjusted")
	}

	payload, buildWarnings, err := c.submitter.Build(spec, inv)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}
	warnings = append(warnings, buildWarnings...)

	var lastErr error
	for attempt := 1; attempt <= c.submitAttempts; attempt++ {
		result, err := c.run(ctx, spec, payload)
		if result != nil {
			result.Warnings = warnings
			result.Attempts = attempt
		}
		if err == nil || !job.IsRetryable(err) {
			return result, err
		}
		lastErr = err

		if attempt == c.submitAttempts {
			break
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": c.submitAttempts,
		}).Warn("Generation attempt failed, retrying with a fresh job")
		metrics.RetriesTotal.Inc()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryBackoff):
		}
	}

	return nil, fmt.Errorf("generation failed after %d attempts: %w", c.submitAttempts, lastErr)
}

// run is one attempt: submit, wait, resolve, persist
func (c *Client) run(ctx context.Context, spec job.GenerationSpec, payload interfaces.Payload) (*Result, error) {
	backend := string(c.transport.Name())
	start := time.Now()

	jobID, err := c.transport.Submit(ctx, payload)
	if err != nil {
		metrics.SubmitErrorsTotal.WithLabelValues(backend).Inc()
		c.logger.WithError(err).Error("Failed to submit generation")
		return nil, err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(backend).Inc()
	if r, ok := c.transport.(releaser); ok {
		defer r.Release(jobID)
	}

	j := job.NewJob(jobID, backend, c.transport.Endpoint(), spec)
	logger := c.logger.WithFields(logrus.Fields{
		"job_id":  j.ID,
		"backend": backend,
		"seed":    spec.Seed,
	})
	logger.Info("Generation submitted")

	observe := func() {
		metrics.JobsFinishedTotal.WithLabelValues(backend, string(j.Status)).Inc()
		metrics.GenerationDurationSeconds.WithLabelValues(backend, string(j.Status)).Observe(time.Since(start).Seconds())
	}

	result, err := c.poller.Wait(ctx, j, c.jobTimeout)
	if err != nil {
		observe()
		c.record(ctx, j, nil)
		return &Result{Job: j}, err
	}
	observe()

	artifacts, err := resolver.Resolve(ctx, c.transport, result)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch artifacts")
		c.record(ctx, j, nil)
		return &Result{Job: j}, err
	}

	batch, err := c.persister.Save(ctx, j, artifacts)
	metrics.ArtifactsSavedTotal.Add(float64(batch.SavedCount()))
	metrics.PersistenceFailuresTotal.Add(float64(batch.Total - batch.SavedCount()))
	c.record(ctx, j, batch)

	logger.WithFields(logrus.Fields{
		"saved":    batch.SavedCount(),
		"total":    batch.Total,
		"duration": time.Since(start).String(),
	}).Info("Generation finished")

	return &Result{Job: j, Batch: batch}, err
}

func (c *Client) record(ctx context.Context, j *job.Job, batch *persist.Batch) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveRecord(ctx, persist.NewRecord(j, batch)); err != nil {
		c.logger.WithError(err).WithField("job_id", j.ID).Warn("Failed to save job record")
	}
}
