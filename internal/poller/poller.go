// Package poller drives a submitted job to a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
	"nuggetfactory/internal/resolver"
)

// Options poller options
type Options struct {
	// ConfirmAttempts how many times the result is re-read after a finished
	// signal before a job without outputs counts as failed
	ConfirmAttempts int
	ConfirmBackoff  time.Duration
	Logger          *logrus.Logger
}

// Poller waits for jobs of one transport
type Poller struct {
	transport       interfaces.Transport
	confirmAttempts int
	confirmBackoff  time.Duration
	logger          *logrus.Logger
}

// New creates a poller
func New(transport interfaces.Transport, opts Options) *Poller {
	attempts := opts.ConfirmAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := opts.ConfirmBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger()
	}
	return &Poller{
		transport:       transport,
		confirmAttempts: attempts,
		confirmBackoff:  backoff,
		logger:          logger,
	}
}

// Wait blocks until j reaches a terminal state or timeout elapses and
// returns the backend result of a completed job. j is never resubmitted:
// a failed or timed out job stays that way.
func (p *Poller) Wait(ctx context.Context, j *job.Job, timeout time.Duration) (*interfaces.JobResult, error) {
	if err := j.MarkExecuting(); err != nil {
		return nil, err
	}

	logger := p.logger.WithFields(logrus.Fields{
		"job_id":   j.ID,
		"endpoint": p.transport.Endpoint(),
	})
	logger.WithField("timeout", timeout.String()).Debug("Waiting for job")

	deadline := time.Now().Add(timeout)
	state, err := p.transport.AwaitCompletion(ctx, j.ID, deadline)
	if err != nil {
		j.MarkFailed(err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var transportErr *job.TransportError
		if !errors.As(err, &transportErr) {
			err = &job.TransportError{Op: "AWAIT", Endpoint: p.transport.Endpoint(), Err: err}
		}
		logger.WithError(err).Error("Lost track of job")
		return nil, err
	}

	switch state.Status {
	case job.StatusTimedOut:
		j.MarkTimedOut(fmt.Sprintf("no terminal state within %s", timeout))
		logger.Warn("Job timed out")
		return nil, &job.TimeoutError{JobID: j.ID, Endpoint: p.transport.Endpoint(), Deadline: timeout}
	case job.StatusFailed:
		j.MarkFailed(state.Detail)
		logger.WithField("detail", state.Detail).Error("Backend reported job failure")
		return nil, &job.JobFailedError{JobID: j.ID, Detail: state.Detail}
	case job.StatusCompleted:
		return p.confirm(ctx, j, logger)
	default:
		j.MarkFailed(fmt.Sprintf("unexpected state %q", state.Status))
		return nil, fmt.Errorf("job %s: unexpected state %q", j.ID, state.Status)
	}
}

// confirm re-reads the result after a finished signal. The signal can
// arrive before the outputs are recorded, so an empty result is retried.
func (p *Poller) confirm(ctx context.Context, j *job.Job, logger *logrus.Entry) (*interfaces.JobResult, error) {
	var lastErr error
	for attempt := 1; attempt <= p.confirmAttempts; attempt++ {
		result, err := p.transport.GetResult(ctx, j.ID)
		switch {
		case err != nil:
			lastErr = err
			logger.WithError(err).WithField("attempt", attempt).Warn("Failed to read job result")
		case result.Error != "":
			j.MarkFailed(result.Error)
			return nil, &job.JobFailedError{JobID: j.ID, Detail: result.Error}
		default:
			if artifacts := resolver.Flatten(result); len(artifacts) > 0 {
				if err := j.MarkCompleted(artifacts); err != nil {
					return nil, err
				}
				logger.WithField("artifacts", len(artifacts)).Info("Job completed")
				return result, nil
			}
			lastErr = nil
			logger.WithField("attempt", attempt).Debug("Finished signal without outputs yet")
		}

		if attempt == p.confirmAttempts {
			break
		}
		select {
		case <-ctx.Done():
			j.MarkFailed(ctx.Err().Error())
			return nil, ctx.Err()
		case <-time.After(p.confirmBackoff):
		}
	}

	if lastErr != nil {
		j.MarkFailed(lastErr.Error())
		var transportErr *job.TransportError
		if !errors.As(lastErr, &transportErr) {
			lastErr = &job.TransportError{Op: "GET", Endpoint: p.transport.Endpoint(), Err: lastErr}
		}
		return nil, lastErr
	}

	detail := fmt.Sprintf("finished without output artifacts after %d checks", p.confirmAttempts)
	j.MarkFailed(detail)
	return nil, &job.JobFailedError{JobID: j.ID, Detail: detail}
}
