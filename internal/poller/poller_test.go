package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

// fakeTransport scripted AwaitCompletion and GetResult answers
type fakeTransport struct {
	mu        sync.Mutex
	state     *interfaces.TerminalState
	awaitErr  error
	block     bool
	results   []*interfaces.JobResult
	resultErr error
	calls     int
}

func (f *fakeTransport) Name() interfaces.BackendKind { return interfaces.BackendComfyUI }
func (f *fakeTransport) Endpoint() string             { return "http://backend:8188" }

func (f *fakeTransport) Submit(ctx context.Context, payload interfaces.Payload) (string, error) {
	return "job-1", nil
}

func (f *fakeTransport) AwaitCompletion(ctx context.Context, jobID string, deadline time.Time) (*interfaces.TerminalState, error) {
	if f.block {
		select {
		case <-time.After(time.Until(deadline)):
			return &interfaces.TerminalState{Status: job.StatusTimedOut}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.state, f.awaitErr
}

func (f *fakeTransport) GetResult(ctx context.Context, jobID string) (*interfaces.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	if len(f.results) == 0 {
		return &interfaces.JobResult{}, nil
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result, nil
}

func (f *fakeTransport) FetchArtifact(ctx context.Context, ref job.Artifact) ([]byte, error) {
	return nil, nil
}

func (f *fakeTransport) Inventory(ctx context.Context) (*interfaces.Inventory, error) {
	return &interfaces.Inventory{}, nil
}

func newJob() *job.Job {
	return job.NewJob("job-1", "comfyui", "http://backend:8188", job.GenerationSpec{Prompt: "test", Steps: 20, Width: 512, Height: 512})
}

func withImages(names ...string) *interfaces.JobResult {
	stage := interfaces.OutputStage{Name: "9"}
	for _, name := range names {
		stage.Images = append(stage.Images, job.Artifact{Filename: name, Type: "output"})
	}
	return &interfaces.JobResult{Stages: []interfaces.OutputStage{stage}}
}

func TestWaitCompleted(t *testing.T) {
	transport := &fakeTransport{
		state:   &interfaces.TerminalState{Status: job.StatusCompleted},
		results: []*interfaces.JobResult{withImages("out_0.png")},
	}
	p := New(transport, Options{ConfirmBackoff: time.Millisecond})
	j := newJob()

	result, err := p.Wait(context.Background(), j, time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if j.Status != job.StatusCompleted {
		t.Errorf("expected completed, got %s", j.Status)
	}
	if len(j.Artifacts) != 1 || j.Artifacts[0].Filename != "out_0.png" {
		t.Errorf("unexpected artifacts %+v", j.Artifacts)
	}
	if len(result.Stages) != 1 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestWaitConfirmsLateOutputs(t *testing.T) {
	transport := &fakeTransport{
		state:   &interfaces.TerminalState{Status: job.StatusCompleted},
		results: []*interfaces.JobResult{{}, {}, withImages("out_0.png")},
	}
	p := New(transport, Options{ConfirmAttempts: 5, ConfirmBackoff: time.Millisecond})
	j := newJob()

	if _, err := p.Wait(context.Background(), j, time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if transport.calls != 3 {
		t.Errorf("expected 3 result reads, got %d", transport.calls)
	}
}

func TestWaitFailsWithoutOutputs(t *testing.T) {
	transport := &fakeTransport{state: &interfaces.TerminalState{Status: job.StatusCompleted}}
	p := New(transport, Options{ConfirmAttempts: 3, ConfirmBackoff: time.Millisecond})
	j := newJob()

	_, err := p.Wait(context.Background(), j, time.Second)
	var failed *job.JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	if j.Status != job.StatusFailed {
		t.Errorf("expected failed, got %s", j.Status)
	}
	if transport.calls != 3 {
		t.Errorf("expected 3 result reads, got %d", transport.calls)
	}
}

func TestWaitBackendFailure(t *testing.T) {
	transport := &fakeTransport{state: &interfaces.TerminalState{
		Status: job.StatusFailed,
		Detail: "SafetensorError: header too large",
	}}
	p := New(transport, Options{})
	j := newJob()

	_, err := p.Wait(context.Background(), j, time.Second)
	var failed *job.JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "SafetensorError") {
		t.Errorf("expected backend detail in message, got %q", err)
	}
	if j.Error != "SafetensorError: header too large" {
		t.Errorf("expected detail on job, got %q", j.Error)
	}
	if job.IsRetryable(err) {
		t.Error("backend failures must not be retryable")
	}
}

func TestWaitRespectsDeadline(t *testing.T) {
	transport := &fakeTransport{block: true}
	p := New(transport, Options{})
	j := newJob()

	start := time.Now()
	_, err := p.Wait(context.Background(), j, 100*time.Millisecond)
	elapsed := time.Since(start)

	var timeout *job.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed > 600*time.Millisecond {
		t.Errorf("deadline overshot: %v", elapsed)
	}
	if j.Status != job.StatusTimedOut {
		t.Errorf("expected timed_out, got %s", j.Status)
	}
	if !strings.Contains(err.Error(), "100ms") || !strings.Contains(err.Error(), "http://backend:8188") {
		t.Errorf("expected deadline and endpoint in message, got %q", err)
	}
	if err := j.MarkCompleted(nil); err == nil {
		t.Error("timed out job must not transition again")
	}
}

func TestWaitTransportError(t *testing.T) {
	transport := &fakeTransport{awaitErr: errors.New("connection reset")}
	p := New(transport, Options{})
	j := newJob()

	_, err := p.Wait(context.Background(), j, time.Second)
	var transportErr *job.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if j.Status != job.StatusFailed {
		t.Errorf("expected failed, got %s", j.Status)
	}
}
