package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"nuggetfactory/internal/comfyui"
	"nuggetfactory/internal/config"
	"nuggetfactory/internal/factory"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
	"nuggetfactory/internal/persist"
	"nuggetfactory/internal/poller"
	"nuggetfactory/internal/queue"
	"nuggetfactory/internal/submitter"
	"nuggetfactory/internal/workflow"
)

type fakeGenerator struct {
	run func(ctx context.Context, spec job.GenerationSpec) (*factory.Result, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, spec job.GenerationSpec) (*factory.Result, error) {
	return f.run(ctx, spec)
}

func newTestQueue(t *testing.T) *queue.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	m := queue.NewManagerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { m.Close() })
	return m
}

func startDispatcher(t *testing.T, qm *queue.Manager, generators ...Generator) *Dispatcher {
	t.Helper()
	d := NewDispatcher(qm, config.DispatcherConfig{PollInterval: 10 * time.Millisecond}, generators...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func waitForStatus(t *testing.T, qm *queue.Manager, taskID string, want queue.TaskStatus) *queue.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := qm.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := qm.GetTask(context.Background(), taskID)
	t.Fatalf("task %s did not reach %s, last seen %+v", taskID, want, task)
	return nil
}

func TestDispatchCompletesTask(t *testing.T) {
	qm := newTestQueue(t)
	gen := &fakeGenerator{run: func(ctx context.Context, spec job.GenerationSpec) (*factory.Result, error) {
		j := job.NewJob("prompt-1", "comfyui", "http://comfy", spec)
		return &factory.Result{
			Job: j,
			Batch: &persist.Batch{
				JobID: j.ID,
				Saved: []persist.Saved{{Index: 0, ImagePath: "out/a_0.png", SidecarPath: "out/a_0.json"}},
				Total: 1,
			},
			Warnings: []submitter.Warning{{Option: "hires_fix", Reason: "no upscaler"}},
			Attempts: 1,
		}, nil
	}}
	d := startDispatcher(t, qm, gen)

	task := queue.NewTask(job.GenerationSpec{Prompt: "test", Steps: 20, Width: 512, Height: 512}, 0)
	if err := qm.AddTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, qm, task.ID, queue.TaskStatusCompleted)
	if done.JobID != "prompt-1" || done.Saved != 1 || done.Images[0] != "out/a_0.png" {
		t.Errorf("unexpected task %+v", done)
	}
	if len(done.Warnings) != 1 || done.Warnings[0] != "hires_fix: no upscaler" {
		t.Errorf("unexpected warnings %v", done.Warnings)
	}
	if got := d.GetDispatcherMetrics().TotalDispatched; got != 1 {
		t.Errorf("expected 1 dispatched, got %d", got)
	}
}

func TestDispatchRecordsFailure(t *testing.T) {
	qm := newTestQueue(t)
	gen := &fakeGenerator{run: func(ctx context.Context, spec job.GenerationSpec) (*factory.Result, error) {
		j := job.NewJob("prompt-2", "sdapi", "http://sd", spec)
		return &factory.Result{Job: j, Attempts: 1}, &job.JobFailedError{JobID: j.ID, Detail: "model corrupted"}
	}}
	startDispatcher(t, qm, gen)

	task := queue.NewTask(job.GenerationSpec{Prompt: "broken"}, 0)
	qm.AddTask(context.Background(), task)

	failed := waitForStatus(t, qm, task.ID, queue.TaskStatusFailed)
	if failed.JobID != "prompt-2" || failed.Error == "" {
		t.Errorf("unexpected task %+v", failed)
	}
}

func TestCancelRunningTask(t *testing.T) {
	qm := newTestQueue(t)
	started := make(chan struct{})
	gen := &fakeGenerator{run: func(ctx context.Context, spec job.GenerationSpec) (*factory.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := startDispatcher(t, qm, gen)

	task := queue.NewTask(job.GenerationSpec{Prompt: "slow"}, 0)
	qm.AddTask(context.Background(), task)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("generation never started")
	}
	waitForStatus(t, qm, task.ID, queue.TaskStatusRunning)

	if err := qm.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.GetRunningTasksCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.GetRunningTasksCount() != 0 {
		t.Fatal("cancelled generation still running")
	}
	waitForStatus(t, qm, task.ID, queue.TaskStatusCancelled)
}

func TestConcurrencyIsBounded(t *testing.T) {
	qm := newTestQueue(t)
	release := make(chan struct{})
	gen := &fakeGenerator{run: func(ctx context.Context, spec job.GenerationSpec) (*factory.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("stopped")
	}}
	d := startDispatcher(t, qm, gen)

	for i := 0; i < 3; i++ {
		qm.AddTask(context.Background(), queue.NewTask(job.GenerationSpec{Prompt: "queued"}, 0))
	}

	time.Sleep(100 * time.Millisecond)
	if n := d.GetRunningTasksCount(); n != 1 {
		t.Errorf("expected 1 running generation, got %d", n)
	}
	pending, _ := qm.GetTasksByStatus(context.Background(), queue.TaskStatusPending)
	if len(pending) != 2 {
		t.Errorf("expected 2 pending tasks, got %d", len(pending))
	}
	close(release)
}

const slowWorkflow = `{
  "1": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "x"}},
  "2": {"class_type": "EmptyLatentImage", "inputs": {"width": 1, "height": 1, "batch_size": 1}},
  "3": {"class_type": "CLIPTextEncode", "inputs": {"text": "POSITIVE_PROMPT"}},
  "5": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 1, "cfg": 1, "sampler_name": "euler", "scheduler": "normal"}},
  "9": {"class_type": "SaveImage", "inputs": {"images": ["5", 0]}}
}`

// slowComfy a ComfyUI backend whose prompts stay pending until release is closed
type slowComfy struct {
	*httptest.Server
	release chan struct{}

	mu        sync.Mutex
	submitted int
}

func newSlowComfy(t *testing.T) *slowComfy {
	t.Helper()
	s := &slowComfy{release: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"CheckpointLoaderSimple": {"input": {"required": {"ckpt_name": [["animeMix.safetensors"]]}}}}`))
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.submitted++
		id := fmt.Sprintf("prompt-%d", s.submitted)
		s.mu.Unlock()
		fmt.Fprintf(w, `{"prompt_id": %q, "number": 1, "node_errors": {}}`, id)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.release:
		default:
			w.Write([]byte(`{}`))
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		fmt.Fprintf(w, `{%q: {"outputs": {"9": {"images": [{"filename": "%s_0.png", "subfolder": "", "type": "output"}]}}, "status": {"status_str": "success", "completed": true}}}`, id, id)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\x89PNG " + r.URL.Query().Get("filename")))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

func (s *slowComfy) submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

func newComfyGenerator(t *testing.T, endpoint string) *factory.Client {
	t.Helper()
	transport := comfyui.NewClient(comfyui.Options{
		Endpoint:     endpoint,
		Mode:         comfyui.ModePoll,
		PollInterval: 10 * time.Millisecond,
	})
	tmpl, err := workflow.Parse([]byte(slowWorkflow), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	sub, err := submitter.New(submitter.Options{Kind: interfaces.BackendComfyUI, Template: tmpl})
	if err != nil {
		t.Fatalf("submitter.New failed: %v", err)
	}
	client, err := factory.New(factory.Options{
		Transport:  transport,
		Submitter:  sub,
		Poller:     poller.New(transport, poller.Options{ConfirmBackoff: time.Millisecond}),
		Persister:  persist.New(persist.Options{Dir: t.TempDir()}),
		Defaults:   job.Defaults{Steps: 20, Width: 512, Height: 512},
		JobTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("factory.New failed: %v", err)
	}
	return client
}

func TestGeneratorsRunInParallel(t *testing.T) {
	qm := newTestQueue(t)
	backend := newSlowComfy(t)
	d := startDispatcher(t, qm,
		newComfyGenerator(t, backend.URL),
		newComfyGenerator(t, backend.URL),
	)

	tasks := make([]*queue.Task, 3)
	for i := range tasks {
		tasks[i] = queue.NewTask(job.GenerationSpec{Prompt: fmt.Sprintf("scene %d", i)}, 0)
		if err := qm.AddTask(context.Background(), tasks[i]); err != nil {
			t.Fatal(err)
		}
	}

	// both generators submit while the backend holds every prompt
	deadline := time.Now().Add(2 * time.Second)
	for backend.submissions() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := backend.submissions(); n != 2 {
		t.Fatalf("expected 2 prompts in flight, got %d", n)
	}
	if n := d.GetRunningTasksCount(); n != 2 {
		t.Errorf("expected 2 running generations, got %d", n)
	}
	if got := d.GetDispatcherMetrics().MaxConcurrent; got != 2 {
		t.Errorf("expected max concurrent 2, got %d", got)
	}

	close(backend.release)
	for _, task := range tasks {
		done := waitForStatus(t, qm, task.ID, queue.TaskStatusCompleted)
		if done.Saved != 1 {
			t.Errorf("expected one saved image for %s, got %+v", task.ID, done)
		}
	}
	if n := backend.submissions(); n != 3 {
		t.Errorf("expected 3 submissions, got %d", n)
	}
}
