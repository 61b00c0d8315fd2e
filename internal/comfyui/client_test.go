package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeComfy serves /ws from a channel of frames and delegates other paths to mux
type fakeComfy struct {
	*httptest.Server
	frames chan []byte
	mux    *http.ServeMux
}

func newFakeComfy(t *testing.T) *fakeComfy {
	t.Helper()
	f := &fakeComfy{frames: make(chan []byte, 16), mux: http.NewServeMux()}
	upgrader := websocket.Upgrader{}
	f.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for frame := range f.frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	})
	f.Server = httptest.NewServer(f.mux)
	t.Cleanup(func() {
		close(f.frames)
		f.Server.Close()
	})
	return f
}

func (f *fakeComfy) send(t *testing.T, msgType string, data map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"type": msgType, "data": data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f.frames <- raw
}

func TestAwaitCompletionIgnoresOtherJobs(t *testing.T) {
	fake := newFakeComfy(t)
	client := NewClient(Options{Endpoint: fake.URL, Logger: quietLogger()})
	defer client.Close()

	ctx := context.Background()
	if _, err := client.ensureStream(ctx); err != nil {
		t.Fatalf("ensureStream: %v", err)
	}

	type outcome struct {
		state *interfaces.TerminalState
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		state, err := client.AwaitCompletion(ctx, "X", time.Now().Add(5*time.Second))
		done <- outcome{state, err}
	}()

	fake.send(t, "progress", map[string]interface{}{"prompt_id": "Y", "value": 3, "max": 20})
	fake.send(t, "executing", map[string]interface{}{"prompt_id": "X", "node": "3"})
	fake.send(t, "progress", map[string]interface{}{"prompt_id": "X", "value": 5, "max": 20})
	fake.send(t, "executing", map[string]interface{}{"prompt_id": "Y", "node": nil})
	fake.send(t, "execution_success", map[string]interface{}{"prompt_id": "Y"})

	select {
	case got := <-done:
		t.Fatalf("await returned on another job's events: %+v", got.state)
	case <-time.After(200 * time.Millisecond):
	}

	fake.send(t, "executing", map[string]interface{}{"prompt_id": "X", "node": nil})

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("AwaitCompletion: %v", got.err)
		}
		if got.state.Status != job.StatusCompleted {
			t.Fatalf("status = %s", got.state.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("await did not return after the terminal event")
	}

	// Y finished before anyone waited on it; the event is kept for a late waiter.
	state, err := client.AwaitCompletion(ctx, "Y", time.Now().Add(time.Second))
	if err != nil || state.Status != job.StatusCompleted {
		t.Fatalf("late waiter got %+v, %v", state, err)
	}
}

func TestAwaitCompletionReportsExecutionError(t *testing.T) {
	fake := newFakeComfy(t)
	client := NewClient(Options{Endpoint: fake.URL, Logger: quietLogger()})
	defer client.Close()

	if _, err := client.ensureStream(context.Background()); err != nil {
		t.Fatalf("ensureStream: %v", err)
	}
	fake.send(t, "execution_error", map[string]interface{}{
		"prompt_id":         "X",
		"node_id":           "4",
		"node_type":         "CheckpointLoaderSimple",
		"exception_type":    "SafetensorError",
		"exception_message": "Error while deserializing header",
	})

	state, err := client.AwaitCompletion(context.Background(), "X", time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if state.Status != job.StatusFailed || !strings.Contains(state.Detail, "SafetensorError") {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestAwaitCompletionRespectsDeadline(t *testing.T) {
	fake := newFakeComfy(t)
	client := NewClient(Options{Endpoint: fake.URL, Logger: quietLogger()})
	defer client.Close()

	deadline := 200 * time.Millisecond
	start := time.Now()
	state, err := client.AwaitCompletion(context.Background(), "never", start.Add(deadline))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if state.Status != job.StatusTimedOut {
		t.Fatalf("status = %s", state.Status)
	}
	if elapsed > deadline+500*time.Millisecond {
		t.Fatalf("returned after %s, deadline was %s", elapsed, deadline)
	}
}

func TestPollModeWaitsForOutputs(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/p1" {
			http.NotFound(w, r)
			return
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"p1":{"outputs":{"9":{"images":[{"filename":"out_0.png","subfolder":"","type":"output"}]}},"status":{"status_str":"success","completed":true}}}`))
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL, Mode: ModePoll, PollInterval: 10 * time.Millisecond, Logger: quietLogger()})
	state, err := client.AwaitCompletion(context.Background(), "p1", time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if state.Status != job.StatusCompleted {
		t.Fatalf("status = %s", state.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("history queried %d times, want 3", got)
	}
}

func TestPollModeTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL, Mode: ModePoll, PollInterval: 20 * time.Millisecond, Logger: quietLogger()})
	start := time.Now()
	state, err := client.AwaitCompletion(context.Background(), "p1", start.Add(150*time.Millisecond))
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if state.Status != job.StatusTimedOut {
		t.Fatalf("status = %s", state.Status)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("poll overshot the deadline: %s", time.Since(start))
	}
}

func TestSubmit(t *testing.T) {
	var gotClientID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req promptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotClientID = req.ClientID
		switch req.Prompt["mode"] {
		case "ok":
			_, _ = w.Write([]byte(`{"prompt_id":"abc","number":1,"node_errors":{}}`))
		case "missing":
			_, _ = w.Write([]byte(`{"number":1}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Prompt outputs failed validation"}}`))
		}
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL, Mode: ModePoll, Logger: quietLogger()})
	ctx := context.Background()

	id, err := client.Submit(ctx, interfaces.Payload{"mode": "ok"})
	if err != nil || id != "abc" {
		t.Fatalf("Submit = %q, %v", id, err)
	}
	if gotClientID != client.ClientID() {
		t.Fatalf("client id not sent: %q", gotClientID)
	}

	var transportErr *job.TransportError
	_, err = client.Submit(ctx, interfaces.Payload{"mode": "missing"})
	if !errors.As(err, &transportErr) || !strings.Contains(err.Error(), "prompt_id") {
		t.Fatalf("missing id should be a transport error, got %v", err)
	}

	_, err = client.Submit(ctx, interfaces.Payload{"mode": "bad"})
	if !errors.As(err, &transportErr) || transportErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("400 should be a transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed validation") {
		t.Fatalf("error should carry the response body: %v", err)
	}
}

func TestGetResultKeepsBackendOrder(t *testing.T) {
	body := `{"p1":{"outputs":{
		"12":{"images":[{"filename":"preview_0.png","subfolder":"","type":"temp"}]},
		"9":{"images":[{"filename":"final_0.png","subfolder":"hq","type":"output"},{"filename":"final_1.png","subfolder":"hq","type":"output"}]},
		"3":{"text":["ignored"]}
	},"status":{"status_str":"success","completed":true}}}`

	result, err := parseHistory([]byte(body), "p1")
	if err != nil {
		t.Fatalf("parseHistory: %v", err)
	}
	if len(result.Stages) != 3 {
		t.Fatalf("stages = %d", len(result.Stages))
	}
	order := []string{result.Stages[0].Name, result.Stages[1].Name, result.Stages[2].Name}
	if strings.Join(order, ",") != "12,9,3" {
		t.Fatalf("stage order = %v", order)
	}
	if img := result.Stages[1].Images[1]; img.Filename != "final_1.png" || img.Subfolder != "hq" || img.Stage != "9" {
		t.Fatalf("unexpected artifact: %+v", img)
	}
}

func TestParseHistoryError(t *testing.T) {
	body := `{"p1":{"outputs":{},"status":{"status_str":"error","completed":false,"messages":[
		["execution_start",{"prompt_id":"p1"}],
		["execution_error",{"prompt_id":"p1","node_id":"4","node_type":"KSampler","exception_type":"RuntimeError","exception_message":"CUDA out of memory"}]
	]}}}`

	result, err := parseHistory([]byte(body), "p1")
	if err != nil {
		t.Fatalf("parseHistory: %v", err)
	}
	if !strings.Contains(result.Error, "CUDA out of memory") || !strings.Contains(result.Error, "KSampler") {
		t.Fatalf("error detail = %q", result.Error)
	}
}

func TestFetchArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/view" || q.Get("filename") != "out_0.png" || q.Get("type") != "output" || q.Get("subfolder") != "sub" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no such file"))
			return
		}
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL, Logger: quietLogger()})
	data, err := client.FetchArtifact(context.Background(), job.Artifact{Filename: "out_0.png", Subfolder: "sub"})
	if err != nil || string(data) != "PNGDATA" {
		t.Fatalf("FetchArtifact = %q, %v", data, err)
	}

	_, err = client.FetchArtifact(context.Background(), job.Artifact{Filename: "gone.png"})
	var transportErr *job.TransportError
	if !errors.As(err, &transportErr) || transportErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 transport error, got %v", err)
	}
}

func TestInventory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"CheckpointLoaderSimple":{"input":{"required":{"ckpt_name":[["hassakuXLIllustrious_v34.safetensors","oneObsession_v19.safetensors"]]}}},
			"UpscaleModelLoader":{"input":{"required":{"model_name":[["RealESRGAN_x4plus_anime_6B.pth"]]}}},
			"KSampler":{"input":{"required":{"seed":["INT",{"default":0}]}}}
		}`))
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL, Logger: quietLogger()})
	inv, err := client.Inventory(context.Background())
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if len(inv.Checkpoints) != 2 || inv.Checkpoints[1] != "oneObsession_v19.safetensors" {
		t.Fatalf("checkpoints = %v", inv.Checkpoints)
	}
	if len(inv.Upscalers) != 1 || len(inv.NodeClasses) != 3 || inv.NodeClasses[0] != "CheckpointLoaderSimple" {
		t.Fatalf("inventory = %+v", inv)
	}
}

func TestProbeRejectsHTML(t *testing.T) {
	html := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>405 Not Allowed</body></html>"))
	}))
	defer html.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"KSampler":{}}`))
	}))
	defer api.Close()

	probe := Probe(http.DefaultClient)
	if err := probe(context.Background(), html.URL); err == nil {
		t.Fatal("HTML page must be rejected")
	}
	if err := probe(context.Background(), api.URL); err != nil {
		t.Fatalf("API rejected: %v", err)
	}
}
