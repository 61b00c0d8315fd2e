package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

func testConfig(kind string, candidates ...string) *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{
			Kind:         kind,
			Candidates:   candidates,
			ProbeTimeout: time.Second,
			ComfyMode:    "poll",
			WorkflowPath: "../../workflows/comfy_api.json",
			JobTimeout:   time.Minute,
		},
		Generation: config.GenerationConfig{Steps: 20, Width: 512, Height: 512},
	}
}

func TestValidateBackendKind(t *testing.T) {
	f := NewFactory(quietLogger())
	for _, kind := range []string{"comfyui", "sdapi"} {
		if !f.ValidateBackendKind(kind) {
			t.Errorf("expected %s to be supported", kind)
		}
	}
	if f.ValidateBackendKind("automatic") {
		t.Error("unexpected support for automatic")
	}
	if _, err := f.Prober("automatic"); err == nil {
		t.Error("expected error for unknown prober")
	}
}

func TestCreateTransportSkipsHTMLCandidate(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>Welcome</body></html>"))
	}))
	defer proxy.Close()

	sd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/sd-models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"title":"base.safetensors [abc]","model_name":"base"}]`))
	}))
	defer sd.Close()

	f := NewFactory(quietLogger())
	transport, err := f.CreateTransport(context.Background(), testConfig("sdapi", proxy.URL, sd.URL).Backend)
	if err != nil {
		t.Fatalf("CreateTransport failed: %v", err)
	}
	if transport.Name() != interfaces.BackendSDAPI || transport.Endpoint() != sd.URL {
		t.Errorf("unexpected transport %s at %s", transport.Name(), transport.Endpoint())
	}
}

func TestCreateTransportNoBackend(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	f := NewFactory(quietLogger())
	_, err := f.CreateTransport(context.Background(), testConfig("comfyui", down.URL).Backend)
	var cfgErr *job.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestCreateSubmitterMissingWorkflow(t *testing.T) {
	cfg := testConfig("comfyui")
	cfg.Backend.WorkflowPath = filepath.Join(t.TempDir(), "missing.json")

	_, err := NewFactory(quietLogger()).CreateSubmitter(cfg)
	var cfgErr *job.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestCreateGenerator(t *testing.T) {
	comfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/object_info" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"KSampler":{"input":{}}}`))
	}))
	defer comfy.Close()

	cfg := testConfig("comfyui", comfy.URL)
	cfg.Output.Dir = t.TempDir()

	gen, err := NewFactory(quietLogger()).CreateGenerator(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("CreateGenerator failed: %v", err)
	}
	if gen.Transport().Name() != interfaces.BackendComfyUI {
		t.Errorf("unexpected backend %s", gen.Transport().Name())
	}

	cfg.Backend.Kind = "automatic"
	if _, err := NewFactory(quietLogger()).CreateGenerator(context.Background(), cfg, nil); err == nil {
		t.Error("expected error for unsupported kind")
	}
}
