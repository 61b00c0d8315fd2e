package promptgen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"nuggetfactory/internal/interfaces"
)

type chatStub struct {
	mu     sync.Mutex
	models []string
	answer map[string]string // model -> content; missing models get a 500
}

func (s *chatStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		s.mu.Lock()
		s.models = append(s.models, req.Model)
		content, ok := s.answer[req.Model]
		s.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnhanceFallsThroughModelsAndProviders(t *testing.T) {
	groq := &chatStub{answer: map[string]string{}}
	openrouter := &chatStub{answer: map[string]string{
		"free-b": "\"wearing serafuku, cherry blossoms, soft light\"\nThis prompt shows a school scene.",
	}}
	groqSrv := groq.server(t)
	orSrv := openrouter.server(t)

	g := NewWithProviders(time.Second,
		NewProvider("groq", "k1", groqSrv.URL, []string{"llama", "mixtral"}, nil),
		NewProvider("openrouter", "k2", orSrv.URL, []string{"free-a", "free-b", "free-c"}, nil),
	)

	scene, err := g.Enhance(context.Background(), "School Day")
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	if scene != "wearing serafuku, cherry blossoms, soft light" {
		t.Errorf("unexpected scene %q", scene)
	}
	if !reflect.DeepEqual(groq.models, []string{"llama", "mixtral"}) {
		t.Errorf("groq models tried: %v", groq.models)
	}
	if !reflect.DeepEqual(openrouter.models, []string{"free-a", "free-b"}) {
		t.Errorf("openrouter models tried: %v", openrouter.models)
	}
}

func TestEnhanceStaticFallback(t *testing.T) {
	stub := &chatStub{answer: map[string]string{"blank": "   "}}
	srv := stub.server(t)

	g := NewWithProviders(time.Second, NewProvider("groq", "k", srv.URL, []string{"blank"}, nil))
	scene, err := g.Enhance(context.Background(), "Cyber Punk")
	if err != nil {
		t.Fatal(err)
	}
	if scene != "Cyber Punk, detailed background, dramatic lighting, dynamic pose" {
		t.Errorf("unexpected scene %q", scene)
	}

	none := NewWithProviders(0)
	if scene, _ := none.Enhance(context.Background(), "Beach Day"); scene != StaticScene("Beach Day") {
		t.Errorf("unexpected scene without providers %q", scene)
	}
}

func TestEnhanceStopsOnCancelledContext(t *testing.T) {
	stub := &chatStub{answer: map[string]string{"m": "scene"}}
	srv := stub.server(t)
	g := NewWithProviders(time.Second, NewProvider("groq", "k", srv.URL, []string{"m"}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Enhance(ctx, "Any"); err == nil {
		t.Error("expected context error")
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain, tags", "plain, tags"},
		{"  'quoted, tags'  ", "quoted, tags"},
		{"first line\nsecond line", "first line"},
		{"\"\"", ""},
	}
	for _, tt := range tests {
		if got := Clean(tt.in); got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadThemes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "themes.txt")
	os.WriteFile(path, []byte("# seasonal\nBeach Day\n\n  Witch Academy  \n#Cyber Punk\n"), 0o644)

	themes, err := LoadThemes(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(themes, []string{"Beach Day", "Witch Academy"}) {
		t.Errorf("unexpected themes %v", themes)
	}

	missing, err := LoadThemes(filepath.Join(dir, "missing.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(missing, DefaultThemes) {
		t.Errorf("expected default themes, got %v", missing)
	}
}

func TestLoRABlockAndCompose(t *testing.T) {
	block := LoRABlock([]string{"detail_tweaker", "LadyNuggets_v2", "lady_nuggets_xl"}, []string{"ladynuggets", "lady_nuggets"}, 0.8)
	if block != "<lora:LadyNuggets_v2:0.8>, <lora:lady_nuggets_xl:0.8>" {
		t.Errorf("unexpected block %q", block)
	}

	if got := Compose("1girl, solo", "beach, sunset", ""); got != "1girl, solo, beach, sunset" {
		t.Errorf("unexpected prompt %q", got)
	}
	if got := Compose("base", "scene", block); got != "base, scene, "+block {
		t.Errorf("unexpected prompt %q", got)
	}
}

func TestLoRABlockOnlyForPromptTagBackends(t *testing.T) {
	available := []string{"detail_tweaker", "LadyNuggets_v2"}
	keys := []string{"ladynuggets"}

	if got := LoRABlockFor(interfaces.BackendSDAPI, available, keys, 0.8); got != "<lora:LadyNuggets_v2:0.8>" {
		t.Errorf("unexpected sdapi block %q", got)
	}
	if got := LoRABlockFor(interfaces.BackendComfyUI, available, keys, 0.8); got != "" {
		t.Errorf("expected no tags for comfyui, got %q", got)
	}
	if got := Compose("base", "scene", LoRABlockFor(interfaces.BackendComfyUI, available, keys, 0.8)); got != "base, scene" {
		t.Errorf("unexpected comfyui prompt %q", got)
	}
}
