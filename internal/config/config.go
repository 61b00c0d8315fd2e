package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config application configuration
type Config struct {
	Port       int
	LogLevel   string
	Backend    BackendConfig
	Generation GenerationConfig
	Output     OutputConfig
	Redis      RedisConfig
	Dispatcher DispatcherConfig
	LLM        LLMConfig
}

// BackendConfig image generation backend configuration
type BackendConfig struct {
	Kind            string        `env:"BACKEND_KIND"` // "comfyui" or "sdapi"
	Candidates      []string      `env:"BACKEND_URLS"` // probed in order
	ProbeTimeout    time.Duration `env:"BACKEND_PROBE_TIMEOUT"`
	RequestTimeout  time.Duration `env:"BACKEND_REQUEST_TIMEOUT"`
	ComfyMode       string        `env:"COMFY_MODE"` // "push" or "poll"
	WorkflowPath    string        `env:"COMFY_WORKFLOW"`
	BindingsPath    string        `env:"COMFY_BINDINGS"`
	PollInterval    time.Duration `env:"POLL_INTERVAL"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT"`
	ConfirmAttempts int           `env:"CONFIRM_ATTEMPTS"`
	ConfirmBackoff  time.Duration `env:"CONFIRM_BACKOFF"`
	SubmitAttempts  int           `env:"SUBMIT_ATTEMPTS"`
	RetryBackoff    time.Duration `env:"RETRY_BACKOFF"`
}

// GenerationConfig generation defaults
type GenerationConfig struct {
	Model            string   `env:"DEFAULT_MODEL"`
	FallbackPatterns []string `env:"MODEL_FALLBACKS"`
	NegativePrompt   string   `env:"DEFAULT_NEGATIVE_PROMPT"`
	Sampler          string   `env:"DEFAULT_SAMPLER"`
	Steps            int      `env:"DEFAULT_STEPS"`
	CFGScale         float64  `env:"DEFAULT_CFG_SCALE"`
	Width            int      `env:"DEFAULT_WIDTH"`
	Height           int      `env:"DEFAULT_HEIGHT"`
	ClipSkip         int      `env:"CLIP_SKIP"`
}

// OutputConfig result persistence configuration
type OutputConfig struct {
	Dir    string `env:"OUTPUT_DIR"`
	Prefix string `env:"OUTPUT_PREFIX"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// DispatcherConfig request dispatcher configuration
type DispatcherConfig struct {
	PollInterval  time.Duration `env:"DISPATCH_INTERVAL"`
	MaxConcurrent int           `env:"DISPATCH_CONCURRENCY"`
}

// LLMConfig scene prompt providers
type LLMConfig struct {
	GroqKey          string        `env:"GROQ_KEY"`
	GroqBaseURL      string        `env:"GROQ_BASE_URL"`
	GroqModels       []string      `env:"GROQ_MODELS"`
	OpenRouterKey    string        `env:"OPENROUTER_KEY"`
	OpenRouterURL    string        `env:"OPENROUTER_BASE_URL"`
	OpenRouterModels []string      `env:"OPENROUTER_MODELS"`
	Timeout          time.Duration `env:"LLM_TIMEOUT"`
	ThemesFile       string        `env:"THEMES_FILE"`
}

// Load loads configuration from the environment
func Load() *Config {
	cfg := &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Backend: BackendConfig{
			Kind:            getEnv("BACKEND_KIND", "sdapi"),
			Candidates:      getEnvList("BACKEND_URLS", defaultCandidates(getEnv("BACKEND_KIND", "sdapi"))),
			ProbeTimeout:    getEnvDuration("BACKEND_PROBE_TIMEOUT", 3*time.Second),
			RequestTimeout:  getEnvDuration("BACKEND_REQUEST_TIMEOUT", 5*time.Minute),
			ComfyMode:       getEnv("COMFY_MODE", "push"),
			WorkflowPath:    getEnv("COMFY_WORKFLOW", "workflows/comfy_api.json"),
			BindingsPath:    getEnv("COMFY_BINDINGS", ""),
			PollInterval:    getEnvDuration("POLL_INTERVAL", 2*time.Second),
			JobTimeout:      getEnvDuration("JOB_TIMEOUT", 10*time.Minute),
			ConfirmAttempts: getEnvInt("CONFIRM_ATTEMPTS", 5),
			ConfirmBackoff:  getEnvDuration("CONFIRM_BACKOFF", 500*time.Millisecond),
			SubmitAttempts:  getEnvInt("SUBMIT_ATTEMPTS", 2),
			RetryBackoff:    getEnvDuration("RETRY_BACKOFF", 2*time.Second),
		},
		Generation: GenerationConfig{
			Model:            getEnv("DEFAULT_MODEL", "oneObsession_v19Atypical.safetensors"),
			FallbackPatterns: getEnvList("MODEL_FALLBACKS", []string{"oneobsession", "obsession", "anime", "manga", "pony"}),
			NegativePrompt:   getEnv("DEFAULT_NEGATIVE_PROMPT", "worst quality, normal quality, bad anatomy, extra fingers, watermark, low quality, logo, text, signature"),
			Sampler:          getEnv("DEFAULT_SAMPLER", "Euler a"),
			Steps:            getEnvInt("DEFAULT_STEPS", 30),
			CFGScale:         getEnvFloat("DEFAULT_CFG_SCALE", 5.0),
			Width:            getEnvInt("DEFAULT_WIDTH", 832),
			Height:           getEnvInt("DEFAULT_HEIGHT", 1216),
			ClipSkip:         getEnvInt("CLIP_SKIP", 2),
		},
		Output: OutputConfig{
			Dir:    getEnv("OUTPUT_DIR", "content/raw"),
			Prefix: getEnv("OUTPUT_PREFIX", "lady_nuggets"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Dispatcher: DispatcherConfig{
			PollInterval:  getEnvDuration("DISPATCH_INTERVAL", 2*time.Second),
			MaxConcurrent: getEnvInt("DISPATCH_CONCURRENCY", 1),
		},
		LLM: LLMConfig{
			GroqKey:     getEnv("GROQ_KEY", ""),
			GroqBaseURL: getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
			GroqModels: getEnvList("GROQ_MODELS", []string{
				"llama-3.3-70b-versatile",
				"llama-3.1-8b-instant",
				"mixtral-8x7b-32768",
				"gemma2-9b-it",
			}),
			OpenRouterKey: getEnv("OPENROUTER_KEY", ""),
			OpenRouterURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			OpenRouterModels: getEnvList("OPENROUTER_MODELS", []string{
				"meta-llama/llama-3.3-70b-instruct:free",
				"google/gemini-2.0-flash-exp:free",
				"mistralai/mistral-7b-instruct:free",
				"qwen/qwen-2-7b-instruct:free",
			}),
			Timeout:    getEnvDuration("LLM_TIMEOUT", 20*time.Second),
			ThemesFile: getEnv("THEMES_FILE", "config/themes.txt"),
		},
	}

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "comfyui":
		if c.Backend.ComfyMode != "push" && c.Backend.ComfyMode != "poll" {
			return ErrComfyModeInvalid
		}
		if c.Backend.WorkflowPath == "" {
			return ErrWorkflowRequired
		}
	case "sdapi":
	default:
		return fmt.Errorf("%w: %q", ErrBackendKindInvalid, c.Backend.Kind)
	}
	if len(c.Backend.Candidates) == 0 {
		return ErrNoBackendCandidates
	}
	if c.Backend.JobTimeout <= 0 {
		return ErrJobTimeoutInvalid
	}
	if c.Output.Dir == "" {
		return ErrOutputDirRequired
	}
	return nil
}

// configuration validation errors
var (
	ErrBackendKindInvalid  = fmt.Errorf("backend kind must be comfyui or sdapi")
	ErrComfyModeInvalid    = fmt.Errorf("comfy mode must be push or poll")
	ErrWorkflowRequired    = fmt.Errorf("comfy workflow path is required")
	ErrNoBackendCandidates = fmt.Errorf("at least one backend URL is required")
	ErrJobTimeoutInvalid   = fmt.Errorf("job timeout must be positive")
	ErrOutputDirRequired   = fmt.Errorf("output directory is required")
)

// defaultCandidates mirrors the ports the backends usually listen on
func defaultCandidates(kind string) []string {
	if kind == "comfyui" {
		return []string{"http://127.0.0.1:8188", "http://127.0.0.1:3000"}
	}
	return []string{"http://127.0.0.1:7860", "http://127.0.0.1:7861", "http://127.0.0.1:7862"}
}

// getEnv gets environment variable, returns default value if not exists
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets integer environment variable, returns default value if not exists
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma separated variable
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
