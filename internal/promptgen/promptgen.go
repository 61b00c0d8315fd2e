// Package promptgen turns short themes into scene prompts with hosted
// chat models, falling back to a fixed template when none answers.
package promptgen

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/metrics"
)

const systemPrompt = `You are an expert anime art director writing Danbooru-style prompts for Stable Diffusion.
Create a scene prompt for the given theme.

RULES:
1. Output only comma-separated tags, no explanations
2. Include outfit details, location, lighting, pose and expression
3. Use precise Danbooru tags ("serafuku", not "school uniform")
4. The outfit must match the location
5. Keep it under 100 words

EXAMPLES:
Theme: "Witch Academy" → wearing black witch hat, gothic lolita dress, holding magic staff, standing in mystical library, ancient tomes, candlelight, mysterious smile, elegant pose
Theme: "Beach Day" → wearing white bikini, sarong, standing on sandy beach, ocean waves, sunset lighting, playful pose, hair blowing in wind, holding sun hat`

// StaticProvider label of prompts built without any model
const StaticProvider = "static"

// DefaultThemes used when no themes file can be read
var DefaultThemes = []string{"Fantasy Princess", "Cyber Punk", "Beach Day", "Gothic Lolita"}

var errEmptyResponse = errors.New("empty response")

// Provider one OpenAI-compatible endpoint and the models to try on it, in order
type Provider struct {
	Name   string
	Client *openai.Client
	Models []string
}

// NewProvider builds a provider against baseURL
func NewProvider(name, apiKey, baseURL string, models []string, httpClient *http.Client) Provider {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return Provider{
		Name:   name,
		Client: openai.NewClientWithConfig(clientConfig),
		Models: models,
	}
}

// Generator asks each provider's models in turn
type Generator struct {
	providers []Provider
	timeout   time.Duration
	logger    *logrus.Logger
}

var _ interfaces.PromptEnhancer = (*Generator)(nil)

// New builds a generator from the configured keys. Providers without a key are skipped.
func New(cfg config.LLMConfig) *Generator {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	var providers []Provider
	if cfg.GroqKey != "" {
		providers = append(providers, NewProvider("groq", cfg.GroqKey, cfg.GroqBaseURL, cfg.GroqModels, httpClient))
	}
	if cfg.OpenRouterKey != "" {
		providers = append(providers, NewProvider("openrouter", cfg.OpenRouterKey, cfg.OpenRouterURL, cfg.OpenRouterModels, httpClient))
	}
	return NewWithProviders(cfg.Timeout, providers...)
}

// NewWithProviders builds a generator from explicit providers
func NewWithProviders(timeout time.Duration, providers ...Provider) *Generator {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Generator{
		providers: providers,
		timeout:   timeout,
		logger:    config.NewLogger(),
	}
}

// Providers names of the configured providers
func (g *Generator) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for _, p := range g.providers {
		names = append(names, p.Name)
	}
	return names
}

// Enhance returns a scene prompt for theme. It only fails when ctx is done.
func (g *Generator) Enhance(ctx context.Context, theme string) (string, error) {
	for _, p := range g.providers {
		for _, model := range p.Models {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			logger := g.logger.WithFields(logrus.Fields{
				"provider": p.Name,
				"model":    model,
			})

			scene, err := g.ask(ctx, p, model, theme)
			if err != nil {
				logger.WithError(err).Warn("Scene prompt request failed")
				continue
			}

			logger.Info("Scene prompt generated")
			metrics.PromptFallbacksTotal.WithLabelValues(p.Name).Inc()
			return scene, nil
		}
	}

	g.logger.WithField("theme", theme).Warn("No model answered, using static scene prompt")
	metrics.PromptFallbacksTotal.WithLabelValues(StaticProvider).Inc()
	return StaticScene(theme), nil
}

func (g *Generator) ask(ctx context.Context, p Provider, model, theme string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := p.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Create a prompt for theme: %s", theme)},
		},
		MaxTokens:   256,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}

	scene := Clean(resp.Choices[0].Message.Content)
	if scene == "" {
		return "", errEmptyResponse
	}
	return scene, nil
}

// Clean trims quotes and keeps only the first line of a model answer
func Clean(content string) string {
	content = strings.Trim(strings.TrimSpace(content), `"'`)
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = content[:i]
	}
	return strings.TrimSpace(content)
}

// StaticScene scene prompt used when no model is available
func StaticScene(theme string) string {
	return theme + ", detailed background, dramatic lighting, dynamic pose"
}

// LoadThemes reads one theme per line, skipping blanks and # comments.
// A missing file yields DefaultThemes.
func LoadThemes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return append([]string(nil), DefaultThemes...), nil
		}
		return nil, fmt.Errorf("failed to open themes file: %w", err)
	}
	defer f.Close()

	var themes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		themes = append(themes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read themes file: %w", err)
	}
	if len(themes) == 0 {
		return append([]string(nil), DefaultThemes...), nil
	}
	return themes, nil
}

// LoRABlock activation tags for every advertised LoRA whose name contains
// one of keys, case-insensitively
func LoRABlock(available []string, keys []string, weight float64) string {
	var tags []string
	for _, name := range available {
		lower := strings.ToLower(name)
		for _, key := range keys {
			if strings.Contains(lower, strings.ToLower(key)) {
				tags = append(tags, fmt.Sprintf("<lora:%s:%g>", name, weight))
				break
			}
		}
	}
	return strings.Join(tags, ", ")
}

// LoRABlockFor is LoRABlock for a backend of the given kind. Only the SD
// WebUI API reads <lora:name:w> from the prompt text; ComfyUI loads LoRAs
// through workflow nodes, so it gets no tags.
func LoRABlockFor(kind interfaces.BackendKind, available []string, keys []string, weight float64) string {
	if kind != interfaces.BackendSDAPI {
		return ""
	}
	return LoRABlock(available, keys, weight)
}

// Compose joins the character base, the scene and the LoRA block
func Compose(base, scene, loraBlock string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{base, scene, loraBlock} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ", ")
}
