package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/comfyui"
	"nuggetfactory/internal/config"
	"nuggetfactory/internal/factory"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
	"nuggetfactory/internal/persist"
	"nuggetfactory/internal/poller"
	"nuggetfactory/internal/sdapi"
	"nuggetfactory/internal/submitter"
	"nuggetfactory/internal/workflow"
)

// Factory builds the transport and generation pipeline for the configured backend kind
type Factory struct {
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewFactory creates factory instance
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = config.NewLogger()
	}
	return &Factory{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// GetSupportedTypes gets supported backend kinds
func (f *Factory) GetSupportedTypes() []string {
	return []string{
		string(interfaces.BackendComfyUI),
		string(interfaces.BackendSDAPI),
	}
}

// ValidateBackendKind validates if backend kind is supported
func (f *Factory) ValidateBackendKind(kind string) bool {
	for _, t := range f.GetSupportedTypes() {
		if t == kind {
			return true
		}
	}
	return false
}

// Prober returns the API check for kind
func (f *Factory) Prober(kind interfaces.BackendKind) (interfaces.Prober, error) {
	switch kind {
	case interfaces.BackendComfyUI:
		return comfyui.Probe(f.httpClient), nil
	case interfaces.BackendSDAPI:
		return sdapi.Probe(f.httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported backend kind: %s", kind)
	}
}

// CreateTransport discovers a live endpoint and builds the transport for it
func (f *Factory) CreateTransport(ctx context.Context, cfg config.BackendConfig) (interfaces.Transport, error) {
	kind := interfaces.BackendKind(cfg.Kind)
	probe, err := f.Prober(kind)
	if err != nil {
		return nil, err
	}

	endpoint, err := Discover(ctx, cfg.Candidates, probe, cfg.ProbeTimeout, f.logger)
	if err != nil {
		return nil, err
	}

	switch kind {
	case interfaces.BackendComfyUI:
		return comfyui.NewClient(comfyui.Options{
			Endpoint:     endpoint,
			Mode:         comfyui.Mode(cfg.ComfyMode),
			PollInterval: cfg.PollInterval,
			Logger:       f.logger,
		}), nil
	default:
		return sdapi.NewClient(sdapi.Options{
			Endpoint:       endpoint,
			RequestTimeout: cfg.RequestTimeout,
			Logger:         f.logger,
		}), nil
	}
}

// CreateSubmitter builds the payload builder. The comfyui kind loads its workflow template.
func (f *Factory) CreateSubmitter(cfg *config.Config) (*submitter.Submitter, error) {
	opts := submitter.Options{
		Kind:             interfaces.BackendKind(cfg.Backend.Kind),
		FallbackPatterns: cfg.Generation.FallbackPatterns,
		ClipSkip:         cfg.Generation.ClipSkip,
		Logger:           f.logger,
	}
	if opts.Kind == interfaces.BackendComfyUI {
		tmpl, err := workflow.Load(cfg.Backend.WorkflowPath, cfg.Backend.BindingsPath)
		if err != nil {
			return nil, &job.ConfigurationError{
				Candidates: []string{cfg.Backend.WorkflowPath},
				Reasons:    []string{err.Error()},
			}
		}
		opts.Template = tmpl
	}
	return submitter.New(opts)
}

// CreateGenerator wires transport, submitter, poller and persister into one
// generation client. recorder may be nil.
func (f *Factory) CreateGenerator(ctx context.Context, cfg *config.Config, recorder factory.Recorder) (*factory.Client, error) {
	if !f.ValidateBackendKind(cfg.Backend.Kind) {
		return nil, fmt.Errorf("unsupported backend kind: %s", cfg.Backend.Kind)
	}

	sub, err := f.CreateSubmitter(cfg)
	if err != nil {
		return nil, err
	}

	transport, err := f.CreateTransport(ctx, cfg.Backend)
	if err != nil {
		return nil, err
	}

	return factory.New(factory.Options{
		Transport: transport,
		Submitter: sub,
		Poller: poller.New(transport, poller.Options{
			ConfirmAttempts: cfg.Backend.ConfirmAttempts,
			ConfirmBackoff:  cfg.Backend.ConfirmBackoff,
			Logger:          f.logger,
		}),
		Persister: persist.New(persist.Options{
			Dir:    cfg.Output.Dir,
			Prefix: cfg.Output.Prefix,
			Logger: f.logger,
		}),
		Recorder: recorder,
		Defaults: job.Defaults{
			Model:          cfg.Generation.Model,
			NegativePrompt: cfg.Generation.NegativePrompt,
			Sampler:        cfg.Generation.Sampler,
			Steps:          cfg.Generation.Steps,
			CFGScale:       cfg.Generation.CFGScale,
			Width:          cfg.Generation.Width,
			Height:         cfg.Generation.Height,
		},
		JobTimeout:     cfg.Backend.JobTimeout,
		SubmitAttempts: cfg.Backend.SubmitAttempts,
		RetryBackoff:   cfg.Backend.RetryBackoff,
		Logger:         f.logger,
	})
}
