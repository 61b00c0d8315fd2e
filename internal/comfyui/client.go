package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

// Options client options
type Options struct {
	Endpoint     string
	Mode         Mode
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *logrus.Logger
}

// Client ComfyUI API client
type Client struct {
	endpoint     string
	clientID     string
	mode         Mode
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *logrus.Logger

	mu     sync.Mutex
	stream *eventStream
}

var _ interfaces.Transport = (*Client)(nil)

// NewClient creates ComfyUI client
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModePush
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Client{
		endpoint:     buildBase(opts.Endpoint),
		clientID:     uuid.New().String(),
		mode:         mode,
		pollInterval: pollInterval,
		httpClient:   httpClient,
		logger:       logger,
	}
}

// buildBase normalises an endpoint, adding http:// when no scheme is given
func buildBase(endpoint string) string {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "http://" + endpoint
}

// buildURL builds complete URL for path
func (c *Client) buildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.endpoint + path
}

// wsURL websocket address for this client id
func (c *Client) wsURL() string {
	base := c.endpoint
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	default:
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?clientId=" + url.QueryEscape(c.clientID)
}

// Name returns the backend kind
func (c *Client) Name() interfaces.BackendKind { return interfaces.BackendComfyUI }

// Endpoint returns the base URL
func (c *Client) Endpoint() string { return c.endpoint }

// ClientID returns the id this client registers on the websocket
func (c *Client) ClientID() string { return c.clientID }

// Submit queues a workflow graph. In push mode the event stream is opened
// first so the completion event cannot be missed.
func (c *Client) Submit(ctx context.Context, payload interfaces.Payload) (string, error) {
	if c.mode == ModePush {
		if _, err := c.ensureStream(ctx); err != nil {
			return "", err
		}
	}

	jsonData, err := json.Marshal(promptRequest{Prompt: payload, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	reqURL := c.buildURL("/prompt")
	c.logger.WithField("url", reqURL).Debug("Submitting workflow")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &job.TransportError{Op: "POST", Endpoint: reqURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &job.TransportError{Op: "POST", Endpoint: reqURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", job.NewStatusError("POST", reqURL, resp.StatusCode, body)
	}

	var result promptResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &job.TransportError{Op: "POST", Endpoint: reqURL, StatusCode: resp.StatusCode, Body: job.Excerpt(body), Err: fmt.Errorf("malformed response: %w", err)}
	}
	if len(result.NodeErrors) > 0 {
		return "", &job.TransportError{Op: "POST", Endpoint: reqURL, StatusCode: resp.StatusCode, Body: job.Excerpt(body), Err: fmt.Errorf("workflow rejected with %d node errors", len(result.NodeErrors))}
	}
	if result.PromptID == "" {
		return "", &job.TransportError{Op: "POST", Endpoint: reqURL, StatusCode: resp.StatusCode, Body: job.Excerpt(body), Err: fmt.Errorf("response has no prompt_id")}
	}

	c.logger.WithFields(logrus.Fields{
		"prompt_id": result.PromptID,
		"number":    result.Number,
	}).Debug("Workflow submitted")
	return result.PromptID, nil
}

// ensureStream returns the live event stream, dialing a new one if needed
func (c *Client) ensureStream(ctx context.Context) (*eventStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil && !c.stream.closed() {
		return c.stream, nil
	}
	stream, err := dialStream(ctx, c.wsURL(), c.logger)
	if err != nil {
		return nil, err
	}
	c.stream = stream
	return stream, nil
}

// AwaitCompletion waits for the prompt to finish. A broken event stream falls
// back to history polling for the rest of the deadline.
func (c *Client) AwaitCompletion(ctx context.Context, promptID string, deadline time.Time) (*interfaces.TerminalState, error) {
	if c.mode == ModePoll {
		return c.pollHistory(ctx, promptID, deadline)
	}

	stream, err := c.ensureStream(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("prompt_id", promptID).Warn("Event stream unavailable, polling history")
		return c.pollHistory(ctx, promptID, deadline)
	}

	state, err := stream.wait(ctx, promptID, deadline)
	if err == errStreamClosed {
		c.logger.WithField("prompt_id", promptID).Warn("Event stream dropped while waiting, polling history")
		return c.pollHistory(ctx, promptID, deadline)
	}
	return state, err
}

// pollHistory queries /history/{id} until outputs are populated
func (c *Client) pollHistory(ctx context.Context, promptID string, deadline time.Time) (*interfaces.TerminalState, error) {
	var lastErr error
	for {
		reqCtx, cancel := context.WithDeadline(ctx, deadline)
		result, err := c.GetResult(reqCtx, promptID)
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case err != nil:
			lastErr = err
			c.logger.WithError(err).WithField("prompt_id", promptID).Debug("History query failed")
		case result.Error != "":
			return &interfaces.TerminalState{Status: job.StatusFailed, Detail: result.Error}, nil
		case len(result.Stages) > 0:
			return &interfaces.TerminalState{Status: job.StatusCompleted}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			state := &interfaces.TerminalState{Status: job.StatusTimedOut}
			if lastErr != nil {
				state.Detail = lastErr.Error()
			}
			return state, nil
		}
		wait := c.pollInterval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// GetResult gets the outputs of a prompt from history
func (c *Client) GetResult(ctx context.Context, promptID string) (*interfaces.JobResult, error) {
	body, err := c.get(ctx, "/history/"+url.PathEscape(promptID))
	if err != nil {
		return nil, err
	}
	result, err := parseHistory(body, promptID)
	if err != nil {
		return nil, &job.TransportError{Op: "GET", Endpoint: c.buildURL("/history/" + promptID), Body: job.Excerpt(body), Err: err}
	}
	return result, nil
}

// FetchArtifact downloads one output image via /view
func (c *Client) FetchArtifact(ctx context.Context, ref job.Artifact) ([]byte, error) {
	folderType := ref.Type
	if folderType == "" {
		folderType = "output"
	}
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", folderType)

	return c.get(ctx, "/view?"+query.Encode())
}

// Inventory reads node classes and model choices from /object_info
func (c *Client) Inventory(ctx context.Context) (*interfaces.Inventory, error) {
	body, err := c.get(ctx, "/object_info")
	if err != nil {
		return nil, err
	}

	var info map[string]json.RawMessage
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &job.TransportError{Op: "GET", Endpoint: c.buildURL("/object_info"), Body: job.Excerpt(body), Err: err}
	}

	inv := &interfaces.Inventory{
		Checkpoints: choices(info, "CheckpointLoaderSimple", "ckpt_name"),
		LoRAs:       choices(info, "LoraLoader", "lora_name"),
		Upscalers:   choices(info, "UpscaleModelLoader", "model_name"),
	}
	for class := range info {
		inv.NodeClasses = append(inv.NodeClasses, class)
	}
	sort.Strings(inv.NodeClasses)

	return inv, nil
}

// choices reads the enumerated values of a node input, e.g. checkpoint names
func choices(info map[string]json.RawMessage, class, input string) []string {
	raw, ok := info[class]
	if !ok {
		return nil
	}
	var node objectInfoNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil
	}
	spec := node.Input.Required[input]
	if len(spec) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(spec[0], &values); err != nil {
		return nil
	}
	return values
}

// get performs a GET and returns the body of a 2xx response
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	reqURL := c.buildURL(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &job.TransportError{Op: "GET", Endpoint: reqURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &job.TransportError{Op: "GET", Endpoint: reqURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, job.NewStatusError("GET", reqURL, resp.StatusCode, body)
	}
	return body, nil
}

// Close closes the event stream, if any
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}

// Probe accepts a candidate only if /object_info answers with a JSON object
// describing at least one node class.
func Probe(httpClient *http.Client) interfaces.Prober {
	return func(ctx context.Context, baseURL string) error {
		endpoint := buildBase(baseURL) + "/object_info"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		var info map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return fmt.Errorf("not a ComfyUI API response: %w", err)
		}
		if len(info) == 0 {
			return fmt.Errorf("object_info lists no node classes")
		}
		return nil
	}
}
