// Package sdapi adapts a synchronous SD-WebUI style API (txt2img returns the
// images in the response body) to the job-oriented Transport contract.
package sdapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/config"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

// outputStage the single stage a txt2img call produces
const outputStage = "txt2img"

// Options client options
type Options struct {
	Endpoint       string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *logrus.Logger
}

// Client SD-WebUI API client
type Client struct {
	endpoint       string
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *logrus.Logger

	mu   sync.Mutex
	jobs map[string]*pendingJob
}

// pendingJob one txt2img call running in the background
type pendingJob struct {
	done   chan struct{}
	cancel context.CancelFunc

	images [][]byte
	state  *interfaces.TerminalState
	err    error
}

var _ interfaces.Transport = (*Client)(nil)

// NewClient creates SD-WebUI client
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// generation time is bounded by the per-request context instead
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Client{
		endpoint:       strings.TrimSuffix(strings.TrimSpace(opts.Endpoint), "/"),
		requestTimeout: timeout,
		httpClient:     httpClient,
		logger:         logger,
		jobs:           make(map[string]*pendingJob),
	}
}

// Name returns the backend kind
func (c *Client) Name() interfaces.BackendKind { return interfaces.BackendSDAPI }

// Endpoint returns the base URL
func (c *Client) Endpoint() string { return c.endpoint }

// Submit starts the txt2img call in the background and returns a locally
// assigned job id. The backend has no job ids of its own.
func (c *Client) Submit(ctx context.Context, payload interfaces.Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	jobID := uuid.New().String()
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
	pending := &pendingJob{done: make(chan struct{}), cancel: cancel}

	c.mu.Lock()
	c.jobs[jobID] = pending
	c.mu.Unlock()

	go c.run(reqCtx, jobID, pending, body)

	c.logger.WithField("job_id", jobID).Debug("txt2img request started")
	return jobID, nil
}

// txt2imgResponse body of a successful txt2img call
type txt2imgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

func (c *Client) run(ctx context.Context, jobID string, pending *pendingJob, body []byte) {
	defer close(pending.done)
	defer pending.cancel()

	reqURL := c.endpoint + "/sdapi/v1/txt2img"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		pending.err = fmt.Errorf("failed to create request: %w", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		pending.err = &job.TransportError{Op: "POST", Endpoint: reqURL, Err: err}
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		pending.err = &job.TransportError{Op: "POST", Endpoint: reqURL, StatusCode: resp.StatusCode, Err: err}
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// a corrupted checkpoint will not get better on retry
		if bytes.Contains(respBody, []byte("SafetensorError")) {
			pending.state = &interfaces.TerminalState{
				Status: job.StatusFailed,
				Detail: fmt.Sprintf("model file is corrupted (status %d): %s", resp.StatusCode, job.Excerpt(respBody)),
			}
			return
		}
		pending.err = job.NewStatusError("POST", reqURL, resp.StatusCode, respBody)
		return
	}

	var out txt2imgResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		pending.err = &job.TransportError{Op: "POST", Endpoint: reqURL, StatusCode: resp.StatusCode, Body: job.Excerpt(respBody), Err: fmt.Errorf("malformed response: %w", err)}
		return
	}

	for i, encoded := range out.Images {
		data, err := decodeImage(encoded)
		if err != nil {
			pending.err = &job.TransportError{Op: "POST", Endpoint: reqURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("image %d: %w", i, err)}
			return
		}
		pending.images = append(pending.images, data)
	}
	pending.state = &interfaces.TerminalState{Status: job.StatusCompleted}

	c.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"images": len(pending.images),
	}).Debug("txt2img request finished")
}

// decodeImage accepts plain base64 or a data URL
func decodeImage(encoded string) ([]byte, error) {
	if i := strings.Index(encoded, ","); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+1:]
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (c *Client) lookup(jobID string) (*pendingJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.jobs[jobID]
	return pending, ok
}

func (c *Client) forget(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, jobID)
}

// AwaitCompletion waits for the background call. On timeout the request is
// cancelled and the id forgotten: a timed out job is never waited on again.
func (c *Client) AwaitCompletion(ctx context.Context, jobID string, deadline time.Time) (*interfaces.TerminalState, error) {
	pending, ok := c.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("unknown job id %s", jobID)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-pending.done:
	case <-timer.C:
		pending.cancel()
		c.forget(jobID)
		return &interfaces.TerminalState{Status: job.StatusTimedOut}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if pending.err != nil {
		c.forget(jobID)
		return nil, pending.err
	}
	if pending.state.Status != job.StatusCompleted {
		c.forget(jobID)
	}
	return pending.state, nil
}

// GetResult reports the decoded images as one output stage
func (c *Client) GetResult(ctx context.Context, jobID string) (*interfaces.JobResult, error) {
	pending, ok := c.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("unknown job id %s", jobID)
	}
	select {
	case <-pending.done:
	default:
		return &interfaces.JobResult{}, nil
	}

	stage := interfaces.OutputStage{Name: outputStage}
	for i := range pending.images {
		stage.Images = append(stage.Images, job.Artifact{
			Filename: fmt.Sprintf("%s_%d.png", jobID, i),
			Type:     "output",
			Stage:    outputStage,
		})
	}
	return &interfaces.JobResult{Stages: []interfaces.OutputStage{stage}}, nil
}

// FetchArtifact returns the decoded bytes of one image of a finished job
func (c *Client) FetchArtifact(ctx context.Context, ref job.Artifact) ([]byte, error) {
	name := strings.TrimSuffix(ref.Filename, ".png")
	sep := strings.LastIndex(name, "_")
	if sep < 0 {
		return nil, fmt.Errorf("artifact %q was not produced by this client", ref.Filename)
	}
	jobID := name[:sep]
	index, err := strconv.Atoi(name[sep+1:])
	if err != nil {
		return nil, fmt.Errorf("artifact %q was not produced by this client", ref.Filename)
	}

	pending, ok := c.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("artifact %q: job %s is no longer held", ref.Filename, jobID)
	}
	if index < 0 || index >= len(pending.images) {
		return nil, fmt.Errorf("artifact %q: job %s has %d images", ref.Filename, jobID, len(pending.images))
	}
	return pending.images[index], nil
}

// Release drops the images of a job once they are persisted
func (c *Client) Release(jobID string) {
	c.forget(jobID)
}

// modelEntry one entry of /sdapi/v1/sd-models
type modelEntry struct {
	Title     string `json:"title"`
	ModelName string `json:"model_name"`
}

type namedEntry struct {
	Name string `json:"name"`
}

type scriptList struct {
	Txt2Img []string `json:"txt2img"`
}

// Inventory refreshes and lists checkpoints, LoRAs, upscalers and scripts
func (c *Client) Inventory(ctx context.Context) (*interfaces.Inventory, error) {
	if err := c.post(ctx, "/sdapi/v1/refresh-checkpoints"); err != nil {
		c.logger.WithError(err).Warn("Failed to refresh checkpoints")
	}

	var models []modelEntry
	if err := c.getJSON(ctx, "/sdapi/v1/sd-models", &models); err != nil {
		return nil, err
	}
	inv := &interfaces.Inventory{}
	for _, m := range models {
		inv.Checkpoints = append(inv.Checkpoints, m.Title)
	}

	// optional parts: older builds and minimal installs lack some endpoints
	var loras []namedEntry
	if err := c.getJSON(ctx, "/sdapi/v1/loras", &loras); err != nil {
		c.logger.WithError(err).Warn("Could not fetch LoRAs")
	}
	for _, l := range loras {
		inv.LoRAs = append(inv.LoRAs, l.Name)
	}

	var upscalers []namedEntry
	if err := c.getJSON(ctx, "/sdapi/v1/upscalers", &upscalers); err != nil {
		c.logger.WithError(err).Warn("Could not fetch upscalers")
	}
	var latentModes []namedEntry
	if err := c.getJSON(ctx, "/sdapi/v1/latent-upscale-modes", &latentModes); err != nil {
		c.logger.WithError(err).Debug("Could not fetch latent upscale modes")
	}
	for _, u := range append(latentModes, upscalers...) {
		inv.Upscalers = append(inv.Upscalers, u.Name)
	}

	var scripts scriptList
	if err := c.getJSON(ctx, "/sdapi/v1/scripts", &scripts); err != nil {
		c.logger.WithError(err).Warn("Could not fetch scripts")
	}
	inv.Scripts = scripts.Txt2Img

	return inv, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	reqURL := c.endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &job.TransportError{Op: "GET", Endpoint: reqURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &job.TransportError{Op: "GET", Endpoint: reqURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return job.NewStatusError("GET", reqURL, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &job.TransportError{Op: "GET", Endpoint: reqURL, StatusCode: resp.StatusCode, Body: job.Excerpt(body), Err: err}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string) error {
	reqURL := c.endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &job.TransportError{Op: "POST", Endpoint: reqURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return job.NewStatusError("POST", reqURL, resp.StatusCode, body)
	}
	return nil
}

// Probe accepts a candidate only if /sdapi/v1/sd-models answers with a JSON
// array. A proxy answering 200 with an HTML page is rejected.
func Probe(httpClient *http.Client) interfaces.Prober {
	return func(ctx context.Context, baseURL string) error {
		endpoint := strings.TrimSuffix(baseURL, "/") + "/sdapi/v1/sd-models"
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
		var models []modelEntry
		if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
			return fmt.Errorf("not an SD API response: %w", err)
		}
		return nil
	}
}
