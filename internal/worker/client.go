// Package worker implements the worker daemon: a gateway client, the
// register/heartbeat/claim loop, and the external agent runtime launcher.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/ipc"
	"github.com/taskrelay/taskrelay/internal/team"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// ServerURL is the gateway base URL, e.g. "http://127.0.0.1:8080".
	ServerURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

// Client talks to the gateway's worker REST surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("worker: server URL is required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("worker: invalid server URL %q: %w", cfg.ServerURL, err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(cfg.ServerURL, "/"), httpClient: hc}, nil
}

// Register announces the worker and its codebases.
func (c *Client) Register(ctx context.Context, reg team.Registration) (*domain.Worker, error) {
	var w domain.Worker
	if _, err := c.do(ctx, http.MethodPost, "/workers/register", reg, &w); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	return &w, nil
}

// Unregister removes the worker registration.
func (c *Client) Unregister(ctx context.Context, workerID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(workerID)+"/unregister", nil, nil); err != nil {
		return fmt.Errorf("unregister worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes liveness and returns the ids among running that the
// worker should abandon.
func (c *Client) Heartbeat(ctx context.Context, workerID string, running []string) ([]string, error) {
	if running == nil {
		running = []string{}
	}
	var res team.HeartbeatResult
	body := ipc.HeartbeatRequest{RunningTaskIDs: running}
	if _, err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(workerID)+"/heartbeat", body, &res); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return res.CancelledTaskIDs, nil
}

// Codebases lists every registered codebase.
func (c *Client) Codebases(ctx context.Context) ([]domain.Codebase, error) {
	var out []domain.Codebase
	if _, err := c.do(ctx, http.MethodGet, "/codebases", nil, &out); err != nil {
		return nil, fmt.Errorf("list codebases: %w", err)
	}
	return out, nil
}

// Claim atomically claims the next eligible pending task. It returns nil
// when nothing is available.
func (c *Client) Claim(ctx context.Context, workerID string) (*domain.Task, error) {
	var t domain.Task
	status, err := c.do(ctx, http.MethodPost, "/tasks/claim", ipc.ClaimRequest{WorkerID: workerID}, &t)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &t, nil
}

// ReportStatus reports a status change for a task the worker holds.
func (c *Client) ReportStatus(ctx context.Context, taskID string, req ipc.StatusRequest) (*domain.Task, error) {
	var t domain.Task
	if _, err := c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(taskID)+"/status", req, &t); err != nil {
		return nil, fmt.Errorf("report status %s: %w", req.Status, err)
	}
	return &t, nil
}

// AppendOutput forwards output chunks and returns their assigned sequence
// numbers. When the batch fails part way the error comes with the seqs of
// the chunks committed before it.
func (c *Client) AppendOutput(ctx context.Context, taskID, workerID string, chunks []ipc.OutputChunk) ([]int64, error) {
	var ack ipc.OutputAck
	req := ipc.OutputRequest{WorkerID: workerID, Chunks: chunks}
	if _, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/output", req, &ack); err != nil {
		return ack.Seqs, fmt.Errorf("append output: %w", err)
	}
	return ack.Seqs, nil
}

// do sends a JSON request and decodes a JSON response into out. Error
// responses are converted back into *domain.EngineError so callers can
// match them with errors.Is.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, domain.Errorf(domain.ErrUpstreamUnavailable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr ipc.APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Kind != "" {
			// Error bodies may carry partial results, e.g. OutputError.
			if ack, ok := out.(*ipc.OutputAck); ok {
				json.Unmarshal(data, ack)
			}
			return resp.StatusCode, &domain.EngineError{Code: apiErr.Code, Kind: apiErr.Kind, Message: apiErr.Message}
		}
		return resp.StatusCode, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
