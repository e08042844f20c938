// Package imagegen drives the external asynchronous image compute provider:
// submit a workflow, poll the job until a terminal status, extract the
// artifact bytes from whichever output shape the provider used.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}
}

// JobStatus is one poll result. Output is only populated on COMPLETED.
type JobStatus struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
}

// Submit posts the workflow to the provider's asynchronous run endpoint and
// returns the provider-assigned job id.
func (c *Client) Submit(ctx context.Context, workflow map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{"input": map[string]any{"workflow": workflow}})
	if err != nil {
		return "", fmt.Errorf("marshal submit payload: %w", err)
	}

	body, err := c.call(ctx, http.MethodPost, c.endpoint("/run"), payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if strings.TrimSpace(resp.ID) == "" {
		return "", fmt.Errorf("submit response has no job id")
	}
	return resp.ID, nil
}

// Status fetches the current job state by id.
func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	body, err := c.call(ctx, http.MethodGet, c.endpoint("/status/"+jobID), nil)
	if err != nil {
		return JobStatus{}, err
	}

	var st JobStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return JobStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return st, nil
}

// FetchURL downloads an artifact the provider returned by reference.
func (c *Client) FetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	data, err := c.call(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact url: %w", err)
	}
	return data, nil
}

func (c *Client) call(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("compute provider status %d", resp.StatusCode)
	}
	return b, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + path
}

// Terminal reports whether a status ends the polling loop.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
