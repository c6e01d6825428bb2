package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// Client talks to a running pkgdeck server. Errors returned by the server
// are decoded back into *engine.EngineError.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for base, which may be a full URL or a bare
// host:port.
func NewClient(base string, httpClient *http.Client) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimSuffix(base, "/"), http: httpClient}
}

// CreateJob submits a mutation.
func (c *Client) CreateJob(ctx context.Context, req engine.JobRequest) (*engine.Job, error) {
	body := createJobRequest{
		Backend:   req.Backend,
		Operation: string(req.Operation),
		Target:    req.Target,
		Version:   req.Version,
		Force:     req.Force,
	}
	body.Scope.Kind = string(req.Scope.Kind)
	body.Scope.Dir = req.Scope.Dir

	var job engine.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status engine.JobStatus) ([]engine.Job, error) {
	path := "/v1/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var resp jobsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, id string) (*engine.Job, error) {
	var job engine.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Logs returns the log lines of a job with a sequence above after, together
// with the job status at the time of the read.
func (c *Client) Logs(ctx context.Context, id string, after uint64) ([]engine.LogLine, engine.JobStatus, error) {
	path := "/v1/jobs/" + url.PathEscape(id) + "/logs?after=" + strconv.FormatUint(after, 10)
	var resp logsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Lines, resp.Status, nil
}

// CancelJob requests cancellation.
func (c *Client) CancelJob(ctx context.Context, id string) (*engine.Job, error) {
	var job engine.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJob removes a terminal job.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// ClearJobs removes every terminal job and returns how many were removed.
func (c *Client) ClearJobs(ctx context.Context) (int, error) {
	var resp clearResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/jobs", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var er errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != nil {
			return er.Error
		}
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
