package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/mergeplane/internal/controller"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/scheduler"
	"github.com/fentz26/mergeplane/internal/status"
)

// RequestIDHeader carries a per-call id for correlating client and server logs.
const RequestIDHeader = "X-Request-ID"

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 30 * time.Second

// Client wraps HTTP calls to the admin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout. A zero timeout selects
// DefaultClientTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// call sends body to path and decodes the answer into out. Transport failures
// and 5xx answers are InternalError, other error statuses InvalidArgs.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return status.Wrap(status.InvalidArgs, err, "encode %s request", path)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return status.Wrap(status.InvalidArgs, err, "build %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return status.Wrap(status.InternalError, err, "admin %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		code := status.InvalidArgs
		if resp.StatusCode >= 500 {
			code = status.InternalError
		}
		return status.New(code, "admin %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return status.Wrap(status.InternalError, err, "decode %s response", path)
	}
	return nil
}

// StartTask submits a task.
func (c *Client) StartTask(ctx context.Context, req *models.StartTaskRequest) (*models.StartTaskResponse, error) {
	var resp models.StartTaskResponse
	if err := c.call(ctx, http.MethodPost, "/tasks/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTaskInfo fetches a task's step and payloads.
func (c *Client) GetTaskInfo(ctx context.Context, ref models.TaskRef) (*models.TaskInfo, error) {
	var info models.TaskInfo
	if err := c.call(ctx, http.MethodPost, "/tasks/info", ref, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StopTask asks the admin to stop a task.
func (c *Client) StopTask(ctx context.Context, ref models.TaskRef) error {
	return c.call(ctx, http.MethodPost, "/tasks/stop", ref, nil)
}

// GetGenerationInfo fetches the task summary of a build generation.
func (c *Client) GetGenerationInfo(ctx context.Context, build models.BuildID) (*models.GenerationInfo, error) {
	var info models.GenerationInfo
	if err := c.call(ctx, http.MethodPost, "/generations/info", build, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListTasks lists a build's tasks, optionally filtered by step.
func (c *Client) ListTasks(ctx context.Context, build models.BuildID, step models.TaskStep) ([]models.AdminTask, error) {
	var tasks []models.AdminTask
	err := c.call(ctx, http.MethodPost, "/tasks/list", listTasksRequest{BuildID: build, Step: step}, &tasks)
	return tasks, err
}

// SetFatalError marks a generation as fatally failed.
func (c *Client) SetFatalError(ctx context.Context, build models.BuildID, msg string) error {
	return c.call(ctx, http.MethodPost, "/generations/fatal", setFatalRequest{BuildID: build, Message: msg}, nil)
}

// Health fetches the admin's health report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &health, nil
}

// Workers fetches the scheduler statistics.
func (c *Client) Workers(ctx context.Context) (*scheduler.Stats, error) {
	var stats scheduler.Stats
	if err := c.call(ctx, http.MethodGet, "/workers", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

var _ controller.AdminClient = (*Client)(nil)
