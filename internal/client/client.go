package client

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

	"gamepilot/internal/action"
	"gamepilot/internal/core"
	"gamepilot/internal/scheduler"
)

// Client talks to the gamepilotd HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-2xx response decoded from the API error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (http %d): %s", e.Code, e.Status, e.Message)
}

// TaskView is a task together with its live execution, if any.
type TaskView struct {
	core.Task
	Execution *core.TaskExecution `json:"execution,omitempty"`
}

// SubmitRequest creates and queues a task.
type SubmitRequest struct {
	Name       string        `json:"name"`
	Type       core.TaskType `json:"type,omitempty"`
	Priority   core.Priority `json:"priority"`
	Actions    []action.Spec `json:"-"`
	MaxRetries int           `json:"max_retries,omitempty"`
}

// SubmitResult identifies the queued execution.
type SubmitResult struct {
	Task        *core.Task `json:"task,omitempty"`
	ExecutionID string     `json:"execution_id"`
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	body := struct {
		SubmitRequest
		Config core.TaskConfig `json:"config"`
	}{SubmitRequest: req, Config: core.TaskConfig{Actions: req.Actions}}
	var out SubmitResult
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Task(ctx context.Context, taskID string) (*TaskView, error) {
	var out TaskView
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueueStatus(ctx context.Context) (*scheduler.QueueStatus, error) {
	var out scheduler.QueueStatus
	if err := c.do(ctx, http.MethodGet, "/v1/queue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(executionID)+"/cancel", nil, nil)
}

// Control sends pause, resume or stop for a task.
func (c *Client) Control(ctx context.Context, taskID, op string) error {
	switch op {
	case "pause", "resume", "stop":
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/"+op, nil, nil)
}

func (c *Client) Logs(ctx context.Context, taskID string, limit int) ([]core.ExecutionLog, error) {
	path := "/v1/tasks/" + url.PathEscape(taskID) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []core.ExecutionLog
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
