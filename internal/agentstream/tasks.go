package agentstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gluk-w/clawlink/internal/proxyhttp"
)

// Task is a remotely scheduled agent job managed through the proxy.
type Task struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Prompt    string    `json:"prompt"`
	Cwd       string    `json:"cwd,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// TaskUpdate carries a partial task change. Nil fields are left untouched.
type TaskUpdate struct {
	Name     *string `json:"name,omitempty"`
	Schedule *string `json:"schedule,omitempty"`
	Prompt   *string `json:"prompt,omitempty"`
	Cwd      *string `json:"cwd,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// ListTasks returns all scheduled tasks known to the proxy.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	resp, err := c.getJSON(ctx, "/v1/agent/tasks")
	if err != nil {
		return nil, err
	}

	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return out.Tasks, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	resp, err := c.getJSON(ctx, "/v1/agent/tasks/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(resp.Body, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

// CreateTask registers a new scheduled task and returns it with the
// server-assigned id.
func (c *Client) CreateTask(ctx context.Context, task Task) (*Task, error) {
	var created Task
	if err := c.postJSON(ctx, "/v1/agent/tasks", task, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateTask applies a partial change to an existing task.
func (c *Client) UpdateTask(ctx context.Context, id string, update TaskUpdate) (*Task, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode task update: %w", err)
	}
	resp, err := c.http.Do(ctx, &proxyhttp.Request{
		Method: "PATCH",
		Path:   "/v1/agent/tasks/" + url.PathEscape(id),
		Body:   payload,
	})
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(resp.Body, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

// DeleteTask removes a scheduled task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	_, err := c.http.Do(ctx, &proxyhttp.Request{
		Method: "DELETE",
		Path:   "/v1/agent/tasks/" + url.PathEscape(id),
	})
	return err
}
