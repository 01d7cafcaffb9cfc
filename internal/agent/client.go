package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/pkg/model"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the shardsched agent API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	agentID string
}

// NewClient creates a new agent API client with connection pooling.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// AgentID returns the ID assigned at the last registration.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

func (c *Client) agentPath(suffix string) string {
	return "/api/v1/agents/" + url.PathEscape(c.AgentID()) + suffix
}

// Register registers the agent and stores the assigned ID.
func (c *Client) Register(ctx context.Context, req model.RegisterAgentRequest) (*model.Agent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/agents", body)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	var agent model.Agent
	if err := decodeResponseData(resp, &agent); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	c.mu.Lock()
	c.agentID = agent.ID
	c.mu.Unlock()
	return &agent, nil
}

// Heartbeat refreshes the agent's last-seen time.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodPut, c.agentPath("/heartbeat"), nil)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	resp.Body.Close()
	return nil
}

// PollTasks fetches tasks launched on this agent since the last poll.
func (c *Client) PollTasks(ctx context.Context) ([]resource.TaskInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.agentPath("/tasks"), nil)
	if err != nil {
		return nil, fmt.Errorf("poll tasks: %w", err)
	}
	var tasks []resource.TaskInfo
	if err := decodeResponseData(resp, &tasks); err != nil {
		return nil, fmt.Errorf("poll tasks: %w", err)
	}
	return tasks, nil
}

// ReportStatus sends a task state update.
func (c *Client) ReportStatus(ctx context.Context, taskID string, report model.TaskStatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPut,
		c.agentPath("/tasks/"+url.PathEscape(taskID)+"/status"), body)
	if err != nil {
		return fmt.Errorf("report status: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Deregister removes the agent from the server.
func (c *Client) Deregister(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, c.agentPath(""), nil)
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	resp.Body.Close()
	return nil
}

// doRequest executes an HTTP request and returns the response.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	return json.Unmarshal(envelope.Data, dest)
}
