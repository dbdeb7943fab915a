// Package executor is the HTTP client for the code execution service that
// runs inside each sandbox container.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gradion-ai/ipybox/internal/common/logger"
)

// ErrTimeout is returned when an execution exceeds its timeout.
var ErrTimeout = errors.New("execution timed out")

// ExecutionError is a code execution failure reported by the executor
// service, carrying the traceback from the kernel.
type ExecutionError struct {
	Message string
	Trace   string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// Result is the output of a completed execution.
type Result struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

// Client talks to one container's executor service over its published host
// port.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates an executor client for a container's executor port.
func NewClient(port int, log *logger.Logger) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://localhost:%d", port),
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "executor-client")),
	}
}

type executeRequest struct {
	Code string `json:"code"`
}

type executeError struct {
	Error string `json:"error"`
	Trace string `json:"trace"`
}

// Execute runs code to completion and returns its result. A timeout yields
// ErrTimeout; a kernel error yields *ExecutionError.
func (c *Client) Execute(ctx context.Context, code string, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.post(ctx, "/execute", executeRequest{Code: code})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode execute response: %w", err)
	}
	return &result, nil
}

// Execution is a handle for a submitted execution.
type Execution struct {
	ID     string
	client *Client
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Submit starts an execution without waiting for it and returns a handle for
// streaming its output.
func (c *Client) Submit(ctx context.Context, code string) (*Execution, error) {
	resp, err := c.post(ctx, "/submit", executeRequest{Code: code})
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}
	return &Execution{ID: submitted.ExecutionID, client: c}, nil
}

// Stream consumes the execution's output stream, invoking fn for every
// chunk. It returns nil when the stream completes, ErrTimeout when the
// timeout elapses, and *ExecutionError when the executor reports a failure.
func (e *Execution) Stream(ctx context.Context, timeout time.Duration, fn func(chunk string)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/executions/%s/stream", e.client.baseURL, e.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.client.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer e.client.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return e.client.decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		switch {
		case data == "[DONE]":
			return nil
		case strings.HasPrefix(data, "[ERROR]"):
			return &ExecutionError{Message: strings.TrimSpace(strings.TrimPrefix(data, "[ERROR]"))}
		default:
			fn(data)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return ErrTimeout
		}
		return fmt.Errorf("error reading stream: %w", err)
	}
	return nil
}

// ExecuteStream submits code and streams its output chunks through fn.
func (c *Client) ExecuteStream(ctx context.Context, code string, timeout time.Duration, fn func(chunk string)) error {
	execution, err := c.Submit(ctx, code)
	if err != nil {
		return err
	}
	return execution.Stream(ctx, timeout, fn)
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor request failed: %w", err)
	}
	return resp, nil
}

// decodeError turns a non-2xx executor response into an *ExecutionError when
// the body carries one.
func (c *Client) decodeError(resp *http.Response) error {
	var execErr executeError
	if err := json.NewDecoder(resp.Body).Decode(&execErr); err != nil || execErr.Error == "" {
		return fmt.Errorf("executor returned status %d", resp.StatusCode)
	}
	return &ExecutionError{Message: execErr.Error, Trace: execErr.Trace}
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.WithError(err).Debug("Failed to close response body")
	}
}
