// Package resource is the HTTP client for the resource service that runs
// inside each sandbox container. It moves file and archive blobs and manages
// generated MCP client sources.
package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/gradion-ai/ipybox/internal/common/logger"
)

// ErrNotFound is returned when the requested file or directory does not
// exist inside the container.
var ErrNotFound = errors.New("resource not found")

// Client talks to one container's resource service over its published host
// port.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a resource client for a container's resource port.
func NewClient(port int, log *logger.Logger) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://localhost:%d", port),
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "resource-client")),
	}
}

// UploadFileContent stores a file at a path relative to the container
// working directory.
func (c *Client) UploadFileContent(ctx context.Context, relpath string, content []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/files/"+relpath, content, "application/octet-stream")
	if err != nil {
		return err
	}
	defer c.closeBody(resp)
	return c.checkStatus(resp)
}

// DownloadFileContent fetches a file from the container. Returns ErrNotFound
// when the path does not exist.
func (c *Client) DownloadFileContent(ctx context.Context, relpath string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/files/"+relpath, nil, "")
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp)

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}
	return content, nil
}

// DeleteFile removes a file from the container. Returns ErrNotFound when the
// path does not exist.
func (c *Client) DeleteFile(ctx context.Context, relpath string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/files/"+relpath, nil, "")
	if err != nil {
		return err
	}
	defer c.closeBody(resp)
	return c.checkStatus(resp)
}

// UploadDirectoryContent extracts a tar archive into a directory inside the
// container.
func (c *Client) UploadDirectoryContent(ctx context.Context, relpath string, archive []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/directories/"+relpath, archive, "application/x-gzip")
	if err != nil {
		return err
	}
	defer c.closeBody(resp)
	return c.checkStatus(resp)
}

// DownloadDirectoryContent fetches a directory from the container as a
// gzipped tar archive. Returns ErrNotFound when the path does not exist.
func (c *Client) DownloadDirectoryContent(ctx context.Context, relpath string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/directories/"+relpath, nil, "")
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp)

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	archive, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory archive: %w", err)
	}
	return archive, nil
}

type generateRequest struct {
	ServerParams map[string]any `json:"server_params"`
}

type generateResponse struct {
	ToolNames []string `json:"tool_names"`
}

// GenerateMCPSources generates Python client sources for an MCP server's
// tools under relpath inside the container and returns the tool names.
// Regeneration with the same parameters overwrites the previous sources.
func (c *Client) GenerateMCPSources(ctx context.Context, relpath, serverName string, serverParams map[string]any) ([]string, error) {
	payload, err := json.Marshal(generateRequest{ServerParams: serverParams})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server params: %w", err)
	}

	path := fmt.Sprintf("/mcp/%s/%s", relpath, serverName)
	resp, err := c.do(ctx, http.MethodPut, path, payload, "application/json")
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp)

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var generated generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&generated); err != nil {
		return nil, fmt.Errorf("failed to decode generated tool names: %w", err)
	}
	return generated.ToolNames, nil
}

// GetMCPSources returns the tool descriptors previously generated for an MCP
// server, keyed by tool name.
func (c *Client) GetMCPSources(ctx context.Context, relpath, serverName string) (map[string]mcp.Tool, error) {
	path := fmt.Sprintf("/mcp/%s/%s", relpath, serverName)
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp)

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var tools map[string]mcp.Tool
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		return nil, fmt.Errorf("failed to decode tool descriptors: %w", err)
	}
	return tools, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resource request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			return fmt.Errorf("resource service returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("resource service returned status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.WithError(err).Debug("Failed to close response body")
	}
}
