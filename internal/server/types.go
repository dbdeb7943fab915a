package server

import (
	"time"

	"github.com/gradion-ai/ipybox/internal/container/manager"
)

// ContainerConfigRequest is the body of POST /containers.
type ContainerConfigRequest struct {
	Tag              string            `json:"tag"`
	Binds            map[string]string `json:"binds"`
	Env              map[string]string `json:"env"`
	ExecutorPort     int               `json:"executor_port"`
	ResourcePort     int               `json:"resource_port"`
	ShowPullProgress bool              `json:"show_pull_progress"`
}

// ContainerInfoResponse describes a managed container.
type ContainerInfoResponse struct {
	ID           string    `json:"id"`
	Tag          string    `json:"tag"`
	ExecutorPort int       `json:"executor_port"`
	ResourcePort int       `json:"resource_port"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	Status       string    `json:"status"`
}

func containerInfoResponse(info manager.Info) ContainerInfoResponse {
	return ContainerInfoResponse{
		ID:           info.ID,
		Tag:          info.Tag,
		ExecutorPort: info.ExecutorPort,
		ResourcePort: info.ResourcePort,
		CreatedAt:    info.CreatedAt,
		LastUsedAt:   info.LastUsedAt,
		Status:       string(info.Status),
	}
}

// FirewallConfigRequest is the body of POST /containers/{id}/firewall.
type FirewallConfigRequest struct {
	AllowedDomains []string `json:"allowed_domains"`
}

// CodeExecutionRequest is the body of the execute endpoints. Timeout is in
// seconds.
type CodeExecutionRequest struct {
	Code    string  `json:"code" binding:"required"`
	Timeout float64 `json:"timeout"`
}

const defaultExecuteTimeout = 120 * time.Second

func (r *CodeExecutionRequest) timeout() time.Duration {
	if r.Timeout <= 0 {
		return defaultExecuteTimeout
	}
	return time.Duration(r.Timeout * float64(time.Second))
}

// CodeExecutionResponse is the result of a synchronous execution.
type CodeExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Text        string `json:"text,omitempty"`
	HasImages   bool   `json:"has_images"`
	Error       string `json:"error,omitempty"`
	ErrorTrace  string `json:"error_trace,omitempty"`
	Completed   bool   `json:"completed"`
}

// ExecutionStatusResponse describes a registered execution.
type ExecutionStatusResponse struct {
	ExecutionID string     `json:"execution_id"`
	ContainerID string     `json:"container_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// MCPServerConfigRequest is the body of PUT /containers/{id}/mcp/{server}.
type MCPServerConfigRequest struct {
	ServerParams map[string]any `json:"server_params"`
}

// MCPToolRequest is the body of the tool call endpoint. Timeout is in
// seconds.
type MCPToolRequest struct {
	Params  map[string]any `json:"params"`
	Timeout float64        `json:"timeout"`
}

const defaultToolTimeout = 5 * time.Second

func (r *MCPToolRequest) timeout() time.Duration {
	if r.Timeout <= 0 {
		return defaultToolTimeout
	}
	return time.Duration(r.Timeout * float64(time.Second))
}

// MCPToolResponse is the result of a tool call.
type MCPToolResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
