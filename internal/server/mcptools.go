package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/gradion-ai/ipybox/internal/container/executor"
)

func (s *Server) handleRegisterMCPServer(c *gin.Context) {
	containerID := c.Param("container_id")
	serverName := c.Param("server_name")
	relpath := c.DefaultQuery("relpath", "mcpgen")

	var req MCPServerConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	client := s.resourceFor(info.ResourcePort)
	toolNames, err := client.GenerateMCPSources(c.Request.Context(), relpath, serverName, req.ServerParams)
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to register MCP server: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_name": serverName, "tool_names": toolNames})
}

func (s *Server) handleGetMCPServerTools(c *gin.Context) {
	containerID := c.Param("container_id")
	serverName := c.Param("server_name")
	relpath := c.DefaultQuery("relpath", "mcpgen")

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	client := s.resourceFor(info.ResourcePort)
	sources, err := client.GetMCPSources(c.Request.Context(), relpath, serverName)
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to get MCP server tools: %v", err))
		return
	}

	tools := make([]mcpgo.Tool, 0, len(sources))
	for _, tool := range sources {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	c.JSON(http.StatusOK, gin.H{"server_name": serverName, "tools": tools})
}

// mcpToolCode builds the Python snippet that invokes a generated MCP tool
// client with the given parameters.
func mcpToolCode(relpath, serverName, toolName string, params map[string]any) (string, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool params: %w", err)
	}
	if params == nil {
		encoded = []byte("{}")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "import json\n")
	fmt.Fprintf(&b, "from %s.%s.%s import Params, %s\n\n", relpath, serverName, toolName, toolName)
	fmt.Fprintf(&b, "params = Params(**json.loads('''%s'''))\n", encoded)
	fmt.Fprintf(&b, "result = %s(params)\n", toolName)
	fmt.Fprintf(&b, "print(json.dumps({\"result\": result}))\n")
	return b.String(), nil
}

func (s *Server) handleExecuteMCPTool(c *gin.Context) {
	containerID := c.Param("container_id")
	serverName := c.Param("server_name")
	toolName := c.Param("tool_name")
	relpath := c.DefaultQuery("relpath", "mcpgen")

	var req MCPToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	// The tool must have generated sources before it can be called.
	resClient := s.resourceFor(info.ResourcePort)
	sources, err := resClient.GetMCPSources(c.Request.Context(), relpath, serverName)
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to execute MCP tool: %v", err))
		return
	}
	if _, ok := sources[toolName]; !ok {
		detail(c, http.StatusNotFound, fmt.Sprintf("Tool %s not found in server %s", toolName, serverName))
		return
	}

	code, err := mcpToolCode(relpath, serverName, toolName, req.Params)
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to execute MCP tool: %v", err))
		return
	}

	execClient := s.executorFor(info.ExecutorPort)
	result, err := execClient.Execute(c.Request.Context(), code, req.timeout())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, toolResponse(result))
	case errors.Is(err, executor.ErrTimeout):
		c.JSON(http.StatusOK, MCPToolResponse{Error: "Execution timed out"})
	default:
		var execErr *executor.ExecutionError
		if errors.As(err, &execErr) {
			c.JSON(http.StatusOK, MCPToolResponse{
				Error: fmt.Sprintf("%s: %s", execErr.Message, execErr.Trace),
			})
			return
		}
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to execute MCP tool: %v", err))
	}
}

// toolResponse extracts the tool result from the executed snippet's stdout.
// Output that is not the expected JSON envelope is returned as raw text.
func toolResponse(result *executor.Result) MCPToolResponse {
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return MCPToolResponse{}
	}

	var envelope struct {
		Result any `json:"result"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return MCPToolResponse{Result: result.Text}
	}
	return MCPToolResponse{Result: envelope.Result}
}
