// Package server exposes the ipybox control plane over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/gradion-ai/ipybox/internal/common/config"
	"github.com/gradion-ai/ipybox/internal/common/logger"
	"github.com/gradion-ai/ipybox/internal/container/executor"
	"github.com/gradion-ai/ipybox/internal/container/manager"
	"github.com/gradion-ai/ipybox/internal/container/resource"
	"github.com/gradion-ai/ipybox/internal/mcp"
)

// ExecutorClient runs code inside a container. Implemented by
// executor.Client; faked in tests.
type ExecutorClient interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (*executor.Result, error)
	ExecuteStream(ctx context.Context, code string, timeout time.Duration, fn func(chunk string)) error
}

// ResourceClient moves blobs and MCP sources in and out of a container.
// Implemented by resource.Client; faked in tests.
type ResourceClient interface {
	UploadFileContent(ctx context.Context, relpath string, content []byte) error
	DownloadFileContent(ctx context.Context, relpath string) ([]byte, error)
	DeleteFile(ctx context.Context, relpath string) error
	UploadDirectoryContent(ctx context.Context, relpath string, archive []byte) error
	DownloadDirectoryContent(ctx context.Context, relpath string) ([]byte, error)
	GenerateMCPSources(ctx context.Context, relpath, serverName string, serverParams map[string]any) ([]string, error)
	GetMCPSources(ctx context.Context, relpath, serverName string) (map[string]mcpgo.Tool, error)
}

// Server wires the HTTP surface to the container manager and MCP proxy.
type Server struct {
	cfg     *config.Config
	manager *manager.Manager
	proxy   *mcp.Proxy
	logger  *logger.Logger

	// Per-container RPC client factories, replaceable in tests.
	executorFor func(port int) ExecutorClient
	resourceFor func(port int) ResourceClient
}

// NewServer creates the HTTP surface.
func NewServer(cfg *config.Config, mgr *manager.Manager, proxy *mcp.Proxy, log *logger.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		proxy:   proxy,
		logger:  log.WithFields(zap.String("component", "http-server")),
	}
	s.executorFor = func(port int) ExecutorClient {
		return executor.NewClient(port, log)
	}
	s.resourceFor = func(port int) ResourceClient {
		return resource.NewClient(port, log)
	}
	return s
}

// RegisterRoutes mounts all endpoints. Everything except /health sits behind
// the API key middleware.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	authed := router.Group("/", APIKeyAuth(s.cfg.Auth.APIKey))

	authed.POST("/containers", s.handleCreateContainer)
	authed.GET("/containers", s.handleListContainers)
	authed.GET("/containers/:container_id", s.handleGetContainer)
	authed.DELETE("/containers/:container_id", s.handleDestroyContainer)
	authed.POST("/containers/:container_id/firewall", s.handleInitFirewall)

	authed.POST("/containers/:container_id/execute", s.handleExecuteCode)
	authed.POST("/containers/:container_id/execute/stream", s.handleExecuteCodeStream)
	authed.GET("/executions/:execution_id", s.handleExecutionStatus)

	authed.PUT("/containers/:container_id/mcp/:server_name", s.handleRegisterMCPServer)
	authed.GET("/containers/:container_id/mcp/:server_name", s.handleGetMCPServerTools)
	authed.POST("/containers/:container_id/mcp/:server_name/:tool_name", s.handleExecuteMCPTool)

	authed.POST("/containers/:container_id/files/*relpath", s.handleUploadFile)
	authed.GET("/containers/:container_id/files/*relpath", s.handleDownloadFile)
	authed.DELETE("/containers/:container_id/files/*relpath", s.handleDeleteFile)
	authed.POST("/containers/:container_id/directories/*relpath", s.handleUploadDirectory)
	authed.GET("/containers/:container_id/directories/*relpath", s.handleDownloadDirectory)

	if s.proxy != nil {
		s.proxy.RegisterRoutes(authed)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// detail writes a FastAPI-style error body.
func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"detail": msg})
}

// CORSMiddleware allows cross-origin requests from the configured origins.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowAny := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAny = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAny:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-API-Key, Mcp-Session-Id")
		c.Header("Access-Control-Expose-Headers", "X-Execution-ID, Mcp-Session-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
