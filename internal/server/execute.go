package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gradion-ai/ipybox/internal/container/executor"
	"github.com/gradion-ai/ipybox/internal/container/manager"
)

func (s *Server) handleExecuteCode(c *gin.Context) {
	containerID := c.Param("container_id")

	var req CodeExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	executionID := uuid.New().String()
	s.manager.RegisterExecution(containerID, executionID)
	c.Header("X-Execution-ID", executionID)

	client := s.executorFor(info.ExecutorPort)
	result, err := client.Execute(c.Request.Context(), req.Code, req.timeout())
	switch {
	case err == nil:
		s.manager.CompleteExecution(executionID, "")
		c.JSON(http.StatusOK, CodeExecutionResponse{
			ExecutionID: executionID,
			Text:        result.Text,
			HasImages:   len(result.Images) > 0,
			Completed:   true,
		})
	case errors.Is(err, executor.ErrTimeout):
		s.manager.CompleteExecution(executionID, "Execution timed out")
		c.JSON(http.StatusOK, CodeExecutionResponse{
			ExecutionID: executionID,
			Error:       "Execution timed out",
			Completed:   true,
		})
	default:
		var execErr *executor.ExecutionError
		if errors.As(err, &execErr) {
			s.manager.CompleteExecution(executionID, execErr.Message)
			c.JSON(http.StatusOK, CodeExecutionResponse{
				ExecutionID: executionID,
				Error:       execErr.Message,
				ErrorTrace:  execErr.Trace,
				Completed:   true,
			})
			return
		}
		s.manager.CompleteExecution(executionID, err.Error())
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to execute code: %v", err))
	}
}

func (s *Server) handleExecuteCodeStream(c *gin.Context) {
	containerID := c.Param("container_id")

	var req CodeExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	executionID := uuid.New().String()
	s.manager.RegisterExecution(containerID, executionID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Execution-ID", executionID)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	emit := func(data string) {
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}

	client := s.executorFor(info.ExecutorPort)
	err = client.ExecuteStream(c.Request.Context(), req.Code, req.timeout(), emit)
	switch {
	case err == nil:
		emit("[DONE]")
		s.manager.CompleteExecution(executionID, "")
	case errors.Is(err, executor.ErrTimeout):
		emit("[ERROR] Execution timed out")
		s.manager.CompleteExecution(executionID, "Execution timed out")
	default:
		var execErr *executor.ExecutionError
		if errors.As(err, &execErr) {
			msg := execErr.Message
			if execErr.Trace != "" {
				msg = fmt.Sprintf("%s: %s", execErr.Message, execErr.Trace)
			}
			emit("[ERROR] " + msg)
			s.manager.CompleteExecution(executionID, execErr.Message)
			return
		}
		emit("[ERROR] " + err.Error())
		s.manager.CompleteExecution(executionID, err.Error())
	}
}

func (s *Server) handleExecutionStatus(c *gin.Context) {
	executionID := c.Param("execution_id")

	exec, err := s.manager.ExecutionInfo(executionID)
	if err != nil {
		if errors.Is(err, manager.ErrExecutionNotFound) {
			detail(c, http.StatusNotFound, fmt.Sprintf("Execution %s not found", executionID))
			return
		}
		detail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, ExecutionStatusResponse{
		ExecutionID: exec.ID,
		ContainerID: exec.ContainerID,
		Status:      string(exec.Status),
		CreatedAt:   exec.CreatedAt,
		CompletedAt: exec.CompletedAt,
		Error:       exec.Error,
	})
}
