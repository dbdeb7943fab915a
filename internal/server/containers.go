package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gradion-ai/ipybox/internal/container/manager"
)

func (s *Server) handleCreateContainer(c *gin.Context) {
	var req ContainerConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.Tag == "" {
		req.Tag = s.cfg.Container.DefaultTag
	}

	id, err := s.manager.Create(c.Request.Context(), manager.CreateRequest{
		Tag:              req.Tag,
		Binds:            req.Binds,
		Env:              req.Env,
		ExecutorPort:     req.ExecutorPort,
		ResourcePort:     req.ResourcePort,
		ShowPullProgress: req.ShowPullProgress,
	})
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to create container: %v", err))
		return
	}

	info, err := s.manager.Info(id)
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to create container: %v", err))
		return
	}
	c.JSON(http.StatusOK, containerInfoResponse(info))
}

func (s *Server) handleListContainers(c *gin.Context) {
	infos := s.manager.List()
	resp := make([]ContainerInfoResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, containerInfoResponse(info))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetContainer(c *gin.Context) {
	containerID := c.Param("container_id")

	info, err := s.manager.Info(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}
	c.JSON(http.StatusOK, containerInfoResponse(info))
}

func (s *Server) handleDestroyContainer(c *gin.Context) {
	containerID := c.Param("container_id")

	if err := s.manager.Destroy(c.Request.Context(), containerID); err != nil {
		if errors.Is(err, manager.ErrContainerNotFound) {
			s.containerNotFound(c, containerID)
			return
		}
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to destroy container: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Container %s destroyed", containerID)})
}

func (s *Server) handleInitFirewall(c *gin.Context) {
	containerID := c.Param("container_id")

	var req FirewallConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	err := s.manager.InitFirewall(c.Request.Context(), containerID, req.AllowedDomains)
	if err != nil {
		if errors.Is(err, manager.ErrContainerNotFound) {
			s.containerNotFound(c, containerID)
			return
		}
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to initialize firewall: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Firewall initialized successfully"})
}

func (s *Server) containerNotFound(c *gin.Context, containerID string) {
	detail(c, http.StatusNotFound, fmt.Sprintf("Container %s not found", containerID))
}
