package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gradion-ai/ipybox/internal/container/resource"
)

// relpathParam strips the leading slash gin leaves on wildcard parameters.
func relpathParam(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("relpath"), "/")
}

func (s *Server) handleUploadFile(c *gin.Context) {
	containerID := c.Param("container_id")
	relpath := relpathParam(c)

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Missing file upload: %v", err))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to upload file: %v", err))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to upload file: %v", err))
		return
	}

	target := fmt.Sprintf("%s/%s", relpath, fileHeader.Filename)
	client := s.resourceFor(info.ResourcePort)
	if err := client.UploadFileContent(c.Request.Context(), target, content); err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to upload file: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("File uploaded to %s", target)})
}

func (s *Server) handleDownloadFile(c *gin.Context) {
	containerID := c.Param("container_id")
	relpath := relpathParam(c)

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	client := s.resourceFor(info.ResourcePort)
	content, err := client.DownloadFileContent(c.Request.Context(), relpath)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			detail(c, http.StatusNotFound, fmt.Sprintf("File %s not found", relpath))
			return
		}
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to download file: %v", err))
		return
	}

	filename := path.Base(relpath)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "application/octet-stream", content)
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	containerID := c.Param("container_id")
	relpath := relpathParam(c)

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	client := s.resourceFor(info.ResourcePort)
	if err := client.DeleteFile(c.Request.Context(), relpath); err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			detail(c, http.StatusNotFound, fmt.Sprintf("File %s not found", relpath))
			return
		}
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to delete file: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("File %s deleted", relpath)})
}

func isTarArchive(filename string) bool {
	return strings.HasSuffix(filename, ".tar") ||
		strings.HasSuffix(filename, ".tar.gz") ||
		strings.HasSuffix(filename, ".tgz")
}

func (s *Server) handleUploadDirectory(c *gin.Context) {
	containerID := c.Param("container_id")
	relpath := relpathParam(c)

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		detail(c, http.StatusBadRequest, fmt.Sprintf("Missing file upload: %v", err))
		return
	}
	if !isTarArchive(fileHeader.Filename) {
		detail(c, http.StatusBadRequest, "File must be a tar archive")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to upload directory: %v", err))
		return
	}
	defer file.Close()

	archive, err := io.ReadAll(file)
	if err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to upload directory: %v", err))
		return
	}

	client := s.resourceFor(info.ResourcePort)
	if err := client.UploadDirectoryContent(c.Request.Context(), relpath, archive); err != nil {
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to upload directory: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Directory uploaded to %s", relpath)})
}

func (s *Server) handleDownloadDirectory(c *gin.Context) {
	containerID := c.Param("container_id")
	relpath := relpathParam(c)

	info, err := s.manager.Get(containerID)
	if err != nil {
		s.containerNotFound(c, containerID)
		return
	}

	client := s.resourceFor(info.ResourcePort)
	archive, err := client.DownloadDirectoryContent(c.Request.Context(), relpath)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			detail(c, http.StatusNotFound, fmt.Sprintf("Directory %s not found", relpath))
			return
		}
		detail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to download directory: %v", err))
		return
	}

	dirName := path.Base(relpath)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.tar.gz", dirName))
	c.Data(http.StatusOK, "application/x-gzip", archive)
}
