package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the Streamable HTTP proxy endpoint.
func (p *Proxy) RegisterRoutes(r gin.IRouter) {
	r.POST("/containers/:container_id/mcp-proxy/:server_name", p.handleProxyRequest)
}

// handleProxyRequest accepts a JSON-RPC request, notification, or batch and
// materialises the relayed frames either as SSE events or as a JSON body,
// depending on the Accept header.
func (p *Proxy) handleProxyRequest(c *gin.Context) {
	containerID := c.Param("container_id")
	serverName := c.Param("server_name")

	// Resolving the container also refreshes its idle deadline.
	if _, err := p.containers.Get(containerID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Container %s not found", containerID)})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ParseErrorFrame())
		return
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.JSON(http.StatusBadRequest, ParseErrorFrame())
		return
	}

	frames, batch, ok := normalizeRequests(parsed)
	if !ok {
		var id any
		if frame, isFrame := parsed.(Frame); isFrame {
			id = frame["id"]
		}
		c.JSON(http.StatusBadRequest, InvalidRequestFrame(id))
		return
	}

	sess, err := p.GetOrCreateSession(containerID, serverName, c.GetHeader("Mcp-Session-Id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": sessionStartDetail(serverName, err)})
		return
	}
	c.Header("Mcp-Session-Id", sess.ID)

	ctx := c.Request.Context()

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		p.Handle(ctx, sess, frames, func(frame Frame) {
			data, err := json.Marshal(frame)
			if err != nil {
				return
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			c.Writer.Flush()
		})
		return
	}

	collected := make([]Frame, 0, len(frames))
	p.Handle(ctx, sess, frames, func(frame Frame) {
		collected = append(collected, frame)
	})

	switch {
	case batch:
		c.JSON(http.StatusOK, collected)
	case len(collected) > 0:
		c.JSON(http.StatusOK, collected[0])
	default:
		// Notification: nothing to return.
		c.JSON(http.StatusOK, nil)
	}
}

// normalizeRequests turns a decoded body into a slice of request frames.
// Returns ok=false when any element is not a valid JSON-RPC request.
func normalizeRequests(parsed any) (frames []Frame, batch bool, ok bool) {
	if elements, isBatch := parsed.([]any); isBatch {
		if len(elements) == 0 {
			return nil, true, false
		}
		frames = make([]Frame, 0, len(elements))
		for _, el := range elements {
			if !ValidRequest(el) {
				return nil, true, false
			}
			frames = append(frames, el.(Frame))
		}
		return frames, true, true
	}

	if !ValidRequest(parsed) {
		return nil, false, false
	}
	return []Frame{parsed.(Frame)}, false, true
}
