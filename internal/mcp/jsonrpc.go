// Package mcp proxies Streamable HTTP requests to stdio MCP servers running
// inside sandbox containers.
package mcp

import (
	"reflect"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Frame is one JSON-RPC message as decoded JSON. Frames pass through the
// proxy opaquely so server-defined fields survive the round trip.
type Frame = map[string]any

const timeoutMessage = "Timeout waiting for response from MCP server"

// ValidRequest reports whether a decoded body element is a well-formed
// JSON-RPC request or notification: an object with a non-empty method.
func ValidRequest(v any) bool {
	frame, ok := v.(Frame)
	if !ok {
		return false
	}
	method, ok := frame["method"].(string)
	if !ok || method == "" {
		return false
	}
	if version, present := frame["jsonrpc"]; present {
		if _, ok := version.(string); !ok {
			return false
		}
	}
	return true
}

// RequestID extracts the id of a request frame. Notifications have no id and
// yield nil.
func RequestID(frame Frame) any {
	return frame["id"]
}

// EqualIDs compares two JSON-RPC ids as decoded JSON values.
func EqualIDs(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// ErrorFrame builds a JSON-RPC error response frame.
func ErrorFrame(code int, message string, id any) Frame {
	return Frame{
		"jsonrpc": "2.0",
		"error": Frame{
			"code":    code,
			"message": message,
		},
		"id": id,
	}
}

// ParseErrorFrame is the response to a body that is not valid JSON.
func ParseErrorFrame() Frame {
	return ErrorFrame(mcpgo.PARSE_ERROR, "Parse error", nil)
}

// InvalidRequestFrame is the response to JSON that is not a valid JSON-RPC
// request.
func InvalidRequestFrame(id any) Frame {
	return ErrorFrame(mcpgo.INVALID_REQUEST, "Invalid Request", id)
}

// InternalErrorFrame is the synthetic response for proxy-side failures.
func InternalErrorFrame(detail string, id any) Frame {
	return ErrorFrame(mcpgo.INTERNAL_ERROR, "Internal error: "+detail, id)
}

// TimeoutFrame is the synthetic response when the MCP server does not answer
// within the receive timeout.
func TimeoutFrame(id any) Frame {
	return ErrorFrame(mcpgo.INTERNAL_ERROR, timeoutMessage, id)
}
