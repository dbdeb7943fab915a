package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradion-ai/ipybox/internal/common/logger"
	"github.com/gradion-ai/ipybox/internal/container/manager"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeContainers struct {
	known map[string]bool
}

func (f *fakeContainers) Get(id string) (manager.Info, error) {
	if !f.known[id] {
		return manager.Info{}, manager.ErrContainerNotFound
	}
	return manager.Info{ID: id, Status: manager.StatusRunning}, nil
}

// echoProxy backs sessions with cat so every request frame comes straight
// back as its own response.
func echoProxy(t *testing.T) *Proxy {
	t.Helper()
	p := NewProxy(&fakeContainers{known: map[string]bool{"ctr-1": true}}, time.Minute, time.Hour, logger.Default())
	p.commandFor = func(string) (string, []string) { return "cat", nil }
	t.Cleanup(p.Stop)
	return p
}

func silentCommand(string) (string, []string) {
	return "sh", []string{"-c", "cat >/dev/null"}
}

func TestGetOrCreateSessionReuse(t *testing.T) {
	p := echoProxy(t)

	sess, err := p.GetOrCreateSession("ctr-1", "echo", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.ID, "mcp-"))

	reused, err := p.GetOrCreateSession("ctr-1", "echo", sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, reused)
	assert.Equal(t, 1, p.SessionCount())

	// A mismatched server name gets a fresh session.
	other, err := p.GetOrCreateSession("ctr-1", "other", sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, other.ID)
	assert.Equal(t, 2, p.SessionCount())

	// An unknown session id gets a fresh session too.
	fresh, err := p.GetOrCreateSession("ctr-1", "echo", "mcp-unknown")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestGetOrCreateSessionConcurrent(t *testing.T) {
	p := echoProxy(t)

	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.GetOrCreateSession("ctr-1", "echo", "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, len(errs), p.SessionCount())
}

func TestHandleRequestResponse(t *testing.T) {
	p := echoProxy(t)
	sess, err := p.GetOrCreateSession("ctr-1", "echo", "")
	require.NoError(t, err)

	var frames []Frame
	p.Handle(context.Background(), sess, []Frame{
		{"jsonrpc": "2.0", "method": "ping", "id": float64(1)},
	}, func(f Frame) { frames = append(frames, f) })

	require.Len(t, frames, 1)
	assert.Equal(t, float64(1), frames[0]["id"])
	assert.Equal(t, "ping", frames[0]["method"])
}

func TestHandleNotificationYieldsNoFrames(t *testing.T) {
	p := echoProxy(t)
	sess, err := p.GetOrCreateSession("ctr-1", "echo", "")
	require.NoError(t, err)

	var frames []Frame
	p.Handle(context.Background(), sess, []Frame{
		{"jsonrpc": "2.0", "method": "notifications/initialized"},
	}, func(f Frame) { frames = append(frames, f) })

	assert.Empty(t, frames)
}

func TestHandleInitializeMarksSession(t *testing.T) {
	p := echoProxy(t)
	sess, err := p.GetOrCreateSession("ctr-1", "echo", "")
	require.NoError(t, err)

	p.Handle(context.Background(), sess, []Frame{
		{"jsonrpc": "2.0", "method": "initialize", "id": float64(0)},
	}, func(Frame) {})
	assert.True(t, sess.Initialized())
}

func TestHandleTimeout(t *testing.T) {
	p := echoProxy(t)
	p.commandFor = silentCommand
	p.receiveTimeout = 50 * time.Millisecond

	sess, err := p.GetOrCreateSession("ctr-1", "silent", "")
	require.NoError(t, err)

	var frames []Frame
	p.Handle(context.Background(), sess, []Frame{
		{"jsonrpc": "2.0", "method": "tools/list", "id": float64(9)},
	}, func(f Frame) { frames = append(frames, f) })

	require.Len(t, frames, 1)
	assert.Equal(t, float64(9), frames[0]["id"])
	errObj := frames[0]["error"].(Frame)
	assert.Equal(t, -32603, errObj["code"])
	assert.Equal(t, "Timeout waiting for response from MCP server", errObj["message"])
}

func TestCleanupIdleSessions(t *testing.T) {
	p := echoProxy(t)
	sess, err := p.GetOrCreateSession("ctr-1", "echo", "")
	require.NoError(t, err)

	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-2 * time.Hour)
	sess.mu.Unlock()

	p.cleanupIdle()
	assert.Equal(t, 0, p.SessionCount())
	assert.Equal(t, StateClosed, sess.State())
}

func proxyRouter(t *testing.T) (*Proxy, *gin.Engine) {
	t.Helper()
	p := echoProxy(t)
	router := gin.New()
	p.RegisterRoutes(router)
	return p, router
}

func postProxy(router *gin.Engine, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/containers/ctr-1/mcp-proxy/echo", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestProxyEndpointUnknownContainer(t *testing.T) {
	_, router := proxyRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/containers/nope/mcp-proxy/echo",
		strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Container nope not found")
}

func TestProxyEndpointParseError(t *testing.T) {
	_, router := proxyRouter(t)

	w := postProxy(router, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var frame Frame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frame))
	assert.Equal(t, float64(-32700), frame["error"].(map[string]any)["code"])
	assert.Nil(t, frame["id"])
}

func TestProxyEndpointInvalidRequest(t *testing.T) {
	_, router := proxyRouter(t)

	w := postProxy(router, `{"jsonrpc":"2.0","id":5}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var frame Frame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frame))
	assert.Equal(t, float64(-32600), frame["error"].(map[string]any)["code"])
	assert.Equal(t, float64(5), frame["id"])
}

func TestProxyEndpointSingleRequestJSON(t *testing.T) {
	p, router := proxyRouter(t)

	w := postProxy(router, `{"jsonrpc":"2.0","method":"ping","id":1}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Mcp-Session-Id"), "mcp-"))
	assert.Equal(t, 1, p.SessionCount())

	var frame Frame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frame))
	assert.Equal(t, float64(1), frame["id"])
	assert.Equal(t, "ping", frame["method"])
}

func TestProxyEndpointSingleRequestJSONFirstFrame(t *testing.T) {
	p, router := proxyRouter(t)
	// The server emits a progress notification before the correlated
	// response; the JSON body is the first relayed frame.
	p.commandFor = func(string) (string, []string) {
		return "sh", []string{"-c", `printf '{"jsonrpc":"2.0","method":"notifications/progress"}\n{"jsonrpc":"2.0","id":1,"result":"ok"}\n'; cat >/dev/null`}
	}

	w := postProxy(router, `{"jsonrpc":"2.0","method":"tools/list","id":1}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var frame Frame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frame))
	assert.Equal(t, "notifications/progress", frame["method"])
	assert.NotContains(t, frame, "result")
}

func TestProxyEndpointSessionReuse(t *testing.T) {
	p, router := proxyRouter(t)

	w := postProxy(router, `{"jsonrpc":"2.0","method":"initialize","id":1}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessionID := w.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	w = postProxy(router, `{"jsonrpc":"2.0","method":"ping","id":2}`,
		map[string]string{"Mcp-Session-Id": sessionID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sessionID, w.Header().Get("Mcp-Session-Id"))
	assert.Equal(t, 1, p.SessionCount())
}

func TestProxyEndpointNotificationJSON(t *testing.T) {
	_, router := proxyRouter(t)

	w := postProxy(router, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))
}

func TestProxyEndpointBatch(t *testing.T) {
	_, router := proxyRouter(t)

	w := postProxy(router, `[
		{"jsonrpc":"2.0","method":"ping","id":1},
		{"jsonrpc":"2.0","method":"pong","id":2}
	]`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var frames []Frame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frames))
	require.Len(t, frames, 2)
	assert.Equal(t, float64(1), frames[0]["id"])
	assert.Equal(t, float64(2), frames[1]["id"])
}

func TestProxyEndpointBatchInvalidElement(t *testing.T) {
	_, router := proxyRouter(t)

	w := postProxy(router, `[{"jsonrpc":"2.0","method":"ping","id":1},{"bad":true}]`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var frame Frame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frame))
	assert.Equal(t, float64(-32600), frame["error"].(map[string]any)["code"])
	assert.Nil(t, frame["id"])
}

func TestProxyEndpointSSE(t *testing.T) {
	_, router := proxyRouter(t)

	w := postProxy(router, `{"jsonrpc":"2.0","method":"ping","id":3}`,
		map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	body := w.Body.String()
	require.True(t, strings.HasPrefix(body, "data: "), "body: %q", body)
	require.True(t, strings.HasSuffix(body, "\n\n"), "body: %q", body)

	var frame Frame
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")
	require.NoError(t, json.Unmarshal([]byte(payload), &frame))
	assert.Equal(t, float64(3), frame["id"])
}
