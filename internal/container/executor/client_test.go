package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradion-ai/ipybox/internal/common/logger"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c := NewClient(port, logger.Default())
	c.baseURL = srv.URL
	return c
}

func TestExecuteSuccess(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/execute", r.URL.Path)

		var req executeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "print('hi')", req.Code)

		_ = json.NewEncoder(w).Encode(Result{Text: "hi", Images: []string{"img"}})
	}))

	result, err := client.Execute(context.Background(), "print('hi')", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Text)
	assert.Len(t, result.Images, 1)
}

func TestExecuteKernelError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(executeError{
			Error: "NameError: name 'x' is not defined",
			Trace: "Traceback (most recent call last): ...",
		})
	}))

	_, err := client.Execute(context.Background(), "x", time.Second)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "NameError: name 'x' is not defined", execErr.Message)
	assert.Contains(t, execErr.Trace, "Traceback")
}

func TestExecuteTimeout(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client going away;
		// otherwise the handler outlives the test and blocks Close.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))

	_, err := client.Execute(context.Background(), "while True: pass", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSubmitAndStream(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/submit":
			_ = json.NewEncoder(w).Encode(submitResponse{ExecutionID: "exec-1"})
		case "/executions/exec-1/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: chunk one\n\n")
			fmt.Fprint(w, "data: chunk two\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	execution, err := client.Submit(context.Background(), "print('hi')")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", execution.ID)

	var chunks []string
	err = execution.Stream(context.Background(), time.Second, func(chunk string) {
		chunks = append(chunks, chunk)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk one", "chunk two"}, chunks)
}

func TestStreamError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/submit":
			_ = json.NewEncoder(w).Encode(submitResponse{ExecutionID: "exec-2"})
		default:
			fmt.Fprint(w, "data: partial\n\n")
			fmt.Fprint(w, "data: [ERROR] ZeroDivisionError: division by zero\n\n")
		}
	}))

	var chunks []string
	err := client.ExecuteStream(context.Background(), "1/0", time.Second, func(chunk string) {
		chunks = append(chunks, chunk)
	})

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "ZeroDivisionError: division by zero", execErr.Message)
	assert.Equal(t, []string{"partial"}, chunks)
}

func TestStreamTimeout(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/submit":
			_ = json.NewEncoder(w).Encode(submitResponse{ExecutionID: "exec-3"})
		default:
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	}))

	err := client.ExecuteStream(context.Background(), "while True: pass", 50*time.Millisecond, func(string) {})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecutionErrorIsNotTimeout(t *testing.T) {
	err := error(&ExecutionError{Message: "boom"})
	assert.False(t, errors.Is(err, ErrTimeout))
}
