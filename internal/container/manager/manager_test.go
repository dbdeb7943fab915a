package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradion-ai/ipybox/internal/common/logger"
	"github.com/gradion-ai/ipybox/internal/container/docker"
)

type fakeRuntime struct {
	mu       sync.Mutex
	started  []docker.SandboxConfig
	killed   []string
	startErr error
	killErr  error
}

func (f *fakeRuntime) StartSandbox(ctx context.Context, cfg docker.SandboxConfig) (*docker.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, cfg)
	return &docker.Sandbox{
		ContainerID:  "docker-" + cfg.ID,
		ExecutorPort: 40000 + len(f.started),
		ResourcePort: 41000 + len(f.started),
	}, nil
}

func (f *fakeRuntime) KillSandbox(ctx context.Context, dockerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, dockerID)
	return nil
}

func (f *fakeRuntime) InitFirewall(ctx context.Context, dockerID string, allowedDomains []string) error {
	return nil
}

func newTestManager(t *testing.T, runtime Runtime) *Manager {
	t.Helper()
	return NewManager(runtime, time.Minute, time.Hour, logger.Default())
}

func TestCreateAndGet(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(t, runtime)

	id, err := m.Create(context.Background(), CreateRequest{Tag: "ghcr.io/gradion-ai/ipybox"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "ghcr.io/gradion-ai/ipybox", info.Tag)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Greater(t, info.ExecutorPort, 0)
	assert.Greater(t, info.ResourcePort, 0)

	require.Len(t, runtime.started, 1)
	assert.Equal(t, id, runtime.started[0].ID)
}

func TestCreateRuntimeFailure(t *testing.T) {
	runtime := &fakeRuntime{startErr: errors.New("image not found")}
	m := newTestManager(t, runtime)

	_, err := m.Create(context.Background(), CreateRequest{Tag: "nope"})
	require.Error(t, err)
	assert.Empty(t, m.List())
}

func TestGetTouchesLastUsed(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})

	id, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)

	before, err := m.Info(id)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	touched, err := m.Get(id)
	require.NoError(t, err)
	assert.True(t, touched.LastUsedAt.After(before.LastUsedAt))
}

func TestInfoAndListDoNotTouch(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})

	id, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)

	first, err := m.Info(id)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	again, err := m.Info(id)
	require.NoError(t, err)
	assert.Equal(t, first.LastUsedAt, again.LastUsedAt)

	m.List()
	final, err := m.Info(id)
	require.NoError(t, err)
	assert.Equal(t, first.LastUsedAt, final.LastUsedAt)
}

func TestGetUnknownContainer(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrContainerNotFound)

	_, err = m.Info("missing")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestDestroy(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(t, runtime)

	id, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), id))
	require.Len(t, runtime.killed, 1)
	assert.Equal(t, "docker-"+id, runtime.killed[0])

	_, err = m.Get(id)
	assert.ErrorIs(t, err, ErrContainerNotFound)

	// Destroy is not idempotent: the record is already gone.
	assert.ErrorIs(t, m.Destroy(context.Background(), id), ErrContainerNotFound)
}

func TestDestroyRemovesRecordEvenWhenKillFails(t *testing.T) {
	runtime := &fakeRuntime{killErr: errors.New("daemon gone")}
	m := newTestManager(t, runtime)

	id, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)

	require.Error(t, m.Destroy(context.Background(), id))
	_, err = m.Get(id)
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestDestroyPurgesExecutions(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})

	id, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)

	m.RegisterExecution(id, "exec-1")
	m.RegisterExecution(id, "exec-2")

	other, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)
	m.RegisterExecution(other, "exec-3")

	require.NoError(t, m.Destroy(context.Background(), id))

	_, err = m.ExecutionInfo("exec-1")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = m.ExecutionInfo("exec-2")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	// Executions of other containers survive.
	_, err = m.ExecutionInfo("exec-3")
	assert.NoError(t, err)
}

func TestExecutionLifecycle(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})

	id, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)

	m.RegisterExecution(id, "exec-ok")
	exec, err := m.ExecutionInfo("exec-ok")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, exec.Status)
	assert.Nil(t, exec.CompletedAt)

	m.CompleteExecution("exec-ok", "")
	exec, err = m.ExecutionInfo("exec-ok")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	assert.Empty(t, exec.Error)

	m.RegisterExecution(id, "exec-fail")
	m.CompleteExecution("exec-fail", "NameError: name 'x' is not defined")
	exec, err = m.ExecutionInfo("exec-fail")
	require.NoError(t, err)
	assert.Equal(t, ExecutionError, exec.Status)
	assert.Equal(t, "NameError: name 'x' is not defined", exec.Error)
}

func TestCleanupIdleBoundary(t *testing.T) {
	runtime := &fakeRuntime{}
	m := NewManager(runtime, time.Minute, time.Hour, logger.Default())

	idleID, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)
	exactID, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)
	activeID, err := m.Create(context.Background(), CreateRequest{Tag: "tag"})
	require.NoError(t, err)

	now := time.Now()
	m.mu.Lock()
	m.containers[idleID].LastUsedAt = now.Add(-time.Hour - time.Second)
	m.containers[exactID].LastUsedAt = now.Add(-time.Hour + time.Second)
	m.containers[activeID].LastUsedAt = now
	m.mu.Unlock()

	m.cleanupIdle(context.Background())

	_, err = m.Info(idleID)
	assert.ErrorIs(t, err, ErrContainerNotFound)

	// Only containers idle strictly beyond the threshold are reaped.
	_, err = m.Info(exactID)
	assert.NoError(t, err)
	_, err = m.Info(activeID)
	assert.NoError(t, err)
}

func TestInitFirewallUnknownContainer(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	err := m.InitFirewall(context.Background(), "missing", []string{"example.com"})
	assert.ErrorIs(t, err, ErrContainerNotFound)
}
