// Package manager tracks sandbox containers and code executions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gradion-ai/ipybox/internal/common/logger"
	"github.com/gradion-ai/ipybox/internal/container/docker"
)

var (
	// ErrContainerNotFound is returned for unknown or destroyed container ids.
	ErrContainerNotFound = errors.New("container not found")
	// ErrExecutionNotFound is returned for unknown or purged execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
)

// Runtime starts and kills sandbox containers. Implemented by docker.Client;
// faked in tests.
type Runtime interface {
	StartSandbox(ctx context.Context, cfg docker.SandboxConfig) (*docker.Sandbox, error)
	KillSandbox(ctx context.Context, dockerID string) error
	InitFirewall(ctx context.Context, dockerID string, allowedDomains []string) error
}

// Manager owns the in-memory registry of containers and executions and runs
// the idle reaper. All registry access goes through the Manager; HTTP
// handlers never touch the runtime directly.
type Manager struct {
	runtime Runtime
	logger  *logger.Logger

	mu         sync.Mutex
	containers map[string]*Container
	executions map[string]*Execution

	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewManager creates a container manager.
func NewManager(runtime Runtime, cleanupInterval, maxIdleTime time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		runtime:         runtime,
		logger:          log.WithFields(zap.String("component", "container-manager")),
		containers:      make(map[string]*Container),
		executions:      make(map[string]*Execution),
		cleanupInterval: cleanupInterval,
		maxIdleTime:     maxIdleTime,
		stopCh:          make(chan struct{}),
	}
}

// Start launches the idle reaper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleanupLoop()
	m.logger.Info("Container manager started",
		zap.Duration("cleanup_interval", m.cleanupInterval),
		zap.Duration("max_idle_time", m.maxIdleTime),
	)
}

// Stop stops the idle reaper. Running containers are not destroyed here;
// the caller decides whether to tear them down.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("Container manager stopped")
}

// Create starts a sandbox container and registers it. Returns the new
// container id.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	id := uuid.New().String()

	sandbox, err := m.runtime.StartSandbox(ctx, docker.SandboxConfig{
		ID:               id,
		Tag:              req.Tag,
		Binds:            req.Binds,
		Env:              req.Env,
		ExecutorPort:     req.ExecutorPort,
		ResourcePort:     req.ResourcePort,
		ShowPullProgress: req.ShowPullProgress,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	now := time.Now()
	m.mu.Lock()
	m.containers[id] = &Container{
		ID:           id,
		Tag:          req.Tag,
		ExecutorPort: sandbox.ExecutorPort,
		ResourcePort: sandbox.ResourcePort,
		CreatedAt:    now,
		LastUsedAt:   now,
		Status:       StatusRunning,
		dockerID:     sandbox.ContainerID,
	}
	m.mu.Unlock()

	m.logger.Info("Container created",
		zap.String("container_id", id),
		zap.String("tag", req.Tag),
		zap.Int("executor_port", sandbox.ExecutorPort),
		zap.Int("resource_port", sandbox.ResourcePort),
	)
	return id, nil
}

// Get returns a container snapshot and marks the container as used. Every
// operation that acts on a container goes through Get so activity pushes the
// idle deadline out.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return Info{}, ErrContainerNotFound
	}
	c.LastUsedAt = time.Now()
	return c.snapshot(), nil
}

// Info returns a container snapshot without touching the last-used time.
// Read-only introspection must not keep a container alive.
func (m *Manager) Info(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return Info{}, ErrContainerNotFound
	}
	return c.snapshot(), nil
}

// List returns snapshots of all containers without touching last-used times.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.containers))
	for _, c := range m.containers {
		infos = append(infos, c.snapshot())
	}
	return infos
}

// Destroy removes a container record and its execution records, then kills
// the runtime container. The record is gone before the runtime call so a
// destroyed id can never be resolved again, even if the kill fails.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return ErrContainerNotFound
	}
	delete(m.containers, id)
	c.Status = StatusDestroyed
	for execID, exec := range m.executions {
		if exec.ContainerID == id {
			delete(m.executions, execID)
		}
	}
	m.mu.Unlock()

	if err := m.runtime.KillSandbox(ctx, c.dockerID); err != nil {
		return fmt.Errorf("failed to destroy container %s: %w", id, err)
	}

	m.logger.Info("Container destroyed", zap.String("container_id", id))
	return nil
}

// InitFirewall runs the firewall init script inside a container. Counts as
// container activity.
func (m *Manager) InitFirewall(ctx context.Context, id string, allowedDomains []string) error {
	m.mu.Lock()
	c, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return ErrContainerNotFound
	}
	c.LastUsedAt = time.Now()
	dockerID := c.dockerID
	m.mu.Unlock()

	return m.runtime.InitFirewall(ctx, dockerID, allowedDomains)
}

// RegisterExecution records a new running execution for a container.
func (m *Manager) RegisterExecution(containerID, executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions[executionID] = &Execution{
		ID:          executionID,
		ContainerID: containerID,
		Status:      ExecutionRunning,
		CreatedAt:   time.Now(),
	}
}

// CompleteExecution marks an execution finished. A non-empty errMsg records
// an error outcome.
func (m *Manager) CompleteExecution(executionID, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return
	}
	now := time.Now()
	exec.CompletedAt = &now
	if errMsg != "" {
		exec.Status = ExecutionError
		exec.Error = errMsg
	} else {
		exec.Status = ExecutionCompleted
	}
}

// ExecutionInfo returns a copy of an execution record.
func (m *Manager) ExecutionInfo(executionID string) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	return *exec, nil
}

// cleanupLoop periodically destroys idle containers.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupIdle(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// cleanupIdle destroys containers idle strictly longer than the threshold.
// Candidate ids are collected under the lock; destruction happens outside it
// so a slow runtime call cannot block the registry.
func (m *Manager) cleanupIdle(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var idle []string
	for id, c := range m.containers {
		if now.Sub(c.LastUsedAt) > m.maxIdleTime {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Info("Destroying idle container", zap.String("container_id", id))
		if err := m.Destroy(ctx, id); err != nil && !errors.Is(err, ErrContainerNotFound) {
			m.logger.WithError(err).Error("Failed to destroy idle container",
				zap.String("container_id", id))
		}
	}
}
