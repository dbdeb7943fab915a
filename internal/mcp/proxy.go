package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gradion-ai/ipybox/internal/common/logger"
	"github.com/gradion-ai/ipybox/internal/container/manager"
)

const (
	// defaultCommand launches stdio MCP servers when a request names none.
	defaultCommand = "uvx"

	// receiveTimeout bounds each wait for a frame from the MCP server.
	receiveTimeout = 30 * time.Second
)

func defaultArgs(serverName string) []string {
	return []string{"supergateway", "--stdio", "mcp-server-" + serverName}
}

// ContainerGetter resolves container ids and refreshes their idle deadline.
type ContainerGetter interface {
	Get(id string) (manager.Info, error)
}

// Proxy bridges Streamable HTTP requests to stdio MCP sessions. It owns the
// session registry and the session idle reaper.
type Proxy struct {
	containers ContainerGetter
	logger     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	sessionTimeout  time.Duration
	cleanupInterval time.Duration
	receiveTimeout  time.Duration

	// commandFor overrides the launch command per server name; nil uses the
	// default supergateway invocation.
	commandFor func(serverName string) (string, []string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProxy creates an MCP proxy.
func NewProxy(containers ContainerGetter, cleanupInterval, sessionTimeout time.Duration, log *logger.Logger) *Proxy {
	return &Proxy{
		containers:      containers,
		logger:          log.WithFields(zap.String("component", "mcp-proxy")),
		sessions:        make(map[string]*Session),
		sessionTimeout:  sessionTimeout,
		cleanupInterval: cleanupInterval,
		receiveTimeout:  receiveTimeout,
		stopCh:          make(chan struct{}),
	}
}

// Start launches the session idle reaper.
func (p *Proxy) Start() {
	p.wg.Add(1)
	go p.cleanupLoop()
	p.logger.Info("MCP proxy started",
		zap.Duration("cleanup_interval", p.cleanupInterval),
		zap.Duration("session_timeout", p.sessionTimeout),
	)
}

// Stop stops the reaper and terminates all sessions.
func (p *Proxy) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	g := &errgroup.Group{}
	for _, sess := range sessions {
		g.Go(sess.Stop)
	}
	if err := g.Wait(); err != nil {
		p.logger.WithError(err).Warn("Error stopping MCP sessions")
	}
	p.logger.Info("MCP proxy stopped")
}

// GetOrCreateSession reuses an active session matching the requested id,
// container, and server, or starts a fresh one with a minted id. The
// registry lock is not held across the subprocess spawn, so one slow start
// cannot stall unrelated sessions.
func (p *Proxy) GetOrCreateSession(containerID, serverName, sessionID string) (*Session, error) {
	if sessionID != "" {
		p.mu.Lock()
		if sess, ok := p.sessions[sessionID]; ok &&
			sess.ContainerID == containerID &&
			sess.ServerName == serverName &&
			sess.State() == StateActive {
			sess.Touch()
			p.mu.Unlock()
			return sess, nil
		}
		p.mu.Unlock()
	}

	id := "mcp-" + uuid.New().String()
	sess := NewSession(id, p.sessionConfig(containerID, serverName), p.logger)

	if err := sess.Start(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[id] = sess
	p.mu.Unlock()

	p.logger.Info("MCP session created",
		zap.String("session_id", id),
		zap.String("container_id", containerID),
		zap.String("server_name", serverName),
	)
	return sess, nil
}

func (p *Proxy) sessionConfig(containerID, serverName string) SessionConfig {
	cfg := SessionConfig{
		ContainerID: containerID,
		ServerName:  serverName,
		Command:     defaultCommand,
		Args:        defaultArgs(serverName),
	}
	if p.commandFor != nil {
		cfg.Command, cfg.Args = p.commandFor(serverName)
	}
	return cfg
}

// SessionCount returns the number of registered sessions.
func (p *Proxy) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Handle relays request frames through a session, emitting every response
// frame in arrival order. Requests on one session are serialised so the
// correlator never sees interleaved conversations. Errors become synthetic
// JSON-RPC error frames; Handle itself never fails.
func (p *Proxy) Handle(ctx context.Context, sess *Session, requests []Frame, emit func(Frame)) {
	sess.handleMu.Lock()
	defer sess.handleMu.Unlock()

	for _, request := range requests {
		p.relay(ctx, sess, request, emit)
	}
}

// relay forwards one frame and, for requests with an id, emits every frame
// the server produces up to and including the response carrying that id.
// Notifications are fire-and-forget.
func (p *Proxy) relay(ctx context.Context, sess *Session, request Frame, emit func(Frame)) {
	id := RequestID(request)

	if err := sess.Send(request); err != nil {
		emit(InternalErrorFrame(err.Error(), id))
		return
	}
	if method, _ := request["method"].(string); method == "initialize" {
		sess.MarkInitialized()
	}
	if id == nil {
		return
	}

	for {
		frame, err := sess.Receive(ctx, p.receiveTimeout)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				p.logger.Warn("MCP server response timed out",
					zap.String("session_id", sess.ID),
					zap.Any("request_id", id),
				)
				emit(TimeoutFrame(id))
			} else {
				emit(InternalErrorFrame(err.Error(), id))
			}
			return
		}
		emit(frame)
		if respID, ok := frame["id"]; ok && EqualIDs(respID, id) {
			return
		}
	}
}

// cleanupLoop periodically stops idle sessions.
func (p *Proxy) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanupIdle()
		case <-p.stopCh:
			return
		}
	}
}

// cleanupIdle removes idle sessions from the registry under the lock, then
// stops them outside it.
func (p *Proxy) cleanupIdle() {
	p.mu.Lock()
	var idle []*Session
	for id, sess := range p.sessions {
		if sess.IsIdle(p.sessionTimeout) {
			idle = append(idle, sess)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for _, sess := range idle {
		p.logger.Info("Stopping idle MCP session", zap.String("session_id", sess.ID))
		if err := sess.Stop(); err != nil {
			p.logger.WithError(err).Error("Failed to stop idle MCP session",
				zap.String("session_id", sess.ID))
		}
	}
}

func sessionStartDetail(serverName string, err error) string {
	return fmt.Sprintf("Failed to start MCP session for server %s: %v", serverName, err)
}
