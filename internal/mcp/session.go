package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gradion-ai/ipybox/internal/common/logger"
)

// State is the lifecycle state of an MCP session.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateError        State = "error"
)

var (
	// ErrInvalidState is returned when a session is used outside the active
	// state.
	ErrInvalidState = errors.New("session is not active")
	// ErrReceiveTimeout is returned when the MCP server does not produce a
	// frame within the receive timeout.
	ErrReceiveTimeout = errors.New("timed out waiting for MCP server response")
)

const (
	// maxLineBytes bounds a single stdout line from the MCP server.
	maxLineBytes = 1024 * 1024
	// stopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	stopGracePeriod = 2 * time.Second
	// queueSize is the depth of the inbound and outbound frame queues.
	queueSize = 64
)

// SessionConfig holds the parameters for launching an MCP server process.
type SessionConfig struct {
	ContainerID string
	ServerName  string
	Command     string
	Args        []string
	Env         map[string]string
}

// Session owns one stdio MCP server subprocess. Frames go out over stdin
// (one JSON object per line) and come back over stdout; stderr is drained to
// the debug log.
type Session struct {
	ID          string
	ContainerID string
	ServerName  string

	config SessionConfig
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	tasks  *errgroup.Group
	waitCh chan error

	inbound  chan []byte
	outbound chan []byte
	done     chan struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	initialized  bool

	// handleMu serialises proxy request handling so concurrent requests on
	// one session cannot interleave correlator reads.
	handleMu sync.Mutex
}

// NewSession creates a session in the initializing state.
func NewSession(id string, cfg SessionConfig, log *logger.Logger) *Session {
	return &Session{
		ID:          id,
		ContainerID: cfg.ContainerID,
		ServerName:  cfg.ServerName,
		config:      cfg,
		logger: log.WithSessionID(id).WithFields(
			zap.String("component", "mcp-session"),
			zap.String("server_name", cfg.ServerName),
		),
		waitCh:       make(chan error, 1),
		inbound:      make(chan []byte, queueSize),
		outbound:     make(chan []byte, queueSize),
		done:         make(chan struct{}),
		state:        StateInitializing,
		lastActivity: time.Now(),
	}
}

// Start launches the MCP server process and its I/O pump goroutines,
// transitioning the session to active. A spawn failure transitions to error.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitializing {
		return fmt.Errorf("cannot start session in state %s", s.state)
	}

	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.state = StateError
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.state = StateError
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.state = StateError
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.state = StateError
		return fmt.Errorf("failed to start MCP server process: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin

	g := &errgroup.Group{}
	g.Go(func() error {
		// Stdout EOF means the child is gone; outside of Stop that is a
		// crash.
		err := s.readStdout(stdout)
		s.markExited()
		return err
	})
	g.Go(func() error { return s.drainStderr(stderr) })
	g.Go(func() error { return s.writeStdin() })
	s.tasks = g

	// Reap the process only after the pump goroutines are done; Wait closes
	// the pipes they read from.
	go func() {
		_ = g.Wait()
		s.waitCh <- cmd.Wait()
	}()

	s.state = StateActive
	s.lastActivity = time.Now()
	s.logger.Info("MCP session started",
		zap.String("command", s.config.Command),
		zap.Strings("args", s.config.Args),
		zap.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// readStdout forwards non-blank stdout lines to the inbound queue.
func (s *Session) readStdout(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		select {
		case s.inbound <- data:
		case <-s.done:
			return nil
		}
	}
	return scanner.Err()
}

// drainStderr logs MCP server diagnostics without letting the pipe fill up.
func (s *Session) drainStderr(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.logger.Debug("MCP server stderr", zap.String("line", scanner.Text()))
	}
	return scanner.Err()
}

// writeStdin drains the outbound queue into the process, one frame per line.
func (s *Session) writeStdin() error {
	defer func() {
		if err := s.stdin.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close stdin pipe")
		}
	}()
	for {
		select {
		case msg := <-s.outbound:
			if _, err := s.stdin.Write(append(msg, '\n')); err != nil {
				return err
			}
		case <-s.done:
			return nil
		}
	}
}

// Send queues a frame for the MCP server. Counts as session activity.
func (s *Session) Send(frame Frame) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrInvalidState
	}
}

// Receive returns the next frame from the MCP server, waiting up to timeout.
// Counts as session activity.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (Frame, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, ErrInvalidState
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line := <-s.inbound:
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("invalid JSON from MCP server: %w", err)
		}
		s.Touch()
		return frame, nil
	case <-timer.C:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrInvalidState
	}
}

// Stop terminates the MCP server process: SIGTERM, a grace period, then
// SIGKILL. Idempotent; closed is terminal.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return nil
	}
	hasProcess := s.cmd != nil && s.cmd.Process != nil
	s.state = StateClosing
	s.mu.Unlock()

	if hasProcess {
		close(s.done)
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.WithError(err).Debug("Failed to signal MCP server process")
		}
		select {
		case <-s.waitCh:
		case <-time.After(stopGracePeriod):
			s.logger.Warn("MCP server did not exit, killing")
			if err := s.cmd.Process.Kill(); err != nil {
				s.logger.WithError(err).Debug("Failed to kill MCP server process")
			}
			<-s.waitCh
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info("MCP session stopped")
	return nil
}

// markExited flips an active session to error when the MCP server process
// goes away outside of Stop.
func (s *Session) markExited() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()
	s.logger.Warn("MCP server process exited unexpectedly")
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IsIdle reports whether the session has been unused strictly longer than
// the threshold.
func (s *Session) IsIdle(threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > threshold
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkInitialized records that the MCP initialize handshake was forwarded.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether the initialize handshake was forwarded.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}
