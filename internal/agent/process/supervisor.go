package process

import (
	"errors"
	"fmt"
	"sync"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/pkg/schema"
)

// ErrProcessAlreadyRunning rejects a second concurrent instance.
var ErrProcessAlreadyRunning = errors.New("ProcessAlreadyRunning")

// ErrNotRunning indicates an operation that needs a live instance.
var ErrNotRunning = errors.New("server not running")

// Supervisor holds the at-most-one live Instance. Every lifecycle transition
// holds its mutex for the full duration, including the blocking stop/wait
// paths, so the slot can never be reclaimed while a child is still saving
// and exiting.
type Supervisor struct {
	logger *logger.Logger

	mu   sync.Mutex
	inst *Instance
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{logger: log}
}

// Start spawns a long-running instance from the builder. Fails with
// ErrProcessAlreadyRunning while an instance exists.
func (s *Supervisor) Start(b *Builder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst != nil && !s.inst.Exited() {
		return ErrProcessAlreadyRunning
	}
	if s.inst != nil {
		// Unobserved exit; reap before replacing.
		s.logger.Warn("Previous server process exited prematurely, reaping")
		_, _ = s.inst.wait()
		s.inst = nil
	}

	inst, err := start(b, s.logger)
	if err != nil {
		return err
	}
	s.inst = inst
	return nil
}

// Stop gracefully stops the current instance via SIGTERM. Returns (nil, nil)
// when nothing is running. The mutex stays held until the child has exited
// and its readers drained, so a concurrent Start cannot slip in between
// signal and exit.
func (s *Supervisor) Stop() (*Stopped, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.inst
	if inst == nil {
		return nil, nil
	}
	s.inst = nil
	return inst.stop()
}

// Wait blocks until the current instance exits on its own, holding the mutex
// throughout.
func (s *Supervisor) Wait() (*Stopped, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.inst
	if inst == nil {
		return nil, ErrNotRunning
	}
	s.inst = nil
	return inst.wait()
}

// StartShortLived runs a one-shot invocation (savefile creation) to
// completion. It holds the lifecycle mutex throughout so no long-running
// instance can start concurrently.
func (s *Supervisor) StartShortLived(b *Builder) (*Stopped, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst != nil && !s.inst.Exited() {
		return nil, ErrProcessAlreadyRunning
	}

	inst, err := start(b, s.logger)
	if err != nil {
		return nil, err
	}
	stopped, err := inst.wait()
	if err != nil {
		return nil, err
	}
	if !stopped.Success() {
		return stopped, fmt.Errorf("short-lived server process exited with code %d", stopped.ExitCode)
	}
	return stopped, nil
}

// Status polls the instance, reaping a premature exit, and reports the live
// snapshot.
func (s *Supervisor) Status() schema.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst == nil {
		return schema.ServerStatus{Running: false}
	}
	if s.inst.Exited() {
		s.logger.Warn("Server process exited prematurely, reaping")
		_, _ = s.inst.wait()
		s.inst = nil
		return schema.ServerStatus{Running: false}
	}
	return schema.ServerStatus{
		Running:     true,
		PlayerCount: s.inst.PlayerCount(),
		ServerState: s.inst.ServerState(),
	}
}

// SendRcon forwards a command to the running instance's RCON channel.
func (s *Supervisor) SendRcon(cmd string) (string, error) {
	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()

	if inst == nil || inst.Exited() {
		return "", ErrNotRunning
	}
	return inst.SendRcon(cmd)
}

// Running reports whether a live instance exists.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inst != nil && !s.inst.Exited()
}
