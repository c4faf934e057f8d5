package process

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/agent/rcon"
	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/pkg/schema"
	"github.com/factoriod/factoriod/pkg/serverlog"
)

// Instance is one live server child process. It is created only through the
// Supervisor, which guarantees at most one exists.
type Instance struct {
	cmd    *exec.Cmd
	logger *logger.Logger

	snapshot Snapshot

	// serverState is driven exclusively by stdout state-change lines.
	stateMu     sync.RWMutex
	serverState schema.ServerState

	playerCount atomic.Int64

	rconMu     sync.RWMutex
	rconClient *rcon.Client

	// exit bookkeeping; doneCh closes after cmd.Wait returns.
	doneCh   chan struct{}
	exitCode atomic.Int32

	readers sync.WaitGroup
}

// start spawns the child with piped stdio and launches the reader tasks.
func start(b *Builder, log *logger.Logger) (*Instance, error) {
	cmd := b.command()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capturing stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("capturing stderr pipe: %w", err)
	}
	if _, err := cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("capturing stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning server process: %w", err)
	}

	inst := &Instance{
		cmd:         cmd,
		logger:      log.WithFields(zap.Int("pid", cmd.Process.Pid)),
		snapshot:    b.snapshot,
		serverState: schema.StateReady,
		doneCh:      make(chan struct{}),
	}
	inst.exitCode.Store(-1)
	inst.logger.Info("Server process started")

	inst.readers.Add(2)
	go inst.readStdout(stdout, b.stdoutHandler)
	go inst.readStderr(stderr)
	go inst.waitForExit()

	return inst, nil
}

// readStdout consumes stdout line by line: it maintains ServerState and the
// player counter, attaches RCON when the server advertises it, and then
// hands the line to the configured handler.
func (i *Instance) readStdout(r io.Reader, handler StdoutHandler) {
	defer i.readers.Done()

	rconInitialised := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		switch entry := serverlog.Classify(line); entry.Category {
		case serverlog.CategoryServerState:
			i.logger.Info("Server changing internal state",
				zap.String("from", string(entry.From)), zap.String("to", string(entry.To)))
			i.stateMu.Lock()
			i.serverState = entry.To
			i.stateMu.Unlock()
		case serverlog.CategoryJoin:
			i.playerCount.Add(1)
		case serverlog.CategoryLeave:
			i.playerCount.Add(-1)
		}

		if !rconInitialised {
			if port, ok := serverlog.ParseRconReady(line); ok {
				i.attachRcon(port)
				rconInitialised = true
			}
		}

		handler(line)
	}
	if err := scanner.Err(); err != nil {
		i.logger.Warn("Stdout reader terminated", zap.Error(err))
	}
}

func (i *Instance) readStderr(r io.Reader) {
	defer i.readers.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		i.logger.Error("Server stderr", zap.String("line", scanner.Text()))
	}
}

// attachRcon dials the RCON port the server just advertised. The configured
// bind is only consulted to warn on a mismatch.
func (i *Instance) attachRcon(port uint16) {
	configured := i.snapshot.Launch.RconBind
	if _, cfgPort, err := net.SplitHostPort(configured); err == nil {
		if cfgPort != fmt.Sprint(port) {
			i.logger.Warn("RCON port differs from configured bind",
				zap.String("configured", cfgPort), zap.Uint16("actual", port))
		}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	client, err := rcon.Connect(addr, i.snapshot.Launch.RconPassword)
	if err != nil {
		i.logger.Error("Failed to attach RCON", zap.String("addr", addr), zap.Error(err))
		return
	}

	i.rconMu.Lock()
	i.rconClient = client
	i.rconMu.Unlock()
	i.logger.Info("RCON attached", zap.String("addr", addr))
}

func (i *Instance) waitForExit() {
	err := i.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			i.exitCode.Store(int32(exitErr.ExitCode()))
		}
		i.logger.Info("Server process exited with error", zap.Error(err))
	} else {
		i.exitCode.Store(0)
		i.logger.Info("Server process exited")
	}

	i.rconMu.Lock()
	if i.rconClient != nil {
		_ = i.rconClient.Close()
		i.rconClient = nil
	}
	i.rconMu.Unlock()

	close(i.doneCh)
}

// Exited reports whether the child has exited, without blocking.
func (i *Instance) Exited() bool {
	select {
	case <-i.doneCh:
		return true
	default:
		return false
	}
}

// ServerState returns the current stdout-derived state.
func (i *Instance) ServerState() schema.ServerState {
	i.stateMu.RLock()
	defer i.stateMu.RUnlock()
	return i.serverState
}

// PlayerCount returns the current join/leave-derived player count.
func (i *Instance) PlayerCount() uint32 {
	n := i.playerCount.Load()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// SendRcon forwards a command over the attached RCON connection.
func (i *Instance) SendRcon(cmd string) (string, error) {
	i.rconMu.RLock()
	client := i.rconClient
	i.rconMu.RUnlock()
	if client == nil {
		return "", rcon.ErrNotConnected
	}
	return client.Send(cmd)
}

// stop delivers SIGTERM and waits for the child to save and exit. A child
// that already exited is just reaped.
func (i *Instance) stop() (*Stopped, error) {
	if !i.Exited() {
		pid := i.cmd.Process.Pid
		if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			i.logger.Error("Failed to deliver SIGTERM", zap.Int("pid", pid), zap.Error(err))
			return nil, fmt.Errorf("signalling pid %d: %w", pid, err)
		}
	} else {
		i.logger.Warn("Stop requested but server process already exited")
	}
	return i.wait()
}

// wait blocks until the child exits and the readers drain.
func (i *Instance) wait() (*Stopped, error) {
	<-i.doneCh
	i.readers.Wait()
	return &Stopped{
		ExitCode: int(i.exitCode.Load()),
		Snapshot: i.snapshot,
	}, nil
}

// Stopped is what remains of an instance after exit: the status and the
// captured configuration needed for a restart.
type Stopped struct {
	ExitCode int
	Snapshot Snapshot
}

// Success reports a clean exit.
func (s *Stopped) Success() bool { return s.ExitCode == 0 }
