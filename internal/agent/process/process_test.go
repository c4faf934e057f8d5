package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/pkg/schema"
)

// shellBuilder fakes a server process with /bin/sh so lifecycle behavior can
// be exercised without a real installation.
func shellBuilder(script string, handler StdoutHandler) *Builder {
	if handler == nil {
		handler = func(string) {}
	}
	return &Builder{
		exe:           "/bin/sh",
		args:          []string{"-c", script},
		stdoutHandler: handler,
	}
}

func TestSingleInstanceInvariant(t *testing.T) {
	s := NewSupervisor(logger.Default())

	require.NoError(t, s.Start(shellBuilder("sleep 30", nil)))
	defer s.Stop()

	err := s.Start(shellBuilder("sleep 30", nil))
	assert.ErrorIs(t, err, ErrProcessAlreadyRunning)

	_, err = s.StartShortLived(shellBuilder("true", nil))
	assert.ErrorIs(t, err, ErrProcessAlreadyRunning)
}

func TestStopDeliversSigterm(t *testing.T) {
	s := NewSupervisor(logger.Default())

	require.NoError(t, s.Start(shellBuilder(`trap "exit 0" TERM; while true; do sleep 0.05; done`, nil)))
	require.Eventually(t, s.Running, 2*time.Second, 10*time.Millisecond)

	stopped, err := s.Stop()
	require.NoError(t, err)
	require.NotNil(t, stopped)
	assert.True(t, stopped.Success())
	assert.False(t, s.Running())
}

func TestStopHoldsSlotAgainstConcurrentStart(t *testing.T) {
	s := NewSupervisor(logger.Default())

	// The child takes 500 ms to save and exit after SIGTERM.
	require.NoError(t, s.Start(shellBuilder(
		`trap 'sleep 0.5; exit 0' TERM; while true; do sleep 0.05; done`, nil)))
	require.Eventually(t, s.Running, 2*time.Second, 10*time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		stopped, err := s.Stop()
		assert.NoError(t, err)
		assert.NotNil(t, stopped)
	}()

	// Give the stop goroutine time to take the lifecycle mutex, then try to
	// start a replacement while the first child is still exiting.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Start(shellBuilder("sleep 30", nil)))

	// Start may only have returned after the stop fully completed; anything
	// else means two live instances overlapped.
	select {
	case <-stopDone:
	default:
		t.Fatal("replacement instance started while the previous one was still stopping")
	}

	_, err := s.Stop()
	require.NoError(t, err)
}

func TestStopWithNothingRunning(t *testing.T) {
	s := NewSupervisor(logger.Default())
	stopped, err := s.Stop()
	assert.NoError(t, err)
	assert.Nil(t, stopped)
}

func TestPrematureExitReapedByStatus(t *testing.T) {
	s := NewSupervisor(logger.Default())

	require.NoError(t, s.Start(shellBuilder("exit 7", nil)))

	assert.Eventually(t, func() bool {
		return !s.Status().Running
	}, 2*time.Second, 10*time.Millisecond)

	// Slot is free again after the reap.
	require.NoError(t, s.Start(shellBuilder("sleep 30", nil)))
	_, err := s.Stop()
	require.NoError(t, err)
}

func TestStdoutDrivesStateAndPlayerCount(t *testing.T) {
	s := NewSupervisor(logger.Default())

	lines := make(chan string, 16)
	script := `
echo 'x changing state from(Ready) to(InGame)'
echo '2026-01-02 03:04:05 [JOIN] alice: joined the game'
echo '2026-01-02 03:04:06 [JOIN] bob: joined the game'
echo '2026-01-02 03:04:07 [LEAVE] alice left the game'
sleep 30`
	require.NoError(t, s.Start(shellBuilder(script, func(l string) { lines <- l })))
	defer s.Stop()

	for i := 0; i < 4; i++ {
		select {
		case <-lines:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stdout lines")
		}
	}

	assert.Eventually(t, func() bool {
		st := s.Status()
		return st.Running && st.ServerState == schema.StateInGame && st.PlayerCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShortLived(t *testing.T) {
	s := NewSupervisor(logger.Default())

	stopped, err := s.StartShortLived(shellBuilder("echo creating; true", nil))
	require.NoError(t, err)
	assert.True(t, stopped.Success())

	stopped, err = s.StartShortLived(shellBuilder("exit 3", nil))
	require.Error(t, err)
	require.NotNil(t, stopped)
	assert.Equal(t, 3, stopped.ExitCode)
}

func TestSendRconWithoutInstance(t *testing.T) {
	s := NewSupervisor(logger.Default())
	_, err := s.SendRcon("/players online")
	assert.ErrorIs(t, err, ErrNotRunning)
}
