package execution

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func TestCommandRun_StdoutAndStderr(t *testing.T) {
	var out lineCollector
	stderr, err := shell("echo error >&2; echo one; echo two").Run(context.Background(), nil, nil, out.add)

	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, out.lines)
	assert.Contains(t, stderr, "error")
}

func TestCommandRun_Stdin(t *testing.T) {
	var out lineCollector
	_, err := shell("cat").Run(context.Background(), []byte("hello\nworld\n"), nil, out.add)

	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, out.lines)
}

func TestCommandRun_LargeOutputDoesNotDeadlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count := 0
	script := `i=0; while [ $i -lt 20000 ]; do echo "line-$i with some padding to fill the pipe"; echo err-$i >&2; i=$((i+1)); done`
	_, err := shell(script).Run(ctx, nil, nil, func(string) { count++ })

	require.NoError(t, err)
	assert.Equal(t, 20000, count)
}

func TestCommandRun_NonZeroExit(t *testing.T) {
	var out lineCollector
	_, err := shell("echo partial; echo broken >&2; exit 3").Run(context.Background(), nil, nil, out.add)

	require.Error(t, err)
	assert.Equal(t, []string{"partial"}, out.lines)
	assert.Contains(t, err.Error(), "broken")

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "error %T should wrap *exec.ExitError", err)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestCommandRun_CancellationKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// The child sleep holds stdout open; only a group kill lets Run return.
	_, err := shell("sleep 30 & sleep 30; wait").Run(ctx, nil, nil, func(string) {})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandRun_Timeout(t *testing.T) {
	cmd := shell("sleep 30")
	cmd.Timeout = 100 * time.Millisecond

	_, err := cmd.Run(context.Background(), nil, nil, func(string) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandRun_NoCommand(t *testing.T) {
	_, err := Command{}.Run(context.Background(), nil, nil, func(string) {})
	assert.Error(t, err)
}

func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 300")
	require.NoError(t, cmd.Start())

	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())

	require.NoError(t, pm.KillAll())

	err := cmd.Wait()
	require.Error(t, err)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		require.True(t, ok)
		assert.True(t, status.Signaled(), "process should have been signaled")
	}

	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}

func TestProcessManager_TracksRunningCommands(t *testing.T) {
	pm := NewProcessManager()
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := shell("echo up; sleep 30").Run(context.Background(), nil, pm, func(line string) {
			if strings.TrimSpace(line) == "up" {
				close(started)
			}
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("command never started")
	}
	assert.Equal(t, 1, pm.Count())

	require.NoError(t, pm.KillAll())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("command survived KillAll")
	}
	assert.Equal(t, 0, pm.Count())
}
