package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/myshell/myshell/internal/jobtable"
	"github.com/myshell/myshell/internal/logging"
)

// Wait-status bit layouts below follow the Linux wait(2) encoding, the
// only platform the terminal-ownership ioctls target anyway.
func exitedStatus(code int) unix.WaitStatus { return unix.WaitStatus(code << 8) }

func signaledStatus(sig unix.Signal) unix.WaitStatus { return unix.WaitStatus(sig) }

func stoppedStatus(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(int(sig)<<8 | 0x7f)
}

func newTestRelay(t *testing.T) (*Relay, *jobtable.Table) {
	t.Helper()
	jobs := jobtable.New(16)
	log := logging.New(false, t.TempDir())
	return New(jobs, 0, 1, log), jobs
}

func TestHandleStatus_DeliversToRegisteredWait(t *testing.T) {
	r, _ := newTestRelay(t)
	r.TrackChild(42, 42)

	done := make(chan Event, 1)
	go func() { done <- r.WaitForeground(42) }()

	// Give the waiter time to register before the reap arrives.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.wait != nil
	}, time.Second, time.Millisecond)

	r.handleStatus(42, exitedStatus(3))

	ev := <-done
	assert.True(t, ev.Exited)
	assert.Equal(t, 3, ev.ExitCode)
}

func TestHandleStatus_EarlyExitIsParkedForExpectedPid(t *testing.T) {
	r, _ := newTestRelay(t)
	r.TrackChild(42, 42)
	r.ExpectForeground(42)

	// Reap arrives before WaitForeground blocks: the fast-child race.
	r.handleStatus(42, exitedStatus(0))

	ev := r.WaitForeground(42)
	assert.True(t, ev.Exited)
	assert.Equal(t, 0, ev.ExitCode)
}

func TestHandleStatus_SignaledEvent(t *testing.T) {
	r, _ := newTestRelay(t)
	r.TrackChild(42, 42)
	r.ExpectForeground(42)

	r.handleStatus(42, signaledStatus(unix.SIGINT))

	ev := r.WaitForeground(42)
	assert.True(t, ev.Signaled)
	assert.Equal(t, unix.SIGINT, ev.Signal)
}

func TestHandleStatus_BackgroundExitMarksJobDone(t *testing.T) {
	r, jobs := newTestRelay(t)
	id, err := jobs.Add(100, 100, "sleep 1 &", jobtable.Running)
	require.NoError(t, err)
	r.TrackChild(100, 100)

	r.handleStatus(100, exitedStatus(0))

	job, err := jobs.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, jobtable.Done, job.Status)
}

func TestHandleStatus_BackgroundStopAnnounces(t *testing.T) {
	r, jobs := newTestRelay(t)
	id, err := jobs.Add(100, 100, "cat &", jobtable.Running)
	require.NoError(t, err)
	r.TrackChild(100, 100)

	var notice string
	r.Notice = func(line string) { notice = line }

	r.handleStatus(100, stoppedStatus(unix.SIGTSTP))

	job, err := jobs.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, jobtable.Stopped, job.Status)
	assert.Contains(t, notice, "Stopped")
	assert.Contains(t, notice, "cat &")
}

func TestHandleStatus_UnknownPidIgnored(t *testing.T) {
	r, jobs := newTestRelay(t)
	r.handleStatus(999, exitedStatus(0))
	assert.Empty(t, jobs.ListActive())
}

func TestCancelForeground_ReturnsParkedEvent(t *testing.T) {
	r, _ := newTestRelay(t)
	r.TrackChild(42, 42)
	r.ExpectForeground(42)
	r.handleStatus(42, exitedStatus(7))

	ev, ok := r.CancelForeground(42)
	require.True(t, ok)
	assert.True(t, ev.Exited)
	assert.Equal(t, 7, ev.ExitCode)

	_, ok = r.CancelForeground(42)
	assert.False(t, ok)
}
