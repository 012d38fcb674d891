// Package signals implements the shell's signal discipline: SIGCHLD
// reaping, SIGINT relay to the foreground process group, and SIGTSTP
// suppression in the shell itself.
//
// Go cannot run arbitrary code inside the kernel's actual signal-delivery
// context the way a C sigaction handler can; os/signal.Notify instead
// delivers already-deferred signals on a channel read by an ordinary
// goroutine. Relay is that goroutine, and it is the shell's *only*
// reaper: the executor never calls Wait4 itself, it registers interest
// in a pid and blocks on a channel that Relay fills in once that child's
// status changes. Funneling all reaping through one path removes the
// race between a foreground wait and the SIGCHLD handler entirely,
// rather than narrowing it.
package signals

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/myshell/myshell/internal/jobtable"
	"github.com/myshell/myshell/internal/term"
)

// Event describes a state change for a reaped pid, exactly the
// information a foreground waiter needs to compute the pipeline's exit
// status.
type Event struct {
	Pid      int
	Exited   bool
	ExitCode int
	Signaled bool
	Signal   unix.Signal
	Stopped  bool
}

// foregroundWait is the single outstanding foreground wait, if any.
type foregroundWait struct {
	targetPid int
	result    chan Event
}

// Relay owns SIGCHLD/SIGINT/SIGTSTP for the shell process.
type Relay struct {
	jobs      *jobtable.Table
	termFD    int
	shellPgid int
	log       *logrus.Entry

	// Notice is invoked with a user-facing line (e.g. "[1]+ Stopped cat")
	// whenever the relay marks a job Stopped on its own, outside of any
	// foreground wait. Jobs the relay marks Done are not announced.
	// Nil-safe.
	Notice func(line string)

	mu       sync.Mutex
	children map[int]int // pid -> pgid, for children not yet reaped
	wait     *foregroundWait
	expect   map[int]bool  // pids a foreground waiter is (about to be) interested in
	pending  map[int]Event // events for expected pids that arrived before the wait was installed

	sigCh chan os.Signal
	done  chan struct{}
}

// New constructs a Relay. Call Start to begin processing signals.
func New(jobs *jobtable.Table, termFD, shellPgid int, log *logrus.Entry) *Relay {
	return &Relay{
		jobs:      jobs,
		termFD:    termFD,
		shellPgid: shellPgid,
		log:       log,
		children:  make(map[int]int),
		expect:    make(map[int]bool),
		pending:   make(map[int]Event),
		done:      make(chan struct{}),
	}
}

// Start installs the signal handlers (SA_RESTART/SA_NOCLDSTOP have no Go
// equivalent; os/signal's channel delivery already coalesces and never
// interrupts a blocking syscall the way a bare C handler would) and begins
// the relay goroutine.
func (r *Relay) Start() {
	r.sigCh = make(chan os.Signal, 64)
	signal.Notify(r.sigCh, unix.SIGCHLD, unix.SIGINT)
	signal.Ignore(unix.SIGTSTP)

	go r.loop()
}

// Stop tears down the relay and stops listening for signals.
func (r *Relay) Stop() {
	signal.Stop(r.sigCh)
	close(r.done)
}

// TrackChild records a freshly-forked child so the relay can attribute a
// later SIGCHLD to the right process group once the kernel pid is gone.
func (r *Relay) TrackChild(pid, pgid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[pid] = pgid
}

// ExpectForeground marks targetPid as about to be waited on. Callers must
// invoke it immediately after the child is started, before transferring
// the terminal: a fast child can exit (and be reaped by the relay) before
// WaitForeground runs, and without the expectation the relay would have
// nowhere to park the event and the waiter would block forever.
func (r *Relay) ExpectForeground(targetPid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expect[targetPid] = true
}

// CancelForeground withdraws an expectation registered by ExpectForeground
// when the wait is no longer going to happen. It returns any event that
// already arrived for targetPid so the caller can apply it to the job
// table itself.
func (r *Relay) CancelForeground(targetPid int) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.expect, targetPid)
	ev, ok := r.pending[targetPid]
	delete(r.pending, targetPid)
	return ev, ok
}

// WaitForeground blocks until targetPid (the last command of a foreground
// pipeline) exits or stops, and returns the corresponding Event. Only one
// foreground wait may be outstanding at a time, matching the shell's
// single-threaded execution model.
func (r *Relay) WaitForeground(targetPid int) Event {
	result := make(chan Event, 1)

	r.mu.Lock()
	if ev, ok := r.pending[targetPid]; ok {
		delete(r.pending, targetPid)
		delete(r.expect, targetPid)
		r.mu.Unlock()
		return ev
	}
	r.expect[targetPid] = true
	r.wait = &foregroundWait{targetPid: targetPid, result: result}
	r.mu.Unlock()

	ev := <-result

	r.mu.Lock()
	r.wait = nil
	delete(r.expect, targetPid)
	r.mu.Unlock()

	return ev
}

func (r *Relay) loop() {
	for {
		select {
		case <-r.done:
			return
		case sig := <-r.sigCh:
			switch sig {
			case unix.SIGCHLD:
				r.reapAll()
			case unix.SIGINT:
				r.relaySigint()
			}
		}
	}
}

func (r *Relay) reapAll() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG|unix.WUNTRACED, nil)
		if pid <= 0 || err != nil {
			return
		}

		r.log.WithField("pid", pid).WithField("status", status).Debug("reaped child")
		r.handleStatus(pid, status)
	}
}

func (r *Relay) handleStatus(pid int, status unix.WaitStatus) {
	ev := Event{Pid: pid}
	switch {
	case status.Stopped():
		ev.Stopped = true
	case status.Signaled():
		ev.Signaled = true
		ev.Signal = status.Signal()
	default:
		ev.Exited = true
		ev.ExitCode = status.ExitStatus()
	}

	r.mu.Lock()
	pgid, known := r.children[pid]
	if !ev.Stopped {
		delete(r.children, pid)
	}

	if r.wait != nil && pid == r.wait.targetPid {
		wait := r.wait
		r.mu.Unlock()
		wait.result <- ev
		return
	}
	if r.expect[pid] {
		// The waiter registered interest but has not blocked yet; park
		// the event so WaitForeground finds it.
		r.pending[pid] = ev
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !known {
		return
	}

	switch {
	case ev.Stopped:
		if err := r.jobs.UpdateStatusByPgid(pgid, jobtable.Stopped); err == nil {
			job, _ := r.jobs.LookupByPgid(pgid)
			r.announce(fmt.Sprintf("[%d]+ Stopped %s", job.ID, job.Command))
		}
	default:
		_ = r.jobs.UpdateStatusByPgid(pgid, jobtable.Done)
	}
}

func (r *Relay) relaySigint() {
	fg, err := term.Foreground(r.termFD)
	if err != nil || fg == r.shellPgid {
		return
	}
	_ = unix.Kill(-fg, unix.SIGINT)
}

func (r *Relay) announce(line string) {
	if r.Notice != nil {
		r.Notice(line)
	}
}
