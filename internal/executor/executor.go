// Package executor forks processes for a pipeline, wires pipes and
// redirections, assembles process groups, transfers terminal ownership,
// and waits or backgrounds.
//
// os/exec.Cmd is the fork+exec primitive, with SysProcAttr.Setpgid/Pgid
// assembling the pipeline's process group. PATH resolution for every
// external stage of a pipeline runs concurrently via
// golang.org/x/sync/errgroup before any process starts, so a missing
// executable in a later stage is reported without partially launching
// earlier ones. Reaping is never done here — see internal/signals; the
// executor only ever blocks on Relay.WaitForeground.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	goerrors "github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/myshell/myshell/internal/builtins"
	"github.com/myshell/myshell/internal/jobtable"
	"github.com/myshell/myshell/internal/parser"
	"github.com/myshell/myshell/internal/signals"
	"github.com/myshell/myshell/internal/term"
)

// wrapResourceError wraps a fork/pipe-failure error with a stack trace
// for the debug log; the interactive user never sees the trace, only the
// plain message the caller prints separately.
func wrapResourceError(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 1)
}

// BuiltinExecFlag is the sentinel argument cmd/myshell recognizes to
// re-exec itself as a single builtin invocation. A pipeline stage naming
// a builtin is launched as `self -builtin-exec NAME args...` instead of
// running in the shell's own process, so a builtin that mutates shell
// state inside a pipeline affects only that subprocess.
const BuiltinExecFlag = "-builtin-exec"

// Executor runs parsed pipelines.
type Executor struct {
	Jobs       *jobtable.Table
	Relay      *signals.Relay
	TermFD     int
	ShellPgid  int
	Log        *logrus.Entry
	BuiltinEnv *builtins.Env
	SelfPath   string
}

// New constructs an Executor.
func New(jobs *jobtable.Table, relay *signals.Relay, termFD, shellPgid int, log *logrus.Entry, builtinEnv *builtins.Env, selfPath string) *Executor {
	return &Executor{
		Jobs:       jobs,
		Relay:      relay,
		TermFD:     termFD,
		ShellPgid:  shellPgid,
		Log:        log,
		BuiltinEnv: builtinEnv,
		SelfPath:   selfPath,
	}
}

// Execute runs pipeline, returning its exit status (last command's exit
// code, 128+signum on signal death, 0 for a stopped or backgrounded
// pipeline), or -1 on resource exhaustion (fork/pipe failure).
// ErrExit surfaces (via errors.As) when a non-piped, non-backgrounded
// `exit` builtin asked the shell to terminate.
func (e *Executor) Execute(pipeline *parser.Pipeline, rawLine string) (int, error) {
	if len(pipeline.Commands) == 1 {
		cmd := pipeline.Commands[0]
		background := pipeline.Background || cmd.Background
		if !background && builtins.IsBuiltin(cmd.Args[0]) {
			return e.runBuiltinInProcess(cmd)
		}
		return e.runSingleExternal(cmd, background, rawLine)
	}
	return e.runPipeline(pipeline, rawLine)
}

// runBuiltinInProcess runs a single non-piped, non-backgrounded builtin
// in the shell's own process, honoring redirections by swapping the
// shared BuiltinEnv's streams for the duration of the call.
func (e *Executor) runBuiltinInProcess(cmd *parser.Command) (int, error) {
	in, out, cleanup, err := openRedirections(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1, nil
	}
	defer cleanup()

	env := e.BuiltinEnv
	savedIn, savedOut := env.Stdin, env.Stdout
	if in != nil {
		env.Stdin = in
	}
	if out != nil {
		env.Stdout = out
	}
	defer func() {
		env.Stdin = savedIn
		env.Stdout = savedOut
	}()

	if err := builtins.Execute(cmd.Args[0], cmd.Args[1:], env); err != nil {
		var exitErr *builtins.ErrExit
		if errors.As(err, &exitErr) {
			return exitErr.Code, exitErr
		}
		fmt.Fprintln(os.Stderr, err)
		return 1, nil
	}
	return 0, nil
}

// openRedirections opens cmd's redirection targets (if any), returning
// nil for a stream that has none. cleanup always closes whatever was
// opened and must be deferred by the caller.
func openRedirections(cmd *parser.Command) (in, out *os.File, cleanup func(), err error) {
	var opened []*os.File
	cleanup = func() {
		for _, f := range opened {
			f.Close()
		}
	}

	if cmd.Redirection.HasInput {
		f, oerr := os.Open(cmd.Redirection.InputPath)
		if oerr != nil {
			return nil, nil, cleanup, fmt.Errorf("%s: %w", cmd.Redirection.InputPath, oerr)
		}
		opened = append(opened, f)
		in = f
	}

	if cmd.Redirection.HasOutput {
		flags := os.O_CREATE | os.O_WRONLY
		if cmd.Redirection.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, oerr := os.OpenFile(cmd.Redirection.OutputPath, flags, 0o644)
		if oerr != nil {
			return nil, nil, cleanup, fmt.Errorf("%s: %w", cmd.Redirection.OutputPath, oerr)
		}
		opened = append(opened, f)
		out = f
	}

	return in, out, cleanup, nil
}

// runSingleExternal launches a single command as its own process group.
func (e *Executor) runSingleExternal(cmd *parser.Command, background bool, rawLine string) (int, error) {
	var c *exec.Cmd
	if builtins.IsBuiltin(cmd.Args[0]) {
		// A backgrounded builtin still needs its own process; re-exec
		// self the same way a builtin pipeline stage is launched.
		reArgs := append([]string{BuiltinExecFlag, cmd.Args[0]}, cmd.Args[1:]...)
		c = exec.Command(e.SelfPath, reArgs...)
	} else {
		path, err := exec.LookPath(cmd.Args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: command not found\n", cmd.Args[0])
			return 1, nil
		}
		c = &exec.Cmd{Path: path, Args: cmd.Args}
	}

	in, out, cleanup, err := openRedirections(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1, nil
	}
	defer cleanup()

	c.Stdin = resolveStdin(in, background)
	c.Stdout = resolveStdout(out)
	c.Stderr = os.Stderr
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := c.Start(); err != nil {
		wrapped := wrapResourceError(err)
		e.Log.WithError(wrapped).Debug("fork failed")
		return -1, wrapped
	}

	pgid := c.Process.Pid
	e.Relay.TrackChild(c.Process.Pid, pgid)
	if !background {
		e.Relay.ExpectForeground(c.Process.Pid)
	}

	if background {
		id, err := e.Jobs.Add(pgid, c.Process.Pid, rawLine, jobtable.Running)
		if err != nil {
			fmt.Fprintln(os.Stderr, "jobs:", err)
			return 0, nil
		}
		fmt.Fprintf(os.Stdout, "[%d] %d\n", id, pgid)
		return 0, nil
	}

	return e.waitForeground(pgid, c.Process.Pid, rawLine)
}

func resolveStdin(redirected *os.File, background bool) *os.File {
	if redirected != nil {
		return redirected
	}
	if background {
		null, err := os.Open(os.DevNull)
		if err == nil {
			return null
		}
	}
	return os.Stdin
}

func resolveStdout(redirected *os.File) *os.File {
	if redirected != nil {
		return redirected
	}
	return os.Stdout
}

// waitForeground transfers the terminal to pgid, blocks for lastPid's
// status via the signal relay, restores the terminal to the shell, and
// maps the result to an exit status.
func (e *Executor) waitForeground(pgid, lastPid int, rawLine string) (int, error) {
	if err := term.SetForeground(e.TermFD, pgid); err != nil {
		e.Log.WithError(err).Debug("terminal transfer failed")
	}

	ev := e.Relay.WaitForeground(lastPid)

	if err := term.SetForeground(e.TermFD, e.ShellPgid); err != nil {
		e.Log.WithError(err).Debug("terminal restore failed")
	}

	switch {
	case ev.Stopped:
		id, err := e.Jobs.Add(pgid, lastPid, rawLine, jobtable.Stopped)
		if err == nil {
			fmt.Fprintf(os.Stdout, "[%d]+ Stopped %s\n", id, rawLine)
		}
		return 0, nil
	case ev.Signaled:
		return 128 + int(ev.Signal), nil
	default:
		return ev.ExitCode, nil
	}
}

// runPipeline launches an N-way pipeline as a single process group.
func (e *Executor) runPipeline(pipeline *parser.Pipeline, rawLine string) (int, error) {
	n := len(pipeline.Commands)
	background := pipeline.Background

	paths, err := e.resolvePaths(pipeline.Commands)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1, nil
	}

	pipeReaders := make([]*os.File, n-1)
	pipeWriters := make([]*os.File, n-1)
	for i := 0; i < n-1; i++ {
		r, w, perr := os.Pipe()
		if perr != nil {
			closeAll(pipeReaders[:i])
			closeAll(pipeWriters[:i])
			return -1, wrapResourceError(perr)
		}
		pipeReaders[i] = r
		pipeWriters[i] = w
	}

	var openedRedir []*os.File
	defer func() { closeAll(openedRedir) }()

	cmds := make([]*exec.Cmd, n)
	var pgid int

	for i, cmd := range pipeline.Commands {
		c, in, out, cerr := e.buildStageCmd(cmd, i, n, paths[i])
		if cerr != nil {
			// Stages 0..i-1 are already running; without this they
			// would be orphaned outside the job table.
			if pgid != 0 {
				_ = unix.Kill(-pgid, unix.SIGTERM)
			}
			closeAll(pipeReaders)
			closeAll(pipeWriters)
			fmt.Fprintln(os.Stderr, cerr)
			return 1, nil
		}
		if in != nil {
			openedRedir = append(openedRedir, in)
		}
		if out != nil {
			openedRedir = append(openedRedir, out)
		}

		if i == 0 {
			c.Stdin = resolveStdin(in, background)
		} else {
			c.Stdin = pipeReaders[i-1]
		}
		if i == n-1 {
			c.Stdout = resolveStdout(out)
		} else {
			c.Stdout = pipeWriters[i]
		}
		c.Stderr = os.Stderr

		if i == 0 {
			c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		} else {
			c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
		}

		if err := c.Start(); err != nil {
			wrapped := wrapResourceError(err)
			e.Log.WithError(wrapped).Debug("fork failed mid-pipeline")
			if pgid != 0 {
				_ = unix.Kill(-pgid, unix.SIGTERM)
			}
			closeAll(pipeReaders)
			closeAll(pipeWriters)
			return -1, wrapped
		}

		if i == 0 {
			pgid = c.Process.Pid
		}
		e.Relay.TrackChild(c.Process.Pid, pgid)
		if i == n-1 && !background {
			e.Relay.ExpectForeground(c.Process.Pid)
		}
		cmds[i] = c
	}

	closeAll(pipeReaders)
	closeAll(pipeWriters)

	lastPid := cmds[n-1].Process.Pid

	if background {
		id, err := e.Jobs.Add(pgid, lastPid, rawLine, jobtable.Running)
		if err != nil {
			fmt.Fprintln(os.Stderr, "jobs:", err)
			return 0, nil
		}
		fmt.Fprintf(os.Stdout, "[%d] %d\n", id, pgid)
		return 0, nil
	}

	return e.waitForeground(pgid, lastPid, rawLine)
}

// resolvePaths resolves every non-builtin stage's executable path
// concurrently, so a missing command anywhere in the pipeline is
// reported before any stage is forked.
func (e *Executor) resolvePaths(commands []*parser.Command) ([]string, error) {
	paths := make([]string, len(commands))
	g, _ := errgroup.WithContext(context.Background())

	for i, cmd := range commands {
		i, cmd := i, cmd
		if builtins.IsBuiltin(cmd.Args[0]) {
			continue
		}
		g.Go(func() error {
			p, err := exec.LookPath(cmd.Args[0])
			if err != nil {
				return fmt.Errorf("%s: command not found", cmd.Args[0])
			}
			paths[i] = p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// buildStageCmd constructs the exec.Cmd for pipeline stage i, re-exec'ing
// self with BuiltinExecFlag when the stage names a builtin so it runs
// isolated from the parent shell's state.
func (e *Executor) buildStageCmd(cmd *parser.Command, i, n int, path string) (*exec.Cmd, *os.File, *os.File, error) {
	var c *exec.Cmd
	if builtins.IsBuiltin(cmd.Args[0]) {
		reArgs := append([]string{BuiltinExecFlag, cmd.Args[0]}, cmd.Args[1:]...)
		c = exec.Command(e.SelfPath, reArgs...)
	} else {
		c = &exec.Cmd{Path: path, Args: cmd.Args}
	}

	var in, out *os.File
	if i == 0 && cmd.Redirection.HasInput {
		f, err := os.Open(cmd.Redirection.InputPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s: %w", cmd.Redirection.InputPath, err)
		}
		in = f
	}
	if i == n-1 && cmd.Redirection.HasOutput {
		flags := os.O_CREATE | os.O_WRONLY
		if cmd.Redirection.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(cmd.Redirection.OutputPath, flags, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s: %w", cmd.Redirection.OutputPath, err)
		}
		out = f
	}

	return c, in, out, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
