// Command myshell is an interactive POSIX-like shell: no command-line
// arguments, an interactive session read from stdin.
//
// The one exception is internal: a pipeline stage naming a builtin is
// launched as `myshell -builtin-exec NAME args...` by internal/executor
// so that shell-state-mutating builtins (cd, export, exit) inside a pipe
// affect only that subprocess, never the parent shell.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/myshell/myshell/internal/builtins"
	"github.com/myshell/myshell/internal/config"
	"github.com/myshell/myshell/internal/executor"
	"github.com/myshell/myshell/internal/history"
	"github.com/myshell/myshell/internal/jobtable"
	"github.com/myshell/myshell/internal/lexer"
	"github.com/myshell/myshell/internal/logging"
	"github.com/myshell/myshell/internal/shell"
	"github.com/myshell/myshell/internal/signals"
	"github.com/myshell/myshell/internal/term"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == executor.BuiltinExecFlag {
		os.Exit(runBuiltinExec(os.Args[2:]))
	}
	os.Exit(run())
}

// runBuiltinExec handles the internal re-exec sentinel: a single builtin
// call in a fresh process, standing in for a forked pipeline stage.
func runBuiltinExec(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "myshell: -builtin-exec requires a builtin name")
		return 1
	}

	env := &builtins.Env{
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Jobs:    jobtable.New(1),
		History: history.New(1),
	}

	if err := builtins.Execute(args[0], args[1:], env); err != nil {
		var exitErr *builtins.ErrExit
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "myshell: config:", err)
		cfg = config.Defaults()
	}

	log := logging.New(cfg.Debug, logDir())

	termFD := int(os.Stdin.Fd())
	if err := unix.Setpgid(0, 0); err != nil {
		log.WithError(err).Debug("setpgid at startup failed")
	}
	shellPgid, err := unix.Getpgid(0)
	if err != nil {
		shellPgid = os.Getpid()
	}
	if err := term.SetForeground(termFD, shellPgid); err != nil {
		log.WithError(err).Debug("initial terminal transfer failed")
	}

	jobs := jobtable.New(cfg.JobTableCapacity)
	jobs.OnChange = func(j jobtable.Job) {
		log.WithField("job_id", j.ID).WithField("status", j.Status).Debug("job changed")
	}
	hist := history.New(cfg.HistoryCapacity)

	relay := signals.New(jobs, termFD, shellPgid, log)
	relay.Notice = func(line string) { fmt.Fprintln(os.Stdout, line) }
	relay.Start()
	defer relay.Stop()

	selfPath, err := os.Executable()
	if err != nil {
		selfPath = os.Args[0]
	}

	builtinEnv := &builtins.Env{
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Jobs:      jobs,
		History:   hist,
		Relay:     relay,
		TermFD:    termFD,
		ShellPgid: shellPgid,
	}

	exec := executor.New(jobs, relay, termFD, shellPgid, log, builtinEnv, selfPath)
	sh := shell.New(cfg.Prompt, os.Stdin, os.Stdout, os.Stderr, lexer.New(), jobs, hist, exec, log)

	return sh.Run()
}

func logDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "myshell")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, ".local", "state", "myshell")
}
