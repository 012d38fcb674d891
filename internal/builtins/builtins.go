// Package builtins implements the fixed set of built-in commands: cd,
// pwd, exit, echo, mkdir, rmdir, touch, rm, cat, ls, jobs, fg, bg,
// history, export, unset.
//
// The executor uses IsBuiltin to decide between in-process execution (a
// single non-piped, non-backgrounded command) and child-process
// execution (every other case, including a builtin appearing inside a
// pipeline, which cmd/myshell's re-exec entry point realizes as a true
// subprocess so that pipeline-local built-in state changes never leak
// into the parent shell).
package builtins

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sys/unix"

	"github.com/myshell/myshell/internal/history"
	"github.com/myshell/myshell/internal/jobtable"
	"github.com/myshell/myshell/internal/signals"
	"github.com/myshell/myshell/internal/term"
)

// ErrExit signals that the exit builtin wants the shell to terminate with
// Code.
type ErrExit struct {
	Code int
}

func (e *ErrExit) Error() string { return "exit" }

// Env is the execution context a Func runs with: I/O streams and the
// shell state a builtin may need to read or mutate.
type Env struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Jobs      *jobtable.Table
	History   *history.Ring
	Relay     *signals.Relay
	TermFD    int
	ShellPgid int
}

// Func is the signature every builtin implements.
type Func func(args []string, env *Env) error

var registry = map[string]Func{
	"cd":      cd,
	"pwd":     pwd,
	"exit":    exitBuiltin,
	"echo":    echo,
	"mkdir":   mkdir,
	"rmdir":   rmdir,
	"touch":   touch,
	"rm":      rm,
	"cat":     cat,
	"ls":      ls,
	"jobs":    jobs,
	"fg":      fg,
	"bg":      bg,
	"history": historyBuiltin,
	"export":  export,
	"unset":   unset,
}

// IsBuiltin reports whether name is a recognized built-in command.
func IsBuiltin(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns the recognized built-in command names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// Execute runs the named builtin. Callers must check IsBuiltin first;
// Execute returns an error for an unrecognized name.
func Execute(name string, args []string, env *Env) error {
	fn, ok := registry[name]
	if !ok {
		return fmt.Errorf("%s: not a builtin", name)
	}
	return fn(args, env)
}

func cd(args []string, env *Env) error {
	var target string
	if len(args) == 0 {
		target = os.Getenv("HOME")
		if target == "" {
			return nil
		}
	} else {
		target = args[0]
	}

	if target == "~" {
		if home := os.Getenv("HOME"); home != "" {
			target = home
		}
	} else if strings.HasPrefix(target, "~/") {
		if home := os.Getenv("HOME"); home != "" {
			target = filepath.Join(home, target[2:])
		}
	}

	if err := os.Chdir(target); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(env.Stderr, "cd: %s: No such file or directory\n", target)
		} else if os.IsPermission(err) {
			fmt.Fprintf(env.Stderr, "cd: %s: Permission denied\n", target)
		} else {
			fmt.Fprintf(env.Stderr, "cd: %s: %v\n", target, err)
		}
	}
	return nil
}

func pwd(args []string, env *Env) error {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(env.Stderr, "pwd:", err)
		return nil
	}
	fmt.Fprintln(env.Stdout, dir)
	return nil
}

func exitBuiltin(args []string, env *Env) error {
	code := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err == nil {
			code = n
		}
	}
	return &ErrExit{Code: code}
}

func echo(args []string, env *Env) error {
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	fmt.Fprint(env.Stdout, strings.Join(args, " "))
	if newline {
		fmt.Fprintln(env.Stdout)
	}
	return nil
}

func mkdir(args []string, env *Env) error {
	if len(args) == 0 {
		fmt.Fprintln(env.Stderr, "mkdir: missing operand")
		return nil
	}
	for _, dir := range args {
		if err := os.Mkdir(dir, 0o755); err != nil {
			fmt.Fprintf(env.Stderr, "mkdir: %s: %v\n", dir, err)
		}
	}
	return nil
}

func rmdir(args []string, env *Env) error {
	if len(args) == 0 {
		fmt.Fprintln(env.Stderr, "rmdir: missing operand")
		return nil
	}
	for _, dir := range args {
		if err := os.Remove(dir); err != nil {
			fmt.Fprintf(env.Stderr, "rmdir: %s: %v\n", dir, err)
		}
	}
	return nil
}

func touch(args []string, env *Env) error {
	if len(args) == 0 {
		fmt.Fprintln(env.Stderr, "touch: missing operand")
		return nil
	}
	now := time.Now()
	for _, name := range args {
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(env.Stderr, "touch: %s: %v\n", name, err)
			continue
		}
		_ = os.Chtimes(name, now, now)
		f.Close()
	}
	return nil
}

func rm(args []string, env *Env) error {
	recursive, force := false, false
	var files []string
	for _, a := range args {
		switch a {
		case "-r", "-R":
			recursive = true
		case "-f":
			force = true
		case "-rf", "-fr":
			recursive, force = true, true
		default:
			files = append(files, a)
		}
	}

	if len(files) == 0 {
		fmt.Fprintln(env.Stderr, "rm: missing operand")
		return nil
	}

	for _, f := range files {
		var err error
		if recursive {
			err = os.RemoveAll(f)
		} else {
			err = os.Remove(f)
		}
		if err != nil && !force {
			fmt.Fprintf(env.Stderr, "rm: %s: %v\n", f, err)
		}
	}
	return nil
}

func cat(args []string, env *Env) error {
	if len(args) == 0 {
		_, err := io.Copy(env.Stdout, env.Stdin)
		if err != nil {
			fmt.Fprintln(env.Stderr, "cat:", err)
		}
		return nil
	}

	for _, name := range args {
		f, err := os.Open(name)
		if err != nil {
			fmt.Fprintf(env.Stderr, "cat: %s: %v\n", name, err)
			continue
		}
		_, err = io.Copy(env.Stdout, f)
		f.Close()
		if err != nil {
			fmt.Fprintf(env.Stderr, "cat: %s: %v\n", name, err)
		}
	}
	return nil
}

var dirColor = color.New(color.FgBlue)

func ls(args []string, env *Env) error {
	showAll := false
	var dirs []string
	for _, a := range args {
		if a == "-a" {
			showAll = true
			continue
		}
		dirs = append(dirs, a)
	}
	if len(dirs) == 0 {
		dirs = []string{"."}
	}

	for i, dir := range dirs {
		if len(dirs) > 1 {
			fmt.Fprintf(env.Stdout, "%s:\n", dir)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			fmt.Fprintf(env.Stderr, "ls: %s: %v\n", dir, err)
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if !showAll && strings.HasPrefix(name, ".") {
				continue
			}
			if e.IsDir() {
				dirColor.Fprintln(env.Stdout, name)
			} else {
				fmt.Fprintln(env.Stdout, name)
			}
		}
		if len(dirs) > 1 && i != len(dirs)-1 {
			fmt.Fprintln(env.Stdout)
		}
	}
	return nil
}

func jobs(args []string, env *Env) error {
	active := env.Jobs.ListActive()
	for _, j := range active {
		fmt.Fprintf(env.Stdout, "[%d] %s %s\n", j.ID, j.Status, j.Command)
	}
	if len(active) >= env.Jobs.Cap() {
		fmt.Fprintf(env.Stderr, "jobs: table full (%d entries); new background jobs will be rejected\n", len(active))
	}
	return nil
}

func fg(args []string, env *Env) error {
	if len(args) == 0 {
		fmt.Fprintln(env.Stderr, "fg: usage: fg job_id")
		return nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(env.Stderr, "fg: %s: invalid job id\n", args[0])
		return nil
	}

	job, err := env.Jobs.Lookup(id)
	if err != nil || job.Status == jobtable.Done {
		fmt.Fprintf(env.Stderr, "fg: %d: no such job\n", id)
		return nil
	}

	env.Relay.ExpectForeground(job.LastPid)

	if job.Status == jobtable.Stopped {
		if kerr := continueJob(job.Pgid); kerr != nil {
			if ev, ok := env.Relay.CancelForeground(job.LastPid); ok && !ev.Stopped {
				_ = env.Jobs.UpdateStatus(job.ID, jobtable.Done)
			}
			fmt.Fprintf(env.Stderr, "fg: %v\n", kerr)
			return nil
		}
		_ = env.Jobs.UpdateStatus(job.ID, jobtable.Running)
	}

	// A failed transfer (e.g. no controlling terminal) is not fatal; the
	// wait itself still works.
	_ = term.SetForeground(env.TermFD, job.Pgid)

	ev := env.Relay.WaitForeground(job.LastPid)
	_ = term.SetForeground(env.TermFD, env.ShellPgid)

	switch {
	case ev.Stopped:
		_ = env.Jobs.UpdateStatus(job.ID, jobtable.Stopped)
		fmt.Fprintf(env.Stdout, "[%d]+ Stopped %s\n", job.ID, job.Command)
	default:
		_ = env.Jobs.Remove(job.ID)
	}

	return nil
}

func bg(args []string, env *Env) error {
	if len(args) == 0 {
		fmt.Fprintln(env.Stderr, "bg: usage: bg job_id")
		return nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(env.Stderr, "bg: %s: invalid job id\n", args[0])
		return nil
	}

	job, err := env.Jobs.Lookup(id)
	if err != nil {
		fmt.Fprintf(env.Stderr, "bg: %d: no such job\n", id)
		return nil
	}
	if job.Status != jobtable.Stopped {
		fmt.Fprintf(env.Stderr, "bg: job %d is not stopped\n", id)
		return nil
	}

	if err := continueJob(job.Pgid); err != nil {
		fmt.Fprintf(env.Stderr, "bg: %v\n", err)
		return nil
	}
	_ = env.Jobs.UpdateStatus(job.ID, jobtable.Running)
	fmt.Fprintf(env.Stdout, "[%d]+ %s &\n", job.ID, job.Command)
	return nil
}

func historyBuiltin(args []string, env *Env) error {
	for i, cmd := range env.History.Entries() {
		fmt.Fprintf(env.Stdout, "%5d  %s\n", i+1, cmd)
	}
	return nil
}

func export(args []string, env *Env) error {
	if len(args) == 0 {
		fmt.Fprintln(env.Stderr, "export: usage: export NAME=value")
		return nil
	}
	for _, a := range args {
		if name, value, ok := strings.Cut(a, "="); ok {
			if err := os.Setenv(name, value); err != nil {
				fmt.Fprintf(env.Stderr, "export: %v\n", err)
			}
			continue
		}
		if _, ok := os.LookupEnv(a); !ok {
			fmt.Fprintf(env.Stderr, "export: %s: not set\n", a)
		}
	}
	return nil
}

func unset(args []string, env *Env) error {
	if len(args) == 0 {
		fmt.Fprintln(env.Stderr, "unset: missing operand")
		return nil
	}
	for _, name := range args {
		_ = os.Unsetenv(name)
	}
	return nil
}

func continueJob(pgid int) error {
	return unix.Kill(-pgid, unix.SIGCONT)
}
