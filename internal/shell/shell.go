// Package shell implements the REPL driver: read a line, record it to
// history, lex, parse, and hand the pipeline to the executor, sweeping
// completed jobs before each prompt.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/myshell/myshell/internal/builtins"
	"github.com/myshell/myshell/internal/executor"
	"github.com/myshell/myshell/internal/history"
	"github.com/myshell/myshell/internal/jobtable"
	"github.com/myshell/myshell/internal/lexer"
	"github.com/myshell/myshell/internal/parser"
)

// Shell is the REPL loop.
type Shell struct {
	Prompt string
	In     *bufio.Reader
	Out    io.Writer
	Err    io.Writer

	Lexer    *lexer.Lexer
	Jobs     *jobtable.Table
	History  *history.Ring
	Executor *executor.Executor
	Log      *logrus.Entry
}

// New constructs a Shell reading from in and printing the prompt/output
// to out/errw.
func New(prompt string, in io.Reader, out, errw io.Writer, lex *lexer.Lexer, jobs *jobtable.Table, hist *history.Ring, exec *executor.Executor, log *logrus.Entry) *Shell {
	return &Shell{
		Prompt:   prompt,
		In:       bufio.NewReader(in),
		Out:      out,
		Err:      errw,
		Lexer:    lex,
		Jobs:     jobs,
		History:  hist,
		Executor: exec,
		Log:      log,
	}
}

// Run drives the read-eval-print loop until EOF or an `exit` builtin,
// returning the shell's final exit status.
func (s *Shell) Run() int {
	for {
		s.Jobs.SweepDone() // Done entries are elided before each prompt, never concurrently

		fmt.Fprint(s.Out, s.Prompt)

		line, err := s.In.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line == "" {
					return 0
				}
			} else {
				fmt.Fprintln(s.Err, "myshell:", err)
				return 0
			}
		}
		line = trimNewline(line)

		if line == "" {
			continue
		}

		s.History.Add(line) // every accepted line is recorded, even ones that fail to parse

		tokens, lexErr := s.Lexer.Tokenize(line)
		if lexErr != nil {
			fmt.Fprintln(s.Err, "myshell:", lexErr)
			continue
		}
		if len(tokens) == 0 {
			continue
		}

		pipeline, parseErr := parser.Parse(tokens)
		if parseErr != nil {
			if errors.Is(parseErr, parser.ErrEmptyCommand) {
				continue
			}
			fmt.Fprintln(s.Err, "myshell:", parseErr)
			continue
		}

		if code, exit := s.exec(pipeline, line); exit {
			return code
		}
	}
}

// exec hands pipeline to the executor, reporting whether the shell
// should terminate (an `exit` builtin was invoked, non-piped and
// non-backgrounded).
func (s *Shell) exec(pipeline *parser.Pipeline, rawLine string) (int, bool) {
	status, err := s.Executor.Execute(pipeline, rawLine)

	var exitErr *builtins.ErrExit
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	if err != nil {
		fmt.Fprintln(s.Err, "myshell:", err)
		s.Log.WithError(err).Debug("executor error")
	}
	return status, false
}

func trimNewline(line string) string {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	n = len(line)
	if n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
