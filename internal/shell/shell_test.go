package shell

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myshell/myshell/internal/builtins"
	"github.com/myshell/myshell/internal/executor"
	"github.com/myshell/myshell/internal/history"
	"github.com/myshell/myshell/internal/jobtable"
	"github.com/myshell/myshell/internal/lexer"
	"github.com/myshell/myshell/internal/logging"
	"github.com/myshell/myshell/internal/signals"
)

// newTestShell wires a real executor against a non-terminal fd, exactly
// as internal/executor's own tests do; only the prompt/error streams are
// captured here since builtin/child output always targets the process's
// real stdout, matching how the shell actually runs.
func newTestShell(t *testing.T, in string) (*Shell, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { devNull.Close() })

	jobs := jobtable.New(16)
	hist := history.New(16)
	log := logging.New(false, t.TempDir())

	relay := signals.New(jobs, int(devNull.Fd()), os.Getpid(), log)
	relay.Start()
	t.Cleanup(relay.Stop)

	builtinEnv := &builtins.Env{
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Jobs:      jobs,
		History:   hist,
		Relay:     relay,
		TermFD:    int(devNull.Fd()),
		ShellPgid: os.Getpid(),
	}
	exec := executor.New(jobs, relay, int(devNull.Fd()), os.Getpid(), log, builtinEnv, "")

	var out, errOut bytes.Buffer
	sh := New("myshell> ", strings.NewReader(in), &out, &errOut, lexer.New(), jobs, hist, exec, log)
	return sh, &out, &errOut
}

func TestRun_EOFImmediately(t *testing.T) {
	sh, out, _ := newTestShell(t, "")
	status := sh.Run()
	assert.Equal(t, 0, status)
	assert.Contains(t, out.String(), "myshell> ")
}

func TestRun_ExitBuiltinTerminates(t *testing.T) {
	sh, _, _ := newTestShell(t, "exit 3\n")
	status := sh.Run()
	assert.Equal(t, 3, status)
}

func TestRun_LexicalErrorReprompts(t *testing.T) {
	sh, _, errOut := newTestShell(t, "echo \"unterminated\nexit 0\n")
	status := sh.Run()
	assert.Equal(t, 0, status)
	assert.Contains(t, errOut.String(), "unterminated")
}

func TestRun_SyntaxErrorReprompts(t *testing.T) {
	sh, _, errOut := newTestShell(t, "| a\nexit 0\n")
	status := sh.Run()
	assert.Equal(t, 0, status)
	assert.Contains(t, errOut.String(), "syntax error")
}

func TestRun_HistoryRecordedBeforeParsing(t *testing.T) {
	sh, _, _ := newTestShell(t, "| a\nexit 0\n")
	sh.Run()

	entries := sh.History.Entries()
	require.Contains(t, entries, "| a")
}

func TestRun_BlankLinesIgnored(t *testing.T) {
	sh, _, _ := newTestShell(t, "\n\nexit 0\n")
	status := sh.Run()
	assert.Equal(t, 0, status)
	assert.Equal(t, []string{"exit 0"}, sh.History.Entries())
}

func TestRun_SweepsDoneJobsBeforeEachPrompt(t *testing.T) {
	sh, _, _ := newTestShell(t, "true &\nexit 0\n")
	sh.Run()
	assert.LessOrEqual(t, sh.Jobs.Len(), 1)
}
