package executor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myshell/myshell/internal/builtins"
	"github.com/myshell/myshell/internal/history"
	"github.com/myshell/myshell/internal/jobtable"
	"github.com/myshell/myshell/internal/logging"
	"github.com/myshell/myshell/internal/parser"
	"github.com/myshell/myshell/internal/signals"
)

// TestMain doubles as the -builtin-exec re-exec target: Execute launches
// a builtin pipeline stage as `SelfPath -builtin-exec NAME args...`, and
// pointing SelfPath at this test binary exercises that path for real,
// the same dispatch cmd/myshell performs.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == BuiltinExecFlag {
		os.Exit(runBuiltinStage(os.Args[2:]))
	}
	os.Exit(m.Run())
}

func runBuiltinStage(args []string) int {
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

// newTestExecutor wires an Executor against a non-terminal fd; term
// ioctls fail with ENOTTY in this harness and the executor treats that
// as a debug-logged no-op, exactly as it would running under a pipe.
func newTestExecutor(t *testing.T) *Executor {
	t.Helper()

	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { devNull.Close() })

	jobs := jobtable.New(16)
	log := logging.New(false, t.TempDir())

	relay := signals.New(jobs, int(devNull.Fd()), os.Getpid(), log)
	relay.Start()
	t.Cleanup(relay.Stop)

	builtinEnv := &builtins.Env{
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Jobs:      jobs,
		TermFD:    int(devNull.Fd()),
		ShellPgid: os.Getpid(),
		Relay:     relay,
	}

	return New(jobs, relay, int(devNull.Fd()), os.Getpid(), log, builtinEnv, "")
}

func cmd(args ...string) *parser.Command {
	return &parser.Command{Args: args}
}

func TestExecute_SingleExternalCommand(t *testing.T) {
	ex := newTestExecutor(t)
	out := filepath.Join(t.TempDir(), "out.txt")

	c := cmd("/bin/echo", "hello")
	c.Redirection = parser.Redirection{HasOutput: true, OutputPath: out}
	pipeline := &parser.Pipeline{Commands: []*parser.Command{c}}

	status, err := ex.Execute(pipeline, "/bin/echo hello > out.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))
}

func TestExecute_CommandNotFound(t *testing.T) {
	ex := newTestExecutor(t)
	pipeline := &parser.Pipeline{Commands: []*parser.Command{cmd("no-such-binary-xyz")}}

	status, err := ex.Execute(pipeline, "no-such-binary-xyz")
	require.NoError(t, err)
	assert.Equal(t, 1, status)
}

func TestExecute_Pipeline(t *testing.T) {
	ex := newTestExecutor(t)
	self, err := os.Executable()
	require.NoError(t, err)
	ex.SelfPath = self
	out := filepath.Join(t.TempDir(), "out.txt")

	first := cmd("echo", "hi")
	second := cmd("cat")
	second.Redirection = parser.Redirection{HasOutput: true, OutputPath: out}
	pipeline := &parser.Pipeline{Commands: []*parser.Command{first, second}}

	status, err := ex.Execute(pipeline, "echo hi | cat > out.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(got))
}

func TestExecute_BackgroundPipelineRegistersJob(t *testing.T) {
	ex := newTestExecutor(t)
	pipeline := &parser.Pipeline{Commands: []*parser.Command{cmd("true")}, Background: true}

	status, err := ex.Execute(pipeline, "true &")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, 1, ex.Jobs.Len())
}

func TestExecute_ExitBuiltinPropagates(t *testing.T) {
	ex := newTestExecutor(t)
	pipeline := &parser.Pipeline{Commands: []*parser.Command{cmd("exit", "5")}}

	status, err := ex.Execute(pipeline, "exit 5")

	var exitErr *builtins.ErrExit
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 5, exitErr.Code)
	assert.Equal(t, 5, status)
}

func TestBuildStageCmd_BuiltinStageReexecsSelf(t *testing.T) {
	ex := newTestExecutor(t)
	ex.SelfPath = "/proc/self/exe"

	c, in, out, err := ex.buildStageCmd(cmd("cd", "/"), 0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{ex.SelfPath, BuiltinExecFlag, "cd", "/"}, c.Args)
	assert.Nil(t, in)
	assert.Nil(t, out)
}

func TestExecute_BuiltinPipelineStage(t *testing.T) {
	ex := newTestExecutor(t)
	self, err := os.Executable()
	require.NoError(t, err)
	ex.SelfPath = self

	outFile := filepath.Join(t.TempDir(), "out.txt")
	first := cmd("echo", "from-builtin")
	second := cmd("cat")
	second.Redirection = parser.Redirection{HasOutput: true, OutputPath: outFile}
	pipeline := &parser.Pipeline{Commands: []*parser.Command{first, second}}

	status, err := ex.Execute(pipeline, "echo from-builtin | cat > out.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	got, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "from-builtin\n", string(got))
}

func TestExecute_CdInPipelineDoesNotAffectShell(t *testing.T) {
	ex := newTestExecutor(t)
	self, err := os.Executable()
	require.NoError(t, err)
	ex.SelfPath = self

	before, err := os.Getwd()
	require.NoError(t, err)

	pipeline := &parser.Pipeline{Commands: []*parser.Command{cmd("cd", "/"), cmd("cat")}}
	status, err := ex.Execute(pipeline, "cd / | cat")
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExecute_BuiltinRedirection(t *testing.T) {
	ex := newTestExecutor(t)
	out := filepath.Join(t.TempDir(), "pwd.txt")

	c := cmd("pwd")
	c.Redirection = parser.Redirection{HasOutput: true, OutputPath: out}
	pipeline := &parser.Pipeline{Commands: []*parser.Command{c}}

	status, err := ex.Execute(pipeline, "pwd > pwd.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}
