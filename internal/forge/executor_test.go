package forge

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunShellExitCodes(t *testing.T) {
	e := NewExecutor()
	ctx := context.Background()

	var out bytes.Buffer
	code, err := e.RunShell(ctx, ShellCommand{Command: "echo hello; echo oops >&2", Stdout: &out, Stderr: &out})
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, "hello\noops\n", out.String())

	code, err = e.RunShell(ctx, ShellCommand{Command: "exit 3", Stdout: &out, Stderr: &out})
	require.NoError(t, err)
	require.Equal(t, 3, code)
}

func TestRunShellWorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	code, err := NewExecutor().RunShell(context.Background(), ShellCommand{
		Command: "pwd; echo $FORGE_TEST_VAR",
		Dir:     dir,
		Env:     []string{"FORGE_TEST_VAR=42", "PATH=" + os.Getenv("PATH")},
		Stdout:  &out,
	})
	require.NoError(t, err)
	require.Equal(t, 0, code)

	require.Contains(t, out.String(), filepath.Base(dir))
	require.Contains(t, out.String(), "42")
}

func TestRunShellCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecutor().RunShell(ctx, ShellCommand{Command: "sleep 10", Stdout: &bytes.Buffer{}})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutorArgv(t *testing.T) {
	cmd := exec.Command("/bin/true", "x")
	require.Equal(t, []string{"/bin/true", "x"}, NewExecutor().argv(cmd))

	nice := &Executor{ApplyIdlePriority: true}
	require.Equal(t, []string{"nice", "-n", "19", "/bin/true", "x"}, nice.argv(cmd))

	if os.Geteuid() != 0 {
		root := &Executor{ShouldRunAsRoot: true, ApplyIdlePriority: true}
		require.Equal(t, []string{"sudo", "-E", "nice", "-n", "19", "/bin/true", "x"}, root.argv(cmd))
	}
}
