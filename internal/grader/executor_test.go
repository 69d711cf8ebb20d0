package grader

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func shellExecutor(t *testing.T) *ProcessExecutor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewProcessExecutor([]Language{
		{ID: "sh", CodeFname: "main.sh", ExecCmd: "sh main.sh"},
		{ID: "broken-sh", CodeFname: "main.sh", CompileCmd: "sh -n main.sh", ExecCmd: "sh main.sh"},
	}, t.TempDir(), time.Second)
}

func TestProcessExecutorRunsProgram(t *testing.T) {
	e := shellExecutor(t)

	prog, err := e.Prepare(context.Background(), "sh", "read a b\necho $((a + b))\n")
	require.NoError(t, err)
	defer prog.Close()

	out, err := prog.Run(context.Background(), "2 3\n")
	require.NoError(t, err)
	require.Equal(t, "5\n", out.Stdout)
	require.Equal(t, 0, out.ExitCode)
}

func TestProcessExecutorRuntimeError(t *testing.T) {
	e := shellExecutor(t)

	prog, err := e.Prepare(context.Background(), "sh", "echo oops >&2\nexit 3\n")
	require.NoError(t, err)
	defer prog.Close()

	out, err := prog.Run(context.Background(), "")
	require.EqualError(t, err, "runtime error: exit status 3")
	require.Equal(t, 3, out.ExitCode)
	require.Equal(t, "oops\n", out.Stderr)
}

func TestProcessExecutorTimeout(t *testing.T) {
	e := shellExecutor(t)

	prog, err := e.Prepare(context.Background(), "sh", "sleep 5\n")
	require.NoError(t, err)
	defer prog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = prog.Run(ctx, "")
	require.EqualError(t, err, "time limit exceeded")
}

func TestProcessExecutorCapsOutput(t *testing.T) {
	e := shellExecutor(t)
	e.outputLimit = 1024

	prog, err := e.Prepare(context.Background(), "sh", "i=0\nwhile [ $i -lt 2000 ]; do echo 0123456789; i=$((i+1)); done\n")
	require.NoError(t, err)
	defer prog.Close()

	out, err := prog.Run(context.Background(), "")
	require.EqualError(t, err, "output limit exceeded")
	require.True(t, out.Truncated)
	require.Len(t, out.Stdout, 1024)
}

func TestProcessExecutorCapsRunawayOutput(t *testing.T) {
	e := shellExecutor(t)
	e.outputLimit = 4096

	prog, err := e.Prepare(context.Background(), "sh", "while :; do echo y; done\n")
	require.NoError(t, err)
	defer prog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out, err := prog.Run(ctx, "")
	require.EqualError(t, err, "time limit exceeded")
	require.LessOrEqual(t, len(out.Stdout), 4096)
}

func TestCappedBufferDrainsOverflow(t *testing.T) {
	c := &cappedBuffer{limit: 5}
	n, err := c.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	n, err = c.Write([]byte("defgh"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "abcde", c.String())
	require.True(t, c.truncated)
}

func TestProcessExecutorCompileFailure(t *testing.T) {
	e := shellExecutor(t)

	_, err := e.Prepare(context.Background(), "broken-sh", "if then fi (\n")
	require.Error(t, err)
	require.Contains(t, err.Error(), "compilation failed")
}

func TestProcessExecutorUnknownLanguage(t *testing.T) {
	e := NewProcessExecutor(nil, t.TempDir(), 0)
	_, err := e.Prepare(context.Background(), "cobol", "")
	require.True(t, errors.Is(err, ErrUnknownLanguage))
}
