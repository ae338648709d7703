package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvexec/internal/adapters/results"
	"rvexec/internal/coordinator"
	"rvexec/internal/runner"
)

const sumProgram = `
_start:
	add a0, a0, a1
	call _out
	li a0, 3
	li a7, 93
	ecall
_out:
	ret
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunCmd(t *testing.T) {
	prog := writeFile(t, "sum.s", sumProgram)

	out, err := execute(t, "run", "--reg", "a0=40,a1=0x2", prog)
	require.NoError(t, err)
	assert.Equal(t, "42\nexit 3 after 7 instructions\n", out)

	out, err = execute(t, "run", "--reg", "a0=1", "--end", "4", "--dump", prog)
	require.NoError(t, err)
	assert.Contains(t, out, "x10 a0   =           1, 0x00000001\n")
	assert.Contains(t, out, "pc = 0x00000004, instret = 1\n")
	assert.Contains(t, out, "stopped at pc=0x00000004 after 1 instructions\n")

	out, err = execute(t, "run", "--json", prog)
	require.NoError(t, err)
	rec, err := runner.ParseOutput(out)
	require.NoError(t, err)
	assert.Equal(t, "sum.s", rec.Program)
	assert.Equal(t, int32(3), rec.ExitCode)
}

func TestRunCmd_Errors(t *testing.T) {
	spin := writeFile(t, "spin.s", "_start: j _start\n")
	_, err := execute(t, "run", "--max-instructions", "10", spin)
	assert.ErrorContains(t, err, "instruction")

	_, err = execute(t, "run", "--end", "zz", spin)
	assert.ErrorContains(t, err, "--end")

	_, err = execute(t, "run", "--reg", "bogus=1", spin)
	assert.ErrorContains(t, err, "bogus")

	_, err = execute(t, "run", filepath.Join(t.TempDir(), "absent.s"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = execute(t, "--log-level", "loud", "run", spin)
	assert.ErrorContains(t, err, "log level")
}

func TestAsmConvDisasm(t *testing.T) {
	src := writeFile(t, "sum.s", sumProgram)
	dir := t.TempDir()
	listing := filepath.Join(dir, "sum.txt")
	bin := filepath.Join(dir, "sum.bin")
	bin2 := filepath.Join(dir, "sum2.bin")

	out, err := execute(t, "asm", src)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "       0: 0x00b50533 add a0, a0, a1\n"), out)

	_, err = execute(t, "asm", "-o", listing, src)
	require.NoError(t, err)
	_, err = execute(t, "asm", "--bin", "-o", bin, src)
	require.NoError(t, err)
	_, err = execute(t, "asm", "--bin", src)
	assert.ErrorContains(t, err, "-o")

	_, err = execute(t, "conv", listing, bin2)
	require.NoError(t, err)
	want, err := os.ReadFile(bin)
	require.NoError(t, err)
	got, err := os.ReadFile(bin2)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	out, err = execute(t, "disasm", src)
	require.NoError(t, err)
	assert.Contains(t, out, "00000000 <_start>:\n")
	assert.Contains(t, out, "       0: 0x00b50533 add a0, a0, a1\n")

	bad := writeFile(t, "bad.s", "_start: frob a0\n")
	_, err = execute(t, "asm", bad)
	assert.ErrorContains(t, err, "bad.s:")
}

func TestFixtureCmd(t *testing.T) {
	out, err := execute(t, "fixture", "--verify", "parity")
	require.NoError(t, err)
	assert.Contains(t, out, "parity: outputs=[1000000000 1 1 0]")
	assert.Contains(t, out, "match=true")

	_, err = execute(t, "fixture", "nope")
	assert.Error(t, err)
}

func TestResultsCmd(t *testing.T) {
	db := filepath.Join(t.TempDir(), "results.db")
	l, err := results.Open(db)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), coordinator.TaskResult{
		TaskID:      "demo-fib-001",
		Success:     true,
		OutputValue: "832040",
		Verified:    true,
		FinishedAt:  time.Unix(1_700_000_000, 0),
	}))
	require.NoError(t, l.Close())

	out, err := execute(t, "results", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "TASK")
	assert.Contains(t, out, "demo-fib-001")
	assert.Contains(t, out, "832040")

	out, err = execute(t, "results", "--db", db, "demo-fib-001")
	require.NoError(t, err)
	assert.Contains(t, out, "demo-fib-001")

	_, err = execute(t, "results", "--db", db, "absent")
	assert.ErrorIs(t, err, results.ErrNotFound)
}
