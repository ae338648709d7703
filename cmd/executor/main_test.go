package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rvexec/internal/runner"
)

const addProgram = `
_start:
	add a0, a0, a1
	call _out
done:
	li a0, 0
	li a7, 93
	ecall
_out:
	ret
`

func TestResolveSpec(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"max_instructions": 99, "registers": {"a1": 7}}`), 0o644))

	spec, err := resolveSpec(executorConfig{
		programPath:     "/mnt/program/program.s",
		inputPath:       input,
		endAddr:         "0x10",
		maxInstructions: "1000",
		memorySize:      "65536",
		registersJSON:   `{"s0": 3}`,
		argsJSON:        `[1, 2]`,
	})
	require.NoError(t, err)
	assert.Equal(t, "program.s", spec.Program)
	require.NotNil(t, spec.EndAddr)
	assert.Equal(t, uint32(0x10), *spec.EndAddr)
	assert.Equal(t, uint64(99), spec.MaxInstructions)
	assert.Equal(t, uint32(65536), spec.MemorySize)
	assert.Equal(t, map[string]uint32{"a0": 1, "a1": 7, "s0": 3}, spec.Registers)
}

func TestResolveSpec_Invalid(t *testing.T) {
	for name, cfg := range map[string]executorConfig{
		"end":       {endAddr: "nope"},
		"budget":    {maxInstructions: "-1"},
		"memory":    {memorySize: "0x1_0000_0000"},
		"registers": {registersJSON: "{"},
		"args":      {argsJSON: "[1,2,3,4,5,6,7,8,9]"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := resolveSpec(cfg)
			assert.Error(t, err)
		})
	}
}

func TestArgRegisters_Env(t *testing.T) {
	t.Setenv("ARG_0", "5")
	t.Setenv("ARG_1", "0x7")
	args, err := argRegisters("")
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 7}, args)

	t.Setenv("ARG_2", "x")
	_, err = argRegisters("")
	assert.ErrorContains(t, err, "ARG_2")
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "add.s")
	require.NoError(t, os.WriteFile(prog, []byte(addProgram), 0o644))
	result := filepath.Join(dir, "shared", "result.json")

	err := run(context.Background(), executorConfig{
		programPath: prog,
		outputPath:  result,
		argsJSON:    "[40, 2]",
	}, io.Discard, zap.NewNop())
	require.NoError(t, err)

	data, err := os.ReadFile(result)
	require.NoError(t, err)
	out, err := runner.ParseOutput(string(data))
	require.NoError(t, err)
	assert.Equal(t, []uint32{42}, out.Outputs)
	assert.True(t, out.Halted)
	assert.Equal(t, "add.s", out.Program)
}

func TestRun_Budget(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "spin.s")
	require.NoError(t, os.WriteFile(prog, []byte("_start: j _start\n"), 0o644))
	result := filepath.Join(dir, "result.json")

	err := run(context.Background(), executorConfig{
		programPath:     prog,
		outputPath:      result,
		maxInstructions: "50",
	}, io.Discard, zap.NewNop())
	require.Error(t, err)

	// the partial record is still written
	data, err := os.ReadFile(result)
	require.NoError(t, err)
	out, err := runner.ParseOutput(string(data))
	require.NoError(t, err)
	assert.NotEmpty(t, out.Error)
	assert.False(t, out.Halted)
}

func TestRun_JSONLogs(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "exit.s")
	require.NoError(t, os.WriteFile(prog, []byte("_start:\n\tli a0, 7\n\tli a7, 93\n\tecall\n"), 0o644))

	// stdout and stderr end up interleaved in the pod log
	var logs bytes.Buffer
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&logs),
		zapcore.InfoLevel,
	))
	require.NoError(t, run(context.Background(), executorConfig{programPath: prog}, &logs, logger))
	require.Contains(t, logs.String(), `"msg":"program finished"`)

	out, err := runner.ParseOutput(logs.String())
	require.NoError(t, err)
	assert.True(t, out.Halted)
	assert.Equal(t, int32(7), out.ExitCode)
	assert.Len(t, out.Registers, 33, "x0..x31 and pc")
	assert.Equal(t, uint32(7), out.Value())
}

func TestRun_EarlyFailureWritesRecord(t *testing.T) {
	for name, cfg := range map[string]executorConfig{
		"missing program": {programPath: "absent.s"},
		"bad env":         {programPath: "absent.s", endAddr: "nope"},
	} {
		t.Run(name, func(t *testing.T) {
			result := filepath.Join(t.TempDir(), "result.json")
			cfg.outputPath = result
			var stdout bytes.Buffer

			err := run(context.Background(), cfg, &stdout, zap.NewNop())
			require.Error(t, err)

			data, err := os.ReadFile(result)
			require.NoError(t, err)
			assert.Equal(t, stdout.String(), string(data))
			out, err := runner.ParseOutput(string(data))
			require.NoError(t, err)
			assert.Equal(t, "absent.s", out.Program)
			assert.NotEmpty(t, out.Error)
			assert.Equal(t, []uint32{}, out.Outputs)
		})
	}
}
