package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rvexec/internal/rv32i"
)

// add reports a0+a1 through _out and exits with 0.
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

func TestExecute(t *testing.T) {
	out, err := Execute(context.Background(), []byte(addProgram), Spec{
		Program:   "add.s",
		Registers: map[string]uint32{"a0": 40, "a1": 2},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "add.s", out.Program)
	assert.True(t, out.Halted)
	assert.Equal(t, int32(0), out.ExitCode)
	assert.Equal(t, []uint32{42}, out.Outputs)
	assert.Equal(t, uint32(42), out.Value())
	assert.Equal(t, uint32(93), out.Registers["a7"])
	assert.Positive(t, out.Instructions)
	assert.Empty(t, out.Error)
}

func TestExecute_EndAddr(t *testing.T) {
	// done is the 4th word: add, auipc+jalr for call.
	end := uint32(12)
	out, err := Execute(context.Background(), []byte(addProgram), Spec{
		Program:   "add.s",
		EndAddr:   &end,
		Registers: map[string]uint32{"a0": 1, "a1": 2},
	}, nil)
	require.NoError(t, err)

	assert.False(t, out.Halted)
	assert.Equal(t, end, out.PC)
	assert.Equal(t, []uint32{3}, out.Outputs)
	assert.Equal(t, uint64(4), out.Instructions, "add, auipc, jalr, _out trap")
}

func TestExecute_Failures(t *testing.T) {
	t.Run("decode", func(t *testing.T) {
		out, err := Execute(context.Background(), []byte("frob a0\n"), Spec{Program: "bad.s"}, nil)
		require.Error(t, err)
		assert.Contains(t, out.Error, "bad.s")
		assert.Equal(t, []uint32{}, out.Outputs)
	})

	t.Run("budget", func(t *testing.T) {
		out, err := Execute(context.Background(), []byte("_start: j _start\n"), Spec{
			Program:         "spin.s",
			MaxInstructions: 100,
		}, nil)
		assert.ErrorIs(t, err, rv32i.ErrInstructionLimit)
		assert.Equal(t, uint64(100), out.Instructions)
		assert.Contains(t, out.Error, "instruction limit")
	})

	t.Run("register", func(t *testing.T) {
		_, err := Execute(context.Background(), []byte(addProgram), Spec{
			Program:   "add.s",
			Registers: map[string]uint32{"x99": 1},
		}, nil)
		assert.ErrorContains(t, err, "x99")
	})
}

func TestExecute_Stdout(t *testing.T) {
	src := `
_start:
	la a1, msg
	li a0, 1
	li a2, 3
	li a7, 64
	ecall
	li a7, 93
	ecall
msg:
	.word 0x000a6b6f
`
	var stdout bytes.Buffer
	out, err := Execute(context.Background(), []byte(src), Spec{Program: "hello.s"}, &stdout)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", stdout.String())
	assert.Equal(t, int32(3), out.ExitCode)
	assert.Equal(t, uint32(3), out.Value())
}

func TestInputApply(t *testing.T) {
	var in Input
	require.NoError(t, json.Unmarshal([]byte(`{"end_addr":16,"max_instructions":9,"registers":{"a0":5}}`), &in))

	spec := Spec{MaxInstructions: 1, Registers: map[string]uint32{"a1": 1}}
	in.Apply(&spec)
	require.NotNil(t, spec.EndAddr)
	assert.Equal(t, uint32(16), *spec.EndAddr)
	assert.Equal(t, uint64(9), spec.MaxInstructions)
	assert.Equal(t, map[string]uint32{"a0": 5, "a1": 1}, spec.Registers)

	spec = Spec{MaxInstructions: 7}
	Input{}.Apply(&spec)
	assert.Nil(t, spec.EndAddr)
	assert.Equal(t, uint64(7), spec.MaxInstructions)
}

func TestParseOutput(t *testing.T) {
	rec := &Output{
		Program:      "fib.s",
		Halted:       true,
		Outputs:      []uint32{832040},
		Registers:    map[string]uint32{"a0": 0},
		Instructions: 1234,
	}
	line, err := rec.Encode()
	require.NoError(t, err)

	logs := strings.Join([]string{
		`2026-01-01T00:00:00Z	INFO	executor starting`,
		`{"level":"info","msg":"loaded program"}`,
		strings.TrimSpace(string(line)),
		`{"level":"info","msg":"done","instructions":1234}`,
		``,
	}, "\n")

	got, err := ParseOutput(logs)
	require.NoError(t, err)
	assert.Equal(t, "fib.s", got.Program)
	assert.Equal(t, []uint32{832040}, got.Outputs)
	assert.Equal(t, uint64(1234), got.Instructions)
	assert.Equal(t, logs, got.Logs)

	_, err = ParseOutput("fake logs")
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestParseOutput_StructuredLogs(t *testing.T) {
	out, err := Execute(context.Background(), []byte("_start:\n\tli a0, 7\n\tli a7, 93\n\tecall\n"),
		Spec{Program: "exit.s"}, &bytes.Buffer{})
	require.NoError(t, err)
	line, err := out.Encode()
	require.NoError(t, err)

	// a JSON log line carrying the same field names as the record
	var stderr bytes.Buffer
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&stderr),
		zapcore.InfoLevel,
	))
	logger.Info("program finished",
		zap.String("program", out.Program),
		zap.Int32("exit_code", out.ExitCode),
		zap.Uint32s("outputs", out.Outputs),
		zap.Uint64("instructions", out.Instructions),
	)
	require.NoError(t, logger.Sync())

	got, err := ParseOutput(string(line) + stderr.String())
	require.NoError(t, err)
	assert.Equal(t, RecordKind, got.Record)
	assert.True(t, got.Halted)
	assert.Equal(t, int32(7), got.ExitCode)
	assert.Equal(t, uint32(7), got.Registers["a0"])
	assert.Equal(t, uint32(7), got.Value())

	// an untagged record is not picked up either
	var plain map[string]any
	require.NoError(t, json.Unmarshal(line, &plain))
	delete(plain, "record")
	untagged, err := json.Marshal(plain)
	require.NoError(t, err)
	_, err = ParseOutput(string(untagged))
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestValue(t *testing.T) {
	assert.Equal(t, uint32(9), (&Output{Outputs: []uint32{1, 9}, Halted: true, ExitCode: 3}).Value())
	assert.Equal(t, uint32(3), (&Output{Halted: true, ExitCode: 3}).Value())
	assert.Equal(t, uint32(0xffffffff), (&Output{Halted: true, ExitCode: -1}).Value())
	assert.Equal(t, uint32(5), (&Output{Registers: map[string]uint32{"a0": 5}}).Value())
}
