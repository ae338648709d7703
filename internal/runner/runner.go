// Package runner executes one guest program the way the executor job does
// and defines the JSON record the job prints when it finishes.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"rvexec/internal/asm"
	"rvexec/internal/rv32i"
)

// ErrNoOutput means no result record was found in executor logs.
var ErrNoOutput = errors.New("no executor output record")

// RecordKind tags the result record so it cannot be mistaken for a
// structured log line sharing the same stream.
const RecordKind = "rvexec.output/v1"

// Spec describes one run.
type Spec struct {
	// Program names the image; its extension picks the format (see
	// asm.DecodeImage).
	Program string
	// EndAddr, when set, stops the run once PC reaches it instead of
	// waiting for the exit syscall.
	EndAddr         *uint32
	MaxInstructions uint64
	MemorySize      uint32
	// Registers are assigned after loading, before the first instruction.
	Registers map[string]uint32
	Logger    rv32i.Logger
	Trace     bool
}

// Input is the optional JSON document an executor reads from INPUT_PATH.
// Fields that are set override the job environment.
type Input struct {
	EndAddr         *uint32           `json:"end_addr,omitempty"`
	MaxInstructions uint64            `json:"max_instructions,omitempty"`
	Registers       map[string]uint32 `json:"registers,omitempty"`
}

// Apply merges in into s.
func (in Input) Apply(s *Spec) {
	if in.EndAddr != nil {
		end := *in.EndAddr
		s.EndAddr = &end
	}
	if in.MaxInstructions != 0 {
		s.MaxInstructions = in.MaxInstructions
	}
	if len(in.Registers) > 0 {
		if s.Registers == nil {
			s.Registers = map[string]uint32{}
		}
		maps.Copy(s.Registers, in.Registers)
	}
}

// Output is the result record of one run.
type Output struct {
	Record       string            `json:"record"`
	Program      string            `json:"program"`
	ExitCode     int32             `json:"exit_code"`
	Halted       bool              `json:"halted"`
	Outputs      []uint32          `json:"outputs"`
	Registers    map[string]uint32 `json:"registers"`
	PC           uint32            `json:"pc"`
	Instructions uint64            `json:"instructions"`
	ElapsedNS    int64             `json:"elapsed_ns"`
	Error        string            `json:"error,omitempty"`

	// Logs carries whatever the run printed; it is not part of the record.
	Logs string `json:"-"`
}

// Value is the single number a run reports: the last _out value, else the
// exit code, else a0 for runs stopped at an end address.
func (o *Output) Value() uint32 {
	if n := len(o.Outputs); n > 0 {
		return o.Outputs[n-1]
	}
	if o.Halted {
		return uint32(o.ExitCode)
	}
	return o.Registers["a0"]
}

// Execute decodes program and runs it. The returned Output is filled in even
// when the run fails, and Output.Error mirrors the returned error.
func Execute(ctx context.Context, program []byte, spec Spec, stdout io.Writer) (*Output, error) {
	out := &Output{Program: spec.Program, Outputs: []uint32{}}
	fail := func(err error) (*Output, error) {
		out.Error = err.Error()
		return out, err
	}

	img, err := asm.DecodeImage(spec.Program, program)
	if err != nil {
		return fail(fmt.Errorf("decode %s: %w", spec.Program, err))
	}

	e := rv32i.NewEmulator(rv32i.Options{
		MemorySize:      spec.MemorySize,
		MaxInstructions: spec.MaxInstructions,
		Stdout:          stdout,
		Logger:          spec.Logger,
		Trace:           spec.Trace,
	})
	if err := e.LoadImage(img); err != nil {
		return fail(fmt.Errorf("load %s: %w", spec.Program, err))
	}
	for name, v := range spec.Registers {
		if err := e.SetRegister(name, v); err != nil {
			return fail(err)
		}
	}

	start, startInstret := time.Now(), e.Cpu.Instret
	var runErr error
	if spec.EndAddr != nil {
		runErr = e.StepUntil(ctx, *spec.EndAddr)
	} else {
		_, runErr = e.Run(ctx)
	}
	out.ElapsedNS = time.Since(start).Nanoseconds()
	out.Instructions = e.Cpu.Instret - startInstret
	out.Outputs = e.Outputs()
	out.Halted = e.Halted()
	out.ExitCode = e.ExitCode()
	out.Registers = e.Registers()
	out.PC = e.Cpu.PC
	if out.Outputs == nil {
		out.Outputs = []uint32{}
	}
	if runErr != nil {
		return fail(runErr)
	}
	return out, nil
}

// Encode renders out as a single JSON line.
func (o *Output) Encode() ([]byte, error) {
	rec := *o
	rec.Record = RecordKind
	payload, err := json.Marshal(&rec)
	if err != nil {
		return nil, err
	}
	return append(payload, '\n'), nil
}

// ParseOutput finds the last result record in executor logs. Lines without
// the RecordKind tag, including structured log lines, are skipped.
func ParseOutput(logs string) (*Output, error) {
	var found *Output
	sc := bufio.NewScanner(strings.NewReader(logs))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var tag struct {
			Record string `json:"record"`
		}
		if json.Unmarshal([]byte(line), &tag) != nil || tag.Record != RecordKind {
			continue
		}
		var out Output
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			return nil, fmt.Errorf("decode executor output: %w", err)
		}
		found = &out
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNoOutput
	}
	found.Logs = logs
	return found, nil
}
