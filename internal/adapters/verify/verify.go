// Package verify checks program digests and compares emulator results with
// a reference WebAssembly implementation run under wazero.
package verify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/crypto/sha3"

	"rvexec/internal/coordinator"
	"rvexec/internal/runner"
)

const (
	DefaultCallBudget  = 10_000_000
	defaultExecTimeout = 30 * time.Second
)

var (
	ErrDigestMismatch = errors.New("program digest mismatch")
	ErrCallBudget     = errors.New("reference call budget exceeded")
	ErrNoExport       = errors.New("reference export not found")
)

// Digest returns the hex keccak-256 of a program image.
func Digest(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CheckDigest compares data against a hex digest, with or without 0x.
func CheckDigest(data []byte, want string) error {
	want = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(want), "0x"))
	if got := Digest(data); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got, want)
	}
	return nil
}

// ReferenceVerifier runs the reference export of a wasm module and compares
// its first result with the value the guest program reported.
type ReferenceVerifier struct {
	budget  uint64
	timeout time.Duration
	log     coordinator.Logger
}

// NewReferenceVerifier caps each reference call at budget function entries
// (0 means DefaultCallBudget) and timeout wall time.
func NewReferenceVerifier(budget uint64, timeout time.Duration, log coordinator.Logger) *ReferenceVerifier {
	if budget == 0 {
		budget = DefaultCallBudget
	}
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if log == nil {
		log = coordinator.NewLogger(nil, "verify")
	}
	return &ReferenceVerifier{budget: budget, timeout: timeout, log: log}
}

// CheckDigest implements coordinator.Verifier.
func (v *ReferenceVerifier) CheckDigest(program []byte, want string) error {
	return CheckDigest(program, want)
}

// Verify implements coordinator.Verifier.
func (v *ReferenceVerifier) Verify(ctx context.Context, task coordinator.TaskRequest, module []byte, out *runner.Output) (*coordinator.Verdict, error) {
	if out == nil {
		return nil, errors.New("no output to verify")
	}
	results, err := v.Call(ctx, module, task.Entry, task.ReferenceArgs)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("reference %s returned no value", task.Entry)
	}
	verdict := &coordinator.Verdict{
		Expected: uint32(results[0]),
		Actual:   out.Value(),
	}
	verdict.Match = verdict.Expected == verdict.Actual
	return verdict, nil
}

// Call instantiates module and calls its export entry with args.
func (v *ReferenceVerifier) Call(ctx context.Context, module []byte, entry string, args []uint64) ([]uint64, error) {
	if entry == "" {
		return nil, fmt.Errorf("%w: empty entry", ErrNoExport)
	}

	execCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	meter := &callMeter{limit: v.budget}
	execCtx = experimental.WithFunctionListenerFactory(execCtx, meter)

	rt := wazero.NewRuntimeWithConfig(execCtx, wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true))
	defer rt.Close(context.WithoutCancel(ctx))

	// TinyGo builds import WASI even when they never touch it.
	if _, err := wasi_snapshot_preview1.Instantiate(execCtx, rt); err != nil {
		return nil, fmt.Errorf("init wasi: %w", err)
	}

	mod, err := rt.InstantiateWithConfig(execCtx, module, wazero.NewModuleConfig().WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("instantiate reference: %w", err)
	}

	fn := mod.ExportedFunction(entry)
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoExport, entry)
	}
	results, err := fn.Call(execCtx, args...)
	if err != nil {
		if errors.Is(err, ErrCallBudget) {
			return nil, fmt.Errorf("%w: %d calls", ErrCallBudget, v.budget)
		}
		return nil, fmt.Errorf("call %s: %w", entry, err)
	}
	v.log.Infof("reference %s%v = %v (%d calls)", entry, args, results, meter.count)
	return results, nil
}

// callMeter counts function entries as a proxy for execution cost.
type callMeter struct {
	limit uint64
	count uint64
}

func (m *callMeter) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return m
}

func (m *callMeter) Before(context.Context, api.Module, api.FunctionDefinition, []uint64, experimental.StackIterator) {
	m.count++
	if m.count > m.limit {
		panic(ErrCallBudget)
	}
}

func (*callMeter) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (*callMeter) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
