// Package fixtures holds the sample guest programs: recursive fib and the
// is_even parity check. Each one boots through boot -> riscv32_boot -> main and
// reports values through _out.
package fixtures

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"slices"

	"rvexec/internal/asm"
	"rvexec/internal/rv32i"
)

//go:embed programs/*.s
var programs embed.FS

//go:embed programs/reference.wasm
var referenceWasm []byte

var ErrUnknownFixture = errors.New("unknown fixture")

// Fixture describes one sample program and what it must report.
type Fixture struct {
	Name    string
	File    string
	Outputs []uint32 // expected _out values, in order
	// Reference names the export of the reference wasm module that computes
	// the same value, and the arguments to call it with.
	Reference     string
	ReferenceArgs []uint64
}

var fixtures = map[string]Fixture{
	"fib": {
		Name:          "fib",
		File:          "programs/fib.s",
		Outputs:       []uint32{uint32(Fib(30))},
		Reference:     "fib",
		ReferenceArgs: []uint64{30},
	},
	"parity": {
		Name:          "parity",
		File:          "programs/parity.s",
		Outputs:       []uint32{1000000000, 1, boolToU32(IsEven(1000000000)), boolToU32(IsEven(1))},
		Reference:     "is_even",
		ReferenceArgs: []uint64{1},
	},
}

// Names lists the fixtures in a stable order.
func Names() []string {
	names := make([]string, 0, len(fixtures))
	for name := range fixtures {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func Get(name string) (Fixture, error) {
	f, ok := fixtures[name]
	if !ok {
		return Fixture{}, fmt.Errorf("%w: %q", ErrUnknownFixture, name)
	}
	return f, nil
}

// Source returns the assembly text of a fixture.
func Source(name string) ([]byte, error) {
	f, err := Get(name)
	if err != nil {
		return nil, err
	}
	return programs.ReadFile(f.File)
}

// Assemble assembles a fixture.
func Assemble(name string) (*asm.Object, error) {
	src, err := Source(name)
	if err != nil {
		return nil, err
	}
	obj, err := asm.AssembleString(string(src))
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", name, err)
	}
	return obj, nil
}

// Run assembles, loads and runs a fixture to completion.
func Run(ctx context.Context, name string, opts rv32i.Options) (*rv32i.Result, error) {
	obj, err := Assemble(name)
	if err != nil {
		return nil, err
	}
	e := rv32i.NewEmulator(opts)
	if err := e.LoadImage(obj.Image()); err != nil {
		return nil, err
	}
	return e.Run(ctx)
}

// ReferenceWasm returns a wasm module exporting fib(i32) i32 and
// is_even(i32) i32, the reference implementations of the fixtures.
func ReferenceWasm() []byte {
	return slices.Clone(referenceWasm)
}

// Fib is the Go reference for the fib fixture.
func Fib(n int32) int32 {
	if n <= 1 {
		return n
	}
	return Fib(n-1) + Fib(n-2)
}

// IsEven is the Go reference for the parity fixture.
func IsEven(a int32) bool {
	return a%2 == 0
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
