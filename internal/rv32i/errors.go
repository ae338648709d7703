package rv32i

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalInstruction = errors.New("illegal instruction")
	ErrImmediateRange     = errors.New("immediate out of range")
	ErrOutOfBounds        = errors.New("memory access out of bounds")
	ErrMisalignedFetch    = errors.New("misaligned instruction fetch")
	ErrUnknownSyscall     = errors.New("unknown syscall")
	ErrBreakpoint         = errors.New("breakpoint")
	ErrInstructionLimit   = errors.New("instruction limit exceeded")
	ErrImageTooLarge      = errors.New("program image larger than memory")
	ErrHalted             = errors.New("emulator halted")
	ErrUnknownSymbol      = errors.New("unknown symbol")
	ErrAssemblySource     = errors.New("assembly source must be assembled first (asm.ReadImage)")
)

// MemoryError describes a faulting memory access.
type MemoryError struct {
	Op   string
	Addr uint32
	Size uint32
	Err  error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("%s %d bytes at 0x%08x: %v", e.Op, e.Size, e.Addr, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// ExecError ties a failure to the instruction that raised it.
type ExecError struct {
	PC  uint32
	Raw uint32
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("pc 0x%08x (0x%08x %s): %v", e.PC, e.Raw, Disassemble(e.Raw), e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
