package rv32i

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Syscall numbers understood by Ecall (selected by a7). Exit and write
// follow the Linux RISC-V numbering.
const (
	SysWrite = 64
	SysExit  = 93
	SysOut   = 0x7FF
)

// OutSymbol is the guest function whose calls are reported as outputs.
const OutSymbol = "_out"

// ctxCheckInterval is how many instructions Run executes between context checks.
const ctxCheckInterval = 4096

// Logger is the logging surface the emulator needs; *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
}

// Options configures an Emulator.
type Options struct {
	MemorySize      uint32
	MaxInstructions uint64 // 0 means unlimited
	Stdout          io.Writer
	Logger          Logger
	Trace           bool
}

// TrapFunc runs instead of the instruction at a bound address. It must leave
// PC pointing at the next instruction to execute.
type TrapFunc func(e *Emulator) error

// Result summarizes a Run.
type Result struct {
	Halted       bool
	ExitCode     int32
	Instructions uint64
	Outputs      []uint32
	Elapsed      time.Duration
}

type Emulator struct {
	Cpu     *Cpu
	Memory  *Memory
	Symbols map[string]uint32

	opts     Options
	log      Logger
	traps    map[uint32]TrapFunc
	outputs  []uint32
	halted   bool
	exitCode int32
}

func NewEmulator(opts Options) *Emulator {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	e := &Emulator{
		Memory:  NewMemory(opts.MemorySize),
		Symbols: map[string]uint32{},
		opts:    opts,
		log:     log,
		traps:   map[uint32]TrapFunc{},
	}
	e.Cpu = NewCpu(e.Memory, e)
	if opts.Trace {
		e.Cpu.SetTrace(func(pc uint32, i *Instruction) {
			e.log.Debugf("pc=0x%08x raw=0x%08x %s", pc, i.Raw, Disassemble(i.Raw))
		})
	}
	return e
}

// Reset clears registers, memory, traps and collected outputs.
func (e *Emulator) Reset() {
	e.Cpu.Reset()
	e.Memory.Clear()
	e.Symbols = map[string]uint32{}
	clear(e.traps)
	e.outputs = nil
	e.halted = false
	e.exitCode = 0
}

// Load reads a program file (see ReadImage) and loads it.
func (e *Emulator) Load(path string) error {
	img, err := ReadImage(path)
	if err != nil {
		return err
	}
	return e.LoadImage(img)
}

// LoadText parses a text listing and loads it.
func (e *Emulator) LoadText(r io.Reader) error {
	img, err := ReadText(r)
	if err != nil {
		return err
	}
	return e.LoadImage(img)
}

// LoadBytes copies raw bytes into memory at addr.
func (e *Emulator) LoadBytes(data []byte, addr uint32) error {
	if uint64(addr)+uint64(len(data)) > uint64(e.Memory.Size()) {
		return fmt.Errorf("%w: %d bytes at 0x%x, memory is %d bytes", ErrImageTooLarge, len(data), addr, e.Memory.Size())
	}
	return e.Memory.Load(addr, data)
}

// LoadImage copies img to address 0, sets PC to its entry point, records its
// symbols and binds OutSymbol if the image defines it.
func (e *Emulator) LoadImage(img *Image) error {
	if err := e.LoadBytes(img.Data, 0); err != nil {
		return err
	}
	e.Cpu.PC = img.Entry
	for name, addr := range img.Symbols {
		e.Symbols[name] = addr
	}
	if _, ok := e.Symbols[OutSymbol]; ok {
		if err := e.BindOut(OutSymbol); err != nil {
			return err
		}
	}
	e.log.Debugf("loaded %d bytes, entry 0x%08x, %d symbols", len(img.Data), img.Entry, len(img.Symbols))
	return nil
}

// Trap binds fn to addr.
func (e *Emulator) Trap(addr uint32, fn TrapFunc) {
	e.traps[addr] = fn
}

// BindOut makes calls to symbol record a0 as an output and return to ra.
func (e *Emulator) BindOut(symbol string) error {
	addr, ok := e.Symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	e.Trap(addr, func(e *Emulator) error {
		e.emit(e.Cpu.X[RegA0])
		e.Cpu.PC = e.Cpu.X[RegRA] &^ 1
		return nil
	})
	return nil
}

func (e *Emulator) emit(v uint32) {
	e.outputs = append(e.outputs, v)
	e.log.Debugf("out: %d (0x%08x)", int32(v), v)
}

// Outputs returns the values reported through OutSymbol or SysOut so far.
func (e *Emulator) Outputs() []uint32 {
	return append([]uint32(nil), e.outputs...)
}

func (e *Emulator) Halted() bool { return e.halted }

func (e *Emulator) ExitCode() int32 { return e.exitCode }

// Step executes one instruction, or the trap bound to the current PC.
func (e *Emulator) Step() error {
	if e.halted {
		return ErrHalted
	}
	if limit := e.opts.MaxInstructions; limit > 0 && e.Cpu.Instret >= limit {
		return fmt.Errorf("%w: %d", ErrInstructionLimit, limit)
	}
	if fn, ok := e.traps[e.Cpu.PC]; ok {
		if err := fn(e); err != nil {
			return err
		}
		e.Cpu.Instret++
		return nil
	}
	return e.Cpu.Step()
}

// Run executes until the guest exits, an error occurs, the instruction
// budget runs out or ctx is done.
func (e *Emulator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	startInstret := e.Cpu.Instret
	var err error
	for n := 0; !e.halted; n++ {
		if n%ctxCheckInterval == 0 {
			if err = ctx.Err(); err != nil {
				break
			}
		}
		if err = e.Step(); err != nil {
			break
		}
	}
	res := &Result{
		Halted:       e.halted,
		ExitCode:     e.exitCode,
		Instructions: e.Cpu.Instret - startInstret,
		Outputs:      e.Outputs(),
		Elapsed:      time.Since(start),
	}
	return res, err
}

// StepUntil executes until PC equals pc. Reaching a halt first is an error.
func (e *Emulator) StepUntil(ctx context.Context, pc uint32) error {
	for n := 0; e.Cpu.PC != pc; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := e.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Ecall implements SystemHandler.
func (e *Emulator) Ecall(c *Cpu) error {
	switch nr := c.X[RegA7]; nr {
	case SysExit:
		e.halted = true
		e.exitCode = int32(c.X[RegA0])
		e.log.Debugf("exit(%d) after %d instructions", e.exitCode, c.Instret+1)
		return nil
	case SysWrite:
		fd, buf, n := c.X[RegA0], c.X[RegA1], c.X[RegA2]
		if fd != 1 && fd != 2 {
			return fmt.Errorf("write: bad fd %d", fd)
		}
		data, err := e.Memory.Slice(buf, n)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		written, err := e.opts.Stdout.Write(data)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		c.X[RegA0] = uint32(written)
		return nil
	case SysOut:
		e.emit(c.X[RegA0])
		return nil
	default:
		return fmt.Errorf("%w: a7=%d", ErrUnknownSyscall, nr)
	}
}

// Ebreak implements SystemHandler. The emulator stays halted afterwards.
func (e *Emulator) Ebreak(c *Cpu) error {
	e.halted = true
	return ErrBreakpoint
}

// Registers returns the register file keyed by ABI name, plus "pc".
func (e *Emulator) Registers() map[string]uint32 {
	regs := make(map[string]uint32, 33)
	for i, name := range ABINames {
		regs[name] = e.Cpu.X[i]
	}
	regs["pc"] = e.Cpu.PC
	return regs
}

// SetRegister assigns a register by any name Regs accepts.
func (e *Emulator) SetRegister(name string, v uint32) error {
	idx, ok := Regs[name]
	if !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	if idx != RegZero {
		e.Cpu.X[idx] = v
	}
	return nil
}

// Dump logs the register file at info level.
func (e *Emulator) Dump() {
	e.log.Infof("* Registers")
	for _, line := range RegisterDump(e.Cpu.X, e.Cpu.PC, e.Cpu.Instret) {
		e.log.Infof("%s", line)
	}
}

// RegisterDump formats a register file one register per line, followed by
// pc and the retired instruction count.
func RegisterDump(x [32]uint32, pc uint32, instret uint64) []string {
	lines := make([]string, 0, len(x)+1)
	for i, v := range x {
		lines = append(lines, fmt.Sprintf("x%-2d %-4s = %11d, 0x%08x", i, ABINames[i], int32(v), v))
	}
	return append(lines, fmt.Sprintf("pc = 0x%08x, instret = %d", pc, instret))
}
