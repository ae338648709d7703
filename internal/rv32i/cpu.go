package rv32i

import "fmt"

// CSR numbers the emulator gives meaning to. Anything else is plain storage.
const (
	CsrMscratch = 0x340
	CsrCycle    = 0xC00
	CsrTime     = 0xC01
	CsrInstret  = 0xC02
	CsrCycleH   = 0xC80
	CsrTimeH    = 0xC81
	CsrInstretH = 0xC82
	CsrMhartid  = 0xF14
)

// SystemHandler services ecall and ebreak.
type SystemHandler interface {
	Ecall(c *Cpu) error
	Ebreak(c *Cpu) error
}

// TraceFunc observes every instruction before it executes.
type TraceFunc func(pc uint32, i *Instruction)

type Cpu struct {
	X       [32]uint32 // registers
	PC      uint32     // program counter
	Instret uint64     // retired instructions

	bus   Bus
	sys   SystemHandler
	csr   map[uint16]uint32
	trace TraceFunc
	cur   Instruction
}

func NewCpu(bus Bus, sys SystemHandler) *Cpu {
	return &Cpu{
		bus: bus,
		sys: sys,
		csr: make(map[uint16]uint32),
	}
}

func (c *Cpu) Reset() {
	c.X = [32]uint32{}
	c.PC = 0
	c.Instret = 0
	clear(c.csr)
}

// SetTrace installs fn as the per-instruction observer; nil disables tracing.
func (c *Cpu) SetTrace(fn TraceFunc) {
	c.trace = fn
}

// Step fetches, decodes and executes one instruction.
func (c *Cpu) Step() error {
	pc := c.PC
	if pc&0b11 != 0 {
		return &ExecError{PC: pc, Err: ErrMisalignedFetch}
	}
	raw, err := c.bus.ReadU32(pc)
	if err != nil {
		return &ExecError{PC: pc, Err: fmt.Errorf("fetch: %w", err)}
	}

	i := &c.cur
	*i = Instruction{}
	if err := decodeInto(raw, i); err != nil {
		return &ExecError{PC: pc, Raw: raw, Err: err}
	}
	if c.trace != nil {
		c.trace(pc, i)
	}

	next, err := c.Execute(i)
	if err != nil {
		return &ExecError{PC: pc, Raw: raw, Err: err}
	}
	c.X[0] = 0
	c.PC = next
	c.Instret++
	return nil
}

// Execute applies i to the CPU state and returns the next PC.
func (c *Cpu) Execute(i *Instruction) (uint32, error) {
	pc := c.PC
	next := pc + 4

	switch i.Op {
	case OpLui:
		c.X[i.Rd] = i.Imm
	case OpAuipc:
		c.X[i.Rd] = pc + i.Imm
	case OpJal:
		c.X[i.Rd] = next
		next = pc + i.Imm
	case OpJalr:
		target := (c.X[i.Rs1] + i.Imm) &^ 1
		c.X[i.Rd] = next
		next = target
	case OpBeq:
		if c.X[i.Rs1] == c.X[i.Rs2] {
			next = pc + i.Imm
		}
	case OpBne:
		if c.X[i.Rs1] != c.X[i.Rs2] {
			next = pc + i.Imm
		}
	case OpBlt:
		// signed comparison
		if int32(c.X[i.Rs1]) < int32(c.X[i.Rs2]) {
			next = pc + i.Imm
		}
	case OpBge:
		// signed comparison
		if int32(c.X[i.Rs1]) >= int32(c.X[i.Rs2]) {
			next = pc + i.Imm
		}
	case OpBltu:
		if c.X[i.Rs1] < c.X[i.Rs2] {
			next = pc + i.Imm
		}
	case OpBgeu:
		if c.X[i.Rs1] >= c.X[i.Rs2] {
			next = pc + i.Imm
		}
	case OpLb:
		data, err := c.bus.ReadU8(c.X[i.Rs1] + i.Imm)
		if err != nil {
			return 0, err
		}
		c.X[i.Rd] = SignExtend(uint32(data), 7)
	case OpLh:
		data, err := c.bus.ReadU16(c.X[i.Rs1] + i.Imm)
		if err != nil {
			return 0, err
		}
		c.X[i.Rd] = SignExtend(uint32(data), 15)
	case OpLw:
		data, err := c.bus.ReadU32(c.X[i.Rs1] + i.Imm)
		if err != nil {
			return 0, err
		}
		c.X[i.Rd] = data
	case OpLbu:
		data, err := c.bus.ReadU8(c.X[i.Rs1] + i.Imm)
		if err != nil {
			return 0, err
		}
		c.X[i.Rd] = uint32(data)
	case OpLhu:
		data, err := c.bus.ReadU16(c.X[i.Rs1] + i.Imm)
		if err != nil {
			return 0, err
		}
		c.X[i.Rd] = uint32(data)
	case OpSb:
		if err := c.bus.WriteU8(c.X[i.Rs1]+i.Imm, uint8(c.X[i.Rs2])); err != nil {
			return 0, err
		}
	case OpSh:
		if err := c.bus.WriteU16(c.X[i.Rs1]+i.Imm, uint16(c.X[i.Rs2])); err != nil {
			return 0, err
		}
	case OpSw:
		if err := c.bus.WriteU32(c.X[i.Rs1]+i.Imm, c.X[i.Rs2]); err != nil {
			return 0, err
		}
	case OpAddi:
		c.X[i.Rd] = c.X[i.Rs1] + i.Imm
	case OpSlti:
		c.X[i.Rd] = boolToU32(int32(c.X[i.Rs1]) < int32(i.Imm))
	case OpSltiu:
		c.X[i.Rd] = boolToU32(c.X[i.Rs1] < i.Imm)
	case OpXori:
		c.X[i.Rd] = c.X[i.Rs1] ^ i.Imm
	case OpOri:
		c.X[i.Rd] = c.X[i.Rs1] | i.Imm
	case OpAndi:
		c.X[i.Rd] = c.X[i.Rs1] & i.Imm
	case OpSlli:
		c.X[i.Rd] = c.X[i.Rs1] << i.Rs2
	case OpSrli:
		c.X[i.Rd] = c.X[i.Rs1] >> i.Rs2
	case OpSrai:
		c.X[i.Rd] = uint32(int32(c.X[i.Rs1]) >> i.Rs2)
	case OpAdd:
		c.X[i.Rd] = c.X[i.Rs1] + c.X[i.Rs2]
	case OpSub:
		c.X[i.Rd] = c.X[i.Rs1] - c.X[i.Rs2]
	case OpSll:
		c.X[i.Rd] = c.X[i.Rs1] << (c.X[i.Rs2] & 0b11111)
	case OpSlt:
		c.X[i.Rd] = boolToU32(int32(c.X[i.Rs1]) < int32(c.X[i.Rs2]))
	case OpSltu:
		c.X[i.Rd] = boolToU32(c.X[i.Rs1] < c.X[i.Rs2])
	case OpXor:
		c.X[i.Rd] = c.X[i.Rs1] ^ c.X[i.Rs2]
	case OpSrl:
		c.X[i.Rd] = c.X[i.Rs1] >> (c.X[i.Rs2] & 0b11111)
	case OpSra:
		c.X[i.Rd] = uint32(int32(c.X[i.Rs1]) >> (c.X[i.Rs2] & 0b11111))
	case OpOr:
		c.X[i.Rd] = c.X[i.Rs1] | c.X[i.Rs2]
	case OpAnd:
		c.X[i.Rd] = c.X[i.Rs1] & c.X[i.Rs2]
	case OpFence, OpFenceI:
		// single hart, no caches: nothing to order
	case OpEcall:
		if c.sys == nil {
			return 0, ErrUnknownSyscall
		}
		if err := c.sys.Ecall(c); err != nil {
			return 0, err
		}
	case OpEbreak:
		if c.sys == nil {
			return 0, ErrBreakpoint
		}
		if err := c.sys.Ebreak(c); err != nil {
			return 0, err
		}
	case OpCsrrw, OpCsrrs, OpCsrrc, OpCsrrwi, OpCsrrsi, OpCsrrci:
		if err := c.execCSR(i); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrIllegalInstruction, i.Op)
	}
	return next, nil
}

func (c *Cpu) execCSR(i *Instruction) error {
	csr := uint16(i.Imm)
	src := c.X[i.Rs1]
	if i.Op.IsCsrImm() {
		src = uint32(i.Rs1)
	}

	old, err := c.ReadCSR(csr)
	if err != nil {
		return err
	}

	val, write := old, true
	switch i.Op {
	case OpCsrrw, OpCsrrwi:
		val = src
	case OpCsrrs, OpCsrrsi:
		val = old | src
		write = i.Rs1 != 0
	case OpCsrrc, OpCsrrci:
		val = old &^ src
		write = i.Rs1 != 0
	}
	if write {
		if err := c.WriteCSR(csr, val); err != nil {
			return err
		}
	}
	c.X[i.Rd] = old
	return nil
}

// ReadCSR returns the value of a control and status register. The counters
// all report retired instructions.
func (c *Cpu) ReadCSR(csr uint16) (uint32, error) {
	if csr > 0xfff {
		return 0, fmt.Errorf("%w: csr 0x%x", ErrIllegalInstruction, csr)
	}
	switch csr {
	case CsrCycle, CsrTime, CsrInstret:
		return uint32(c.Instret), nil
	case CsrCycleH, CsrTimeH, CsrInstretH:
		return uint32(c.Instret >> 32), nil
	case CsrMhartid:
		return 0, nil
	}
	return c.csr[csr], nil
}

// WriteCSR stores val; CSRs whose top two bits are set are read-only.
func (c *Cpu) WriteCSR(csr uint16, val uint32) error {
	if csr > 0xfff || csr>>10 == 0b11 {
		return fmt.Errorf("%w: write to read-only csr 0x%03x", ErrIllegalInstruction, csr)
	}
	c.csr[csr] = val
	return nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
