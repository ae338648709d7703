package asm

import (
	"errors"
	"fmt"
	"math"

	"rvexec/internal/rv32i"
)

// pseudo lists the single-word pseudo instructions. li, la, call and tail
// are sized separately.
var pseudo = map[string]struct{}{
	"nop": {}, "mv": {}, "not": {}, "neg": {},
	"seqz": {}, "snez": {}, "sltz": {}, "sgtz": {},
	"j": {}, "jr": {}, "ret": {},
	"beqz": {}, "bnez": {}, "blez": {}, "bgez": {}, "bltz": {}, "bgtz": {},
	"bgt": {}, "ble": {}, "bgtu": {}, "bleu": {},
	"csrr": {}, "csrw": {},
}

var csrNames = map[string]uint16{
	"mscratch": rv32i.CsrMscratch,
	"cycle":    rv32i.CsrCycle,
	"time":     rv32i.CsrTime,
	"instret":  rv32i.CsrInstret,
	"cycleh":   rv32i.CsrCycleH,
	"timeh":    rv32i.CsrTimeH,
	"instreth": rv32i.CsrInstretH,
	"mhartid":  rv32i.CsrMhartid,
}

// inst is one statement being encoded at pc.
type inst struct {
	st      *Statement
	pc      uint32
	symbols map[string]uint32
}

func (in *inst) errorf(sentinel error, format string, args ...any) error {
	return errorf(in.st.Pos, sentinel, "%s: %s", in.st.Name, fmt.Sprintf(format, args...))
}

func (in *inst) want(n int) error {
	if len(in.st.Args) != n {
		return in.errorf(ErrOperands, "want %d operands, got %d", n, len(in.st.Args))
	}
	return nil
}

func (in *inst) arg(i int, kind OperandKind) (Operand, error) {
	op := in.st.Args[i]
	if op.Kind != kind {
		return op, errorf(op.Pos, ErrOperands, "%s: operand %d: want %s, got %s", in.st.Name, i+1, kind, op.Kind)
	}
	return op, nil
}

func (in *inst) reg(i int) (uint8, error) {
	op, err := in.arg(i, OperandReg)
	return op.Reg, err
}

// imm evaluates operand i. The value must fit 32 bits, signed or unsigned,
// before it is narrowed for encoding.
func (in *inst) imm(i int) (int64, error) {
	op, err := in.arg(i, OperandExpr)
	if err != nil {
		return 0, err
	}
	v, err := eval(op.Expr, in.symbols)
	if err != nil {
		return 0, err
	}
	if !fits32(v) {
		return 0, errorf(op.Pos, ErrOperands, "%s: %d does not fit 32 bits", in.st.Name, v)
	}
	return v, nil
}

func (in *inst) mem(i int) (int32, uint8, error) {
	op, err := in.arg(i, OperandMem)
	if err != nil {
		return 0, 0, err
	}
	if op.Expr == nil {
		return 0, op.Reg, nil
	}
	v, err := eval(op.Expr, in.symbols)
	if err != nil {
		return 0, 0, err
	}
	if !fits32(v) {
		return 0, 0, errorf(op.Pos, ErrOperands, "%s: offset %d does not fit 32 bits", in.st.Name, v)
	}
	return int32(v), op.Reg, nil
}

func fits32(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxUint32
}

// offset returns the pc-relative distance to operand i. An expression that
// names a label is an absolute target; a bare number is already an offset.
func (in *inst) offset(i int, bits int) (int32, error) {
	op, err := in.arg(i, OperandExpr)
	if err != nil {
		return 0, err
	}
	v, err := eval(op.Expr, in.symbols)
	if err != nil {
		return 0, err
	}
	if hasSymbol(op.Expr) {
		v = int64(int32(uint32(v) - in.pc))
	}
	if !rv32i.FitsSigned(v, bits) {
		return 0, errorf(op.Pos, ErrOutOfRange, "%s: offset %d does not fit %d bits", in.st.Name, v, bits)
	}
	return int32(v), nil
}

// pcrel returns the hi/lo pair that reaches absolute operand i from pc.
func (in *inst) pcrel(i int) (uint32, int32, error) {
	v, err := in.imm(i)
	if err != nil {
		return 0, 0, err
	}
	hi, lo := splitHiLo(uint32(v) - in.pc)
	return hi, lo, nil
}

func (in *inst) csr(i int) (int32, error) {
	op, err := in.arg(i, OperandExpr)
	if err != nil {
		return 0, err
	}
	if sym, ok := op.Expr.(*SymbolExpr); ok {
		if n, ok := csrNames[sym.Name]; ok {
			return int32(n), nil
		}
	}
	v, err := eval(op.Expr, in.symbols)
	if err != nil {
		return 0, err
	}
	if !fits32(v) {
		return 0, errorf(op.Pos, ErrOperands, "%s: csr %d does not fit 32 bits", in.st.Name, v)
	}
	return int32(v), nil
}

func (in *inst) encode(op rv32i.OpName, rd, rs1, rs2 uint8, imm int32) (uint32, error) {
	w, err := rv32i.Encode(op, rd, rs1, rs2, imm)
	if err != nil {
		return 0, &Error{Pos: in.st.Pos, Err: err}
	}
	return w, nil
}

func (in *inst) one(op rv32i.OpName, rd, rs1, rs2 uint8, imm int32) ([]uint32, error) {
	w, err := in.encode(op, rd, rs1, rs2, imm)
	if err != nil {
		return nil, err
	}
	return []uint32{w}, nil
}

// regs reads n register operands.
func (in *inst) regs(n int) ([]uint8, error) {
	if err := in.want(n); err != nil {
		return nil, err
	}
	out := make([]uint8, n)
	for i := range out {
		r, err := in.reg(i)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (a *Assembler) instruction(in *inst) ([]uint32, error) {
	const (
		zero = rv32i.RegZero
		ra   = rv32i.RegRA
		t1   = 6
	)

	switch in.st.Name {
	case "nop":
		if err := in.want(0); err != nil {
			return nil, err
		}
		return []uint32{nop}, nil
	case "li":
		if err := in.want(2); err != nil {
			return nil, err
		}
		rd, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		v, err := in.imm(1)
		if err != nil {
			return nil, err
		}
		parts := liParts(uint32(v), hasSymbol(in.st.Args[1].Expr))
		words := make([]uint32, len(parts))
		src := uint8(zero)
		for k, p := range parts {
			if p.op == rv32i.OpAddi && k > 0 {
				src = rd
			}
			if words[k], err = in.encode(p.op, rd, src, 0, p.imm); err != nil {
				return nil, err
			}
		}
		return words, nil
	case "la", "call", "tail":
		var rd, link uint8
		switch in.st.Name {
		case "la":
			if err := in.want(2); err != nil {
				return nil, err
			}
			r, err := in.reg(0)
			if err != nil {
				return nil, err
			}
			rd, link = r, r
		case "call":
			if err := in.want(1); err != nil {
				return nil, err
			}
			rd, link = ra, ra
		case "tail":
			if err := in.want(1); err != nil {
				return nil, err
			}
			rd, link = t1, zero
		}
		hi, lo, err := in.pcrel(len(in.st.Args) - 1)
		if err != nil {
			return nil, err
		}
		first, err := in.encode(rv32i.OpAuipc, rd, 0, 0, int32(hi))
		if err != nil {
			return nil, err
		}
		var second uint32
		if in.st.Name == "la" {
			second, err = in.encode(rv32i.OpAddi, rd, rd, 0, lo)
		} else {
			second, err = in.encode(rv32i.OpJalr, link, rd, 0, lo)
		}
		if err != nil {
			return nil, err
		}
		return []uint32{first, second}, nil
	case "mv", "not", "neg", "seqz", "snez", "sltz", "sgtz":
		r, err := in.regs(2)
		if err != nil {
			return nil, err
		}
		rd, rs := r[0], r[1]
		switch in.st.Name {
		case "mv":
			return in.one(rv32i.OpAddi, rd, rs, 0, 0)
		case "not":
			return in.one(rv32i.OpXori, rd, rs, 0, -1)
		case "neg":
			return in.one(rv32i.OpSub, rd, zero, rs, 0)
		case "seqz":
			return in.one(rv32i.OpSltiu, rd, rs, 0, 1)
		case "snez":
			return in.one(rv32i.OpSltu, rd, zero, rs, 0)
		case "sltz":
			return in.one(rv32i.OpSlt, rd, rs, zero, 0)
		default: // sgtz
			return in.one(rv32i.OpSlt, rd, zero, rs, 0)
		}
	case "j":
		if err := in.want(1); err != nil {
			return nil, err
		}
		off, err := in.offset(0, 21)
		if err != nil {
			return nil, err
		}
		return in.one(rv32i.OpJal, zero, 0, 0, off)
	case "jr":
		r, err := in.regs(1)
		if err != nil {
			return nil, err
		}
		return in.one(rv32i.OpJalr, zero, r[0], 0, 0)
	case "ret":
		if err := in.want(0); err != nil {
			return nil, err
		}
		return in.one(rv32i.OpJalr, zero, ra, 0, 0)
	case "beqz", "bnez", "blez", "bgez", "bltz", "bgtz":
		if err := in.want(2); err != nil {
			return nil, err
		}
		rs, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		off, err := in.offset(1, 13)
		if err != nil {
			return nil, err
		}
		switch in.st.Name {
		case "beqz":
			return in.one(rv32i.OpBeq, 0, rs, zero, off)
		case "bnez":
			return in.one(rv32i.OpBne, 0, rs, zero, off)
		case "blez":
			return in.one(rv32i.OpBge, 0, zero, rs, off)
		case "bgez":
			return in.one(rv32i.OpBge, 0, rs, zero, off)
		case "bltz":
			return in.one(rv32i.OpBlt, 0, rs, zero, off)
		default: // bgtz
			return in.one(rv32i.OpBlt, 0, zero, rs, off)
		}
	case "bgt", "ble", "bgtu", "bleu":
		if err := in.want(3); err != nil {
			return nil, err
		}
		rs, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		rt, err := in.reg(1)
		if err != nil {
			return nil, err
		}
		off, err := in.offset(2, 13)
		if err != nil {
			return nil, err
		}
		// operands swapped onto the base comparison
		op := map[string]rv32i.OpName{"bgt": rv32i.OpBlt, "ble": rv32i.OpBge, "bgtu": rv32i.OpBltu, "bleu": rv32i.OpBgeu}[in.st.Name]
		return in.one(op, 0, rt, rs, off)
	case "csrr":
		if err := in.want(2); err != nil {
			return nil, err
		}
		rd, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		csr, err := in.csr(1)
		if err != nil {
			return nil, err
		}
		return in.one(rv32i.OpCsrrs, rd, zero, 0, csr)
	case "csrw":
		if err := in.want(2); err != nil {
			return nil, err
		}
		csr, err := in.csr(0)
		if err != nil {
			return nil, err
		}
		rs, err := in.reg(1)
		if err != nil {
			return nil, err
		}
		return in.one(rv32i.OpCsrrw, zero, rs, 0, csr)
	}

	op, ok := rv32i.LookupOp(in.st.Name)
	if !ok {
		return nil, in.errorf(ErrUnknownMnemonic, "unknown")
	}
	return a.base(in, op)
}

// base encodes a real RV32I instruction.
func (a *Assembler) base(in *inst, op rv32i.OpName) ([]uint32, error) {
	args := in.st.Args
	switch {
	case op == rv32i.OpLui || op == rv32i.OpAuipc:
		if err := in.want(2); err != nil {
			return nil, err
		}
		rd, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		v, err := in.imm(1)
		if err != nil {
			return nil, err
		}
		return in.one(op, rd, 0, 0, int32(v))

	case op == rv32i.OpJal:
		// jal target | jal rd, target
		rd := uint8(rv32i.RegRA)
		idx := 0
		if len(args) == 2 {
			r, err := in.reg(0)
			if err != nil {
				return nil, err
			}
			rd, idx = r, 1
		} else if err := in.want(1); err != nil {
			return nil, err
		}
		off, err := in.offset(idx, 21)
		if err != nil {
			return nil, err
		}
		return in.one(op, rd, 0, 0, off)

	case op == rv32i.OpJalr:
		// jalr rs1 | jalr off(rs1) | jalr rd, off(rs1) | jalr rd, rs1 | jalr rd, rs1, imm
		switch len(args) {
		case 1:
			if args[0].Kind == OperandReg {
				return in.one(op, rv32i.RegRA, args[0].Reg, 0, 0)
			}
			off, rs1, err := in.mem(0)
			if err != nil {
				return nil, err
			}
			return in.one(op, rv32i.RegRA, rs1, 0, off)
		case 2:
			rd, err := in.reg(0)
			if err != nil {
				return nil, err
			}
			if args[1].Kind == OperandReg {
				return in.one(op, rd, args[1].Reg, 0, 0)
			}
			off, rs1, err := in.mem(1)
			if err != nil {
				return nil, err
			}
			return in.one(op, rd, rs1, 0, off)
		case 3:
			rd, err := in.reg(0)
			if err != nil {
				return nil, err
			}
			rs1, err := in.reg(1)
			if err != nil {
				return nil, err
			}
			v, err := in.imm(2)
			if err != nil {
				return nil, err
			}
			return in.one(op, rd, rs1, 0, int32(v))
		}
		return nil, in.errorf(ErrOperands, "want 1 to 3 operands, got %d", len(args))

	case op.Type() == rv32i.InstructionTypeB:
		if err := in.want(3); err != nil {
			return nil, err
		}
		rs1, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		rs2, err := in.reg(1)
		if err != nil {
			return nil, err
		}
		off, err := in.offset(2, 13)
		if err != nil {
			return nil, err
		}
		return in.one(op, 0, rs1, rs2, off)

	case op.IsLoad():
		if err := in.want(2); err != nil {
			return nil, err
		}
		rd, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		off, rs1, err := in.mem(1)
		if err != nil {
			return nil, err
		}
		return in.one(op, rd, rs1, 0, off)

	case op.Type() == rv32i.InstructionTypeS:
		if err := in.want(2); err != nil {
			return nil, err
		}
		rs2, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		off, rs1, err := in.mem(1)
		if err != nil {
			return nil, err
		}
		return in.one(op, 0, rs1, rs2, off)

	case op.Type() == rv32i.InstructionTypeI:
		if err := in.want(3); err != nil {
			return nil, err
		}
		rd, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		rs1, err := in.reg(1)
		if err != nil {
			return nil, err
		}
		v, err := in.imm(2)
		if err != nil {
			return nil, err
		}
		return in.one(op, rd, rs1, 0, int32(v))

	case op.Type() == rv32i.InstructionTypeR:
		r, err := in.regs(3)
		if err != nil {
			return nil, err
		}
		return in.one(op, r[0], r[1], r[2], 0)

	case op == rv32i.OpFence:
		// operand sets are accepted and widened to iorw, iorw
		return in.one(op, 0, 0, 0, 0x0ff)

	case op == rv32i.OpFenceI, op == rv32i.OpEcall, op == rv32i.OpEbreak:
		if err := in.want(0); err != nil {
			return nil, err
		}
		return in.one(op, 0, 0, 0, 0)

	case op.Type() == rv32i.InstructionTypeC:
		if err := in.want(3); err != nil {
			return nil, err
		}
		rd, err := in.reg(0)
		if err != nil {
			return nil, err
		}
		csr, err := in.csr(1)
		if err != nil {
			return nil, err
		}
		if op.IsCsrImm() {
			v, err := in.imm(2)
			if err != nil {
				return nil, err
			}
			if v < 0 || v > 31 {
				return nil, in.errorf(ErrOperands, "uimm %d out of range 0..31", v)
			}
			return in.one(op, rd, uint8(v), 0, csr)
		}
		rs1, err := in.reg(2)
		if err != nil {
			return nil, err
		}
		return in.one(op, rd, rs1, 0, csr)
	}
	return nil, in.errorf(ErrUnknownMnemonic, "unsupported")
}

// eval computes e. symbols may be nil when e is known to be constant.
func eval(e Expr, symbols map[string]uint32) (int64, error) {
	switch x := e.(type) {
	case *NumberExpr:
		return x.Value, nil
	case *SymbolExpr:
		v, ok := symbols[x.Name]
		if !ok {
			return 0, errorf(x.Pos, ErrUndefinedLabel, "%s", x.Name)
		}
		return int64(v), nil
	case *UnaryExpr:
		v, err := eval(x.X, symbols)
		return -v, err
	case *RelocExpr:
		v, err := eval(x.X, symbols)
		if err != nil {
			return 0, err
		}
		hi, lo := splitHiLo(uint32(v))
		if x.Kind == "hi" {
			return int64(hi), nil
		}
		return int64(lo), nil
	case *BinaryExpr:
		l, err := eval(x.X, symbols)
		if err != nil {
			return 0, err
		}
		r, err := eval(x.Y, symbols)
		if err != nil {
			return 0, err
		}
		switch x.Op {
		case TokPlus:
			return l + r, nil
		case TokMinus:
			return l - r, nil
		case TokStar:
			return l * r, nil
		case TokSlash, TokPercent:
			if r == 0 {
				return 0, errorf(x.Pos, ErrDivideByZero, "%d %s 0", l, x.Op)
			}
			if x.Op == TokSlash {
				return l / r, nil
			}
			return l % r, nil
		}
	}
	return 0, errors.New("asm: unknown expression")
}
