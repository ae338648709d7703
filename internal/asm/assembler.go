package asm

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"rvexec/internal/rv32i"
)

// EntrySymbol, when defined, sets the entry point of the assembled image.
// BootSymbol is used instead when there is no EntrySymbol.
const (
	EntrySymbol = "_start"
	BootSymbol  = "boot"
)

// Logger is the logging surface the assembler needs; *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
}

// Assembler turns RV32I assembly into machine code in two passes: the first
// sizes every statement and records label addresses, the second encodes.
type Assembler struct {
	log Logger
}

func New(log Logger) *Assembler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Assembler{log: log}
}

// Assemble assembles r with a quiet Assembler.
func Assemble(r io.Reader) (*Object, error) {
	return New(nil).Assemble(r)
}

// AssembleString is Assemble for in-memory source.
func AssembleString(src string) (*Object, error) {
	return Assemble(strings.NewReader(src))
}

// ReadImage loads a program from disk. Assembly sources (".s", ".asm") are
// assembled, ".txt" files are parsed as listings and anything else is a raw
// binary.
func ReadImage(path string) (*rv32i.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeImage(path, data)
}

// DecodeImage is ReadImage for a program already in memory; name only picks
// the format.
func DecodeImage(name string, data []byte) (*rv32i.Image, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".s", ".asm":
		obj, err := Assemble(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s:%w", name, err)
		}
		return obj.Image(), nil
	case ".txt":
		img, err := rv32i.ReadText(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return img, nil
	}
	return &rv32i.Image{Data: data, Symbols: map[string]uint32{}}, nil
}

func (a *Assembler) Assemble(r io.Reader) (*Object, error) {
	prog, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return a.AssembleProgram(prog)
}

func (a *Assembler) AssembleProgram(prog *Program) (*Object, error) {
	symbols := map[string]uint32{}
	defined := map[string]Pos{}
	consts := map[string]bool{}
	define := func(name string, pos Pos, v uint32) error {
		if first, dup := defined[name]; dup {
			return errorf(pos, ErrDuplicateLabel, "%s (first defined at %s)", name, first)
		}
		defined[name] = pos
		symbols[name] = v
		return nil
	}

	// pass 1: addresses
	sizes := make([]uint32, len(prog.Statements))
	var pc uint32
	for idx, st := range prog.Statements {
		switch st.Kind {
		case StmtLabel:
			if err := define(st.Name, st.Pos, pc); err != nil {
				return nil, err
			}
			continue
		case StmtDirective:
			if st.Name == ".equ" || st.Name == ".set" {
				name, v, err := a.equ(st, symbols)
				if err != nil {
					return nil, err
				}
				if err := define(name, st.Pos, v); err != nil {
					return nil, err
				}
				consts[name] = true
				continue
			}
		}
		n, err := a.size(st, pc)
		if err != nil {
			return nil, err
		}
		sizes[idx] = n
		pc += n
	}
	a.log.Debugf("pass 1: %d bytes, %d symbols", pc, len(symbols))

	// pass 2: encoding
	obj := &Object{Symbols: maps.Clone(symbols)}
	maps.DeleteFunc(obj.Symbols, func(name string, _ uint32) bool { return consts[name] })
	pc = 0
	for idx, st := range prog.Statements {
		if sizes[idx] == 0 {
			continue
		}
		in := &inst{st: st, pc: pc, symbols: symbols}
		var words []uint32
		var err error
		if st.Kind == StmtDirective {
			words, err = a.directive(in)
		} else {
			words, err = a.instruction(in)
		}
		if err != nil {
			return nil, err
		}
		if uint32(len(words))*4 != sizes[idx] {
			return nil, errorf(st.Pos, ErrOperands, "%s: sized %d bytes, encoded %d", st.Name, sizes[idx], len(words)*4)
		}
		for _, w := range words {
			a.log.Debugf("%8x: 0x%08x %s", pc, w, rv32i.Disassemble(w))
			pc += 4
		}
		obj.Code = append(obj.Code, words...)
	}

	for _, name := range []string{EntrySymbol, BootSymbol} {
		if entry, ok := symbols[name]; ok {
			obj.Entry = entry
			break
		}
	}
	return obj, nil
}

// size returns the number of bytes st will occupy at pc.
func (a *Assembler) size(st *Statement, pc uint32) (uint32, error) {
	if st.Kind == StmtDirective {
		switch st.Name {
		case ".word", ".4byte", ".long":
			return uint32(len(st.Args)) * 4, nil
		case ".align", ".p2align":
			n, err := alignment(st)
			if err != nil {
				return 0, err
			}
			return (n - pc%n) % n, nil
		case ".text", ".data", ".section", ".globl", ".global", ".local", ".type",
			".size", ".file", ".option", ".ident", ".attribute":
			return 0, nil
		}
		return 0, errorf(st.Pos, ErrUnknownMnemonic, "directive %s", st.Name)
	}

	switch st.Name {
	case "la", "call", "tail":
		return 8, nil
	case "li":
		if len(st.Args) != 2 || st.Args[1].Kind != OperandExpr {
			return 0, errorf(st.Pos, ErrOperands, "li wants rd, imm")
		}
		if hasSymbol(st.Args[1].Expr) {
			return 8, nil
		}
		v, err := eval(st.Args[1].Expr, nil)
		if err != nil {
			return 0, err
		}
		return uint32(len(liParts(uint32(v), false))) * 4, nil
	}
	if _, ok := pseudo[st.Name]; ok {
		return 4, nil
	}
	if _, ok := rv32i.LookupOp(st.Name); ok {
		return 4, nil
	}
	return 0, errorf(st.Pos, ErrUnknownMnemonic, "%s", st.Name)
}

func alignment(st *Statement) (uint32, error) {
	if len(st.Args) != 1 || st.Args[0].Kind != OperandExpr {
		return 0, errorf(st.Pos, ErrOperands, "%s wants a power of two exponent", st.Name)
	}
	v, err := eval(st.Args[0].Expr, nil)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 12 {
		return 0, errorf(st.Pos, ErrOperands, "%s %d", st.Name, v)
	}
	n := uint32(1) << v
	if n < 4 {
		n = 4
	}
	return n, nil
}

func (a *Assembler) equ(st *Statement, symbols map[string]uint32) (string, uint32, error) {
	if len(st.Args) != 2 || st.Args[0].Kind != OperandExpr || st.Args[1].Kind != OperandExpr {
		return "", 0, errorf(st.Pos, ErrOperands, "%s wants name, value", st.Name)
	}
	sym, ok := st.Args[0].Expr.(*SymbolExpr)
	if !ok {
		return "", 0, errorf(st.Pos, ErrOperands, "%s wants a symbol name", st.Name)
	}
	v, err := eval(st.Args[1].Expr, symbols)
	if err != nil {
		return "", 0, err
	}
	if !fits32(v) {
		return "", 0, errorf(st.Args[1].Pos, ErrOperands, "%s %s: %d does not fit 32 bits", st.Name, sym.Name, v)
	}
	return sym.Name, uint32(v), nil
}

func (a *Assembler) directive(in *inst) ([]uint32, error) {
	switch in.st.Name {
	case ".word", ".4byte", ".long":
		words := make([]uint32, len(in.st.Args))
		for i := range in.st.Args {
			v, err := in.imm(i)
			if err != nil {
				return nil, err
			}
			words[i] = uint32(v)
		}
		return words, nil
	case ".align", ".p2align":
		n, err := alignment(in.st)
		if err != nil {
			return nil, err
		}
		pad := make([]uint32, ((n-in.pc%n)%n)/4)
		for i := range pad {
			pad[i] = nop
		}
		return pad, nil
	}
	return nil, nil
}

var nop = rv32i.MustEncode(rv32i.OpAddi, rv32i.RegZero, rv32i.RegZero, 0, 0)

type liPart struct {
	op  rv32i.OpName
	imm int32
}

// liParts materializes v: a single addi when it fits 12 bits, otherwise lui
// followed by addi on the remainder. forceLong keeps the two-word form, which
// symbol references need because their size is fixed in pass 1.
func liParts(v uint32, forceLong bool) []liPart {
	if !forceLong && rv32i.FitsSigned(int64(int32(v)), 12) {
		return []liPart{{rv32i.OpAddi, int32(v)}}
	}
	hi, lo := splitHiLo(v)
	if !forceLong && lo == 0 {
		return []liPart{{rv32i.OpLui, int32(hi)}}
	}
	return []liPart{{rv32i.OpLui, int32(hi)}, {rv32i.OpAddi, lo}}
}

// splitHiLo splits v so that hi<<12 + lo == v with lo a signed 12-bit value.
func splitHiLo(v uint32) (hi uint32, lo int32) {
	hi = (v + 0x800) >> 12 & 0xfffff
	lo = int32(v - hi<<12)
	return hi, lo
}
