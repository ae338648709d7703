package rv32i

import "fmt"

// Register ABIName Description                         Saver
// -----------------------------------------------------------
// x0       zero    Hard-wired zero                     -
// x1       ra      Return address                      Caller
// x2       sp      Stack pointer                       Callee
// x3       gp      Global pointer                      -
// x4       tp      Thread pointer                      -
// x5-7     t0-2    Temporaries                         Caller
// x8       s0/fp   Saved register/frame pointer        Callee
// x9       s1      Saved register                      Callee
// x10-11   a0-1    Function arguments/return values    Caller
// x12-17   a2-7    Function arguments                  Caller
// x18-27   s2-11   Saved registers                     Callee
// x28-31   t3-6    Temporaries                         Caller

// Register indexes used by the emulator itself.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA7   = 17
)

// ABINames maps a register index to its ABI name.
var ABINames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Regs maps every accepted register spelling (ABI names, fp and x0..x31) to its index.
var Regs = func() map[string]uint8 {
	regs := make(map[string]uint8, 65)
	for i, name := range ABINames {
		regs[name] = uint8(i)
		regs[fmt.Sprintf("x%d", i)] = uint8(i)
	}
	regs["fp"] = 8
	return regs
}()

type InstructionType int

const (
	InstructionTypeU InstructionType = iota
	InstructionTypeJ
	InstructionTypeB
	InstructionTypeI
	InstructionTypeS
	InstructionTypeR
	InstructionTypeF
	InstructionTypeC
)

func (t InstructionType) String() string {
	switch t {
	case InstructionTypeU:
		return "U"
	case InstructionTypeJ:
		return "J"
	case InstructionTypeB:
		return "B"
	case InstructionTypeI:
		return "I"
	case InstructionTypeS:
		return "S"
	case InstructionTypeR:
		return "R"
	case InstructionTypeF:
		return "F"
	case InstructionTypeC:
		return "C"
	}
	return fmt.Sprintf("InstructionType(%d)", int(t))
}

type OpName int

const (
	OpLui OpName = iota
	OpAuipc
	OpJal
	OpJalr
	OpBeq
	OpBne
	OpBlt
	OpBge
	OpBltu
	OpBgeu
	OpLb
	OpLh
	OpLw
	OpLbu
	OpLhu
	OpSb
	OpSh
	OpSw
	OpAddi
	OpSlti
	OpSltiu
	OpXori
	OpOri
	OpAndi
	OpSlli
	OpSrli
	OpSrai
	OpAdd
	OpSub
	OpSll
	OpSlt
	OpSltu
	OpXor
	OpSrl
	OpSra
	OpOr
	OpAnd
	OpFence
	OpFenceI
	OpEcall
	OpEbreak
	OpCsrrw
	OpCsrrs
	OpCsrrc
	OpCsrrwi
	OpCsrrsi
	OpCsrrci

	numOps
)

// Major opcodes (bits 6:0).
const (
	opcodeLui    = 0b0110111
	opcodeAuipc  = 0b0010111
	opcodeJal    = 0b1101111
	opcodeJalr   = 0b1100111
	opcodeBranch = 0b1100011
	opcodeLoad   = 0b0000011
	opcodeStore  = 0b0100011
	opcodeOpImm  = 0b0010011
	opcodeOp     = 0b0110011
	opcodeFence  = 0b0001111
	opcodeSystem = 0b1110011
)

// opSpec holds the fixed encoding fields of an operation.
type opSpec struct {
	mnemonic string
	typ      InstructionType
	opcode   uint8
	funct3   uint8
	funct7   uint8
}

var opSpecs = [numOps]opSpec{
	OpLui:    {"lui", InstructionTypeU, opcodeLui, 0, 0},
	OpAuipc:  {"auipc", InstructionTypeU, opcodeAuipc, 0, 0},
	OpJal:    {"jal", InstructionTypeJ, opcodeJal, 0, 0},
	OpJalr:   {"jalr", InstructionTypeI, opcodeJalr, 0b000, 0},
	OpBeq:    {"beq", InstructionTypeB, opcodeBranch, 0b000, 0},
	OpBne:    {"bne", InstructionTypeB, opcodeBranch, 0b001, 0},
	OpBlt:    {"blt", InstructionTypeB, opcodeBranch, 0b100, 0},
	OpBge:    {"bge", InstructionTypeB, opcodeBranch, 0b101, 0},
	OpBltu:   {"bltu", InstructionTypeB, opcodeBranch, 0b110, 0},
	OpBgeu:   {"bgeu", InstructionTypeB, opcodeBranch, 0b111, 0},
	OpLb:     {"lb", InstructionTypeI, opcodeLoad, 0b000, 0},
	OpLh:     {"lh", InstructionTypeI, opcodeLoad, 0b001, 0},
	OpLw:     {"lw", InstructionTypeI, opcodeLoad, 0b010, 0},
	OpLbu:    {"lbu", InstructionTypeI, opcodeLoad, 0b100, 0},
	OpLhu:    {"lhu", InstructionTypeI, opcodeLoad, 0b101, 0},
	OpSb:     {"sb", InstructionTypeS, opcodeStore, 0b000, 0},
	OpSh:     {"sh", InstructionTypeS, opcodeStore, 0b001, 0},
	OpSw:     {"sw", InstructionTypeS, opcodeStore, 0b010, 0},
	OpAddi:   {"addi", InstructionTypeI, opcodeOpImm, 0b000, 0},
	OpSlti:   {"slti", InstructionTypeI, opcodeOpImm, 0b010, 0},
	OpSltiu:  {"sltiu", InstructionTypeI, opcodeOpImm, 0b011, 0},
	OpXori:   {"xori", InstructionTypeI, opcodeOpImm, 0b100, 0},
	OpOri:    {"ori", InstructionTypeI, opcodeOpImm, 0b110, 0},
	OpAndi:   {"andi", InstructionTypeI, opcodeOpImm, 0b111, 0},
	OpSlli:   {"slli", InstructionTypeI, opcodeOpImm, 0b001, 0b0000000},
	OpSrli:   {"srli", InstructionTypeI, opcodeOpImm, 0b101, 0b0000000},
	OpSrai:   {"srai", InstructionTypeI, opcodeOpImm, 0b101, 0b0100000},
	OpAdd:    {"add", InstructionTypeR, opcodeOp, 0b000, 0b0000000},
	OpSub:    {"sub", InstructionTypeR, opcodeOp, 0b000, 0b0100000},
	OpSll:    {"sll", InstructionTypeR, opcodeOp, 0b001, 0b0000000},
	OpSlt:    {"slt", InstructionTypeR, opcodeOp, 0b010, 0b0000000},
	OpSltu:   {"sltu", InstructionTypeR, opcodeOp, 0b011, 0b0000000},
	OpXor:    {"xor", InstructionTypeR, opcodeOp, 0b100, 0b0000000},
	OpSrl:    {"srl", InstructionTypeR, opcodeOp, 0b101, 0b0000000},
	OpSra:    {"sra", InstructionTypeR, opcodeOp, 0b101, 0b0100000},
	OpOr:     {"or", InstructionTypeR, opcodeOp, 0b110, 0b0000000},
	OpAnd:    {"and", InstructionTypeR, opcodeOp, 0b111, 0b0000000},
	OpFence:  {"fence", InstructionTypeF, opcodeFence, 0b000, 0},
	OpFenceI: {"fence.i", InstructionTypeF, opcodeFence, 0b001, 0},
	OpEcall:  {"ecall", InstructionTypeC, opcodeSystem, 0b000, 0},
	OpEbreak: {"ebreak", InstructionTypeC, opcodeSystem, 0b000, 0},
	OpCsrrw:  {"csrrw", InstructionTypeC, opcodeSystem, 0b001, 0},
	OpCsrrs:  {"csrrs", InstructionTypeC, opcodeSystem, 0b010, 0},
	OpCsrrc:  {"csrrc", InstructionTypeC, opcodeSystem, 0b011, 0},
	OpCsrrwi: {"csrrwi", InstructionTypeC, opcodeSystem, 0b101, 0},
	OpCsrrsi: {"csrrsi", InstructionTypeC, opcodeSystem, 0b110, 0},
	OpCsrrci: {"csrrci", InstructionTypeC, opcodeSystem, 0b111, 0},
}

func (op OpName) String() string {
	if op < 0 || op >= numOps {
		return fmt.Sprintf("OpName(%d)", int(op))
	}
	return opSpecs[op].mnemonic
}

// Type returns the encoding format of op.
func (op OpName) Type() InstructionType {
	return opSpecs[op].typ
}

// LookupOp returns the operation for a base mnemonic such as "addi".
func LookupOp(mnemonic string) (OpName, bool) {
	for op := OpName(0); op < numOps; op++ {
		if opSpecs[op].mnemonic == mnemonic {
			return op, true
		}
	}
	return 0, false
}

// IsLoad reports whether op reads memory.
func (op OpName) IsLoad() bool {
	return op >= OpLb && op <= OpLhu
}

// IsShiftImm reports whether op is one of slli, srli, srai.
func (op OpName) IsShiftImm() bool {
	return op == OpSlli || op == OpSrli || op == OpSrai
}

// IsCsrImm reports whether op takes a 5-bit immediate instead of rs1.
func (op OpName) IsCsrImm() bool {
	return op == OpCsrrwi || op == OpCsrrsi || op == OpCsrrci
}
