package rv32i

import "fmt"

// Instruction is a decoded 32-bit RV32I instruction. Imm is already
// sign-extended for the instruction's format; for shift-immediates the
// shift amount sits in Rs2 and for system instructions Imm holds the CSR number.
type Instruction struct {
	Op     OpName
	Type   InstructionType
	Imm    uint32
	Funct7 uint8
	Rs2    uint8
	Rs1    uint8
	Funct3 uint8
	Rd     uint8
	Opcode uint8
	Raw    uint32
}

// Decode splits raw into its fields and resolves the operation.
func Decode(raw uint32) (*Instruction, error) {
	i := &Instruction{}
	if err := decodeInto(raw, i); err != nil {
		return nil, err
	}
	return i, nil
}

func decodeInto(raw uint32, i *Instruction) error {
	i.Opcode = uint8(raw & 0b1111111)
	i.Rd = uint8((raw >> 7) & 0b11111)
	i.Funct3 = uint8((raw >> 12) & 0b111)
	i.Rs1 = uint8((raw >> 15) & 0b11111)
	i.Rs2 = uint8((raw >> 20) & 0b11111)
	i.Funct7 = uint8(raw >> 25)
	i.Raw = raw

	op, err := i.resolveOp()
	if err != nil {
		return err
	}
	i.Op = op
	i.Type = op.Type()

	switch i.Type {
	case InstructionTypeU:
		i.Imm = raw & 0b11111111_11111111_11110000_00000000
	case InstructionTypeJ:
		imm20 := raw >> 31
		imm101 := raw >> 21 & 0b11_11111111
		imm11 := raw >> 20 & 0b1
		imm1912 := raw >> 12 & 0b11111111
		i.Imm = SignExtend(imm20<<20|imm1912<<12|imm11<<11|imm101<<1, 20)
	case InstructionTypeB:
		imm12 := raw >> 31
		imm105 := raw >> 25 & 0b111111
		imm41 := raw >> 8 & 0b1111
		imm11 := raw >> 7 & 0b1
		i.Imm = SignExtend(imm12<<12|imm11<<11|imm105<<5|imm41<<1, 12)
	case InstructionTypeI:
		i.Imm = SignExtend(raw>>20, 11)
	case InstructionTypeS:
		imm115 := raw >> 25
		imm40 := raw >> 7 & 0b11111
		i.Imm = SignExtend(imm115<<5|imm40, 11)
	case InstructionTypeC:
		// csr number (or the ecall/ebreak selector), zero-extended
		i.Imm = raw >> 20
	}
	return nil
}

func (i *Instruction) illegal(what string) error {
	return fmt.Errorf("%w: 0x%08x: %s (opcode %07b funct3 %03b funct7 %07b)",
		ErrIllegalInstruction, i.Raw, what, i.Opcode, i.Funct3, i.Funct7)
}

func (i *Instruction) resolveOp() (OpName, error) {
	switch i.Opcode {
	case opcodeLui:
		return OpLui, nil
	case opcodeAuipc:
		return OpAuipc, nil
	case opcodeJal:
		return OpJal, nil
	case opcodeJalr:
		if i.Funct3 != 0 {
			return 0, i.illegal("jalr")
		}
		return OpJalr, nil
	case opcodeBranch:
		switch i.Funct3 {
		case 0b000:
			return OpBeq, nil
		case 0b001:
			return OpBne, nil
		case 0b100:
			return OpBlt, nil
		case 0b101:
			return OpBge, nil
		case 0b110:
			return OpBltu, nil
		case 0b111:
			return OpBgeu, nil
		}
		return 0, i.illegal("branch")
	case opcodeLoad:
		switch i.Funct3 {
		case 0b000:
			return OpLb, nil
		case 0b001:
			return OpLh, nil
		case 0b010:
			return OpLw, nil
		case 0b100:
			return OpLbu, nil
		case 0b101:
			return OpLhu, nil
		}
		return 0, i.illegal("load")
	case opcodeStore:
		switch i.Funct3 {
		case 0b000:
			return OpSb, nil
		case 0b001:
			return OpSh, nil
		case 0b010:
			return OpSw, nil
		}
		return 0, i.illegal("store")
	case opcodeOpImm:
		switch i.Funct3 {
		case 0b000:
			return OpAddi, nil
		case 0b010:
			return OpSlti, nil
		case 0b011:
			return OpSltiu, nil
		case 0b100:
			return OpXori, nil
		case 0b110:
			return OpOri, nil
		case 0b111:
			return OpAndi, nil
		case 0b001:
			if i.Funct7 == 0 {
				return OpSlli, nil
			}
		case 0b101:
			switch i.Funct7 {
			case 0b0000000:
				return OpSrli, nil
			case 0b0100000:
				return OpSrai, nil
			}
		}
		return 0, i.illegal("op-imm")
	case opcodeOp:
		switch i.Funct7 {
		case 0b0000000:
			switch i.Funct3 {
			case 0b000:
				return OpAdd, nil
			case 0b001:
				return OpSll, nil
			case 0b010:
				return OpSlt, nil
			case 0b011:
				return OpSltu, nil
			case 0b100:
				return OpXor, nil
			case 0b101:
				return OpSrl, nil
			case 0b110:
				return OpOr, nil
			case 0b111:
				return OpAnd, nil
			}
		case 0b0100000:
			switch i.Funct3 {
			case 0b000:
				return OpSub, nil
			case 0b101:
				return OpSra, nil
			}
		}
		return 0, i.illegal("op")
	case opcodeFence:
		switch i.Funct3 {
		case 0b000:
			return OpFence, nil
		case 0b001:
			return OpFenceI, nil
		}
		return 0, i.illegal("fence")
	case opcodeSystem:
		switch i.Funct3 {
		case 0b000:
			switch i.Raw >> 20 {
			case 0:
				return OpEcall, nil
			case 1:
				return OpEbreak, nil
			}
			return 0, i.illegal("system")
		case 0b001:
			return OpCsrrw, nil
		case 0b010:
			return OpCsrrs, nil
		case 0b011:
			return OpCsrrc, nil
		case 0b101:
			return OpCsrrwi, nil
		case 0b110:
			return OpCsrrsi, nil
		case 0b111:
			return OpCsrrci, nil
		}
		return 0, i.illegal("system")
	}
	return 0, i.illegal("opcode")
}

// OpName resolves the operation from the funct3/funct7 fields.
func (i *Instruction) OpName() (OpName, error) {
	return i.resolveOp()
}

// SImm returns the immediate as a signed value.
func (i *Instruction) SImm() int32 {
	return int32(i.Imm)
}

func (i *Instruction) String() string {
	return Disassemble(i.Raw)
}
