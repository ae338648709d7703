package rv32i

import "fmt"

// Encode builds the machine word for op. Operands that a format does not use
// are ignored. For lui/auipc imm is the 20-bit upper immediate; for branches
// and jal it is the byte offset from the instruction; for csr* it is the CSR
// number and, in the immediate forms, rs1 carries the 5-bit zero-extended value.
func Encode(op OpName, rd, rs1, rs2 uint8, imm int32) (uint32, error) {
	if op < 0 || op >= numOps {
		return 0, fmt.Errorf("%w: unknown op %d", ErrIllegalInstruction, int(op))
	}
	if rd > 31 || rs1 > 31 || rs2 > 31 {
		return 0, fmt.Errorf("%s: register index out of range (rd=%d rs1=%d rs2=%d)", op, rd, rs1, rs2)
	}

	s := opSpecs[op]
	base := uint32(s.opcode) | uint32(s.funct3)<<12
	u := uint32(imm)

	switch s.typ {
	case InstructionTypeU:
		if imm < -(1<<19) || imm > (1<<20)-1 {
			return 0, rangeErr(op, imm, "20-bit upper immediate")
		}
		return (u&0xfffff)<<12 | uint32(rd)<<7 | uint32(s.opcode), nil
	case InstructionTypeJ:
		if imm&1 != 0 || !FitsSigned(int64(imm), 21) {
			return 0, rangeErr(op, imm, "even offset within +/-1MiB")
		}
		imm20 := (u >> 20) & 0b1
		imm101 := (u >> 1) & 0b11_11111111
		imm11 := (u >> 11) & 0b1
		imm1912 := (u >> 12) & 0b11111111
		return imm20<<31 | imm101<<21 | imm11<<20 | imm1912<<12 | uint32(rd)<<7 | uint32(s.opcode), nil
	case InstructionTypeB:
		if imm&1 != 0 || !FitsSigned(int64(imm), 13) {
			return 0, rangeErr(op, imm, "even offset within +/-4KiB")
		}
		imm12 := (u >> 12) & 0b1
		imm105 := (u >> 5) & 0b111111
		imm41 := (u >> 1) & 0b1111
		imm11 := (u >> 11) & 0b1
		return imm12<<31 | imm105<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | base | imm41<<8 | imm11<<7, nil
	case InstructionTypeI:
		if op.IsShiftImm() {
			if imm < 0 || imm > 31 {
				return 0, rangeErr(op, imm, "shift amount 0..31")
			}
			return uint32(s.funct7)<<25 | u<<20 | uint32(rs1)<<15 | base | uint32(rd)<<7, nil
		}
		if !FitsSigned(int64(imm), 12) {
			return 0, rangeErr(op, imm, "signed 12-bit")
		}
		return (u&0xfff)<<20 | uint32(rs1)<<15 | base | uint32(rd)<<7, nil
	case InstructionTypeS:
		if !FitsSigned(int64(imm), 12) {
			return 0, rangeErr(op, imm, "signed 12-bit")
		}
		imm115 := (u >> 5) & 0b1111111
		imm40 := u & 0b11111
		return imm115<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | base | imm40<<7, nil
	case InstructionTypeR:
		return uint32(s.funct7)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | base | uint32(rd)<<7, nil
	case InstructionTypeF:
		return (u&0xfff)<<20 | base, nil
	case InstructionTypeC:
		switch op {
		case OpEcall:
			return base, nil
		case OpEbreak:
			return 1<<20 | base, nil
		}
		if imm < 0 || imm > 0xfff {
			return 0, rangeErr(op, imm, "csr number 0..4095")
		}
		return u<<20 | uint32(rs1)<<15 | base | uint32(rd)<<7, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrIllegalInstruction, op)
}

// MustEncode is Encode for operands known to be valid, such as in tests and
// hand-built boot stubs.
func MustEncode(op OpName, rd, rs1, rs2 uint8, imm int32) uint32 {
	code, err := Encode(op, rd, rs1, rs2, imm)
	if err != nil {
		panic(err)
	}
	return code
}

func rangeErr(op OpName, imm int32, want string) error {
	return fmt.Errorf("%w: %s %d, want %s", ErrImmediateRange, op, imm, want)
}
