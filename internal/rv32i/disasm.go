package rv32i

import "fmt"

// Disassemble renders raw the way the assembler accepts it back, e.g.
// "addi sp, sp, -16" or "sw ra, 12(sp)". Undecodable words render as ".word".
func Disassemble(raw uint32) string {
	i, err := Decode(raw)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", raw)
	}
	rd, rs1, rs2 := ABINames[i.Rd], ABINames[i.Rs1], ABINames[i.Rs2]
	imm := i.SImm()

	switch i.Op {
	case OpLui, OpAuipc:
		return fmt.Sprintf("%s %s, %d", i.Op, rd, i.Imm>>12)
	case OpJal:
		return fmt.Sprintf("%s %s, %d", i.Op, rd, imm)
	case OpJalr:
		return fmt.Sprintf("%s %s, %d(%s)", i.Op, rd, imm, rs1)
	case OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu:
		return fmt.Sprintf("%s %s, %s, %d", i.Op, rs1, rs2, imm)
	case OpLb, OpLh, OpLw, OpLbu, OpLhu:
		return fmt.Sprintf("%s %s, %d(%s)", i.Op, rd, imm, rs1)
	case OpSb, OpSh, OpSw:
		return fmt.Sprintf("%s %s, %d(%s)", i.Op, rs2, imm, rs1)
	case OpSlli, OpSrli, OpSrai:
		return fmt.Sprintf("%s %s, %s, %d", i.Op, rd, rs1, i.Rs2)
	case OpAddi, OpSlti, OpSltiu, OpXori, OpOri, OpAndi:
		return fmt.Sprintf("%s %s, %s, %d", i.Op, rd, rs1, imm)
	case OpFence, OpFenceI, OpEcall, OpEbreak:
		return i.Op.String()
	case OpCsrrw, OpCsrrs, OpCsrrc:
		return fmt.Sprintf("%s %s, 0x%03x, %s", i.Op, rd, i.Imm, rs1)
	case OpCsrrwi, OpCsrrsi, OpCsrrci:
		return fmt.Sprintf("%s %s, 0x%03x, %d", i.Op, rd, i.Imm, i.Rs1)
	}
	return fmt.Sprintf("%s %s, %s, %s", i.Op, rd, rs1, rs2)
}
