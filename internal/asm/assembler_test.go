package asm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvexec/internal/rv32i"
)

// Compiler output for the is_even sample, plus hand-written pseudo
// instructions after main.
const parityListing = `boot:
# This is a comment line
	li ra, 0
	li s0, 0 # This is a comment
	lui a0, 4
	auipc sp, 1
	addi	sp, sp, -12
	add	sp, sp, a0
	jal riscv32_boot
_out:
	ret
is_even:
	addi	sp, sp, -16
	sw	ra, 12(sp)
	sw	s0, 8(sp)
	addi	s0, sp, 16
	sw	a0, -12(s0)
	lw	a0, -12(s0)
	srli	a1, a0, 31
	add	a1, a0, a1
	andi	a1, a1, -2
	sub	a0, a0, a1
	seqz a0, a0
	lw	ra, 12(sp)
	lw	s0, 8(sp)
	addi	sp, sp, 16
	ret
riscv32_boot:
	addi	sp, sp, -16
	sw	ra, 12(sp)
	sw	s0, 8(sp)
	addi	s0, sp, 16
	auipc	ra, 0
	jalr	24(ra)
	lw	ra, 12(sp)
	lw	s0, 8(sp)
	addi	sp, sp, 16
	ret
main:
	addi	sp, sp, -32
	sw	ra, 28(sp)
	sw	s0, 24(sp)
	addi	s0, sp, 32
	li	a0, 10
	sw	a0, -12(s0)
	li	a0, 1
	sw	a0, -16(s0)
	lw	a0, -12(s0)
	auipc	ra, 0
	jalr	-136(ra)
	sb	a0, -17(s0)
	lw	a0, -16(s0)
	auipc	ra, 0
	jalr	-152(ra)
	sb	a0, -18(s0)
	lw	a0, -12(s0)
	auipc	ra, 0
	jalr	-172(ra)
	lw	a0, -16(s0)
	auipc	ra, 0
	jalr	-184(ra)
	lbu	a0, -17(s0)
	auipc	ra, 0
	jalr	-196(ra)
	lbu	a0, -18(s0)
	auipc	ra, 0
	jalr	-208(ra)
	li	a0, 0
	lw	ra, 28(sp)
	lw	s0, 24(sp)
	addi	sp, sp, 32
	ret
manualtest0:
	call manualtest1
	la t0, main
manualtest1:
	call main
	nop
	mv a1, a0
	neg a1, a0
	not a1, a0
	seqz a0, a1
	snez a0, a1
	sltz a0, a1
	sgtz a0, a1
	ret
`

func TestAssemble_CompilerOutput(t *testing.T) {
	obj, err := AssembleString(parityListing)
	require.NoError(t, err)

	want := []uint32{
		// boot
		0x00000093, 0x00000413, 0x00004537, 0x00001117, 0xff410113, 0x00a10133, 0x044000ef,
		// _out
		0x00008067,
		// is_even
		0xff010113, 0x00112623, 0x00812423, 0x01010413, 0xfea42a23, 0xff442503, 0x01f55593, 0x00b505b3,
		0xffe5f593, 0x40b50533, 0x00153513, 0x00c12083, 0x00812403, 0x01010113, 0x00008067,
		// riscv32_boot
		0xff010113, 0x00112623, 0x00812423, 0x01010413, 0x00000097, 0x018080e7, 0x00c12083,
		0x00812403, 0x01010113, 0x00008067,
		// main
		0xfe010113, 0x00112e23, 0x00812c23, 0x02010413, 0x00a00513, 0xfea42a23, 0x00100513,
		0xfea42823, 0xff442503, 0x00000097, 0xf78080e7, 0xfea407a3, 0xff042503, 0x00000097,
		0xf68080e7, 0xfea40723, 0xff442503, 0x00000097, 0xf54080e7, 0xff042503, 0x00000097,
		0xf48080e7, 0xfef44503, 0x00000097, 0xf3c080e7, 0xfee44503, 0x00000097, 0xf30080e7,
		0x00000513, 0x01c12083, 0x01812403, 0x02010113, 0x00008067,
		// manualtest0: call forward, la backward
		0x00000097, 0x010080e7, 0x00000297, 0xf7428293,
		// manualtest1: call backward
		0x00000097, 0xf6c080e7,
		// nop, mv
		0x00000013, 0x00050593,
		// neg, not
		0x40a005b3, 0xfff54593,
		// seqz, snez, sltz, sgtz
		0x0015b513, 0x00b03533, 0x0005a533, 0x00b02533,
		// ret
		0x00008067,
	}
	if diff := cmp.Diff(want, obj.Code); diff != "" {
		t.Errorf("Assemble() mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, map[string]uint32{
		"boot":         0x00,
		"_out":         0x1c,
		"is_even":      0x20,
		"riscv32_boot": 0x5c,
		"main":         0x84,
		"manualtest0":  0x108,
		"manualtest1":  0x118,
	}, obj.Symbols)
}

func TestAssemble_CallAndLa(t *testing.T) {
	src := `entry:
	li x3,1
	li x4,2
	call hoge
	li a1, 42
	la t0, entry
	la t1, hoge
	ret
hoge:
	li a0, 123
	ret`

	// 00000000 <entry>:
	//        0: 93 01 10 00   li      gp, 1
	//        4: 13 02 20 00   li      tp, 2
	//        8: 97 00 00 00   auipc   ra, 0
	//        c: e7 80 00 02   jalr    32(ra)
	//       10: 93 05 a0 02   li      a1, 42
	//       14: 97 02 00 00   auipc   t0, 0
	//       18: 93 82 c2 fe   addi    t0, t0, -20
	//       1c: 17 03 00 00   auipc   t1, 0
	//       20: 13 03 c3 00   addi    t1, t1, 12
	//       24: 67 80 00 00   ret
	//
	// 00000028 <hoge>:
	//       28: 13 05 b0 07   li      a0, 123
	//       2c: 67 80 00 00   ret
	obj, err := AssembleString(src)
	require.NoError(t, err)
	assert.Equal(t, []uint32{
		0x00100193, 0x00200213, 0x00000097, 0x020080e7, 0x02a00593,
		0x00000297, 0xfec28293, 0x00000317, 0x00c30313, 0x00008067,
		0x07b00513, 0x00008067,
	}, obj.Code)

	e := rv32i.NewEmulator(rv32i.Options{})
	require.NoError(t, e.LoadImage(obj.Image()))
	require.NoError(t, e.StepUntil(context.Background(), 0x24))
	assert.Equal(t, uint32(123), e.Cpu.X[rv32i.RegA0])
	assert.Equal(t, uint32(0), e.Cpu.X[5])
	assert.Equal(t, uint32(0x28), e.Cpu.X[6])
}

func TestAssemble_Li(t *testing.T) {
	for _, td := range []struct {
		src   string
		words int
		value uint32
	}{
		{"li a0, 0", 1, 0},
		{"li a0, -2048", 1, 0xFFFFF800},
		{"li a0, 2047", 1, 2047},
		{"li a0, 2048", 2, 2048},
		{"li a0, 0x12345000", 1, 0x12345000},
		{"li a0, 1000000000", 2, 1000000000},
		{"li a0, 0x7FFFFFFF", 2, 0x7FFFFFFF},
		{"li a0, 0xFFFFF7FF", 2, 0xFFFFF7FF},
		{"li a0, -1", 1, 0xFFFFFFFF},
		{"li a0, 0x80000000", 1, 0x80000000},
		{"li a0, 832040", 2, 832040},
	} {
		t.Run(td.src, func(t *testing.T) {
			obj, err := AssembleString(td.src + "\nebreak\n")
			require.NoError(t, err)
			require.Len(t, obj.Code, td.words+1)

			e := rv32i.NewEmulator(rv32i.Options{})
			require.NoError(t, e.LoadImage(obj.Image()))
			require.NoError(t, e.StepUntil(context.Background(), uint32(td.words*4)))
			assert.Equal(t, td.value, e.Cpu.X[rv32i.RegA0])
		})
	}
}

func TestAssemble_BranchesAndJumps(t *testing.T) {
	src := `
start:
	beqz a0, done     # label: pc-relative
	bnez a0, 8        # number: raw offset
	bgt  a0, a1, start
	ble  a0, a1, done
	j    start
	jal  done
	jal  t0, done
	jr   t0
done:
	ret
`
	obj, err := AssembleString(src)
	require.NoError(t, err)
	require.Len(t, obj.Code, 9)

	decoded := make([]string, len(obj.Code))
	for i, w := range obj.Code {
		decoded[i] = rv32i.Disassemble(w)
	}
	assert.Equal(t, []string{
		"beq a0, zero, 32",
		"bne a0, zero, 8",
		"blt a1, a0, -8",
		"bge a1, a0, 20",
		"jal zero, -16",
		"jal ra, 12",
		"jal t0, 8",
		"jalr zero, 0(t0)",
		"jalr zero, 0(ra)",
	}, decoded)
}

func TestAssemble_DirectivesAndExpressions(t *testing.T) {
	src := `
	.text
	.globl _start
	.equ COUNT, 3*4+1
table:
	.word 1, -1, 0xdeadbeef, table+4
_start:
	li a0, COUNT
	li a1, (COUNT - 1) / 4 % 2
	lui a2, %hi(0x12345FFF)
	addi a2, a2, %lo(0x12345FFF)
	csrr a3, instret
	csrw mscratch, a0
	csrrwi a4, 0x340, 5
	.align 4
end:
	ebreak
`
	obj, err := AssembleString(src)
	require.NoError(t, err)

	assert.Equal(t, uint32(16), obj.Entry)
	assert.Equal(t, []uint32{1, 0xFFFFFFFF, 0xdeadbeef, 4}, obj.Code[:4])
	assert.NotContains(t, obj.Symbols, "COUNT")
	assert.Equal(t, uint32(0x40), obj.Symbols["end"], ".align 4 pads to 16 bytes")
	assert.Equal(t, nop, obj.Code[len(obj.Code)-2])

	e := rv32i.NewEmulator(rv32i.Options{})
	require.NoError(t, e.LoadImage(obj.Image()))
	require.NoError(t, e.StepUntil(context.Background(), obj.Symbols["end"]))
	assert.Equal(t, uint32(13), e.Cpu.X[rv32i.RegA0])
	assert.Equal(t, uint32(1), e.Cpu.X[rv32i.RegA1])
	assert.Equal(t, uint32(0x12345FFF), e.Cpu.X[rv32i.RegA2])
	assert.Equal(t, uint32(13), e.Cpu.X[14], "csrrwi returns what csrw stored")
	v, err := e.Cpu.ReadCSR(rv32i.CsrMscratch)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v)
}

func TestAssemble_Entry(t *testing.T) {
	boot := `
helper:
	ret
boot:
	li a0, 3
	li a7, 93
	ecall
`
	obj, err := AssembleString(boot)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), obj.Entry)

	e := rv32i.NewEmulator(rv32i.Options{})
	require.NoError(t, e.LoadImage(obj.Image()))
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), res.ExitCode)
	assert.Equal(t, uint64(3), res.Instructions)

	obj, err = AssembleString(boot + "_start:\n\tj boot\n")
	require.NoError(t, err)
	assert.Equal(t, uint32(16), obj.Entry, "_start wins over boot")

	obj, err = AssembleString("nop\nmain:\n\tret\n")
	require.NoError(t, err)
	assert.Zero(t, obj.Entry)
}

func TestAssemble_Errors(t *testing.T) {
	for _, td := range []struct {
		src  string
		want error
		pos  Pos
	}{
		{"j nowhere", ErrUndefinedLabel, Pos{1, 3}},
		{"a:\nnop\na:", ErrDuplicateLabel, Pos{3, 1}},
		{"frob a0", ErrUnknownMnemonic, Pos{1, 1}},
		{".bss", ErrUnknownMnemonic, Pos{1, 1}},
		{"add a0, a1", ErrOperands, Pos{1, 1}},
		{"add a0, a1, 3", ErrOperands, Pos{1, 13}},
		{"lw a0, a1", ErrOperands, Pos{1, 8}},
		{"addi a0, a0, 1/0", ErrDivideByZero, Pos{1, 15}},
		{"addi a0, a0, 4096", rv32i.ErrImmediateRange, Pos{1, 1}},
		{"beq a0, a1, 3", rv32i.ErrImmediateRange, Pos{1, 1}},
		{"beq a0, a1, 8192", ErrOutOfRange, Pos{1, 13}},
		{"li a0, 0x100000000", ErrSyntax, Pos{1, 8}},
		{"addi a0 a0, 1", ErrSyntax, Pos{1, 9}},
		{"lw a0, 4(a1", ErrSyntax, Pos{1, 12}},
	} {
		t.Run(td.src, func(t *testing.T) {
			_, err := AssembleString(td.src)
			require.ErrorIs(t, err, td.want)
			var aerr *Error
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, td.pos, aerr.Pos)
		})
	}

	for _, src := range []string{
		"addi a0, zero, 0xFFFFFFFF + 6",
		"lw a0, 0xFFFFFFFF + 9(sp)",
		"sw a0, -0x80000000 - 4(sp)",
		"lui a0, 0xFFFFFFFF + 2",
		"li a0, 0xFFFFFFFF + 1",
		".word 0xFFFFFFFF + 1",
		".equ BIG, 0xFFFFFFFF * 2",
		"csrrw a0, 0xFFFFFFFF + 0x341, a1",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := AssembleString(src)
			require.ErrorIs(t, err, ErrOperands)
			assert.ErrorContains(t, err, "does not fit 32 bits")
			var aerr *Error
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, 1, aerr.Pos.Line)
		})
	}

	t.Run("jal beyond 1MiB", func(t *testing.T) {
		src := "jal far\n.align 12\n" + strings.Repeat(".align 12\nnop\n", 300) + "far:\nret\n"
		_, err := AssembleString(src)
		assert.ErrorIs(t, err, ErrOutOfRange)
	})
}

func TestListingRoundTrip(t *testing.T) {
	obj, err := AssembleString(parityListing)
	require.NoError(t, err)

	lines := obj.Listing()
	assert.Equal(t, "00000000 <boot>:", lines[0])
	assert.Equal(t, "       0: 0x00000093 addi ra, zero, 0", lines[1])

	var sb strings.Builder
	require.NoError(t, obj.WriteListing(&sb))
	img, err := rv32i.ReadText(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, obj.Bytes(), img.Data)
	assert.Equal(t, obj.Symbols, img.Symbols)
}

func TestReadImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "prog.s")
	require.NoError(t, os.WriteFile(src, []byte("_start:\n li a0, 7\n li a7, 93\n ecall\n"), 0o644))

	img, err := ReadImage(src)
	require.NoError(t, err)
	e := rv32i.NewEmulator(rv32i.Options{})
	require.NoError(t, e.LoadImage(img))
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(7), res.ExitCode)

	bad := filepath.Join(dir, "bad.asm")
	require.NoError(t, os.WriteFile(bad, []byte("nop\nfrob\n"), 0o644))
	_, err = ReadImage(bad)
	assert.ErrorIs(t, err, ErrUnknownMnemonic)
	assert.Contains(t, err.Error(), "bad.asm:2:1")
}

func TestDecodeImage(t *testing.T) {
	obj, err := AssembleString("_start:\n li a0, 7\n li a7, 93\n ecall\n")
	require.NoError(t, err)

	var listing strings.Builder
	require.NoError(t, obj.WriteListing(&listing))

	for name, data := range map[string][]byte{
		"prog.S":   []byte("_start:\n li a0, 7\n li a7, 93\n ecall\n"),
		"prog.txt": []byte(listing.String()),
		"prog.bin": obj.Bytes(),
	} {
		img, err := DecodeImage(name, data)
		require.NoError(t, err, name)
		assert.Equal(t, obj.Code, img.Words(), name)
	}

	_, err = DecodeImage("x.txt", []byte("       0: 0xzzzzzzzz addi\n"))
	assert.ErrorContains(t, err, "x.txt: ")
}
