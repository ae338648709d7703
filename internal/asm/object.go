package asm

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"

	"rvexec/internal/rv32i"
)

// Object is assembled machine code, laid out from address 0.
type Object struct {
	Code    []uint32
	Symbols map[string]uint32
	Entry   uint32
}

// Bytes returns the code as a raw little-endian image.
func (o *Object) Bytes() []byte {
	return rv32i.ImageFromWords(o.Code, nil).Data
}

// Image returns the object ready for Emulator.LoadImage.
func (o *Object) Image() *rv32i.Image {
	img := rv32i.ImageFromWords(o.Code, maps.Clone(o.Symbols))
	img.Entry = o.Entry
	return img
}

// Listing renders the object in the "addr: 0xword mnemonic" text format that
// rv32i.ReadText loads, with "<label>:" headers.
func (o *Object) Listing() []string {
	labels := map[uint32][]string{}
	for name, addr := range o.Symbols {
		if int(addr/4) < len(o.Code) {
			labels[addr] = append(labels[addr], name)
		}
	}

	lines := make([]string, 0, len(o.Code)+len(labels))
	for idx, code := range o.Code {
		addr := uint32(idx * 4)
		names := labels[addr]
		slices.Sort(names)
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("%08x <%s>:", addr, name))
		}
		lines = append(lines, fmt.Sprintf("%8x: 0x%08x %s", addr, code, rv32i.Disassemble(code)))
	}
	return lines
}

func (o *Object) WriteListing(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, line := range o.Listing() {
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	return bw.Flush()
}
