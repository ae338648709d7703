package rv32i

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Image is a program ready to be copied into guest memory at address 0.
type Image struct {
	Data    []byte
	Entry   uint32
	Symbols map[string]uint32
}

// Words returns the image as little-endian 32-bit words.
func (img *Image) Words() []uint32 {
	words := make([]uint32, (len(img.Data)+3)/4)
	for i := range words {
		var buf [4]byte
		copy(buf[:], img.Data[i*4:])
		words[i] = binary.LittleEndian.Uint32(buf[:])
	}
	return words
}

// ImageFromWords packs words little-endian.
func ImageFromWords(words []uint32, symbols map[string]uint32) *Image {
	data := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	if symbols == nil {
		symbols = map[string]uint32{}
	}
	return &Image{Data: data, Symbols: symbols}
}

// ReadImage loads a program from disk: ".txt" files are parsed as text
// listings, anything else is taken as a raw little-endian binary. Assembly
// sources (".s", ".asm") are refused with ErrAssemblySource.
func ReadImage(path string) (*Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".s", ".asm":
		return nil, fmt.Errorf("%s: %w", path, ErrAssemblySource)
	case ".txt":
		fp, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fp.Close()
		img, err := ReadText(fp)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Image{Data: data, Symbols: map[string]uint32{}}, nil
}

// ReadText parses a text listing. Two instruction line shapes are accepted,
// both with the address right-aligned in 8 columns:
//
//	       0: 93 00 00 00   li      ra, 0          (objdump bytes)
//	       0: 0x00000093 addi ra, zero, 0          (assembler listing)
//
// Lines with '<' in column 9 ("80000000 <boot>:") name a symbol. Everything
// else is skipped. Addresses are rebased so the first one lands at 0.
func ReadText(r io.Reader) (*Image, error) {
	type word struct {
		addr uint64
		val  uint32
	}
	var (
		words   []word
		labels  = map[string]uint64{}
		base    uint64
		hasBase bool
	)
	noteAddr := func(a uint64) {
		if !hasBase {
			base, hasBase = a, true
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if len(line) < 11 {
			continue
		}

		if line[9] == '<' {
			// label
			end := strings.IndexByte(line, '>')
			if end < 10 {
				continue
			}
			addr, err := strconv.ParseUint(strings.TrimSpace(line[:9]), 16, 32)
			if err != nil {
				continue
			}
			noteAddr(addr)
			labels[line[10:end]] = addr
			continue
		}

		if line[8] != ':' || line[9] != ' ' || len(line) < 20 {
			continue
		}
		addr, err := strconv.ParseUint(strings.TrimSpace(line[:8]), 16, 32)
		if err != nil {
			continue
		}

		var u32 uint32
		if line[10:12] == "0x" {
			// 0: 0x00000093 addi ra, zero, 0
			v, err := strconv.ParseUint(line[12:20], 16, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad instruction word %q: %w", lineNo, line[10:20], err)
			}
			u32 = uint32(v)
		} else {
			// 0: 93 00 00 00   li      ra, 0
			if len(line) < 21 {
				continue
			}
			for k, shift := 10, 0; k < 21; k, shift = k+3, shift+8 {
				b, err := strconv.ParseUint(line[k:k+2], 16, 8)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad byte %q: %w", lineNo, line[k:k+2], err)
				}
				u32 |= uint32(b) << shift
			}
		}
		noteAddr(addr)
		words = append(words, word{addr: addr, val: u32})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	img := &Image{Symbols: make(map[string]uint32, len(labels))}
	var size uint64
	for _, w := range words {
		if w.addr < base {
			return nil, fmt.Errorf("address 0x%x below load base 0x%x", w.addr, base)
		}
		if end := w.addr - base + 4; end > size {
			size = end
		}
	}
	img.Data = make([]byte, size)
	for _, w := range words {
		binary.LittleEndian.PutUint32(img.Data[w.addr-base:], w.val)
	}
	for name, addr := range labels {
		if addr >= base {
			img.Symbols[name] = uint32(addr - base)
		}
	}
	return img, nil
}

// TextToBinary converts a text listing into a raw binary image.
func TextToBinary(pathIn, pathOut string) error {
	fp, err := os.Open(pathIn)
	if err != nil {
		return err
	}
	defer fp.Close()

	img, err := ReadText(fp)
	if err != nil {
		return fmt.Errorf("%s: %w", pathIn, err)
	}
	return os.WriteFile(pathOut, img.Data, 0o644)
}
