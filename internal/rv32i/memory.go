package rv32i

import "encoding/binary"

// DefaultMemorySize is the size of guest RAM when Options leaves it unset.
const DefaultMemorySize = uint32(0x10_000)

// Bus is the CPU's view of memory.
type Bus interface {
	ReadU8(addr uint32) (uint8, error)
	ReadU16(addr uint32) (uint16, error)
	ReadU32(addr uint32) (uint32, error)
	WriteU8(addr uint32, data uint8) error
	WriteU16(addr uint32, data uint16) error
	WriteU32(addr uint32, data uint32) error
}

// Memory is flat little-endian RAM starting at address 0. Data accesses
// may be unaligned.
type Memory struct {
	data []byte
}

func NewMemory(size uint32) *Memory {
	if size == 0 {
		size = DefaultMemorySize
	}
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) Size() uint32 {
	return uint32(len(m.data))
}

// Bytes exposes the backing array.
func (m *Memory) Bytes() []byte {
	return m.data
}

func (m *Memory) Clear() {
	clear(m.data)
}

func (m *Memory) check(op string, addr, size uint32) error {
	end := uint64(addr) + uint64(size)
	if end > uint64(len(m.data)) {
		return &MemoryError{Op: op, Addr: addr, Size: size, Err: ErrOutOfBounds}
	}
	return nil
}

// Load copies data into memory at addr.
func (m *Memory) Load(addr uint32, data []byte) error {
	if err := m.check("load image", addr, uint32(len(data))); err != nil {
		return err
	}
	copy(m.data[addr:], data)
	return nil
}

// Slice returns n bytes at addr without copying.
func (m *Memory) Slice(addr, n uint32) ([]byte, error) {
	if err := m.check("read", addr, n); err != nil {
		return nil, err
	}
	return m.data[addr : addr+n], nil
}

func (m *Memory) ReadU8(addr uint32) (uint8, error) {
	if err := m.check("read", addr, 1); err != nil {
		return 0, err
	}
	return m.data[addr], nil
}

func (m *Memory) ReadU16(addr uint32) (uint16, error) {
	if err := m.check("read", addr, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.data[addr:]), nil
}

func (m *Memory) ReadU32(addr uint32) (uint32, error) {
	if err := m.check("read", addr, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[addr:]), nil
}

func (m *Memory) WriteU8(addr uint32, data uint8) error {
	if err := m.check("write", addr, 1); err != nil {
		return err
	}
	m.data[addr] = data
	return nil
}

func (m *Memory) WriteU16(addr uint32, data uint16) error {
	if err := m.check("write", addr, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.data[addr:], data)
	return nil
}

func (m *Memory) WriteU32(addr uint32, data uint32) error {
	if err := m.check("write", addr, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[addr:], data)
	return nil
}
