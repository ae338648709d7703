package rv32i

// SignExtend treats bit as the sign bit of v and extends it to 32 bits.
func SignExtend(v uint32, bit int) uint32 {
	sign := (v >> bit) & 0b1
	mask := ^uint32(0) << bit
	if sign == 1 {
		return v | mask
	}
	return v &^ (mask << 1)
}

// FitsSigned reports whether v is representable as a signed bits-wide value.
func FitsSigned(v int64, bits int) bool {
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return v >= lo && v <= hi
}

