// Package bitfield provides insertion and extraction of small bit fields
// within 32-bit words, as used by the differential blob record encoding.
package bitfield

// ExtractUnsigned returns bits [lbit, hbit) of value as an unsigned integer.
func ExtractUnsigned(value uint32, lbit, hbit int) uint32 {
	value >>= lbit
	value &= (uint32(1) << (hbit - lbit)) - 1
	return value
}

// ExtractSigned returns bits [lbit, hbit) of value, sign-extended from
// a (hbit-lbit)-bit two's-complement field.
func ExtractSigned(value uint32, lbit, hbit int) int32 {
	bits := hbit - lbit
	ans := int32(ExtractUnsigned(value, lbit, hbit))
	if ans&(int32(1)<<(bits-1)) != 0 {
		ans -= int32(1) << bits
	}
	return ans
}

// InsertUnsigned returns payload with value placed in bits [lbit, hbit).
// The field in payload must be zero; value must fit in hbit-lbit bits.
func InsertUnsigned(payload, value uint32, lbit, hbit int) uint32 {
	_ = hbit
	return payload | (value << lbit)
}

// InsertSigned returns payload with value placed in bits [lbit, hbit) as a
// two's-complement field. value must lie in [-2^(hbit-lbit-1), 2^(hbit-lbit-1)).
func InsertSigned(payload uint32, value int32, lbit, hbit int) uint32 {
	if value < 0 {
		value += int32(1) << (hbit - lbit)
	}
	return payload | (uint32(value) << lbit)
}
