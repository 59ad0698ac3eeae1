// Package precision holds the scalar conversions between float32 and the
// 16-bit storage formats used by tensors.
package precision

import (
	"math"

	"github.com/x448/float16"
)

// Float32ToFloat16 converts a float32 to IEEE 754 binary16 bits.
// Rounds to nearest even; magnitudes beyond the half range become signed
// infinity and NaN stays NaN.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 widens binary16 bits to float32. Exact, subnormals included.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// Float32ToBFloat16 keeps the upper half of the float32 bits, rounding the
// dropped mantissa to nearest even. Values that round past the largest
// bfloat16 become signed infinity.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7fffffff > 0x7f800000 {
		// NaN: truncate but keep it quiet so the payload cannot collapse to Inf
		return uint16(bits>>16) | 0x0040
	}
	rounding := uint32(0x7fff) + (bits>>16)&1
	return uint16((bits + rounding) >> 16)
}

// BFloat16ToFloat32 widens bfloat16 bits to float32. Exact.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}
