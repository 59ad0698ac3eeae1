package simd

import (
	"math"

	"github.com/23skdu/longbow-tessera/internal/precision"
)

// F32FromF16 widens half precision bits into dst.
func F32FromF16(dst []float32, src []uint16) {
	src = src[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = precision.Float16ToFloat32(src[i])
		dst[i+1] = precision.Float16ToFloat32(src[i+1])
		dst[i+2] = precision.Float16ToFloat32(src[i+2])
		dst[i+3] = precision.Float16ToFloat32(src[i+3])
	}
	for ; i < len(dst); i++ {
		dst[i] = precision.Float16ToFloat32(src[i])
	}
}

// F16FromF32 narrows float32 values to half precision bits.
func F16FromF32(dst []uint16, src []float32) {
	src = src[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = precision.Float32ToFloat16(src[i])
		dst[i+1] = precision.Float32ToFloat16(src[i+1])
		dst[i+2] = precision.Float32ToFloat16(src[i+2])
		dst[i+3] = precision.Float32ToFloat16(src[i+3])
	}
	for ; i < len(dst); i++ {
		dst[i] = precision.Float32ToFloat16(src[i])
	}
}

// F32FromBF16 widens bfloat16 bits into dst.
func F32FromBF16(dst []float32, src []uint16) {
	src = src[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = math.Float32frombits(uint32(src[i]) << 16)
		dst[i+1] = math.Float32frombits(uint32(src[i+1]) << 16)
		dst[i+2] = math.Float32frombits(uint32(src[i+2]) << 16)
		dst[i+3] = math.Float32frombits(uint32(src[i+3]) << 16)
	}
	for ; i < len(dst); i++ {
		dst[i] = math.Float32frombits(uint32(src[i]) << 16)
	}
}

// BF16FromF32 narrows float32 values to bfloat16 bits.
func BF16FromF32(dst []uint16, src []float32) {
	src = src[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = precision.Float32ToBFloat16(src[i])
		dst[i+1] = precision.Float32ToBFloat16(src[i+1])
		dst[i+2] = precision.Float32ToBFloat16(src[i+2])
		dst[i+3] = precision.Float32ToBFloat16(src[i+3])
	}
	for ; i < len(dst); i++ {
		dst[i] = precision.Float32ToBFloat16(src[i])
	}
}

// F32FromBits reinterprets raw float32 bits.
func F32FromBits(dst []float32, src []uint32) {
	for i := range dst {
		dst[i] = math.Float32frombits(src[i])
	}
}

// BitsFromF32 stores float32 values as raw bits.
func BitsFromF32(dst []uint32, src []float32) {
	for i := range dst {
		dst[i] = math.Float32bits(src[i])
	}
}
