package simd

import "unsafe"

// Unit is a fixed-size word a kernel moves without interpreting it. One
// scalar of any storage kind fits in uint8, uint16 or uint32.
type Unit interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// As reinterprets a byte slice as a slice of units. b must be aligned to
// the unit size, which tensor storage always is.
func As[T Unit](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var z T
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/int(unsafe.Sizeof(z)))
}

// Split de-interleaves n elements of p lanes into p/q destination planes of
// q lanes each: dst[k][i*q+l] = src[i*p+k*q+l].
func Split[T Unit](dst [][]T, src []T, n, p, q int) {
	if q == 1 {
		switch p {
		case 4:
			split4x1(dst, src, n)
			return
		case 8:
			split8x1(dst, src, n)
			return
		case 16:
			split16x1(dst, src, n)
			return
		}
	}
	for k := range dst {
		d := dst[k]
		for i := 0; i < n; i++ {
			copy(d[i*q:i*q+q], src[i*p+k*q:i*p+k*q+q])
		}
	}
}

// Merge is the inverse of Split: p/q source planes of q lanes are
// interleaved into n elements of p lanes.
func Merge[T Unit](dst []T, src [][]T, n, p, q int) {
	if q == 1 {
		switch p {
		case 4:
			merge1x4(dst, src, n)
			return
		case 8:
			merge1x8(dst, src, n)
			return
		case 16:
			merge1x16(dst, src, n)
			return
		}
	}
	for k := range src {
		s := src[k]
		for i := 0; i < n; i++ {
			copy(dst[i*p+k*q:i*p+k*q+q], s[i*q:i*q+q])
		}
	}
}

func split4x1[T Unit](dst [][]T, src []T, n int) {
	d0, d1, d2, d3 := dst[0][:n], dst[1][:n], dst[2][:n], dst[3][:n]
	s := src[:n*4]
	for i := 0; i < n; i++ {
		d0[i] = s[i*4]
		d1[i] = s[i*4+1]
		d2[i] = s[i*4+2]
		d3[i] = s[i*4+3]
	}
}

func split8x1[T Unit](dst [][]T, src []T, n int) {
	s := src[:n*8]
	for i := 0; i < n; i++ {
		e := s[i*8 : i*8+8]
		dst[0][i] = e[0]
		dst[1][i] = e[1]
		dst[2][i] = e[2]
		dst[3][i] = e[3]
		dst[4][i] = e[4]
		dst[5][i] = e[5]
		dst[6][i] = e[6]
		dst[7][i] = e[7]
	}
}

func split16x1[T Unit](dst [][]T, src []T, n int) {
	s := src[:n*16]
	for i := 0; i < n; i++ {
		e := s[i*16 : i*16+16]
		for l := 0; l < 16; l += 4 {
			dst[l][i] = e[l]
			dst[l+1][i] = e[l+1]
			dst[l+2][i] = e[l+2]
			dst[l+3][i] = e[l+3]
		}
	}
}

func merge1x4[T Unit](dst []T, src [][]T, n int) {
	s0, s1, s2, s3 := src[0][:n], src[1][:n], src[2][:n], src[3][:n]
	d := dst[:n*4]
	for i := 0; i < n; i++ {
		d[i*4] = s0[i]
		d[i*4+1] = s1[i]
		d[i*4+2] = s2[i]
		d[i*4+3] = s3[i]
	}
}

func merge1x8[T Unit](dst []T, src [][]T, n int) {
	d := dst[:n*8]
	for i := 0; i < n; i++ {
		e := d[i*8 : i*8+8]
		e[0] = src[0][i]
		e[1] = src[1][i]
		e[2] = src[2][i]
		e[3] = src[3][i]
		e[4] = src[4][i]
		e[5] = src[5][i]
		e[6] = src[6][i]
		e[7] = src[7][i]
	}
}

func merge1x16[T Unit](dst []T, src [][]T, n int) {
	d := dst[:n*16]
	for i := 0; i < n; i++ {
		e := d[i*16 : i*16+16]
		for l := 0; l < 16; l += 4 {
			e[l] = src[l][i]
			e[l+1] = src[l+1][i]
			e[l+2] = src[l+2][i]
			e[l+3] = src[l+3][i]
		}
	}
}

// Fill sets every unit of dst to v.
func Fill[T Unit](dst []T, v T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = v
		dst[i+1] = v
		dst[i+2] = v
		dst[i+3] = v
	}
	for ; i < len(dst); i++ {
		dst[i] = v
	}
}

// FillPattern repeats pattern across dst. len(dst) must be a multiple of
// len(pattern).
func FillPattern(dst, pattern []byte) {
	if len(dst) == 0 {
		return
	}
	n := copy(dst, pattern)
	// doubling copy
	for n < len(dst) {
		n += copy(dst[n:], dst[:n])
	}
}

// Gather copies src[idx[i]] into dst[i] for elements of width units.
func Gather[T Unit](dst, src []T, idx []int, width int) {
	if width == 1 {
		for i, j := range idx {
			dst[i] = src[j]
		}
		return
	}
	for i, j := range idx {
		copy(dst[i*width:i*width+width], src[j*width:j*width+width])
	}
}
