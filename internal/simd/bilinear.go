package simd

// HResize resamples one source row horizontally. Each output element i
// blends the two taps at xofs0[i] and xofs1[i] (element indices) with
// weights alpha[2i] and alpha[2i+1]. Elements are lanes float32 values wide.
func HResize(dst, src []float32, xofs0, xofs1 []int, alpha []float32, lanes int) {
	if lanes == 1 {
		for i := range xofs0 {
			a0, a1 := alpha[i*2], alpha[i*2+1]
			dst[i] = src[xofs0[i]]*a0 + src[xofs1[i]]*a1
		}
		return
	}
	for i := range xofs0 {
		a0, a1 := alpha[i*2], alpha[i*2+1]
		d := dst[i*lanes : i*lanes+lanes]
		s0 := src[xofs0[i]*lanes : xofs0[i]*lanes+lanes]
		s1 := src[xofs1[i]*lanes : xofs1[i]*lanes+lanes]
		l := 0
		for ; l <= lanes-4; l += 4 {
			d[l] = s0[l]*a0 + s1[l]*a1
			d[l+1] = s0[l+1]*a0 + s1[l+1]*a1
			d[l+2] = s0[l+2]*a0 + s1[l+2]*a1
			d[l+3] = s0[l+3]*a0 + s1[l+3]*a1
		}
		for ; l < lanes; l++ {
			d[l] = s0[l]*a0 + s1[l]*a1
		}
	}
}

// VBlend computes dst = r0*b0 + r1*b1.
func VBlend(dst, r0, r1 []float32, b0, b1 float32) {
	r0 = r0[:len(dst)]
	r1 = r1[:len(dst)]
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = r0[i]*b0 + r1[i]*b1
		dst[i+1] = r0[i+1]*b0 + r1[i+1]*b1
		dst[i+2] = r0[i+2]*b0 + r1[i+2]*b1
		dst[i+3] = r0[i+3]*b0 + r1[i+3]*b1
	}
	for ; i < len(dst); i++ {
		dst[i] = r0[i]*b0 + r1[i]*b1
	}
}
