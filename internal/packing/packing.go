// Package packing converts tensors between pack widths. The pack dimension
// is treated as an extra minor axis: narrowing gathers strided lanes into
// more planes, widening interleaves planes back together. The logical
// contents never change.
package packing

import (
	"fmt"

	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/parallel"
	"github.com/23skdu/longbow-tessera/internal/simd"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// ChoosePack returns the widest lane width in lanes that divides extent, or
// 1 when none does.
func ChoosePack(extent int, lanes []int) int {
	best := 1
	for _, l := range lanes {
		if l > best && extent%l == 0 {
			best = l
		}
	}
	return best
}

// ChooseFor applies ChoosePack to a target's lanes. It returns 1 when packed
// layouts are disabled.
func ChooseFor(extent int, f device.Features, enabled bool) int {
	if !enabled {
		return 1
	}
	return ChoosePack(extent, f.Lanes)
}

// Convert returns src with its pack width changed to outPack. When the pack
// already matches, the input is returned as a new handle to the same
// storage.
func Convert(src *tensor.Tensor, outPack int, alloc tensor.Allocator, threads int) (*tensor.Tensor, error) {
	if src.ElemPack == outPack {
		return src.Share(), nil
	}
	if !tensor.ValidPack(outPack) {
		return nil, fmt.Errorf("packing: invalid pack width %d", outPack)
	}
	s := src.Shape()
	if s.PackedExtent()%outPack != 0 {
		return nil, fmt.Errorf("packing %v to %d: %w", s, outPack, tensor.ErrPackMismatch)
	}
	dst, err := tensor.New(s, src.Kind, outPack, alloc)
	if err != nil {
		return nil, fmt.Errorf("packing: %w", err)
	}
	ConvertInto(dst, src, threads)
	return dst, nil
}

// ConvertInto writes src into the preallocated dst, which must have the same
// logical shape and kind.
func ConvertInto(dst, src *tensor.Tensor, threads int) {
	if dst.Dims == 1 || dst.ElemPack == src.ElemPack {
		// rank 1 layout is identical for every pack
		tensor.CopyInto(dst, src)
		return
	}
	switch src.Kind.Size() {
	case 1:
		convertPlanes[uint8](dst, src, threads)
	case 2:
		convertPlanes[uint16](dst, src, threads)
	default:
		convertPlanes[uint32](dst, src, threads)
	}
}

// plane returns physical plane i along the packed axis: a row for rank 2,
// a channel for rank 3 and 4.
func plane(t *tensor.Tensor, i int) []byte {
	if t.Dims == 2 {
		return t.RowBytes(0, 0, i)
	}
	return t.ChannelBytes(i)
}

func planeCount(t *tensor.Tensor) int {
	if t.Dims == 2 {
		return t.H
	}
	return t.C
}

func convertPlanes[T simd.Unit](dst, src *tensor.Tensor, threads int) {
	p, q := src.ElemPack, dst.ElemPack
	n := src.W * src.H * src.D
	if src.Dims == 2 {
		n = src.W
	}

	if q < p {
		ratio := p / q
		parallel.For(threads, planeCount(src), func(i int) {
			out := make([][]T, ratio)
			for k := range out {
				out[k] = simd.As[T](plane(dst, i*ratio+k))
			}
			simd.Split(out, simd.As[T](plane(src, i)), n, p, q)
		})
		return
	}

	ratio := q / p
	parallel.For(threads, planeCount(dst), func(j int) {
		in := make([][]T, ratio)
		for k := range in {
			in[k] = simd.As[T](plane(src, j*ratio+k))
		}
		simd.Merge(simd.As[T](plane(dst, j)), in, n, q, p)
	})
}
