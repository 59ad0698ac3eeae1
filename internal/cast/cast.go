// Package cast converts tensors between storage precisions. Every
// conversion goes through float32, so fp16 and bf16 never convert into each
// other directly.
package cast

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tessera/internal/parallel"
	"github.com/23skdu/longbow-tessera/internal/simd"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

var (
	// ErrUnsupportedKind is returned for int8 or unknown kinds.
	ErrUnsupportedKind = errors.New("cast: unsupported kind")
	// ErrKindMismatch is returned when the declared source kind is not the
	// tensor's kind.
	ErrKindMismatch = errors.New("cast: source kind mismatch")
)

// chunk bounds the float32 staging slice per worker.
const chunk = 4096

func check(src *tensor.Tensor, from, to tensor.Kind) error {
	for _, k := range []tensor.Kind{from, to} {
		if k != tensor.Float32 && k != tensor.Float16 && k != tensor.BFloat16 {
			return fmt.Errorf("%w: %s", ErrUnsupportedKind, k)
		}
	}
	if src.Kind != from {
		return fmt.Errorf("%w: tensor is %s, declared %s", ErrKindMismatch, src.Kind, from)
	}
	return nil
}

// Reference converts one scalar at a time in logical order and always
// produces an unpacked tensor. It is the ground truth the packed path is
// checked against.
func Reference(src *tensor.Tensor, from, to tensor.Kind, alloc tensor.Allocator) (*tensor.Tensor, error) {
	if err := check(src, from, to); err != nil {
		return nil, err
	}
	s := src.Shape()
	dst, err := tensor.New(s, to, 1, alloc)
	if err != nil {
		return nil, fmt.Errorf("cast: %w", err)
	}
	for c := 0; c < s.C; c++ {
		for z := 0; z < s.D; z++ {
			for y := 0; y < s.H; y++ {
				for x := 0; x < s.W; x++ {
					dst.Set(c, z, y, x, src.At(c, z, y, x))
				}
			}
		}
	}
	return dst, nil
}

// Cast converts src to kind to, keeping its shape and pack width. Equal
// kinds return a new handle to the input.
func Cast(src *tensor.Tensor, from, to tensor.Kind, alloc tensor.Allocator, threads int) (*tensor.Tensor, error) {
	if err := check(src, from, to); err != nil {
		return nil, err
	}
	if from == to {
		return src.Share(), nil
	}
	dst, err := tensor.New(src.Shape(), to, src.ElemPack, alloc)
	if err != nil {
		return nil, fmt.Errorf("cast: %w", err)
	}

	// scalars per physical channel
	n := src.W * src.H * src.D * src.ElemPack
	blocks := (n + chunk - 1) / chunk
	fs, ts := from.Size(), to.Size()
	parallel.For2(threads, src.C, blocks, func(q, b int) {
		start := b * chunk
		end := min(start+chunk, n)
		buf := make([]float32, end-start)
		decode(from, buf, src.ChannelBytes(q)[start*fs:end*fs])
		encode(to, dst.ChannelBytes(q)[start*ts:end*ts], buf)
	})
	return dst, nil
}

func decode(kind tensor.Kind, dst []float32, src []byte) {
	switch kind {
	case tensor.Float32:
		simd.F32FromBits(dst, simd.As[uint32](src))
	case tensor.Float16:
		simd.F32FromF16(dst, simd.As[uint16](src))
	case tensor.BFloat16:
		simd.F32FromBF16(dst, simd.As[uint16](src))
	}
}

func encode(kind tensor.Kind, dst []byte, src []float32) {
	switch kind {
	case tensor.Float32:
		simd.BitsFromF32(simd.As[uint32](dst), src)
	case tensor.Float16:
		simd.F16FromF32(simd.As[uint16](dst), src)
	case tensor.BFloat16:
		simd.BF16FromF32(simd.As[uint16](dst), src)
	}
}

// DecodeRow widens a row of scalars of any castable kind into dst.
func DecodeRow(kind tensor.Kind, dst []float32, src []byte) {
	decode(kind, dst, src)
}

// EncodeRow narrows float32 values into a row of the given kind.
func EncodeRow(kind tensor.Kind, dst []byte, src []float32) {
	encode(kind, dst, src)
}
