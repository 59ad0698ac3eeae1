// Package tensor implements the packed N-dimensional tensor shared by every
// operator. A tensor's packed axis (W for rank 1, H for rank 2, C for rank 3
// and 4) stores ElemPack consecutive logical scalars in one physical element,
// so the extents kept in the struct are physical ones.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-tessera/internal/precision"
)

// ErrPackMismatch is returned when an extent is not divisible by the pack width.
var ErrPackMismatch = errors.New("tensor: extent not divisible by pack width")

// Packs lists the supported pack widths, narrowest first.
var Packs = []int{1, 4, 8, 16}

// ValidPack reports whether p is a supported pack width.
func ValidPack(p int) bool {
	return p == 1 || p == 4 || p == 8 || p == 16
}

// Tensor is a view over a shared Buffer.
type Tensor struct {
	Dims int
	W    int
	H    int
	D    int
	C    int

	Kind     Kind
	ElemPack int
	ElemSize int // bytes per physical element, Kind.Size() * ElemPack
	CStep    int // physical elements between consecutive channels

	buf    *Buffer
	offset int // bytes
}

type heapAllocator struct{}

func (heapAllocator) Alloc(size int) ([]byte, error) { return make([]byte, size), nil }
func (heapAllocator) Free([]byte)                    {}

// DefaultAllocator is used whenever a nil allocator is supplied.
var DefaultAllocator Allocator = heapAllocator{}

func alignSize(sz, n int) int {
	return (sz + n - 1) &^ (n - 1)
}

// New allocates a tensor with logical shape s. The packed axis extent must be
// divisible by pack. Allocation is the only fallible step and happens once.
func New(s Shape, kind Kind, pack int, alloc Allocator) (*Tensor, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if !ValidPack(pack) {
		return nil, fmt.Errorf("tensor: invalid pack width %d", pack)
	}
	if s.PackedExtent()%pack != 0 {
		return nil, fmt.Errorf("%w: %d %% %d", ErrPackMismatch, s.PackedExtent(), pack)
	}
	if alloc == nil {
		alloc = DefaultAllocator
	}

	t := layout(s.WithPackedExtent(s.PackedExtent()/pack), kind, pack)
	size := t.TotalBytes()
	data, err := alloc.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("tensor %v %s pack %d (%d bytes): %w", s, kind, pack, size, err)
	}
	t.buf = newBuffer(data, alloc)
	return t, nil
}

// layout fills in the physical geometry for a physical shape.
func layout(phys Shape, kind Kind, pack int) *Tensor {
	t := &Tensor{
		Dims:     phys.Dims,
		W:        phys.W,
		H:        phys.H,
		D:        phys.D,
		C:        phys.C,
		Kind:     kind,
		ElemPack: pack,
		ElemSize: kind.Size() * pack,
	}
	if t.Dims <= 2 {
		t.CStep = t.W * t.H
	} else {
		t.CStep = alignSize(t.W*t.H*t.D*t.ElemSize, 16) / t.ElemSize
	}
	return t
}

// Shape returns the logical shape.
func (t *Tensor) Shape() Shape {
	p := t.Physical()
	return p.WithPackedExtent(p.PackedExtent() * t.ElemPack)
}

// Physical returns the stored extents.
func (t *Tensor) Physical() Shape {
	return Shape{Dims: t.Dims, W: t.W, H: t.H, D: t.D, C: t.C}
}

// TotalBytes is the byte span of the tensor including channel alignment gaps.
func (t *Tensor) TotalBytes() int {
	return t.CStep * t.ElemSize * t.C
}

// Empty reports whether the tensor holds no storage or no elements.
func (t *Tensor) Empty() bool {
	return t == nil || t.buf == nil || t.W*t.H*t.D*t.C == 0
}

// Buffer exposes the shared storage, mostly for refcount inspection.
func (t *Tensor) Buffer() *Buffer {
	return t.buf
}

// Bytes returns the whole storage span of the tensor.
func (t *Tensor) Bytes() []byte {
	return t.buf.data[t.offset : t.offset+t.TotalBytes()]
}

// ChannelBytes returns the payload of physical channel q without the
// alignment gap. Rank 1 and 2 tensors have a single channel.
func (t *Tensor) ChannelBytes(q int) []byte {
	start := t.offset + q*t.CStep*t.ElemSize
	return t.buf.data[start : start+t.W*t.H*t.D*t.ElemSize]
}

// DepthBytes returns depth slice z of channel q.
func (t *Tensor) DepthBytes(q, z int) []byte {
	plane := t.W * t.H * t.ElemSize
	start := t.offset + q*t.CStep*t.ElemSize + z*plane
	return t.buf.data[start : start+plane]
}

// RowBytes returns row y of depth slice z of channel q.
func (t *Tensor) RowBytes(q, z, y int) []byte {
	row := t.W * t.ElemSize
	start := t.offset + q*t.CStep*t.ElemSize + (z*t.H+y)*row
	return t.buf.data[start : start+row]
}

// Share returns another handle to the same storage. The caller releases it.
func (t *Tensor) Share() *Tensor {
	t.buf.Retain()
	v := *t
	return &v
}

// Release drops this handle's reference. Safe to call on nil.
func (t *Tensor) Release() {
	if t == nil || t.buf == nil {
		return
	}
	t.buf.Release()
	t.buf = nil
}

// Channel returns a retained view of channel q. Rank 3 channels become rank
// 2 views, rank 4 channels become rank 3 views whose channels are the depth
// slices. The view must be released and must not be used once the storage
// is handed to a different tensor by its allocator.
func (t *Tensor) Channel(q int) *Tensor {
	v := t.Share()
	v.offset = t.offset + q*t.CStep*t.ElemSize
	switch t.Dims {
	case 3:
		v.Dims, v.C = 2, 1
		v.CStep = t.W * t.H
	case 4:
		v.Dims, v.C, v.D = 3, t.D, 1
		v.CStep = t.W * t.H
	}
	return v
}

// Depth returns a retained rank 2 view of depth slice z in channel q.
func (t *Tensor) Depth(q, z int) *Tensor {
	v := t.Share()
	v.offset = t.offset + q*t.CStep*t.ElemSize + z*t.W*t.H*t.ElemSize
	v.Dims, v.D, v.C = 2, 1, 1
	v.CStep = t.W * t.H
	return v
}

// ChannelRange returns a retained view of n physical channels starting at q.
func (t *Tensor) ChannelRange(q, n int) *Tensor {
	v := t.Share()
	v.offset = t.offset + q*t.CStep*t.ElemSize
	v.C = n
	return v
}

// SameGeometry reports whether two tensors share rank, physical extents,
// kind and pack.
func (t *Tensor) SameGeometry(o *Tensor) bool {
	return t.Physical() == o.Physical() && t.Kind == o.Kind && t.ElemPack == o.ElemPack
}

// Clone copies the tensor into a new buffer from alloc.
func (t *Tensor) Clone(alloc Allocator) (*Tensor, error) {
	out, err := New(t.Shape(), t.Kind, t.ElemPack, alloc)
	if err != nil {
		return nil, err
	}
	CopyInto(out, t)
	return out, nil
}

// CopyInto copies the payload of src into dst channel by channel. The two
// tensors must have the same geometry.
func CopyInto(dst, src *Tensor) {
	if dst.CStep == src.CStep {
		copy(dst.Bytes(), src.Bytes())
		return
	}
	for q := 0; q < src.C; q++ {
		copy(dst.ChannelBytes(q), src.ChannelBytes(q))
	}
}

// offsetOf returns the byte offset of logical coordinate (c, z, y, x).
func (t *Tensor) offsetOf(c, z, y, x int) int {
	ks := t.Kind.Size()
	switch t.Dims {
	case 1:
		return t.offset + x*ks
	case 2:
		return t.offset + ((y/t.ElemPack)*t.W+x)*t.ElemSize + (y%t.ElemPack)*ks
	default:
		q, lane := c/t.ElemPack, c%t.ElemPack
		return t.offset + q*t.CStep*t.ElemSize + ((z*t.H+y)*t.W+x)*t.ElemSize + lane*ks
	}
}

// At reads one logical scalar. Slow; meant for tests and debugging.
func (t *Tensor) At(c, z, y, x int) float32 {
	off := t.offsetOf(c, z, y, x)
	return DecodeScalar(t.Kind, t.buf.data[off:])
}

// Set writes one logical scalar. Slow; meant for tests and debugging.
func (t *Tensor) Set(c, z, y, x int, v float32) {
	off := t.offsetOf(c, z, y, x)
	EncodeScalar(t.Kind, v, t.buf.data[off:])
}

// Float32s reads the tensor in logical order (c, d, h, w from slowest to
// fastest), independent of pack width.
func (t *Tensor) Float32s() []float32 {
	s := t.Shape()
	out := make([]float32, 0, s.Total())
	for c := 0; c < s.C; c++ {
		for z := 0; z < s.D; z++ {
			for y := 0; y < s.H; y++ {
				for x := 0; x < s.W; x++ {
					out = append(out, t.At(c, z, y, x))
				}
			}
		}
	}
	return out
}

// FromFloat32s builds a tensor from values in logical order.
func FromFloat32s(s Shape, kind Kind, pack int, data []float32, alloc Allocator) (*Tensor, error) {
	if len(data) != s.Total() {
		return nil, fmt.Errorf("tensor: %d values for shape %v", len(data), s)
	}
	t, err := New(s, kind, pack, alloc)
	if err != nil {
		return nil, err
	}
	i := 0
	for c := 0; c < s.C; c++ {
		for z := 0; z < s.D; z++ {
			for y := 0; y < s.H; y++ {
				for x := 0; x < s.W; x++ {
					t.Set(c, z, y, x, data[i])
					i++
				}
			}
		}
	}
	return t, nil
}

// DecodeScalar reads one scalar of the given kind from the front of b.
func DecodeScalar(kind Kind, b []byte) float32 {
	switch kind {
	case Float32:
		return math.Float32frombits(binary.NativeEndian.Uint32(b))
	case Float16:
		return precision.Float16ToFloat32(binary.NativeEndian.Uint16(b))
	case BFloat16:
		return precision.BFloat16ToFloat32(binary.NativeEndian.Uint16(b))
	case Int8:
		return float32(int8(b[0]))
	}
	panic(fmt.Sprintf("tensor: unknown kind %d", int(kind)))
}

// EncodeScalar writes v as one scalar of the given kind to the front of b.
// Int8 truncates toward zero.
func EncodeScalar(kind Kind, v float32, b []byte) {
	switch kind {
	case Float32:
		binary.NativeEndian.PutUint32(b, math.Float32bits(v))
	case Float16:
		binary.NativeEndian.PutUint16(b, precision.Float32ToFloat16(v))
	case BFloat16:
		binary.NativeEndian.PutUint16(b, precision.Float32ToBFloat16(v))
	case Int8:
		b[0] = byte(int8(v))
	default:
		panic(fmt.Sprintf("tensor: unknown kind %d", int(kind)))
	}
}
