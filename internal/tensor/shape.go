package tensor

import "fmt"

// Shape describes a rank 1-4 tensor. Unused extents are 1.
//
//	rank 1: W
//	rank 2: W x H
//	rank 3: W x H x C
//	rank 4: W x H x D x C
type Shape struct {
	Dims int
	W    int
	H    int
	D    int
	C    int
}

func S1(w int) Shape          { return Shape{Dims: 1, W: w, H: 1, D: 1, C: 1} }
func S2(w, h int) Shape       { return Shape{Dims: 2, W: w, H: h, D: 1, C: 1} }
func S3(w, h, c int) Shape    { return Shape{Dims: 3, W: w, H: h, D: 1, C: c} }
func S4(w, h, d, c int) Shape { return Shape{Dims: 4, W: w, H: h, D: d, C: c} }

// Total is the number of scalars described by the shape.
func (s Shape) Total() int {
	return s.W * s.H * s.D * s.C
}

// PackedExtent is the extent of the axis that carries the pack lanes:
// W for rank 1, H for rank 2 and C for rank 3 and 4.
func (s Shape) PackedExtent() int {
	switch s.Dims {
	case 1:
		return s.W
	case 2:
		return s.H
	default:
		return s.C
	}
}

// WithPackedExtent returns a copy with the packed axis set to n.
func (s Shape) WithPackedExtent(n int) Shape {
	switch s.Dims {
	case 1:
		s.W = n
	case 2:
		s.H = n
	default:
		s.C = n
	}
	return s
}

// Validate checks rank and extents.
func (s Shape) Validate() error {
	if s.Dims < 1 || s.Dims > 4 {
		return fmt.Errorf("tensor: unsupported rank %d", s.Dims)
	}
	if s.W < 0 || s.H < 0 || s.D < 0 || s.C < 0 {
		return fmt.Errorf("tensor: negative extent in %v", s)
	}
	switch {
	case s.Dims == 1 && (s.H != 1 || s.D != 1 || s.C != 1),
		s.Dims == 2 && (s.D != 1 || s.C != 1),
		s.Dims == 3 && s.D != 1:
		return fmt.Errorf("tensor: rank %d with unused extents h=%d d=%d c=%d", s.Dims, s.H, s.D, s.C)
	}
	return nil
}

func (s Shape) String() string {
	switch s.Dims {
	case 1:
		return fmt.Sprintf("(%d)", s.W)
	case 2:
		return fmt.Sprintf("(%d,%d)", s.W, s.H)
	case 3:
		return fmt.Sprintf("(%d,%d,%d)", s.W, s.H, s.C)
	default:
		return fmt.Sprintf("(%d,%d,%d,%d)", s.W, s.H, s.D, s.C)
	}
}
