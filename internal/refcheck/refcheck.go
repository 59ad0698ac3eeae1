// Package refcheck compares tensors produced by different execution paths.
// Two tensors agree when their logical shapes match and every scalar pair is
// within an absolute or relative tolerance, whatever their pack widths.
package refcheck

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// DefaultTolerance is the agreement bound used between reference and fast
// paths.
const DefaultTolerance = 1e-3

// Compare reports the first disagreement between a and b.
func Compare(a, b *tensor.Tensor, tol float64) error {
	if a.Shape() != b.Shape() {
		return fmt.Errorf("shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	av, bv := a.Float32s(), b.Float32s()
	for i := range av {
		if !Close(float64(av[i]), float64(bv[i]), tol) {
			return fmt.Errorf("value mismatch at %d: %g vs %g (tol %g)", i, av[i], bv[i], tol)
		}
	}
	return nil
}

// Close compares two scalars. NaNs match each other and infinities match
// when their signs agree.
func Close(x, y, tol float64) bool {
	if math.IsNaN(x) || math.IsNaN(y) {
		return math.IsNaN(x) && math.IsNaN(y)
	}
	if math.IsInf(x, 0) || math.IsInf(y, 0) {
		return x == y
	}
	return scalar.EqualWithinAbsOrRel(x, y, tol, tol)
}

// MaxRelError returns the largest relative error between matching scalars,
// using max(|x|, |y|, 1) as the denominator.
func MaxRelError(a, b *tensor.Tensor) float64 {
	av, bv := a.Float32s(), b.Float32s()
	var worst float64
	for i := range av {
		x, y := float64(av[i]), float64(bv[i])
		d := math.Abs(x-y) / math.Max(1, math.Max(math.Abs(x), math.Abs(y)))
		if d > worst {
			worst = d
		}
	}
	return worst
}

// RandomValues returns n values uniform in [-1.2, 1.2].
func RandomValues(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.Float64()*2.4 - 1.2)
	}
	return out
}

// RandomTensor builds a tensor of random values. The values are rounded
// through kind first so every path starts from the same scalars.
func RandomTensor(rng *rand.Rand, s tensor.Shape, kind tensor.Kind, pack int, alloc tensor.Allocator) (*tensor.Tensor, error) {
	return tensor.FromFloat32s(s, kind, pack, RandomValues(rng, s.Total()), alloc)
}

// NewRand returns a deterministic generator for a test seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
