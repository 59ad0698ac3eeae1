package cast

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/packing"
	"github.com/23skdu/longbow-tessera/internal/refcheck"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

var castShapes = []tensor.Shape{
	tensor.S1(127),
	tensor.S1(128),
	tensor.S2(11, 15),
	tensor.S2(11, 16),
	tensor.S3(7, 5, 13),
	tensor.S3(7, 5, 16),
	tensor.S3(3, 2, 127),
	tensor.S4(5, 3, 2, 15),
	tensor.S4(5, 3, 2, 32),
}

var castPairs = [][2]tensor.Kind{
	{tensor.Float32, tensor.Float16},
	{tensor.Float16, tensor.Float32},
	{tensor.Float32, tensor.BFloat16},
	{tensor.BFloat16, tensor.Float32},
	{tensor.Float16, tensor.BFloat16},
	{tensor.BFloat16, tensor.Float16},
}

// Reference, unpacked fast path and packed fast path must agree.
func TestCastCrossPath(t *testing.T) {
	lanes := []int{16, 8, 4}
	for _, s := range castShapes {
		for _, pair := range castPairs {
			from, to := pair[0], pair[1]
			t.Run(fmt.Sprintf("%v/%s->%s", s, from, to), func(t *testing.T) {
				src, err := refcheck.RandomTensor(refcheck.NewRand(uint64(s.Total())), s, from, 1, nil)
				require.NoError(t, err)
				defer src.Release()

				ref, err := Reference(src, from, to, nil)
				require.NoError(t, err)
				defer ref.Release()
				assert.Equal(t, 1, ref.ElemPack)
				assert.Equal(t, to, ref.Kind)

				fast, err := Cast(src, from, to, nil, 4)
				require.NoError(t, err)
				defer fast.Release()
				assert.NoError(t, refcheck.Compare(ref, fast, refcheck.DefaultTolerance))

				pack := packing.ChoosePack(s.PackedExtent(), lanes)
				packed, err := packing.Convert(src, pack, nil, 2)
				require.NoError(t, err)
				defer packed.Release()

				out, err := Cast(packed, from, to, nil, 3)
				require.NoError(t, err)
				defer out.Release()
				assert.Equal(t, pack, out.ElemPack)
				assert.NoError(t, refcheck.Compare(ref, out, refcheck.DefaultTolerance))
			})
		}
	}
}

func TestCastIdentityShares(t *testing.T) {
	src, err := tensor.New(tensor.S3(4, 4, 8), tensor.Float16, 8, nil)
	require.NoError(t, err)
	defer src.Release()

	out, err := Cast(src, tensor.Float16, tensor.Float16, nil, 1)
	require.NoError(t, err)
	assert.Same(t, src.Buffer(), out.Buffer())
	out.Release()
}

func TestCastIdempotent(t *testing.T) {
	s := tensor.S3(6, 6, 8)
	for _, kind := range []tensor.Kind{tensor.Float16, tensor.BFloat16} {
		src, err := refcheck.RandomTensor(refcheck.NewRand(3), s, tensor.Float32, 4, nil)
		require.NoError(t, err)

		once, err := Cast(src, tensor.Float32, kind, nil, 2)
		require.NoError(t, err)
		wide, err := Cast(once, kind, tensor.Float32, nil, 2)
		require.NoError(t, err)
		twice, err := Cast(wide, tensor.Float32, kind, nil, 2)
		require.NoError(t, err)

		// narrowing an already narrowed value changes nothing
		for q := 0; q < once.C; q++ {
			assert.Equal(t, once.ChannelBytes(q), twice.ChannelBytes(q), "%s", kind)
		}
		for _, r := range []*tensor.Tensor{src, once, wide, twice} {
			r.Release()
		}
	}
}

func TestCastRoundTripTolerance(t *testing.T) {
	s := tensor.S2(33, 8)
	src, err := refcheck.RandomTensor(refcheck.NewRand(9), s, tensor.Float32, 8, nil)
	require.NoError(t, err)
	defer src.Release()

	tols := map[tensor.Kind]float64{tensor.Float16: 1e-3, tensor.BFloat16: 1e-2}
	for kind, tol := range tols {
		narrow, err := Cast(src, tensor.Float32, kind, nil, 1)
		require.NoError(t, err)
		back, err := Cast(narrow, kind, tensor.Float32, nil, 1)
		require.NoError(t, err)
		assert.NoError(t, refcheck.Compare(src, back, tol), "%s", kind)
		narrow.Release()
		back.Release()
	}
}

func TestCastSpecialValues(t *testing.T) {
	vals := []float32{float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN()), 1e6, -1e6, 0}
	src, err := tensor.FromFloat32s(tensor.S1(6), tensor.Float32, 1, vals, nil)
	require.NoError(t, err)
	defer src.Release()

	h, err := Cast(src, tensor.Float32, tensor.Float16, nil, 1)
	require.NoError(t, err)
	got := h.Float32s()
	assert.True(t, math.IsInf(float64(got[0]), 1))
	assert.True(t, math.IsInf(float64(got[1]), -1))
	assert.True(t, math.IsNaN(float64(got[2])))
	assert.True(t, math.IsInf(float64(got[3]), 1))
	assert.True(t, math.IsInf(float64(got[4]), -1))
	assert.Zero(t, got[5])

	b, err := Cast(src, tensor.Float32, tensor.BFloat16, nil, 1)
	require.NoError(t, err)
	got = b.Float32s()
	assert.True(t, math.IsNaN(float64(got[2])))
	assert.InDelta(t, 1e6, got[3], 1e4)
}

func TestCastErrors(t *testing.T) {
	src, err := tensor.New(tensor.S1(4), tensor.Int8, 1, nil)
	require.NoError(t, err)
	_, err = Cast(src, tensor.Int8, tensor.Float32, nil, 1)
	assert.True(t, errors.Is(err, ErrUnsupportedKind))
	_, err = Reference(src, tensor.Int8, tensor.Float32, nil)
	assert.True(t, errors.Is(err, ErrUnsupportedKind))

	f, err := tensor.New(tensor.S1(4), tensor.Float32, 1, nil)
	require.NoError(t, err)
	_, err = Cast(f, tensor.Float16, tensor.Float32, nil, 1)
	assert.True(t, errors.Is(err, ErrKindMismatch))
	_, err = Cast(f, tensor.Float32, tensor.Int8, nil, 1)
	assert.True(t, errors.Is(err, ErrUnsupportedKind))

	_, err = Cast(f, tensor.Float32, tensor.Float16, device.NewBudgetAllocator(nil, 0), 1)
	assert.True(t, errors.Is(err, tensor.ErrAllocation))
}
