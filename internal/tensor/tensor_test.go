package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingAllocator struct{}

func (failingAllocator) Alloc(int) ([]byte, error) { return nil, ErrAllocation }
func (failingAllocator) Free([]byte)               {}

type countingAllocator struct {
	allocs int
	frees  int
}

func (c *countingAllocator) Alloc(n int) ([]byte, error) {
	c.allocs++
	return make([]byte, n), nil
}

func (c *countingAllocator) Free([]byte) { c.frees++ }

func TestNewLayout(t *testing.T) {
	tests := []struct {
		name     string
		shape    Shape
		kind     Kind
		pack     int
		wantPhys Shape
		cstep    int
		elemSize int
	}{
		{"rank1 pack4", S1(8), Float32, 4, S1(2), 2, 16},
		{"rank2 pack8 fp16", S2(3, 16), Float16, 8, S2(3, 2), 6, 16},
		{"rank3 pack1 aligned", S3(3, 3, 5), Float32, 1, S3(3, 3, 5), 12, 4},
		{"rank3 pack4 bf16", S3(5, 1, 8), BFloat16, 4, S3(5, 1, 2), 6, 8},
		{"rank4 pack16 int8", S4(2, 2, 3, 32), Int8, 16, S4(2, 2, 3, 2), 12, 16},
		{"rank3 int8 pack1", S3(3, 1, 2), Int8, 1, S3(3, 1, 2), 16, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.shape, tt.kind, tt.pack, nil)
			require.NoError(t, err)
			defer m.Release()

			assert.Equal(t, tt.wantPhys, m.Physical())
			assert.Equal(t, tt.shape, m.Shape())
			assert.Equal(t, tt.cstep, m.CStep)
			assert.Equal(t, tt.elemSize, m.ElemSize)
			assert.GreaterOrEqual(t, m.Buffer().Len(), m.ElemSize*m.CStep*m.C)
		})
	}
}

func TestNewErrors(t *testing.T) {
	_, err := New(S3(4, 4, 6), Float32, 4, nil)
	assert.True(t, errors.Is(err, ErrPackMismatch))

	_, err = New(S3(4, 4, 8), Float32, 3, nil)
	assert.Error(t, err)

	_, err = New(Shape{Dims: 5}, Float32, 1, nil)
	assert.Error(t, err)

	_, err = New(S2(4, 4), Float32, 1, failingAllocator{})
	assert.True(t, errors.Is(err, ErrAllocation))
}

func TestRefcountReturnsStorage(t *testing.T) {
	alloc := &countingAllocator{}
	m, err := New(S3(4, 4, 8), Float32, 4, alloc)
	require.NoError(t, err)

	ch := m.Channel(1)
	shared := m.Share()
	assert.Equal(t, 3, m.Buffer().Refs())

	m.Release()
	ch.Release()
	assert.Equal(t, 0, alloc.frees)
	shared.Release()
	assert.Equal(t, 1, alloc.frees)

	// double release on a handle is a no-op
	shared.Release()
	assert.Equal(t, 1, alloc.frees)
}

func TestLogicalRoundTripAcrossPacks(t *testing.T) {
	shapes := []Shape{S1(16), S2(3, 8), S3(3, 2, 16), S4(2, 2, 2, 16)}
	for _, s := range shapes {
		data := make([]float32, s.Total())
		for i := range data {
			data[i] = float32(i%97) - 40
		}
		for _, pack := range Packs {
			for _, kind := range []Kind{Float32, Float16, BFloat16, Int8} {
				m, err := FromFloat32s(s, kind, pack, data, nil)
				if s.PackedExtent()%pack != 0 {
					assert.ErrorIs(t, err, ErrPackMismatch, "%v pack %d", s, pack)
					continue
				}
				require.NoError(t, err)
				assert.Equal(t, data, m.Float32s(), "%v %s pack %d", s, kind, pack)
				m.Release()
			}
		}
	}
}

func TestViews(t *testing.T) {
	s := S4(2, 3, 2, 8)
	data := make([]float32, s.Total())
	for i := range data {
		data[i] = float32(i)
	}
	m, err := FromFloat32s(s, Float32, 4, data, nil)
	require.NoError(t, err)
	defer m.Release()

	ch := m.Channel(1)
	defer ch.Release()
	assert.Equal(t, 3, ch.Dims)
	assert.Equal(t, 2, ch.C)
	assert.Equal(t, m.ChannelBytes(1), ch.Bytes())

	dz := m.Depth(1, 1)
	defer dz.Release()
	assert.Equal(t, 2, dz.Dims)
	assert.Equal(t, m.DepthBytes(1, 1), dz.Bytes())
	assert.Equal(t, m.RowBytes(1, 1, 2), dz.RowBytes(0, 0, 2))

	r := m.ChannelRange(1, 1)
	defer r.Release()
	assert.Equal(t, m.At(5, 1, 2, 1), r.At(1, 1, 2, 1))
}

func TestCloneIsIndependent(t *testing.T) {
	m, err := FromFloat32s(S2(2, 4), Float32, 4, []float32{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	require.NoError(t, err)
	defer m.Release()

	c, err := m.Clone(nil)
	require.NoError(t, err)
	defer c.Release()

	c.Set(0, 0, 0, 0, 42)
	assert.Equal(t, float32(1), m.At(0, 0, 0, 0))
	assert.Equal(t, float32(42), c.At(0, 0, 0, 0))
	assert.True(t, c.SameGeometry(m))
}

func TestScalarCodec(t *testing.T) {
	b := make([]byte, 4)
	EncodeScalar(Int8, -3.7, b)
	assert.Equal(t, float32(-3), DecodeScalar(Int8, b))

	EncodeScalar(Float16, 0.5, b)
	assert.Equal(t, float32(0.5), DecodeScalar(Float16, b))

	EncodeScalar(BFloat16, -2, b)
	assert.Equal(t, float32(-2), DecodeScalar(BFloat16, b))
}

func TestKind(t *testing.T) {
	k, err := ParseKind("BF16")
	require.NoError(t, err)
	assert.Equal(t, BFloat16, k)
	assert.Equal(t, 2, k.Size())
	assert.False(t, Kind(7).Valid())
	_, err = ParseKind("fp8")
	assert.Error(t, err)
}

func TestShapeValidate(t *testing.T) {
	for _, s := range []Shape{S1(3), S2(3, 0), S3(2, 2, 5), S4(1, 2, 3, 4)} {
		assert.NoError(t, s.Validate(), "%v", s)
	}
	for _, s := range []Shape{
		{Dims: 0, W: 1, H: 1, D: 1, C: 1},
		{Dims: 1, W: 4, H: 2, D: 1, C: 1},
		{Dims: 1, W: 4, H: 1, D: 1, C: 3},
		{Dims: 2, W: 4, H: 2, D: 1, C: 0},
		{Dims: 3, W: 4, H: 2, D: 2, C: 8},
		{Dims: 4, W: -1, H: 2, D: 2, C: 8},
	} {
		assert.Error(t, s.Validate(), "%+v", s)
	}
	_, err := New(Shape{Dims: 2, W: 4, H: 4, D: 1, C: 4}, Float32, 1, nil)
	assert.Error(t, err)
}
