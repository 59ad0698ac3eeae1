package layer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tessera/internal/cast"
	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/refcheck"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

var allLanes = device.Features{Name: "test", Lanes: []int{16, 8, 4}}

func testOption(packed bool) *Option {
	return &Option{
		NumThreads:       3,
		UsePackingLayout: packed,
		Features:         allLanes,
	}
}

// newLayer runs a layer through LoadParam, LoadModel and CreatePipeline.
func newLayer(t *testing.T, name, params string, mb ModelBin, opt *Option) Layer {
	t.Helper()
	l, err := Create(name, opt.Features)
	require.NoError(t, err)
	pd, err := ParseParamDict(params)
	require.NoError(t, err)
	require.NoError(t, l.LoadParam(pd))
	if mb == nil {
		mb = NewModelBinFromArrays()
	}
	require.NoError(t, l.LoadModel(mb))
	require.NoError(t, l.CreatePipeline(opt))
	t.Cleanup(func() { _ = l.DestroyPipeline(opt) })
	return l
}

func forward1(t *testing.T, l Layer, opt *Option, inputs ...*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	out, err := l.Forward(inputs, opt)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func fromValues(t *testing.T, s tensor.Shape, kind tensor.Kind, pack int, vals []float32) *tensor.Tensor {
	t.Helper()
	m, err := tensor.FromFloat32s(s, kind, pack, vals, nil)
	require.NoError(t, err)
	t.Cleanup(m.Release)
	return m
}

func TestParseParamDict(t *testing.T) {
	pd, err := ParseParamDict("0=1 1=-2 5=0.5 6=1,2.5,3")
	require.NoError(t, err)
	assert.Equal(t, 1, pd.Get(0, 9))
	assert.Equal(t, -2, pd.Get(1, 9))
	assert.Equal(t, float32(0.5), pd.GetFloat(5, 0))
	assert.Equal(t, float32(1), pd.GetFloat(0, 0))
	assert.Equal(t, []float32{1, 2.5, 3}, pd.GetArray(6, nil))
	assert.Equal(t, 9, pd.Get(2, 9))
	assert.True(t, pd.Has(5))
	assert.False(t, pd.Has(7))

	for _, bad := range []string{"0", "x=1", "1=abc", "2=1,b"} {
		_, err := ParseParamDict(bad)
		assert.Error(t, err, bad)
	}
}

func TestModelBin(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{1.5, -2, 3}))
	mb := NewModelBinFromReader(&buf)
	got, err := mb.Load(2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, got)
	_, err = mb.Load(2)
	assert.Error(t, err)

	arrays := NewModelBinFromArrays([]float32{1, 2})
	_, err = arrays.Load(3)
	assert.Error(t, err)
	got, err = arrays.Load(2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)
	_, err = arrays.Load(1)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"Cast", "Concat", "Interp", "Packing", "Padding"}, Names())
	_, err := Create("Convolution", allLanes)
	assert.True(t, errors.Is(err, ErrUnknownLayer))

	Register("Identity", func(device.Features) Layer { return NewPacking() })
	l, err := Create("Identity", allLanes)
	require.NoError(t, err)
	assert.Equal(t, "Packing", l.Type())
	registryMu.Lock()
	delete(registry, "Identity")
	registryMu.Unlock()
}

func TestOptionStorageKind(t *testing.T) {
	opt := OptionFor(device.Features{Name: "plain", Lanes: []int{4}})
	assert.Equal(t, tensor.Float32, opt.StorageKind())
	assert.False(t, opt.UseFP16Arithmetic)
	opt.UseBF16Storage = true
	assert.Equal(t, tensor.BFloat16, opt.StorageKind())
	opt.UseFP16Storage = true
	assert.Equal(t, tensor.Float16, opt.StorageKind())
	assert.Equal(t, 1, (&Option{}).threads())

	half := OptionFor(device.Features{FP16: true, BF16: true})
	assert.Equal(t, tensor.Float16, half.StorageKind())
	assert.True(t, half.UseFP16Arithmetic)
	brain := OptionFor(device.Features{BF16: true})
	assert.Equal(t, tensor.BFloat16, brain.StorageKind())
	assert.False(t, brain.UseFP16Arithmetic)
	assert.True(t, DefaultOption().UsePackingLayout)
}

func TestCreatedLayersKeepTheirTarget(t *testing.T) {
	opt := testOption(true)
	l, err := Create("Padding", device.Features{Name: "narrow", Lanes: []int{4}})
	require.NoError(t, err)
	pd, err := ParseParamDict("7=2 8=2")
	require.NoError(t, err)
	require.NoError(t, l.LoadParam(pd))
	require.NoError(t, l.LoadModel(NewModelBinFromArrays()))

	// Forward before CreatePipeline has no kernels to run
	in := fromValues(t, tensor.S3(2, 2, 4), tensor.Float32, 4, seq(16, 0))
	_, err = l.Forward([]*tensor.Tensor{in}, opt)
	assert.ErrorIs(t, err, cast.ErrUnsupportedKind)

	require.NoError(t, l.CreatePipeline(opt))
	defer l.DestroyPipeline(opt)
	p := l.(*Padding)
	assert.Len(t, p.kernels, len(storageKinds)*len(tensor.Packs))

	// 8 channels would take pack 8 on the option's lanes
	out := forward1(t, l, opt, in)
	defer out.Release()
	assert.Equal(t, 4, out.ElemPack)
	assert.Equal(t, tensor.S3(2, 2, 8), out.Shape())
}

func TestPaddingFillTable(t *testing.T) {
	opt := testOption(true)
	l := newLayer(t, "Padding", "5=9 6=6", NewModelBinFromArrays(seq(6, 1)), opt).(*Padding)
	k := l.kernels[kernelKey{tensor.Float32, 4}]
	require.Len(t, k.fills, 3)
	assert.Equal(t, 16, k.es)
	lane := func(b []byte, i int) float32 {
		return math.Float32frombits(binary.NativeEndian.Uint32(b[i*4:]))
	}
	assert.Equal(t, float32(1), lane(k.fill(0), 0))
	assert.Equal(t, float32(6), lane(k.fill(1), 1))
	// past the per channel list the plain value applies
	assert.Equal(t, float32(9), lane(k.fill(1), 2))
	assert.Equal(t, float32(9), lane(k.fill(7), 0))
	assert.Equal(t, float32(9), lane(k.fill(-1), 3))
}

func TestCastLayer(t *testing.T) {
	opt := testOption(true)
	s := tensor.S3(5, 3, 16)
	in, err := refcheck.RandomTensor(refcheck.NewRand(11), s, tensor.Float32, 16, nil)
	require.NoError(t, err)
	defer in.Release()

	l := newLayer(t, "Cast", "0=0 1=2", nil, opt)
	out := forward1(t, l, opt, in)
	defer out.Release()
	assert.Equal(t, tensor.Float16, out.Kind)
	assert.Equal(t, 16, out.ElemPack)

	ref, err := cast.Reference(in, tensor.Float32, tensor.Float16, nil)
	require.NoError(t, err)
	defer ref.Release()
	assert.NoError(t, refcheck.Compare(ref, out, refcheck.DefaultTolerance))

	bad := newLayer(t, "Cast", "0=1 1=3", nil, opt)
	_, err = bad.Forward([]*tensor.Tensor{in}, opt)
	assert.True(t, errors.Is(err, cast.ErrUnsupportedKind))

	l2, _ := Create("Cast", allLanes)
	pd, _ := ParseParamDict("0=1 1=9")
	assert.Error(t, l2.LoadParam(pd))
}

func TestPackingLayer(t *testing.T) {
	opt := testOption(true)
	s := tensor.S3(3, 3, 24)
	in, err := refcheck.RandomTensor(refcheck.NewRand(5), s, tensor.BFloat16, 1, nil)
	require.NoError(t, err)
	defer in.Release()

	l := newLayer(t, "Packing", "0=8", nil, opt)
	out := forward1(t, l, opt, in)
	defer out.Release()
	assert.Equal(t, 8, out.ElemPack)
	assert.Equal(t, in.Float32s(), out.Float32s())

	l16 := newLayer(t, "Packing", "0=16", nil, opt)
	_, err = l16.Forward([]*tensor.Tensor{in}, opt)
	assert.True(t, errors.Is(err, tensor.ErrPackMismatch))

	l2, _ := Create("Packing", allLanes)
	pd, _ := ParseParamDict("0=3")
	assert.Error(t, l2.LoadParam(pd))
}

// Recording a forward on the emulated device gives the same result as the
// host path.
func TestRecordForwardMatchesHost(t *testing.T) {
	opt := testOption(true)
	s := tensor.S3(6, 5, 16)
	in, err := refcheck.RandomTensor(refcheck.NewRand(21), s, tensor.Float32, 16, nil)
	require.NoError(t, err)
	defer in.Release()

	for _, tc := range []struct{ name, params string }{
		{"Padding", "0=1 1=2 2=3 3=1 4=2"},
		{"Interp", "0=2 3=9 4=11"},
		{"Cast", "0=1 1=4"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := newLayer(t, tc.name, tc.params, nil, opt)
			host := forward1(t, l, opt, in)
			defer host.Release()

			cb := device.NewCommandBuffer()
			up := cb.RecordUpload(in)
			outs := RecordForward(cb, l, []*device.Future{up}, opt)
			down := cb.RecordDownload(outs[0], nil)

			_, err := down.Tensor()
			assert.ErrorIs(t, err, device.ErrNotReady)
			require.NoError(t, cb.SubmitAndWait())

			got, err := down.Tensor()
			require.NoError(t, err)
			assert.Equal(t, host.Float32s(), got.Float32s())
			up.Release()
			outs[0].Release()
			down.Release()
		})
	}
}

func TestRecordForwardPropagatesErrors(t *testing.T) {
	opt := testOption(true)
	in := fromValues(t, tensor.S1(4), tensor.Int8, 1, []float32{1, 2, 3, 4})
	l := newLayer(t, "Cast", "0=0 1=1", nil, opt)

	cb := device.NewCommandBuffer()
	up := cb.RecordUpload(in)
	outs := RecordForward(cb, l, []*device.Future{up}, opt)
	err := cb.SubmitAndWait()
	assert.True(t, errors.Is(err, cast.ErrUnsupportedKind))
	_, err = outs[0].Tensor()
	assert.ErrorIs(t, err, device.ErrNotReady)
}
