package layer

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tessera/internal/cast"
	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/packing"
	"github.com/23skdu/longbow-tessera/internal/parallel"
	"github.com/23skdu/longbow-tessera/internal/simd"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// Concat joins same-rank inputs along one axis. Axis numbering runs from
// the outermost axis: rank 2 is (H, W), rank 3 is (C, H, W) and rank 4 is
// (C, D, H, W). Extents on the other axes must match; this is not checked.
type Concat struct {
	base
	Axis int

	features device.Features
	stagers  kernelTable[stageFunc]
}

// stageFunc de-interleaves one input into planes of a narrower pack.
type stageFunc func(stage, in *tensor.Tensor, offset, threads int)

func newStageFunc(kind tensor.Kind, _ int) (stageFunc, bool) {
	switch kind.Size() {
	case 1:
		return stageInput[uint8], true
	case 2:
		return stageInput[uint16], true
	case 4:
		return stageInput[uint32], true
	}
	return nil, false
}

func NewConcat() *Concat {
	return &Concat{}
}

func (c *Concat) Type() string { return "Concat" }

func (c *Concat) LoadParam(pd *ParamDict) error {
	c.Axis = pd.Get(0, 0)
	return nil
}

func (c *Concat) CreatePipeline(opt *Option) error {
	c.features = c.resolveFeatures(opt)
	c.stagers = buildTable(newStageFunc)
	log.Debug().Int("axis", c.Axis).Str("target", c.features.Name).Ints("lanes", c.features.Lanes).Msg("concat pipeline")
	return nil
}

func (c *Concat) DestroyPipeline(*Option) error {
	c.stagers = nil
	return nil
}

func (c *Concat) Forward(inputs []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("concat: no inputs")
	}
	if len(inputs) == 1 {
		return []*tensor.Tensor{inputs[0].Share()}, nil
	}
	dims := inputs[0].Dims
	axis := c.Axis
	if axis < 0 {
		axis += dims
	}
	if axis < 0 || axis >= dims {
		return nil, fmt.Errorf("concat: axis %d out of range for rank %d", c.Axis, dims)
	}
	for i, in := range inputs[1:] {
		if in.Kind != inputs[0].Kind {
			return nil, fmt.Errorf("concat: input %d is %s, want %s: %w", i+1, in.Kind, inputs[0].Kind, cast.ErrKindMismatch)
		}
	}

	var out *tensor.Tensor
	var err error
	if axis == 0 {
		out, err = c.concatPacked(inputs, opt)
	} else {
		out, err = concatInterleave(inputs, axis, opt)
	}
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	return []*tensor.Tensor{out}, nil
}

// concatPacked joins along the axis carrying the pack lanes. Every input is
// de-interleaved into a staging tensor at the narrowest pack seen, which is
// then widened to the output pack if needed.
func (c *Concat) concatPacked(inputs []*tensor.Tensor, opt *Option) (*tensor.Tensor, error) {
	threads := opt.threads()
	first := inputs[0]
	shape := first.Shape()
	total := 0
	minPack := first.ElemPack
	for _, in := range inputs {
		total += in.Shape().PackedExtent()
		minPack = min(minPack, in.ElemPack)
	}
	shape = shape.WithPackedExtent(total)

	outPack := packing.ChooseFor(total, c.features, opt.UsePackingLayout)
	stagePack := min(minPack, outPack)
	if first.Dims == 1 {
		stagePack = outPack
	}

	stager, err := c.stagers.lookup("concat", first.Kind, stagePack)
	if err != nil {
		return nil, err
	}

	out, err := tensor.New(shape, first.Kind, outPack, opt.blob())
	if err != nil {
		return nil, err
	}
	stage := out
	if stagePack != outPack {
		stage, err = tensor.New(shape, first.Kind, stagePack, opt.workspace())
		if err != nil {
			out.Release()
			return nil, err
		}
		defer stage.Release()
	}

	if first.Dims == 1 {
		// rank 1 layout does not depend on pack
		dst := stage.Bytes()
		off := 0
		for _, in := range inputs {
			off += copy(dst[off:], in.Bytes())
		}
	} else {
		plane := 0
		for _, in := range inputs {
			n := in.Shape().PackedExtent() / stagePack
			if first.Dims == 2 {
				stager(stage, in, plane, threads)
			} else {
				view := stage.ChannelRange(plane, n)
				stager(view, in, 0, threads)
				view.Release()
			}
			plane += n
		}
	}

	if stage != out {
		packing.ConvertInto(out, stage, threads)
	}
	return out, nil
}

// packedPlane returns plane i along the packed axis: a row for rank 2, a
// channel for rank 3 and 4.
func packedPlane(t *tensor.Tensor, i int) []byte {
	if t.Dims == 2 {
		return t.RowBytes(0, 0, i)
	}
	return t.ChannelBytes(i)
}

// stageInput writes in into stage starting at plane offset. in's pack is a
// multiple of stage's.
func stageInput[T simd.Unit](stage, in *tensor.Tensor, offset, threads int) {
	n := in.W * in.H * in.D
	planes := in.C
	if in.Dims == 2 {
		n, planes = in.W, in.H
	}
	p, q := in.ElemPack, stage.ElemPack
	ratio := p / q
	parallel.For(threads, planes, func(i int) {
		if ratio == 1 {
			copy(packedPlane(stage, offset+i), packedPlane(in, i))
			return
		}
		dst := make([][]T, ratio)
		for k := range dst {
			dst[k] = simd.As[T](packedPlane(stage, offset+i*ratio+k))
		}
		simd.Split(dst, simd.As[T](packedPlane(in, i)), n, p, q)
	})
}

// segment returns the contiguous region of t that one input contributes for
// channel q and outer index o, when concatenating along axis.
func segment(t *tensor.Tensor, axis, q, o int) []byte {
	switch {
	case t.Dims == 2: // axis 1, W
		return t.RowBytes(0, 0, o)
	case t.Dims == 3 && axis == 1:
		return t.ChannelBytes(q)
	case t.Dims == 3: // axis 2, W
		return t.RowBytes(q, 0, o)
	case axis == 1: // rank 4, D
		return t.ChannelBytes(q)
	case axis == 2: // rank 4, H
		return t.DepthBytes(q, o)
	default: // rank 4, W
		return t.RowBytes(q, o/t.H, o%t.H)
	}
}

// segments returns the channel count and the number of segments per
// channel for an interleave along axis.
func segments(t *tensor.Tensor, axis int) (channels, outer int) {
	switch {
	case t.Dims == 2:
		return 1, t.H
	case t.Dims == 3 && axis == 2:
		return t.C, t.H
	case t.Dims == 4 && axis == 2:
		return t.C, t.D
	case t.Dims == 4 && axis == 3:
		return t.C, t.D * t.H
	}
	return t.C, 1
}

// concatInterleave joins along an axis without pack lanes by copying each
// input's segment in order.
func concatInterleave(inputs []*tensor.Tensor, axis int, opt *Option) (*tensor.Tensor, error) {
	threads := opt.threads()
	first := inputs[0]
	pack := first.ElemPack
	if !opt.UsePackingLayout {
		pack = 1
	}

	srcs := make([]*tensor.Tensor, len(inputs))
	for i, in := range inputs {
		if in.ElemPack == pack {
			srcs[i] = in
			continue
		}
		conv, err := packing.Convert(in, pack, opt.workspace(), threads)
		if err != nil {
			releaseConverted(srcs[:i], inputs)
			return nil, err
		}
		srcs[i] = conv
	}
	defer releaseConverted(srcs, inputs)

	shape := first.Shape()
	extent := 0
	for _, in := range inputs {
		s := in.Shape()
		switch {
		case s.Dims-1 == axis:
			extent += s.W
		case s.Dims-2 == axis:
			extent += s.H
		default:
			extent += s.D
		}
	}
	switch {
	case shape.Dims-1 == axis:
		shape.W = extent
	case shape.Dims-2 == axis:
		shape.H = extent
	default:
		shape.D = extent
	}

	out, err := tensor.New(shape, first.Kind, pack, opt.blob())
	if err != nil {
		return nil, err
	}
	channels, outer := segments(out, axis)
	parallel.For2(threads, channels, outer, func(q, o int) {
		dst := segment(out, axis, q, o)
		off := 0
		for _, s := range srcs {
			off += copy(dst[off:], segment(s, axis, q, o))
		}
	})
	return out, nil
}

// releaseConverted drops the entries of srcs that are not the caller's
// inputs.
func releaseConverted(srcs, inputs []*tensor.Tensor) {
	for i, s := range srcs {
		if s != inputs[i] {
			s.Release()
		}
	}
}
