package layer

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/packing"
	"github.com/23skdu/longbow-tessera/internal/parallel"
	"github.com/23skdu/longbow-tessera/internal/simd"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

const (
	padConstant  = 0
	padReplicate = 1
	padReflect   = 2
)

// rows narrower than this are copied element by element
const smallRow = 12

// Padding grows width and height by fixed margins and, for rank 3 and 4,
// the channel or depth axis by front and behind.
type Padding struct {
	base

	Top, Bottom, Left, Right int
	Front, Behind            int
	PadType                  int
	Value                    float32
	PerChannelSize           int

	// perChannel is written once by LoadModel and only read afterwards.
	perChannel []float32

	features device.Features
	kernels  kernelTable[padKernel]
}

// padKernel pads planes of one kind and pack width.
type padKernel struct {
	es  int
	row rowPadder
	// fills holds the encoded constant per physical channel; the last entry
	// is the plain value used past the per channel list.
	fills [][]byte
}

func (k padKernel) fill(q int) []byte {
	if q < 0 || q >= len(k.fills)-1 {
		return k.fills[len(k.fills)-1]
	}
	return k.fills[q]
}

func NewPadding() *Padding {
	return &Padding{}
}

func (p *Padding) Type() string { return "Padding" }

func (p *Padding) LoadParam(pd *ParamDict) error {
	p.Top = pd.Get(0, 0)
	p.Bottom = pd.Get(1, 0)
	p.Left = pd.Get(2, 0)
	p.Right = pd.Get(3, 0)
	p.PadType = pd.Get(4, padConstant)
	p.Value = pd.GetFloat(5, 0)
	p.PerChannelSize = pd.Get(6, 0)
	p.Front = pd.Get(7, 0)
	p.Behind = pd.Get(8, 0)

	if p.PadType < padConstant || p.PadType > padReflect {
		return fmt.Errorf("padding: unsupported type %d", p.PadType)
	}
	for _, m := range []int{p.Top, p.Bottom, p.Left, p.Right, p.Front, p.Behind} {
		if m < 0 {
			return fmt.Errorf("padding: negative margin %d", m)
		}
	}
	return nil
}

func (p *Padding) LoadModel(mb ModelBin) error {
	if p.PerChannelSize <= 0 {
		return nil
	}
	data, err := mb.Load(p.PerChannelSize)
	if err != nil {
		return fmt.Errorf("padding: per channel values: %w", err)
	}
	p.perChannel = data
	return nil
}

func (p *Padding) CreatePipeline(opt *Option) error {
	row, ok := rowPadders[p.PadType]
	if !ok {
		return fmt.Errorf("padding: unsupported type %d", p.PadType)
	}
	p.features = p.resolveFeatures(opt)
	p.kernels = buildTable(func(kind tensor.Kind, pack int) (padKernel, bool) {
		return p.newKernel(kind, pack, row), true
	})
	log.Debug().
		Ints("margins", []int{p.Top, p.Bottom, p.Left, p.Right, p.Front, p.Behind}).
		Int("type", p.PadType).
		Str("target", p.features.Name).
		Int("variants", len(p.kernels)).
		Msg("padding pipeline")
	return nil
}

func (p *Padding) DestroyPipeline(*Option) error {
	p.kernels = nil
	return nil
}

func (p *Padding) newKernel(kind tensor.Kind, pack int, row rowPadder) padKernel {
	channels := (len(p.perChannel) + pack - 1) / pack
	k := padKernel{es: kind.Size() * pack, row: row, fills: make([][]byte, channels+1)}
	for q := range channels {
		k.fills[q] = p.encodeFill(kind, pack, q)
	}
	k.fills[channels] = p.encodeFill(kind, pack, -1)
	return k
}

func (p *Padding) noop() bool {
	return p.Top == 0 && p.Bottom == 0 && p.Left == 0 && p.Right == 0 && p.Front == 0 && p.Behind == 0
}

// growsPackedAxis reports whether the margins extend the axis carrying the
// pack lanes, which cannot be padded in packed form.
func (p *Padding) growsPackedAxis(dims int) bool {
	switch dims {
	case 1:
		return true
	case 2:
		return p.Top != 0 || p.Bottom != 0
	case 3:
		return p.Front != 0 || p.Behind != 0
	}
	return false
}

func (p *Padding) outShape(s tensor.Shape) tensor.Shape {
	s.W += p.Left + p.Right
	switch s.Dims {
	case 2:
		s.H += p.Top + p.Bottom
	case 3:
		s.H += p.Top + p.Bottom
		s.C += p.Front + p.Behind
	case 4:
		s.H += p.Top + p.Bottom
		s.D += p.Front + p.Behind
	}
	return s
}

func (p *Padding) Forward(inputs []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in := inputs[0]
	if p.noop() {
		return []*tensor.Tensor{in.Share()}, nil
	}
	threads := opt.threads()
	outShape := p.outShape(in.Shape())

	var outPack int
	if p.growsPackedAxis(in.Dims) {
		outPack = packing.ChooseFor(outShape.PackedExtent(), p.features, opt.UsePackingLayout)
	} else {
		outPack = in.ElemPack
		if !opt.UsePackingLayout {
			outPack = 1
		}
	}

	direct := outPack == in.ElemPack && (in.ElemPack == 1 || !p.growsPackedAxis(in.Dims))
	padPack := 1
	if direct {
		padPack = in.ElemPack
	}
	k, err := p.kernels.lookup("padding", in.Kind, padPack)
	if err != nil {
		return nil, err
	}

	out, err := tensor.New(outShape, in.Kind, outPack, opt.blob())
	if err != nil {
		return nil, fmt.Errorf("padding: %w", err)
	}
	if direct {
		p.pad(out, in, k, threads)
		return []*tensor.Tensor{out}, nil
	}

	// pad unpacked, then lay the result out at the output pack
	src := in
	if in.ElemPack != 1 {
		src, err = packing.Convert(in, 1, opt.workspace(), threads)
		if err != nil {
			out.Release()
			return nil, fmt.Errorf("padding: %w", err)
		}
		defer src.Release()
	}
	padded := out
	if outPack != 1 {
		padded, err = tensor.New(outShape, in.Kind, 1, opt.workspace())
		if err != nil {
			out.Release()
			return nil, fmt.Errorf("padding: %w", err)
		}
		defer padded.Release()
	}
	p.pad(padded, src, k, threads)
	if padded != out {
		packing.ConvertInto(out, padded, threads)
	}
	return []*tensor.Tensor{out}, nil
}

// pad writes in into out with kernel k. Both have the same pack; the packed
// axis is only grown when that pack is 1.
func (p *Padding) pad(out, in *tensor.Tensor, k padKernel, threads int) {
	m := margins{left: p.Left, right: p.Right, typ: p.PadType}
	if in.Dims >= 2 {
		m.top, m.bottom = p.Top, p.Bottom
	}

	switch in.Dims {
	case 1, 2:
		h := 1
		if in.Dims == 2 {
			h = in.H
		}
		padPlane(out.ChannelBytes(0), in.ChannelBytes(0), in.W, h, k, m, k.fill(-1))

	case 3:
		parallel.For(threads, out.C, func(q int) {
			fill := k.fill(q)
			dst := out.ChannelBytes(q)
			sq := q - p.Front
			if sq < 0 || sq >= in.C {
				if p.PadType == padConstant || in.C == 0 {
					simd.FillPattern(dst, fill)
					return
				}
				sq = mapIndex(sq, in.C, p.PadType)
			}
			padPlane(dst, in.ChannelBytes(sq), in.W, in.H, k, m, fill)
		})

	case 4:
		parallel.For2(threads, out.C, out.D, func(q, z int) {
			fill := k.fill(q)
			dst := out.DepthBytes(q, z)
			sz := z - p.Front
			if sz < 0 || sz >= in.D {
				if p.PadType == padConstant || in.D == 0 {
					simd.FillPattern(dst, fill)
					return
				}
				sz = mapIndex(sz, in.D, p.PadType)
			}
			padPlane(dst, in.DepthBytes(q, sz), in.W, in.H, k, m, fill)
		})
	}
}

// encodeFill encodes the constant for physical channel q, one value per
// lane. A negative q means no per channel value applies.
func (p *Padding) encodeFill(kind tensor.Kind, pack, q int) []byte {
	ks := kind.Size()
	b := make([]byte, ks*pack)
	for l := 0; l < pack; l++ {
		v := p.Value
		if c := q*pack + l; q >= 0 && c < len(p.perChannel) {
			v = p.perChannel[c]
		}
		tensor.EncodeScalar(kind, v, b[l*ks:])
	}
	return b
}

type margins struct {
	top, bottom, left, right int
	typ                      int
}

// mapIndex folds an out of range index back into [0, n) for replicate and
// reflect padding.
func mapIndex(i, n, typ int) int {
	if typ == padReflect {
		if i < 0 {
			i = -i
		}
		i = (n - 1) - abs(i-(n-1))
	}
	return min(max(i, 0), n-1)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// padPlane pads an h x w plane into dst.
func padPlane(dst, src []byte, w, h int, k padKernel, m margins, fill []byte) {
	if w == 0 || h == 0 {
		simd.FillPattern(dst, fill)
		return
	}
	es := k.es
	orow := (w + m.left + m.right) * es
	for y := 0; y < h+m.top+m.bottom; y++ {
		d := dst[y*orow : (y+1)*orow]
		sy := y - m.top
		if sy < 0 || sy >= h {
			if m.typ == padConstant {
				simd.FillPattern(d, fill)
				continue
			}
			sy = mapIndex(sy, h, m.typ)
		}
		k.row(d, src[sy*w*es:(sy+1)*w*es], w, es, m.left, fill)
	}
}

// rowPadder writes one padded row: the w source elements at left and the
// margins around them.
type rowPadder func(d, s []byte, w, es, left int, fill []byte)

var rowPadders = map[int]rowPadder{
	padConstant:  padRowConstant,
	padReplicate: padRowReplicate,
	padReflect:   padRowReflect,
}

func padRowConstant(d, s []byte, w, es, left int, fill []byte) {
	simd.FillPattern(d[:left*es], fill)
	simd.FillPattern(d[(left+w)*es:], fill)
	copyRow(d, s, w, es, left)
}

func padRowReplicate(d, s []byte, w, es, left int, _ []byte) {
	first, last := s[:es], s[(w-1)*es:]
	for x := 0; x < left; x++ {
		copy(d[x*es:(x+1)*es], first)
	}
	for x := left + w; x < len(d)/es; x++ {
		copy(d[x*es:(x+1)*es], last)
	}
	copyRow(d, s, w, es, left)
}

func padRowReflect(d, s []byte, w, es, left int, _ []byte) {
	for x := 0; x < left; x++ {
		sx := mapIndex(x-left, w, padReflect)
		copy(d[x*es:(x+1)*es], s[sx*es:])
	}
	for x := left + w; x < len(d)/es; x++ {
		sx := mapIndex(x-left, w, padReflect)
		copy(d[x*es:(x+1)*es], s[sx*es:])
	}
	copyRow(d, s, w, es, left)
}

func copyRow(d, s []byte, w, es, left int) {
	if w < smallRow {
		for x := 0; x < w; x++ {
			copy(d[(left+x)*es:(left+x+1)*es], s[x*es:(x+1)*es])
		}
		return
	}
	copy(d[left*es:(left+w)*es], s)
}
