package layer

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tessera/internal/cache"
	"github.com/23skdu/longbow-tessera/internal/cast"
	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/packing"
	"github.com/23skdu/longbow-tessera/internal/parallel"
	"github.com/23skdu/longbow-tessera/internal/precision"
	"github.com/23skdu/longbow-tessera/internal/simd"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

const (
	resizeNearest  = 1
	resizeBilinear = 2
)

// Interp resizes the W x H plane of every channel and depth slice. Rank 1
// input is resized as a single row.
type Interp struct {
	base

	ResizeType   int
	HeightScale  float32
	WidthScale   float32
	OutputHeight int
	OutputWidth  int
	AlignCorner  bool

	features device.Features
	resizers kernelTable[resizer]
	tables   *coeffCache
}

// coefficient tables kept per instance
const coeffTableLimit = 64

type resizer struct {
	name string
	fn   planeResizer
}

// planeResizer resizes one plane of h x w elements into oh x ow.
type planeResizer func(dst, src []byte, w, h, ow, oh int)

func NewInterp() *Interp {
	return &Interp{ResizeType: resizeNearest, HeightScale: 1, WidthScale: 1}
}

func (it *Interp) Type() string { return "Interp" }

func (it *Interp) LoadParam(pd *ParamDict) error {
	it.ResizeType = pd.Get(0, resizeNearest)
	it.HeightScale = pd.GetFloat(1, 1)
	it.WidthScale = pd.GetFloat(2, 1)
	it.OutputHeight = pd.Get(3, 0)
	it.OutputWidth = pd.Get(4, 0)
	it.AlignCorner = pd.Get(6, 0) != 0

	if it.ResizeType != resizeNearest && it.ResizeType != resizeBilinear {
		return fmt.Errorf("interp: unsupported resize type %d", it.ResizeType)
	}
	return nil
}

// CreatePipeline resolves one resizer per kind and pack. Bilinear has no
// int8 variant. With half arithmetic requested on a target that has it,
// fp16 data is blended at binary16 precision.
func (it *Interp) CreatePipeline(opt *Option) error {
	if it.ResizeType != resizeNearest && it.ResizeType != resizeBilinear {
		return fmt.Errorf("interp: unsupported resize type %d", it.ResizeType)
	}
	it.features = it.resolveFeatures(opt)
	it.tables = cache.NewBoundedMapCache[coeffKey, *coeffs](coeffTableLimit)
	halfArith := opt.UseFP16Arithmetic && it.features.FP16
	it.resizers = buildTable(func(kind tensor.Kind, pack int) (resizer, bool) {
		return it.newResizer(kind, pack, halfArith)
	})
	log.Debug().
		Int("resize_type", it.ResizeType).
		Bool("align_corner", it.AlignCorner).
		Str("fp16_kernel", it.resizers[kernelKey{tensor.Float16, 1}].name).
		Str("target", it.features.Name).
		Msg("interp pipeline")
	return nil
}

func (it *Interp) newResizer(kind tensor.Kind, pack int, halfArith bool) (resizer, bool) {
	tables, align := it.tables, it.AlignCorner
	if it.ResizeType == resizeNearest {
		es := pack * kind.Size()
		return resizer{"nearest", func(dst, src []byte, w, h, ow, oh int) {
			resizeNearestPlane(tables, dst, src, w, h, ow, oh, es)
		}}, true
	}
	if kind == tensor.Int8 {
		return resizer{}, false
	}
	name, round := "bilinear", rowRounder(nil)
	if halfArith && kind == tensor.Float16 {
		name, round = "bilinear_fp16a", roundToHalf
	}
	return resizer{name, func(dst, src []byte, w, h, ow, oh int) {
		resizeBilinearPlane(tables, dst, src, w, h, ow, oh, pack, kind, align, round)
	}}, true
}

func (it *Interp) DestroyPipeline(*Option) error {
	it.resizers = nil
	it.tables = nil
	return nil
}

func (it *Interp) outSize(w, h int) (int, int) {
	ow, oh := it.OutputWidth, it.OutputHeight
	if ow == 0 {
		ow = int(float32(w) * it.WidthScale)
	}
	if oh == 0 {
		oh = int(float32(h) * it.HeightScale)
	}
	return ow, oh
}

func (it *Interp) Forward(inputs []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in := inputs[0]
	threads := opt.threads()
	s := in.Shape()

	ow, oh := it.outSize(s.W, s.H)
	if in.Dims == 1 {
		oh = 1
	}
	if ow == s.W && oh == s.H {
		return []*tensor.Tensor{in.Share()}, nil
	}

	outShape := s
	outShape.W, outShape.H = ow, oh

	// rank 1 and 2 carry lanes along W or H; resize those unpacked
	src := in
	outPack := in.ElemPack
	if in.Dims <= 2 {
		outPack = packing.ChooseFor(outShape.PackedExtent(), it.features, opt.UsePackingLayout)
	} else if !opt.UsePackingLayout {
		outPack = 1
	}
	unpacked := in.Dims <= 2 || outPack != in.ElemPack
	workPack := in.ElemPack
	if unpacked {
		workPack = 1
	}
	r, err := it.resizers.lookup("interp", in.Kind, workPack)
	if err != nil {
		return nil, err
	}

	out, err := tensor.New(outShape, in.Kind, outPack, opt.blob())
	if err != nil {
		return nil, fmt.Errorf("interp: %w", err)
	}

	work := out
	if unpacked {
		if in.ElemPack != 1 {
			src, err = packing.Convert(in, 1, opt.workspace(), threads)
			if err != nil {
				out.Release()
				return nil, fmt.Errorf("interp: %w", err)
			}
			defer src.Release()
		}
		if outPack != 1 {
			work, err = tensor.New(outShape, in.Kind, 1, opt.workspace())
			if err != nil {
				out.Release()
				return nil, fmt.Errorf("interp: %w", err)
			}
			defer work.Release()
		}
	}

	switch src.Dims {
	case 1:
		r.fn(work.ChannelBytes(0), src.ChannelBytes(0), src.W, 1, ow, 1)
	case 2:
		r.fn(work.ChannelBytes(0), src.ChannelBytes(0), src.W, src.H, ow, oh)
	case 3:
		parallel.For(threads, src.C, func(q int) {
			r.fn(work.ChannelBytes(q), src.ChannelBytes(q), src.W, src.H, ow, oh)
		})
	case 4:
		parallel.For2(threads, src.C, src.D, func(q, z int) {
			r.fn(work.DepthBytes(q, z), src.DepthBytes(q, z), src.W, src.H, ow, oh)
		})
	}

	if work != out {
		packing.ConvertInto(out, work, threads)
	}
	return []*tensor.Tensor{out}, nil
}

type coeffKey struct {
	in, out int
	mode    int
	align   bool
}

// coeffs holds the two source taps and their weights for every output
// index along one axis. Nearest tables only use ofs0.
type coeffs struct {
	ofs0, ofs1 []int
	alpha      []float32
}

type coeffCache = cache.MapCache[coeffKey, *coeffs]

func linearCoeffs(tables *coeffCache, w, outw int, align bool) *coeffs {
	return tables.GetOrCompute(coeffKey{w, outw, resizeBilinear, align}, func() *coeffs {
		c := &coeffs{
			ofs0:  make([]int, outw),
			ofs1:  make([]int, outw),
			alpha: make([]float32, outw*2),
		}
		scale := float64(w) / float64(outw)
		if align {
			scale = 0
			if outw > 1 {
				scale = float64(w-1) / float64(outw-1)
			}
		}
		for dx := 0; dx < outw; dx++ {
			var fx float32
			if align {
				fx = float32(float64(dx) * scale)
			} else {
				fx = float32((float64(dx)+0.5)*scale - 0.5)
			}
			sx := int(math.Floor(float64(fx)))
			fx -= float32(sx)
			if sx < 0 {
				sx, fx = 0, 0
			}
			if sx >= w-1 {
				sx, fx = w-2, 1
			}
			if w == 1 {
				sx, fx = 0, 0
			}
			c.ofs0[dx] = sx
			c.ofs1[dx] = min(sx+1, w-1)
			c.alpha[dx*2] = 1 - fx
			c.alpha[dx*2+1] = fx
		}
		return c
	})
}

func nearestCoeffs(tables *coeffCache, w, outw int) *coeffs {
	return tables.GetOrCompute(coeffKey{w, outw, resizeNearest, false}, func() *coeffs {
		c := &coeffs{ofs0: make([]int, outw)}
		scale := float32(w) / float32(outw)
		for dx := 0; dx < outw; dx++ {
			c.ofs0[dx] = min(int(float32(dx)*scale), w-1)
		}
		return c
	})
}

// resizeNearestPlane resizes a plane of es byte elements.
func resizeNearestPlane(tables *coeffCache, dst, src []byte, w, h, ow, oh, es int) {
	xs := nearestCoeffs(tables, w, ow).ofs0
	ys := nearestCoeffs(tables, h, oh).ofs0
	for dy := 0; dy < oh; dy++ {
		sy := ys[dy]
		simd.Gather(dst[dy*ow*es:(dy+1)*ow*es], src[sy*w*es:(sy+1)*w*es], xs, es)
	}
}

// resizeBilinearPlane is the separable two pass filter. Horizontal passes
// are cached in two float32 rows and reused while consecutive output rows
// read the same source rows. A non-nil round is applied to every
// horizontal pass. It returns the number of horizontal passes.
func resizeBilinearPlane(tables *coeffCache, dst, src []byte, w, h, ow, oh, lanes int, kind tensor.Kind, align bool, round rowRounder) int {
	ks := kind.Size()
	es := lanes * ks
	cx := linearCoeffs(tables, w, ow, align)
	cy := linearCoeffs(tables, h, oh, align)

	srow := make([]float32, w*lanes)
	rows0 := make([]float32, ow*lanes)
	rows1 := make([]float32, ow*lanes)
	orow := make([]float32, ow*lanes)

	hresize := func(rows []float32, sy int) {
		cast.DecodeRow(kind, srow, src[sy*w*es:(sy+1)*w*es])
		simd.HResize(rows, srow, cx.ofs0, cx.ofs1, cx.alpha, lanes)
		if round != nil {
			round(rows)
		}
	}

	passes := 0
	prev0, prev1 := -2, -2
	for dy := 0; dy < oh; dy++ {
		sy0, sy1 := cy.ofs0[dy], cy.ofs1[dy]
		switch {
		case sy0 == prev0 && sy1 == prev1:
			// reuse both rows
		case sy0 == prev1:
			rows0, rows1 = rows1, rows0
			hresize(rows1, sy1)
			passes++
		default:
			hresize(rows0, sy0)
			hresize(rows1, sy1)
			passes += 2
		}
		prev0, prev1 = sy0, sy1

		simd.VBlend(orow, rows0, rows1, cy.alpha[dy*2], cy.alpha[dy*2+1])
		cast.EncodeRow(kind, dst[dy*ow*es:(dy+1)*ow*es], orow)
	}
	return passes
}

// rowRounder narrows a row of intermediates in place.
type rowRounder func(row []float32)

// roundToHalf keeps binary16 precision, as half arithmetic would.
func roundToHalf(row []float32) {
	for i, v := range row {
		row[i] = precision.Float16ToFloat32(precision.Float32ToFloat16(v))
	}
}
