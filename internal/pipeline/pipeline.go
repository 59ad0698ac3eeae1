// Package pipeline drives a linear chain of layers through their lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/layer"
	"github.com/23skdu/longbow-tessera/internal/packing"
	"github.com/23skdu/longbow-tessera/internal/refcheck"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

var tracer = otel.Tracer("tessera-pipeline")

var (
	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tessera_layer_forward_duration_seconds",
		Help:    "Time spent in one layer forward",
		Buckets: prometheus.DefBuckets,
	}, []string{"layer"})

	forwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_layer_forward_errors_total",
		Help: "Total number of failed layer forwards",
	}, []string{"layer"})
)

// Stage names one layer and its parameters.
type Stage struct {
	Name   string
	Params string
}

func (s Stage) String() string {
	if s.Params == "" {
		return s.Name
	}
	return s.Name + " " + s.Params
}

// ParseChain reads stages separated by ';', each a layer name followed by
// its parameters, e.g. "Padding 0=1 1=1 4=2; Interp 0=2 3=32 4=32".
func ParseChain(s string) ([]Stage, error) {
	var stages []Stage
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, params, _ := strings.Cut(part, " ")
		stages = append(stages, Stage{Name: name, Params: strings.TrimSpace(params)})
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("empty chain %q", s)
	}
	return stages, nil
}

// Chain is a sequence of prepared layers. The first layer receives every
// input; each later layer receives the previous output.
type Chain struct {
	stages []Stage
	layers []layer.Layer
	opt    *layer.Option
}

// NewChain creates, loads and prepares every stage. Weights for all stages
// are read from mb in order; mb may be nil when no stage needs weights.
func NewChain(stages []Stage, mb layer.ModelBin, opt *layer.Option) (*Chain, error) {
	if mb == nil {
		mb = layer.NewModelBinFromArrays()
	}
	c := &Chain{stages: stages, opt: opt}
	for i, st := range stages {
		l, err := layer.Create(st.Name, opt.Features)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		pd, err := layer.ParseParamDict(st.Params)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("stage %d (%s): %w", i, st.Name, err)
		}
		if err := l.LoadParam(pd); err != nil {
			c.Close()
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if err := l.LoadModel(mb); err != nil {
			c.Close()
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if err := l.CreatePipeline(opt); err != nil {
			c.Close()
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		c.layers = append(c.layers, l)
	}
	log.Debug().Int("stages", len(stages)).Bool("packing", opt.UsePackingLayout).Msg("chain ready")
	return c, nil
}

// Stages returns the chain description.
func (c *Chain) Stages() []Stage {
	return c.stages
}

// Forward runs the chain. Intermediate tensors are released as soon as the
// next layer has consumed them; the caller releases the result.
func (c *Chain) Forward(ctx context.Context, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("chain forward: no inputs")
	}
	ctx, span := tracer.Start(ctx, "Chain.Forward")
	defer span.End()
	defer c.syncWorkspace()

	cur := inputs
	owned := false
	for i, l := range c.layers {
		_, lspan := tracer.Start(ctx, "Layer.Forward", trace.WithAttributes(
			attribute.String("layer", l.Type()),
			attribute.Int("stage", i),
			attribute.String("input_shape", cur[0].Shape().String()),
			attribute.Int("input_pack", cur[0].ElemPack),
		))

		start := time.Now()
		out, err := l.Forward(cur, c.opt)
		forwardDuration.WithLabelValues(l.Type()).Observe(time.Since(start).Seconds())

		if owned {
			for _, t := range cur {
				t.Release()
			}
		}
		if err != nil {
			forwardErrors.WithLabelValues(l.Type()).Inc()
			lspan.RecordError(err)
			lspan.SetStatus(codes.Error, err.Error())
			lspan.End()
			span.RecordError(err)
			return nil, fmt.Errorf("stage %d (%s): %w", i, l.Type(), err)
		}
		lspan.SetAttributes(
			attribute.String("output_shape", out[0].Shape().String()),
			attribute.Int("output_pack", out[0].ElemPack),
		)
		lspan.End()

		log.Debug().
			Str("layer", l.Type()).
			Str("shape", out[0].Shape().String()).
			Int("pack", out[0].ElemPack).
			Dur("took", time.Since(start)).
			Msg("layer forward")
		cur, owned = out, true
	}

	if !owned {
		return cur[0].Share(), nil
	}
	for _, t := range cur[1:] {
		t.Release()
	}
	return cur[0], nil
}

// syncWorkspace makes scratch freed during a call reusable by the next one.
func (c *Chain) syncWorkspace() {
	if s, ok := c.opt.WorkspaceAllocator.(interface{ Synchronize() }); ok {
		s.Synchronize()
	}
}

// ForwardOnDevice records the chain on an emulated device command buffer:
// inputs are uploaded, every layer is recorded in order and the result is
// downloaded into the blob allocator. Nothing runs until the buffer is
// submitted at the end of the call.
func (c *Chain) ForwardOnDevice(ctx context.Context, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("chain forward: no inputs")
	}
	_, span := tracer.Start(ctx, "Chain.ForwardOnDevice")
	defer span.End()

	cb := device.NewCommandBuffer()
	cur := make([]*device.Future, len(inputs))
	for i, in := range inputs {
		cur[i] = cb.RecordUpload(in)
	}
	for _, l := range c.layers {
		out := layer.RecordForward(cb, l, cur, c.opt)
		prev := cur
		cb.Record(func() error {
			for _, f := range prev {
				f.Release()
			}
			return nil
		})
		cur = out
	}
	down := cb.RecordDownload(cur[0], c.opt.BlobAllocator)
	last := cur
	cb.Record(func() error {
		for _, f := range last {
			f.Release()
		}
		return nil
	})

	if err := cb.SubmitAndWait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return down.Tensor()
}

// Close destroys every prepared layer.
func (c *Chain) Close() error {
	var first error
	for _, l := range c.layers {
		if err := l.DestroyPipeline(c.opt); err != nil && first == nil {
			first = err
		}
	}
	c.layers = nil
	return first
}

// CrossCheck runs the stages twice on the same input: once with packed
// layouts enabled and the input packed to its widest pack, once with
// everything unpacked. It returns the largest relative error between the
// two results and an error if they disagree beyond tol. weights, when not
// nil, supplies a fresh ModelBin for each run.
func CrossCheck(ctx context.Context, stages []Stage, weights func() layer.ModelBin, input *tensor.Tensor, opt *layer.Option, tol float64) (float64, error) {
	plainOpt, packedOpt := *opt, *opt
	plainOpt.UsePackingLayout = false
	packedOpt.UsePackingLayout = true

	run := func(o *layer.Option, pack int) (*tensor.Tensor, error) {
		in, err := packing.Convert(input, pack, o.WorkspaceAllocator, o.NumThreads)
		if err != nil {
			return nil, err
		}
		defer in.Release()
		var mb layer.ModelBin
		if weights != nil {
			mb = weights()
		}
		chain, err := NewChain(stages, mb, o)
		if err != nil {
			return nil, err
		}
		defer chain.Close()
		return chain.Forward(ctx, []*tensor.Tensor{in})
	}

	plain, err := run(&plainOpt, 1)
	if err != nil {
		return 0, fmt.Errorf("unpacked run: %w", err)
	}
	defer plain.Release()

	pack := packing.ChooseFor(input.Shape().PackedExtent(), opt.Features, true)
	packed, err := run(&packedOpt, pack)
	if err != nil {
		return 0, fmt.Errorf("packed run: %w", err)
	}
	defer packed.Release()

	return refcheck.MaxRelError(plain, packed), refcheck.Compare(plain, packed, tol)
}
