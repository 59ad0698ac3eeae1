package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/23skdu/longbow-tessera/internal/layer"
	"github.com/23skdu/longbow-tessera/internal/packing"
	"github.com/23skdu/longbow-tessera/internal/pipeline"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// Runner owns the prepared default chain and builds ad hoc chains for
// requests that carry their own.
type Runner struct {
	stages   []pipeline.Stage
	chain    *pipeline.Chain
	opt      *layer.Option
	weights  []byte
	onDevice bool
}

// NewRunner prepares the chain described by desc. weights is a little
// endian float32 stream consumed in stage order; it may be empty.
func NewRunner(desc string, weights []byte, opt *layer.Option, onDevice bool) (*Runner, error) {
	stages, err := pipeline.ParseChain(desc)
	if err != nil {
		return nil, err
	}
	r := &Runner{stages: stages, opt: opt, weights: weights, onDevice: onDevice}
	if r.chain, err = r.build(stages); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) build(stages []pipeline.Stage) (*pipeline.Chain, error) {
	var mb layer.ModelBin
	if len(r.weights) > 0 {
		mb = layer.NewModelBinFromReader(bytes.NewReader(r.weights))
	}
	return pipeline.NewChain(stages, mb, r.opt)
}

// Option returns the per call configuration shared by every chain.
func (r *Runner) Option() *layer.Option {
	return r.opt
}

// Forward packs in to the widest usable pack and runs the default chain,
// or the chain in desc when it is not empty.
func (r *Runner) Forward(ctx context.Context, in *tensor.Tensor, desc string) (*tensor.Tensor, error) {
	chain := r.chain
	if desc != "" {
		stages, err := pipeline.ParseChain(desc)
		if err != nil {
			return nil, err
		}
		if chain, err = r.build(stages); err != nil {
			return nil, err
		}
		defer chain.Close()
	}

	pack := packing.ChooseFor(in.Shape().PackedExtent(), r.opt.Features, r.opt.UsePackingLayout)
	packed, err := packing.Convert(in, pack, r.opt.WorkspaceAllocator, r.opt.NumThreads)
	if err != nil {
		return nil, fmt.Errorf("pack input: %w", err)
	}
	defer packed.Release()

	if r.onDevice {
		return chain.ForwardOnDevice(ctx, []*tensor.Tensor{packed})
	}
	return chain.Forward(ctx, []*tensor.Tensor{packed})
}

// Verify runs the default chain with and without packed layouts and
// compares the results.
func (r *Runner) Verify(ctx context.Context, in *tensor.Tensor, tol float64) (float64, error) {
	var weights func() layer.ModelBin
	if len(r.weights) > 0 {
		weights = func() layer.ModelBin { return layer.NewModelBinFromReader(bytes.NewReader(r.weights)) }
	}
	return pipeline.CrossCheck(ctx, r.stages, weights, in, r.opt, tol)
}

func (r *Runner) Close() error {
	return r.chain.Close()
}
