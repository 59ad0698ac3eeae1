// Package layer defines the operator lifecycle an executor drives and the
// shape transforming operators built on it.
//
// An operator is created, configured with LoadParam and LoadModel, prepared
// with CreatePipeline, run any number of times with Forward and finally torn
// down with DestroyPipeline. Calling Forward outside the CreatePipeline /
// DestroyPipeline window is a contract violation and is not checked.
package layer

import (
	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// Layer is one operator.
type Layer interface {
	// Type is the registry name.
	Type() string
	LoadParam(pd *ParamDict) error
	LoadModel(mb ModelBin) error
	CreatePipeline(opt *Option) error
	// Forward either fully populates every returned tensor or returns an
	// error without exposing any output. Outputs come from
	// opt.BlobAllocator; the caller releases them.
	Forward(inputs []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error)
	DestroyPipeline(opt *Option) error
}

// base provides no-op lifecycle steps and remembers the target the registry
// created the operator for.
type base struct {
	target device.Features
}

func (base) LoadParam(*ParamDict) error    { return nil }
func (base) LoadModel(ModelBin) error      { return nil }
func (base) CreatePipeline(*Option) error  { return nil }
func (base) DestroyPipeline(*Option) error { return nil }

// releaseAll drops every non-nil tensor in ts.
func releaseAll(ts ...*tensor.Tensor) {
	for _, t := range ts {
		t.Release()
	}
}
