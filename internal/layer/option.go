package layer

import (
	"runtime"

	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// Option is the per call configuration passed to CreatePipeline and
// Forward.
type Option struct {
	NumThreads int
	// UsePackingLayout allows pack widths above 1. When false every
	// operator produces pack 1 outputs.
	UsePackingLayout bool
	// Storage flags select the kind new tensors are stored in and the
	// encoding of fill values. FP16 wins over BF16 when both are set.
	UseFP16Storage bool
	UseBF16Storage bool
	// UseFP16Arithmetic lets operators keep fp16 intermediates at half
	// precision on targets with native half arithmetic.
	UseFP16Arithmetic bool

	// BlobAllocator provides outputs handed to the caller.
	BlobAllocator tensor.Allocator
	// WorkspaceAllocator provides intermediates that die within one call.
	WorkspaceAllocator tensor.Allocator

	Features device.Features
}

// DefaultOption uses every core, packing enabled and the host CPU features.
func DefaultOption() *Option {
	return OptionFor(device.DetectFeatures())
}

// OptionFor enables half storage and arithmetic where f has native
// support, preferring fp16 over bf16.
func OptionFor(f device.Features) *Option {
	return &Option{
		NumThreads:        runtime.NumCPU(),
		UsePackingLayout:  true,
		UseFP16Storage:    f.FP16,
		UseBF16Storage:    f.BF16 && !f.FP16,
		UseFP16Arithmetic: f.FP16,
		Features:          f,
	}
}

func (o *Option) threads() int {
	if o.NumThreads < 1 {
		return 1
	}
	return o.NumThreads
}

func (o *Option) blob() tensor.Allocator {
	if o.BlobAllocator == nil {
		return tensor.DefaultAllocator
	}
	return o.BlobAllocator
}

func (o *Option) workspace() tensor.Allocator {
	if o.WorkspaceAllocator == nil {
		return tensor.DefaultAllocator
	}
	return o.WorkspaceAllocator
}

// StorageKind is the kind fp32 data is narrowed to for storage.
func (o *Option) StorageKind() tensor.Kind {
	switch {
	case o.UseFP16Storage:
		return tensor.Float16
	case o.UseBF16Storage:
		return tensor.BFloat16
	}
	return tensor.Float32
}
