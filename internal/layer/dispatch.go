package layer

import (
	"fmt"

	"github.com/23skdu/longbow-tessera/internal/cast"
	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// storageKinds are the kinds a kernel table is built for.
var storageKinds = []tensor.Kind{tensor.Float32, tensor.Float16, tensor.BFloat16, tensor.Int8}

// kernelKey selects one kernel variant: the storage kind of the data and the
// pack width it is laid out at.
type kernelKey struct {
	kind tensor.Kind
	pack int
}

// kernelTable holds the variants an operator resolved in CreatePipeline.
// Forward only reads it.
type kernelTable[K any] map[kernelKey]K

// buildTable calls build for every kind and pack width. A false second
// result leaves the variant out.
func buildTable[K any](build func(kind tensor.Kind, pack int) (K, bool)) kernelTable[K] {
	t := make(kernelTable[K], len(storageKinds)*len(tensor.Packs))
	for _, kind := range storageKinds {
		for _, pack := range tensor.Packs {
			if k, ok := build(kind, pack); ok {
				t[kernelKey{kind, pack}] = k
			}
		}
	}
	return t
}

func (t kernelTable[K]) lookup(op string, kind tensor.Kind, pack int) (K, error) {
	k, ok := t[kernelKey{kind, pack}]
	if !ok {
		var zero K
		return zero, fmt.Errorf("%s: no kernel for %s pack %d: %w", op, kind, pack, cast.ErrUnsupportedKind)
	}
	return k, nil
}

func (b *base) setTarget(f device.Features) { b.target = f }

// resolveFeatures returns the descriptor the operator was created for, or
// the option's when it was built without the registry.
func (b *base) resolveFeatures(opt *Option) device.Features {
	if b.target.Name == "" && b.target.Lanes == nil {
		return opt.Features
	}
	return b.target
}
