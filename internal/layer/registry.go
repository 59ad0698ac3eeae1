package layer

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tessera/internal/device"
)

// ErrUnknownLayer is returned by Create for unregistered names.
var ErrUnknownLayer = errors.New("layer: unknown type")

// Creator builds an operator instance for a target.
type Creator func(f device.Features) Layer

var (
	registryMu sync.RWMutex
	registry   = map[string]Creator{
		"Padding": creator(NewPadding),
		"Concat":  creator(NewConcat),
		"Interp":  creator(NewInterp),
		"Cast":    creator(NewCast),
		"Packing": creator(NewPacking),
	}
)

// creator wraps a constructor so the operator keeps the target it is
// created for and resolves its kernels against it.
func creator[L interface {
	Layer
	setTarget(device.Features)
}](construct func() L) Creator {
	return func(f device.Features) Layer {
		l := construct()
		l.setTarget(f)
		return l
	}
}

// Register adds or replaces a creator.
func Register(name string, c Creator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = c
}

// Create instantiates the operator registered under name.
func Create(name string, f device.Features) (Layer, error) {
	registryMu.RLock()
	c, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	log.Debug().Str("layer", name).Str("target", f.Name).Msg("create layer")
	return c(f), nil
}

// Names lists registered operator names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
