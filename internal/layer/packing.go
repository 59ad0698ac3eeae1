package layer

import (
	"fmt"

	"github.com/23skdu/longbow-tessera/internal/packing"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// Packing relays its input out at a fixed pack width.
type Packing struct {
	base
	OutElemPack int
}

func NewPacking() *Packing {
	return &Packing{OutElemPack: 1}
}

func (p *Packing) Type() string { return "Packing" }

func (p *Packing) LoadParam(pd *ParamDict) error {
	p.OutElemPack = pd.Get(0, 1)
	if !tensor.ValidPack(p.OutElemPack) {
		return fmt.Errorf("packing: invalid out_elempack %d", p.OutElemPack)
	}
	return nil
}

func (p *Packing) Forward(inputs []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	out, err := packing.Convert(inputs[0], p.OutElemPack, opt.blob(), opt.threads())
	if err != nil {
		return nil, fmt.Errorf("packing layer: %w", err)
	}
	return []*tensor.Tensor{out}, nil
}
