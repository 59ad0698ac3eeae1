package layer

import (
	"fmt"

	"github.com/23skdu/longbow-tessera/internal/cast"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// Cast converts its input between storage kinds, keeping the pack width.
// A from kind of 0 means "whatever the input is".
type Cast struct {
	base
	From tensor.Kind
	To   tensor.Kind
}

func NewCast() *Cast {
	return &Cast{}
}

func (c *Cast) Type() string { return "Cast" }

func (c *Cast) LoadParam(pd *ParamDict) error {
	c.From = tensor.Kind(pd.Get(0, 0))
	c.To = tensor.Kind(pd.Get(1, 0))
	if c.From != 0 && !c.From.Valid() {
		return fmt.Errorf("cast: unknown type_from %d", int(c.From))
	}
	if !c.To.Valid() {
		return fmt.Errorf("cast: unknown type_to %d", int(c.To))
	}
	return nil
}

func (c *Cast) Forward(inputs []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in := inputs[0]
	from := c.From
	if from == 0 {
		from = in.Kind
	}
	out, err := cast.Cast(in, from, c.To, opt.blob(), opt.threads())
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}
