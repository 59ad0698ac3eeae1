package layer

import (
	"fmt"

	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// RecordForward appends l.Forward to a command buffer. The outputs become
// readable after the buffer is submitted and waited on. Outputs live in the
// command buffer's device memory.
func RecordForward(cb *device.CommandBuffer, l Layer, inputs []*device.Future, opt *Option) []*device.Future {
	outs := []*device.Future{{}}
	devOpt := *opt
	devOpt.BlobAllocator = cb.Memory()
	devOpt.WorkspaceAllocator = cb.Memory()

	cb.Record(func() error {
		ins := make([]*tensor.Tensor, len(inputs))
		for i, f := range inputs {
			t, err := f.Tensor()
			if err != nil {
				return fmt.Errorf("%s input %d: %w", l.Type(), i, err)
			}
			ins[i] = t
		}
		res, err := l.Forward(ins, &devOpt)
		if err != nil {
			return fmt.Errorf("%s: %w", l.Type(), err)
		}
		outs[0].Resolve(res[0])
		releaseAll(res[1:]...)
		return nil
	})
	return outs
}
