package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// ErrNotReady is returned when a Future is read before its command buffer
// has been submitted and waited on.
var ErrNotReady = errors.New("device: result not ready")

// Future is a tensor produced by recorded work.
type Future struct {
	mu    sync.Mutex
	t     *tensor.Tensor
	ready bool
}

// Resolve stores the produced tensor. Called by recorded operations.
func (f *Future) Resolve(t *tensor.Tensor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
	f.ready = true
}

// Tensor returns the produced tensor once the work has completed.
func (f *Future) Tensor() (*tensor.Tensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return nil, ErrNotReady
	}
	return f.t, nil
}

// Release drops the produced tensor.
func (f *Future) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t.Release()
	f.t = nil
}

// CommandBuffer emulates an accelerator queue. Work is recorded, then runs
// in order on Submit; results are observable only after Wait. Device memory
// comes from a pool whose freed buffers stay pending while work is in flight.
type CommandBuffer struct {
	mu   sync.Mutex
	ops  []func() error
	busy atomic.Bool
	done chan error

	mem *PoolAllocator
}

func NewCommandBuffer() *CommandBuffer {
	cb := &CommandBuffer{}
	cb.mem = newPoolAllocator(func() bool { return !cb.busy.Load() })
	return cb
}

// Memory is the allocator backing device tensors.
func (cb *CommandBuffer) Memory() *PoolAllocator {
	return cb.mem
}

// Record appends an operation.
func (cb *CommandBuffer) Record(op func() error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.ops = append(cb.ops, op)
}

// RecordUpload records a copy of host into device memory. host must stay
// valid until the buffer has been waited on.
func (cb *CommandBuffer) RecordUpload(host *tensor.Tensor) *Future {
	f := &Future{}
	cb.Record(func() error {
		dev, err := host.Clone(cb.mem)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		f.Resolve(dev)
		return nil
	})
	return f
}

// RecordDownload records a copy of a device tensor into host memory from
// alloc.
func (cb *CommandBuffer) RecordDownload(dev *Future, alloc tensor.Allocator) *Future {
	f := &Future{}
	cb.Record(func() error {
		src, err := dev.Tensor()
		if err != nil {
			return err
		}
		host, err := src.Clone(alloc)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		f.Resolve(host)
		return nil
	})
	return f
}

// Submit starts executing the recorded work. It must be followed by Wait.
func (cb *CommandBuffer) Submit() {
	cb.mu.Lock()
	ops := cb.ops
	cb.ops = nil
	cb.done = make(chan error, 1)
	done := cb.done
	cb.mu.Unlock()

	log.Debug().Int("ops", len(ops)).Msg("command buffer submit")
	cb.busy.Store(true)
	go func() {
		var err error
		for i, op := range ops {
			if err = op(); err != nil {
				err = fmt.Errorf("command %d: %w", i, err)
				break
			}
		}
		cb.busy.Store(false)
		done <- err
	}()
}

// Wait blocks until submitted work finishes and returns its first error.
func (cb *CommandBuffer) Wait() error {
	cb.mu.Lock()
	done := cb.done
	cb.mu.Unlock()
	if done == nil {
		return nil
	}
	err := <-done
	cb.mu.Lock()
	cb.done = nil
	cb.mu.Unlock()
	return err
}

// SubmitAndWait runs all recorded work to completion.
func (cb *CommandBuffer) SubmitAndWait() error {
	cb.Submit()
	return cb.Wait()
}
