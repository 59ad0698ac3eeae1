package tensor

import (
	"errors"
	"sync/atomic"
)

// ErrAllocation is returned when an allocator cannot provide a buffer.
// Nothing has been written to any output when a call fails with it.
var ErrAllocation = errors.New("tensor: allocation failed")

// Allocator provides raw storage for tensors.
type Allocator interface {
	// Alloc returns a zero-length-safe buffer of exactly size bytes or an
	// error wrapping ErrAllocation.
	Alloc(size int) ([]byte, error)
	// Free hands a buffer back once no tensor or view references it.
	Free(buf []byte)
}

// Buffer is reference counted storage shared by a tensor and its views.
type Buffer struct {
	data  []byte
	refs  atomic.Int32
	alloc Allocator
}

func newBuffer(data []byte, alloc Allocator) *Buffer {
	b := &Buffer{data: data, alloc: alloc}
	b.refs.Store(1)
	return b
}

// Retain adds a holder.
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release drops a holder and frees the storage when it was the last one.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	if n == 0 {
		if b.alloc != nil {
			b.alloc.Free(b.data)
		}
		b.data = nil
	} else if n < 0 {
		panic("tensor: buffer released more times than retained")
	}
}

// Refs returns the current number of holders.
func (b *Buffer) Refs() int {
	return int(b.refs.Load())
}

// Len is the buffer size in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}
