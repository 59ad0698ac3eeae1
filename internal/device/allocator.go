package device

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// HeapAllocator hands out fresh Go memory and tracks the live byte count.
type HeapAllocator struct {
	live atomic.Int64
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

func (a *HeapAllocator) Alloc(size int) ([]byte, error) {
	a.live.Add(int64(size))
	heapBytes.Add(float64(size))
	return make([]byte, size), nil
}

func (a *HeapAllocator) Free(buf []byte) {
	a.live.Add(-int64(len(buf)))
	heapBytes.Sub(float64(len(buf)))
}

// Live returns the bytes currently allocated and not freed.
func (a *HeapAllocator) Live() int64 {
	return a.live.Load()
}

type poolEntry struct {
	buf  []byte
	size int
}

func getBucket(size int) int {
	if size <= 0 {
		return 0
	}
	// 1-2 bytes -> bucket 1, 3-4 bytes -> bucket 2, 5-8 bytes -> bucket 3, etc.
	return int(math.Ceil(math.Log2(float64(size))))
}

// PoolAllocator recycles scratch buffers in power of two buckets. Freed
// buffers sit in a pending list until the owner reports that no queued work
// can still touch them.
type PoolAllocator struct {
	mu             sync.Mutex
	buckets        map[int][]poolEntry // safe to reuse
	pendingBuckets map[int][]poolEntry // may still be referenced by queued work
	completed      func() bool
}

// NewPoolAllocator returns a pool whose pending buffers become reusable on
// the next Alloc.
func NewPoolAllocator() *PoolAllocator {
	return newPoolAllocator(func() bool { return true })
}

func newPoolAllocator(completed func() bool) *PoolAllocator {
	return &PoolAllocator{
		buckets:        make(map[int][]poolEntry),
		pendingBuckets: make(map[int][]poolEntry),
		completed:      completed,
	}
}

func (p *PoolAllocator) Alloc(size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed() {
		p.drainLocked()
	}

	bucket := getBucket(size)
	for i := bucket; i <= bucket+2; i++ {
		list := p.buckets[i]
		bestIdx := -1
		for idx, entry := range list {
			if entry.size >= size && (bestIdx == -1 || entry.size < list[bestIdx].size) {
				bestIdx = idx
			}
		}
		if bestIdx != -1 {
			e := list[bestIdx]
			p.buckets[i] = append(list[:bestIdx], list[bestIdx+1:]...)

			poolHits.Inc()
			poolSizeBytes.Sub(float64(e.size))
			poolBuffers.Dec()
			return e.buf[:size], nil
		}
	}

	poolMisses.Inc()
	return make([]byte, size, 1<<bucket), nil
}

func (p *PoolAllocator) Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	full := buf[:cap(buf)]
	bucket := getBucket(len(full))
	p.pendingBuckets[bucket] = append(p.pendingBuckets[bucket], poolEntry{buf: full, size: len(full)})

	poolSizeBytes.Add(float64(len(full)))
	poolBuffers.Inc()
}

// Synchronize makes pending buffers reusable regardless of the completion
// callback.
func (p *PoolAllocator) Synchronize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()
}

func (p *PoolAllocator) drainLocked() {
	for bucket, entries := range p.pendingBuckets {
		p.buckets[bucket] = append(p.buckets[bucket], entries...)
	}
	clear(p.pendingBuckets)
}

// Reset drops every cached buffer.
func (p *PoolAllocator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range []map[int][]poolEntry{p.buckets, p.pendingBuckets} {
		for _, entries := range m {
			for _, e := range entries {
				poolSizeBytes.Sub(float64(e.size))
				poolBuffers.Dec()
			}
		}
		clear(m)
	}
}

// Cached returns the number of buffers held, reusable or pending.
func (p *PoolAllocator) Cached() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.buckets {
		n += len(e)
	}
	for _, e := range p.pendingBuckets {
		n += len(e)
	}
	return n
}

// BudgetAllocator refuses allocations that would push the live byte count of
// the wrapped allocator over a limit.
type BudgetAllocator struct {
	base  tensor.Allocator
	limit int64
	used  atomic.Int64
}

func NewBudgetAllocator(base tensor.Allocator, limit int64) *BudgetAllocator {
	if base == nil {
		base = tensor.DefaultAllocator
	}
	return &BudgetAllocator{base: base, limit: limit}
}

func (b *BudgetAllocator) Alloc(size int) ([]byte, error) {
	if n := b.used.Add(int64(size)); n > b.limit {
		b.used.Add(-int64(size))
		allocFailures.Inc()
		log.Warn().Int("size", size).Int64("used", n-int64(size)).Int64("limit", b.limit).Msg("allocation over budget")
		return nil, fmt.Errorf("%d bytes over budget %d: %w", size, b.limit, tensor.ErrAllocation)
	}
	buf, err := b.base.Alloc(size)
	if err != nil {
		b.used.Add(-int64(size))
		return nil, err
	}
	return buf, nil
}

func (b *BudgetAllocator) Free(buf []byte) {
	b.used.Add(-int64(len(buf)))
	b.base.Free(buf)
}

// Synchronize forwards to the wrapped allocator when it keeps pending
// buffers.
func (b *BudgetAllocator) Synchronize() {
	if s, ok := b.base.(interface{ Synchronize() }); ok {
		s.Synchronize()
	}
}

// Used returns the bytes currently charged against the budget.
func (b *BudgetAllocator) Used() int64 {
	return b.used.Load()
}
