package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCache(t *testing.T) {
	c := NewMapCache[string, []int]()
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", []int{1, 2})
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2}, v)
	assert.Equal(t, 1, c.Size())

	c.Reset()
	assert.Equal(t, 0, c.Size())
}

func TestGetOrComputeConcurrent(t *testing.T) {
	type key struct{ in, out int }
	c := NewMapCache[key, *int]()
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([]*int, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.GetOrCompute(key{4, 8}, func() *int {
				calls.Add(1)
				v := 42
				return &v
			})
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, 1, c.Size())
}

func TestBoundedMapCache(t *testing.T) {
	c := NewBoundedMapCache[int, int](4)
	for i := range 100 {
		assert.Equal(t, i*2, c.GetOrCompute(i, func() int { return i * 2 }))
		assert.LessOrEqual(t, c.Size(), 4)
	}
	assert.Equal(t, 4, c.Size())

	// replacing a present key evicts nothing
	c.Put(99, 7)
	v, ok := c.Get(99)
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 4, c.Size())
}
