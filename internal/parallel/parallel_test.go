package parallel

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForVisitsEachIndexOnce(t *testing.T) {
	for _, threads := range []int{0, 1, 3, 8, 64} {
		for _, n := range []int{0, 1, 5, 127} {
			hits := make([]int32, n)
			For(threads, n, func(i int) {
				atomic.AddInt32(&hits[i], 1)
			})
			for i, h := range hits {
				assert.Equal(t, int32(1), h, "threads=%d n=%d i=%d", threads, n, i)
			}
		}
	}
}

func TestForErr(t *testing.T) {
	boom := errors.New("boom")
	err := ForErr(4, 100, func(i int) error {
		if i == 57 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, ForErr(4, 10, func(int) error { return nil }))
}

func TestFor2(t *testing.T) {
	var sum atomic.Int64
	For2(4, 3, 5, func(i, j int) {
		sum.Add(int64(i*10 + j))
	})
	// sum over i<3, j<5 of 10i+j = 5*10*(0+1+2) + 3*(0+1+2+3+4)
	assert.Equal(t, int64(150+30), sum.Load())
}
