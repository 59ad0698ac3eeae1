package layer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ModelBin is the weight source handed to LoadModel.
type ModelBin interface {
	// Load returns the next n float32 weights.
	Load(n int) ([]float32, error)
}

type readerModelBin struct {
	r io.Reader
}

// NewModelBinFromReader reads weights as a little-endian float32 stream.
func NewModelBinFromReader(r io.Reader) ModelBin {
	return &readerModelBin{r: r}
}

func (mb *readerModelBin) Load(n int) ([]float32, error) {
	out := make([]float32, n)
	if err := binary.Read(mb.r, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("load %d weights: %w", n, err)
	}
	return out, nil
}

type arrayModelBin struct {
	arrays [][]float32
	next   int
}

// NewModelBinFromArrays serves prepared arrays in order. Each Load call
// consumes one array, which must have exactly the requested length.
func NewModelBinFromArrays(arrays ...[]float32) ModelBin {
	return &arrayModelBin{arrays: arrays}
}

func (mb *arrayModelBin) Load(n int) ([]float32, error) {
	if mb.next >= len(mb.arrays) {
		return nil, fmt.Errorf("load %d weights: %w", n, io.ErrUnexpectedEOF)
	}
	a := mb.arrays[mb.next]
	if len(a) != n {
		return nil, fmt.Errorf("load %d weights: array %d has %d", n, mb.next, len(a))
	}
	mb.next++
	out := make([]float32, n)
	copy(out, a)
	return out, nil
}
