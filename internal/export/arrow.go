// Package export moves tensors out of the process as Arrow records, either
// as IPC streams or over Arrow Flight.
package export

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// ErrEmptyTensor is returned for tensors with no scalars.
var ErrEmptyTensor = errors.New("export: empty tensor")

var metadataKeys = []string{"dims", "w", "h", "d", "c", "kind", "elempack"}

// RecordBuilder creates Arrow records from tensors. Each logical channel
// becomes one row; the "values" column holds the channel plane in logical
// order as a fixed size list of float32. Rank 1 and 2 tensors are one row.
type RecordBuilder struct {
	mem memory.Allocator
}

// NewRecordBuilder creates a new builder. A nil allocator uses the Go heap.
func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &RecordBuilder{mem: mem}
}

// Schema describes records built for tensors of the given geometry.
func Schema(s tensor.Shape, kind tensor.Kind, pack int) *arrow.Schema {
	plane := int32(s.W * s.H * s.D)
	md := arrow.NewMetadata(metadataKeys, []string{
		strconv.Itoa(s.Dims),
		strconv.Itoa(s.W),
		strconv.Itoa(s.H),
		strconv.Itoa(s.D),
		strconv.Itoa(s.C),
		kind.String(),
		strconv.Itoa(pack),
	})
	return arrow.NewSchema([]arrow.Field{
		{Name: "channel", Type: arrow.PrimitiveTypes.Int32},
		{Name: "values", Type: arrow.FixedSizeListOf(plane, arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// Build converts t into a record. The caller releases the record.
func (b *RecordBuilder) Build(t *tensor.Tensor) (arrow.RecordBatch, error) {
	s := t.Shape()
	if s.Total() == 0 {
		return nil, ErrEmptyTensor
	}
	schema := Schema(s, t.Kind, t.ElemPack)
	plane := s.W * s.H * s.D
	values := t.Float32s()

	chBuilder := array.NewInt32Builder(b.mem)
	defer chBuilder.Release()
	listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(plane), arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	valueBuilder.Reserve(len(values))

	for q := 0; q < s.C; q++ {
		chBuilder.Append(int32(q))
		listBuilder.Append(true)
		valueBuilder.AppendValues(values[q*plane:(q+1)*plane], nil)
	}

	cols := []arrow.Array{chBuilder.NewArray(), listBuilder.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecordBatch(schema, cols, int64(s.C)), nil
}

// TensorFromRecord rebuilds the tensor described by a record's schema
// metadata, with the recorded kind and pack width.
func TensorFromRecord(rec arrow.RecordBatch, alloc tensor.Allocator) (*tensor.Tensor, error) {
	md := rec.Schema().Metadata()
	ints := make(map[string]int, len(metadataKeys))
	var kindName string
	for _, k := range metadataKeys {
		i := md.FindKey(k)
		if i < 0 {
			return nil, fmt.Errorf("export: record metadata missing %q", k)
		}
		v := md.Values()[i]
		if k == "kind" {
			kindName = v
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("export: metadata %s=%q: %w", k, v, err)
		}
		ints[k] = n
	}
	kind, err := tensor.ParseKind(kindName)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	s := tensor.Shape{Dims: ints["dims"], W: ints["w"], H: ints["h"], D: ints["d"], C: ints["c"]}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if rec.NumRows() != int64(s.C) {
		return nil, fmt.Errorf("export: %d rows for %d channels", rec.NumRows(), s.C)
	}

	idx := rec.Schema().FieldIndices("values")
	if len(idx) == 0 {
		return nil, fmt.Errorf("export: record has no values column")
	}
	list, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("export: values column is %s", rec.Column(idx[0]).DataType())
	}
	flat, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("export: values are %s", list.ListValues().DataType())
	}

	plane := s.W * s.H * s.D
	data := make([]float32, 0, s.Total())
	raw := flat.Float32Values()
	for q := 0; q < s.C; q++ {
		start, end := list.ValueOffsets(q)
		if int(end-start) != plane {
			return nil, fmt.Errorf("export: channel %d has %d values, want %d", q, end-start, plane)
		}
		data = append(data, raw[start:end]...)
	}
	return tensor.FromFloat32s(s, kind, ints["elempack"], data, alloc)
}

// WriteIPC writes rec as a single record Arrow IPC stream.
func WriteIPC(w io.Writer, rec arrow.RecordBatch, mem memory.Allocator) error {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("export: write ipc: %w", err)
	}
	return wr.Close()
}

// ReadIPC reads the first record of an Arrow IPC stream. The caller
// releases the record.
func ReadIPC(r io.Reader) (arrow.RecordBatch, error) {
	rdr, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("export: read ipc: %w", err)
	}
	defer rdr.Release()
	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, fmt.Errorf("export: read ipc: %w", err)
		}
		return nil, fmt.Errorf("export: ipc stream has no records")
	}
	rec := rdr.Record()
	rec.Retain()
	return rec, nil
}
