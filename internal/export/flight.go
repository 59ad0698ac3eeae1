package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-tessera/internal/tensor"
)

var putsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tessera_export_puts_total",
	Help: "Flight DoPut calls by result",
}, []string{"result"})

// Sink sends tensors to an Arrow Flight server with DoPut.
type Sink struct {
	client  flight.Client
	conn    *grpc.ClientConn
	builder *RecordBuilder
	breaker *CircuitBreaker
}

// NewSink creates a Flight client for addr. Calls are guarded by a breaker
// that opens after 3 consecutive failures for 5 seconds.
func NewSink(addr string, mem memory.Allocator) (*Sink, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("export: dial %s: %w", addr, err)
	}
	return &Sink{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		builder: NewRecordBuilder(mem),
		breaker: NewCircuitBreaker(3, 5*time.Second),
	}, nil
}

// Breaker exposes the sink's circuit breaker.
func (s *Sink) Breaker() *CircuitBreaker {
	return s.breaker
}

// Put converts t to a record and sends it to the dataset path.
func (s *Sink) Put(ctx context.Context, dataset string, t *tensor.Tensor) error {
	rec, err := s.builder.Build(t)
	if err != nil {
		return err
	}
	defer rec.Release()
	return s.PutRecord(ctx, dataset, rec)
}

// PutRecord sends one record to the dataset path.
func (s *Sink) PutRecord(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	err := s.breaker.Do(func() error { return s.doPut(ctx, dataset, rec) })
	switch {
	case errors.Is(err, ErrCircuitOpen):
		putsTotal.WithLabelValues("rejected").Inc()
	case err != nil:
		putsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("dataset", dataset).Str("breaker", s.breaker.State().String()).Msg("flight put failed")
	default:
		putsTotal.WithLabelValues("ok").Inc()
		log.Debug().Str("dataset", dataset).Int64("rows", rec.NumRows()).Msg("flight put")
	}
	return err
}

func (s *Sink) doPut(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("export: do put: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("export: write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("export: close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("export: close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("export: put result: %w", err)
		}
	}
}

// Close closes the client connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}
