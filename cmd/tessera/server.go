package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-tessera/internal/export"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

var (
	tensorsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_tensors_processed_total",
		Help: "The total number of tensors run through a chain",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tessera_request_duration_seconds",
		Help:    "Time spent processing forward requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// TensorSink receives chain outputs, e.g. an Arrow Flight server.
type TensorSink interface {
	Put(ctx context.Context, dataset string, t *tensor.Tensor) error
	Close() error
}

// ForwardRequest is the CBOR body of /forward. Shape lists extents in the
// order w[,h[,d]][,c] like the -shape flag.
type ForwardRequest struct {
	Shape  []int     `cbor:"shape"`
	Kind   string    `cbor:"kind,omitempty"`
	Chain  string    `cbor:"chain,omitempty"`
	Values []float32 `cbor:"values"`
}

// ForwardResponse is the CBOR body returned by /forward. Values are in
// logical order regardless of the output pack width.
type ForwardResponse struct {
	Shape    []int     `cbor:"shape"`
	Kind     string    `cbor:"kind"`
	ElemPack int       `cbor:"elempack"`
	Values   []float32 `cbor:"values"`
}

type Server struct {
	runner   *Runner
	sink     TensorSink
	dataset  string
	alloc    memory.Allocator
	sem      *semaphore.Weighted
	capacity int64
}

// NewServer admits requests while the bytes of their inputs in flight stay
// under maxInflight.
func NewServer(runner *Runner, sink TensorSink, dataset string, maxInflight int64) *Server {
	if maxInflight <= 0 {
		maxInflight = 1 << 30
	}
	return &Server{
		runner:   runner,
		sink:     sink,
		dataset:  dataset,
		alloc:    memory.NewGoAllocator(),
		sem:      semaphore.NewWeighted(maxInflight),
		capacity: maxInflight,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/forward", s.handleForward)
	mux.HandleFunc("/forward/arrow", s.handleForwardArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting Tessera Server")
	if srv.sink != nil {
		log.Info().Str("dataset", srv.dataset).Msg("Forwarding outputs to Flight sink")
	}
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("tessera-server")

// admit reserves the request's weight, clamped to the semaphore capacity so
// a single oversized tensor still runs alone.
func (s *Server) admit(ctx context.Context, n int) (func(), error) {
	w := int64(n)
	if w < 1 {
		w = 1
	}
	if w > s.capacity {
		w = s.capacity
	}
	if err := s.sem.Acquire(ctx, w); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(w) }, nil
}

// process runs one tensor through the chain and hands the result to the
// sink. The caller releases the result.
func (s *Server) process(ctx context.Context, in *tensor.Tensor, chain string) (*tensor.Tensor, error) {
	release, err := s.admit(ctx, in.TotalBytes())
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := s.runner.Forward(ctx, in, chain)
	if err != nil {
		return nil, err
	}
	tensorsProcessed.Inc()

	if s.sink != nil {
		if err := s.sink.Put(ctx, s.dataset, out); err != nil {
			log.Error().Err(err).Msg("Error forwarding output to sink")
		}
	}
	return out, nil
}

// forwardStatus maps a chain failure to an HTTP status. An exhausted memory
// budget is retriable.
func forwardStatus(err error) int {
	if errors.Is(err, tensor.ErrAllocation) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForward")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("forward").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ForwardRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	shape, err := shapeFromInts(req.Shape)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	kind := tensor.Float32
	if req.Kind != "" {
		if kind, err = tensor.ParseKind(req.Kind); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	in, err := tensor.FromFloat32s(shape, kind, 1, req.Values, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer in.Release()

	span.SetAttributes(
		attribute.String("shape", shape.String()),
		attribute.String("kind", kind.String()),
	)

	out, err := s.process(ctx, in, req.Chain)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Forward failed: %v", err), forwardStatus(err))
		return
	}
	defer out.Release()

	resp := ForwardResponse{
		Shape:    shapeInts(out.Shape()),
		Kind:     out.Kind.String(),
		ElemPack: out.ElemPack,
		Values:   out.Float32s(),
	}
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to write CBOR response")
	}
}

// handleForwardArrow reads an Arrow IPC stream of tensor records and
// answers with an IPC stream of the outputs.
func (s *Server) handleForwardArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForwardArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("forward_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	builder := export.NewRecordBuilder(s.alloc)
	chain := r.URL.Query().Get("chain")
	var body bytes.Buffer
	var writer *ipc.Writer
	processed := 0

	for reader.Next() {
		in, err := export.TensorFromRecord(reader.Record(), nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("Bad tensor record: %v", err), http.StatusBadRequest)
			return
		}
		out, err := s.process(ctx, in, chain)
		in.Release()
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Forward failed: %v", err), forwardStatus(err))
			return
		}
		rec, err := builder.Build(out)
		out.Release()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if writer == nil {
			writer = ipc.NewWriter(&body, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			http.Error(w, fmt.Sprintf("Outputs do not share a schema: %v", err), http.StatusUnprocessableEntity)
			return
		}
		processed++
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}
	if writer == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := writer.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.Int("records", processed))
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	_, _ = w.Write(body.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
