package main

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-tessera/internal/export"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

func startFlight(t *testing.T, srv *Server) flight.Client {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewTesseraFlightServer(srv))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)

	conn, err := grpc.NewClient(server.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return flight.NewClientFromConn(conn, nil)
}

func TestFlightDoPutForwardsToSink(t *testing.T) {
	sink := &mockSink{}
	sink.On("Put", mock.Anything, "out", mock.MatchedBy(func(out *tensor.Tensor) bool {
		return out.Shape() == tensor.S2(4, 3)
	})).Return(nil).Once()

	srv := NewServer(testRunner(t, "Padding 0=1 2=1 3=1 4=1"), sink, "out", 0)
	client := startFlight(t, srv)

	in, err := tensor.FromFloat32s(tensor.S2(2, 2), tensor.Float32, 1, []float32{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	defer in.Release()

	stream, err := client.DoPut(context.Background())
	require.NoError(t, err)
	rec, err := export.NewRecordBuilder(nil).Build(in)
	require.NoError(t, err)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"in"}})
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, stream.CloseSend())
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	sink.AssertExpectations(t)
}

func TestFlightDoExchange(t *testing.T) {
	srv := NewServer(testRunner(t, "Interp 0=1 3=2 4=4"), nil, "", 0)
	client := startFlight(t, srv)

	in, err := tensor.FromFloat32s(tensor.S3(2, 1, 4), tensor.Float32, 4, []float32{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	require.NoError(t, err)
	defer in.Release()
	rec, err := export.NewRecordBuilder(nil).Build(in)
	require.NoError(t, err)
	defer rec.Release()

	stream, err := client.DoExchange(context.Background())
	require.NoError(t, err)

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, stream.CloseSend())

	rdr, err := flight.NewRecordReader(stream)
	require.NoError(t, err)
	defer rdr.Release()

	n := 0
	for rdr.Next() {
		out, err := export.TensorFromRecord(rdr.Record(), nil)
		require.NoError(t, err)
		assert.Equal(t, tensor.S3(4, 2, 4), out.Shape())
		assert.Equal(t, []float32{1, 1, 2, 2, 1, 1, 2, 2}, out.Float32s()[:8])
		out.Release()
		n++
	}
	assert.NoError(t, rdr.Err())
	assert.Equal(t, 2, n)
}
