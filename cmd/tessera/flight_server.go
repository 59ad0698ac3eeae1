package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tessera/internal/export"
)

// TesseraFlightServer runs tensor records through the chain. DoPut forwards
// the outputs to the server's sink; DoExchange streams them back.
type TesseraFlightServer struct {
	flight.BaseFlightServer
	srv   *Server
	alloc memory.Allocator
}

func NewTesseraFlightServer(srv *Server) *TesseraFlightServer {
	return &TesseraFlightServer{
		srv:   srv,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *TesseraFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		in, err := export.TensorFromRecord(reader.Record(), nil)
		if err != nil {
			return err
		}
		out, err := s.srv.process(stream.Context(), in, "")
		in.Release()
		if err != nil {
			return err
		}
		log.Info().Str("shape", out.Shape().String()).Int("elempack", out.ElemPack).Msg("DoPut processed tensor")
		out.Release()
	}
	return reader.Err()
}

func (s *TesseraFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	builder := export.NewRecordBuilder(s.alloc)
	var writer *flight.Writer
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	for reader.Next() {
		in, err := export.TensorFromRecord(reader.Record(), nil)
		if err != nil {
			return err
		}
		out, err := s.srv.process(stream.Context(), in, "")
		in.Release()
		if err != nil {
			return err
		}
		rec, err := builder.Build(out)
		out.Release()
		if err != nil {
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	if err := reader.Err(); err != nil {
		return err
	}
	if writer != nil {
		err := writer.Close()
		writer = nil
		return err
	}
	return nil
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewTesseraFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Tessera Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
