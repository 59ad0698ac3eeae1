package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/export"
	"github.com/23skdu/longbow-tessera/internal/layer"
	"github.com/23skdu/longbow-tessera/internal/refcheck"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

var (
	chainFlag     = flag.String("chain", "Padding 0=1 1=1 2=1 3=1 4=2; Interp 0=2 3=64 4=64", "Layer chain: stages separated by ';', each a layer name and id=value params")
	shapeFlag     = flag.String("shape", "32,32,16", "Input shape w[,h[,d]][,c]")
	precision     = flag.String("precision", "fp32", "Storage precision (fp32, fp16, bf16, auto for the target's native half format)")
	weightsPath   = flag.String("weights", "", "Little endian float32 weights consumed by the chain in stage order")
	threads       = flag.Int("threads", runtime.NumCPU(), "Worker threads per layer")
	usePacking    = flag.Bool("packing", true, "Use packed layouts")
	lanesFlag     = flag.String("lanes", "", "Override detected pack widths (e.g. 16,8,4)")
	maxLane       = flag.Int("max-lane", 0, "Drop pack widths wider than this (0 for no cap)")
	onDevice      = flag.Bool("device", false, "Run the chain on the emulated device command buffer")
	verify        = flag.Bool("verify", false, "Compare packed and unpacked execution of the chain")
	iterations    = flag.Int("iterations", 1, "Number of forward passes")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	seed          = flag.Uint64("seed", 1, "Random input seed")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	arrowOut      = flag.String("arrow-out", "", "Write the output as an Arrow IPC stream to this file ('-' for stdout)")
	serverAddr    = flag.String("server", "", "Arrow Flight server to DoPut outputs to (e.g. localhost:3000)")
	datasetName   = flag.String("dataset", "tessera_tensors", "Target dataset name on the Flight server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxInflight   = flag.String("max-inflight", "1GB", "Input bytes admitted concurrently by the servers (e.g. 1GB, 512MB)")
	scratchBudget = flag.String("scratch-budget", "0", "Limit for pooled workspace memory (e.g. 256MB, 0 for none)")
	blobBudget    = flag.String("blob-budget", "0", "Limit for live layer outputs (e.g. 2GB, 0 for none)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	debug         = flag.Bool("debug", false, "Enable debug logging")
)

func buildOption() (*layer.Option, error) {
	features := device.DetectFeatures()
	if *lanesFlag != "" {
		lanes, err := device.ParseLanes(*lanesFlag)
		if err != nil {
			return nil, err
		}
		features.Lanes = lanes
		features.Name = "custom"
	}
	if *maxLane > 0 {
		features = features.LimitLanes(*maxLane)
	}

	opt := layer.OptionFor(features)
	opt.NumThreads = *threads
	opt.UsePackingLayout = *usePacking
	if *precision != "auto" {
		kind, err := tensor.ParseKind(*precision)
		if err != nil {
			return nil, err
		}
		if kind == tensor.Int8 {
			return nil, fmt.Errorf("precision %s is not a storage precision", kind)
		}
		opt.UseFP16Storage = kind == tensor.Float16
		opt.UseBF16Storage = kind == tensor.BFloat16
		opt.UseFP16Arithmetic = opt.UseFP16Arithmetic && opt.UseFP16Storage
	}

	var workspace tensor.Allocator = device.NewPoolAllocator()
	if budget := parseBytes(*scratchBudget); budget > 0 {
		log.Info().Str("scratch_budget", *scratchBudget).Int64("bytes", budget).Msg("Workspace budget")
		workspace = device.NewBudgetAllocator(workspace, budget)
	}
	var blob tensor.Allocator = device.NewHeapAllocator()
	if budget := parseBytes(*blobBudget); budget > 0 {
		log.Info().Str("blob_budget", *blobBudget).Int64("bytes", budget).Msg("Output budget")
		blob = device.NewBudgetAllocator(blob, budget)
	}
	opt.BlobAllocator = blob
	opt.WorkspaceAllocator = workspace
	return opt, nil
}

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	opt, err := buildOption()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid options")
	}
	log.Info().
		Str("features", opt.Features.String()).
		Int("threads", opt.NumThreads).
		Bool("packing", opt.UsePackingLayout).
		Str("storage", opt.StorageKind().String()).
		Bool("fp16_arithmetic", opt.UseFP16Arithmetic).
		Msg("Execution target")

	var weights []byte
	if *weightsPath != "" {
		if weights, err = os.ReadFile(*weightsPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to read weights")
		}
	}

	runner, err := NewRunner(*chainFlag, weights, opt, *onDevice)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create chain")
	}
	defer runner.Close()

	var sink *export.Sink
	if *serverAddr != "" {
		if sink, err = export.NewSink(*serverAddr, nil); err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		var ts TensorSink
		if sink != nil {
			ts = sink
		}
		inflight := parseBytes(*maxInflight)
		log.Info().Str("max_inflight", *maxInflight).Int64("bytes", inflight).Msg("Admission Control")
		srv := NewServer(runner, ts, *datasetName, inflight)

		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, srv)
			return
		}
		select {}
	}

	if err := runOnce(runner, sink); err != nil {
		log.Fatal().Err(err).Msg("Run failed")
	}
}

func runOnce(runner *Runner, sink *export.Sink) error {
	ctx := context.Background()

	shape, err := parseShape(*shapeFlag)
	if err != nil {
		return err
	}
	kind := runner.Option().StorageKind()
	in, err := refcheck.RandomTensor(refcheck.NewRand(*seed), shape, kind, 1, nil)
	if err != nil {
		return err
	}
	defer in.Release()

	if *verify {
		worst, err := runner.Verify(ctx, in, refcheck.DefaultTolerance)
		if err != nil {
			return err
		}
		log.Info().Float64("max_rel_error", worst).Msg("Packed and unpacked paths agree")
	}

	if *duration > 0 {
		return soak(ctx, runner, in)
	}

	n := max(*iterations, 1)
	var out *tensor.Tensor
	start := time.Now()
	for i := 0; i < n; i++ {
		out.Release()
		if out, err = runner.Forward(ctx, in, ""); err != nil {
			return err
		}
	}
	defer out.Release()
	elapsed := time.Since(start)

	log.Info().
		Str("input", shape.String()).
		Str("output", out.Shape().String()).
		Int("elempack", out.ElemPack).
		Str("kind", out.Kind.String()).
		Int("iterations", n).
		Dur("elapsed", elapsed).
		Msg("Chain complete")

	if sink != nil {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := sink.Put(ctx, *datasetName, out); err != nil {
			return err
		}
		log.Info().Str("dataset", *datasetName).Msg("Successfully sent output to Flight server")
		return nil
	}

	if *arrowOut != "" {
		return writeArrow(*arrowOut, out)
	}
	return nil
}

func soak(ctx context.Context, runner *Runner, in *tensor.Tensor) error {
	log.Info().Str("duration", duration.String()).Msg("Starting soak test")
	startTime := time.Now()
	endTime := startTime.Add(*duration)
	var iter int

	for time.Now().Before(endTime) {
		out, err := runner.Forward(ctx, in, "")
		if err != nil {
			return err
		}
		out.Release()
		iter++

		if iter%100 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Float64("per_sec", float64(iter)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int("iterations", iter).
		Dur("total_time", totalElapsed).
		Float64("avg_per_sec", float64(iter)/totalElapsed.Seconds()).
		Msg("Soak test complete")
	return nil
}

func writeArrow(path string, t *tensor.Tensor) error {
	rec, err := export.NewRecordBuilder(nil).Build(t)
	if err != nil {
		return err
	}
	defer rec.Release()

	if path == "-" {
		return export.WriteIPC(os.Stdout, rec, nil)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.WriteIPC(f, rec, nil); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("tessera"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
