// Command walctl inspects, verifies, recovers and checkpoints a record repository.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/flowwal/checkpoint"
	"github.com/INLOpen/flowwal/claims"
	"github.com/INLOpen/flowwal/config"
	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/hooks"
	"github.com/INLOpen/flowwal/repository"
	"github.com/INLOpen/flowwal/serde"
	"github.com/INLOpen/flowwal/wal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const usage = `usage: walctl [flags] <command>

commands:
  inspect      print every complete entry in the log (-kind filters by update kind)
  verify       check every log segment and the snapshot
  recover      open the repository and print a summary of its records
  checkpoint   open the repository and write a snapshot`

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Debug("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("walctl")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		// Bound shutdown so an unreachable collector cannot hang the command.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// repositoryOptions translates the configuration into repository options.
func repositoryOptions(cfg config.RepositoryConfig, logger *slog.Logger) (repository.Options, error) {
	if cfg.DataDir == "" {
		return repository.Options{}, errors.New("repository data_dir must be specified")
	}
	compression, err := core.ParseCompressionType(cfg.Compression)
	if err != nil {
		return repository.Options{}, err
	}
	syncMode, err := wal.ParseSyncMode(cfg.WAL.SyncMode)
	if err != nil {
		return repository.Options{}, err
	}
	queues := make(map[string]core.Queue, len(cfg.Queues))
	for _, id := range cfg.Queues {
		queues[id] = queueName(id)
	}
	return repository.Options{
		Dir:            cfg.DataDir,
		Encoding:       cfg.Encoding,
		Compression:    compression,
		SyncMode:       syncMode,
		MaxSegmentSize: cfg.WAL.MaxSegmentSizeBytes,
		Queues:         queues,
		LockTimeout:    config.ParseDuration(cfg.LockTimeout, 5*time.Second, logger),
		Logger:         logger,
	}, nil
}

// queueName stands in for a live queue; walctl only needs identifiers.
type queueName string

func (q queueName) Identifier() string { return string(q) }

type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	tp          *sdktrace.TracerProvider
	stdout      io.Writer
	concurrency int
	// kinds limits inspect output; empty prints every entry.
	kinds map[core.UpdateKind]bool
}

// parseKinds parses a comma-separated list such as "CREATE,SWAP_OUT".
func parseKinds(list string) (map[core.UpdateKind]bool, error) {
	if list == "" {
		return nil, nil
	}
	kinds := make(map[core.UpdateKind]bool)
	for _, name := range strings.Split(list, ",") {
		kind, err := core.ParseUpdateKind(strings.ToUpper(strings.TrimSpace(name)))
		if err != nil {
			return nil, err
		}
		kinds[kind] = true
	}
	return kinds, nil
}

func (a *app) openRepository(ctx context.Context, claimManager core.ClaimManager) (*repository.Repository, error) {
	opts, err := repositoryOptions(a.cfg.Repository, a.logger)
	if err != nil {
		return nil, err
	}
	opts.TracerProvider = a.tp
	hookManager := hooks.NewHookManager(a.logger)
	hookManager.Register(hooks.EventPostWALTruncate, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		p := event.Payload().(hooks.PostWALTruncatePayload)
		fmt.Fprintf(a.stdout, "repaired torn tail: segment %d, %d bytes removed\n", p.SegmentIndex, p.TruncatedBytes)
		return nil
	}))
	opts.HookManager = hookManager

	repo, err := repository.New(opts)
	if err != nil {
		return nil, err
	}
	if err := repo.Initialize(ctx, claimManager); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

func (a *app) inspect(ctx context.Context) error {
	walDir := filepath.Join(a.cfg.Repository.DataDir, core.WALDirName)
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEGMENT\tOFFSET\tVERSION\tKIND\tRECORD\tPAYLOAD")
	count := 0
	err := wal.Scan(walDir, func(e wal.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(a.kinds) > 0 && !a.kinds[e.Kind] {
			return nil
		}
		count++
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%d\t%d\n", e.SegmentIndex, e.Offset, e.Version, e.Kind, e.RecordID, len(e.Payload))
		return nil
	})
	w.Flush()
	if err != nil {
		return fmt.Errorf("inspect stopped after %d entries: %w", count, err)
	}
	fmt.Fprintf(a.stdout, "%d entries\n", count)
	return nil
}

func (a *app) verify(ctx context.Context) error {
	walDir := filepath.Join(a.cfg.Repository.DataDir, core.WALDirName)
	reports, err := wal.Verify(ctx, walDir, a.concurrency)
	if err != nil {
		return err
	}

	failed := 0
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEGMENT\tCOMPRESSION\tENTRIES\tVALID BYTES\tTORN BYTES\tSTATUS")
	for _, r := range reports {
		status := "ok"
		if !r.OK() {
			failed++
			status = r.Err.Error()
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\n", r.Index, r.Compression, r.Entries, r.ValidBytes, r.TornBytes, status)
	}
	w.Flush()

	factory := serde.NewStandardFactory()
	factory.SetQueueRouting(nil)
	codec, err := factory.CreateCodec(serde.EncodingStandard)
	if err != nil {
		return err
	}
	cp, records, found, err := checkpoint.Read(a.cfg.Repository.DataDir, codec)
	switch {
	case err != nil:
		failed++
		fmt.Fprintf(a.stdout, "snapshot: %v\n", err)
	case found:
		fmt.Fprintf(a.stdout, "snapshot: ok, %d records, last safe segment %d\n", len(records), cp.LastSafeSegmentIndex)
	default:
		fmt.Fprintln(a.stdout, "snapshot: none")
	}

	if failed > 0 {
		return fmt.Errorf("verification found %d damaged files", failed)
	}
	return nil
}

func (a *app) recover(ctx context.Context) error {
	claimManager := claims.NewManager(a.logger)
	repo, err := a.openRepository(ctx, claimManager)
	if err != nil {
		return err
	}
	defer repo.Close()

	kinds := map[core.UpdateKind]int{}
	for _, rec := range repo.Records() {
		kinds[rec.Kind]++
	}
	fmt.Fprintf(a.stdout, "live records:     %d\n", repo.Len())
	fmt.Fprintf(a.stdout, "orphaned records: %d\n", repo.OrphanedCount())
	fmt.Fprintf(a.stdout, "max record id:    %d\n", repo.MaxRecordID())
	fmt.Fprintf(a.stdout, "claimed content:  %d\n", claimManager.Resources())
	fmt.Fprintf(a.stdout, "swapped out:      %d in %d locations\n", kinds[core.UpdateSwapOut], len(repo.SwapLocations()))
	fmt.Fprintf(a.stdout, "segments:         %v\n", repo.SegmentIndexes())
	return nil
}

func (a *app) checkpoint(ctx context.Context) error {
	repo, err := a.openRepository(ctx, nil)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Checkpoint(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "checkpoint written: %d records, segments now %v\n", repo.Len(), repo.SegmentIndexes())
	return nil
}

// run executes walctl and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("walctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Path to the configuration file")
	dataDir := fs.String("data-dir", "", "Repository directory; overrides repository.data_dir")
	concurrency := fs.Int("concurrency", 0, "Segments verified in parallel (0 uses GOMAXPROCS)")
	kindList := fs.String("kind", "", "Comma-separated update kinds inspect prints, e.g. CREATE,DELETE")
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fmt.Fprintln(stderr, "\nflags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	kinds, err := parseKinds(*kindList)
	if err != nil {
		fmt.Fprintf(stderr, "invalid -kind: %v\n", err)
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration %s: %v\n", *configPath, err)
		return 1
	}
	if *dataDir != "" {
		cfg.Repository.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		return 1
	}
	defer tracerCleanup()

	a := &app{cfg: cfg, logger: logger, tp: tp, stdout: stdout, concurrency: *concurrency, kinds: kinds}
	commands := map[string]func(context.Context) error{
		"inspect":    a.inspect,
		"verify":     a.verify,
		"recover":    a.recover,
		"checkpoint": a.checkpoint,
	}
	command, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return 2
	}
	if err := command(ctx); err != nil {
		logger.Error("Command failed", "command", fs.Arg(0), "error", err)
		fmt.Fprintf(stderr, "%s: %v\n", fs.Arg(0), err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
