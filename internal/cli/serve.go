package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/randalmurphal/lakeflow/internal/pipeline"
	"github.com/randalmurphal/lakeflow/internal/server"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/blob"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/config"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/observability"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reference"
)

const drainTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a pipeline behind the HTTP API",
		Long: `Load a pipeline definition, bind its reducers and transforms to an
in-process bus and serve the ingest, chain and dead-letter API.

Settings come from --config, LAKEFLOW_* environment variables and flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(rootOpts.v, rootOpts.ConfigFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(s.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "HTTP listen address")
	flags.StringP("pipeline", "p", "pipeline.yaml", "pipeline definition file")
	flags.String("ingress", "ingress", "topic for POST /v1/events")
	flags.String("store", "memory", "correlation store (memory|sqlite|postgres)")
	flags.String("store-dsn", "", "sqlite path or postgres connection string")
	flags.String("blob", "memory", "aggregate payload store (memory|sqlite)")
	flags.String("blob-path", "", "sqlite path for the blob store")
	flags.Bool("telemetry", false, "record OpenTelemetry metrics and spans")

	bind := map[string]string{
		"listen":       "listen",
		"pipeline":     "pipeline",
		"ingress":      "ingress",
		"store.driver": "store",
		"store.dsn":    "store-dsn",
		"blob.driver":  "blob",
		"blob.path":    "blob-path",
		"telemetry":    "telemetry",
	}
	for key, flag := range bind {
		_ = rootOpts.v.BindPFlag(key, flags.Lookup(flag))
	}

	return cmd
}

// storeHandle keeps the concrete backend next to the wrapped store so the
// readiness probe can ping it.
type storeHandle struct {
	store correlation.Store
	base  correlation.Store
	ping  func(ctx context.Context) error
}

func openStore(ctx context.Context, s StoreSettings) (*storeHandle, error) {
	opts := []correlation.Option{correlation.WithTTL(s.TTL)}
	h := &storeHandle{}
	switch s.Driver {
	case "sqlite":
		st, err := correlation.NewSQLiteStore(s.DSN, opts...)
		if err != nil {
			return nil, err
		}
		h.base, h.ping = st, st.Ping
	case "postgres":
		st, err := correlation.NewPostgresStore(ctx, s.DSN, opts...)
		if err != nil {
			return nil, err
		}
		h.base, h.ping = st, st.Ping
	default:
		h.base = correlation.NewMemoryStore(opts...)
	}
	h.store = correlation.WithRetry(h.base, lferrors.DefaultRetry)
	return h, nil
}

func openBlobs(s BlobSettings) (blob.Store, error) {
	if s.Driver == "sqlite" {
		return blob.NewSQLiteStore(s.Path)
	}
	return blob.NewMemoryStore(), nil
}

// newResolver registers the blob store plus whichever of http, https and
// file the settings opt into.
func newResolver(s FetchSettings, blobs blob.Store, logger *slog.Logger) *reference.Resolver {
	opts := []reference.Option{
		reference.WithFetcher(blob.Scheme, blobs),
		reference.WithLogger(logger),
	}
	web := reference.NewHTTPFetcher(&http.Client{Timeout: s.Timeout})
	for _, scheme := range s.Schemes {
		switch scheme {
		case "http", "https":
			opts = append(opts, reference.WithFetcher(scheme, web))
		case "file":
			opts = append(opts, reference.WithFetcher(scheme, reference.FileFetcher{}))
		}
	}
	return reference.NewResolver(opts...)
}

// telemetry returns recorders for the process. With telemetry off both
// are no-ops and the returned shutdown does nothing.
func telemetry(enabled bool) (observability.MetricsRecorder, observability.SpanManager, func(context.Context) error, error) {
	if !enabled {
		return observability.NoopMetrics{}, observability.NoopSpanManager{}, func(context.Context) error { return nil }, nil
	}
	mp := sdkmetric.NewMeterProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	metrics, err := observability.NewMetricsRecorderWithMeter(mp.Meter("lakeflow"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create metrics: %w", err)
	}
	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return metrics, observability.NewSpanManagerWithProvider(tp), shutdown, nil
}

func serve(ctx context.Context, s Settings, logger *slog.Logger) error {
	def, err := config.FromFile(s.Pipeline)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}

	store, err := openStore(ctx, s.Store)
	if err != nil {
		return fmt.Errorf("open correlation store: %w", err)
	}
	defer closeQuietly(logger, "correlation store", store.base)

	blobs, err := openBlobs(s.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer closeQuietly(logger, "blob store", blobs)

	metrics, spans, shutdownTelemetry, err := telemetry(s.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	b := bus.New(bus.Config{
		BufferSize: bus.DefaultConfig.BufferSize,
		Logger:     logger,
		Metrics:    metrics,
	})
	defer closeQuietly(logger, "bus", b)

	p, err := pipeline.Build(def, pipeline.Deps{
		Bus:     b,
		Store:   store.store,
		Blobs:    blobs,
		Resolver: newResolver(s.Fetch, blobs, logger),
		Logger:   logger,
		Metrics:  metrics,
		Spans:    spans,
	})
	if err != nil {
		return err
	}
	defer func() {
		p.Close()
		dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := b.Drain(dctx); err != nil {
			logger.Warn("bus drain incomplete", slog.String("error", err.Error()))
		}
	}()

	reducers := make([]server.Reducer, 0, len(p.Reducers()))
	for _, r := range p.Reducers() {
		reducers = append(reducers, r)
	}

	opts := []server.Option{
		server.WithIngressTopic(s.Ingress),
		server.WithLogger(logger),
	}
	if store.ping != nil {
		opts = append(opts, server.WithReadiness(store.ping))
	}
	srv := server.New(b, reducers, opts...)

	go correlation.Sweep(ctx, store.base, s.Store.SweepInterval, logger)

	logger.Info("lakeflow serving",
		slog.String("listen", s.Listen),
		slog.String("pipeline", s.Pipeline),
		slog.String("store", s.Store.Driver),
		slog.String("blob", s.Blob.Driver),
	)
	return srv.Run(ctx, s.Listen)
}

func closeQuietly(logger *slog.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("close "+what, slog.String("error", err.Error()))
	}
}
