package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/plb/pkg/api"
	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/events"
	"github.com/cuemby/plb/pkg/health"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/plb"
	"github.com/cuemby/plb/pkg/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the balancer daemon",
	Long: `Run the engine with its refresh timer, the HTTP query and metrics
API and the gRPC health service until SIGINT or SIGTERM.

Emitted movements, drops and refresh summaries are recorded in the trace
database when trace.path is set.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("http-addr", "", "HTTP API address (overrides server.httpAddr)")
	runCmd.Flags().String("grpc-addr", "", "gRPC health address (overrides server.grpcAddr)")
	runCmd.Flags().String("trace-dir", "", "Trace database directory (overrides trace.path)")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("grpc-addr"); v != "" {
		cfg.Server.GRPCAddr = v
	}
	if v, _ := cmd.Flags().GetString("trace-dir"); v != "" {
		cfg.Trace.Path = v
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("plbd")
	metrics.SetVersion(Version)
	metrics.SetStaleAfter(staleAfter(cfg.PLB))

	broker := events.NewBroker(cfg.PLB.TraceQueueSize)
	var store *storage.BoltTraceStore
	if cfg.Trace.Path != "" {
		if store, err = storage.NewBoltTraceStore(cfg.Trace.Path); err != nil {
			return fmt.Errorf("failed to open trace store: %w", err)
		}
		defer store.Close()
		broker.AddSink(store)
	}
	broker.Start()
	defer broker.Stop()

	var sink health.Reporter = health.NewLogReporter()
	if cfg.Health.URL != "" {
		sink = health.NewHTTPReporter(cfg.Health.URL)
	}
	reporter := health.NewAsyncReporter(sink, health.Config{
		ReportsPerSecond: cfg.PLB.HealthReportsPerSecond,
		Attempts:         uint(cfg.PLB.HealthReportRetryAttempts),
	})
	reporter.Start()
	defer reporter.Stop()

	engine, err := plb.New(plb.Options{
		Config: cfg.PLB,
		Health: reporter,
		Broker: broker,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Dispose()

	collector := metrics.NewCollector(engine, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.HTTPAddr, err)
	}
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	httpSrv := api.NewHTTPServer(engine)
	grpcSrv := api.NewGRPCServer(time.Second)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start()
	logger.Info().
		Str("version", Version).
		Str("http_addr", cfg.Server.HTTPAddr).
		Str("grpc_addr", cfg.Server.GRPCAddr).
		Bool("traces", store != nil).
		Msg("plbd started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Serve(httpLis) })
	g.Go(func() error { return grpcSrv.Serve(grpcLis) })
	if store != nil {
		g.Go(func() error { return pruneTraces(gctx, store, cfg.Trace.Retention, logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		engine.Dispose()
		grpcSrv.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// staleAfter is how long the refresh loop may stay silent before the daemon
// reports not ready.
func staleAfter(cfg *config.Config) time.Duration {
	d := 10 * cfg.PLBRefreshGap
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// pruneTraces drops trace records older than retention until ctx ends
func pruneTraces(ctx context.Context, store storage.TraceStore, retention time.Duration, logger zerolog.Logger) error {
	if retention <= 0 {
		return nil
	}
	interval := retention / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := store.Prune(time.Now().Add(-retention))
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to prune traces")
				continue
			}
			if n > 0 {
				logger.Debug().Int("records", n).Msg("Pruned traces")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
