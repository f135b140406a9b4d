// Errorkbd is the central errorkb daemon.
//
// It serves the central pattern store over HTTP so that local errorkb
// instances can sync into it and search across projects. Configuration uses
// the same file and ERRORKB_* variables as errorkb; the central section
// selects the database and the server section the listener.
//
// Usage:
//
//	# SQLite for a single host
//	ERRORKB_CENTRAL_DRIVER=sqlite ERRORKB_CENTRAL_DSN=/var/lib/errorkb/central.db errorkbd
//
//	# PostgreSQL
//	ERRORKB_CENTRAL_DSN=postgres://errorkb@db/errorkb errorkbd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/errorkb/internal/centralstore"
	"github.com/fyrsmithlabs/errorkb/internal/config"
	kbhttp "github.com/fyrsmithlabs/errorkb/internal/http"
	"github.com/fyrsmithlabs/errorkb/internal/logging"
	"github.com/fyrsmithlabs/errorkb/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/errorkb/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  errorkbd           Start the central daemon\n")
			fmt.Fprintf(os.Stderr, "  errorkbd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := run(ctx, cfg, nil); err != nil {
		fmt.Fprintf(os.Stderr, "errorkbd: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("errorkbd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run opens the central store, serves HTTP until ctx is cancelled, then
// shuts down gracefully. ready, when non-nil, receives the server once it
// is constructed.
func run(ctx context.Context, cfg *config.Config, ready chan<- *kbhttp.Server) error {
	if !cfg.Central.DSN.IsSet() {
		return errors.New("central.dsn is required")
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	logCfg.Fields["service"] = "errorkbd"
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
		}
	}()

	store, err := centralstore.Open(ctx, centralstore.Config{
		Driver:         cfg.Central.Driver,
		DSN:            cfg.Central.DSN.Value(),
		MergeThreshold: cfg.Central.MergeThreshold,
		MatchThreshold: cfg.Matcher.Threshold,
		MaxOpenConns:   cfg.Central.MaxOpenConns,
		LogSQL:         cfg.Central.LogSQL,
	}, logger.Underlying().Named("centralstore"))
	if err != nil {
		return fmt.Errorf("opening central store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn(context.Background(), "closing central store", zap.Error(err))
		}
	}()

	srvCfg := &kbhttp.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Token:       cfg.Server.Token.Value(),
		SearchLimit: cfg.Matcher.SearchLimit,
	}
	if cfg.Server.Metrics {
		reg, err := newRegistry(store)
		if err != nil {
			return err
		}
		srvCfg.Gatherer = reg
	}

	server, err := kbhttp.NewServer(store, logger.Underlying().Named("http"), srvCfg)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}
	if ready != nil {
		ready <- server
	}

	logger.Info(ctx, "errorkbd starting",
		zap.String("version", version),
		zap.String("addr", server.Addr()),
		zap.String("driver", cfg.Central.Driver),
		zap.Bool("auth", cfg.Server.Token.IsSet()),
		zap.Bool("telemetry", tel.IsEnabled()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info(context.Background(), "errorkbd stopped")
	return nil
}

// newRegistry builds the registry served on /metrics.
func newRegistry(store *centralstore.Store) (*prometheus.Registry, error) {
	db, err := store.DB()
	if err != nil {
		return nil, fmt.Errorf("central store pool: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "central"),
	)
	return reg, nil
}
