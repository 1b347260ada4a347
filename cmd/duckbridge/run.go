package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/duckbridge/internal/pipeline"
	"github.com/ajitpratap0/duckbridge/pkg/checkpoint"
	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/connector/destinations/duckdb"
	"github.com/ajitpratap0/duckbridge/pkg/connector/sources/mongodb"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/json"
	"github.com/ajitpratap0/duckbridge/pkg/logger"
	"github.com/ajitpratap0/duckbridge/pkg/metrics"
	"github.com/ajitpratap0/duckbridge/pkg/ngram"
	"github.com/ajitpratap0/duckbridge/pkg/observability"
)

func newRunCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline",
		Long: `Run a pipeline until the source is exhausted (find mode) or until SIGINT or
SIGTERM (watch mode). The first signal drains: every sealed batch is committed
before exit. A second signal aborts.

Configuration comes from defaults, the YAML file, DUCKBRIDGE_* environment
variables and flags, in increasing priority.

Example:
  duckbridge run --config bridge.yaml --batch-size 5000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runPipeline(cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the YAML configuration file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// openStore opens the configured checkpoint store.
func openStore(cfg *config.Config) (checkpoint.Store, error) {
	if !cfg.Checkpoint.Enabled {
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.Open(cfg.Checkpoint.Path, cfg.Checkpoint.Bucket)
}

func runPipeline(cfg *config.Config) error {
	if err := logger.Init(cfg.Log); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Component(logger.Get(), "cli").With(zap.String("pipeline", cfg.Name))

	var expander *ngram.Expander
	if cfg.Ngram.Enabled {
		if len(cfg.Schema.Columns) == 0 {
			name := cfg.Schema.Name
			if name == "" {
				name = "ngrams"
			}
			cfg.Schema = ngram.Table(name)
		}
		var err error
		if expander, err = ngram.NewExpander(cfg.Ngram); err != nil {
			return err
		}
	}

	log.Info("starting pipeline", zap.Stringer("config", cfg))

	// runCtx is cancelled only by a second signal
	runCtx, abort := context.WithCancel(context.Background())
	defer abort()

	source, err := mongodb.New(cfg.Source, cfg.ReadTimeout(), log)
	if err != nil {
		return err
	}
	if err := source.Connect(runCtx); err != nil {
		return err
	}
	defer func() {
		if err := source.Close(context.Background()); err != nil {
			log.Warn("failed to close source", zap.Error(err))
		}
	}()

	engine, err := duckdb.Open(runCtx, cfg.Sink.Path, cfg.Sink.InsertChunk, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("failed to close DuckDB", zap.Error(err))
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tracer, err := observability.NewTracer(cfg.Tracing, version, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	coordinator, err := pipeline.New(cfg, pipeline.Options{
		Source:      source,
		Engine:      engine,
		Checkpoints: store,
		Expander:    expander,
		Logger:      log,
		Tracer:      tracer,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(serveCtx, cfg.Metrics.Address, cfg.Metrics.Path, log)
		})
	}

	if err := coordinator.Start(runCtx); err != nil {
		stopServing()
		_ = g.Wait()
		printSummary(coordinator.Summary())
		return err
	}

	// Start has prepared the counts table
	if expander != nil {
		view := ngram.FrequencyView(cfg.Schema.Name)
		if err := engine.CreateView(runCtx, view, ngram.FrequencyQuery(cfg.Schema.Name, cfg.Ngram.MinCount)); err != nil {
			log.Warn("failed to create frequency view", zap.String("view", view), zap.Error(err))
		}
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	g.Go(func() error {
		defer stopServing()
		for {
			select {
			case sig := <-signals:
				if coordinator.State() == pipeline.StateRunning {
					log.Info("signal received, draining", zap.Stringer("signal", sig))
					coordinator.Stop()
					continue
				}
				log.Warn("second signal received, aborting", zap.Stringer("signal", sig))
				abort()
			case <-coordinator.Done():
				return coordinator.Err()
			}
		}
	})

	err = g.Wait()
	printSummary(coordinator.Summary())
	if err != nil {
		return err
	}
	log.Info("pipeline stopped", zap.Stringer("state", coordinator.State()))
	return nil
}

func printSummary(s pipeline.Summary) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		logger.Error("failed to encode summary", zap.Error(err))
		return
	}
	_, _ = os.Stdout.Write(append(data, '\n'))
}
