package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/internal/watcher"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the indexing workers and the directory watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the configured source directories")
	return cmd
}

func runServe(opts *globalOptions, noWatch bool) error {
	c, err := setup(opts, false)
	if err != nil {
		return err
	}
	defer c.Close()
	logger := c.logger
	cfg := c.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan error, 1)
	go func() { workersDone <- c.indexer.Run(ctx) }()

	var watchSvc server.WatchService
	if !noWatch {
		sink := watcher.NewSink(ctx, c.ingestor, c.indexer, logger)
		sources := make([]watcher.Source, len(cfg.Watch.Sources))
		for i, s := range cfg.Watch.Sources {
			sources[i] = watcher.Source{Directory: s.Directory, Scope: s.Scope}
		}
		w := watcher.NewWatcher(sources, cfg.Watch.Extensions, cfg.Watch.RecursiveOrDefault(),
			sink.Index, sink.Remove, watcher.WithLogger(logger))
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
		go w.SyncExistingFiles()
		watchSvc = w
	}

	srv := server.NewServer(c.engine, c.ingestor, c.indexer, c.store, cfg, logger, watchSvc, c.configPath)
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
		stop()
		<-workersDone
		return err
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
	if err := <-workersDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
