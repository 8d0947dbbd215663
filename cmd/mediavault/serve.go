package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/mediavault/internal/config"
	"github.com/dharsanguruparan/mediavault/internal/processing"
	"github.com/dharsanguruparan/mediavault/internal/queue"
	"github.com/dharsanguruparan/mediavault/internal/server"
	"github.com/dharsanguruparan/mediavault/internal/watch"
	"github.com/dharsanguruparan/mediavault/internal/worker"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the conversion workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			if addr != "" {
				a.cfg.Address = addr
			}
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	if err := a.ffmpeg.Available(); err != nil {
		a.log.Warn("video conversions will fail until ffmpeg is installed", zap.Error(err))
	}

	dispatcher, stopWorkers, err := startDispatcher(a)
	if err != nil {
		return err
	}
	defer stopWorkers()

	svc := a.gallery(dispatcher)
	if err := svc.Initialize(ctx); err != nil {
		return err
	}
	if n, err := svc.CountInFlight(ctx); err == nil && n > 0 {
		a.log.Warn("items left pending or converting by a previous run; use `mediavault recover --stale` to settle them",
			zap.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Watch {
		w := watch.New(a.paths.FinalDir(), 0, svc.Cleanup, a.log)
		g.Go(func() error { return w.Run(gctx) })
	}
	srv := server.New(a.cfg.Address, a.cfg.ShutdownTimeout, svc, a.log)
	g.Go(func() error { return srv.Serve(gctx) })
	return g.Wait()
}

// startDispatcher returns the configured dispatcher and a function that
// stops it once every accepted conversion has finished.
func startDispatcher(a *app) (processing.Dispatcher, func(), error) {
	switch a.cfg.Queue.Backend {
	case config.QueueRedis:
		opt := asynq.RedisClientOpt{
			Addr:     a.cfg.Queue.RedisAddr,
			Password: a.cfg.Queue.RedisPassword,
			DB:       a.cfg.Queue.RedisDB,
		}
		client := asynq.NewClient(opt)
		srv := worker.NewServer(opt, a.cfg.Queue.Concurrency, a.log)
		if err := srv.Start(worker.NewProcessor(a.coord, a.log).Handler()); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("start queue worker: %w", err)
		}
		a.log.Info("conversions dispatched through redis", zap.String("addr", opt.Addr))
		return queue.NewDispatcher(client), func() {
			srv.Shutdown()
			client.Close()
		}, nil
	default:
		pool := processing.NewPool(a.coord, a.cfg.Queue.Concurrency, a.log)
		return pool, func() {
			a.log.Info("waiting for running conversions")
			pool.Wait()
		}, nil
	}
}
