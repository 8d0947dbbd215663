package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/mediavault/internal/config"
	"github.com/dharsanguruparan/mediavault/internal/gallery"
	"github.com/dharsanguruparan/mediavault/internal/logging"
	"github.com/dharsanguruparan/mediavault/internal/paths"
	"github.com/dharsanguruparan/mediavault/internal/processing"
	"github.com/dharsanguruparan/mediavault/internal/reconcile"
	"github.com/dharsanguruparan/mediavault/internal/storage"
	"github.com/dharsanguruparan/mediavault/internal/transcode"
)

var configFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mediavault: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediavault",
		Short: "Personal photo and video gallery server",
		Long: `mediavault stores uploaded photos and videos on local disk, converts videos to MP4
in the background and serves them over a small JSON API. The maintenance commands
operate on the same index and must not race a conversion in a running server.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (YAML, TOML or JSON); environment variables use the MEDIAVAULT_ prefix")
	cmd.AddCommand(
		newServeCmd(),
		newCleanupCmd(),
		newStatusCmd(),
		newRecoverCmd(),
		newFixSizesCmd(),
		newThumbnailsCmd(),
	)
	return cmd
}

// app holds the components every command shares.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	paths      *paths.Resolver
	store      *storage.IndexStore
	reconciler *reconcile.Reconciler
	ffmpeg     *transcode.FFmpeg
	coord      *processing.Coordinator
}

func newApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	resolver := paths.New(cfg.StorageDir, cfg.TempStorageDir, cfg.ScratchDir)
	sizeOf := func(name string) (int64, bool) {
		info, err := os.Stat(resolver.Final(name))
		if err != nil {
			return 0, false
		}
		return info.Size(), true
	}
	store := storage.NewIndexStore(cfg.IndexFile, sizeOf, logger)
	ffmpeg := transcode.NewFFmpeg(cfg.FFmpegPath, cfg.ScratchDir, logger)
	return &app{
		cfg:        cfg,
		log:        logger,
		paths:      resolver,
		store:      store,
		reconciler: reconcile.New(store, resolver, logger),
		ffmpeg:     ffmpeg,
		coord:      processing.NewCoordinator(store, resolver, ffmpeg, logger),
	}, nil
}

// gallery builds the service facade over dispatcher.
func (a *app) gallery(dispatcher processing.Dispatcher) *gallery.Service {
	return gallery.New(a.store, a.paths, a.reconciler, dispatcher, gallery.Options{
		MaxFileSize:  a.cfg.MaxFileSize,
		AllowedTypes: a.cfg.AllowedTypes,
	}, a.log)
}

func (a *app) close() {
	_ = a.log.Sync()
}
