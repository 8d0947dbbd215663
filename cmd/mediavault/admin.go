package main

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/mediavault/internal/model"
	"github.com/dharsanguruparan/mediavault/internal/processing"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop index entries whose files are gone from storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			removed, err := a.reconciler.Cleanup()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale entr(ies) from the index\n", removed)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			svc := a.gallery(processing.Inline{Coordinator: a.coord})
			sum, err := svc.Summarize(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "index:      %s\n", a.store.Path())
			fmt.Fprintf(out, "storage:    %s\n", a.paths.FinalDir())
			fmt.Fprintf(out, "items:      %d\n", sum.Total)
			fmt.Fprintf(out, "ready:      %d (%s)\n", sum.Ready, humanize.IBytes(uint64(sum.Bytes)))
			fmt.Fprintf(out, "converting: %d\n", sum.Awaiting)
			fmt.Fprintf(out, "failed:     %d\n", sum.Failed)
			if sum.Failed == 0 {
				return nil
			}
			idx, err := a.store.Read()
			if err != nil {
				return err
			}
			for _, item := range idx.Items {
				if item.Phase() == model.PhaseFailed {
					fmt.Fprintf(out, "  %s  %s  uploaded %s\n", item.ID, item.OriginalName, humanize.Time(item.CreatedAt))
				}
			}
			return nil
		},
	}
}

func newRecoverCmd() *cobra.Command {
	var stale bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-index MP4 files missing from the index",
		Long: `recover adds every MP4 in final storage that no index entry references, typically
conversions whose completion was never recorded. With --stale it also settles
items left pending or converting by a crashed server: those whose MP4 exists are
completed, the rest are marked failed. Do not run --stale while a server is converting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()
			adopted, err := a.reconciler.AdoptOrphans()
			if err != nil {
				return err
			}
			for _, item := range adopted {
				fmt.Fprintf(out, "recovered %s (%s)\n", item.FileName, humanize.Bytes(uint64(item.Size)))
			}
			fmt.Fprintf(out, "%d video(s) recovered\n", len(adopted))
			if !stale {
				return nil
			}
			report, err := a.reconciler.ResolveStale()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d stale conversion(s) completed, %d marked failed\n", len(report.Completed), len(report.Failed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&stale, "stale", false, "Also settle items stuck in pending or converting")
	return cmd
}

func newFixSizesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-sizes",
		Short: "Correct recorded sizes of converted videos",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			fixes, err := a.reconciler.FixSizes()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range fixes {
				fmt.Fprintf(out, "%s: %s -> %s\n", f.File, humanize.Bytes(uint64(f.Old)), humanize.Bytes(uint64(f.New)))
			}
			fmt.Fprintf(out, "%d size(s) corrected\n", len(fixes))
			return nil
		},
	}
}

func newThumbnailsCmd() *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   "thumbnails",
		Short: "Generate missing thumbnails for converted videos",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.ffmpeg.Available(); err != nil {
				return err
			}
			items, err := a.reconciler.MissingThumbnails()
			if err != nil {
				return err
			}
			if parallel <= 0 {
				parallel = a.cfg.Queue.Concurrency
			}
			var done atomic.Int64
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(parallel)
			for _, item := range items {
				item := item
				g.Go(func() error {
					if err := a.coord.RegenerateThumbnail(ctx, item); err != nil {
						a.log.Warn("thumbnail not generated", zap.String("item_id", item.ID), zap.Error(err))
						return nil
					}
					done.Add(1)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "generated %d of %d missing thumbnail(s)\n", done.Load(), len(items))
			return nil
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "Concurrent ffmpeg processes (defaults to queue.concurrency)")
	return cmd
}
