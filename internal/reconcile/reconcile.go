// Package reconcile keeps the media index consistent with what is actually in
// final storage.
package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/mediavault/internal/model"
	"github.com/dharsanguruparan/mediavault/internal/paths"
	"github.com/dharsanguruparan/mediavault/internal/storage"
)

// Reconciler compares index entries with files in final storage.
type Reconciler struct {
	store *storage.IndexStore
	paths *paths.Resolver
	log   *zap.Logger
}

// New creates a Reconciler.
func New(store *storage.IndexStore, resolver *paths.Resolver, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, paths: resolver, log: logger.Named("reconcile")}
}

// Cleanup evicts items whose file is missing from final storage. Items with a
// conversion pending or running are always kept: their MP4 does not exist
// yet. A failed item is kept while its source is still in temporary storage.
// The index is only written when something was removed.
func (r *Reconciler) Cleanup() (int, error) {
	removed := 0
	err := r.store.Update(func(idx *model.MediaIndex) (bool, error) {
		kept := idx.Items[:0]
		for _, item := range idx.Items {
			if item.ConversionStatus.InFlight() {
				kept = append(kept, item)
				continue
			}
			if r.exists(item.FileName) || r.sourceKept(item) {
				kept = append(kept, item)
				continue
			}
			r.log.Info("evicting item with missing file",
				zap.String("item_id", item.ID), zap.String("file", item.FileName))
			removed++
		}
		idx.Items = kept
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.log.Info("cleanup finished", zap.Int("removed", removed))
	}
	return removed, nil
}

// AdoptOrphans indexes MP4 files in final storage that no item references,
// typically conversions whose completion write was lost. Adopted items are
// completed videos named after the file.
func (r *Reconciler) AdoptOrphans() ([]model.MediaItem, error) {
	entries, err := os.ReadDir(r.paths.FinalDir())
	if err != nil {
		return nil, fmt.Errorf("list final storage: %w", err)
	}
	var adopted []model.MediaItem
	err = r.store.Update(func(idx *model.MediaIndex) (bool, error) {
		known := make(map[string]struct{}, len(idx.Items))
		for _, item := range idx.Items {
			known[item.FileName] = struct{}{}
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !model.HasMP4Ext(name) {
				continue
			}
			if _, ok := known[name]; ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			id := strings.TrimSuffix(name, filepath.Ext(name))
			if idx.Find(id) >= 0 {
				r.log.Warn("orphan name collides with an indexed id", zap.String("file", name))
				continue
			}
			item := model.MediaItem{
				ID:                id,
				OriginalName:      name,
				FileName:          name,
				MimeType:          model.CanonicalVideoType,
				Size:              info.Size(),
				CreatedAt:         info.ModTime().UTC(),
				Type:              model.TypeVideo,
				ConversionStatus:  model.StatusCompleted,
				ConvertedFileName: name,
			}
			idx.Items = append(idx.Items, item)
			adopted = append(adopted, item)
			r.log.Info("adopted orphaned video", zap.String("file", name), zap.Int64("size", item.Size))
		}
		return len(adopted) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return adopted, nil
}

// StaleReport lists items resolved by ResolveStale.
type StaleReport struct {
	Completed []string
	Failed    []string
}

// ResolveStale settles items left pending or converting by a process that
// died mid-conversion. An item whose MP4 made it to final storage is
// completed; everything else is marked failed and keeps its source in
// temporary storage. It must not run while a server is converting.
func (r *Reconciler) ResolveStale() (StaleReport, error) {
	var report StaleReport
	idx, err := r.store.Read()
	if err != nil {
		return report, err
	}
	for _, item := range idx.Items {
		if !item.ConversionStatus.InFlight() {
			continue
		}
		if r.exists(item.FileName) {
			thumb := ""
			if r.exists(paths.ThumbnailName(item.ID)) {
				thumb = paths.ThumbnailName(item.ID)
			}
			if _, err := r.store.UpdateConversionStatus(item.ID, model.StatusCompleted, item.FileName, thumb); err != nil {
				return report, err
			}
			report.Completed = append(report.Completed, item.ID)
			continue
		}
		if _, err := r.store.UpdateConversionStatus(item.ID, model.StatusFailed, "", ""); err != nil {
			return report, err
		}
		report.Failed = append(report.Failed, item.ID)
	}
	if n := len(report.Completed) + len(report.Failed); n > 0 {
		r.log.Info("resolved stale conversions",
			zap.Strings("completed", report.Completed), zap.Strings("failed", report.Failed))
	}
	return report, nil
}

// SizeFix describes one corrected size.
type SizeFix struct {
	ID   string
	File string
	Old  int64
	New  int64
}

// FixSizes rewrites the recorded size of completed videos that disagree with
// the file in final storage.
func (r *Reconciler) FixSizes() ([]SizeFix, error) {
	var fixes []SizeFix
	err := r.store.Update(func(idx *model.MediaIndex) (bool, error) {
		for i := range idx.Items {
			item := &idx.Items[i]
			if item.Type != model.TypeVideo || item.ConversionStatus != model.StatusCompleted {
				continue
			}
			info, err := os.Stat(r.paths.Final(item.FileName))
			if err != nil || info.Size() == item.Size {
				continue
			}
			fixes = append(fixes, SizeFix{ID: item.ID, File: item.FileName, Old: item.Size, New: info.Size()})
			item.Size = info.Size()
		}
		return len(fixes) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return fixes, nil
}

// MissingThumbnails returns completed videos present on disk that have no
// thumbnail recorded, oldest first.
func (r *Reconciler) MissingThumbnails() ([]model.MediaItem, error) {
	idx, err := r.store.Read()
	if err != nil {
		return nil, err
	}
	var out []model.MediaItem
	for _, item := range idx.Items {
		if item.Type != model.TypeVideo || item.Phase() != model.PhaseReady || item.ThumbnailFileName != "" {
			continue
		}
		if !r.exists(item.FileName) {
			continue
		}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Reconciler) sourceKept(item model.MediaItem) bool {
	if item.ConversionStatus != model.StatusFailed {
		return false
	}
	_, err := os.Stat(r.paths.Temp(paths.UploadName(item.ID, item.OriginalName)))
	return err == nil
}

func (r *Reconciler) exists(name string) bool {
	if name == "" {
		return false
	}
	_, err := os.Stat(r.paths.Final(name))
	return err == nil
}
