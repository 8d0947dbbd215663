// Package processing drives video items through their conversion lifecycle,
// pending -> converting -> completed|failed, off the request path.
package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/mediavault/internal/model"
	"github.com/dharsanguruparan/mediavault/internal/paths"
	"github.com/dharsanguruparan/mediavault/internal/storage"
	"github.com/dharsanguruparan/mediavault/internal/transcode"
)

// ErrAlreadyConverting is returned when a job arrives for an item whose
// conversion is already running in this process.
var ErrAlreadyConverting = errors.New("conversion already running")

// Job describes one conversion. SourcePath lives in temporary storage;
// OutputName is the file name the MP4 gets in final storage.
type Job struct {
	ItemID     string `json:"item_id"`
	SourcePath string `json:"source_path"`
	OutputName string `json:"output_name"`
}

// Coordinator runs conversions and records each transition in the index.
type Coordinator struct {
	store *storage.IndexStore
	paths *paths.Resolver
	tc    transcode.Transcoder
	log   *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(store *storage.IndexStore, resolver *paths.Resolver, tc transcode.Transcoder, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:   store,
		paths:   resolver,
		tc:      tc,
		log:     logger.Named("coordinator"),
		running: make(map[string]struct{}),
	}
}

// Convert runs job to a terminal state. A job for an item that is no longer
// pending is a no-op, so an item never leaves completed or failed. The
// returned error reports a failed conversion; the item has already been
// marked failed by then.
func (c *Coordinator) Convert(ctx context.Context, job Job) error {
	if !c.claim(job.ItemID) {
		return fmt.Errorf("convert %s: %w", job.ItemID, ErrAlreadyConverting)
	}
	defer c.release(job.ItemID)
	log := c.log.With(zap.String("item_id", job.ItemID))

	started, err := c.store.BeginConversion(job.ItemID)
	if err != nil {
		return fmt.Errorf("begin conversion %s: %w", job.ItemID, err)
	}
	if !started {
		log.Info("item is not pending, skipping conversion")
		return nil
	}
	log.Info("conversion started", zap.String("source", job.SourcePath))

	output := c.paths.Final(job.OutputName)
	if err := c.tc.Transcode(ctx, job.SourcePath, output); err != nil {
		c.removeQuietly(output)
		log.Error("transcode failed, source kept for recovery", zap.Error(err))
		if _, uerr := c.store.UpdateConversionStatus(job.ItemID, model.StatusFailed, "", ""); uerr != nil {
			return fmt.Errorf("convert %s: %w", job.ItemID, errors.Join(err, uerr))
		}
		return fmt.Errorf("convert %s: %w", job.ItemID, err)
	}

	thumb := paths.ThumbnailName(job.ItemID)
	if err := c.tc.Thumbnail(ctx, output, c.paths.Final(thumb)); err != nil {
		log.Warn("thumbnail failed", zap.Error(err))
		c.removeQuietly(c.paths.Final(thumb))
		thumb = ""
	}

	if err := os.Remove(job.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove temporary source", zap.Error(err))
	}

	found, err := c.store.UpdateConversionStatus(job.ItemID, model.StatusCompleted, job.OutputName, thumb)
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.ItemID, err)
	}
	if !found {
		log.Info("item deleted during conversion, removing output")
		c.removeQuietly(output)
		if thumb != "" {
			c.removeQuietly(c.paths.Final(thumb))
		}
		return nil
	}
	log.Info("conversion completed", zap.String("file", job.OutputName), zap.Bool("thumbnail", thumb != ""))
	return nil
}

// RegenerateThumbnail extracts a fresh thumbnail for a ready video and records
// it. An item deleted meanwhile leaves no thumbnail behind.
func (c *Coordinator) RegenerateThumbnail(ctx context.Context, item model.MediaItem) error {
	if item.Type != model.TypeVideo || item.Phase() != model.PhaseReady {
		return fmt.Errorf("thumbnail %s: item is not a ready video", item.ID)
	}
	if !c.claim(item.ID) {
		return fmt.Errorf("thumbnail %s: %w", item.ID, ErrAlreadyConverting)
	}
	defer c.release(item.ID)

	thumb := paths.ThumbnailName(item.ID)
	if err := c.tc.Thumbnail(ctx, c.paths.Final(item.FileName), c.paths.Final(thumb)); err != nil {
		return fmt.Errorf("thumbnail %s: %w", item.ID, err)
	}
	found := false
	err := c.store.Update(func(idx *model.MediaIndex) (bool, error) {
		i := idx.Find(item.ID)
		if i < 0 {
			return false, nil
		}
		found = true
		idx.Items[i].ThumbnailFileName = thumb
		return true, nil
	})
	if err != nil {
		return err
	}
	if !found {
		c.removeQuietly(c.paths.Final(thumb))
	}
	return nil
}

// Running reports whether id has a conversion in progress.
func (c *Coordinator) Running(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[id]
	return ok
}

func (c *Coordinator) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[id]; ok {
		return false
	}
	c.running[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
}

func (c *Coordinator) removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("remove file", zap.String("path", path), zap.Error(err))
	}
}
