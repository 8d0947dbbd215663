// Package gallery is the service facade the HTTP surface and CLI talk to. It
// validates and stores uploads, schedules conversions and answers listing,
// download and delete requests against the index.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/mediavault/internal/model"
	"github.com/dharsanguruparan/mediavault/internal/paths"
	"github.com/dharsanguruparan/mediavault/internal/processing"
	"github.com/dharsanguruparan/mediavault/internal/reconcile"
	"github.com/dharsanguruparan/mediavault/internal/storage"
)

var (
	// ErrNotFound is returned when no item matches the requested id.
	ErrNotFound = errors.New("item not found")
	// ErrNotReady is returned when a download targets an item whose
	// conversion has not completed.
	ErrNotReady = errors.New("item not ready")
	// ErrUnsupportedType rejects uploads outside the accepted MIME types.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrTooLarge rejects uploads over the configured size cap.
	ErrTooLarge = errors.New("file too large")
	// ErrEmptyFile rejects zero-byte uploads.
	ErrEmptyFile = errors.New("empty file")
)

// Options tunes upload validation.
type Options struct {
	MaxFileSize  int64
	AllowedTypes []string
}

// Service coordinates the index, storage directories and conversions.
type Service struct {
	store      *storage.IndexStore
	paths      *paths.Resolver
	reconciler *reconcile.Reconciler
	dispatcher processing.Dispatcher
	maxSize    int64
	allowed    map[string]struct{}
	log        *zap.Logger
	now        func() time.Time
}

// New wires a Service. Zero options fall back to the defaults.
func New(store *storage.IndexStore, resolver *paths.Resolver, reconciler *reconcile.Reconciler, dispatcher processing.Dispatcher, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = model.DefaultMaxFileSize
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = model.AcceptedTypes()
	}
	allowed := make(map[string]struct{}, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[normalizeType(t)] = struct{}{}
	}
	return &Service{
		store:      store,
		paths:      resolver,
		reconciler: reconciler,
		dispatcher: dispatcher,
		maxSize:    opts.MaxFileSize,
		allowed:    allowed,
		log:        logger.Named("gallery"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MaxFileSize returns the upload cap in bytes.
func (s *Service) MaxFileSize() int64 { return s.maxSize }

// Initialize creates the storage directories and makes sure a valid index
// file exists. A corrupt index is replaced by an empty one here.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.paths.Ensure(); err != nil {
		return fmt.Errorf("create storage directories: %w", err)
	}
	idx, err := s.store.Rewrite()
	if err != nil {
		return err
	}
	s.log.Info("storage initialized",
		zap.String("final", s.paths.FinalDir()),
		zap.String("temp", s.paths.TempDir()),
		zap.Int("items", len(idx.Items)))
	return nil
}

// ListReady runs a cleanup pass and returns every presentable item, newest
// first. Items awaiting conversion or failed are never included.
func (s *Service) ListReady(ctx context.Context) ([]model.MediaItem, error) {
	if _, err := s.reconciler.Cleanup(); err != nil {
		return nil, err
	}
	idx, err := s.store.Read()
	if err != nil {
		return nil, err
	}
	ready := make([]model.MediaItem, 0, len(idx.Items))
	for _, item := range idx.Items {
		if item.Phase() == model.PhaseReady {
			ready = append(ready, item)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].CreatedAt.After(ready[j].CreatedAt)
	})
	return ready, nil
}

// CountInFlight reports how many conversions are pending or running.
func (s *Service) CountInFlight(ctx context.Context) (int, error) {
	return s.store.CountByStatus(model.StatusPending, model.StatusConverting)
}

// Get returns a single item regardless of its phase.
func (s *Service) Get(ctx context.Context, id string) (model.MediaItem, error) {
	item, ok, err := s.store.Get(id)
	if err != nil {
		return model.MediaItem{}, err
	}
	if !ok {
		return model.MediaItem{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return item, nil
}

// Delete removes the item from the index and then its files: the final file,
// the thumbnail and any source still waiting in temporary storage. A missing
// id reports false.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	var item model.MediaItem
	found := false
	err := s.store.Update(func(idx *model.MediaIndex) (bool, error) {
		i := idx.Find(id)
		if i < 0 {
			return false, nil
		}
		item = idx.Items[i]
		found = true
		idx.Items = append(idx.Items[:i], idx.Items[i+1:]...)
		return true, nil
	})
	if err != nil || !found {
		return false, err
	}
	log := s.log.With(zap.String("item_id", id))
	targets := []string{s.paths.Final(item.FileName)}
	if item.ConvertedFileName != "" && item.ConvertedFileName != item.FileName {
		targets = append(targets, s.paths.Final(item.ConvertedFileName))
	}
	if item.Type == model.TypeVideo {
		targets = append(targets, s.paths.Final(paths.ThumbnailName(id)))
	}
	if item.ConversionStatus != "" && item.ConversionStatus != model.StatusCompleted {
		targets = append(targets, s.paths.Temp(paths.UploadName(id, item.OriginalName)))
	}
	for _, path := range targets {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove file", zap.String("path", path), zap.Error(err))
		}
	}
	log.Info("item deleted", zap.String("status", string(item.ConversionStatus)))
	return true, nil
}

// Cleanup evicts index entries whose files are gone.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	return s.reconciler.Cleanup()
}

// Summary aggregates the index for status reporting.
type Summary struct {
	Total    int
	Ready    int
	Awaiting int
	Failed   int
	Bytes    int64
}

// Summarize counts items per lifecycle phase.
func (s *Service) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary
	idx, err := s.store.Read()
	if err != nil {
		return sum, err
	}
	for _, item := range idx.Items {
		sum.Total++
		switch item.Phase() {
		case model.PhaseReady:
			sum.Ready++
			sum.Bytes += item.Size
		case model.PhaseAwaiting:
			sum.Awaiting++
		case model.PhaseFailed:
			sum.Failed++
		}
	}
	return sum, nil
}

// Asset is an opened file ready to stream. The caller closes File.
type Asset struct {
	File        *os.File
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// Open resolves the file behind id for download. With thumb set the video
// thumbnail is returned instead.
func (s *Service) Open(ctx context.Context, id string, thumb bool) (*Asset, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Phase() != model.PhaseReady {
		return nil, fmt.Errorf("%s is %s: %w", id, item.Phase(), ErrNotReady)
	}
	name, downloadName, contentType := item.FileName, item.OriginalName, item.MimeType
	if thumb {
		if item.ThumbnailFileName == "" {
			return nil, fmt.Errorf("%s has no thumbnail: %w", id, ErrNotFound)
		}
		name = item.ThumbnailFileName
		downloadName = strings.TrimSuffix(item.OriginalName, filepath.Ext(item.OriginalName)) + "-thumb.jpg"
		contentType = "image/jpeg"
	}
	f, err := os.Open(s.paths.Final(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s file missing: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Asset{
		File:        f,
		Name:        downloadName,
		ContentType: contentType,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// copyLimited streams r into w and fails with ErrTooLarge once more than max
// bytes arrive.
func copyLimited(w io.Writer, r io.Reader, max int64) (int64, error) {
	n, err := io.Copy(w, io.LimitReader(r, max+1))
	if err != nil {
		return n, err
	}
	if n > max {
		return n, ErrTooLarge
	}
	return n, nil
}
