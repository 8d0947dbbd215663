// Package storage is the file-backed media index. Every operation is a full
// read-modify-write cycle against the persisted file, serialized by a mutex;
// nothing is cached between calls.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/mediavault/internal/model"
)

var (
	// ErrWriteFailed is returned when the index could not be persisted. The
	// mutation must be assumed not to have happened.
	ErrWriteFailed = errors.New("index write failed")
	// ErrReadFailed is returned when the index file exists but cannot be read.
	ErrReadFailed = errors.New("index read failed")
	// ErrDuplicateID is returned by Add when the id is already indexed.
	ErrDuplicateID = errors.New("duplicate item id")
)

// SizeFunc reports the byte size of a file in final storage, or false when
// the file does not exist.
type SizeFunc func(fileName string) (int64, bool)

// IndexStore owns the persisted MediaIndex.
type IndexStore struct {
	mu     sync.Mutex
	path   string
	sizeOf SizeFunc
	log    *zap.Logger
}

// NewIndexStore creates a store persisting to path. sizeOf is consulted when
// a conversion completes so the recorded size matches the converted file.
func NewIndexStore(path string, sizeOf SizeFunc, logger *zap.Logger) *IndexStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexStore{
		path:   path,
		sizeOf: sizeOf,
		log:    logger.Named("index"),
	}
}

// Path returns the index file location.
func (s *IndexStore) Path() string { return s.path }

// Read loads the persisted index. A missing or structurally invalid file
// yields an empty index; the file itself is left alone until the next save.
// Entries that do not decode as items are left out of the result.
func (s *IndexStore) Read() (model.MediaIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, _, err := s.read()
	return idx, err
}

// Save persists idx, replacing the previous contents atomically.
func (s *IndexStore) Save(idx model.MediaIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(idx, nil)
}

// Update runs fn over the current index and persists the result when fn
// reports a change. The whole cycle holds the store lock. Entries that did
// not decode are written back verbatim after the items.
func (s *IndexStore) Update(fn func(idx *model.MediaIndex) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, unreadable, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(&idx)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.save(idx, unreadable)
}

// Rewrite persists the current index in canonical form. A structurally
// invalid file is replaced by an empty index.
func (s *IndexStore) Rewrite() (model.MediaIndex, error) {
	var current model.MediaIndex
	err := s.Update(func(idx *model.MediaIndex) (bool, error) {
		current = *idx
		return true, nil
	})
	return current, err
}

// Add appends item, preserving insertion order.
func (s *IndexStore) Add(item model.MediaItem) error {
	return s.Update(func(idx *model.MediaIndex) (bool, error) {
		if idx.Find(item.ID) >= 0 {
			return false, fmt.Errorf("add %s: %w", item.ID, ErrDuplicateID)
		}
		idx.Items = append(idx.Items, item)
		return true, nil
	})
}

// Get returns the item with id, if present.
func (s *IndexStore) Get(id string) (model.MediaItem, bool, error) {
	idx, err := s.Read()
	if err != nil {
		return model.MediaItem{}, false, err
	}
	if i := idx.Find(id); i >= 0 {
		return idx.Items[i], true, nil
	}
	return model.MediaItem{}, false, nil
}

// Remove deletes the item with id and reports whether it existed.
func (s *IndexStore) Remove(id string) (bool, error) {
	var removed bool
	err := s.Update(func(idx *model.MediaIndex) (bool, error) {
		i := idx.Find(id)
		if i < 0 {
			return false, nil
		}
		idx.Items = append(idx.Items[:i], idx.Items[i+1:]...)
		removed = true
		return true, nil
	})
	return removed, err
}

// UpdateConversionStatus records a conversion transition. Moving to
// completed with a converted name also rewrites the item so it describes the
// MP4: MIME type, file name, original name extension and on-disk size. An
// unknown id is not an error; it reports false and writes nothing.
func (s *IndexStore) UpdateConversionStatus(id string, status model.ConversionStatus, convertedFileName, thumbnailFileName string) (bool, error) {
	if !status.Valid() || status == "" {
		return false, fmt.Errorf("invalid conversion status %q", status)
	}
	var found bool
	err := s.Update(func(idx *model.MediaIndex) (bool, error) {
		i := idx.Find(id)
		if i < 0 {
			return false, nil
		}
		found = true
		item := &idx.Items[i]
		item.ConversionStatus = status
		if status == model.StatusCompleted && convertedFileName != "" {
			item.ConvertedFileName = convertedFileName
			item.MimeType = model.CanonicalVideoType
			item.FileName = convertedFileName
			item.OriginalName = model.MP4Name(item.OriginalName)
			if s.sizeOf != nil {
				if size, ok := s.sizeOf(convertedFileName); ok {
					item.Size = size
				}
			}
			if thumbnailFileName != "" {
				item.ThumbnailFileName = thumbnailFileName
			}
		}
		return true, nil
	})
	if err == nil && !found {
		s.log.Warn("conversion status update for unknown item",
			zap.String("item_id", id), zap.String("status", string(status)))
	}
	return found, err
}

// BeginConversion moves id from pending to converting. It reports false,
// without writing, when the item is gone or not pending.
func (s *IndexStore) BeginConversion(id string) (bool, error) {
	var started bool
	err := s.Update(func(idx *model.MediaIndex) (bool, error) {
		i := idx.Find(id)
		if i < 0 || idx.Items[i].ConversionStatus != model.StatusPending {
			return false, nil
		}
		idx.Items[i].ConversionStatus = model.StatusConverting
		started = true
		return true, nil
	})
	return started, err
}

// CountByStatus counts items whose conversion status is one of statuses.
func (s *IndexStore) CountByStatus(statuses ...model.ConversionStatus) (int, error) {
	idx, err := s.Read()
	if err != nil {
		return 0, err
	}
	want := make(map[model.ConversionStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	n := 0
	for _, item := range idx.Items {
		if _, ok := want[item.ConversionStatus]; ok {
			n++
		}
	}
	return n, nil
}

func (s *IndexStore) read() (model.MediaIndex, []json.RawMessage, error) {
	empty := model.MediaIndex{Items: []model.MediaItem{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil, nil
		}
		return empty, nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	idx, unreadable, ok := decode(data)
	if !ok {
		s.log.Warn("index failed validation, treating as empty", zap.String("path", s.path))
		return empty, nil, nil
	}
	if len(unreadable) > 0 {
		s.log.Warn("index entries could not be decoded and are kept as is",
			zap.String("path", s.path), zap.Int("count", len(unreadable)))
	}
	return idx, unreadable, nil
}

// decode validates the top-level shape, then decodes items one at a time:
// the payload must be an object holding an "items" array. Entries that do
// not decode, or carry no id, are returned raw.
func decode(data []byte) (model.MediaIndex, []json.RawMessage, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return model.MediaIndex{}, nil, false
	}
	items, ok := raw["items"]
	if !ok || !bytes.HasPrefix(bytes.TrimSpace(items), []byte("[")) {
		return model.MediaIndex{}, nil, false
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(items, &entries); err != nil {
		return model.MediaIndex{}, nil, false
	}
	idx := model.MediaIndex{Items: make([]model.MediaItem, 0, len(entries))}
	var unreadable []json.RawMessage
	for _, entry := range entries {
		var item model.MediaItem
		if err := json.Unmarshal(entry, &item); err != nil || item.ID == "" {
			unreadable = append(unreadable, entry)
			continue
		}
		idx.Items = append(idx.Items, item)
	}
	return idx, unreadable, true
}

func (s *IndexStore) save(idx model.MediaIndex, unreadable []json.RawMessage) error {
	data, err := encode(idx, unreadable)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrWriteFailed, err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		s.log.Error("persist index", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func encode(idx model.MediaIndex, unreadable []json.RawMessage) ([]byte, error) {
	entries := make([]json.RawMessage, 0, len(idx.Items)+len(unreadable))
	for _, item := range idx.Items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, b)
	}
	entries = append(entries, unreadable...)
	return json.MarshalIndent(struct {
		Items []json.RawMessage `json:"items"`
	}{entries}, "", "  ")
}

// writeAtomic writes to a sibling temp file, syncs it and renames it over
// path so readers see either the old or the new contents.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
