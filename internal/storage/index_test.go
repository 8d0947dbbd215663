package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/mediavault/internal/model"
)

func newStore(t *testing.T) (*IndexStore, string) {
	t.Helper()
	dir := t.TempDir()
	finalDir := filepath.Join(dir, "storage")
	require.NoError(t, os.MkdirAll(finalDir, 0o755))
	sizeOf := func(name string) (int64, bool) {
		info, err := os.Stat(filepath.Join(finalDir, name))
		if err != nil {
			return 0, false
		}
		return info.Size(), true
	}
	return NewIndexStore(filepath.Join(dir, "index.json"), sizeOf, nil), finalDir
}

func video(id string, status model.ConversionStatus) model.MediaItem {
	return model.MediaItem{
		ID:               id,
		OriginalName:     id + ".MOV",
		FileName:         id + ".mp4",
		MimeType:         "video/quicktime",
		Size:             4096,
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Type:             model.TypeVideo,
		ConversionStatus: status,
	}
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	s, _ := newStore(t)
	idx, err := s.Read()
	require.NoError(t, err)
	assert.Empty(t, idx.Items)
	assert.NotNil(t, idx.Items)
}

func TestReadCorruptIsEmptyAndNotOverwritten(t *testing.T) {
	for name, payload := range map[string]string{
		"garbage":      "{not json",
		"array":        `[1,2,3]`,
		"null":         `null`,
		"no items":     `{"things": []}`,
		"items object": `{"items": {"a": 1}}`,
		"items null":   `{"items": null}`,
	} {
		t.Run(name, func(t *testing.T) {
			s, _ := newStore(t)
			require.NoError(t, os.WriteFile(s.Path(), []byte(payload), 0o644))

			idx, err := s.Read()
			require.NoError(t, err)
			assert.Empty(t, idx.Items)

			data, err := os.ReadFile(s.Path())
			require.NoError(t, err)
			assert.Equal(t, payload, string(data))
		})
	}
}

func TestReadToleratesUnknownFields(t *testing.T) {
	s, _ := newStore(t)
	payload := `{"version": 2, "items": [{"id": "a", "type": "image", "fileName": "a.png", "rating": 5}]}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(payload), 0o644))

	idx, err := s.Read()
	require.NoError(t, err)
	require.Len(t, idx.Items, 1)
	assert.Equal(t, "a.png", idx.Items[0].FileName)
}

func TestUndecodableEntriesSurviveWrites(t *testing.T) {
	s, _ := newStore(t)
	payload := `{"items": [
  {"id": "a", "type": "image", "fileName": "a.png", "size": 10},
  {"id": "b", "type": "image", "fileName": "b.png", "size": "12"},
  {"id": "d", "type": "video", "fileName": "d.mp4", "createdAt": "yesterday"}
]}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(payload), 0o644))

	idx, err := s.Read()
	require.NoError(t, err)
	require.Len(t, idx.Items, 1)
	assert.Equal(t, "a", idx.Items[0].ID)

	require.NoError(t, s.Add(video("c", model.StatusPending)))
	_, err = s.Remove("a")
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var onDisk struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &onDisk))
	ids := []any{}
	for _, entry := range onDisk.Items {
		ids = append(ids, entry["id"])
	}
	assert.Equal(t, []any{"c", "b", "d"}, ids)
	assert.Equal(t, "12", onDisk.Items[1]["size"])
	assert.Equal(t, "yesterday", onDisk.Items[2]["createdAt"])

	idx, err = s.Rewrite()
	require.NoError(t, err)
	require.Len(t, idx.Items, 1)
	data, err = os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"size": "12"`)
}

func TestSaveReadRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	original := model.MediaIndex{Items: []model.MediaItem{
		{ID: "img", OriginalName: "cat.png", FileName: "img.png", MimeType: "image/png", Size: 1024,
			CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Type: model.TypeImage},
		video("vid", model.StatusCompleted),
	}}
	require.NoError(t, s.Save(original))

	first, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, original, first)

	require.NoError(t, s.Save(first))
	second, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSaveFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	s := NewIndexStore(filepath.Join(blocker, "index.json"), nil, nil)

	err := s.Save(model.MediaIndex{Items: []model.MediaItem{video("a", model.StatusPending)}})
	assert.ErrorIs(t, err, ErrWriteFailed)
}

func TestAddPreservesOrderAndRejectsDuplicates(t *testing.T) {
	s, _ := newStore(t)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Add(video(id, model.StatusPending)))
	}
	assert.ErrorIs(t, s.Add(video("a", model.StatusPending)), ErrDuplicateID)

	idx, err := s.Read()
	require.NoError(t, err)
	var ids []string
	for _, item := range idx.Items {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestGetAndRemove(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Add(video("a", model.StatusPending)))

	item, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", item.ID)

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := s.Remove("a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove("a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCompletionRewritesItem(t *testing.T) {
	s, finalDir := newStore(t)
	require.NoError(t, s.Add(video("v1", model.StatusConverting)))
	require.NoError(t, os.WriteFile(filepath.Join(finalDir, "v1.mp4"), make([]byte, 777), 0o644))

	found, err := s.UpdateConversionStatus("v1", model.StatusCompleted, "v1.mp4", "v1-thumb.jpg")
	require.NoError(t, err)
	require.True(t, found)

	item, _, err := s.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, item.ConversionStatus)
	assert.Equal(t, model.CanonicalVideoType, item.MimeType)
	assert.Equal(t, "v1.mp4", item.FileName)
	assert.Equal(t, "v1.mp4", item.ConvertedFileName)
	assert.Equal(t, "v1.mp4", item.OriginalName)
	assert.Equal(t, int64(777), item.Size)
	assert.Equal(t, "v1-thumb.jpg", item.ThumbnailFileName)
}

func TestCompletionAppendsMP4ToUnknownExtension(t *testing.T) {
	s, _ := newStore(t)
	for id, name := range map[string]string{"bare": "clip", "qt": "clip.qt"} {
		item := video(id, model.StatusConverting)
		item.OriginalName = name
		require.NoError(t, s.Add(item))
		_, err := s.UpdateConversionStatus(id, model.StatusCompleted, id+".mp4", "")
		require.NoError(t, err)
	}

	bare, _, err := s.Get("bare")
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", bare.OriginalName)
	qt, _, err := s.Get("qt")
	require.NoError(t, err)
	assert.Equal(t, "clip.qt.mp4", qt.OriginalName)
}

func TestCompletionKeepsSizeWhenFileMissing(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Add(video("v1", model.StatusConverting)))

	_, err := s.UpdateConversionStatus("v1", model.StatusCompleted, "v1.mp4", "")
	require.NoError(t, err)

	item, _, err := s.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), item.Size)
	assert.Empty(t, item.ThumbnailFileName)
}

func TestFailureOnlyTouchesStatus(t *testing.T) {
	s, _ := newStore(t)
	before := video("v1", model.StatusConverting)
	require.NoError(t, s.Add(before))

	_, err := s.UpdateConversionStatus("v1", model.StatusFailed, "", "")
	require.NoError(t, err)

	item, _, err := s.Get("v1")
	require.NoError(t, err)
	before.ConversionStatus = model.StatusFailed
	assert.Equal(t, before, item)
}

func TestUpdateUnknownIDIsNoop(t *testing.T) {
	s, _ := newStore(t)
	found, err := s.UpdateConversionStatus("ghost", model.StatusCompleted, "ghost.mp4", "")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = os.Stat(s.Path())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUpdateRejectsInvalidStatus(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.UpdateConversionStatus("a", "", "", "")
	assert.Error(t, err)
	_, err = s.UpdateConversionStatus("a", "done", "", "")
	assert.Error(t, err)
}

func TestBeginConversionOnlyFromPending(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Add(video("p", model.StatusPending)))
	require.NoError(t, s.Add(video("done", model.StatusCompleted)))
	require.NoError(t, s.Add(video("bad", model.StatusFailed)))

	ok, err := s.BeginConversion("p")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BeginConversion("p")
	require.NoError(t, err)
	assert.False(t, ok, "second begin must not restart a running conversion")

	for _, id := range []string{"done", "bad", "missing"} {
		ok, err = s.BeginConversion(id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}

	item, _, _ := s.Get("done")
	assert.Equal(t, model.StatusCompleted, item.ConversionStatus)
}

func TestCountByStatus(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Add(video("a", model.StatusPending)))
	require.NoError(t, s.Add(video("b", model.StatusConverting)))
	require.NoError(t, s.Add(video("c", model.StatusCompleted)))
	require.NoError(t, s.Add(model.MediaItem{ID: "d", Type: model.TypeImage}))

	n, err := s.CountByStatus(model.StatusPending, model.StatusConverting)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountByStatus()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentAddsAreNotLost(t *testing.T) {
	s, _ := newStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Add(video(fmt.Sprintf("item-%02d", i), model.StatusPending)))
		}(i)
	}
	wg.Wait()

	idx, err := s.Read()
	require.NoError(t, err)
	assert.Len(t, idx.Items, 25)
}
