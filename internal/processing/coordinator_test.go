package processing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/mediavault/internal/model"
	"github.com/dharsanguruparan/mediavault/internal/paths"
	"github.com/dharsanguruparan/mediavault/internal/storage"
)

const convertedBytes = "converted mp4 payload"

type fakeTranscoder struct {
	transcodeErr error
	thumbErr     error
	// started receives one value per Transcode call; gate, when set, holds
	// Transcode until it is closed.
	started chan string
	gate    chan struct{}

	mu         sync.Mutex
	transcodes int
	thumbnails int
}

func (f *fakeTranscoder) Transcode(_ context.Context, in, out string) error {
	f.mu.Lock()
	f.transcodes++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- in
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.transcodeErr != nil {
		_ = os.WriteFile(out, []byte("partial"), 0o644)
		return f.transcodeErr
	}
	return os.WriteFile(out, []byte(convertedBytes), 0o644)
}

func (f *fakeTranscoder) Thumbnail(_ context.Context, _, out string) error {
	f.mu.Lock()
	f.thumbnails++
	f.mu.Unlock()
	if f.thumbErr != nil {
		return f.thumbErr
	}
	return os.WriteFile(out, []byte("jpeg"), 0o644)
}

func (f *fakeTranscoder) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcodes, f.thumbnails
}

type harness struct {
	store *storage.IndexStore
	paths *paths.Resolver
	tc    *fakeTranscoder
	coord *Coordinator
}

func newHarness(t *testing.T, tc *fakeTranscoder) *harness {
	t.Helper()
	root := t.TempDir()
	resolver := paths.New(filepath.Join(root, "storage"), filepath.Join(root, "temp_storage"), filepath.Join(root, "temp"))
	require.NoError(t, resolver.Ensure())
	sizeOf := func(name string) (int64, bool) {
		info, err := os.Stat(resolver.Final(name))
		if err != nil {
			return 0, false
		}
		return info.Size(), true
	}
	store := storage.NewIndexStore(filepath.Join(root, "index.json"), sizeOf, nil)
	return &harness{
		store: store,
		paths: resolver,
		tc:    tc,
		coord: NewCoordinator(store, resolver, tc, nil),
	}
}

// pending stores an upload the way the gallery does and returns its job.
func (h *harness) pending(t *testing.T, id, originalName, mime string) Job {
	t.Helper()
	source := h.paths.Temp(paths.UploadName(id, originalName))
	require.NoError(t, os.WriteFile(source, []byte("original video bytes"), 0o644))
	require.NoError(t, h.store.Add(model.MediaItem{
		ID:               id,
		OriginalName:     originalName,
		FileName:         paths.ConvertedName(id),
		MimeType:         mime,
		Size:             20,
		CreatedAt:        time.Now().UTC(),
		Type:             model.TypeVideo,
		ConversionStatus: model.StatusPending,
	}))
	return Job{ItemID: id, SourcePath: source, OutputName: paths.ConvertedName(id)}
}

func (h *harness) item(t *testing.T, id string) (model.MediaItem, bool) {
	t.Helper()
	item, ok, err := h.store.Get(id)
	require.NoError(t, err)
	return item, ok
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestConvertCompletesVideo(t *testing.T) {
	h := newHarness(t, &fakeTranscoder{})
	job := h.pending(t, "v1", "clip.mov", "video/quicktime")

	require.NoError(t, h.coord.Convert(context.Background(), job))

	item, ok := h.item(t, "v1")
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, item.ConversionStatus)
	assert.Equal(t, "v1.mp4", item.FileName)
	assert.Equal(t, "v1.mp4", item.ConvertedFileName)
	assert.Equal(t, "clip.mp4", item.OriginalName)
	assert.Equal(t, model.CanonicalVideoType, item.MimeType)
	assert.Equal(t, int64(len(convertedBytes)), item.Size)
	assert.Equal(t, "v1-thumb.jpg", item.ThumbnailFileName)
	assert.Equal(t, model.PhaseReady, item.Phase())

	assert.False(t, fileExists(job.SourcePath), "temporary source must be removed")
	assert.True(t, fileExists(h.paths.Final("v1.mp4")))
	assert.True(t, fileExists(h.paths.Final("v1-thumb.jpg")))
}

func TestThumbnailFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, &fakeTranscoder{thumbErr: errors.New("no frame at 1s")})
	job := h.pending(t, "v1", "short.webm", "video/webm")

	require.NoError(t, h.coord.Convert(context.Background(), job))

	item, _ := h.item(t, "v1")
	assert.Equal(t, model.StatusCompleted, item.ConversionStatus)
	assert.Empty(t, item.ThumbnailFileName)
	assert.False(t, fileExists(h.paths.Final("v1-thumb.jpg")))
}

func TestTranscodeFailureMarksFailedAndKeepsSource(t *testing.T) {
	h := newHarness(t, &fakeTranscoder{transcodeErr: errors.New("unsupported codec")})
	job := h.pending(t, "v1", "home.avi", "video/x-msvideo")

	err := h.coord.Convert(context.Background(), job)
	require.Error(t, err)

	item, ok := h.item(t, "v1")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, item.ConversionStatus)
	assert.Equal(t, "home.avi", item.OriginalName)
	assert.Equal(t, model.PhaseFailed, item.Phase())
	assert.True(t, fileExists(job.SourcePath), "source must be kept for manual recovery")
	assert.False(t, fileExists(h.paths.Final("v1.mp4")), "partial output must be removed")
	_, thumbs := h.tc.calls()
	assert.Zero(t, thumbs)
}

func TestTerminalStatesAreNeverLeft(t *testing.T) {
	h := newHarness(t, &fakeTranscoder{})
	job := h.pending(t, "v1", "clip.mov", "video/quicktime")
	require.NoError(t, h.coord.Convert(context.Background(), job))

	require.NoError(t, h.coord.Convert(context.Background(), job))
	transcodes, _ := h.tc.calls()
	assert.Equal(t, 1, transcodes)
	item, _ := h.item(t, "v1")
	assert.Equal(t, model.StatusCompleted, item.ConversionStatus)

	failing := newHarness(t, &fakeTranscoder{transcodeErr: errors.New("boom")})
	job = failing.pending(t, "v2", "home.avi", "video/x-msvideo")
	require.Error(t, failing.coord.Convert(context.Background(), job))
	failing.tc.transcodeErr = nil

	require.NoError(t, failing.coord.Convert(context.Background(), job))
	item, _ = failing.item(t, "v2")
	assert.Equal(t, model.StatusFailed, item.ConversionStatus)
}

func TestDuplicateJobIsRejectedWhileRunning(t *testing.T) {
	tc := &fakeTranscoder{started: make(chan string, 1), gate: make(chan struct{})}
	h := newHarness(t, tc)
	job := h.pending(t, "v1", "clip.mov", "video/quicktime")
	pool := NewPool(h.coord, 2, nil)

	require.NoError(t, pool.Dispatch(context.Background(), job))
	<-tc.started
	assert.True(t, h.coord.Running("v1"))

	err := h.coord.Convert(context.Background(), job)
	assert.ErrorIs(t, err, ErrAlreadyConverting)

	close(tc.gate)
	pool.Wait()

	transcodes, _ := tc.calls()
	assert.Equal(t, 1, transcodes)
	assert.False(t, h.coord.Running("v1"))
	item, _ := h.item(t, "v1")
	assert.Equal(t, model.StatusCompleted, item.ConversionStatus)
}

func TestDeleteDuringConversionLeavesNothingBehind(t *testing.T) {
	tc := &fakeTranscoder{started: make(chan string, 1), gate: make(chan struct{})}
	h := newHarness(t, tc)
	job := h.pending(t, "v1", "clip.mov", "video/quicktime")
	pool := NewPool(h.coord, 1, nil)

	require.NoError(t, pool.Dispatch(context.Background(), job))
	<-tc.started
	item, _ := h.item(t, "v1")
	require.Equal(t, model.StatusConverting, item.ConversionStatus)

	removed, err := h.store.Remove("v1")
	require.NoError(t, err)
	require.True(t, removed)

	close(tc.gate)
	pool.Wait()

	_, ok := h.item(t, "v1")
	assert.False(t, ok, "late completion must not resurrect the item")
	assert.False(t, fileExists(h.paths.Final("v1.mp4")))
	assert.False(t, fileExists(h.paths.Final("v1-thumb.jpg")))
}

func TestPoolDoesNotPropagateCancellation(t *testing.T) {
	h := newHarness(t, &fakeTranscoder{})
	job := h.pending(t, "v1", "clip.mov", "video/quicktime")
	pool := NewPool(h.coord, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Dispatch(ctx, job))
	cancel()
	pool.Wait()

	item, _ := h.item(t, "v1")
	assert.Equal(t, model.StatusCompleted, item.ConversionStatus)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	tc := &fakeTranscoder{started: make(chan string, 2), gate: make(chan struct{})}
	h := newHarness(t, tc)
	first := h.pending(t, "v1", "a.mov", "video/quicktime")
	second := h.pending(t, "v2", "b.mov", "video/quicktime")
	pool := NewPool(h.coord, 1, nil)

	require.NoError(t, pool.Dispatch(context.Background(), first))
	require.NoError(t, pool.Dispatch(context.Background(), second))
	<-tc.started
	assert.Never(t, func() bool { return len(tc.started) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	close(tc.gate)
	pool.Wait()

	for _, id := range []string{"v1", "v2"} {
		item, _ := h.item(t, id)
		assert.Equal(t, model.StatusCompleted, item.ConversionStatus, id)
	}
}

func TestInlineReportsOutcome(t *testing.T) {
	h := newHarness(t, &fakeTranscoder{transcodeErr: errors.New("boom")})
	job := h.pending(t, "v1", "home.avi", "video/x-msvideo")

	err := Inline{Coordinator: h.coord}.Dispatch(context.Background(), job)
	assert.Error(t, err)
	item, _ := h.item(t, "v1")
	assert.Equal(t, model.StatusFailed, item.ConversionStatus)
}

func TestRegenerateThumbnail(t *testing.T) {
	h := newHarness(t, &fakeTranscoder{})
	require.NoError(t, os.WriteFile(h.paths.Final("v1.mp4"), []byte(convertedBytes), 0o644))
	item := model.MediaItem{
		ID:               "v1",
		OriginalName:     "clip.mp4",
		FileName:         "v1.mp4",
		MimeType:         model.CanonicalVideoType,
		Type:             model.TypeVideo,
		ConversionStatus: model.StatusCompleted,
	}
	require.NoError(t, h.store.Add(item))

	require.NoError(t, h.coord.RegenerateThumbnail(context.Background(), item))
	stored, _ := h.item(t, "v1")
	assert.Equal(t, "v1-thumb.jpg", stored.ThumbnailFileName)
	assert.True(t, fileExists(h.paths.Final("v1-thumb.jpg")))

	pendingItem := item
	pendingItem.ConversionStatus = model.StatusPending
	assert.Error(t, h.coord.RegenerateThumbnail(context.Background(), pendingItem))
}
