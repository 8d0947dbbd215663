package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/mediavault/internal/model"
	"github.com/dharsanguruparan/mediavault/internal/paths"
	"github.com/dharsanguruparan/mediavault/internal/processing"
)

// sniffLen matches the prefix mimetype inspects by default.
const sniffLen = 3072

// UploadRequest is one file to store. Size is the size the client declared;
// zero or negative means unknown.
type UploadRequest struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// Upload validates and stores one file. Images and MP4 videos land in final
// storage and are ready immediately. Other videos are parked in temporary
// storage, recorded as pending and handed to the dispatcher; the call
// returns without waiting for the conversion. Validation errors are
// returned before the index is touched.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (model.MediaItem, error) {
	name := cleanName(req.Name)
	if req.Size > s.maxSize {
		return model.MediaItem{}, fmt.Errorf("%s: %w", name, ErrTooLarge)
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(req.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return model.MediaItem{}, fmt.Errorf("read %s: %w", name, err)
	}
	head = head[:n]
	if n == 0 {
		return model.MediaItem{}, fmt.Errorf("%s: %w", name, ErrEmptyFile)
	}
	mimeType := s.resolveType(req.MimeType, head)
	if _, ok := s.allowed[mimeType]; !ok {
		return model.MediaItem{}, fmt.Errorf("%s (%s): %w", name, mimeType, ErrUnsupportedType)
	}

	id, err := newID()
	if err != nil {
		return model.MediaItem{}, err
	}
	item := model.MediaItem{
		ID:           id,
		OriginalName: name,
		MimeType:     mimeType,
		CreatedAt:    s.now(),
		Type:         model.MediaTypeOf(mimeType),
	}
	convert := model.NeedsConversion(mimeType)
	var dest string
	switch {
	case convert:
		dest = s.paths.Temp(paths.UploadName(id, name))
		item.FileName = paths.ConvertedName(id)
		item.ConversionStatus = model.StatusPending
	case item.Type == model.TypeVideo:
		dest = s.paths.Final(paths.UploadName(id, name))
		item.FileName = paths.UploadName(id, name)
		item.ConversionStatus = model.StatusCompleted
	default:
		dest = s.paths.Final(paths.UploadName(id, name))
		item.FileName = paths.UploadName(id, name)
	}

	size, err := s.persist(dest, io.MultiReader(bytes.NewReader(head), req.Body))
	if err != nil {
		return model.MediaItem{}, fmt.Errorf("%s: %w", name, err)
	}
	item.Size = size
	if err := s.store.Add(item); err != nil {
		os.Remove(dest)
		return model.MediaItem{}, err
	}

	log := s.log.With(zap.String("item_id", id))
	log.Info("upload stored",
		zap.String("name", name), zap.String("mime", mimeType),
		zap.Int64("size", size), zap.Bool("convert", convert))
	if !convert {
		return item, nil
	}

	job := processing.Job{ItemID: id, SourcePath: dest, OutputName: item.FileName}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		log.Warn("conversion dispatch reported an error", zap.Error(err))
		s.failIfPending(id)
	}
	return item, nil
}

// persist streams r to dest through a sibling partial file so nothing scans
// a half-written upload. The size cap is enforced while streaming.
func (s *Service) persist(dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, err := copyLimited(tmp, r, s.maxSize)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = ErrEmptyFile
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpName, dest)
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

// failIfPending marks an item failed when its job never started.
func (s *Service) failIfPending(id string) {
	err := s.store.Update(func(idx *model.MediaIndex) (bool, error) {
		i := idx.Find(id)
		if i < 0 || idx.Items[i].ConversionStatus != model.StatusPending {
			return false, nil
		}
		idx.Items[i].ConversionStatus = model.StatusFailed
		return true, nil
	})
	if err != nil {
		s.log.Error("mark undispatched conversion failed", zap.String("item_id", id), zap.Error(err))
	}
}

// resolveType prefers the declared type and sniffs the content when the
// client sent nothing useful.
func (s *Service) resolveType(declared string, head []byte) string {
	t := normalizeType(declared)
	if t != "" && t != "application/octet-stream" {
		return t
	}
	return normalizeType(mimetype.Detect(head).String())
}

func normalizeType(t string) string {
	t = strings.TrimSpace(strings.ToLower(t))
	if t == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(t); err == nil {
		return parsed
	}
	return t
}

func cleanName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if name == "/" || name == "." || name == "" {
		return "upload"
	}
	return name
}
