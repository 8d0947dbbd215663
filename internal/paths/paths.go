// Package paths maps logical media names onto the three on-disk namespaces:
// final storage, temporary storage for sources awaiting conversion, and a
// scratch area for work in progress.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resolver is stateless apart from its three root directories.
type Resolver struct {
	finalDir   string
	tempDir    string
	scratchDir string
}

// New creates a Resolver. Directories are not touched until Ensure.
func New(finalDir, tempDir, scratchDir string) *Resolver {
	return &Resolver{
		finalDir:   filepath.Clean(finalDir),
		tempDir:    filepath.Clean(tempDir),
		scratchDir: filepath.Clean(scratchDir),
	}
}

// Ensure creates all directories. Safe to call repeatedly.
func (r *Resolver) Ensure() error {
	for _, dir := range []string{r.finalDir, r.tempDir, r.scratchDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return nil
}

// FinalDir returns the final storage root.
func (r *Resolver) FinalDir() string { return r.finalDir }

// TempDir returns the temporary storage root.
func (r *Resolver) TempDir() string { return r.tempDir }

// ScratchDir returns the scratch root.
func (r *Resolver) ScratchDir() string { return r.scratchDir }

// Final returns the absolute-ish path of name inside final storage.
func (r *Resolver) Final(name string) string {
	return filepath.Join(r.finalDir, base(name))
}

// Temp returns the path of name inside temporary storage.
func (r *Resolver) Temp(name string) string {
	return filepath.Join(r.tempDir, base(name))
}

// Scratch returns the path of name inside the scratch area.
func (r *Resolver) Scratch(name string) string {
	return filepath.Join(r.scratchDir, base(name))
}

// UploadName is the on-disk name of a fresh upload: the id plus the
// extension the client supplied.
func UploadName(id, originalName string) string {
	return id + filepath.Ext(base(originalName))
}

// ConvertedName is the final MP4 name for a converted video.
func ConvertedName(id string) string {
	return id + ".mp4"
}

// ThumbnailName is the still frame extracted from a converted video.
func ThumbnailName(id string) string {
	return id + "-thumb.jpg"
}

// base strips directory components so a stored name can never escape its
// namespace.
func base(name string) string {
	b := filepath.Base(filepath.Clean("/" + name))
	if b == "/" || b == "." {
		return "_"
	}
	return b
}
