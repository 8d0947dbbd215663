// Package transcode wraps the ffmpeg binary behind the two operations the
// conversion pipeline needs: turning a video into MP4 and grabbing a still.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Transcoder is the black box used by the conversion coordinator. A failed
// call must not leave a partial file at out.
type Transcoder interface {
	Transcode(ctx context.Context, in, out string) error
	Thumbnail(ctx context.Context, video, out string) error
}

// FFmpeg runs the ffmpeg binary. Outputs are produced in scratchDir and
// renamed into place on success.
type FFmpeg struct {
	bin        string
	scratchDir string
	log        *zap.Logger
}

var _ Transcoder = (*FFmpeg)(nil)

// NewFFmpeg creates an FFmpeg transcoder. bin may be a name on PATH.
func NewFFmpeg(bin, scratchDir string, logger *zap.Logger) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{bin: bin, scratchDir: scratchDir, log: logger.Named("ffmpeg")}
}

// Available reports whether the binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.bin); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	return nil
}

// Transcode converts in to an MP4 at out. A lossless stream copy is tried
// first; when the source codecs do not fit in MP4 the video is re-encoded to
// H.264/AAC.
func (f *FFmpeg) Transcode(ctx context.Context, in, out string) error {
	copyArgs := []string{
		"-i", in,
		"-c:v", "copy",
		"-c:a", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
	}
	err := f.produce(ctx, out, copyArgs)
	if err == nil {
		f.log.Debug("stream copy succeeded", zap.String("out", out))
		return nil
	}
	f.log.Info("stream copy failed, re-encoding", zap.String("in", in), zap.Error(err))

	encodeArgs := []string{
		"-i", in,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-c:a", "aac",
		"-ac", "2",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-max_muxing_queue_size", "1024",
		"-f", "mp4",
	}
	if err := f.produce(ctx, out, encodeArgs); err != nil {
		return fmt.Errorf("transcode %s: %w", filepath.Base(in), err)
	}
	return nil
}

// Thumbnail writes a 320px wide JPEG taken one second into video.
func (f *FFmpeg) Thumbnail(ctx context.Context, video, out string) error {
	args := []string{
		"-ss", "1",
		"-i", video,
		"-frames:v", "1",
		"-vf", "scale=320:-2",
		"-q:v", "3",
		"-f", "image2",
	}
	if err := f.produce(ctx, out, args); err != nil {
		return fmt.Errorf("thumbnail %s: %w", filepath.Base(video), err)
	}
	return nil
}

// produce runs ffmpeg writing to a scratch file and moves the result to out
// only when ffmpeg exits cleanly and wrote something.
func (f *FFmpeg) produce(ctx context.Context, out string, args []string) error {
	if err := os.MkdirAll(f.scratchDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.scratchDir, "ffmpeg-*"+filepath.Ext(out))
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	full := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y"}, args...)
	full = append(full, tmpName)
	cmd := exec.CommandContext(ctx, f.bin, full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	info, err := os.Stat(tmpName)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("ffmpeg produced an empty file")
	}
	return moveFile(tmpName, out)
}

// moveFile renames src to dst, copying when they live on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	part := dst + ".part"
	if err := os.WriteFile(part, data, 0o644); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, dst)
}
