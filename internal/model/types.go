package model

import (
	"path/filepath"
	"regexp"
	"strings"
)

// CanonicalVideoType is the MIME type every converted video ends up with.
const CanonicalVideoType = "video/mp4"

// DefaultMaxFileSize caps a single upload at 100 MiB.
const DefaultMaxFileSize = 100 << 20

var (
	ImageTypes = []string{
		"image/jpeg",
		"image/jpg",
		"image/png",
		"image/gif",
		"image/webp",
		"image/heic",
		"image/heif",
	}
	VideoTypes = []string{
		"video/mp4",
		"video/quicktime",
		"video/x-msvideo",
		"video/webm",
		"video/mpeg",
	}
)

// AcceptedTypes returns image and video types in one slice.
func AcceptedTypes() []string {
	out := make([]string, 0, len(ImageTypes)+len(VideoTypes))
	out = append(out, ImageTypes...)
	return append(out, VideoTypes...)
}

// MediaTypeOf classifies a MIME type; anything that is not video is treated
// as an image.
func MediaTypeOf(mimeType string) MediaType {
	if strings.HasPrefix(mimeType, "video/") {
		return TypeVideo
	}
	return TypeImage
}

// NeedsConversion reports whether a video of this type has to be transcoded
// before it can be served.
func NeedsConversion(mimeType string) bool {
	return MediaTypeOf(mimeType) == TypeVideo && mimeType != CanonicalVideoType
}

var sourceVideoExt = regexp.MustCompile(`(?i)\.(mov|avi|webm|mpeg|mpg|mkv|m4v|3gp)$`)

// MP4Name rewrites a known source video extension to .mp4. A name that
// already ends in .mp4 is returned unchanged; any other name gets .mp4
// appended so a converted video always carries the extension.
func MP4Name(name string) string {
	if sourceVideoExt.MatchString(name) {
		return sourceVideoExt.ReplaceAllString(name, ".mp4")
	}
	if HasMP4Ext(name) {
		return name
	}
	return name + ".mp4"
}

// HasMP4Ext reports whether name ends in .mp4 (any case).
func HasMP4Ext(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".mp4")
}
