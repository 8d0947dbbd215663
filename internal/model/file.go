// Package model contains the media records shared across packages.
package model

import (
	"time"
)

// MediaType distinguishes photos from videos.
type MediaType string

const (
	TypeImage MediaType = "image"
	TypeVideo MediaType = "video"
)

// ConversionStatus describes the transcode lifecycle of a video. The empty
// value means the item never needed a conversion.
type ConversionStatus string

const (
	StatusPending    ConversionStatus = "pending"
	StatusConverting ConversionStatus = "converting"
	StatusCompleted  ConversionStatus = "completed"
	StatusFailed     ConversionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ConversionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether a conversion has been scheduled or is running.
func (s ConversionStatus) InFlight() bool {
	return s == StatusPending || s == StatusConverting
}

// Valid reports whether s is one of the known states (or empty).
func (s ConversionStatus) Valid() bool {
	switch s {
	case "", StatusPending, StatusConverting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Phase is the presentable lifecycle of an item, derived from its type and
// conversion status.
type Phase int

const (
	// PhaseReady items can be listed and downloaded.
	PhaseReady Phase = iota
	// PhaseAwaiting items have a conversion pending or running.
	PhaseAwaiting
	// PhaseFailed items failed conversion and keep their source in temp storage.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseAwaiting:
		return "awaiting"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// MediaItem is one uploaded asset. The JSON names are the persisted index
// layout and must not change.
type MediaItem struct {
	ID                string           `json:"id"`
	OriginalName      string           `json:"originalName"`
	FileName          string           `json:"fileName"`
	MimeType          string           `json:"mimeType"`
	Size              int64            `json:"size"`
	CreatedAt         time.Time        `json:"createdAt"`
	Type              MediaType        `json:"type"`
	ConversionStatus  ConversionStatus `json:"conversionStatus,omitempty"`
	ConvertedFileName string           `json:"convertedFileName,omitempty"`
	ThumbnailFileName string           `json:"thumbnailFileName,omitempty"`
}

// Phase maps the item onto its presentable lifecycle.
func (m MediaItem) Phase() Phase {
	if m.Type == TypeImage {
		return PhaseReady
	}
	switch m.ConversionStatus {
	case StatusPending, StatusConverting:
		return PhaseAwaiting
	case StatusFailed:
		return PhaseFailed
	}
	return PhaseReady
}

// MediaIndex is the persisted, insertion-ordered item collection.
type MediaIndex struct {
	Items []MediaItem `json:"items"`
}

// Find returns the position of id, or -1.
func (idx *MediaIndex) Find(id string) int {
	for i := range idx.Items {
		if idx.Items[i].ID == id {
			return i
		}
	}
	return -1
}
