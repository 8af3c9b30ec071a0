package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// SessionStatus tracks an upload session through its lifecycle. Transitions
// move forward only; any status may jump to StatusFailed.
type SessionStatus string

const (
	StatusUploading  SessionStatus = "uploading"
	StatusAssembling SessionStatus = "assembling"
	StatusProcessing SessionStatus = "processing"
	StatusComplete   SessionStatus = "complete"
	StatusFailed     SessionStatus = "failed"
)

// rank orders statuses for the forward-only transition check.
func (s SessionStatus) rank() int {
	switch s {
	case StatusUploading:
		return 0
	case StatusAssembling:
		return 1
	case StatusProcessing:
		return 2
	case StatusComplete:
		return 3
	case StatusFailed:
		return 4
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Failed is reachable from anywhere and is terminal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// UploadSession represents an in-progress chunked upload.
type UploadSession struct {
	ID           string        `json:"id"`
	DocumentID   string        `json:"document_id"`
	FileName     string        `json:"file_name"`
	TotalChunks  int           `json:"total_chunks"`
	Received     map[int]bool  `json:"-"`
	Status       SessionStatus `json:"status"`
	FailReason   string        `json:"fail_reason,omitempty"`
	AssembledTo  string        `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// Progress reports chunks received against the session total.
type Progress struct {
	Received int `json:"received"`
	Total    int `json:"total"`
}

// Percent is the display percentage, rounded to two decimal places.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return math.Round(float64(p.Received)/float64(p.Total)*100*100) / 100
}

// ChunkRecord describes one stored fragment of a session.
type ChunkRecord struct {
	SessionID  string `json:"session_id"`
	ChunkIndex int    `json:"chunk_index"`
	Size       int64  `json:"size"`
	Path       string `json:"path"`
}

// MediaAsset is the durable output of assembly. Immutable once processing
// completes; an overwrite at the same path is a new asset with a new
// last-modified time.
type MediaAsset struct {
	ID            uuid.UUID `json:"id" db:"id"`
	DocumentID    string    `json:"document_id" db:"document_id"`
	Path          string    `json:"path" db:"path"`
	Disk          string    `json:"disk" db:"disk"`
	Size          int64     `json:"size" db:"size"`
	MimeType      string    `json:"mime_type" db:"mime_type"`
	Duration      *float64  `json:"duration,omitempty" db:"duration"`
	Width         *int      `json:"width,omitempty" db:"width"`
	Height        *int      `json:"height,omitempty" db:"height"`
	AspectRatio   string    `json:"aspect_ratio" db:"aspect_ratio"`
	ThumbnailPath string    `json:"thumbnail_path,omitempty" db:"thumbnail_path"`
	LastModified  time.Time `json:"last_modified" db:"last_modified"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
