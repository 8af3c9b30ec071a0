package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafe(t *testing.T) {
	cases := []struct {
		name string
		path string
		safe bool
	}{
		{"plain key", "documents/d1/clip.mp4", true},
		{"single file", "clip.mp4", true},
		{"empty", "", false},
		{"parent traversal", "../etc/passwd", false},
		{"embedded traversal", "documents/../../etc/passwd", false},
		{"backslash traversal", `documents\..\secret`, false},
		{"bare backslash", `a\b`, false},
		{"null byte", "clip.mp4\x00.txt", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.safe, Safe(tc.path))
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		expected string
	}{
		{"plain", "clip.mp4", "clip.mp4"},
		{"strips directories", "/tmp/evil/clip.mp4", "clip.mp4"},
		{"strips windows directories", `C:\tmp\clip.mp4`, "clip.mp4"},
		{"strips traversal", "..clip.mp4", "clip.mp4"},
		{"dotfile loses its dot", ".hidden", "hidden"},
		{"nothing left", "..", "unnamed"},
		{"empty", "", "unnamed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeFilename(tc.in))
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "documents/d1/clip.mp4", Join("documents", "d1", "clip.mp4"))
}

func TestAcceptedMediaType(t *testing.T) {
	assert.True(t, AcceptedMediaType("video/mp4"))
	assert.True(t, AcceptedMediaType("audio/ogg"))
	assert.True(t, AcceptedMediaType("image/png"))
	assert.False(t, AcceptedMediaType("application/pdf"))
	assert.False(t, AcceptedMediaType("text/html"))
	assert.False(t, AcceptedMediaType(""))
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "video/mp4", MimeType("documents/d1/clip.mp4"))
	assert.Equal(t, "video/mp4", MimeType("CLIP.MP4"))
	assert.Equal(t, "video/x-matroska", MimeType("a/b/movie.mkv"))
	assert.Equal(t, "image/jpeg", MimeType("thumbnails/frame.jpg"))
	assert.Equal(t, "application/octet-stream", MimeType("archive.bin"))
	assert.Equal(t, "application/octet-stream", MimeType("noext"))
}
