package pathutil

import (
	"mime"
	"path/filepath"
	"strings"
)

// Safe reports whether a client-supplied path is free of traversal attempts.
// Backslashes are rejected outright: media keys are forward-slash only, and
// allowing them would let `..\` slip past the dot-dot check on Windows
// filesystems.
func Safe(path string) bool {
	if path == "" {
		return false
	}
	if strings.Contains(path, "..") {
		return false
	}
	if strings.Contains(path, "\\") {
		return false
	}
	if strings.ContainsRune(path, 0) {
		return false
	}
	return true
}

// SanitizeFilename strips directory components and traversal characters from
// an upload filename, leaving a bare name safe to embed in a storage key.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return "unnamed"
	}
	return name
}

// Join joins key segments with forward slashes regardless of platform.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// acceptedMediaTypes lists MIME prefixes the streaming server will serve.
var acceptedMediaTypes = []string{
	"video/",
	"audio/",
	"image/",
}

// AcceptedMediaType reports whether a MIME type is servable media.
func AcceptedMediaType(mimeType string) bool {
	for _, prefix := range acceptedMediaTypes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// Ext returns the lower-cased extension without reaching past the last slash.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// mimeTypes maps media extensions explicitly: the stdlib table is platform
// dependent and misses common video types outright.
var mimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// MimeType returns the MIME type for a path based on its extension.
func MimeType(path string) string {
	if mt, ok := mimeTypes[Ext(path)]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
