package streaming

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRange marks a Range header that could not be parsed.
	ErrInvalidRange = errors.New("invalid range header")
	// ErrRangeNotSatisfiable marks a parsed range outside the file bounds.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// ByteRange is one inclusive byte window of a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Length is the exact number of bytes the window covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for a file of the
// given total size.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses a header of the form "bytes=<start>-<end>" against a
// file of the given size. Either bound may be omitted: start defaults to 0,
// end to size-1. "bytes=-N" is the suffix form addressing the last N bytes.
// Multi-range headers are not supported; the first range is honored.
func ParseRange(header string, size int64) (ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, ErrInvalidRange
	}

	spec := strings.TrimPrefix(header, prefix)
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	spec = strings.TrimSpace(spec)

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return ByteRange{}, ErrInvalidRange
	}

	// Suffix form: bytes=-N.
	if startStr == "" {
		if endStr == "" {
			return ByteRange{}, ErrInvalidRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return ByteRange{}, ErrInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		return ByteRange{Start: size - suffix, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrInvalidRange
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return ByteRange{}, ErrInvalidRange
		}
	}

	if start > end || start >= size || end >= size {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	return ByteRange{Start: start, End: end}, nil
}
