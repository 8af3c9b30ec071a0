package streaming

import (
	"io"
)

// Flusher is satisfied by http.ResponseWriter wrappers that can push
// buffered bytes to the client.
type Flusher interface {
	Flush()
}

// Copy moves up to limit bytes from src to dst in chunkSize steps, flushing
// after each write and consulting cancelled between iterations. A client
// disconnect (cancelled returning true) stops the loop early and is not an
// error: the bytes written so far are simply all the client wanted.
func Copy(dst io.Writer, src io.Reader, limit int64, chunkSize int, cancelled func() bool) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	buf := make([]byte, chunkSize)

	var written int64
	for written < limit {
		if cancelled != nil && cancelled() {
			return written, nil
		}

		toRead := int64(chunkSize)
		if remaining := limit - written; remaining < toRead {
			toRead = remaining
		}

		n, readErr := src.Read(buf[:toRead])
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				// Broken pipe mid-write means the client went away.
				return written, nil
			}
			if f, ok := dst.(Flusher); ok {
				f.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
	return written, nil
}
