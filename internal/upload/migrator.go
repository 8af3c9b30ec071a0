package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hdaklue/marg-flows-sub003/internal/storage"
)

// Migrator streams an assembled file from the working tier to the durable
// tier through a bounded buffer. The working copy is never removed here;
// cleanup stays with the caller so retries remain possible after a
// destination failure.
type Migrator struct {
	source      storage.Tier
	destination storage.Tier
	bufferSize  int
	logger      *slog.Logger
}

// NewMigrator wires source and destination tiers. bufferSize bounds memory
// per in-flight migration.
func NewMigrator(source, destination storage.Tier, bufferSize int, logger *slog.Logger) *Migrator {
	if bufferSize <= 0 {
		bufferSize = 1024 * 1024
	}
	return &Migrator{
		source:      source,
		destination: destination,
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Migrate copies workingPath to destPath on the durable tier and returns the
// durable path. Read failures wrap ErrSourceUnreadable, write failures wrap
// ErrDestinationWrite; in the latter case the source file is untouched.
func (m *Migrator) Migrate(ctx context.Context, workingPath, destPath string) (string, error) {
	size, err := m.source.Size(ctx, workingPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}

	reader, err := m.source.ReadStream(ctx, workingPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	defer reader.Close()

	buffered := &boundedReader{reader: reader, buf: make([]byte, m.bufferSize)}
	if err := m.destination.WriteStream(ctx, destPath, buffered, size); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDestinationWrite, err)
	}

	m.logger.Info("asset migrated",
		"working_path", workingPath,
		"durable_path", destPath,
		"size", size,
	)
	return destPath, nil
}

// boundedReader caps each Read at the fixed buffer size so a consumer that
// passes large scratch slices still moves data in bounded steps.
type boundedReader struct {
	reader io.Reader
	buf    []byte
}

func (b *boundedReader) Read(p []byte) (int, error) {
	limit := len(p)
	if limit > len(b.buf) {
		limit = len(b.buf)
	}
	n, err := b.reader.Read(b.buf[:limit])
	copy(p, b.buf[:n])
	return n, err
}
