package upload

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdaklue/marg-flows-sub003/internal/storage"
)

// brokenTier wraps a tier and fails every write.
type brokenTier struct {
	storage.Tier
}

func (b *brokenTier) WriteStream(context.Context, string, io.Reader, int64) error {
	return errors.New("disk full")
}

func TestMigratorMigrate(t *testing.T) {
	ctx := context.Background()

	newTier := func(t *testing.T, name string) *storage.LocalTier {
		tier, err := storage.NewLocalTier(name, t.TempDir())
		require.NoError(t, err)
		return tier
	}

	t.Run("should copy the file byte for byte", func(t *testing.T) {
		source := newTier(t, "working")
		dest := newTier(t, "durable")
		content := strings.Repeat("0123456789", 5000)
		require.NoError(t, source.WriteStream(ctx, "assembled/s1/clip.mp4", strings.NewReader(content), -1))

		// Small buffer forces many loop iterations.
		migrator := NewMigrator(source, dest, 1024, testLogger())
		durablePath, err := migrator.Migrate(ctx, "assembled/s1/clip.mp4", "documents/d1/clip.mp4")
		require.NoError(t, err)
		assert.Equal(t, "documents/d1/clip.mp4", durablePath)

		reader, err := dest.ReadStream(ctx, durablePath)
		require.NoError(t, err)
		defer reader.Close()
		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	})

	t.Run("should report unreadable sources", func(t *testing.T) {
		migrator := NewMigrator(newTier(t, "working"), newTier(t, "durable"), 1024, testLogger())
		_, err := migrator.Migrate(ctx, "assembled/absent/clip.mp4", "documents/d1/clip.mp4")
		assert.ErrorIs(t, err, ErrSourceUnreadable)
	})

	t.Run("should leave the source intact on write failure", func(t *testing.T) {
		source := newTier(t, "working")
		require.NoError(t, source.WriteStream(ctx, "assembled/s1/clip.mp4", strings.NewReader("payload"), -1))

		migrator := NewMigrator(source, &brokenTier{}, 1024, testLogger())
		_, err := migrator.Migrate(ctx, "assembled/s1/clip.mp4", "documents/d1/clip.mp4")
		assert.ErrorIs(t, err, ErrDestinationWrite)

		reader, err := source.ReadStream(ctx, "assembled/s1/clip.mp4")
		require.NoError(t, err)
		defer reader.Close()
		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data), "retry must find the source untouched")
	})
}
