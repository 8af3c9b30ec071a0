package streaming

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushCounter struct {
	bytes.Buffer
	flushes int
}

func (f *flushCounter) Flush() { f.flushes++ }

func TestCopy(t *testing.T) {
	t.Run("should copy exactly the limit", func(t *testing.T) {
		src := strings.NewReader("0123456789")
		var dst bytes.Buffer

		n, err := Copy(&dst, src, 4, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
		assert.Equal(t, "0123", dst.String())
	})

	t.Run("should stop at EOF before the limit", func(t *testing.T) {
		src := strings.NewReader("abc")
		var dst bytes.Buffer

		n, err := Copy(&dst, src, 100, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.Equal(t, "abc", dst.String())
	})

	t.Run("should flush after each chunk", func(t *testing.T) {
		src := strings.NewReader(strings.Repeat("x", 10))
		dst := &flushCounter{}

		_, err := Copy(dst, src, 10, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, 5, dst.flushes)
	})

	t.Run("should stop early without error when cancelled", func(t *testing.T) {
		src := strings.NewReader(strings.Repeat("x", 1000))
		var dst bytes.Buffer

		calls := 0
		cancelled := func() bool {
			calls++
			return calls > 3
		}

		n, err := Copy(&dst, src, 1000, 100, cancelled)
		require.NoError(t, err)
		assert.Equal(t, int64(300), n)
	})

	t.Run("should treat a write failure as client disconnect", func(t *testing.T) {
		src := strings.NewReader(strings.Repeat("x", 100))
		dst := &failingWriter{failAfter: 1}

		n, err := Copy(dst, src, 100, 10, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)
	})
}

type failingWriter struct {
	writes    int
	failAfter int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.failAfter {
		return 0, assert.AnError
	}
	return len(p), nil
}
