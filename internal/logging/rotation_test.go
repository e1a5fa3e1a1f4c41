package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTinyWriter(t *testing.T, keep int) (*RotatingWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "waydesk.log")
	w, err := NewRotatingWriter(path, 1, keep)
	require.NoError(t, err)
	w.limit = 64
	t.Cleanup(func() { w.Close() })
	return w, path
}

func countBackups(t *testing.T, path string) int {
	t.Helper()
	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	return len(matches)
}

func TestRotatingWriterRotatesAtLimit(t *testing.T) {
	w, path := newTinyWriter(t, 3)

	line := strings.Repeat("x", 40) + "\n"
	_, err := w.Write([]byte(line))
	require.NoError(t, err)
	_, err = w.Write([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, 1, countBackups(t, path), "second write must have rotated")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, line, string(data), "fresh file holds only the post-rotation write")
}

func TestRotatingWriterPrunesOldBackups(t *testing.T) {
	w, path := newTinyWriter(t, 2)

	line := strings.Repeat("y", 60) + "\n"
	for i := 0; i < 6; i++ {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, countBackups(t, path), 2, "retention count bounds backups")
}

func TestRotatingWriterReopenResumesAppending(t *testing.T) {
	w, path := newTinyWriter(t, 3)

	_, err := w.Write([]byte("before\n"))
	require.NoError(t, err)
	require.NoError(t, w.Reopen())
	_, err = w.Write([]byte("after\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "before\nafter\n", string(data))
}
