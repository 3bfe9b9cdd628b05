package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(&BackendConfig{LocalPath: t.TempDir(), ExternalURL: "https://files.example.com/"})
	require.NoError(t, err)
	return s
}

func TestLocalStorage_PutGet_ShouldRoundTripBytes(t *testing.T) {
	// given
	s := newTestLocalStorage(t)
	ctx := context.Background()
	data := []byte("hello durable world")

	// when
	err := s.Put(ctx, "owner-1/2026/10/file-1.txt", bytes.NewReader(data), int64(len(data)), "text/plain")

	// then
	require.NoError(t, err)
	reader, err := s.Get(ctx, "owner-1/2026/10/file-1.txt")
	require.NoError(t, err)
	defer reader.Close()
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalStorage_Put_ShouldRejectShortWrite(t *testing.T) {
	// given
	s := newTestLocalStorage(t)

	// when
	err := s.Put(context.Background(), "o/f.bin", bytes.NewReader([]byte("abc")), 10, "")

	// then
	assert.Error(t, err)
	exists, _ := s.Exists(context.Background(), "o/f.bin")
	assert.False(t, exists)
}

func TestLocalStorage_Put_ShouldRejectPathEscapingBase(t *testing.T) {
	s := newTestLocalStorage(t)

	err := s.Put(context.Background(), "../escape.txt", bytes.NewReader([]byte("x")), 1, "")

	assert.Error(t, err)
}

func TestLocalStorage_Get_ShouldReturnNotFound(t *testing.T) {
	s := newTestLocalStorage(t)

	_, err := s.Get(context.Background(), "missing/file.txt")

	assert.True(t, errors.Is(err, ErrObjectNotFound))
}

func TestLocalStorage_DeleteAndExists(t *testing.T) {
	// given
	s := newTestLocalStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "o/a.txt", bytes.NewReader([]byte("a")), 1, ""))

	// when
	existsBefore, err := s.Exists(ctx, "o/a.txt")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "o/a.txt"))
	existsAfter, err := s.Exists(ctx, "o/a.txt")
	require.NoError(t, err)

	// then
	assert.True(t, existsBefore)
	assert.False(t, existsAfter)
	assert.NoError(t, s.Delete(ctx, "o/a.txt"), "deleting twice is not an error")
}

func TestLocalStorage_URL_ShouldPointAtContentEndpoint(t *testing.T) {
	s := newTestLocalStorage(t)

	url, err := s.URL(context.Background(), "owner/2026/10/abc-123.png")

	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/media/abc-123/content", url)
}

func TestObjectPath_ShouldLayoutByOwnerAndMonth(t *testing.T) {
	now := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

	path := ObjectPath("owner-9", "file-7", ".JPG", now)

	assert.Equal(t, "owner-9/2026/03/file-7.jpg", path)
	assert.Equal(t, "file-7", IDFromPath(path))
}

func TestObjectPath_ShouldKeepMultiPartExtension(t *testing.T) {
	now := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

	path := ObjectPath("owner-9", "file-7", ".tar.gz", now)

	assert.Equal(t, "owner-9/2026/03/file-7.tar.gz", path)
	assert.Equal(t, "file-7", IDFromPath(path))
}
