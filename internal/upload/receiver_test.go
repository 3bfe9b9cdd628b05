package upload

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiver_ReceiveChunk_ShouldReportProgressUntilComplete(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()

	// when
	first, err := h.receiver.ReceiveChunk(ctx, testOwner, &ChunkRequest{FileID: "file-1", ChunkIndex: 1, TotalChunks: 2, FileName: "a.bin", Data: []byte("world")})
	require.NoError(t, err)
	second, err := h.receiver.ReceiveChunk(ctx, testOwner, &ChunkRequest{FileID: "file-1", ChunkIndex: 0, TotalChunks: 2, FileName: "a.bin", Data: []byte("hello")})
	require.NoError(t, err)

	// then
	assert.False(t, first.AllChunksUploaded)
	assert.Equal(t, 1, first.UploadedChunks)
	assert.True(t, second.AllChunksUploaded)
	assert.Equal(t, 2, second.UploadedChunks)
	assert.Equal(t, 2, second.TotalChunks)
	assert.NotEmpty(t, second.Message)

	session, ok := h.sessions.Get("file-1")
	require.True(t, ok)
	assert.Equal(t, SessionChunksComplete, session.State)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ChunksReceived))
	assert.Equal(t, 10.0, testutil.ToFloat64(h.metrics.ChunkBytesReceived))
}

func TestReceiver_ReceiveChunk_ShouldOverwriteResentIndex(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	req := &ChunkRequest{FileID: "file-1", ChunkIndex: 0, TotalChunks: 3, FileName: "a.bin", Data: []byte("first attempt")}
	_, err := h.receiver.ReceiveChunk(ctx, testOwner, req)
	require.NoError(t, err)

	// when
	req.Data = []byte("retry")
	resp, err := h.receiver.ReceiveChunk(ctx, testOwner, req)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, resp.UploadedChunks)
	data, err := h.staging.ReadChunk("file-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("retry"), data)
}

func TestReceiver_ReceiveChunk_ShouldRejectInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  ChunkRequest
	}{
		{name: "missing fileId", req: ChunkRequest{ChunkIndex: 0, TotalChunks: 1, FileName: "a", Data: []byte("x")}},
		{name: "path traversal fileId", req: ChunkRequest{FileID: "../etc", ChunkIndex: 0, TotalChunks: 1, FileName: "a", Data: []byte("x")}},
		{name: "missing fileName", req: ChunkRequest{FileID: "f", ChunkIndex: 0, TotalChunks: 1, Data: []byte("x")}},
		{name: "zero totalChunks", req: ChunkRequest{FileID: "f", ChunkIndex: 0, TotalChunks: 0, FileName: "a", Data: []byte("x")}},
		{name: "index out of range", req: ChunkRequest{FileID: "f", ChunkIndex: 2, TotalChunks: 2, FileName: "a", Data: []byte("x")}},
		{name: "negative index", req: ChunkRequest{FileID: "f", ChunkIndex: -1, TotalChunks: 2, FileName: "a", Data: []byte("x")}},
		{name: "empty chunk", req: ChunkRequest{FileID: "f", ChunkIndex: 0, TotalChunks: 1, FileName: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.receiver.ReceiveChunk(context.Background(), testOwner, &tt.req)

			assert.True(t, errors.Is(err, ErrValidation), err)
		})
	}
}

func TestReceiver_ReceiveChunk_ShouldRejectOversizedChunk(t *testing.T) {
	h := newHarness(t)
	h.config.MaxChunkSize = 4

	_, err := h.receiver.ReceiveChunk(context.Background(), testOwner, &ChunkRequest{FileID: "f", ChunkIndex: 0, TotalChunks: 1, FileName: "a", Data: []byte("12345")})

	assert.True(t, errors.Is(err, ErrValidation))
}

func TestReceiver_ReceiveChunk_ShouldDeleteShortWrite(t *testing.T) {
	// given
	h := newHarness(t)
	original := writeChunkData
	writeChunkData = func(f *os.File, data []byte) (int, error) {
		return f.Write(data[:len(data)/2])
	}
	defer func() { writeChunkData = original }()

	// when
	_, err := h.receiver.ReceiveChunk(context.Background(), testOwner, &ChunkRequest{FileID: "file-1", ChunkIndex: 0, TotalChunks: 1, FileName: "a.bin", Data: []byte("0123456789")})

	// then
	assert.True(t, errors.Is(err, ErrWriteVerification))
	entries, readErr := os.ReadDir(h.staging.fileDir("file-1"))
	require.NoError(t, readErr)
	assert.Empty(t, entries, "partial chunk must not remain")
}

func TestReceiver_ReceiveChunk_ShouldTimeOut(t *testing.T) {
	// given
	h := newHarness(t)
	h.config.ChunkTimeout = 20 * time.Millisecond
	release := make(chan struct{})
	finished := make(chan struct{})
	original := writeChunkData
	writeChunkData = func(f *os.File, data []byte) (int, error) {
		defer close(finished)
		<-release
		return 0, errors.New("aborted")
	}
	defer func() {
		close(release)
		<-finished
		writeChunkData = original
	}()

	// when
	_, err := h.receiver.ReceiveChunk(context.Background(), testOwner, &ChunkRequest{FileID: "file-1", ChunkIndex: 0, TotalChunks: 1, FileName: "a.bin", Data: []byte("x")})

	// then
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ChunkFailures.WithLabelValues("timeout")))
}

func TestReceiver_ReceiveChunk_ShouldRejectOtherOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.receiver.ReceiveChunk(ctx, testOwner, &ChunkRequest{FileID: "file-1", ChunkIndex: 0, TotalChunks: 2, FileName: "a.bin", Data: []byte("mine")})
	require.NoError(t, err)

	_, err = h.receiver.ReceiveChunk(ctx, "intruder", &ChunkRequest{FileID: "file-1", ChunkIndex: 0, TotalChunks: 2, FileName: "a.bin", Data: []byte("theirs")})

	assert.True(t, errors.Is(err, ErrForbidden))
	data, readErr := h.staging.ReadChunk("file-1", 0)
	require.NoError(t, readErr)
	assert.Equal(t, []byte("mine"), data)
}
