package upload

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prappser/prappser_ingest/internal/media"
	"github.com/prappser/prappser_ingest/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_Reassemble_ShouldMatchDirectUpload(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	data := randomBytes(t, 3*1024+17)
	totalChunks := h.stageAll(t, "chunked-1", "report.pdf", data, 1024)

	// when
	chunked, err := h.coordinator.Reassemble(ctx, testOwner, testTier, &ReassembleRequest{
		FileID: "chunked-1", FileName: "report.pdf", TotalChunks: totalChunks, TotalSize: int64(len(data)),
	})
	require.NoError(t, err)
	direct, err := h.coordinator.CommitDirect(ctx, testOwner, testTier, &DirectRequest{FileName: "report.pdf", Data: data})
	require.NoError(t, err)

	// then
	assert.Equal(t, data, h.storedBytes(t, chunked))
	assert.Equal(t, chunked.Checksum, direct.Checksum)
	assert.Equal(t, chunked.Size, direct.Size)
	assert.Equal(t, chunked.Type, direct.Type)
	assert.Equal(t, "application/pdf", chunked.Type)
	assert.Equal(t, "https://ingest.example.com/media/chunked-1/content", chunked.URL)
	assert.Equal(t, 2, h.repo.Count())
}

func TestCoordinator_Reassemble_ShouldFailOnMissingChunk(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	for _, i := range []int{0, 2} {
		_, err := h.receiver.ReceiveChunk(ctx, testOwner, &ChunkRequest{FileID: "file-1", ChunkIndex: i, TotalChunks: 3, FileName: "a.bin", Data: []byte("abcd")})
		require.NoError(t, err)
	}

	// when
	record, err := h.coordinator.Reassemble(ctx, testOwner, testTier, &ReassembleRequest{FileID: "file-1", FileName: "a.bin", TotalChunks: 3, TotalSize: 12})

	// then
	assert.Nil(t, record)
	assert.True(t, errors.Is(err, ErrMissingChunk))
	assert.Equal(t, 0, h.repo.Count())
	assert.Equal(t, 0, h.backend.Puts())
	_, statErr := os.Stat(h.staging.fileDir("file-1"))
	assert.True(t, os.IsNotExist(statErr), "staging is cleaned on failure")
	session, _ := h.sessions.Get("file-1")
	assert.Equal(t, SessionFailed, session.State)
}

func TestCoordinator_Reassemble_ShouldRejectQuotaBeforeReadingChunks(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	limits := h.config.Tiers[testTier]
	require.NoError(t, h.repo.Create(ctx, &media.MediaRecord{ID: "existing", OwnerID: testOwner, Size: limits.Quota - 10}))
	_, err := h.cache.Usage(ctx, testOwner)
	require.NoError(t, err)

	// when
	// nothing is staged: a quota error rather than a missing-chunk error
	// shows chunks were never looked at
	_, err = h.coordinator.Reassemble(ctx, testOwner, testTier, &ReassembleRequest{FileID: "file-1", FileName: "a.bin", TotalChunks: 1, TotalSize: 11})

	// then
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, 0, h.backend.Puts())
	assert.Equal(t, 1, h.repo.Count())
}

func TestCoordinator_Reassemble_ShouldWriteThroughUsage(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repo.Create(ctx, &media.MediaRecord{ID: "existing", OwnerID: testOwner, Size: 500}))
	data := randomBytes(t, 2048)
	totalChunks := h.stageAll(t, "file-1", "blob.bin", data, 1000)

	// when
	_, err := h.coordinator.Reassemble(ctx, testOwner, testTier, &ReassembleRequest{FileID: "file-1", FileName: "blob.bin", TotalChunks: totalChunks, TotalSize: 2048})
	require.NoError(t, err)
	used, err := h.cache.Usage(ctx, testOwner)

	// then
	require.NoError(t, err)
	assert.Equal(t, int64(2548), used)
	assert.Equal(t, 1, h.aggregator.Calls(), "the follow-up read is served from the cache")
}

func TestCoordinator_ShouldBlockDenylistedTypes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, chunkedErr := h.coordinator.Reassemble(ctx, testOwner, "unlimited", &ReassembleRequest{
		FileID: "file-1", FileName: "payload.exe", TotalChunks: 1, TotalSize: 1, Settings: `{"maxWidth":10}`,
	})
	_, directErr := h.coordinator.CommitDirect(ctx, testOwner, testTier, &DirectRequest{FileName: "PAYLOAD.EXE", Data: []byte("MZ")})

	assert.True(t, errors.Is(chunkedErr, ErrBlockedType))
	assert.True(t, errors.Is(directErr, ErrBlockedType))
	assert.Equal(t, 0, h.backend.Puts())
}

func TestCoordinator_ShouldBlockDenylistedTypesAboveTierSizeCap(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	oversized := int64(h.config.Tiers["tiny"].MaxFileSize) * 4

	// when
	_, chunkedErr := h.coordinator.Reassemble(ctx, testOwner, "tiny", &ReassembleRequest{
		FileID: "file-1", FileName: "payload.exe", TotalChunks: 1, TotalSize: oversized,
	})
	_, directErr := h.coordinator.CommitDirect(ctx, testOwner, "tiny", &DirectRequest{
		FileName: "payload.exe", Data: bytes.Repeat([]byte("M"), int(oversized)),
	})

	// then
	assert.ErrorIs(t, chunkedErr, ErrBlockedType)
	assert.NotErrorIs(t, chunkedErr, ErrSizeLimit)
	assert.ErrorIs(t, directErr, ErrBlockedType)
	assert.NotErrorIs(t, directErr, ErrSizeLimit)
	assert.Equal(t, 0, h.backend.Puts())
}

func TestCoordinator_CommitDirect_ShouldNotCommitSameFileIDTwice(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	req := &DirectRequest{FileID: "client-file-1", FileName: "a.txt", Data: []byte("hello")}

	// when
	first, firstErr := h.coordinator.CommitDirect(ctx, testOwner, testTier, req)
	_, secondErr := h.coordinator.CommitDirect(ctx, testOwner, testTier, req)

	// then
	require.NoError(t, firstErr)
	assert.Equal(t, "client-file-1", first.ID)
	assert.ErrorIs(t, secondErr, ErrAlreadyCommitted)
	assert.Equal(t, 1, h.repo.Count())
	assert.Equal(t, 1, h.backend.Puts())
}

func TestCoordinator_CommitDirect_ShouldRejectMalformedFileID(t *testing.T) {
	h := newHarness(t)

	_, err := h.coordinator.CommitDirect(context.Background(), testOwner, testTier, &DirectRequest{FileID: "../etc", FileName: "a.txt", Data: []byte("x")})

	assert.ErrorIs(t, err, ErrValidation)
}

func TestCoordinator_ShouldNotOverwriteStoredObject(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	original := timeNowFunc
	timeNowFunc = func() time.Time { return now }
	defer func() { timeNowFunc = original }()
	path := storage.ObjectPath(testOwner, "file-9", ".txt", now)
	require.NoError(t, h.backend.Backend.Put(ctx, path, bytes.NewReader([]byte("earlier")), 7, "text/plain"))

	// when
	_, err := h.coordinator.CommitDirect(ctx, testOwner, testTier, &DirectRequest{FileID: "file-9", FileName: "a.txt", Data: []byte("later")})

	// then
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
	assert.Equal(t, 0, h.backend.Puts())
	reader, err := h.backend.Get(ctx, path)
	require.NoError(t, err)
	defer reader.Close()
	stored, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "earlier", string(stored))
}

func TestCoordinator_Reassemble_ShouldStoreMultiPartExtensionMatchingDomainURL(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	totalChunks := h.stageAll(t, "file-1", "backup.tar.gz", []byte("not really gzip"), 8)

	// when
	record, err := h.coordinator.Reassemble(ctx, testOwner, testTier, &ReassembleRequest{
		FileID: "file-1", FileName: "backup.tar.gz", TotalChunks: totalChunks, TotalSize: 15, CustomDomain: "cdn.example.com",
	})

	// then
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(record.StoragePath, "/file-1.tar.gz"), record.StoragePath)
	assert.Equal(t, "https://cdn.example.com/file-1.tar.gz", record.URL)
	assert.Equal(t, []byte("not really gzip"), h.storedBytes(t, record))
}

func TestCoordinator_Reassemble_ShouldFailOnSizeMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	totalChunks := h.stageAll(t, "file-1", "a.bin", []byte("0123456789"), 4)

	tests := []struct {
		name      string
		totalSize int64
	}{
		{name: "declared larger", totalSize: 11},
		{name: "declared smaller", totalSize: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := os.Stat(h.staging.fileDir("file-1")); os.IsNotExist(err) {
				h.stageAll(t, "file-1", "a.bin", []byte("0123456789"), 4)
			}

			_, err := h.coordinator.Reassemble(ctx, testOwner, testTier, &ReassembleRequest{FileID: "file-1", FileName: "a.bin", TotalChunks: totalChunks, TotalSize: tt.totalSize})

			assert.True(t, errors.Is(err, ErrSizeMismatch), err)
			assert.Equal(t, 0, h.repo.Count())
		})
	}
}

func TestCoordinator_Reassemble_ShouldEnforceTierSizeLimit(t *testing.T) {
	h := newHarness(t)

	_, err := h.coordinator.Reassemble(context.Background(), testOwner, "tiny", &ReassembleRequest{FileID: "file-1", FileName: "a.bin", TotalChunks: 1, TotalSize: 2048})

	assert.True(t, errors.Is(err, ErrSizeLimit))
}

func TestCoordinator_Reassemble_ShouldValidateRequest(t *testing.T) {
	tests := []struct {
		name string
		req  ReassembleRequest
	}{
		{name: "bad fileId", req: ReassembleRequest{FileID: "a/b", FileName: "a", TotalChunks: 1, TotalSize: 1}},
		{name: "no name", req: ReassembleRequest{FileID: "f", TotalChunks: 1, TotalSize: 1}},
		{name: "no chunks", req: ReassembleRequest{FileID: "f", FileName: "a", TotalSize: 1}},
		{name: "no size", req: ReassembleRequest{FileID: "f", FileName: "a", TotalChunks: 1}},
		{name: "unknown domain", req: ReassembleRequest{FileID: "f", FileName: "a", TotalChunks: 1, TotalSize: 1, CustomDomain: "evil.example.com"}},
		{name: "malformed settings", req: ReassembleRequest{FileID: "f", FileName: "a", TotalChunks: 1, TotalSize: 1, Settings: "{"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.coordinator.Reassemble(context.Background(), testOwner, testTier, &tt.req)

			assert.True(t, errors.Is(err, ErrValidation), err)
			_, tracked := h.sessions.Get(tt.req.FileID)
			assert.False(t, tracked, "validation happens before the session is acquired")
		})
	}
}

func TestCoordinator_Reassemble_ShouldRejectRepeatAfterCommit(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	totalChunks := h.stageAll(t, "file-1", "a.txt", []byte("hello"), 5)
	req := &ReassembleRequest{FileID: "file-1", FileName: "a.txt", TotalChunks: totalChunks, TotalSize: 5}
	_, err := h.coordinator.Reassemble(ctx, testOwner, testTier, req)
	require.NoError(t, err)

	// when
	_, err = h.coordinator.Reassemble(ctx, testOwner, testTier, req)

	// then
	assert.True(t, errors.Is(err, ErrAlreadyCommitted))
	assert.Equal(t, 1, h.repo.Count())
}

func TestCoordinator_Reassemble_ShouldRejectConcurrentAttemptAndOtherOwner(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sessions.Acquire("file-1", "a.txt", testOwner, 1, 5))

	_, sameOwnerErr := h.coordinator.Reassemble(context.Background(), testOwner, testTier, &ReassembleRequest{FileID: "file-1", FileName: "a.txt", TotalChunks: 1, TotalSize: 5})
	_, otherOwnerErr := h.coordinator.Reassemble(context.Background(), "intruder", testTier, &ReassembleRequest{FileID: "file-1", FileName: "a.txt", TotalChunks: 1, TotalSize: 5})

	assert.True(t, errors.Is(sameOwnerErr, ErrUploadInProgress))
	assert.True(t, errors.Is(otherOwnerErr, ErrForbidden))
}

func TestCoordinator_Reassemble_ShouldProceedWithoutSessionRecord(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.staging.WriteChunk(ctx, "restarted", 0, []byte("abc")))

	// when
	record, err := h.coordinator.Reassemble(ctx, testOwner, testTier, &ReassembleRequest{FileID: "restarted", FileName: "a.txt", TotalChunks: 1, TotalSize: 3})

	// then
	require.NoError(t, err)
	assert.Equal(t, "restarted", record.ID)
}

func TestCoordinator_CommitDirect_ShouldUseCustomDomainURL(t *testing.T) {
	h := newHarness(t)

	record, err := h.coordinator.CommitDirect(context.Background(), testOwner, testTier, &DirectRequest{
		FileName: "Photo.TXT", Data: []byte("text"), CustomDomain: "CDN.example.com", Settings: `{"public":true}`,
	})

	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/"+record.ID+".txt", record.URL)
	assert.Equal(t, "CDN.example.com", record.Domain)
	assert.True(t, record.Public)
}

func TestCoordinator_CommitDirect_ShouldDeleteBlobWhenRecordFails(t *testing.T) {
	// given
	h := newHarnessWithRepo(t, &failingRepository{MemoryRepository: media.NewMemoryRepository()})

	// when
	_, err := h.coordinator.CommitDirect(context.Background(), testOwner, testTier, &DirectRequest{FileName: "a.txt", Data: []byte("abc")})

	// then
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Equal(t, 1, h.backend.Puts())
	assert.Equal(t, 1, h.backend.Deletes())
}

func TestCoordinator_CommitDirect_ShouldSurfaceBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.failPut = true

	_, err := h.coordinator.CommitDirect(context.Background(), testOwner, testTier, &DirectRequest{FileName: "a.txt", Data: []byte("abc")})

	assert.True(t, errors.Is(err, ErrStorageBackend))
	assert.Equal(t, 0, h.repo.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Commits.WithLabelValues(pathDirect, "error")))
}

func TestCoordinator_CommitDirect_ShouldSerialiseQuotaPerOwner(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	quota := h.config.Tiers["tiny"].Quota
	data := bytes.Repeat([]byte("x"), int(h.config.Tiers["tiny"].MaxFileSize))
	require.NoError(t, h.repo.Create(ctx, &media.MediaRecord{ID: "existing", OwnerID: testOwner, Size: quota - int64(len(data))*3/2}))

	// when
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coordinator.CommitDirect(ctx, testOwner, "tiny", &DirectRequest{FileName: "a.bin", Data: data})
		}(i)
	}
	wg.Wait()

	// then
	committed, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ErrQuotaExceeded):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 3, rejected)
	used, err := h.repo.AggregateUsage(ctx, testOwner)
	require.NoError(t, err)
	assert.LessOrEqual(t, used, quota)
	assert.Equal(t, 0, h.coordinator.locks.size())
}

func TestCoordinator_CommitDirect_ShouldNotifyOwner(t *testing.T) {
	h := newHarness(t)

	record, err := h.coordinator.CommitDirect(context.Background(), testOwner, testTier, &DirectRequest{FileName: "a.txt", Data: []byte("abc")})
	require.NoError(t, err)

	select {
	case n := <-h.notifier.sent:
		assert.Equal(t, NotificationUploadCommitted, n.Type)
		assert.Equal(t, record.ID, n.Media.ID)
	case <-time.After(time.Second):
		t.Fatal("notification was not sent")
	}
}

func TestCoordinator_CommitDirect_ShouldRecordArchiveMetadata(t *testing.T) {
	// given
	h := newHarness(t)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"docs/", "docs/readme.txt", "main.go"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		if name != "docs/" {
			_, err = w.Write([]byte("content"))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())

	// when
	record, err := h.coordinator.CommitDirect(context.Background(), testOwner, testTier, &DirectRequest{FileName: "bundle.zip", Data: buf.Bytes()})

	// then
	require.NoError(t, err)
	require.NotNil(t, record.Archive)
	assert.Equal(t, "zip", record.Archive.Format)
	assert.Equal(t, 3, record.Archive.EntryCount)
	assert.Equal(t, 1, record.Archive.DirCount)
	assert.Equal(t, int64(14), record.Archive.UncompressedSize)
}

func TestCoordinator_CommitDirect_ShouldIgnoreCorruptArchive(t *testing.T) {
	h := newHarness(t)

	record, err := h.coordinator.CommitDirect(context.Background(), testOwner, testTier, &DirectRequest{FileName: "broken.zip", Data: []byte("not a zip")})

	require.NoError(t, err)
	assert.Nil(t, record.Archive)
}

func TestCoordinator_DeleteMedia_ShouldEvictCachedUsage(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	record, err := h.coordinator.CommitDirect(ctx, testOwner, testTier, &DirectRequest{FileName: "a.txt", Data: []byte("abcdef")})
	require.NoError(t, err)
	_, err = h.cache.Usage(ctx, testOwner)
	require.NoError(t, err)

	// when
	require.NoError(t, h.coordinator.DeleteMedia(ctx, testOwner, record.ID))
	used, err := h.cache.Usage(ctx, testOwner)

	// then
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
	assert.Equal(t, 0, h.repo.Count())
	assert.True(t, errors.Is(h.coordinator.DeleteMedia(ctx, testOwner, record.ID), ErrNotFound))
}

func TestCoordinator_Media_ShouldHidePrivateRecordsFromOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private, err := h.coordinator.CommitDirect(ctx, testOwner, testTier, &DirectRequest{FileName: "a.txt", Data: []byte("a")})
	require.NoError(t, err)
	public, err := h.coordinator.CommitDirect(ctx, testOwner, testTier, &DirectRequest{FileName: "b.txt", Data: []byte("b"), Settings: `{"public":true}`})
	require.NoError(t, err)

	_, privateErr := h.coordinator.Media(ctx, "", private.ID)
	_, publicErr := h.coordinator.Media(ctx, "", public.ID)
	_, ownerErr := h.coordinator.Media(ctx, testOwner, private.ID)
	deleteErr := h.coordinator.DeleteMedia(ctx, "intruder", public.ID)

	assert.True(t, errors.Is(privateErr, ErrNotFound))
	assert.NoError(t, publicErr)
	assert.NoError(t, ownerErr)
	assert.True(t, errors.Is(deleteErr, ErrForbidden))
}

func TestCoordinator_Usage_ShouldReportTierLimits(t *testing.T) {
	h := newHarness(t)

	limited, err := h.coordinator.Usage(context.Background(), testOwner, "no-such-tier")
	require.NoError(t, err)
	unlimited, err := h.coordinator.Usage(context.Background(), testOwner, "unlimited")
	require.NoError(t, err)

	assert.Equal(t, "free", limited.Tier)
	assert.Equal(t, h.config.Tiers["free"].Quota, limited.QuotaBytes)
	assert.True(t, unlimited.Unlimited)
	assert.Zero(t, unlimited.QuotaBytes)
}

func TestCoordinator_Usage_ShouldNotOverwriteConcurrentCommit(t *testing.T) {
	// given
	h := newHarness(t)
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	h.aggregator.hold = func() {
		close(entered)
		<-release
	}

	usageDone := make(chan error, 1)
	go func() {
		_, err := h.coordinator.Usage(ctx, testOwner, testTier)
		usageDone <- err
	}()
	<-entered

	commitDone := make(chan error, 1)
	go func() {
		_, err := h.coordinator.CommitDirect(ctx, testOwner, testTier, &DirectRequest{FileName: "a.txt", Data: []byte("hello")})
		commitDone <- err
	}()
	require.Eventually(t, func() bool { return lockHolders(h.coordinator.locks, testOwner) == 2 }, time.Second, time.Millisecond)

	// when
	close(release)
	require.NoError(t, <-usageDone)
	require.NoError(t, <-commitDone)

	// then
	report, err := h.coordinator.Usage(ctx, testOwner, testTier)
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.UsedBytes)
	assert.Equal(t, 1, h.aggregator.Calls())
}
