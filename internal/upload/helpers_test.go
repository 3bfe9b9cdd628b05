package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prappser/prappser_ingest/internal/media"
	"github.com/prappser/prappser_ingest/internal/storage"
	"github.com/prappser/prappser_ingest/internal/transcode"
	"github.com/prappser/prappser_ingest/internal/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	testOwner = "owner-1"
	testTier  = "free"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		StagingDir:    t.TempDir(),
		StagingTTL:    time.Hour,
		ChunkTimeout:  5 * time.Second,
		MaxChunkSize:  8 << 20,
		CustomDomains: []string{"cdn.example.com"},
		DefaultTier:   "free",
		Tiers: map[string]TierLimits{
			"free":      {MaxFileSize: 200 << 20, Quota: 256 << 20},
			"tiny":      {MaxFileSize: 1 << 10, Quota: 1 << 20},
			"unlimited": {MaxFileSize: 1 << 30, Unlimited: true},
		},
	}
}

// countingAggregator counts authoritative usage queries.
type countingAggregator struct {
	repo  media.Repository
	mu    sync.Mutex
	calls int
	// hold runs after the first query has read the repository
	hold func()
}

func (a *countingAggregator) AggregateUsage(ctx context.Context, ownerID string) (int64, error) {
	a.mu.Lock()
	a.calls++
	first := a.calls == 1
	hold := a.hold
	a.mu.Unlock()
	total, err := a.repo.AggregateUsage(ctx, ownerID)
	if first && hold != nil {
		hold()
	}
	return total, err
}

func (a *countingAggregator) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// spyBackend records calls made to the wrapped backend.
type spyBackend struct {
	storage.Backend
	mu      sync.Mutex
	puts    int
	deletes int
	failPut bool
}

func (b *spyBackend) Put(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error {
	b.mu.Lock()
	b.puts++
	fail := b.failPut
	b.mu.Unlock()
	if fail {
		return errors.New("backend unavailable")
	}
	return b.Backend.Put(ctx, path, reader, size, contentType)
}

func (b *spyBackend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	b.deletes++
	b.mu.Unlock()
	return b.Backend.Delete(ctx, path)
}

func (b *spyBackend) Puts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

func (b *spyBackend) Deletes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deletes
}

// failingRepository fails record creation.
type failingRepository struct {
	*media.MemoryRepository
}

func (r *failingRepository) Create(ctx context.Context, m *media.MediaRecord) error {
	return errors.New("connection reset")
}

type recordingNotifier struct {
	sent chan Notification
}

func (n *recordingNotifier) Notify(ownerID string, payload interface{}) error {
	n.sent <- payload.(Notification)
	return nil
}

type harness struct {
	config      *Config
	staging     *Staging
	sessions    *SessionTracker
	repo        *media.MemoryRepository
	aggregator  *countingAggregator
	cache       *usage.Cache
	backend     *spyBackend
	notifier    *recordingNotifier
	metrics     *Metrics
	receiver    *Receiver
	coordinator *Coordinator
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithRepo(t, nil)
}

func newHarnessWithRepo(t *testing.T, override media.Repository) *harness {
	t.Helper()
	config := testConfig(t)

	staging, err := NewStaging(config.StagingDir)
	require.NoError(t, err)

	local, err := storage.NewLocalStorage(&storage.BackendConfig{LocalPath: t.TempDir(), ExternalURL: "https://ingest.example.com"})
	require.NoError(t, err)

	h := &harness{
		config:   config,
		staging:  staging,
		sessions: NewSessionTracker(),
		repo:     media.NewMemoryRepository(),
		backend:  &spyBackend{Backend: local},
		notifier: &recordingNotifier{sent: make(chan Notification, 8)},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	var repo media.Repository = h.repo
	if override != nil {
		repo = override
	}
	h.aggregator = &countingAggregator{repo: repo}
	h.cache = usage.NewCache(usage.NewMemoryStore(time.Minute, 100), h.aggregator)
	h.receiver = NewReceiver(config, staging, h.sessions, h.metrics)
	h.coordinator = NewCoordinator(config, staging, h.sessions, h.cache, h.backend, transcode.NewImageTranscoder(), repo, h.notifier, h.metrics)
	return h
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

// stageAll splits data into chunkSize pieces and stages them through the
// receiver. Returns the chunk count.
func (h *harness) stageAll(t *testing.T, fileID, fileName string, data []byte, chunkSize int) int {
	t.Helper()
	total := (len(data) + chunkSize - 1) / chunkSize
	for i := 0; i < total; i++ {
		end := min((i+1)*chunkSize, len(data))
		_, err := h.receiver.ReceiveChunk(context.Background(), testOwner, &ChunkRequest{
			FileID:      fileID,
			ChunkIndex:  i,
			TotalChunks: total,
			FileName:    fileName,
			Data:        data[i*chunkSize : end],
		})
		require.NoError(t, err)
	}
	return total
}

func (h *harness) storedBytes(t *testing.T, record *media.MediaRecord) []byte {
	t.Helper()
	reader, err := h.backend.Get(context.Background(), record.StoragePath)
	require.NoError(t, err)
	defer reader.Close()
	var buf bytes.Buffer
	_, err = io.Copy(&buf, reader)
	require.NoError(t, err)
	return buf.Bytes()
}

// lockHolders counts goroutines holding or waiting for ownerID's lock.
func lockHolders(l *ownerLocks, ownerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock, ok := l.locks[ownerID]; ok {
		return lock.refs
	}
	return 0
}
