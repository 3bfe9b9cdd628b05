package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prappser/prappser_ingest/internal/media"
	"github.com/prappser/prappser_ingest/internal/storage"
	"github.com/prappser/prappser_ingest/internal/transcode"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

const (
	pathChunked = "chunked"
	pathDirect  = "direct"

	// maxPrealloc caps how much of the declared size is reserved up front.
	maxPrealloc = 64 << 20

	NotificationUploadCommitted = "upload_committed"
)

// UsageCache is the owner usage view the commit path reads and updates.
type UsageCache interface {
	Usage(ctx context.Context, ownerID string) (int64, error)
	Add(ctx context.Context, ownerID string, delta int64)
	Forget(ctx context.Context, ownerID string)
}

// Notifier delivers a payload to an owner's connected clients. Delivery is
// best effort.
type Notifier interface {
	Notify(ownerID string, payload interface{}) error
}

type Notification struct {
	Type  string             `json:"type"`
	Media *media.MediaRecord `json:"media"`
}

// RawSettings carries the client's processing options. Clients send either a
// JSON-encoded string or a plain object.
type RawSettings string

func (s *RawSettings) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || string(trimmed) == "null":
		*s = ""
	case trimmed[0] == '"':
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		*s = RawSettings(str)
	default:
		*s = RawSettings(trimmed)
	}
	return nil
}

type ReassembleRequest struct {
	FileID       string      `json:"fileId"`
	FileName     string      `json:"fileName"`
	TotalChunks  int         `json:"totalChunks"`
	TotalSize    int64       `json:"totalSize"`
	Settings     RawSettings `json:"settings"`
	CustomDomain string      `json:"customDomain,omitempty"`
}

// DirectRequest is a single-shot upload. FileID is optional; a client that
// sets it can retry the request without committing twice.
type DirectRequest struct {
	FileID       string
	FileName     string
	Data         []byte
	Settings     RawSettings
	CustomDomain string
}

// Coordinator turns staged chunks, or a small direct upload, into a durable
// artifact and its MediaRecord.
type Coordinator struct {
	config     *Config
	staging    *Staging
	sessions   *SessionTracker
	locks      *ownerLocks
	usage      UsageCache
	backend    storage.Backend
	transcoder transcode.Transcoder
	repo       media.Repository
	notifier   Notifier
	metrics    *Metrics
}

func NewCoordinator(config *Config, staging *Staging, sessions *SessionTracker, usage UsageCache, backend storage.Backend, transcoder transcode.Transcoder, repo media.Repository, notifier Notifier, metrics *Metrics) *Coordinator {
	return &Coordinator{
		config:     config,
		staging:    staging,
		sessions:   sessions,
		locks:      newOwnerLocks(),
		usage:      usage,
		backend:    backend,
		transcoder: transcoder,
		repo:       repo,
		notifier:   notifier,
		metrics:    metrics,
	}
}

type commitInput struct {
	ownerID   string
	fileID    string
	fileName  string
	mimeType  string
	blob      []byte
	settings  transcode.Settings
	domain    string
	limits    TierLimits
	usedBytes int64
}

// Reassemble commits a chunked upload. Once the session is acquired every
// exit path removes the staged chunks and finalises the session.
func (c *Coordinator) Reassemble(ctx context.Context, ownerID, tier string, req *ReassembleRequest) (record *media.MediaRecord, err error) {
	start := time.Now()
	defer func() { c.observe(pathChunked, start, record, err) }()

	settings, err := c.validateReassemble(req)
	if err != nil {
		return nil, err
	}

	if err := c.sessions.Acquire(req.FileID, req.FileName, ownerID, req.TotalChunks, req.TotalSize); err != nil {
		return nil, err
	}
	defer func() {
		c.sessions.Finish(req.FileID, err == nil || errors.Is(err, ErrAlreadyCommitted))
		if cleanupErr := c.staging.Remove(req.FileID); cleanupErr != nil {
			log.Error().Err(cleanupErr).Str("fileId", req.FileID).Msg("[UPLOAD] Failed to clean staging")
		}
	}()

	// a blocked type fails the same way whatever the size or tier
	mimeType := MimeType(req.FileName)
	if IsBlocked(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrBlockedType, mimeType)
	}

	_, limits := c.config.Limits(tier)
	if req.TotalSize > limits.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrSizeLimit, req.TotalSize, limits.MaxFileSize)
	}

	unlock := c.locks.Lock(ownerID)
	defer unlock()

	usedBytes, err := c.checkQuota(ctx, ownerID, limits, req.TotalSize)
	if err != nil {
		return nil, err
	}

	blob, err := c.assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	return c.commit(ctx, commitInput{
		ownerID:   ownerID,
		fileID:    req.FileID,
		fileName:  req.FileName,
		mimeType:  mimeType,
		blob:      blob,
		settings:  settings,
		domain:    req.CustomDomain,
		limits:    limits,
		usedBytes: usedBytes,
	})
}

// CommitDirect commits a file sent in one request. It follows the chunked
// commit path minus staging and sessions.
func (c *Coordinator) CommitDirect(ctx context.Context, ownerID, tier string, req *DirectRequest) (record *media.MediaRecord, err error) {
	start := time.Now()
	defer func() { c.observe(pathDirect, start, record, err) }()

	if req.FileName == "" {
		return nil, fmt.Errorf("%w: fileName is required", ErrValidation)
	}
	mimeType := MimeType(req.FileName)
	if IsBlocked(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrBlockedType, mimeType)
	}
	fileID := req.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	} else if !ValidFileID(fileID) {
		return nil, fmt.Errorf("%w: fileId is malformed", ErrValidation)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrValidation)
	}
	if err := c.validateDomain(req.CustomDomain); err != nil {
		return nil, err
	}
	settings, err := parseSettings(req.Settings)
	if err != nil {
		return nil, err
	}

	size := int64(len(req.Data))
	_, limits := c.config.Limits(tier)
	if size > limits.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrSizeLimit, size, limits.MaxFileSize)
	}

	unlock := c.locks.Lock(ownerID)
	defer unlock()

	usedBytes, err := c.checkQuota(ctx, ownerID, limits, size)
	if err != nil {
		return nil, err
	}

	return c.commit(ctx, commitInput{
		ownerID:   ownerID,
		fileID:    fileID,
		fileName:  req.FileName,
		mimeType:  mimeType,
		blob:      req.Data,
		settings:  settings,
		domain:    req.CustomDomain,
		limits:    limits,
		usedBytes: usedBytes,
	})
}

func (c *Coordinator) validateReassemble(req *ReassembleRequest) (transcode.Settings, error) {
	switch {
	case !ValidFileID(req.FileID):
		return transcode.Settings{}, fmt.Errorf("%w: fileId is missing or malformed", ErrValidation)
	case req.FileName == "":
		return transcode.Settings{}, fmt.Errorf("%w: fileName is required", ErrValidation)
	case req.TotalChunks < 1:
		return transcode.Settings{}, fmt.Errorf("%w: totalChunks must be at least 1", ErrValidation)
	case req.TotalSize < 1:
		return transcode.Settings{}, fmt.Errorf("%w: totalSize must be positive", ErrValidation)
	}
	if err := c.validateDomain(req.CustomDomain); err != nil {
		return transcode.Settings{}, err
	}
	return parseSettings(req.Settings)
}

func (c *Coordinator) validateDomain(domain string) error {
	if domain != "" && !c.config.domainAllowed(domain) {
		return fmt.Errorf("%w: custom domain %q is not allowed", ErrValidation, domain)
	}
	return nil
}

func parseSettings(raw RawSettings) (transcode.Settings, error) {
	settings, err := transcode.ParseSettings(string(raw))
	if err != nil {
		return transcode.Settings{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return settings, nil
}

// checkQuota returns the owner's current usage, or ErrQuotaExceeded when
// adding size would pass the tier quota. Unlimited tiers are not checked.
func (c *Coordinator) checkQuota(ctx context.Context, ownerID string, limits TierLimits, size int64) (int64, error) {
	if limits.Unlimited {
		return 0, nil
	}
	used, err := c.usage.Usage(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if used+size > limits.Quota {
		return used, fmt.Errorf("%w: %d used, %d requested, %d allowed", ErrQuotaExceeded, used, size, limits.Quota)
	}
	return used, nil
}

// assemble reads chunks 0..N-1 in order. Nothing is read unless every index
// is staged.
func (c *Coordinator) assemble(ctx context.Context, req *ReassembleRequest) ([]byte, error) {
	staged, err := c.staging.StagedIndices(req.FileID, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	if len(staged) != req.TotalChunks {
		return nil, fmt.Errorf("%w: %d of %d chunks staged, missing %v", ErrMissingChunk, len(staged), req.TotalChunks, missingIndices(staged, req.TotalChunks))
	}

	var buf bytes.Buffer
	buf.Grow(int(min(req.TotalSize, maxPrealloc)))
	for i := 0; i < req.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := c.staging.ReadChunk(req.FileID, i)
		if err != nil {
			return nil, err
		}
		if int64(buf.Len()+len(data)) > req.TotalSize {
			return nil, fmt.Errorf("%w: more than %d bytes staged", ErrSizeMismatch, req.TotalSize)
		}
		buf.Write(data)
	}
	if int64(buf.Len()) != req.TotalSize {
		return nil, fmt.Errorf("%w: assembled %d bytes, declared %d", ErrSizeMismatch, buf.Len(), req.TotalSize)
	}
	return buf.Bytes(), nil
}

func missingIndices(staged []int, total int) []int {
	present := make(map[int]bool, len(staged))
	for _, i := range staged {
		present[i] = true
	}
	var missing []int
	for i := 0; i < total && len(missing) < 10; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// commit runs the shared tail of both paths: archive metadata, transcode,
// blob store, record creation (the commit point), usage write-through and
// notification.
func (c *Coordinator) commit(ctx context.Context, in commitInput) (*media.MediaRecord, error) {
	if _, err := c.repo.GetByID(ctx, in.fileID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCommitted, in.fileID)
	} else if !errors.Is(err, media.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var archive *media.ArchiveInfo
	if isArchive(in.fileName) {
		info, err := InspectArchive(in.fileName, in.blob)
		if err != nil {
			log.Warn().Err(err).Str("fileId", in.fileID).Msg("[UPLOAD] Skipping archive metadata")
		} else {
			archive = info
		}
	}

	result, err := c.transcoder.Transcode(ctx, in.blob, in.mimeType, in.settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	size := int64(len(result.Data))
	if !in.limits.Unlimited && in.usedBytes+size > in.limits.Quota {
		return nil, fmt.Errorf("%w: processed file of %d bytes does not fit", ErrQuotaExceeded, size)
	}

	ext := result.Extension
	if ext == "" {
		ext = Extension(in.fileName)
	}
	now := timeNowFunc()
	objectPath := storage.ObjectPath(in.ownerID, in.fileID, ext, now)

	// an existing object belongs to an earlier commit and is never replaced
	exists, err := c.backend.Exists(ctx, objectPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageBackend, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: object %s already stored", ErrAlreadyCommitted, objectPath)
	}

	if err := c.backend.Put(ctx, objectPath, bytes.NewReader(result.Data), size, result.MimeType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageBackend, err)
	}

	url, err := c.artifactURL(ctx, objectPath, in.fileID, ext, in.domain)
	if err != nil {
		c.deleteBlob(objectPath)
		return nil, fmt.Errorf("%w: %v", ErrStorageBackend, err)
	}

	checksum := blake3.Sum256(result.Data)
	record := &media.MediaRecord{
		ID:          in.fileID,
		OwnerID:     in.ownerID,
		URL:         url,
		Filename:    in.fileName,
		Size:        size,
		Width:       result.Width,
		Height:      result.Height,
		Duration:    result.Duration,
		Type:        result.MimeType,
		Public:      in.settings.Public,
		Domain:      in.domain,
		Archive:     archive,
		Checksum:    hex.EncodeToString(checksum[:]),
		StoragePath: objectPath,
		CreatedAt:   now.UnixMilli(),
	}

	if err := c.repo.Create(ctx, record); err != nil {
		if errors.Is(err, media.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyCommitted, in.fileID)
		}
		c.deleteBlob(objectPath)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	c.usage.Add(ctx, in.ownerID, size)

	log.Info().
		Str("fileId", record.ID).
		Str("ownerId", in.ownerID).
		Int64("size", size).
		Str("type", record.Type).
		Msg("[UPLOAD] Upload committed")

	c.notify(in.ownerID, record)
	return record, nil
}

func (c *Coordinator) artifactURL(ctx context.Context, objectPath, fileID, ext, domain string) (string, error) {
	if domain != "" {
		return fmt.Sprintf("https://%s/%s%s", strings.ToLower(domain), fileID, ext), nil
	}
	return c.backend.URL(ctx, objectPath)
}

func (c *Coordinator) deleteBlob(objectPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.backend.Delete(ctx, objectPath); err != nil {
		log.Error().Err(err).Str("path", objectPath).Msg("[UPLOAD] Failed to delete orphaned blob")
	}
}

func (c *Coordinator) notify(ownerID string, record *media.MediaRecord) {
	if c.notifier == nil {
		return
	}
	payload := Notification{Type: NotificationUploadCommitted, Media: record}
	go func() {
		if err := c.notifier.Notify(ownerID, payload); err != nil {
			log.Warn().Err(err).Str("fileId", record.ID).Msg("[UPLOAD] Failed to send notification")
		}
	}()
}

func (c *Coordinator) observe(path string, start time.Time, record *media.MediaRecord, err error) {
	c.metrics.Commits.WithLabelValues(path, resultLabel(err)).Inc()
	c.metrics.CommitDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if record != nil {
		c.metrics.CommittedBytes.Add(float64(record.Size))
	}
	if err != nil {
		status, _ := StatusFor(err)
		event := log.Warn()
		if status >= 500 {
			event = log.Error()
		}
		event.Err(err).Str("path", path).Msg("[UPLOAD] Commit failed")
	}
}
