package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prappser/prappser_ingest/internal/media"
	"github.com/rs/zerolog/log"
)

type UsageReport struct {
	Tier         string `json:"tier"`
	UsedBytes    int64  `json:"usedBytes"`
	QuotaBytes   int64  `json:"quotaBytes"`
	MaxFileBytes int64  `json:"maxFileBytes"`
	Unlimited    bool   `json:"unlimited"`
}

// Usage reports the owner's usage. The read-through fill holds the owner lock
// so it cannot overwrite an increment made by a concurrent commit.
func (c *Coordinator) Usage(ctx context.Context, ownerID, tier string) (*UsageReport, error) {
	tierName, limits := c.config.Limits(tier)
	unlock := c.locks.Lock(ownerID)
	used, err := c.usage.Usage(ctx, ownerID)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	report := &UsageReport{
		Tier:         tierName,
		UsedBytes:    used,
		MaxFileBytes: limits.MaxFileSize,
		Unlimited:    limits.Unlimited,
	}
	if !limits.Unlimited {
		report.QuotaBytes = limits.Quota
	}
	return report, nil
}

// Media returns a record visible to ownerID. Public records are visible to
// everyone, including anonymous callers (empty ownerID).
func (c *Coordinator) Media(ctx context.Context, ownerID, id string) (*media.MediaRecord, error) {
	record, err := c.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return nil, fmt.Errorf("%w: media %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !record.Public && record.OwnerID != ownerID {
		// private records are indistinguishable from missing ones
		return nil, fmt.Errorf("%w: media %s", ErrNotFound, id)
	}
	return record, nil
}

func (c *Coordinator) OpenContent(ctx context.Context, ownerID, id string) (io.ReadCloser, *media.MediaRecord, error) {
	record, err := c.Media(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	reader, err := c.backend.Get(ctx, record.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageBackend, err)
	}
	return reader, record, nil
}

// DeleteMedia removes the record then the blob, and drops the owner's cached
// usage so the next quota check re-aggregates.
func (c *Coordinator) DeleteMedia(ctx context.Context, ownerID, id string) error {
	record, err := c.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return fmt.Errorf("%w: media %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if record.OwnerID != ownerID {
		return fmt.Errorf("%w: media %s belongs to another owner", ErrForbidden, id)
	}

	unlock := c.locks.Lock(ownerID)
	defer unlock()

	if err := c.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return fmt.Errorf("%w: media %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := c.backend.Delete(ctx, record.StoragePath); err != nil {
		log.Error().Err(err).Str("mediaId", id).Msg("[UPLOAD] Failed to delete blob")
	}
	c.usage.Forget(ctx, ownerID)

	log.Info().Str("mediaId", id).Str("ownerId", ownerID).Msg("[UPLOAD] Media deleted")
	return nil
}

// SessionStatus returns the tracked session for fileID if ownerID staged it.
func (c *Coordinator) SessionStatus(ownerID, fileID string) (*Session, error) {
	session, ok := c.sessions.Get(fileID)
	if !ok || session.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: upload %s", ErrNotFound, fileID)
	}
	return &session, nil
}
