package media

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("media not found")
	ErrDuplicate = errors.New("media already exists")
)

// MediaRecord is a committed upload. Its id is the upload's fileId and it is
// created exactly once.
type MediaRecord struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"-"`
	URL         string       `json:"url"`
	Filename    string       `json:"filename"`
	Size        int64        `json:"size"`
	Width       *int         `json:"width"`
	Height      *int         `json:"height"`
	Duration    *float64     `json:"duration"`
	Type        string       `json:"type"`
	Public      bool         `json:"public"`
	Domain      string       `json:"domain,omitempty"`
	Archive     *ArchiveInfo `json:"archive,omitempty"`
	Checksum    string       `json:"checksum"`
	StoragePath string       `json:"-"`
	CreatedAt   int64        `json:"createdAt"`
}

// ArchiveInfo is the structural summary recorded for zip and tar uploads.
type ArchiveInfo struct {
	Format           string         `json:"format"`
	EntryCount       int            `json:"entryCount"`
	FileCount        int            `json:"fileCount"`
	DirCount         int            `json:"dirCount"`
	UncompressedSize int64          `json:"uncompressedSize"`
	Truncated        bool           `json:"truncated"`
	Entries          []ArchiveEntry `json:"entries"`
}

type ArchiveEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

type Repository interface {
	Create(ctx context.Context, record *MediaRecord) error
	GetByID(ctx context.Context, id string) (*MediaRecord, error)
	Delete(ctx context.Context, id string) error
	// AggregateUsage sums the stored size of every record owned by ownerID.
	AggregateUsage(ctx context.Context, ownerID string) (int64, error)
}
