package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const chunkSuffix = ".part"

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// writeChunkData is swapped in tests to simulate a short write.
var writeChunkData = func(f *os.File, data []byte) (int, error) {
	return f.Write(data)
}

// Staging keeps chunks on local disk as <dir>/<fileId>/<index>.part. The
// files themselves are the record of which chunks exist.
type Staging struct {
	dir string
}

func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Staging{dir: dir}, nil
}

func ValidFileID(fileID string) bool {
	return fileIDPattern.MatchString(fileID)
}

func (s *Staging) fileDir(fileID string) string {
	return filepath.Join(s.dir, fileID)
}

func (s *Staging) chunkPath(fileID string, index int) string {
	return filepath.Join(s.fileDir(fileID), strconv.Itoa(index)+chunkSuffix)
}

// WriteChunk stores data for (fileID, index), replacing any earlier bytes for
// that index. The write lands in a temp file that is size-checked before it
// is renamed over the chunk.
func (s *Staging) WriteChunk(ctx context.Context, fileID string, index int, data []byte) error {
	dir := s.fileDir(fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%d-*", index))
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := writeChunkData(tmp, data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write chunk %d: %v", index, firstErr(writeErr, closeErr))
	}

	stat, err := os.Stat(tmpName)
	if err != nil || stat.Size() != int64(len(data)) {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chunk %d of %s", ErrWriteVerification, index, fileID)
	}

	if err := ctx.Err(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, s.chunkPath(fileID, index)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move chunk into place: %w", err)
	}
	return nil
}

// StagedIndices rescans the staging directory and returns the sorted chunk
// indices present below totalChunks.
func (s *Staging) StagedIndices(fileID string, totalChunks int) ([]int, error) {
	entries, err := os.ReadDir(s.fileDir(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan staging for %s: %w", fileID, err)
	}

	indices := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(name, chunkSuffix))
		if err != nil || index < 0 || index >= totalChunks {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

func (s *Staging) ReadChunk(fileID string, index int) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(fileID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: chunk %d of %s", ErrMissingChunk, index, fileID)
		}
		return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	return data, nil
}

func (s *Staging) Remove(fileID string) error {
	if err := os.RemoveAll(s.fileDir(fileID)); err != nil {
		return fmt.Errorf("failed to remove staged chunks for %s: %w", fileID, err)
	}
	return nil
}

// RemoveIdle deletes every staged upload whose newest chunk is older than
// ttl, except those for which keep returns true. Returns the fileIds removed.
func (s *Staging) RemoveIdle(ttl time.Duration, now time.Time, keep func(fileID string) bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan staging directory: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fileID := entry.Name()
		if keep != nil && keep(fileID) {
			continue
		}
		lastWrite, err := s.lastWrite(fileID)
		if err != nil {
			continue
		}
		if now.Sub(lastWrite) <= ttl {
			continue
		}
		if err := s.Remove(fileID); err != nil {
			return removed, err
		}
		removed = append(removed, fileID)
	}
	return removed, nil
}

func (s *Staging) lastWrite(fileID string) (time.Time, error) {
	dir := s.fileDir(fileID)
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	latest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, entry := range entries {
		entryInfo, err := entry.Info()
		if err != nil {
			continue
		}
		if entryInfo.ModTime().After(latest) {
			latest = entryInfo.ModTime()
		}
	}
	return latest, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
