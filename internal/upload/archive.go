package upload

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/prappser/prappser_ingest/internal/media"
)

const maxArchiveEntries = 1000

var errNotArchive = errors.New("not an archive")

// isArchive reports whether the name indicates a container we can inspect.
func isArchive(name string) bool {
	switch Extension(name) {
	case ".zip", ".tar", ".tar.gz", ".tgz", ".tar.zst", ".tzst":
		return true
	}
	return false
}

// InspectArchive lists the structure of a zip or tar container held in memory.
// Only the first maxArchiveEntries entries are recorded; counts and sizes
// cover the whole archive.
func InspectArchive(name string, blob []byte) (*media.ArchiveInfo, error) {
	switch Extension(name) {
	case ".zip":
		return inspectZip(blob)
	case ".tar":
		return inspectTar("tar", bytes.NewReader(blob))
	case ".tar.gz", ".tgz":
		gz, err := gzip.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		return inspectTar("tar.gz", gz)
	case ".tar.zst", ".tzst":
		dec, err := zstd.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer dec.Close()
		return inspectTar("tar.zst", dec)
	default:
		return nil, errNotArchive
	}
}

func inspectZip(blob []byte) (*media.ArchiveInfo, error) {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("failed to read zip directory: %w", err)
	}

	info := &media.ArchiveInfo{Format: "zip"}
	for _, f := range zr.File {
		isDir := f.FileInfo().IsDir()
		addEntry(info, f.Name, int64(f.UncompressedSize64), isDir)
	}
	return info, nil
}

func inspectTar(format string, r io.Reader) (*media.ArchiveInfo, error) {
	tr := tar.NewReader(r)
	info := &media.ArchiveInfo{Format: format}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			addEntry(info, hdr.Name, 0, true)
		case tar.TypeReg:
			addEntry(info, hdr.Name, hdr.Size, false)
		}
	}
	return info, nil
}

func addEntry(info *media.ArchiveInfo, name string, size int64, isDir bool) {
	info.EntryCount++
	if isDir {
		info.DirCount++
	} else {
		info.FileCount++
		info.UncompressedSize += size
	}
	if len(info.Entries) >= maxArchiveEntries {
		info.Truncated = true
		return
	}
	info.Entries = append(info.Entries, media.ArchiveEntry{Name: name, Size: size, IsDir: isDir})
}
