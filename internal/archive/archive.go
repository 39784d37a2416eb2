// Package archive converts gzip-compressed tar archives to and from resource
// sets.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/seantiz/isoreg/internal/model"
)

// Size limits applied while reading an archive.
const (
	MaxEntrySize = 16 << 20
	MaxTotalSize = 64 << 20
)

// ErrInvalidArchive matches every error caused by archive content.
var ErrInvalidArchive = errors.New("invalid archive")

// IsGzip reports whether data starts with the gzip magic bytes.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// ReadResourceSet reads a tar.gz stream into a resource set. Regular files
// become entries in archive order; directories are skipped. Entries that
// would escape the archive root are rejected.
func ReadResourceSet(r io.Reader) (model.ResourceSet, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open gzip: %v", ErrInvalidArchive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var (
		set   model.ResourceSet
		total int64
	)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read tar entry: %v", ErrInvalidArchive, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			return nil, fmt.Errorf("%w: entry %q has unsupported type %q", ErrInvalidArchive, hdr.Name, hdr.Typeflag)
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if hdr.Size > MaxEntrySize {
			return nil, fmt.Errorf("%w: entry %q exceeds %d bytes", ErrInvalidArchive, name, MaxEntrySize)
		}
		total += hdr.Size
		if total > MaxTotalSize {
			return nil, fmt.Errorf("%w: archive exceeds %d bytes", ErrInvalidArchive, MaxTotalSize)
		}

		content, err := io.ReadAll(io.LimitReader(tr, MaxEntrySize))
		if err != nil {
			return nil, fmt.Errorf("%w: read %q: %v", ErrInvalidArchive, name, err)
		}
		set = append(set, model.ResourceEntry{Name: name, Content: content})
	}

	return set, nil
}

// entryName validates an archive path and returns it relative to the root.
func entryName(raw string) (string, error) {
	name := path.Clean(strings.TrimPrefix(raw, "./"))
	if name == "." || name == "" || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: entry %q escapes archive root", ErrInvalidArchive, raw)
	}
	return name, nil
}

// Write encodes set as a tar.gz stream.
func Write(w io.Writer, set model.ResourceSet) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, e := range set {
		hdr := &tar.Header{
			Name:     e.Name,
			Mode:     0o644,
			Size:     int64(len(e.Content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %q: %w", e.Name, err)
		}
		if _, err := tw.Write(e.Content); err != nil {
			return fmt.Errorf("write %q: %w", e.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}
