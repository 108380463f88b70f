// Package archive provides the read-only, content-addressed key/value view
// over a flashing bundle that pkg/program resolves DataOrFile/StringOrFile
// references against. A bundle is either a ZIP file or a plain directory.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/carthing-tools/flashthing/pkg/flasherr"
)

// Archive is a logical read-only path -> bytes store backed by either a ZIP
// file or a directory tree. Paths are case-sensitive and may be nested.
type Archive interface {
	// Has reports whether path is present in the archive.
	Has(p string) bool
	// ReadFile returns the bytes stored at path. A path ending in ".xz" is
	// transparently decompressed before being returned.
	ReadFile(p string) ([]byte, error)
	// Close releases the underlying reader (ZIP file handle or nothing, for
	// a directory).
	Close() error
}

// Open detects the archive kind from path: a ".zip" file is read as a ZIP
// archive, a directory is read as a directory archive, anything else fails.
func Open(p string) (Archive, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, flasherr.Wrap(flasherr.KindArchiveError, fmt.Errorf("stat %s: %w", p, err))
	}

	switch {
	case info.IsDir():
		return &dirArchive{root: p}, nil
	case strings.EqualFold(filepath.Ext(p), ".zip"):
		r, err := zip.OpenReader(p)
		if err != nil {
			return nil, flasherr.Wrap(flasherr.KindArchiveError, fmt.Errorf("open zip %s: %w", p, err))
		}
		return &zipArchive{r: r}, nil
	default:
		return nil, flasherr.New(flasherr.KindArchiveError, fmt.Sprintf("%s is neither a directory nor a .zip file", p))
	}
}

// resolve rejects any path containing a ".." component, per the path
// traversal guard spec.md §4.D requires, and normalizes it to slash form.
func resolve(p string) (string, error) {
	slashed := filepath.ToSlash(p)
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", flasherr.PathTraversal(p)
		}
	}
	clean := path.Clean(slashed)
	return strings.TrimPrefix(clean, "/"), nil
}

func maybeDecompress(p string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(strings.ToLower(p), ".xz") {
		return data, nil
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, flasherr.Wrap(flasherr.KindArchiveError, fmt.Errorf("%s: not a valid xz stream: %w", p, err))
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, flasherr.Wrap(flasherr.KindArchiveError, fmt.Errorf("%s: xz decompression failed: %w", p, err))
	}
	return out, nil
}

type dirArchive struct {
	root string
}

func (d *dirArchive) Has(p string) bool {
	clean, err := resolve(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(d.root, filepath.FromSlash(clean)))
	return err == nil && !info.IsDir()
}

func (d *dirArchive) ReadFile(p string) ([]byte, error) {
	clean, err := resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(clean)))
	if err != nil {
		return nil, flasherr.Wrap(flasherr.KindArchiveError, fmt.Errorf("read %s: %w", p, err))
	}
	return maybeDecompress(clean, data)
}

func (d *dirArchive) Close() error { return nil }

type zipArchive struct {
	r *zip.ReadCloser
}

func (z *zipArchive) find(p string) *zip.File {
	for _, f := range z.r.File {
		if f.Name == p {
			return f
		}
	}
	return nil
}

func (z *zipArchive) Has(p string) bool {
	clean, err := resolve(p)
	if err != nil {
		return false
	}
	return z.find(clean) != nil
}

func (z *zipArchive) ReadFile(p string) ([]byte, error) {
	clean, err := resolve(p)
	if err != nil {
		return nil, err
	}
	f := z.find(clean)
	if f == nil {
		return nil, flasherr.New(flasherr.KindArchiveError, fmt.Sprintf("%s not found in archive", p))
	}
	rc, err := f.Open()
	if err != nil {
		return nil, flasherr.Wrap(flasherr.KindArchiveError, fmt.Errorf("open %s: %w", p, err))
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, flasherr.Wrap(flasherr.KindArchiveError, fmt.Errorf("read %s: %w", p, err))
	}
	return maybeDecompress(clean, data)
}

func (z *zipArchive) Close() error { return z.r.Close() }
