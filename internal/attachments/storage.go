// ABOUTME: Attachment storage boundary and an on-disk implementation
// ABOUTME: Put returns a URL handle; size limits are enforced while copying

package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// ErrTooLarge is returned when an upload exceeds the size limit.
var ErrTooLarge = errors.New("attachment too large")

// Storage persists attachment bytes.
type Storage interface {
	// Put stores r and returns an opaque handle (a URL path for LocalStorage).
	Put(ctx context.Context, r io.Reader, name, mimeType string) (handle string, size int64, err error)
}

// LocalStorage writes attachments under a directory.
type LocalStorage struct {
	dir       string
	urlPrefix string
	maxSize   int64
	logger    *slog.Logger
}

// NewLocalStorage creates the directory if needed.
func NewLocalStorage(dir, urlPrefix string, maxSize int64) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating attachment directory: %w", err)
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &LocalStorage{
		dir:       dir,
		urlPrefix: urlPrefix,
		maxSize:   maxSize,
		logger:    slog.Default().With("component", "attachments"),
	}, nil
}

// MaxSize returns the per-file limit in bytes.
func (s *LocalStorage) MaxSize() int64 { return s.maxSize }

// Put writes r to a new file named by a random ID plus the declared
// extension. Partial files are removed on error.
func (s *LocalStorage) Put(ctx context.Context, r io.Reader, name, mimeType string) (string, int64, error) {
	id := uuid.New().String() + storedExt(name, mimeType)
	path := filepath.Join(s.dir, id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("creating attachment file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		os.Remove(path)
		return "", 0, fmt.Errorf("writing attachment: %w", err)
	case closeErr != nil:
		os.Remove(path)
		return "", 0, fmt.Errorf("closing attachment: %w", closeErr)
	case n > s.maxSize:
		os.Remove(path)
		return "", 0, fmt.Errorf("%w: limit is %s", ErrTooLarge, humanize.Bytes(uint64(s.maxSize)))
	case ctx.Err() != nil:
		os.Remove(path)
		return "", 0, ctx.Err()
	}

	s.logger.Debug("stored attachment", "id", id, "name", name, "size", humanize.Bytes(uint64(n)))
	return s.urlPrefix + id, n, nil
}

// Handler serves stored files under the URL prefix.
func (s *LocalStorage) Handler() http.Handler {
	return http.StripPrefix(s.urlPrefix, http.FileServer(http.Dir(s.dir)))
}

// URLPrefix returns the path prefix handles start with.
func (s *LocalStorage) URLPrefix() string { return s.urlPrefix }

// storedExt picks a safe extension from the declared name, falling back to
// the MIME type.
func storedExt(name, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if ext != "" && len(ext) <= 10 && isAlnumExt(ext[1:]) {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func isAlnumExt(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
