// Package disk implements tyler.FileStore on the local filesystem with a
// sharded directory layout, size and MIME-type validation, and orphan
// cleanup.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tyler-ai/tyler"
)

// DefaultMaxFileSize caps single files at 50 MiB.
const DefaultMaxFileSize = 50 * 1024 * 1024

// defaultAllowedTypes lists the MIME types accepted out of the box:
// common document, image, and archive formats.
var defaultAllowedTypes = map[string]bool{
	// Documents
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain":       true,
	"text/csv":         true,
	"application/json": true,
	// Images
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
	// Archives
	"application/zip":   true,
	"application/x-tar": true,
	"application/gzip":  true,
}

// StoreOption configures a disk Store.
type StoreOption func(*Store)

// WithMaxFileSize sets the per-file size limit in bytes.
func WithMaxFileSize(n int64) StoreOption {
	return func(s *Store) { s.maxFileSize = n }
}

// WithMaxStorageSize caps the total bytes stored. Zero means unlimited.
func WithMaxStorageSize(n int64) StoreOption {
	return func(s *Store) { s.maxStorageSize = n }
}

// WithAllowedTypes replaces the MIME allow-list.
func WithAllowedTypes(types ...string) StoreOption {
	return func(s *Store) {
		s.allowedTypes = make(map[string]bool, len(types))
		for _, t := range types {
			s.allowedTypes[t] = true
		}
	}
}

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements tyler.FileStore under a base directory. Files are
// sharded as <base>/<id[:2]>/<id[2:]> so no single directory grows
// unbounded.
type Store struct {
	basePath       string
	maxFileSize    int64
	maxStorageSize int64
	allowedTypes   map[string]bool
	logger         *slog.Logger
}

var _ tyler.FileStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store rooted at basePath and ensures the directory
// exists. An empty basePath falls back to TYLER_FILE_STORAGE_PATH, then
// to ~/.tyler/files.
func New(basePath string, opts ...StoreOption) (*Store, error) {
	if basePath == "" {
		basePath = os.Getenv("TYLER_FILE_STORAGE_PATH")
	}
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("disk: resolve home dir: %w", err)
		}
		basePath = filepath.Join(home, ".tyler", "files")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create base dir: %w", err)
	}

	s := &Store{
		basePath:     abs,
		maxFileSize:  DefaultMaxFileSize,
		allowedTypes: defaultAllowedTypes,
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("disk: store opened", "path", abs)
	return s, nil
}

// BasePath returns the resolved storage root.
func (s *Store) BasePath() string { return s.basePath }

// Save validates content against the size and MIME limits and writes it
// under a sharded path. An empty mimeType is detected from the filename
// extension, then from the content itself.
func (s *Store) Save(ctx context.Context, content []byte, filename, mimeType string) (*tyler.FileMetadata, error) {
	start := time.Now()
	mimeType, err := s.validate(content, filename, mimeType)
	if err != nil {
		s.logger.Error("disk: save rejected", "filename", filename, "error", err)
		return nil, err
	}

	if s.maxStorageSize > 0 {
		used, err := s.storageSize()
		if err != nil {
			return nil, fmt.Errorf("disk: measure storage: %w", err)
		}
		if used+int64(len(content)) > s.maxStorageSize {
			return nil, fmt.Errorf("disk: %d bytes used, %d needed, %d maximum: %w",
				used, len(content), s.maxStorageSize, tyler.ErrStorageFull)
		}
	}

	id := tyler.NewID()
	rel := filepath.Join(id[:2], id[2:])
	path := filepath.Join(s.basePath, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("disk: create shard dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("disk: write file: %w", err)
	}

	meta := &tyler.FileMetadata{
		ID:             id,
		Filename:       norm.NFC.String(filename),
		MimeType:       mimeType,
		StoragePath:    filepath.ToSlash(rel),
		StorageBackend: "local",
		Size:           int64(len(content)),
		CreatedAt:      tyler.NowUTC(),
	}
	s.logger.Debug("disk: save ok", "id", id, "filename", meta.Filename, "size", meta.Size, "duration", time.Since(start))
	return meta, nil
}

// Get returns the stored bytes for a file id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	path, err := s.filePath(id)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("disk: file %s: %w", id, tyler.ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read file %s: %w", id, err)
	}
	return content, nil
}

// Delete removes a stored file and prunes its shard directory when empty.
func (s *Store) Delete(ctx context.Context, id string) error {
	path, err := s.filePath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("disk: file %s: %w", id, tyler.ErrFileNotFound)
		}
		return fmt.Errorf("disk: delete file %s: %w", id, err)
	}
	// Shard dir removal fails while other files remain; that is fine.
	_ = os.Remove(filepath.Dir(path))
	s.logger.Debug("disk: delete ok", "id", id)
	return nil
}

// ListFiles returns the ids of all stored files, reconstructed from the
// sharded layout.
func (s *Store) ListFiles(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ids = append(ids, filepath.Base(filepath.Dir(path))+d.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list files: %w", err)
	}
	return ids, nil
}

// BatchSave stores files in order and stops at the first error; files
// saved earlier in the batch stay stored and CleanupOrphaned reclaims
// them if the caller gives up.
func (s *Store) BatchSave(ctx context.Context, files []tyler.FileInput) ([]*tyler.FileMetadata, error) {
	out := make([]*tyler.FileMetadata, 0, len(files))
	for _, in := range files {
		meta, err := s.Save(ctx, in.Content, in.Filename, in.MimeType)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// BatchDelete removes all given files, collecting errors rather than
// stopping at the first one.
func (s *Store) BatchDelete(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanupOrphaned deletes stored files whose id is not in live. Returns
// the number of files removed.
func (s *Store) CleanupOrphaned(ctx context.Context, live map[string]bool) (int, error) {
	start := time.Now()
	ids, err := s.ListFiles(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	var errs []error
	for _, id := range ids {
		if live[id] {
			continue
		}
		if err := s.Delete(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	s.logger.Debug("disk: cleanup ok", "deleted", deleted, "errors", len(errs), "duration", time.Since(start))
	return deleted, errors.Join(errs...)
}

// CheckHealth walks the store and reports file count and total size.
func (s *Store) CheckHealth(ctx context.Context) (tyler.StoreHealth, error) {
	var health tyler.StoreHealth
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		health.Files++
		health.TotalSize += info.Size()
		return nil
	})
	if err != nil {
		return tyler.StoreHealth{Healthy: false}, fmt.Errorf("disk: health check: %w", err)
	}
	health.Healthy = true
	return health, nil
}

// --- internal helpers ---

// validate enforces the size limit and resolves the effective MIME type.
func (s *Store) validate(content []byte, filename, mimeType string) (string, error) {
	if int64(len(content)) > s.maxFileSize {
		return "", fmt.Errorf("disk: %d bytes, maximum %d: %w", len(content), s.maxFileSize, tyler.ErrFileTooLarge)
	}
	if mimeType == "" {
		mimeType = DetectMimeType(content, filename)
	}
	if !s.allowedTypes[mimeType] {
		return "", fmt.Errorf("disk: %s: %w", mimeType, tyler.ErrUnsupportedFileType)
	}
	return mimeType, nil
}

// extTypes covers allow-listed extensions missing from the mime package's
// builtin table (which has no .txt, .csv, .zip, .tar, .gz, or .docx).
var extTypes = map[string]string{
	".txt":  "text/plain",
	".csv":  "text/csv",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// DetectMimeType resolves a MIME type from the filename extension first,
// then by sniffing the content. Parameters like "; charset=utf-8" are
// stripped.
func DetectMimeType(content []byte, filename string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if t, ok := extTypes[ext]; ok {
			return t
		}
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			if mt, _, err := mime.ParseMediaType(byExt); err == nil {
				return mt
			}
		}
	}
	sniffed := http.DetectContentType(content)
	if mt, _, err := mime.ParseMediaType(sniffed); err == nil {
		return mt
	}
	return sniffed
}

// filePath maps a file id onto its sharded path, rejecting ids that
// could escape the base directory.
func (s *Store) filePath(id string) (string, error) {
	if !validFileID(id) {
		return "", fmt.Errorf("disk: file %s: %w", id, tyler.ErrFileNotFound)
	}
	return filepath.Join(s.basePath, id[:2], id[2:]), nil
}

// validFileID accepts ids made of letters, digits, and dashes, at least
// three characters long. Anything else (path separators, dots) is rejected.
func validFileID(id string) bool {
	if len(id) < 3 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

// storageSize sums the sizes of all stored files.
func (s *Store) storageSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
