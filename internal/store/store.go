// Package store implements content-addressed persistence for uploaded images.
//
// Uploads are named by the MD5 hex digest of their bytes plus the original
// file extension, so byte-identical uploads map to the same file and are
// written exactly once. MD5 here is a dedup key, not a security boundary.
package store

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedMediaType indicates an upload whose extension is not in the
// allow-list. This is a type-confusion guard, not a content check; bytes
// that do not actually decode as the claimed type fail later at inference.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// allowedExtensions is the upload allow-list.
var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Fingerprint computes the content-addressed name for an upload: MD5 hex of
// the content plus the lowercased original extension. The same bytes and
// extension always produce the same name.
func Fingerprint(content []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMediaType, ext)
	}

	sum := md5.Sum(content)
	return fmt.Sprintf("%x%s", sum, ext), nil
}

// Allowed reports whether a filename passes the extension allow-list.
func Allowed(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Store manages a directory of content-addressed image files.
type Store struct {
	dir string
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put fingerprints the content and writes it if no file with that name exists
// yet. Returns the content-addressed name and whether a new file was created.
// Re-uploading identical content is a no-op success (the hash is trusted; no
// existence-content verification).
func (s *Store) Put(content []byte, filename string) (string, bool, error) {
	name, err := Fingerprint(content, filename)
	if err != nil {
		return "", false, err
	}

	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return name, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	// Write to a temp file in the same directory, then rename, so a crash
	// mid-write never leaves a partial file under the final name.
	tmp, err := os.CreateTemp(s.dir, "upload-*")
	if err != nil {
		return "", false, fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", false, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", false, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", false, fmt.Errorf("failed to finalize upload: %w", err)
	}

	return name, true, nil
}

// Path returns the absolute path for a stored name. It does not check
// existence.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Open opens a stored file for reading. A missing file is a normal error
// value for the caller to handle (the job fails, the worker keeps running).
func (s *Store) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open stored image %s: %w", name, err)
	}
	return f, nil
}
