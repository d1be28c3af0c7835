package backend

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"daysync/internal/daysync"
)

const valueExt = ".val"

// FileSystemBackend stores each key as one file under a directory:
//
//	<root>/
//	  <escaped key>.val
//
// Writes go through a temp file and a rename, so concurrent readers in other
// processes never observe a partial value.
type FileSystemBackend struct {
	name string
	root string
}

// NewFileSystemBackend creates a filesystem backend rooted at the given path.
func NewFileSystemBackend(name, root string) (*FileSystemBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileSystemBackend{name: name, root: root}, nil
}

func (b *FileSystemBackend) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." {
		return "", fmt.Errorf("invalid key: %q", key)
	}
	return filepath.Join(b.root, url.PathEscape(key)+valueExt), nil
}

// Get reads the value stored under key.
func (b *FileSystemBackend) Get(key string) ([]byte, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", daysync.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read value: %w", err)
	}
	return data, nil
}

// Put writes value under key atomically.
func (b *FileSystemBackend) Put(key string, value []byte) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := b.writeFile(p, value); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %w", daysync.ErrQuotaExceeded, err)
		}
		return err
	}
	return nil
}

// Delete removes the file for key if present.
func (b *FileSystemBackend) Delete(key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

// Keys lists stored keys in lexical order.
func (b *FileSystemBackend) Keys() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, valueExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, valueExt))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ValidateSetup verifies that the storage directory is accessible.
func (b *FileSystemBackend) ValidateSetup() error {
	info, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("storage root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root is not a directory: %s", b.root)
	}
	return nil
}

func (b *FileSystemBackend) Close() error {
	return nil
}

// writeFile writes data to the specified path using atomic write (temp file + rename).
func (b *FileSystemBackend) writeFile(destPath string, data []byte) error {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(b.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemBackend implements daysync.Backend interface
var _ daysync.Backend = (*FileSystemBackend)(nil)
