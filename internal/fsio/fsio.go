// Package fsio is the FileSystem collaborator: UTF-8 text file access under
// a known memory root with atomic writes (write-temp-then-rename).
package fsio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem reads and writes text files under a root directory.
type FileSystem interface {
	// ReadFile returns the file contents. Missing files return an error
	// satisfying os.IsNotExist.
	ReadFile(path string) (string, error)

	// WriteFile atomically replaces the file contents.
	WriteFile(path string, content string) error

	// Remove deletes the file. Missing files return an error satisfying
	// os.IsNotExist.
	Remove(path string) error

	// Exists reports whether the path exists.
	Exists(path string) bool

	// Root returns the root directory all paths are resolved against.
	Root() string
}

// OSFileSystem is the production FileSystem backed by the os package.
type OSFileSystem struct {
	root string
}

// NewOSFileSystem creates a FileSystem rooted at root.
func NewOSFileSystem(root string) (*OSFileSystem, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	return &OSFileSystem{root: abs}, nil
}

// Root returns the root directory.
func (f *OSFileSystem) Root() string {
	return f.root
}

// resolve joins path to the root and rejects escapes.
func (f *OSFileSystem) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		if !strings.HasPrefix(filepath.Clean(path), f.root) {
			return "", fmt.Errorf("path %s escapes root %s", path, f.root)
		}
		return filepath.Clean(path), nil
	}
	full := filepath.Clean(filepath.Join(f.root, path))
	if !strings.HasPrefix(full, f.root) {
		return "", fmt.Errorf("path %s escapes root %s", path, f.root)
	}
	return full, nil
}

// ReadFile returns the file contents.
func (f *OSFileSystem) ReadFile(path string) (string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile atomically replaces the file contents via temp-then-rename.
func (f *OSFileSystem) WriteFile(path string, content string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Remove deletes the file under the root.
func (f *OSFileSystem) Remove(path string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

// Exists reports whether the path exists under the root.
func (f *OSFileSystem) Exists(path string) bool {
	full, err := f.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// HashContent returns the hex SHA-256 of content, the file hash format used
// for commit preconditions.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
