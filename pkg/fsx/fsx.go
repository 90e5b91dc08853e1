// Package fsx provides filesystem primitives shared across the engine:
// atomic file replacement and content-addressed hashing. Every component
// that persists or fingerprints file content goes through this package so
// the hash algorithm stays fixed in exactly one place.
package fsx

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// HashBytes returns the lowercase hex SHA-256 digest of b. This is the
// content hash recorded in the ledger; changing it breaks ledger
// compatibility, so it is deliberately not configurable.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the content hash of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open file for hashing")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "failed to hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteFileAtomic writes content to path via a temp file in the same
// directory followed by a rename, so a crash never leaves a half-written
// file at path.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.Wrap(err, "failed to create parent directory")
	}

	tmp, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "failed to rename temp file")
	}
	cleanup = false

	if dir, err := os.Open(parent); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// CopyFile copies src to dst verbatim, creating parent directories and
// preserving the source file mode.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrap(err, "failed to stat source file")
	}
	content, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrap(err, "failed to read source file")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "failed to create destination directory")
	}
	return errors.Wrap(os.WriteFile(dst, content, info.Mode().Perm()), "failed to write destination file")
}
