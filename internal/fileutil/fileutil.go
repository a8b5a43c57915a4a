// Package fileutil holds the verified copy and streaming write helpers used
// when acquiring source audio.
package fileutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Digest describes the bytes written to a destination file.
type Digest struct {
	Bytes  int64
	SHA256 string
}

// CopyFileVerified streams src to dst with SHA256 + size integrity
// verification. Removes dst on mismatch.
func CopyFileVerified(src, dst string) (Digest, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return Digest{}, fmt.Errorf("stat source: %w", err)
	}
	if !srcInfo.Mode().IsRegular() {
		return Digest{}, fmt.Errorf("source %s is not a regular file", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return Digest{}, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return Digest{}, err
	}
	defer func() {
		_ = out.Close()
	}()

	srcHasher := sha256.New()
	dstHasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, dstHasher), io.TeeReader(in, srcHasher))
	if err != nil {
		_ = os.Remove(dst)
		return Digest{}, err
	}
	if err := out.Close(); err != nil {
		return Digest{}, err
	}

	if written != srcInfo.Size() {
		_ = os.Remove(dst)
		return Digest{}, fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcInfo.Size(), written)
	}
	if !bytes.Equal(srcHasher.Sum(nil), dstHasher.Sum(nil)) {
		_ = os.Remove(dst)
		return Digest{}, fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}
	return Digest{Bytes: written, SHA256: hex.EncodeToString(dstHasher.Sum(nil))}, nil
}

// WriteStream copies r into dst through a temporary sibling file so readers
// never observe a partial download. expected < 0 skips the length check.
func WriteStream(dst string, r io.Reader, expected int64) (Digest, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Digest{}, fmt.Errorf("create destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return Digest{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		cleanup()
		return Digest{}, fmt.Errorf("write stream: %w", err)
	}
	if expected >= 0 && written != expected {
		cleanup()
		return Digest{}, fmt.Errorf("stream size mismatch: expected %d bytes, received %d bytes", expected, written)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Digest{}, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return Digest{}, fmt.Errorf("move into place: %w", err)
	}
	return Digest{Bytes: written, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// HashFile returns the size and SHA256 of an existing file.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Bytes: n, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}
