package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"hogrider/p2p-share/pkg/protocol"
)

// FileID derives the file identifier from name and size. Content is not hashed,
// so two different files with the same name and size collide.
func FileID(name string, size int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", name, size)))
	return hex.EncodeToString(sum[:])
}

// ChunkCount returns ceil(size / ChunkSize).
func ChunkCount(size int64) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size + protocol.ChunkSize - 1) / protocol.ChunkSize)
}

// Describe stats the file at path and builds its FileInfo.
func Describe(path string) (protocol.FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return protocol.FileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.IsDir() {
		return protocol.FileInfo{}, fmt.Errorf("%w: %s is a directory", protocol.ErrValidation, path)
	}
	if st.Size() == 0 {
		return protocol.FileInfo{}, fmt.Errorf("%w: %s is empty, nothing to share", protocol.ErrValidation, path)
	}
	name := filepath.Base(path)
	return protocol.FileInfo{
		Hash:       FileID(name, st.Size()),
		Name:       name,
		Size:       st.Size(),
		ChunkCount: ChunkCount(st.Size()),
	}, nil
}

// ReadChunk opens path, seeks to index*ChunkSize and reads up to ChunkSize
// bytes. The final chunk of a file is a short read.
func ReadChunk(path string, index uint32) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	buf := make([]byte, protocol.ChunkSize)
	n, err := file.ReadAt(buf, int64(index)*protocol.ChunkSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d of %s: %w", index, path, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("chunk %d is past the end of %s", index, path)
	}
	return buf[:n], nil
}

// Reassemble concatenates chunks in index order and truncates to size bytes.
func Reassemble(chunks [][]byte, size int64) ([]byte, error) {
	out := make([]byte, 0, size)
	for i, c := range chunks {
		if c == nil {
			return nil, fmt.Errorf("chunk %d missing", i)
		}
		out = append(out, c...)
	}
	if int64(len(out)) < size {
		return nil, fmt.Errorf("reassembled %d bytes, want %d", len(out), size)
	}
	return out[:size], nil
}

// WriteFile persists data as dir/name, creating dir if needed. The data is
// written to a temporary file first and renamed into place.
func WriteFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create download dir %s: %w", dir, err)
	}
	finalPath := filepath.Join(dir, filepath.Base(name))

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", finalPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", finalPath, err)
	}
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename into %s: %w", finalPath, err)
	}
	return finalPath, nil
}
