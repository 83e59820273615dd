package storage

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"hogrider/p2p-share/pkg/protocol"
)

func writeRandom(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestChunkCount(t *testing.T) {
	require.Equal(t, uint32(0), ChunkCount(0))
	require.Equal(t, uint32(1), ChunkCount(1))
	require.Equal(t, uint32(1), ChunkCount(protocol.ChunkSize))
	require.Equal(t, uint32(2), ChunkCount(protocol.ChunkSize+1))
	require.Equal(t, uint32(3), ChunkCount(protocol.ChunkSize*5/2))
}

func TestFileIDDependsOnNameAndSizeOnly(t *testing.T) {
	require.Equal(t, FileID("a.txt", 10), FileID("a.txt", 10))
	require.NotEqual(t, FileID("a.txt", 10), FileID("a.txt", 11))
	require.NotEqual(t, FileID("a.txt", 10), FileID("b.txt", 10))
	require.Len(t, FileID("a.txt", 10), 64)
}

func TestDescribe(t *testing.T) {
	path, _ := writeRandom(t, protocol.ChunkSize*5/2)
	info, err := Describe(path)
	require.NoError(t, err)
	require.Equal(t, "sample.bin", info.Name)
	require.Equal(t, int64(protocol.ChunkSize*5/2), info.Size)
	require.Equal(t, uint32(3), info.ChunkCount)
	require.Equal(t, FileID("sample.bin", info.Size), info.Hash)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = Describe(empty)
	require.ErrorIs(t, err, protocol.ErrValidation)

	_, err = Describe(t.TempDir())
	require.ErrorIs(t, err, protocol.ErrValidation)
}

func TestReadChunkShortLastChunk(t *testing.T) {
	size := protocol.ChunkSize*2 + 100
	path, data := writeRandom(t, size)

	first, err := ReadChunk(path, 0)
	require.NoError(t, err)
	require.Equal(t, data[:protocol.ChunkSize], first)

	last, err := ReadChunk(path, 2)
	require.NoError(t, err)
	require.Len(t, last, 100)
	require.Equal(t, data[2*protocol.ChunkSize:], last)

	_, err = ReadChunk(path, 3)
	require.Error(t, err)

	_, err = ReadChunk(filepath.Join(t.TempDir(), "missing"), 0)
	require.Error(t, err)
}

func TestReassembleRoundTrip(t *testing.T) {
	size := protocol.ChunkSize * 5 / 2
	path, data := writeRandom(t, size)

	count := ChunkCount(int64(size))
	chunks := make([][]byte, count)
	for i := uint32(0); i < count; i++ {
		c, err := ReadChunk(path, i)
		require.NoError(t, err)
		// pad like a full-size receive buffer; truncation must cut the padding
		padded := make([]byte, protocol.ChunkSize)
		copy(padded, c)
		chunks[i] = padded
	}

	out, err := Reassemble(chunks, int64(size))
	require.NoError(t, err)
	require.Equal(t, data, out)

	chunks[1] = nil
	_, err = Reassemble(chunks, int64(size))
	require.Error(t, err)
}

func TestWriteFileCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "downloads")
	path, err := WriteFile(dir, "../escape.txt", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "escape.txt"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}
