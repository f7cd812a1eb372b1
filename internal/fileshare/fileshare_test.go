package fileshare

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andryyy/thatcat-sub000/internal/logging"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(old) })
	return dir
}

func TestResolvePathRejectsEscape(t *testing.T) {
	chdirTemp(t)
	_, err := ResolvePath("../outside")
	require.Error(t, err)
}

func TestResolvePathAcceptsNested(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	resolved, err := ResolvePath("assets/x")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "assets", "x"), resolved)
}

func TestGetRoundTripSingleChunk(t *testing.T) {
	dir := chdirTemp(t)
	src := filepath.Join(dir, "source.bin")
	content := []byte("hello cluster file transfer")
	require.NoError(t, os.WriteFile(src, content, 0o640))

	svc := New(logging.NewRecordingLogger(), nil)
	prepared, err := svc.PrepareGet("source.bin", 0, -1)
	require.NoError(t, err)
	require.Len(t, prepared.Chunks, 1)

	dest := "dest.bin"
	require.NoError(t, svc.WriteGet(dest, 0, prepared.Meta, prepared.Chunks[0]))

	got, err := os.ReadFile(filepath.Join(dir, dest))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestGetRejectsStartBeyondFileEnd(t *testing.T) {
	dir := chdirTemp(t)
	src := filepath.Join(dir, "small.bin")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o640))

	svc := New(logging.NewRecordingLogger(), nil)
	_, err := svc.PrepareGet("small.bin", 1000, -1)
	require.Error(t, err)
}

func TestChunkEnvelopeRoundTrip(t *testing.T) {
	c := ChunkEnvelope{
		Index: 2,
		Total: 3,
		Path:  "assets/x",
		Meta:  ChunkMeta{Mode: 0o640, MTime: time.Unix(1700000000, 0)},
		Chunk: "YWJjZA==",
	}
	payload := EncodeChunk(c)
	decoded, err := DecodeChunk(payload)
	require.NoError(t, err)
	require.Equal(t, c.Index, decoded.Index)
	require.Equal(t, c.Total, decoded.Total)
	require.Equal(t, c.Path, decoded.Path)
	require.Equal(t, c.Chunk, decoded.Chunk)
	require.Equal(t, c.Meta.Mode, decoded.Meta.Mode)
	require.True(t, c.Meta.MTime.Equal(decoded.Meta.MTime))
}

func TestDeleteRejectsEscapingPath(t *testing.T) {
	chdirTemp(t)
	svc := New(logging.NewRecordingLogger(), nil)
	err := svc.Delete("../etc/passwd")
	require.Error(t, err)
}
