// Package fileshare implements the chunked file transfer side channel from
// spec.md §4.9: FilePut/FileGet/FileDel, zlib+base64 chunked DATA messages,
// and strict path containment under the process working directory.
package fileshare

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andryyy/thatcat-sub000/internal/clustererr"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/metrics"
)

// ChunkSize is the maximum size, in bytes, of one base64 chunk payload
// (spec.md §4.9: "splits into ≤1 MiB chunks").
const ChunkSize = 1 << 20

// ResolvePath normalizes path and enforces invariant I7: every accepted
// path resolves inside the process working directory.
func ResolvePath(path string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	abs := filepath.Join(cwd, path)
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(cwd, abs)
	if err != nil || strings.HasPrefix(rel, "..") || rel == ".." {
		return "", &clustererr.FileError{Tok: clustererr.InvalidFilePath, Path: path}
	}
	return abs, nil
}

// ChunkMeta is encoded as the "<meta>" token inside a DATA CHUNKED message,
// carrying the source file's mode and modification time so the receiver can
// reapply them (spec.md §4.9 "file mode and mtime are applied from meta").
type ChunkMeta struct {
	Mode  os.FileMode
	MTime time.Time
}

// EncodeMeta renders a ChunkMeta as a single wire token: "<mode>:<unixnano>".
func EncodeMeta(m ChunkMeta) string {
	return fmt.Sprintf("%o:%d", m.Mode, m.MTime.UnixNano())
}

// DecodeMeta reverses EncodeMeta.
func DecodeMeta(token string) (ChunkMeta, error) {
	modeStr, nanoStr, ok := strings.Cut(token, ":")
	if !ok {
		return ChunkMeta{}, fmt.Errorf("fileshare: malformed chunk meta %q", token)
	}
	modeBits, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return ChunkMeta{}, err
	}
	nanos, err := strconv.ParseInt(nanoStr, 10, 64)
	if err != nil {
		return ChunkMeta{}, err
	}
	return ChunkMeta{Mode: os.FileMode(modeBits), MTime: time.Unix(0, nanos)}, nil
}

// Service implements the sender-side and receiver-side handlers for the
// file transfer commands.
type Service struct {
	log     logging.Logger
	metrics *metrics.Registry
}

// New builds a Service.
func New(log logging.Logger, m *metrics.Registry) *Service {
	return &Service{log: log, metrics: m}
}

// PreparedChunks is the zlib+base64 payload for a FILEGET range request,
// already split into ≤ChunkSize pieces.
type PreparedChunks struct {
	Meta   ChunkMeta
	Chunks []string
}

// PrepareGet implements the sender side of FILEGET (spec.md §4.9): seek to
// start, read up to end (or EOF if end<0), zlib-compress, base64-encode,
// split into chunks.
func (s *Service) PrepareGet(path string, start, end int64) (PreparedChunks, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return PreparedChunks{}, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return PreparedChunks{}, &clustererr.FileError{Tok: clustererr.InvalidFilePath, Path: path}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return PreparedChunks{}, &clustererr.FileError{Tok: clustererr.InvalidFilePath, Path: path}
	}
	if start > info.Size() {
		return PreparedChunks{}, &clustererr.FileError{Tok: clustererr.StartBehindFileEnd, Path: path}
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return PreparedChunks{}, err
	}

	var reader io.Reader = f
	if end >= 0 {
		reader = io.LimitReader(f, end-start)
	}

	var raw bytes.Buffer
	if _, err := io.Copy(&raw, reader); err != nil {
		return PreparedChunks{}, err
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return PreparedChunks{}, err
	}
	if err := zw.Close(); err != nil {
		return PreparedChunks{}, err
	}

	encoded := base64.StdEncoding.EncodeToString(compressed.Bytes())

	var chunks []string
	for i := 0; i < len(encoded); i += ChunkSize {
		j := i + ChunkSize
		if j > len(encoded) {
			j = len(encoded)
		}
		chunks = append(chunks, encoded[i:j])
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	if s.metrics != nil {
		s.metrics.FileBytesTotal.WithLabelValues("get").Add(float64(raw.Len()))
	}

	return PreparedChunks{
		Meta:   ChunkMeta{Mode: info.Mode(), MTime: info.ModTime()},
		Chunks: chunks,
	}, nil
}

// WriteGet implements the receiver side of FILEGET: reassembles the
// concatenated chunk payload, decodes/decompresses it, and writes it at
// offset start into dest, creating the file if needed and reapplying mode
// and mtime from meta.
func (s *Service) WriteGet(dest string, start int64, meta ChunkMeta, concatenated string) error {
	resolved, err := ResolvePath(dest)
	if err != nil {
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(concatenated)
	if err != nil {
		return err
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(resolved, os.O_CREATE|os.O_RDWR, meta.Mode)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(payload, start); err != nil {
		return err
	}
	if err := f.Chmod(meta.Mode); err != nil {
		return err
	}
	if err := os.Chtimes(resolved, meta.MTime, meta.MTime); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.FileBytesTotal.WithLabelValues("put").Add(float64(len(payload)))
	}
	return nil
}

// Delete implements FILEDEL: unlink a path that must be contained within
// the process working directory.
func (s *Service) Delete(path string) error {
	resolved, err := ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil {
		return &clustererr.FileError{Tok: clustererr.FileUnlinkFailed, Path: path}
	}
	return nil
}

// ChunkEnvelope is one DATA CHUNKED message's parsed payload fields (spec.md
// §6: "DATA CHUNKED <i> <N> <path> <meta> <chunk_i>").
type ChunkEnvelope struct {
	Index int
	Total int
	Path  string
	Meta  ChunkMeta
	Chunk string
}

// EncodeChunk renders one DATA CHUNKED payload (everything after the ticket
// and command).
func EncodeChunk(c ChunkEnvelope) string {
	return fmt.Sprintf("CHUNKED %d %d %s %s %s", c.Index, c.Total, c.Path, EncodeMeta(c.Meta), c.Chunk)
}

// DecodeChunk reverses EncodeChunk.
func DecodeChunk(payload string) (ChunkEnvelope, error) {
	fields := strings.SplitN(payload, " ", 6)
	if len(fields) != 6 || fields[0] != "CHUNKED" {
		return ChunkEnvelope{}, fmt.Errorf("fileshare: malformed DATA payload")
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return ChunkEnvelope{}, err
	}
	total, err := strconv.Atoi(fields[2])
	if err != nil {
		return ChunkEnvelope{}, err
	}
	meta, err := DecodeMeta(fields[4])
	if err != nil {
		return ChunkEnvelope{}, err
	}
	return ChunkEnvelope{Index: index, Total: total, Path: fields[3], Meta: meta, Chunk: fields[5]}, nil
}

// FilePutFunc is the inverted-control hook spec.md §4.9 describes: FilePut
// sends FILEPUT to the peer, and the receiver's handler calls FileGet back
// against the sender (the producer advertises, the consumer pulls). This
// package exposes the plain request/response pieces; the pull orchestration
// lives in internal/server where the bus/transport are available.
type FilePutFunc func(ctx context.Context, localPath, destPath, peer string) error
