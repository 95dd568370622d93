// Package artifact stores job artifacts on the local filesystem,
// zstd-compressed and addressed by repository, pipeline, job, artifact id
// and name.
package artifact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ErrInvalidPath is returned for an empty, absolute, or escaping filename.
var ErrInvalidPath = errors.New("invalid artifact path")

// ErrTooLarge is returned when content exceeds the configured limit.
var ErrTooLarge = errors.New("artifact too large")

const blobSuffix = ".zst"

// Shared across calls; both are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		panic("artifact: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifact: zstd decoder initialization failed: " + err.Error())
	}
}

// Blob describes stored content.
type Blob struct {
	// Path is the cleaned artifact name relative to the job.
	Path string
	// ContentPath locates the blob relative to the store root.
	ContentPath string
	Size        int64
	// Digest is the hex BLAKE3-256 of the uncompressed content.
	Digest string
}

// Store writes artifact blobs below a root directory.
type Store struct {
	root     string
	maxBytes int64
}

// NewStore creates a Store rooted at root. maxBytes <= 0 disables the
// size limit.
func NewStore(root string, maxBytes int64) *Store {
	return &Store{root: root, maxBytes: maxBytes}
}

// CleanName validates an artifact filename and returns its canonical
// slash-separated form.
func CleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return cleaned, nil
}

// MaxBytes returns the per-artifact size limit, or 0 when unlimited.
func (s *Store) MaxBytes() int64 {
	if s.maxBytes <= 0 {
		return 0
	}
	return s.maxBytes
}

// Put stores content read from r under
// repository/pipeline/job/artifact/name. Every upload gets its own blob,
// so a repeated name never replaces earlier content.
func (s *Store) Put(repositoryID string, pipelineID, jobID, artifactID uuid.UUID, name string, r io.Reader) (*Blob, error) {
	cleaned, err := CleanName(name)
	if err != nil {
		return nil, err
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	sum := blake3.Sum256(data)
	rel := path.Join(path.Clean("/"+repositoryID)[1:], pipelineID.String(), jobID.String(), artifactID.String(), cleaned) + blobSuffix
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating artifact file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoder.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return nil, fmt.Errorf("storing artifact: %w", err)
	}

	return &Blob{
		Path:        cleaned,
		ContentPath: rel,
		Size:        int64(len(data)),
		Digest:      hex.EncodeToString(sum[:]),
	}, nil
}

// Read returns the decompressed content of a blob written by Put.
func (s *Store) Read(contentPath string) ([]byte, error) {
	rel, err := CleanName(contentPath)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return data, nil
}
