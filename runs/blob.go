package runs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nexabus/nexabus/errors"
)

// BlobStore holds run artifacts uploaded out of band. The two-step flow
// (begin, then put) lets clients obtain an upload id before streaming.
type BlobStore struct {
	dir      string // empty keeps blobs in memory
	maxBytes int64

	mu      sync.Mutex
	uploads map[string]string // upload id -> run id
	memory  map[string][]byte // "runID/blobID" -> data
}

// NewBlobStore builds a store writing under dir, or in memory when dir is
// empty.
func NewBlobStore(dir string, maxBytes int64) *BlobStore {
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &BlobStore{
		dir:      dir,
		maxBytes: maxBytes,
		uploads:  make(map[string]string),
		memory:   make(map[string][]byte),
	}
}

// Begin reserves an upload slot for a run.
func (s *BlobStore) Begin(runID string) string {
	uploadID := uuid.NewString()
	s.mu.Lock()
	s.uploads[uploadID] = runID
	s.mu.Unlock()
	return uploadID
}

// Put streams one blob for a previously begun upload. Uploads past the
// size cap are rejected without retaining partial data.
func (s *BlobStore) Put(uploadID string, r io.Reader) (blobID string, size int64, err error) {
	s.mu.Lock()
	runID, ok := s.uploads[uploadID]
	if ok {
		delete(s.uploads, uploadID)
	}
	s.mu.Unlock()
	if !ok {
		return "", 0, errors.NewNotFound("upload", uploadID)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", 0, errors.WrapWithType(err, errors.ErrorTypeCommunication, "reading upload")
	}
	if n > s.maxBytes {
		return "", 0, errors.NewValidation("blob exceeds size limit").
			WithDetail("limit", s.maxBytes)
	}

	blobID = uuid.NewString()
	if s.dir == "" {
		s.mu.Lock()
		s.memory[runID+"/"+blobID] = buf.Bytes()
		s.mu.Unlock()
		return blobID, n, nil
	}

	runDir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", 0, errors.WrapWithType(err, errors.ErrorTypeInternal, "creating blob dir")
	}
	if err := os.WriteFile(filepath.Join(runDir, blobID), buf.Bytes(), 0o644); err != nil {
		return "", 0, errors.WrapWithType(err, errors.ErrorTypeInternal, "writing blob")
	}
	return blobID, n, nil
}

// Open returns a reader over one stored blob.
func (s *BlobStore) Open(runID, blobID string) (io.ReadCloser, error) {
	if s.dir == "" {
		s.mu.Lock()
		data, ok := s.memory[runID+"/"+blobID]
		s.mu.Unlock()
		if !ok {
			return nil, errors.NewNotFound("blob", blobID)
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	f, err := os.Open(filepath.Join(s.dir, runID, blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("blob", blobID)
		}
		return nil, errors.WrapWithType(err, errors.ErrorTypeInternal, "opening blob")
	}
	return f, nil
}
