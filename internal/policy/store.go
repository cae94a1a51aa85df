package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aonescu/tiops/internal/types"
)

// Store is the only writer of policy documents. Commit is a compare-and-swap
// against the revision the document was read at: if the underlying file moved
// on, it fails with a conflict and the caller must re-read and retry.
type Store interface {
	Read(ctx context.Context, path string) (*Document, error)
	Commit(ctx context.Context, doc *Document, message string) (*types.CommitRecord, error)
	History(ctx context.Context, path string, limit int) ([]types.CommitRecord, error)
}

func conflictError(path string, err error) error {
	return types.NewError(types.KindConflict, "commit policy "+path, err)
}

func notFoundError(path string) error {
	return types.NewError(types.KindNotFound, "read policy", fmt.Errorf("%s does not exist", path))
}

// In-memory implementation for tests and dry runs
type MemoryStore struct {
	mu      sync.Mutex
	files   map[string]memoryFile
	commits []types.CommitRecord
	now     func() time.Time
}

type memoryFile struct {
	data     []byte
	revision int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]memoryFile),
		now:   time.Now,
	}
}

// Put replaces a file out of band, as another writer would.
func (s *MemoryStore) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.files[path]
	f.data = append([]byte(nil), data...)
	f.revision++
	s.files[path] = f
}

func (s *MemoryStore) Read(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	f, ok := s.files[path]
	s.mu.Unlock()
	if !ok {
		return nil, notFoundError(path)
	}

	doc, err := ParseDocument(path, f.data)
	if err != nil {
		return nil, err
	}
	doc.Revision = strconv.Itoa(f.revision)
	return doc, nil
}

func (s *MemoryStore) Commit(ctx context.Context, doc *Document, message string) (*types.CommitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := doc.Marshal()
	if err != nil {
		return nil, types.NewError(types.KindSubmission, "marshal policy", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[doc.Path]
	if !ok {
		return nil, conflictError(doc.Path, fmt.Errorf("file removed since read"))
	}
	if strconv.Itoa(f.revision) != doc.Revision {
		return nil, conflictError(doc.Path, fmt.Errorf("revision %s is stale, current is %d", doc.Revision, f.revision))
	}

	f.data = data
	f.revision++
	s.files[doc.Path] = f

	sum := sha256.Sum256(append([]byte(message), data...))
	record := types.CommitRecord{
		Hash:         hex.EncodeToString(sum[:20]),
		Message:      message,
		Timestamp:    s.now(),
		ChangedPaths: []string{doc.Path},
		Revision:     strconv.Itoa(f.revision),
	}
	s.commits = append(s.commits, record)
	return &record, nil
}

// History returns commits touching path, newest first.
func (s *MemoryStore) History(ctx context.Context, path string, limit int) ([]types.CommitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []types.CommitRecord
	for i := len(s.commits) - 1; i >= 0; i-- {
		if limit > 0 && len(records) >= limit {
			break
		}
		for _, p := range s.commits[i].ChangedPaths {
			if p == path {
				records = append(records, s.commits[i])
				break
			}
		}
	}
	return records, nil
}
