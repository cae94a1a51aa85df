package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-logr/logr"

	"github.com/aonescu/tiops/internal/types"
)

// GitStore keeps policy files in a git worktree and records every change as a
// commit. Compare-and-swap and the git index update happen under one lock, so
// concurrent invocations inside the process serialize there; writers in other
// processes are caught by the revision check.
type GitStore struct {
	repoPath    string
	repo        *git.Repository
	authorName  string
	authorEmail string
	now         func() time.Time
	log         logr.Logger

	mu sync.Mutex
}

type GitOption func(*GitStore)

func WithAuthor(name, email string) GitOption {
	return func(s *GitStore) {
		s.authorName = name
		s.authorEmail = email
	}
}

func WithLogger(log logr.Logger) GitOption {
	return func(s *GitStore) {
		s.log = log
	}
}

func NewGitStore(repoPath string, opts ...GitOption) (*GitStore, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, types.NewError(types.KindNotFound, "open policy repository", fmt.Errorf("%s is not a git repository", repoPath))
		}
		return nil, fmt.Errorf("failed to open policy repository %s: %w", repoPath, err)
	}

	s := &GitStore{
		repoPath:    repoPath,
		repo:        repo,
		authorName:  "tiops",
		authorEmail: "tiops@localhost",
		now:         time.Now,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *GitStore) fullPath(path string) string {
	return filepath.Join(s.repoPath, filepath.FromSlash(path))
}

func revisionOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *GitStore) Read(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.fullPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFoundError(path)
		}
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	doc, err := ParseDocument(path, data)
	if err != nil {
		return nil, err
	}
	doc.Revision = revisionOf(data)
	return doc, nil
}

func (s *GitStore) Commit(ctx context.Context, doc *Document, message string) (*types.CommitRecord, error) {
	data, err := doc.Marshal()
	if err != nil {
		return nil, types.NewError(types.KindSubmission, "marshal policy", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := s.fullPath(doc.Path)
	previous, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, conflictError(doc.Path, fmt.Errorf("file removed since read"))
		}
		return nil, fmt.Errorf("failed to re-read policy %s: %w", doc.Path, err)
	}
	if revisionOf(previous) != doc.Revision {
		return nil, conflictError(doc.Path, fmt.Errorf("file changed since read"))
	}

	if err := writeFileAtomic(full, data); err != nil {
		return nil, types.NewError(types.KindSubmission, "write policy "+doc.Path, err)
	}

	when := s.now()
	hash, err := s.commitFile(doc.Path, message, when)
	if err != nil {
		if restoreErr := writeFileAtomic(full, previous); restoreErr != nil {
			s.log.Error(restoreErr, "Failed to restore policy after commit failure", "path", doc.Path)
		}
		return nil, types.NewError(types.KindSubmission, "commit policy "+doc.Path, err)
	}

	s.log.V(1).Info("Committed policy", "path", doc.Path, "commit", hash.String())
	return &types.CommitRecord{
		Hash:         hash.String(),
		Message:      message,
		Timestamp:    when,
		ChangedPaths: []string{doc.Path},
		Revision:     revisionOf(data),
	}, nil
}

func (s *GitStore) commitFile(path, message string, when time.Time) (plumbing.Hash, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to get worktree: %w", err)
	}
	if _, err := wt.Add(filepath.ToSlash(path)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to add %s: %w", path, err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.authorName,
			Email: s.authorEmail,
			When:  when,
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to commit: %w", err)
	}
	return hash, nil
}

// History walks git log for path, newest first.
func (s *GitStore) History(ctx context.Context, path string, limit int) ([]types.CommitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fileName := filepath.ToSlash(path)
	iter, err := s.repo.Log(&git.LogOptions{FileName: &fileName})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history of %s: %w", path, err)
	}
	defer iter.Close()

	var records []types.CommitRecord
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(records) >= limit {
			return storer.ErrStop
		}
		records = append(records, types.CommitRecord{
			Hash:         c.Hash.String(),
			Message:      strings.TrimSpace(c.Message),
			Timestamp:    c.Author.When,
			ChangedPaths: []string{path},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history of %s: %w", path, err)
	}
	return records, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".policy-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
