package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/tiops/internal/types"
)

func TestMemoryStore_ReadNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Read(context.Background(), DefaultPath)
	assert.True(t, types.IsNotFound(err), "expected not found, got %v", err)
}

func TestMemoryStore_CommitConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(DefaultPath, []byte(denyList))

	doc, err := store.Read(ctx, DefaultPath)
	require.NoError(t, err)
	updated, _, err := AddDenyEntry(doc, "1.2.3.4")
	require.NoError(t, err)

	// Another writer lands first.
	store.Put(DefaultPath, []byte(denyList))

	_, err = store.Commit(ctx, updated, "Block malicious indicator 1.2.3.4")
	assert.True(t, types.IsConflict(err), "expected conflict, got %v", err)

	history, err := store.History(ctx, DefaultPath, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryStore_CommitAndHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(DefaultPath, []byte(denyList))

	for _, ip := range []string{"1.2.3.4", "5.6.7.8"} {
		doc, err := store.Read(ctx, DefaultPath)
		require.NoError(t, err)
		updated, changed, err := AddDenyEntry(doc, ip)
		require.NoError(t, err)
		require.True(t, changed)
		_, err = store.Commit(ctx, updated, "Block malicious indicator "+ip)
		require.NoError(t, err)
	}

	history, err := store.History(ctx, DefaultPath, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Message, "5.6.7.8")

	doc, err := store.Read(ctx, DefaultPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.10.0.0/16", "1.2.3.4/32", "5.6.7.8/32"}, doc.Exceptions())
}

func setupGitRepo(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	full := filepath.Join(dir, filepath.FromSlash(DefaultPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(DefaultPath)
	require.NoError(t, err)
	_, err = wt.Commit("Initial deny list", &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestGitStore_OpenNonRepository(t *testing.T) {
	_, err := NewGitStore(t.TempDir())
	assert.True(t, types.IsNotFound(err), "expected not found, got %v", err)
}

func TestGitStore_ReadNotFound(t *testing.T) {
	store, err := NewGitStore(setupGitRepo(t, denyList))
	require.NoError(t, err)

	_, err = store.Read(context.Background(), "manifests/security/missing.yaml")
	assert.True(t, types.IsNotFound(err), "expected not found, got %v", err)
}

func TestGitStore_CommitRecordsHistory(t *testing.T) {
	ctx := context.Background()
	dir := setupGitRepo(t, denyList)
	store, err := NewGitStore(dir, WithAuthor("Policy Bot", "bot@example.com"))
	require.NoError(t, err)

	doc, err := store.Read(ctx, DefaultPath)
	require.NoError(t, err)
	updated, changed, err := AddDenyEntry(doc, "203.0.113.99")
	require.NoError(t, err)
	require.True(t, changed)

	record, err := store.Commit(ctx, updated, "Block malicious indicator 203.0.113.99 (203.0.113.99/32)")
	require.NoError(t, err)
	assert.Len(t, record.Hash, 40)
	assert.Equal(t, []string{DefaultPath}, record.ChangedPaths)

	onDisk, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(DefaultPath)))
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "203.0.113.99/32")

	history, err := store.History(ctx, DefaultPath, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, record.Hash, history[0].Hash)
	assert.True(t, strings.HasPrefix(history[0].Message, "Block malicious indicator 203.0.113.99"))
	assert.Equal(t, "Initial deny list", history[1].Message)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "Policy Bot", commit.Author.Name)
}

func TestGitStore_CommitConflictWhenFileChanged(t *testing.T) {
	ctx := context.Background()
	dir := setupGitRepo(t, denyList)
	store, err := NewGitStore(dir)
	require.NoError(t, err)

	doc, err := store.Read(ctx, DefaultPath)
	require.NoError(t, err)
	updated, _, err := AddDenyEntry(doc, "1.2.3.4")
	require.NoError(t, err)

	full := filepath.Join(dir, filepath.FromSlash(DefaultPath))
	require.NoError(t, os.WriteFile(full, []byte(denyList+"# edited by hand\n"), 0o644))

	_, err = store.Commit(ctx, updated, "Block malicious indicator 1.2.3.4")
	assert.True(t, types.IsConflict(err), "expected conflict, got %v", err)

	onDisk, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.NotContains(t, string(onDisk), "1.2.3.4/32")
}

func TestGitStore_ConcurrentCommitsDetectStaleReads(t *testing.T) {
	ctx := context.Background()
	store, err := NewGitStore(setupGitRepo(t, denyList))
	require.NoError(t, err)

	doc, err := store.Read(ctx, DefaultPath)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, ip := range []string{"1.2.3.4", "5.6.7.8"} {
		wg.Add(1)
		go func(i int, ip string) {
			defer wg.Done()
			updated, _, err := AddDenyEntry(doc, ip)
			if err != nil {
				results[i] = err
				return
			}
			_, results[i] = store.Commit(ctx, updated, "Block malicious indicator "+ip)
		}(i, ip)
	}
	wg.Wait()

	// Both started from the same revision: exactly one may win.
	succeeded, conflicted := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case types.IsConflict(err):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
}
