package repository

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
)

type memRepo struct {
	t    *testing.T
	repo *gogit.Repository
	wt   *gogit.Worktree
}

func newMemRepo(t *testing.T) *memRepo {
	t.Helper()
	fs := memfs.New()
	repo, err := gogit.Init(memory.NewStorage(), fs)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return &memRepo{t: t, repo: repo, wt: wt}
}

func (m *memRepo) commit(files map[string]string, msg string) plumbing.Hash {
	m.t.Helper()
	for name, body := range files {
		require.NoError(m.t, util.WriteFile(m.wt.Filesystem, name, []byte(body), 0o644))
		_, err := m.wt.Add(name)
		require.NoError(m.t, err)
	}
	h, err := m.wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(m.t, err)
	return h
}

func TestSummarizeRangeCountsCommitsAndLines(t *testing.T) {
	m := newMemRepo(t)
	base := m.commit(map[string]string{"main.go": "package main\n"}, "init")
	m.commit(map[string]string{"main.go": "package main\n\nfunc main() {}\n"}, "add main")
	head := m.commit(map[string]string{"util.go": "package main\n\nvar x = 1\n"}, "add util")

	s, err := summarizeRange(context.Background(), m.repo, head, base)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Commits)
	assert.Equal(t, 2, s.FilesChanged)
	assert.Equal(t, 5, s.Additions)
	assert.Equal(t, 0, s.Deletions)
}

func TestSummarizeRangeUnknownBase(t *testing.T) {
	m := newMemRepo(t)
	head := m.commit(map[string]string{"a.txt": "a\n"}, "init")

	_, err := summarizeRange(context.Background(), m.repo, head, plumbing.NewHash("1111111111111111111111111111111111111111"))
	require.ErrorIs(t, err, ErrRevisionNotFound)
}

func TestHeadFromRefs(t *testing.T) {
	tip := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	other := plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	hash, branch, err := headFromRefs([]*plumbing.Reference{
		plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("trunk")),
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("trunk"), tip),
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), other),
	})
	require.NoError(t, err)
	assert.Equal(t, tip.String(), hash)
	assert.Equal(t, "trunk", branch)

	hash, branch, err = headFromRefs([]*plumbing.Reference{
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("master"), other),
	})
	require.NoError(t, err)
	assert.Equal(t, other.String(), hash)
	assert.Equal(t, "master", branch)

	_, _, err = headFromRefs([]*plumbing.Reference{
		plumbing.NewHashReference(plumbing.NewTagReferenceName("v1"), tip),
	})
	require.Error(t, err)
}

func TestGenericChangeSummaryRejectsNonHash(t *testing.T) {
	g := NewGenericGit(config.GenericGitConfig{})
	_, err := g.ChangeSummary(context.Background(), "https://git.example.net/a/b", "abc123")
	require.ErrorIs(t, err, ErrRevisionNotFound)
}

func TestGenericParseAndCanHandle(t *testing.T) {
	g := NewGenericGit(config.GenericGitConfig{})
	assert.True(t, g.CanHandle("https://git.example.net/a/b.git"))
	assert.True(t, g.CanHandle("git@git.example.net:a/b.git"))
	assert.False(t, g.CanHandle("not a url"))

	ref, err := g.Parse("https://git.example.net/team/b.git")
	require.NoError(t, err)
	assert.Equal(t, "team/b", ref.FullName)
	assert.Equal(t, PlatformGit, ref.Platform)

	st := g.HealthCheck(context.Background())
	assert.True(t, st.IsHealthy)
}
