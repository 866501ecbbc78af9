package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// GenericGitProvider speaks the git protocol directly, so it can serve any
// host. It claims no hostnames and accepts every git-looking URL, which makes
// it the registry's last resort.
type GenericGitProvider struct {
	token    string
	probeURL string
}

// NewGenericGit creates a GenericGitProvider.
func NewGenericGit(cfg config.GenericGitConfig) *GenericGitProvider {
	return &GenericGitProvider{token: cfg.Token, probeURL: cfg.ProbeURL}
}

func (g *GenericGitProvider) Name() string        { return "git" }
func (g *GenericGitProvider) Platform() string    { return PlatformGit }
func (g *GenericGitProvider) Hostnames() []string { return nil }

func (g *GenericGitProvider) CanHandle(repoURL string) bool {
	s := strings.TrimSpace(repoURL)
	if _, _, ok := splitSCP(s); ok {
		return true
	}
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://", "file://"} {
		if strings.HasPrefix(strings.ToLower(s), scheme) {
			return true
		}
	}
	return false
}

func (g *GenericGitProvider) Parse(repoURL string) (models.RepositoryReference, error) {
	host, path, err := splitRepoURL(repoURL)
	if err != nil {
		return models.RepositoryReference{}, err
	}
	ref := models.RepositoryReference{
		Platform:    PlatformGit,
		Hostname:    host,
		OriginalURL: repoURL,
	}
	if owner, name, err := ownerAndName(path); err == nil {
		ref.Owner, ref.Name = owner, name
		ref.FullName = owner + "/" + name
	} else {
		ref.Name = path[strings.LastIndex(path, "/")+1:]
		ref.FullName = ref.Name
	}
	return ref, nil
}

func (g *GenericGitProvider) auth() transport.AuthMethod {
	return basicAuth("git", g.token)
}

func (g *GenericGitProvider) Clone(ctx context.Context, repoURL, dest string) (*CloneResult, error) {
	return gitClone(ctx, repoURL, g.auth(), dest)
}

// LatestRevision lists the remote refs (ls-remote) without fetching objects.
func (g *GenericGitProvider) LatestRevision(ctx context.Context, repoURL string) (string, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	refs, err := remote.ListContext(ctx, &gogit.ListOptions{Auth: g.auth()})
	if err != nil {
		return "", fmt.Errorf("listing refs of %s: %w", repoURL, err)
	}
	hash, _, err := headFromRefs(refs)
	if err != nil {
		return "", fmt.Errorf("%s: %w", repoURL, err)
	}
	return hash, nil
}

// headFromRefs picks the default-branch tip from an advertised ref list.
// HEAD is followed when present; otherwise main, then master.
func headFromRefs(refs []*plumbing.Reference) (hash, branch string, err error) {
	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, r := range refs {
		byName[r.Name()] = r
	}
	if head, ok := byName[plumbing.HEAD]; ok {
		if head.Type() == plumbing.SymbolicReference {
			if target, ok := byName[head.Target()]; ok {
				return target.Hash().String(), head.Target().Short(), nil
			}
		} else if !head.Hash().IsZero() {
			return head.Hash().String(), "", nil
		}
	}
	for _, b := range []string{"main", "master"} {
		if r, ok := byName[plumbing.NewBranchReferenceName(b)]; ok {
			return r.Hash().String(), b, nil
		}
	}
	return "", "", fmt.Errorf("remote advertises no default branch")
}

// ChangeSummary fetches full history into memory and diffs sinceRevision
// against the current HEAD.
func (g *GenericGitProvider) ChangeSummary(ctx context.Context, repoURL, sinceRevision string) (*models.ChangeSummary, error) {
	if !isCommitHash(sinceRevision) {
		return nil, fmt.Errorf("%w: %q is not a commit hash", ErrRevisionNotFound, sinceRevision)
	}
	repo, err := gogit.CloneContext(ctx, memory.NewStorage(), nil, &gogit.CloneOptions{
		URL:          repoURL,
		Auth:         g.auth(),
		SingleBranch: true,
		Tags:         gogit.NoTags,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching history of %s: %w", repoURL, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD of %s: %w", repoURL, err)
	}
	return summarizeRange(ctx, repo, head.Hash(), plumbing.NewHash(sinceRevision))
}

// summarizeRange counts commits reachable from head until base and computes
// line statistics of the base..head diff.
func summarizeRange(ctx context.Context, repo *gogit.Repository, head, base plumbing.Hash) (*models.ChangeSummary, error) {
	baseCommit, err := repo.CommitObject(base)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRevisionNotFound, base)
		}
		return nil, fmt.Errorf("loading base commit %s: %w", base, err)
	}
	headCommit, err := repo.CommitObject(head)
	if err != nil {
		return nil, fmt.Errorf("loading head commit %s: %w", head, err)
	}

	commits := 0
	iter, err := repo.Log(&gogit.LogOptions{From: head})
	if err != nil {
		return nil, fmt.Errorf("walking history: %w", err)
	}
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == base {
			return storer.ErrStop
		}
		commits++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking history: %w", err)
	}

	patch, err := baseCommit.PatchContext(ctx, headCommit)
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", base, head, err)
	}
	summary := &models.ChangeSummary{Commits: commits}
	for _, st := range patch.Stats() {
		summary.FilesChanged++
		summary.Additions += st.Addition
		summary.Deletions += st.Deletion
	}
	return summary, nil
}

// Metadata does a depth-1 in-memory fetch to read the tip commit.
func (g *GenericGitProvider) Metadata(ctx context.Context, repoURL string) (*models.RepositoryMetadata, error) {
	ref, err := g.Parse(repoURL)
	if err != nil {
		return nil, err
	}
	repo, err := gogit.CloneContext(ctx, memory.NewStorage(), nil, &gogit.CloneOptions{
		URL:          repoURL,
		Auth:         g.auth(),
		Depth:        1,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", repoURL, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD of %s: %w", repoURL, err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("loading head commit: %w", err)
	}
	return &models.RepositoryMetadata{
		Name:          ref.Name,
		DefaultBranch: head.Name().Short(),
		LastCommit: models.CommitInfo{
			Hash:      commit.Hash.String(),
			Timestamp: commit.Committer.When.UTC(),
			Author:    commit.Author.Name,
			Message:   firstLine(commit.Message),
		},
		Common: map[string]any{
			"hostname":  ref.Hostname,
			"full_name": ref.FullName,
		},
	}, nil
}

// HealthCheck lists the configured probe repository when one is set;
// otherwise the provider has no remote dependency and is always healthy.
func (g *GenericGitProvider) HealthCheck(ctx context.Context) models.ProviderHealthStatus {
	start := time.Now()
	st := models.ProviderHealthStatus{Provider: g.Name(), IsHealthy: true}
	if g.probeURL != "" {
		if _, err := g.LatestRevision(ctx, g.probeURL); err != nil {
			st.IsHealthy = false
			st.APIAvailable = boolPtr(false)
			st.Error = err.Error()
		} else {
			st.APIAvailable = boolPtr(true)
		}
	}
	st.ResponseTime = time.Since(start)
	st.LastChecked = time.Now()
	return st
}

func isCommitHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
