package repository

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// CloneResult holds information about a completed clone operation.
type CloneResult struct {
	LocalPath string
	Branch    string
	Commit    string
}

// gitClone performs a shallow clone of repoURL's default branch into dest.
func gitClone(ctx context.Context, repoURL string, auth transport.AuthMethod, dest string) (*CloneResult, error) {
	cloneOpts := &gogit.CloneOptions{
		URL:          repoURL,
		Auth:         auth,
		Depth:        1,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	}

	slog.Debug("Cloning repository", "url", repoURL, "depth", 1, "dest", dest)

	repo, err := gogit.PlainCloneContext(ctx, dest, false, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", repoURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	return &CloneResult{
		LocalPath: dest,
		Branch:    head.Name().Short(),
		Commit:    head.Hash().String(),
	}, nil
}

// basicAuth returns HTTPS basic auth for token, or nil for anonymous access.
func basicAuth(username, token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: username, Password: token}
}

// Workspace is an ephemeral working copy owned by a single scan.
// Release must be called on every exit path; it is safe to call repeatedly.
type Workspace struct {
	Dir    string
	Clone  *CloneResult
	once   sync.Once
	active *atomic.Int64
}

// Release removes the working copy from disk.
func (w *Workspace) Release() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if err := os.RemoveAll(w.Dir); err != nil {
			slog.Warn("Failed to clean up working copy", "path", w.Dir, "error", err)
		}
		if w.active != nil {
			w.active.Add(-1)
		}
	})
}

// CloneManager hands out temporary working copies and tracks how many are live.
type CloneManager struct {
	tempRoot string
	active   atomic.Int64
}

// NewCloneManager creates a CloneManager that places working copies under
// tempRoot (the OS temp dir when empty).
func NewCloneManager(tempRoot string) *CloneManager {
	return &CloneManager{tempRoot: tempRoot}
}

// Acquire creates a temp directory and clones repoURL into it through p.
// On failure, including a panicking provider, the directory is already removed.
func (cm *CloneManager) Acquire(ctx context.Context, p Provider, repoURL string) (*Workspace, error) {
	dir, err := os.MkdirTemp(cm.tempRoot, "ctrlscan-clone-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	cm.active.Add(1)
	ws := &Workspace{Dir: dir, active: &cm.active}
	defer func() {
		if r := recover(); r != nil {
			ws.Release()
			panic(r)
		}
	}()

	res, err := p.Clone(ctx, repoURL, dir)
	if err != nil {
		ws.Release()
		return nil, err
	}
	ws.Clone = res
	return ws, nil
}

// Active returns the number of working copies not yet released.
func (cm *CloneManager) Active() int64 {
	return cm.active.Load()
}
