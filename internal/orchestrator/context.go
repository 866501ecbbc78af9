package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
)

// ContextRequest asks for the source lines around a finding.
type ContextRequest struct {
	RepoURL  string `json:"repoUrl"`
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	// Context is the number of lines on each side; zero uses the default.
	Context int `json:"context,omitempty"`
}

// SourceLine is one numbered line of a file.
type SourceLine struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// ContextResult holds the lines [Line-Context, Line+Context] clipped to the file.
type ContextResult struct {
	RepoURL    string       `json:"repo_url"`
	FilePath   string       `json:"file_path"`
	CommitHash string       `json:"commit_hash"`
	Line       int          `json:"line"`
	StartLine  int          `json:"start_line"`
	EndLine    int          `json:"end_line"`
	Lines      []SourceLine `json:"lines"`
}

// Context clones the repository and returns the lines around req.Line in
// req.FilePath. The working copy is always removed before returning.
func (o *Orchestrator) Context(ctx context.Context, req ContextRequest) (*ContextResult, error) {
	key := repository.NormalizeURL(req.RepoURL)
	if key == "" {
		return nil, scanErr(KindInvalidRequest, req.RepoURL, StateIdle, errors.New("repository url is required"))
	}
	rel, err := localPath(req.FilePath)
	if err != nil {
		return nil, scanErr(KindInvalidRequest, key, StateIdle, err)
	}
	if req.Line < 1 {
		return nil, scanErr(KindInvalidRequest, key, StateIdle, fmt.Errorf("line must be positive, got %d", req.Line))
	}
	window := req.Context
	if window <= 0 {
		window = o.opts.ContextLines
	}

	ctx, span := o.tracer.Start(ctx, "scan.context")
	defer span.End()

	p, err := o.registry.Resolve(key)
	if err != nil {
		return nil, scanErr(KindProviderUnavailable, key, StateResolving, err)
	}
	ws, err := o.clones.Acquire(ctx, p, key)
	if err != nil {
		return nil, scanErr(KindCloneFailure, key, StateAcquiring, err)
	}
	defer ws.Release()

	full, err := insideRoot(ws.Dir, rel)
	if err != nil {
		return nil, scanErr(KindInvalidRequest, key, StateAcquiring, err)
	}
	lines, err := readWindow(full, req.Line-window, req.Line+window)
	if err != nil {
		return nil, scanErr(KindInvalidRequest, key, StateAcquiring, err)
	}
	if len(lines) == 0 || lines[len(lines)-1].Number < req.Line {
		return nil, scanErr(KindInvalidRequest, key, StateAcquiring,
			fmt.Errorf("line %d is beyond the end of %s", req.Line, rel))
	}

	res := &ContextResult{
		RepoURL:   key,
		FilePath:  filepath.ToSlash(rel),
		Line:      req.Line,
		StartLine: lines[0].Number,
		EndLine:   lines[len(lines)-1].Number,
		Lines:     lines,
	}
	if ws.Clone != nil {
		res.CommitHash = ws.Clone.Commit
	}
	return res, nil
}

// localPath cleans p and rejects absolute paths and paths that climb out
// of the working copy.
func localPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("file path is required")
	}
	p = filepath.FromSlash(strings.TrimPrefix(p, "./"))
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("file path %q escapes the repository", p)
	}
	return filepath.Clean(p), nil
}

// insideRoot joins rel onto root and verifies that symlinks do not lead
// outside root.
func insideRoot(root, rel string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	full, err := filepath.EvalSymlinks(filepath.Join(root, rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("file %s not found in repository", filepath.ToSlash(rel))
		}
		return "", err
	}
	r, err := filepath.Rel(realRoot, full)
	if err != nil || !filepath.IsLocal(r) {
		return "", fmt.Errorf("file path %q escapes the repository", rel)
	}
	return full, nil
}

// readWindow returns lines from..to (1-based, inclusive) clipped to the file.
func readWindow(path string, from, to int) ([]SourceLine, error) {
	if from < 1 {
		from = 1
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []SourceLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		if n < from {
			continue
		}
		if n > to {
			break
		}
		out = append(out, SourceLine{Number: n, Text: sc.Text()})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return out, nil
}
