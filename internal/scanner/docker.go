package scanner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// isDockerAvailable returns true if the Docker daemon is reachable.
func isDockerAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	return cmd.Run() == nil
}

// dockerRun builds an exec.Cmd that runs the scanner inside a Docker container.
// repoPath is mounted read-only at /scan inside the container.
func dockerRun(ctx context.Context, image, repoPath string, args []string) *exec.Cmd {
	dockerArgs := []string{
		"run", "--rm",
		"--network", "host",
		"-v", repoPath + ":/scan:ro",
	}
	dockerArgs = append(dockerArgs, image)
	dockerArgs = append(dockerArgs, args...)
	// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
	return exec.CommandContext(ctx, "docker", dockerArgs...)
}

// resolveBinary returns the full path of name from binDir or PATH, or "".
func resolveBinary(name, binDir string) string {
	if binDir != "" {
		if p, err := exec.LookPath(filepath.Join(binDir, name)); err == nil {
			return p
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return ""
}

// execTool runs an external binary locally, falling back to its docker
// image when the binary is missing.
type execTool struct {
	name         string
	image        string
	binDir       string
	preferDocker bool

	versionOnce sync.Once
	version     string
}

type execMode int

const (
	modeLocal execMode = iota
	modeDocker
)

// mode picks how the tool runs on this host.
func (t *execTool) mode(ctx context.Context) (execMode, string, error) {
	if !t.preferDocker {
		if bin := resolveBinary(t.name, t.binDir); bin != "" {
			return modeLocal, bin, nil
		}
	}
	if isDockerAvailable(ctx) {
		slog.Debug("Using Docker fallback", "scanner", t.name, "image", t.image)
		return modeDocker, "", nil
	}
	return 0, "", fmt.Errorf("%w: %s binary not found and docker is unreachable", ErrToolUnavailable, t.name)
}

// Available reports whether the tool can run.
func (t *execTool) Available(ctx context.Context) error {
	_, _, err := t.mode(ctx)
	return err
}

// command builds the tool invocation for dir. localArgs receive dir itself;
// dockerArgs address the mounted /scan.
func (t *execTool) command(ctx context.Context, dir string, localArgs, dockerArgs []string) (*exec.Cmd, error) {
	if err := ValidatePath(dir); err != nil {
		return nil, err
	}
	mode, bin, err := t.mode(ctx)
	if err != nil {
		return nil, err
	}
	if mode == modeDocker {
		return dockerRun(ctx, t.image, dir, dockerArgs), nil
	}
	// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
	return exec.CommandContext(ctx, bin, localArgs...), nil
}

// Version runs "<tool> --version" once and caches the first line.
func (t *execTool) Version(ctx context.Context) string {
	t.versionOnce.Do(func() {
		t.version = "unknown"
		mode, bin, err := t.mode(ctx)
		if err != nil {
			return
		}
		if mode == modeDocker {
			t.version = t.image
			return
		}
		// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
		out, err := exec.CommandContext(ctx, bin, "--version").CombinedOutput()
		if err != nil {
			return
		}
		if v := parseVersion(out); v != "" {
			t.version = v
		}
	})
	return t.version
}

// parseVersion returns the first non-empty line of a --version output.
func parseVersion(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}

// run executes cmd and returns stdout. Exit codes in okCodes still count as
// success when stdout is non-empty (tools signal "findings present" that way).
func run(name string, cmd *exec.Cmd, okCodes ...int) ([]byte, error) {
	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		for _, c := range okCodes {
			if exitErr.ExitCode() == c && len(out) > 0 {
				return out, nil
			}
		}
		slog.Debug("Scanner stderr", "scanner", name, "output", string(exitErr.Stderr))
	}
	return nil, fmt.Errorf("executing %s: %w", name, err)
}
