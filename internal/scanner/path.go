package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	regexp "github.com/wasilibs/go-re2"
)

// shellMeta matches characters that must never reach a tool's argv.
var shellMeta = regexp.MustCompile("[;&|$`<>(){}\\[\\]*?!~'\"\\\\\\n\\r]")

// ValidatePath rejects scan targets that do not exist, are not directories
// or contain shell metacharacters.
func ValidatePath(dir string) error {
	if dir == "" {
		return fmt.Errorf("scan path is empty")
	}
	if shellMeta.MatchString(dir) {
		return fmt.Errorf("scan path %q contains shell metacharacters", dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("scan path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scan path %q is not a directory", dir)
	}
	return nil
}

// relPath reports path relative to the scan root. Tools run under docker
// see the root as /scan.
func relPath(root, path string) string {
	for _, prefix := range []string{root, "/scan"} {
		if prefix == "" {
			continue
		}
		if rel, err := filepath.Rel(prefix, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return strings.TrimLeft(filepath.ToSlash(strings.TrimPrefix(path, "./")), "/")
}
