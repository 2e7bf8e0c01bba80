package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// absolutePath finds absolute filesystem references embedded in message
// content. Word boundaries keep URLs ("http://x/y") from matching.
var absolutePath = regexp.MustCompile(`(^|[\s"'` + "`" + `=(\[{<])(/[A-Za-z0-9._~+-][A-Za-z0-9._~+/-]*)`)

// DirectoryGuard rejects content that references absolute paths outside the
// allowed roots. An empty allow-list disables the guard.
type DirectoryGuard struct {
	allowed []string
}

// NewDirectoryGuard creates a guard over the given roots. Roots are cleaned
// at construction.
func NewDirectoryGuard(allowedDirectories []string) *DirectoryGuard {
	roots := make([]string, 0, len(allowedDirectories))
	for _, dir := range allowedDirectories {
		if dir == "" {
			continue
		}
		roots = append(roots, filepath.Clean(dir))
	}
	return &DirectoryGuard{allowed: roots}
}

// Enforce scans content for absolute path references and fails when any
// resolves outside every allowed root.
func (g *DirectoryGuard) Enforce(content string) error {
	if len(g.allowed) == 0 {
		return nil
	}
	for _, match := range absolutePath.FindAllStringSubmatch(content, -1) {
		ref := filepath.Clean(match[2])
		if !g.inAllowed(ref) {
			return fmt.Errorf("Directory guard blocked access to %s", ref)
		}
	}
	return nil
}

func (g *DirectoryGuard) inAllowed(path string) bool {
	for _, root := range g.allowed {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
