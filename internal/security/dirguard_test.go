package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutsidePathBlocked(t *testing.T) {
	g := NewDirectoryGuard([]string{"/w/p"})

	err := g.Enforce("read /etc/shadow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Directory guard blocked")
	assert.Contains(t, err.Error(), "/etc/shadow")
}

func TestInsidePathAllowed(t *testing.T) {
	g := NewDirectoryGuard([]string{"/w/p"})

	assert.NoError(t, g.Enforce("open /w/p/src/main.go and fix the bug"))
	assert.NoError(t, g.Enforce("the root itself: /w/p"))
}

func TestPrefixSiblingBlocked(t *testing.T) {
	g := NewDirectoryGuard([]string{"/w/p"})
	// /w/pwned shares a string prefix but is not under /w/p.
	assert.Error(t, g.Enforce("cat /w/pwned/secrets"))
}

func TestTraversalNormalized(t *testing.T) {
	g := NewDirectoryGuard([]string{"/w/p"})
	assert.Error(t, g.Enforce("read /w/p/../../etc/passwd"))
	assert.NoError(t, g.Enforce("read /w/p/sub/../file.txt"))
}

func TestNoAbsoluteReferencesAllowed(t *testing.T) {
	g := NewDirectoryGuard([]string{"/w/p"})
	assert.NoError(t, g.Enforce("just fix the tests please"))
	assert.NoError(t, g.Enforce("see relative/path/file.go"))
}

func TestURLsNotTreatedAsPaths(t *testing.T) {
	g := NewDirectoryGuard([]string{"/w/p"})
	assert.NoError(t, g.Enforce("docs at https://example.com/etc/thing"))
}

func TestEmptyAllowListDisablesGuard(t *testing.T) {
	g := NewDirectoryGuard(nil)
	assert.NoError(t, g.Enforce("read /etc/shadow"))
}

func TestMultipleRoots(t *testing.T) {
	g := NewDirectoryGuard([]string{"/w/p", "/home/me/proj"})
	assert.NoError(t, g.Enforce("compare /w/p/a.go with /home/me/proj/b.go"))
	assert.Error(t, g.Enforce("compare /w/p/a.go with /tmp/b.go"))
}
