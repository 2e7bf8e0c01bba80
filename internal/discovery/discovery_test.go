package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func TestDiscoverMissingRootIsEmpty(t *testing.T) {
	s := NewScanner(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Empty(t, s.Discover())
}

func TestDiscoverActiveAndStaleSessions(t *testing.T) {
	root := t.TempDir()
	active := uuid.NewString()
	stale := uuid.NewString()

	now := time.Now()
	writeFile(t, filepath.Join(root, "projects", "-w-p", active+".jsonl"), "{}", now.Add(-time.Minute))
	writeFile(t, filepath.Join(root, "projects", "-w-p", stale+".jsonl"), "{}", now.Add(-2*time.Hour))
	// Non-transcript clutter is ignored.
	writeFile(t, filepath.Join(root, "projects", "-w-p", "notes.txt"), "x", now)
	writeFile(t, filepath.Join(root, "projects", "-w-p", "not-a-uuid.jsonl"), "{}", now)

	sessions := NewScanner(root).Discover()
	require.Len(t, sessions, 1)
	assert.Equal(t, active, sessions[0].SessionID)
	assert.Equal(t, "/w/p", sessions[0].ProjectPath)
	assert.Empty(t, sessions[0].SessionName)
	assert.Empty(t, sessions[0].AgentID)
}

func TestDiscoverUsesIndexForNamesAndPaths(t *testing.T) {
	root := t.TempDir()
	id := uuid.NewString()
	writeFile(t, filepath.Join(root, "projects", "-home-me-proj", id+".jsonl"), "{}", time.Now())
	writeFile(t, filepath.Join(root, "global-sessions.json"),
		`{"`+id+`":{"name":"api refactor","project_path":"/home/me/proj"}}`, time.Time{})

	sessions := NewScanner(root).Discover()
	require.Len(t, sessions, 1)
	assert.Equal(t, "api refactor", sessions[0].SessionName)
	assert.Equal(t, "/home/me/proj", sessions[0].ProjectPath)
}

func TestDiscoverMalformedIndexFallsBackToDecodedPath(t *testing.T) {
	root := t.TempDir()
	id := uuid.NewString()
	writeFile(t, filepath.Join(root, "projects", "-srv-app", id+".jsonl"), "{}", time.Now())
	writeFile(t, filepath.Join(root, "global-sessions.json"), "{not json", time.Time{})

	sessions := NewScanner(root).Discover()
	require.Len(t, sessions, 1)
	assert.Empty(t, sessions[0].SessionName)
	assert.Equal(t, "/srv/app", sessions[0].ProjectPath)
}

func TestTranscriptSessionID(t *testing.T) {
	v4 := uuid.NewString()
	id, ok := transcriptSessionID(v4 + ".jsonl")
	assert.True(t, ok)
	assert.Equal(t, v4, id)

	_, ok = transcriptSessionID(v4 + ".json")
	assert.False(t, ok)

	_, ok = transcriptSessionID("hello.jsonl")
	assert.False(t, ok)

	// Non-v4 UUIDs are not sessions.
	v1 := "c232ab00-9414-11ec-b3c8-9f68deced846"
	_, ok = transcriptSessionID(v1 + ".jsonl")
	assert.False(t, ok)
}

func TestDecodeProjectPath(t *testing.T) {
	assert.Equal(t, "/w/p", decodeProjectPath("-w-p"))
	assert.Equal(t, "/home/me/my/proj", decodeProjectPath("-home-me-my-proj"))
	assert.Equal(t, "plain", decodeProjectPath("plain"))
}
