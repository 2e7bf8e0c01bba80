// Package discovery scans the session tool's on-disk state to find
// interactive sessions that are currently alive on this host.
//
// A session is a transcript file ~/.claude/projects/<encoded-path>/<uuid>.jsonl
// whose mtime falls within the active window. Session names and authoritative
// project paths come from ~/.claude/global-sessions.json when present.
package discovery

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentbus/agentbus/internal/util/sanitize"
)

// ActiveWindow is how recently a transcript must have been written for its
// session to count as alive.
const ActiveWindow = time.Hour

const transcriptSuffix = ".jsonl"

// Session is one live local session. AgentID is empty until the registry
// assigns one.
type Session struct {
	SessionID   string
	SessionName string
	ProjectPath string
	AgentID     string
}

// indexEntry is one record of the global-sessions.json index.
type indexEntry struct {
	Name        string `json:"name"`
	ProjectPath string `json:"project_path"`
}

// Scanner discovers active sessions under a tool root (normally ~/.claude).
// Discover never mutates filesystem state.
type Scanner struct {
	root   string
	window time.Duration
	now    func() time.Time
}

// NewScanner creates a scanner rooted at the tool directory.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root, window: ActiveWindow, now: time.Now}
}

// Discover returns the set of currently-active sessions. A missing tool
// directory yields an empty result; unreadable subtrees are skipped.
func (s *Scanner) Discover() []Session {
	projectsDir := filepath.Join(s.root, "projects")
	dirs, err := os.ReadDir(projectsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cannot read projects directory", "dir", projectsDir, "error", err)
		}
		return nil
	}

	index := s.loadIndex()
	cutoff := s.now().Add(-s.window)

	var sessions []Session
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(projectsDir, dir.Name()))
		if err != nil {
			slog.Debug("skipping unreadable project directory", "dir", dir.Name(), "error", err)
			continue
		}

		for _, entry := range entries {
			sessionID, ok := transcriptSessionID(entry.Name())
			if !ok {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().Before(cutoff) {
				continue
			}

			sess := Session{SessionID: sessionID}
			if idx, ok := index[sessionID]; ok && idx.ProjectPath != "" {
				sess.SessionName = sanitize.SessionName(idx.Name)
				sess.ProjectPath = idx.ProjectPath
			} else {
				sess.ProjectPath = decodeProjectPath(dir.Name())
			}
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// loadIndex reads global-sessions.json. Missing or malformed files yield an
// empty index; discovery falls back to decoded directory names.
func (s *Scanner) loadIndex() map[string]indexEntry {
	data, err := os.ReadFile(filepath.Join(s.root, "global-sessions.json"))
	if err != nil {
		return nil
	}
	var index map[string]indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		slog.Warn("malformed session index, using decoded paths", "error", err)
		return nil
	}
	return index
}

// transcriptSessionID extracts the session UUID from a transcript filename.
// Only version-4 UUIDs with the transcript suffix qualify.
func transcriptSessionID(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, transcriptSuffix)
	if !ok {
		return "", false
	}
	id, err := uuid.Parse(base)
	if err != nil || id.Version() != 4 {
		return "", false
	}
	return base, true
}

// decodeProjectPath reverses the tool's path encoding: "/w/p" is stored as
// directory "-w-p".
func decodeProjectPath(name string) string {
	if !strings.HasPrefix(name, "-") {
		return name
	}
	return "/" + strings.ReplaceAll(strings.TrimPrefix(name, "-"), "-", "/")
}
