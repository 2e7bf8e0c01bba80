// Package mailbox appends pull-mode messages to per-agent inbox files so a
// session can read them on its own schedule instead of being interrupted.
package mailbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentbus/agentbus/internal/bus"
	"github.com/agentbus/agentbus/internal/util/timefmt"
)

// record is one inbox line. Append-only JSONL; no read API here.
type record struct {
	MessageID   string         `json:"message_id"`
	SenderID    string         `json:"sender_id"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
	ReceivedAt  string         `json:"received_at"`
}

// Writer appends messages to <root>/comms/inbox/<agentID>.jsonl.
type Writer struct {
	root string
	now  func() time.Time
}

// NewWriter creates a writer rooted at the tool's home directory
// (typically ~/.claude).
func NewWriter(root string) *Writer {
	return &Writer{root: root, now: time.Now}
}

// Deliver appends one message to the agent's inbox, creating the inbox
// directory and file as needed.
func (w *Writer) Deliver(agentID string, msg *bus.Message) error {
	if agentID == "" {
		return fmt.Errorf("mailbox: empty agent id")
	}

	dir := filepath.Join(w.root, "comms", "inbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}

	line, err := json.Marshal(record{
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		Metadata:    msg.Metadata,
		ThreadID:    msg.ThreadID,
		CreatedAt:   msg.CreatedAt,
		ReceivedAt:  timefmt.Format(w.now()),
	})
	if err != nil {
		return fmt.Errorf("encode inbox record: %w", err)
	}

	path := filepath.Join(dir, agentID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open inbox %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append inbox %s: %w", path, err)
	}
	return nil
}

// Path returns the inbox file for an agent.
func (w *Writer) Path(agentID string) string {
	return filepath.Join(w.root, "comms", "inbox", agentID+".jsonl")
}
