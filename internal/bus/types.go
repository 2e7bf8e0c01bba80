package bus

import "time"

// Target types for a message.
const (
	TargetAgent     = "agent"
	TargetProject   = "project"
	TargetBroadcast = "broadcast"
)

// Message types.
const (
	TypeSync         = "sync"
	TypeAsync        = "async"
	TypeMemo         = "memo"
	TypeResponse     = "response"
	TypeNotification = "notification"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Delivery modes carried in message metadata.
const (
	DeliveryPush      = "push"
	DeliveryPull      = "pull"
	DeliveryBroadcast = "broadcast"
)

// Agent statuses.
const (
	AgentActive  = "active"
	AgentIdle    = "idle"
	AgentOffline = "offline"
)

// Agent is the remote record representing one local session's ability to
// receive messages. The record is owned by the bus service; the daemon only
// caches the ID.
type Agent struct {
	ID           string    `json:"id"`
	MachineID    string    `json:"machine_id"`
	SessionID    string    `json:"session_id"`
	SessionName  string    `json:"session_name,omitempty"`
	ProjectPath  string    `json:"project_path"`
	Status       string    `json:"status,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	HeartbeatAt  time.Time `json:"heartbeat_at,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// Message is one bus message. Immutable once received locally; only status
// transitions are written back to the service.
//
// Metadata is free-form. Producers use camelCase keys inside it
// ("deliveryMode", "inReplyTo", "sessionBranch"), unlike the snake_case
// top-level columns.
type Message struct {
	ID            string         `json:"id"`
	ChannelID     string         `json:"channel_id,omitempty"`
	SenderID      string         `json:"sender_id"`
	TargetType    string         `json:"target_type"`
	TargetAddress string         `json:"target_address,omitempty"`
	MessageType   string         `json:"message_type"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        string         `json:"status,omitempty"`
	ClaimedBy     string         `json:"claimed_by,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	CreatedAt     string         `json:"created_at,omitempty"`
	ExpiresAt     string         `json:"expires_at,omitempty"`
}

// DeliveryMode returns the delivery mode from metadata, or "" when absent.
func (m *Message) DeliveryMode() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["deliveryMode"].(string); ok {
		return v
	}
	return ""
}

// Thread returns the conversation thread identifier, falling back to the
// message ID when the message starts a new thread.
func (m *Message) Thread() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.ID
}

// AuditEntry is one observability record about an allowed or blocked action.
type AuditEntry struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	Result     string         `json:"result"` // "allowed" or "blocked:<reason>"
	DurationMs int64          `json:"duration_ms,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// RegisterRequest is the body for POST /v1/agents.
type RegisterRequest struct {
	MachineID    string   `json:"machine_id"`
	SessionID    string   `json:"session_id"`
	SessionName  string   `json:"session_name,omitempty"`
	ProjectPath  string   `json:"project_path"`
	Capabilities []string `json:"capabilities,omitempty"`
}
