package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/agentbus/agentbus/internal/bus"
	"github.com/agentbus/agentbus/internal/discovery"
	"github.com/agentbus/agentbus/internal/metrics"
)

// Bus is the slice of the bus client the router needs.
type Bus interface {
	ClaimMessage(ctx context.Context, messageID, agentID string) error
	SendMessage(ctx context.Context, msg *bus.Message) (*bus.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID, status string) error
}

// Security is the per-message check applied before dispatch. Optional; a nil
// Security skips the checks entirely.
type Security interface {
	CheckMessage(actorID, content string) (string, error)
}

// Result is the outcome of routing one message.
type Result struct {
	OK              bool
	Response        string
	Err             error
	BranchSessionID string
	MessageID       string
}

// Router claims incoming messages, runs a worker turn against the matched
// local session, and posts the worker's answer back as a response message.
type Router struct {
	bus       Bus
	security  Security
	machineID string
	branches  *BranchMap
	spawn     SpawnFunc
	log       *slog.Logger
}

// New creates a router. security may be nil.
func New(b Bus, security Security, machineID string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		bus:       b,
		security:  security,
		machineID: machineID,
		branches:  NewBranchMap(4096),
		spawn:     Spawn,
		log:       log,
	}
}

// SetSpawnFunc replaces the worker spawner. Used by tests.
func (r *Router) SetSpawnFunc(fn SpawnFunc) { r.spawn = fn }

// Branches exposes the thread-to-fork map.
func (r *Router) Branches() *BranchMap { return r.branches }

// Route delivers one message to a local session and returns the outcome.
func (r *Router) Route(ctx context.Context, msg *bus.Message, sessions []discovery.Session) Result {
	metrics.InflightDeliveries.Inc()
	defer metrics.InflightDeliveries.Dec()

	res := r.route(ctx, msg, sessions)
	if res.OK {
		metrics.MessagesDelivered.Inc()
	} else {
		metrics.MessagesFailed.Inc()
	}
	return res
}

func (r *Router) route(ctx context.Context, msg *bus.Message, sessions []discovery.Session) Result {
	res := Result{MessageID: msg.ID}

	sess, ok := resolveTarget(msg, sessions)
	if !ok {
		res.Err = fmt.Errorf("no matching session for target %s %q", msg.TargetType, msg.TargetAddress)
		r.log.Warn("no matching session", "message_id", msg.ID, "target_type", msg.TargetType, "target_address", msg.TargetAddress)
		return res
	}

	content := msg.Content
	if r.security != nil {
		sanitized, err := r.security.CheckMessage(msg.SenderID, msg.Content)
		if err != nil {
			res.Err = fmt.Errorf("Security check failed: %w", err)
			r.log.Warn("message blocked", "message_id", msg.ID, "sender", msg.SenderID, "error", err)
			return res
		}
		content = sanitized
	}

	if msg.Status == bus.StatusPending && sess.AgentID != "" {
		if err := r.bus.ClaimMessage(ctx, msg.ID, sess.AgentID); err != nil {
			res.Err = fmt.Errorf("failed to claim message %s: %w", msg.ID, err)
			r.log.Info("claim lost", "message_id", msg.ID, "agent_id", sess.AgentID, "error", err)
			return res
		}
	}

	thread := msg.Thread()
	resumeID, resumed := r.branches.Get(thread)
	if !resumed {
		resumeID = sess.SessionID
	}

	spawned, err := r.spawn(ctx, SpawnRequest{
		SessionID:    resumeID,
		ForkSession:  !resumed,
		ProjectPath:  sess.ProjectPath,
		SystemPrompt: systemPrompt(msg),
		Prompt:       content,
	})
	if err != nil {
		res.Err = fmt.Errorf("worker failed: %w", err)
		r.log.Error("worker failed", "message_id", msg.ID, "session_id", sess.SessionID, "error", err)
		_ = r.bus.UpdateMessageStatus(ctx, msg.ID, bus.StatusFailed)
		return res
	}
	if spawned.ExitCode != 0 {
		res.Err = fmt.Errorf("worker exited %d: %s", spawned.ExitCode, strings.TrimSpace(spawned.Stderr))
		r.log.Error("worker exited nonzero", "message_id", msg.ID, "exit_code", spawned.ExitCode, "stderr", strings.TrimSpace(spawned.Stderr))
		_ = r.bus.UpdateMessageStatus(ctx, msg.ID, bus.StatusFailed)
		return res
	}

	response, branchID := parseWorkerOutput(spawned.Stdout)
	// The branch the conversation lives on from now on: the fork the worker
	// reported, or the original session when it reported none.
	branchSession := sess.SessionID
	if branchID != "" {
		r.branches.Put(thread, branchID)
		res.BranchSessionID = branchID
		branchSession = branchID
	}

	reply := &bus.Message{
		SenderID:      sess.AgentID,
		TargetType:    bus.TargetAgent,
		TargetAddress: msg.SenderID,
		MessageType:   bus.TypeResponse,
		Content:       response,
		ThreadID:      thread,
		Metadata: map[string]any{
			"inReplyTo": msg.ID,
			"sessionBranch": map[string]any{
				"sessionId":   branchSession,
				"machineId":   r.machineID,
				"projectPath": sess.ProjectPath,
			},
		},
	}
	if _, err := r.bus.SendMessage(ctx, reply); err != nil {
		r.log.Warn("response post failed", "message_id", msg.ID, "error", err)
	}

	// Best effort; the message was already handled.
	if err := r.bus.UpdateMessageStatus(ctx, msg.ID, bus.StatusDelivered); err != nil {
		r.log.Debug("status update failed", "message_id", msg.ID, "error", err)
	}

	res.OK = true
	res.Response = response
	return res
}

// resolveTarget picks the local session a message addresses. First match wins.
func resolveTarget(msg *bus.Message, sessions []discovery.Session) (discovery.Session, bool) {
	addr := msg.TargetAddress

	switch msg.TargetType {
	case bus.TargetAgent:
		for _, s := range sessions {
			if containsAny(addr, s.AgentID, s.SessionID, s.SessionName) {
				return s, true
			}
		}
	case bus.TargetProject:
		for _, s := range sessions {
			if s.ProjectPath != "" && strings.Contains(addr, s.ProjectPath) {
				return s, true
			}
		}
	case bus.TargetBroadcast:
		if len(sessions) > 0 {
			picked := sessions[0]
			for _, s := range sessions[1:] {
				if s.SessionID < picked.SessionID {
					picked = s
				}
			}
			return picked, true
		}
	}

	for _, s := range sessions {
		if s.SessionID != "" && strings.Contains(addr, s.SessionID) {
			return s, true
		}
	}
	if len(sessions) == 1 {
		return sessions[0], true
	}
	return discovery.Session{}, false
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// workerOutput is the JSON claude prints with --output-format json. Only the
// fields the router consumes.
type workerOutput struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// parseWorkerOutput extracts the response text and fork session id from the
// worker's stdout. Non-JSON stdout falls back to the trimmed raw text with no
// fork recorded.
func parseWorkerOutput(stdout string) (response, branchID string) {
	var out workerOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		return strings.TrimSpace(stdout), ""
	}
	return out.Result, out.SessionID
}

// systemPrompt renders the bus metadata block appended to the worker's system
// prompt so the session knows where the message came from.
func systemPrompt(msg *bus.Message) string {
	var b strings.Builder
	b.WriteString("You received this message over the agent bus.\n")
	fmt.Fprintf(&b, "Sender: %s\n", msg.SenderID)
	fmt.Fprintf(&b, "Message type: %s\n", msg.MessageType)
	if msg.ChannelID != "" {
		fmt.Fprintf(&b, "Channel: %s\n", msg.ChannelID)
	}
	fmt.Fprintf(&b, "Thread: %s\n", msg.Thread())
	if len(msg.Metadata) > 0 {
		keys := make([]string, 0, len(msg.Metadata))
		for k := range msg.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tags := make([]string, 0, len(keys))
		for _, k := range keys {
			tags = append(tags, fmt.Sprintf("%s=%v", k, msg.Metadata[k]))
		}
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(tags, " "))
	}
	b.WriteString("Reply to the sender's request in the user prompt.")
	return b.String()
}
