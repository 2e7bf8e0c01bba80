// Package registry manages the daemon's agent records on the bus: register,
// deregister, and per-agent heartbeat loops.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbus/agentbus/internal/bus"
	"github.com/agentbus/agentbus/internal/metrics"
)

const callTimeout = 30 * time.Second

// Client is the subset of the bus client the registry needs.
type Client interface {
	RegisterAgent(ctx context.Context, req bus.RegisterRequest) (*bus.Agent, error)
	DeregisterAgent(ctx context.Context, agentID string) error
	HeartbeatAgent(ctx context.Context, agentID string) error
}

// Registry tracks registered agents and their heartbeat timers. At most one
// heartbeat loop exists per agent ID.
type Registry struct {
	client Client

	mu    sync.Mutex
	loops map[string]*loop
}

// loop is one heartbeat timer. cancel is idempotent.
type loop struct {
	stop chan struct{}
	once sync.Once
}

func (l *loop) cancel() { l.once.Do(func() { close(l.stop) }) }

// New creates a registry backed by the given bus client.
func New(client Client) *Registry {
	return &Registry{
		client: client,
		loops:  make(map[string]*loop),
	}
}

// Register registers a local session as an agent. The service is idempotent
// per (machineID, sessionID).
func (r *Registry) Register(ctx context.Context, machineID, sessionID, sessionName, projectPath string, capabilities []string) (*bus.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	agent, err := r.client.RegisterAgent(ctx, bus.RegisterRequest{
		MachineID:    machineID,
		SessionID:    sessionID,
		SessionName:  sessionName,
		ProjectPath:  projectPath,
		Capabilities: capabilities,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("agent registered",
		"agent_id", agent.ID,
		"session_id", sessionID,
		"project_path", projectPath,
	)
	return agent, nil
}

// Deregister removes the agent record. Best-effort: a failure is logged and
// never blocks shutdown.
func (r *Registry) Deregister(ctx context.Context, agentID string) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := r.client.DeregisterAgent(ctx, agentID); err != nil {
		slog.Warn("deregister failed", "agent_id", agentID, "error", err)
		return
	}
	slog.Info("agent deregistered", "agent_id", agentID)
}

// Heartbeat refreshes the agent's liveness timestamp once.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return r.client.HeartbeatAgent(ctx, agentID)
}

// StartHeartbeat starts a heartbeat loop for the agent. Any existing loop
// for the same agent is cancelled first, so at most one timer exists per
// live agent ID. The returned cancel stops future beats within one tick.
func (r *Registry) StartHeartbeat(agentID string, interval time.Duration) (cancel func()) {
	l := &loop{stop: make(chan struct{})}

	r.mu.Lock()
	if prev, ok := r.loops[agentID]; ok {
		prev.cancel()
	}
	r.loops[agentID] = l
	r.mu.Unlock()

	go r.heartbeatLoop(agentID, interval, l.stop)

	return func() {
		l.cancel()
		r.mu.Lock()
		if r.loops[agentID] == l {
			delete(r.loops, agentID)
		}
		r.mu.Unlock()
	}
}

// StopHeartbeat cancels the heartbeat loop for an agent, if any.
func (r *Registry) StopHeartbeat(agentID string) {
	r.mu.Lock()
	l, ok := r.loops[agentID]
	delete(r.loops, agentID)
	r.mu.Unlock()
	if ok {
		l.cancel()
	}
}

// StopAll cancels every heartbeat loop.
func (r *Registry) StopAll() {
	r.mu.Lock()
	loops := make([]*loop, 0, len(r.loops))
	for _, l := range r.loops {
		loops = append(loops, l)
	}
	r.loops = make(map[string]*loop)
	r.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
}

// HeartbeatCount returns the number of live heartbeat loops.
func (r *Registry) HeartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// heartbeatLoop beats every interval until stopped. Errors are logged and
// swallowed; a failed beat never stops the loop.
func (r *Registry) heartbeatLoop(agentID string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.Heartbeat(context.Background(), agentID); err != nil {
				metrics.HeartbeatErrors.Inc()
				slog.Warn("heartbeat failed", "agent_id", agentID, "error", err)
			}
		}
	}
}
