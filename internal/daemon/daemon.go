// Package daemon wires discovery, registration, the event stream, security,
// and routing into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentbus/agentbus/internal/bus"
	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/discovery"
	"github.com/agentbus/agentbus/internal/filter"
	"github.com/agentbus/agentbus/internal/mailbox"
	"github.com/agentbus/agentbus/internal/metrics"
	"github.com/agentbus/agentbus/internal/registry"
	"github.com/agentbus/agentbus/internal/router"
	"github.com/agentbus/agentbus/internal/security"
	"github.com/agentbus/agentbus/internal/stream"
)

// State is the daemon lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed // terminal; catastrophic startup failure
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	tokenHeader     = "X-Agent-Token"
	watcherDebounce = 500 * time.Millisecond
	shutdownTimeout = 5 * time.Second
	deliveryTimeout = 6 * time.Minute
)

// Client is the slice of the bus client the daemon consumes. *bus.Client
// satisfies it.
type Client interface {
	RegisterAgent(ctx context.Context, req bus.RegisterRequest) (*bus.Agent, error)
	DeregisterAgent(ctx context.Context, agentID string) error
	HeartbeatAgent(ctx context.Context, agentID string) error
	ClaimMessage(ctx context.Context, messageID, agentID string) error
	SendMessage(ctx context.Context, msg *bus.Message) (*bus.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID, status string) error
	OpenStream(ctx context.Context, machineID, lastEventID string) (io.ReadCloser, error)
	Keepalive(ctx context.Context) error
	PostAudit(ctx context.Context, entries []bus.AuditEntry) error
	SetHeader(key, value string)
	RemoveHeader(key string)
}

// Options configures a Daemon.
type Options struct {
	Config   *config.Config
	Client   Client
	Logger   *slog.Logger
	OnStatus func(State) // called after every state transition
	Spawn    router.SpawnFunc
}

// Daemon is the orchestrator. One instance manages all local sessions.
type Daemon struct {
	cfg      *config.Config
	client   Client
	log      *slog.Logger
	onStatus func(State)

	scanner *discovery.Scanner
	reg     *registry.Registry
	filt    *filter.Filter
	rtr     *router.Router
	mbox    *mailbox.Writer
	sec     *security.Pipeline // nil when security is not configured

	mu       sync.Mutex
	state    State
	sessions map[string]discovery.Session // sessionID -> session, AgentID set
	token    string
	consumer *stream.Consumer

	queue  chan *bus.Message
	sem    chan struct{}
	kick   chan struct{}
	stopCh chan struct{}
	sigCh  chan os.Signal

	wg         sync.WaitGroup // non-delivery loops; waited on in Stop
	deliveryWg sync.WaitGroup // in-flight deliveries; not waited on
	stopOnce   *sync.Once
}

// New creates a daemon. Start must be called separately.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Client == nil {
		return nil, fmt.Errorf("daemon: config and client are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	onStatus := opts.OnStatus
	if onStatus == nil {
		onStatus = func(State) {}
	}

	cfg := opts.Config
	d := &Daemon{
		cfg:      cfg,
		client:   opts.Client,
		log:      log,
		onStatus: onStatus,
		scanner:  discovery.NewScanner(cfg.Discovery.Root),
		reg:      registry.New(opts.Client),
		filt:     filter.New(cfg.MachineID),
		mbox:     mailbox.NewWriter(cfg.Discovery.Root),
		sessions: make(map[string]discovery.Session),
		stopOnce: &sync.Once{},
	}

	var sec router.Security
	if cfg.SecurityEnabled() {
		pipe, err := security.NewPipeline(security.Config{
			JWT: security.JWTConfig{
				Secret:           cfg.Security.JWTSecret,
				Expiry:           cfg.Security.JWTExpiry,
				RotationInterval: cfg.Security.JWTRotationInterval,
			},
			RateLimits: map[string]int{
				security.ActionMessage: cfg.Security.MessagesPerMinute,
				security.ActionCommand: cfg.Security.CommandsPerMinute,
			},
			AllowedDirectories: cfg.Security.AllowedDirectories,
			Audit: security.AuditConfig{
				BatchSize:     cfg.Audit.BatchSize,
				FlushInterval: cfg.Audit.FlushInterval,
				SpoolPath:     cfg.Audit.SpoolPath,
			},
		}, opts.Client)
		if err != nil {
			return nil, fmt.Errorf("build security pipeline: %w", err)
		}
		d.sec = pipe
		sec = pipe
	}

	d.rtr = router.New(opts.Client, sec, cfg.MachineID, log)
	if opts.Spawn != nil {
		d.rtr.SetSpawnFunc(opts.Spawn)
	}
	return d, nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.onStatus(s)
}

// Start brings the daemon up. Safe to call again after a full Stop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Stopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon is %s, not stopped", d.state)
	}
	d.state = Starting
	d.stopCh = make(chan struct{})
	d.queue = make(chan *bus.Message, d.cfg.Delivery.QueueSize)
	d.sem = make(chan struct{}, d.cfg.Delivery.MaxInflight)
	d.kick = make(chan struct{}, 1)
	d.stopOnce = &sync.Once{}
	d.mu.Unlock()
	d.onStatus(Starting)

	d.installSignalHandlers()

	if d.sec != nil {
		token, err := d.sec.Tokens.Create(d.cfg.MachineID, d.cfg.MachineID, nil)
		if err != nil {
			d.setState(Failed)
			return fmt.Errorf("mint agent token: %w", err)
		}
		d.mu.Lock()
		d.token = token
		d.mu.Unlock()
		d.client.SetHeader(tokenHeader, token)
		d.sec.StartAuditFlush()

		d.wg.Add(1)
		go d.tokenRefreshLoop()
	}

	// First discovery pass before the stream opens so the filter knows the
	// local sessions from the first event on.
	d.syncSessions(ctx)

	consumer := stream.New(d.client, stream.Options{MachineID: d.cfg.MachineID})
	d.mu.Lock()
	d.consumer = consumer
	d.mu.Unlock()
	consumer.Start()

	d.wg.Add(3)
	go d.consumeEvents(consumer)
	go d.dispatchLoop()
	go d.discoveryLoop()

	d.startWatcher()

	d.setState(Running)
	d.log.Info("daemon started",
		"machine_id", d.cfg.MachineID,
		"sessions", len(d.localSessions()),
		"security", d.sec != nil)
	return nil
}

// Stop tears the daemon down in reverse start order. Idempotent; in-flight
// deliveries are left to finish on their own.
func (d *Daemon) Stop() {
	d.mu.Lock()
	once := d.stopOnce
	running := d.state == Running || d.state == Starting
	d.mu.Unlock()
	if !running {
		return
	}

	once.Do(func() {
		d.setState(Stopping)
		close(d.stopCh)

		d.mu.Lock()
		consumer := d.consumer
		d.mu.Unlock()
		if consumer != nil {
			consumer.Stop()
		}

		d.wg.Wait()
		d.reg.StopAll()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		d.mu.Lock()
		sessions := make([]discovery.Session, 0, len(d.sessions))
		for _, s := range d.sessions {
			sessions = append(sessions, s)
		}
		d.sessions = make(map[string]discovery.Session)
		d.mu.Unlock()
		for _, s := range sessions {
			d.reg.Deregister(ctx, s.AgentID)
		}
		metrics.RegisteredAgents.Set(0)

		if d.sec != nil {
			d.sec.Shutdown(ctx)
			d.client.RemoveHeader(tokenHeader)
		}
		d.removeSignalHandlers()

		d.setState(Stopped)
		d.log.Info("daemon stopped")
	})
}

func (d *Daemon) installSignalHandlers() {
	d.sigCh = make(chan os.Signal, 1)
	signal.Notify(d.sigCh, os.Interrupt, syscall.SIGTERM)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case sig := <-d.sigCh:
			d.log.Info("signal received, stopping", "signal", sig)
			go d.Stop()
		case <-d.stopCh:
		}
	}()
}

func (d *Daemon) removeSignalHandlers() {
	if d.sigCh != nil {
		signal.Stop(d.sigCh)
	}
}

func (d *Daemon) tokenRefreshLoop() {
	defer d.wg.Done()
	interval := d.cfg.Security.JWTRotationInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			current := d.token
			d.mu.Unlock()

			token, rotated, err := d.sec.Tokens.Refresh(current)
			if err != nil {
				// Expired or revoked; mint a fresh one.
				token, err = d.sec.Tokens.Create(d.cfg.MachineID, d.cfg.MachineID, nil)
				if err != nil {
					d.log.Error("token refresh failed", "error", err)
					continue
				}
				rotated = true
			}
			if rotated {
				d.mu.Lock()
				d.token = token
				d.mu.Unlock()
				d.client.SetHeader(tokenHeader, token)
				d.log.Debug("agent token rotated")
			}
		}
	}
}

// discoveryLoop re-scans local sessions on a fixed cadence, plus early ticks
// kicked by the filesystem watcher.
func (d *Daemon) discoveryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Discovery.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		case <-d.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		d.syncSessions(ctx)
		cancel()
		d.checkStreamHealth()
	}
}

// syncSessions reconciles the registered agents with what discovery finds.
func (d *Daemon) syncSessions(ctx context.Context) {
	found := d.scanner.Discover()
	current := make(map[string]discovery.Session, len(found))
	for _, s := range found {
		current[s.SessionID] = s
	}

	d.mu.Lock()
	known := make(map[string]discovery.Session, len(d.sessions))
	for id, s := range d.sessions {
		known[id] = s
	}
	d.mu.Unlock()

	for id, s := range current {
		if _, ok := known[id]; ok {
			continue
		}
		agent, err := d.reg.Register(ctx, d.cfg.MachineID, s.SessionID, s.SessionName, s.ProjectPath, nil)
		if err != nil {
			d.log.Warn("agent registration failed", "session_id", id, "error", err)
			continue
		}
		s.AgentID = agent.ID
		d.mu.Lock()
		d.sessions[id] = s
		d.mu.Unlock()
		d.reg.StartHeartbeat(agent.ID, d.cfg.HeartbeatInterval)
		d.log.Info("session registered", "session_id", id, "agent_id", agent.ID, "project", s.ProjectPath)
	}

	for id, s := range known {
		if _, ok := current[id]; ok {
			continue
		}
		d.reg.StopHeartbeat(s.AgentID)
		d.reg.Deregister(ctx, s.AgentID)
		d.mu.Lock()
		delete(d.sessions, id)
		d.mu.Unlock()
		d.log.Info("session gone, deregistered", "session_id", id, "agent_id", s.AgentID)
	}

	sessions := d.localSessions()
	sessionIDs := make([]string, 0, len(sessions))
	agentIDs := make([]string, 0, len(sessions))
	for _, s := range sessions {
		sessionIDs = append(sessionIDs, s.SessionID)
		agentIDs = append(agentIDs, s.AgentID)
	}
	d.filt.UpdateSessionIDs(sessionIDs)
	d.filt.UpdateAgentIDs(agentIDs)
	metrics.RegisteredAgents.Set(float64(len(sessions)))
}

// UpdateMemberships replaces the channel membership set used by the filter.
func (d *Daemon) UpdateMemberships(channels []string) {
	d.filt.UpdateMemberships(channels)
}

func (d *Daemon) checkStreamHealth() {
	d.mu.Lock()
	consumer := d.consumer
	d.mu.Unlock()
	if consumer != nil && !consumer.Connected() {
		consumer.ForceReconnect()
	}
}

// localSessions returns a snapshot sorted by session id so target resolution
// is deterministic.
func (d *Daemon) localSessions() []discovery.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]discovery.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (d *Daemon) consumeEvents(consumer *stream.Consumer) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case ev := <-consumer.Events():
			switch e := ev.(type) {
			case stream.InsertEvent:
				d.classify(&e.Message)
			case stream.StatusEvent:
				d.log.Info("stream status", "connected", e.Connected)
			case stream.ErrorEvent:
				d.log.Warn("stream error", "error", e.Err)
			}
		}
	}
}

// classify decides what to do with one stream-delivered message: drop it,
// write it to a mailbox, or queue it for push delivery.
func (d *Daemon) classify(msg *bus.Message) {
	if !d.filt.ShouldDeliver(msg) {
		metrics.MessagesDropped.WithLabelValues("filtered").Inc()
		return
	}
	metrics.MessagesAccepted.Inc()

	switch msg.DeliveryMode() {
	case bus.DeliveryBroadcast:
		// Memos are read over REST on the session's own schedule.
		metrics.MessagesDropped.WithLabelValues("broadcast").Inc()
	case bus.DeliveryPull:
		agentID := d.resolvePullAgent(msg)
		if agentID == "" {
			metrics.MessagesDropped.WithLabelValues("no_agent").Inc()
			return
		}
		if err := d.mbox.Deliver(agentID, msg); err != nil {
			d.log.Error("mailbox write failed", "message_id", msg.ID, "agent_id", agentID, "error", err)
			return
		}
		d.log.Debug("message delivered to mailbox", "message_id", msg.ID, "agent_id", agentID)
	default: // push or absent
		d.enqueue(msg)
	}
}

// resolvePullAgent picks the inbox for a pull message: the first session
// whose id appears in the target address, else the first registered.
func (d *Daemon) resolvePullAgent(msg *bus.Message) string {
	sessions := d.localSessions()
	for _, s := range sessions {
		if s.SessionID != "" && strings.Contains(msg.TargetAddress, s.SessionID) {
			return s.AgentID
		}
	}
	if len(sessions) > 0 {
		return sessions[0].AgentID
	}
	return ""
}

// enqueue adds a message to the delivery queue, dropping the oldest queued
// message when full.
func (d *Daemon) enqueue(msg *bus.Message) {
	for {
		select {
		case d.queue <- msg:
			return
		default:
		}
		select {
		case old := <-d.queue:
			metrics.MessagesDropped.WithLabelValues("overflow").Inc()
			d.log.Warn("delivery queue full, dropping oldest", "message_id", old.ID)
			if d.sec != nil {
				d.sec.Audit(bus.AuditEntry{
					ActorID: old.SenderID,
					Action:  security.ActionMessage,
					Result:  security.BlockedResult("queue overflow"),
					Detail:  map[string]any{"message_id": old.ID},
				})
			}
		default:
		}
	}
}

// dispatchLoop hands queued messages to the router, bounded by the delivery
// semaphore. The stream consumer never blocks on delivery.
func (d *Daemon) dispatchLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case msg := <-d.queue:
			select {
			case d.sem <- struct{}{}:
			case <-d.stopCh:
				return
			}
			d.deliveryWg.Add(1)
			go func(m *bus.Message) {
				defer d.deliveryWg.Done()
				defer func() { <-d.sem }()
				ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
				defer cancel()
				res := d.rtr.Route(ctx, m, d.localSessions())
				if !res.OK {
					d.log.Warn("message routing failed", "message_id", m.ID, "error", res.Err)
				}
			}(msg)
		}
	}
}

// startWatcher watches the transcript directory so new sessions are picked
// up without waiting for the next poll. Best effort; polling still covers
// everything.
func (d *Daemon) startWatcher() {
	projectsDir := filepath.Join(d.cfg.Discovery.Root, "projects")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("fs watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(projectsDir); err != nil {
		d.log.Debug("fs watcher not installed", "dir", projectsDir, "error", err)
		watcher.Close()
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer watcher.Close()

		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case <-d.stopCh:
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watcherDebounce, func() {
					select {
					case d.kick <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.Debug("fs watcher error", "error", err)
			}
		}
	}()
}
