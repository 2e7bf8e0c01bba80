// Package stream maintains the long-lived SSE subscription to the bus.
// Frames are mapped to typed events on a channel; the consumer reconnects
// with exponential backoff and keeps a resume cursor for the lifetime of
// the process.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentbus/agentbus/internal/bus"
	"github.com/agentbus/agentbus/internal/metrics"
)

// State of the consumer. Stopped is terminal.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Event is a tagged event emitted by the consumer.
type Event interface{ isEvent() }

// InsertEvent carries a bus message decoded from an insert frame.
type InsertEvent struct {
	Message bus.Message
	EventID string
}

// StatusEvent reports connection state changes.
type StatusEvent struct {
	Connected bool
}

// ErrorEvent reports a connection or read failure. The consumer recovers
// on its own; the event is informational.
type ErrorEvent struct {
	Err error
}

func (InsertEvent) isEvent() {}
func (StatusEvent) isEvent() {}
func (ErrorEvent) isEvent()  {}

// Source is the subset of the bus client the consumer needs.
type Source interface {
	OpenStream(ctx context.Context, machineID, lastEventID string) (io.ReadCloser, error)
	Keepalive(ctx context.Context) error
}

const (
	defaultInsertEvent   = "insert"
	defaultIdleThreshold = 12 * time.Second
	keepaliveCheckEvery  = 2 * time.Second
	maxLineSize          = 16 * 1024 * 1024
)

// Options configures a Consumer.
type Options struct {
	MachineID     string
	InsertEvent   string            // event type forwarded as messages (default "insert")
	IdleThreshold time.Duration     // zombie-detection threshold (default 12s)
	Backoff       backoff.BackOff   // reconnect backoff (default 1s→30s, 2x, jitter)
}

// Consumer reads the SSE stream and emits events. At most one consumer
// connection is open at a time.
type Consumer struct {
	src           Source
	machineID     string
	insertEvent   string
	idleThreshold time.Duration
	bo            backoff.BackOff
	events        chan Event

	mu           sync.Mutex
	state        State
	lastEventID  string
	lastActivity time.Time
	cancel       context.CancelFunc

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a consumer. Call Start to open the subscription.
func New(src Source, opts Options) *Consumer {
	if opts.InsertEvent == "" {
		opts.InsertEvent = defaultInsertEvent
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = defaultIdleThreshold
	}
	if opts.Backoff == nil {
		opts.Backoff = newDefaultBackoff()
	}
	return &Consumer{
		src:           src,
		machineID:     opts.MachineID,
		insertEvent:   opts.InsertEvent,
		idleThreshold: opts.IdleThreshold,
		bo:            opts.Backoff,
		events:        make(chan Event, 256),
		state:         Disconnected,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Events returns the event channel. It is never closed; readers should
// also select on their own shutdown signal.
func (c *Consumer) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the stream is currently open.
func (c *Consumer) Connected() bool { return c.State() == Connected }

// LastEventID returns the resume cursor: the most recent non-empty id
// field observed on the stream.
func (c *Consumer) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Start opens the subscription in a background goroutine. Calling Start
// more than once is a no-op.
func (c *Consumer) Start() {
	c.mu.Lock()
	if c.started || c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Stop aborts the current connection and transitions to the terminal
// Stopped state. Idempotent.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		started := c.started
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		if started {
			<-c.done
		}
		c.setState(Stopped)
	})
}

// ForceReconnect aborts the current read, which triggers the normal
// reconnection path. Used by the orchestrator's stream-health watchdog.
func (c *Consumer) ForceReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	metrics.StreamState.Set(float64(s))
}

func (c *Consumer) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Consumer) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stopCh:
	}
}

func (c *Consumer) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Consumer) idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// sleep waits for d or until Stop. Returns false when stopping.
func (c *Consumer) sleep(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Consumer) run() {
	defer close(c.done)

	for {
		if c.stopping() {
			return
		}
		c.setState(Connecting)

		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()

		body, err := c.src.OpenStream(ctx, c.machineID, c.LastEventID())
		if err != nil {
			cancel()
			if c.stopping() {
				return
			}
			c.setState(Reconnecting)
			c.emit(ErrorEvent{Err: err})
			interval := c.bo.NextBackOff()
			slog.Warn("stream connect failed, retrying...", "error", err, "backoff", interval)
			metrics.StreamReconnects.Inc()
			if !c.sleep(interval) {
				return
			}
			continue
		}

		c.setState(Connected)
		c.bo.Reset()
		c.touch()
		c.emit(StatusEvent{Connected: true})
		slog.Info("stream connected", "machine_id", c.machineID, "resume_from", c.LastEventID())

		go c.keepaliveLoop(ctx, cancel)

		readErr := c.readLoop(body)
		_ = body.Close()
		cancel()

		c.emit(StatusEvent{Connected: false})
		if c.stopping() {
			return
		}
		c.setState(Reconnecting)
		if readErr != nil {
			c.emit(ErrorEvent{Err: readErr})
		}
		interval := c.bo.NextBackOff()
		slog.Warn("stream disconnected, reconnecting...", "error", readErr, "backoff", interval)
		metrics.StreamReconnects.Inc()
		if !c.sleep(interval) {
			return
		}
	}
}

// keepaliveLoop probes the service when no bytes have arrived for the idle
// threshold. A failed probe aborts the current read, which routes through
// the reconnection path. A successful probe counts as activity so the next
// probe waits a full threshold again.
func (c *Consumer) keepaliveLoop(ctx context.Context, abort context.CancelFunc) {
	ticker := time.NewTicker(keepaliveCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.idle() < c.idleThreshold {
				continue
			}
			if err := c.src.Keepalive(ctx); err != nil {
				slog.Warn("keepalive probe failed, aborting stream read", "error", err)
				abort()
				return
			}
			c.touch()
		}
	}
}

// envelope is how the service wraps each inserted row on the wire.
type envelope struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
	TS   string          `json:"ts"`
}

func (c *Consumer) readLoop(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var p frameParser
	for scanner.Scan() {
		c.touch()
		line := strings.TrimSuffix(scanner.Text(), "\r")
		f, ok := p.line(line)
		if !ok {
			continue
		}

		if f.id != "" {
			c.mu.Lock()
			c.lastEventID = f.id
			c.mu.Unlock()
		}
		if f.event != c.insertEvent {
			continue
		}

		msg, ok := decodeInsert(f.data)
		if !ok {
			slog.Debug("skipping non-message insert frame", "event_id", f.id)
			continue
		}
		metrics.MessagesReceived.Inc()
		c.emit(InsertEvent{Message: msg, EventID: f.id})
	}
	return scanner.Err()
}

// decodeInsert unwraps the {id, data, ts} envelope and decodes the inner
// record as a Message. Payloads that do not match the message shape are
// dropped.
func decodeInsert(data string) (bus.Message, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil || len(env.Data) == 0 {
		return bus.Message{}, false
	}
	var msg bus.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil || msg.ID == "" {
		return bus.Message{}, false
	}
	return msg, true
}
