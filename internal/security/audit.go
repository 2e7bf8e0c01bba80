package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/agentbus/agentbus/internal/bus"
	"github.com/agentbus/agentbus/internal/metrics"
	"github.com/agentbus/agentbus/internal/security/auditstore"
)

// Audit result values.
const (
	ResultAllowed = "allowed"
	// Blocked results are "blocked:<reason>"; see BlockedResult.
	blockedPrefix = "blocked:"
)

// BlockedResult formats a blocked audit result.
func BlockedResult(reason string) string { return blockedPrefix + reason }

const (
	flushTimeout = 30 * time.Second
	spoolDrain   = 500 // max spooled entries re-posted per flush
)

// AuditConfig configures the batcher.
type AuditConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// SpoolPath, when set, enables the durable spool: batches that fail
	// to post are written to SQLite and retried on later flushes.
	SpoolPath string
}

// AuditPoster posts audit batches to the bus. *bus.Client satisfies it.
type AuditPoster interface {
	PostAudit(ctx context.Context, entries []bus.AuditEntry) error
}

// Auditor buffers audit entries and flushes them on size or time
// thresholds. Entries are never dropped silently: a failed flush re-queues
// into memory, or into the spool when configured.
type Auditor struct {
	cfg    AuditConfig
	poster AuditPoster
	spool  *auditstore.Store

	mu    sync.Mutex
	batch []bus.AuditEntry

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewAuditor creates an auditor. When cfg.SpoolPath is set the durable
// spool is opened (and created) there.
func NewAuditor(cfg AuditConfig, poster AuditPoster) (*Auditor, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	a := &Auditor{
		cfg:    cfg,
		poster: poster,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.SpoolPath != "" {
		spool, err := auditstore.Open(cfg.SpoolPath)
		if err != nil {
			return nil, err
		}
		a.spool = spool
	}
	return a, nil
}

// Record appends an entry to the batch, assigning an ID and timestamp when
// missing. A full batch triggers an asynchronous flush.
func (a *Auditor) Record(e bus.AuditEntry) {
	if e.ID == "" {
		if id, err := gonanoid.New(); err == nil {
			e.ID = id
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.batch = append(a.batch, e)
	full := len(a.batch) >= a.cfg.BatchSize
	a.mu.Unlock()

	if full {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			a.Flush(ctx)
		}()
	}
}

// Pending returns the number of buffered entries.
func (a *Auditor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batch)
}

// Flush posts the drained batch (plus any spooled backlog). On failure the
// entries go to the spool when configured, otherwise back into memory.
func (a *Auditor) Flush(ctx context.Context) {
	a.mu.Lock()
	entries := a.batch
	a.batch = nil
	a.mu.Unlock()

	// Pick up spooled backlog from earlier failures. Dequeue may return
	// more IDs than entries when it drops corrupt rows, so the decoded
	// count is tracked separately from the IDs.
	var spoolIDs []int64
	spooledCount := 0
	if a.spool != nil {
		spooled, ids, err := a.spool.Dequeue(spoolDrain)
		if err != nil {
			slog.Warn("audit spool read failed", "error", err)
		} else if len(ids) > 0 {
			entries = append(spooled, entries...)
			spoolIDs = ids
			spooledCount = len(spooled)
		}
	}

	if len(entries) == 0 {
		return
	}

	if err := a.poster.PostAudit(ctx, entries); err != nil {
		metrics.AuditFlushes.WithLabelValues("error").Inc()
		slog.Warn("audit flush failed", "entries", len(entries), "error", err)
		a.retain(entries, spooledCount)
		return
	}

	metrics.AuditFlushes.WithLabelValues("ok").Inc()
	if a.spool != nil && len(spoolIDs) > 0 {
		if err := a.spool.Delete(spoolIDs); err != nil {
			slog.Warn("audit spool cleanup failed", "error", err)
		}
	}
}

// retain keeps unflushed entries: durable spool when configured, else the
// in-memory batch. spooledCount is how many leading entries came out of the
// spool and are still stored there.
func (a *Auditor) retain(entries []bus.AuditEntry, spooledCount int) {
	if a.spool != nil {
		fresh := entries[spooledCount:]
		if err := a.spool.Enqueue(fresh); err != nil {
			slog.Error("audit spool write failed, keeping entries in memory", "error", err)
			a.mu.Lock()
			a.batch = append(fresh, a.batch...)
			a.mu.Unlock()
		}
		return
	}
	a.mu.Lock()
	a.batch = append(entries, a.batch...)
	a.mu.Unlock()
}

// Start begins the auto-flush timer. Safe to call once.
func (a *Auditor) Start() {
	a.startOnce.Do(func() {
		go a.flushLoop()
	})
}

func (a *Auditor) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			a.Flush(ctx)
			cancel()
		}
	}
}

// Shutdown stops the timer and performs a final flush. Idempotent.
func (a *Auditor) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.startOnce.Do(func() { close(a.done) }) // never started
		<-a.done
		a.Flush(ctx)
		if a.spool != nil {
			if err := a.spool.Close(); err != nil {
				slog.Warn("audit spool close failed", "error", err)
			}
		}
	})
}
