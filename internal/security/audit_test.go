package security

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/agentbus/internal/bus"
)

// fakePoster records posted batches and can fail on demand.
type fakePoster struct {
	mu      sync.Mutex
	batches [][]bus.AuditEntry
	err     error
}

func (f *fakePoster) PostAudit(ctx context.Context, entries []bus.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, entries)
	return nil
}

func (f *fakePoster) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePoster) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestFlushOnBatchSize(t *testing.T) {
	p := &fakePoster{}
	a, err := NewAuditor(AuditConfig{BatchSize: 3, FlushInterval: time.Hour}, p)
	require.NoError(t, err)

	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: ResultAllowed})
	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: ResultAllowed})
	assert.Equal(t, 0, p.total())

	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: ResultAllowed})
	require.Eventually(t, func() bool { return p.total() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, a.Pending())
}

func TestFlushOnInterval(t *testing.T) {
	p := &fakePoster{}
	a, err := NewAuditor(AuditConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, p)
	require.NoError(t, err)
	a.Start()
	defer a.Shutdown(context.Background())

	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: ResultAllowed})
	require.Eventually(t, func() bool { return p.total() == 1 }, 5*time.Second, time.Millisecond)
}

func TestShutdownFlushesRemainder(t *testing.T) {
	p := &fakePoster{}
	a, err := NewAuditor(AuditConfig{BatchSize: 100, FlushInterval: time.Hour}, p)
	require.NoError(t, err)
	a.Start()

	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: ResultAllowed})
	a.Shutdown(context.Background())
	assert.Equal(t, 1, p.total())

	// Idempotent.
	a.Shutdown(context.Background())
	assert.Equal(t, 1, p.total())
}

func TestFailedFlushKeepsEntriesInMemory(t *testing.T) {
	p := &fakePoster{}
	p.setErr(errors.New("unreachable"))
	a, err := NewAuditor(AuditConfig{BatchSize: 100, FlushInterval: time.Hour}, p)
	require.NoError(t, err)

	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: ResultAllowed})
	a.Flush(context.Background())
	assert.Equal(t, 0, p.total())
	assert.Equal(t, 1, a.Pending())

	p.setErr(nil)
	a.Flush(context.Background())
	assert.Equal(t, 1, p.total())
	assert.Equal(t, 0, a.Pending())
}

func TestFailedFlushSpillsToSpool(t *testing.T) {
	p := &fakePoster{}
	p.setErr(errors.New("unreachable"))
	spoolPath := filepath.Join(t.TempDir(), "audit.db")
	a, err := NewAuditor(AuditConfig{BatchSize: 100, FlushInterval: time.Hour, SpoolPath: spoolPath}, p)
	require.NoError(t, err)

	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: BlockedResult("test")})
	a.Flush(context.Background())
	assert.Equal(t, 0, a.Pending())

	n, err := a.spool.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Next flush drains the spool.
	p.setErr(nil)
	a.Flush(context.Background())
	assert.Equal(t, 1, p.total())

	n, err = a.spool.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	a.Shutdown(context.Background())
}

func TestFailedFlushWithCorruptSpoolRows(t *testing.T) {
	p := &fakePoster{}
	p.setErr(errors.New("unreachable"))
	spoolPath := filepath.Join(t.TempDir(), "audit.db")
	a, err := NewAuditor(AuditConfig{BatchSize: 100, FlushInterval: time.Hour, SpoolPath: spoolPath}, p)
	require.NoError(t, err)

	// Undecodable rows, as left behind by a partial write or a schema
	// change. The sqlite driver is registered by the spool package.
	db, err := sql.Open("sqlite", spoolPath)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = db.Exec("INSERT INTO audit_spool (entry) VALUES ('not json')")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: ResultAllowed})
	a.Flush(context.Background())
	assert.Equal(t, 0, a.Pending())

	// The fresh entry was spooled alongside the corrupt rows, which stay
	// until a post succeeds.
	n, err := a.spool.Len()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// A successful flush re-posts the good entry and clears the corrupt
	// rows with it.
	p.setErr(nil)
	a.Flush(context.Background())
	assert.Equal(t, 1, p.total())

	n, err = a.spool.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	a.Shutdown(context.Background())
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	p := &fakePoster{}
	a, err := NewAuditor(AuditConfig{BatchSize: 100, FlushInterval: time.Hour}, p)
	require.NoError(t, err)

	a.Record(bus.AuditEntry{ActorID: "x", Action: "message", Result: ResultAllowed})
	a.Flush(context.Background())

	require.Equal(t, 1, p.total())
	e := p.batches[0][0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestBlockedResultFormat(t *testing.T) {
	assert.Equal(t, "blocked:queue overflow", BlockedResult("queue overflow"))
	assert.Equal(t, "allowed", ResultAllowed)
}
