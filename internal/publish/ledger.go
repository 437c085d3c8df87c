package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/txingest/internal/eventlog"
)

// ReserveState is the answer of a Ledger to a reservation request.
type ReserveState int

const (
	// Reserved: the caller owns the key and must Commit or Release it.
	Reserved ReserveState = iota
	// Committed: the key was already appended; the stored position is returned.
	Committed
	// InFlight: another sender holds the reservation.
	InFlight
)

func (s ReserveState) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Committed:
		return "committed"
	case InFlight:
		return "in_flight"
	}
	return fmt.Sprintf("ReserveState(%d)", int(s))
}

// Ledger remembers which (id, sequence) keys already reached the log so a
// retried publish answers with the original position instead of appending
// again. Kafka without an idempotent producer cannot do this on its own.
type Ledger interface {
	Reserve(ctx context.Context, key string) (ReserveState, eventlog.Position, error)
	Commit(ctx context.Context, key string, pos eventlog.Position) error
	Release(ctx context.Context, key string) error
}

func dedupKey(id string, sequence uint64) string {
	return fmt.Sprintf("%s:%d", id, sequence)
}

type ledgerEntry struct {
	committed bool
	pos       eventlog.Position
	expires   time.Time
}

// MemoryLedgerOptions configures a MemoryLedger. The TTLs mean the same as
// for RedisLedgerOptions.
type MemoryLedgerOptions struct {
	TTL        time.Duration
	PendingTTL time.Duration
}

// MemoryLedger is a process-local Ledger. Expired keys are treated as absent
// and swept out once per PendingTTL.
type MemoryLedger struct {
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]ledgerEntry
	swept   time.Time
}

func NewMemoryLedger(opts MemoryLedgerOptions) *MemoryLedger {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = time.Minute
	}
	return &MemoryLedger{
		ttl:        opts.TTL,
		pendingTTL: opts.PendingTTL,
		now:        time.Now,
		entries:    make(map[string]ledgerEntry),
	}
}

func (l *MemoryLedger) Reserve(_ context.Context, key string) (ReserveState, eventlog.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	e, ok := l.entries[key]
	switch {
	case !ok || !now.Before(e.expires):
		l.entries[key] = ledgerEntry{expires: now.Add(l.pendingTTL)}
		return Reserved, eventlog.Position{}, nil
	case e.committed:
		return Committed, e.pos, nil
	default:
		return InFlight, eventlog.Position{}, nil
	}
}

func (l *MemoryLedger) Commit(_ context.Context, key string, pos eventlog.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = ledgerEntry{committed: true, pos: pos, expires: l.now().Add(l.ttl)}
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok && !e.committed {
		delete(l.entries, key)
	}
	return nil
}

// sweep must be called with mu held.
func (l *MemoryLedger) sweep(now time.Time) {
	if now.Sub(l.swept) < l.pendingTTL {
		return
	}
	l.swept = now
	for k, e := range l.entries {
		if !now.Before(e.expires) {
			delete(l.entries, k)
		}
	}
}
