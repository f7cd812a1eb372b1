// Package lock implements the per-table lock manager from spec.md §4.7:
// leader-held named mutexes keyed by table name, acquired all-or-nothing by
// a lock id, with a follower path that asks the current leader over the
// wire.
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/andryyy/thatcat-sub000/internal/clustererr"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/metrics"
)

// entry is one table's lock state.
type entry struct {
	mu       sync.Mutex
	holderID string
}

// acquireWithTimeout attempts e.mu.Lock() but gives up after timeout or ctx
// cancellation. Because sync.Mutex itself cannot be cancelled, a goroutine
// is left blocked on the real Lock() call when we give up; if it eventually
// succeeds after we've moved on, it notices giveUp was closed and
// immediately unlocks again, so the entry is never left wrongly held.
func acquireWithTimeout(ctx context.Context, e *entry, timeout time.Duration) bool {
	acquired := make(chan struct{})
	giveUp := make(chan struct{})

	go func() {
		e.mu.Lock()
		select {
		case <-giveUp:
			e.mu.Unlock()
		default:
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		return true
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	close(giveUp)
	return false
}

// Manager holds the leader-side table lock map (spec.md §3 "Lock").
type Manager struct {
	mu      sync.Mutex
	tables  map[string]*entry
	log     logging.Logger
	metrics *metrics.Registry
}

// New builds an empty Manager.
func New(log logging.Logger, m *metrics.Registry) *Manager {
	return &Manager{tables: make(map[string]*entry), log: log, metrics: m}
}

func (m *Manager) entryFor(table string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tables[table]
	if !ok {
		e = &entry{}
		m.tables[table] = e
	}
	return e
}

// AcquireLeader acquires every table in tables, in order, under lockID,
// within timeout. On any failure it releases whatever it already holds and
// returns an error — invariant L2 (all-or-nothing).
func (m *Manager) AcquireLeader(ctx context.Context, lockID string, tables []string, timeout time.Duration) error {
	start := time.Now()
	held := make([]string, 0, len(tables))

	for _, table := range tables {
		e := m.entryFor(table)
		if !acquireWithTimeout(ctx, e, timeout) {
			m.releaseHeld(lockID, held)
			reason := "timeout acquiring " + table
			if ctx.Err() != nil {
				reason = "cancelled acquiring " + table
			}
			return &clustererr.LockFailure{Tables: tables, Reason: reason}
		}
		e.holderID = lockID
		held = append(held, table)
	}

	if m.metrics != nil {
		m.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	}
	return nil
}

// releaseHeld releases exactly the tables this lock id actually acquired,
// used for partial-acquisition rollback (invariant I4).
func (m *Manager) releaseHeld(lockID string, held []string) {
	for _, table := range held {
		e := m.entryFor(table)
		if e.holderID == lockID {
			e.holderID = ""
		}
		e.mu.Unlock()
	}
}

// Release releases every named table whose holderID equals lockID; an id
// mismatch on any table is logged and skipped, never an error (spec.md
// §4.7 "Release").
func (m *Manager) Release(lockID string, tables []string) {
	for _, table := range tables {
		e := m.entryFor(table)
		if e.holderID != lockID {
			m.log.Warnf("lock: release of %s by %s ignored, held by %q", table, lockID, e.holderID)
			continue
		}
		e.holderID = ""
		e.mu.Unlock()
	}
}

// ReleaseChecked is Release's wire-facing counterpart: it reports whether
// every table's holder id actually matched lockID, so the UNLOCK handler
// can answer OK or ERR UNLOCK_ERROR_UNKNOWN_ID (spec.md §4.7 "Release").
func (m *Manager) ReleaseChecked(lockID string, tables []string) bool {
	allMatched := true
	for _, table := range tables {
		e := m.entryFor(table)
		if e.holderID != lockID {
			m.log.Warnf("lock: release of %s by %s ignored, held by %q", table, lockID, e.holderID)
			allMatched = false
			continue
		}
		e.holderID = ""
		e.mu.Unlock()
	}
	return allMatched
}

// AcquireResult is the reply an AcquireFollower round produces.
type AcquireResult int

const (
	AcquireOK AcquireResult = iota
	AcquireBusy
	AcquireErr
)

// SendLockFunc abstracts the wire round-trip to the current leader's LOCK
// handler, so this package stays transport-agnostic (spec.md §4.7 follower
// path uses SendCommand + AwaitReceivers under the hood).
type SendLockFunc func(ctx context.Context, lockID string, tables []string) (AcquireResult, error)

// AcquireFollower retries LOCK against the leader, sleeping ~100ms between
// BUSY replies, until overallTimeout elapses (spec.md §4.7).
func AcquireFollower(ctx context.Context, send SendLockFunc, lockID string, tables []string, overallTimeout time.Duration) error {
	deadline := time.Now().Add(overallTimeout)
	for {
		result, err := send(ctx, lockID, tables)
		if err != nil {
			return &clustererr.LockFailure{Tables: tables, Reason: err.Error()}
		}
		switch result {
		case AcquireOK:
			return nil
		case AcquireBusy:
			if time.Now().After(deadline) {
				return &clustererr.LockFailure{Tables: tables, Reason: "overall locking_timeout elapsed"}
			}
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return &clustererr.LockFailure{Tables: tables, Reason: "cancelled"}
			}
		case AcquireErr:
			return &clustererr.LockFailure{Tables: tables, Reason: "leader reported LOCK_ERROR"}
		default:
			return fmt.Errorf("lock: unknown acquire result %v", result)
		}
	}
}

// RandomLeaderTimeout returns a randomized 0.05-0.15s timeout for the
// leader's AcquireLeader call when serving a follower's LOCK request
// (spec.md §4.7).
func RandomLeaderTimeout() time.Duration {
	return 50*time.Millisecond + time.Duration(rand.Intn(100))*time.Millisecond
}
