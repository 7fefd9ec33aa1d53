// Package lock implements hierarchical multi-granularity locking over
// table and row resources: five lock modes, three isolation-level
// policies, in-place upgrades, and a background deadlock detector that
// aborts the youngest transaction in any wait-for cycle.
package lock

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"coredb/txn"
)

// compatMatrix[held][requested] reports whether a transaction already
// holding `held` on a resource is compatible with another transaction
// concurrently holding `requested`. Indexed by txn.LockMode's iota
// order (IS, IX, S, SIX, X).
var compatMatrix = [5][5]bool{
	/* IS  */ {true, true, true, true, false},
	/* IX  */ {true, true, false, false, false},
	/* S   */ {true, false, true, false, false},
	/* SIX */ {true, false, false, false, false},
	/* X   */ {false, false, false, false, false},
}

func compatible(held, requested txn.LockMode) bool {
	return compatMatrix[held][requested]
}

// upgradeAllowed reports whether a transaction holding from may upgrade
// directly to to. Per spec.md's upgrade matrix, the only legal upgrades
// narrow strictly towards X.
func upgradeAllowed(from, to txn.LockMode) bool {
	switch from {
	case txn.IntentionShared:
		switch to {
		case txn.Shared, txn.Exclusive, txn.IntentionExclusive, txn.SharedIntentionExclusive:
			return true
		}
	case txn.Shared:
		switch to {
		case txn.Exclusive, txn.SharedIntentionExclusive:
			return true
		}
	case txn.IntentionExclusive:
		switch to {
		case txn.Exclusive, txn.SharedIntentionExclusive:
			return true
		}
	case txn.SharedIntentionExclusive:
		return to == txn.Exclusive
	}
	return false
}

// Manager is the lock manager. One Manager serves every table and row
// in a storage engine instance.
type Manager struct {
	tableMapMu sync.Mutex
	tableQueue map[txn.TableOID]*requestQueue

	rowMapMu sync.Mutex
	rowQueue map[rowKey]*requestQueue

	log *logrus.Logger

	detectorInterval time.Duration
	detectorStop     chan struct{}
	detectorDone     chan struct{}
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger overrides the default logrus.StandardLogger().
func WithLogger(log *logrus.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithDeadlockInterval overrides the default deadlock-detector sweep
// period.
func WithDeadlockInterval(d time.Duration) Option {
	return func(m *Manager) { m.detectorInterval = d }
}

// New builds a lock manager and starts its background deadlock
// detector. Call Close to stop it.
func New(opts ...Option) *Manager {
	m := &Manager{
		tableQueue:       make(map[txn.TableOID]*requestQueue),
		rowQueue:         make(map[rowKey]*requestQueue),
		log:              logrus.StandardLogger(),
		detectorInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.detectorStop = make(chan struct{})
	m.detectorDone = make(chan struct{})
	go m.runDetector()
	return m
}

// Close stops the background deadlock detector and waits for it to
// exit.
func (m *Manager) Close() {
	close(m.detectorStop)
	<-m.detectorDone
}

func (m *Manager) abort(t *txn.Transaction, reason AbortReason) error {
	t.SetState(txn.Aborted)
	return &AbortError{TxnID: t.ID(), Reason: reason}
}

func (m *Manager) tableQueueFor(oid txn.TableOID) *requestQueue {
	m.tableMapMu.Lock()
	defer m.tableMapMu.Unlock()
	q, ok := m.tableQueue[oid]
	if !ok {
		q = newRequestQueue()
		m.tableQueue[oid] = q
	}
	return q
}

func (m *Manager) rowQueueFor(oid txn.TableOID, rid txn.RowID) *requestQueue {
	key := rowKey{table: oid, row: rid}
	m.rowMapMu.Lock()
	defer m.rowMapMu.Unlock()
	q, ok := m.rowQueue[key]
	if !ok {
		q = newRequestQueue()
		m.rowQueue[key] = q
	}
	return q
}

// validateIsolation applies the three isolation-level policies that
// gate which modes may be acquired, and when, shared by both table and
// row locking.
func validateIsolation(t *txn.Transaction, mode txn.LockMode) AbortReason {
	iso := t.IsolationLevel()
	state := t.State()

	switch iso {
	case txn.ReadUncommitted:
		if mode == txn.Shared || mode == txn.IntentionShared || mode == txn.SharedIntentionExclusive {
			return LockSharedOnReadUncommitted
		}
		if state == txn.Shrinking {
			return LockOnShrinking
		}
	case txn.ReadCommitted:
		if state == txn.Shrinking && mode != txn.IntentionShared && mode != txn.Shared {
			return LockOnShrinking
		}
	case txn.RepeatableRead:
		if state == txn.Shrinking {
			return LockOnShrinking
		}
	}
	return -1
}

// LockTable acquires mode on oid for t, blocking until granted or
// aborted.
func (m *Manager) LockTable(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID) error {
	if reason := validateIsolation(t, mode); reason >= 0 {
		return m.abort(t, reason)
	}

	q := m.tableQueueFor(oid)
	q.mu.Lock()

	req, err := m.enqueueOrUpgrade(q, t, mode, oid, nil)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	return m.waitAndGrant(q, t, req, func() {
		t.GrantTableLock(oid, mode)
	})
}

// LockRow acquires mode (S or X only) on (oid, rid) for t, blocking
// until granted or aborted.
func (m *Manager) LockRow(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID, rid txn.RowID) error {
	if mode == txn.IntentionShared || mode == txn.IntentionExclusive || mode == txn.SharedIntentionExclusive {
		return m.abort(t, AttemptedIntentionLockOnRow)
	}
	if reason := validateIsolation(t, mode); reason >= 0 {
		return m.abort(t, reason)
	}
	if !hasRequiredTableLock(t, oid, mode) {
		return m.abort(t, TableLockNotPresent)
	}

	q := m.rowQueueFor(oid, rid)
	q.mu.Lock()

	req, err := m.enqueueOrUpgrade(q, t, mode, oid, &rid)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	return m.waitAndGrant(q, t, req, func() {
		t.GrantRowLock(oid, rid, mode)
	})
}

// hasRequiredTableLock enforces that a row lock may only be taken once
// the transaction holds a compatible table-level intent.
func hasRequiredTableLock(t *txn.Transaction, oid txn.TableOID, mode txn.LockMode) bool {
	if mode == txn.Exclusive {
		return t.HasTableLock(oid, txn.Exclusive) ||
			t.HasTableLock(oid, txn.IntentionExclusive) ||
			t.HasTableLock(oid, txn.SharedIntentionExclusive)
	}
	_, ok := t.TableLockMode(oid)
	return ok
}

// enqueueOrUpgrade must be called with q.mu held; it returns the
// *request this transaction should wait on, performing an in-place
// upgrade if one is already held. Caller retains q.mu on success and on
// error (waitAndGrant / the caller unlocks it).
func (m *Manager) enqueueOrUpgrade(q *requestQueue, t *txn.Transaction, mode txn.LockMode, oid txn.TableOID, rid *txn.RowID) (*request, error) {
	if e := q.findByTxn(t.ID()); e != nil {
		existing := e.Value.(*request)
		if existing.mode == mode {
			return existing, nil
		}
		if q.upgrading != txn.InvalidID && q.upgrading != t.ID() {
			return nil, m.abort(t, UpgradeConflict)
		}
		if !upgradeAllowed(existing.mode, mode) {
			return nil, m.abort(t, IncompatibleUpgrade)
		}
		q.requests.Remove(e)
		if rid != nil {
			t.RevokeRowLock(oid, *rid, existing.mode)
		} else {
			t.RevokeTableLock(oid, existing.mode)
		}
		req := &request{txn: t, mode: mode, tableOID: oid, rowID: rid}
		q.insertUpgradePriority(req)
		q.upgrading = t.ID()
		return req, nil
	}
	req := &request{txn: t, mode: mode, tableOID: oid, rowID: rid}
	q.requests.PushBack(req)
	return req, nil
}

// grantable reports whether req may be granted given every other
// request ahead of it in FIFO order: every already-granted request
// ahead must be compatible, and no non-granted request may sit ahead of
// req (strict FIFO, save for the upgrade priority already encoded by
// queue position).
func grantable(q *requestQueue, req *request) bool {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		r := e.Value.(*request)
		if r == req {
			return true
		}
		if !r.granted {
			return false
		}
		if !compatible(r.mode, req.mode) {
			return false
		}
	}
	return false
}

// waitAndGrant blocks on q.cond until req is grantable or t is aborted
// (by protocol violation elsewhere or by the deadlock detector), then
// grants and records the lock via grant, mirroring it into the
// transaction's lock-set. It always releases q.mu before returning.
func (m *Manager) waitAndGrant(q *requestQueue, t *txn.Transaction, req *request, grant func()) error {
	for {
		if t.State() == txn.Aborted {
			removeRequest(q, req)
			q.cond.Broadcast()
			q.mu.Unlock()
			return &AbortError{TxnID: t.ID(), Reason: DeadlockVictim}
		}
		if grantable(q, req) {
			break
		}
		q.cond.Wait()
	}
	req.granted = true
	if q.upgrading == t.ID() {
		q.upgrading = txn.InvalidID
	}
	grant()
	if req.mode != txn.Exclusive {
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	return nil
}

func removeRequest(q *requestQueue, req *request) {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		if e.Value.(*request) == req {
			q.requests.Remove(e)
			return
		}
	}
}

// UnlockTable releases t's lock on oid. It is an error to call this
// while t still holds any row lock on oid.
func (m *Manager) UnlockTable(t *txn.Transaction, oid txn.TableOID) error {
	q := m.tableQueueFor(oid)
	q.mu.Lock()
	e := q.findByTxn(t.ID())
	if e == nil || !e.Value.(*request).granted {
		q.mu.Unlock()
		return m.abort(t, AttemptedUnlockButNoLockHeld)
	}
	if t.HasAnyRowLockOnTable(oid) {
		q.mu.Unlock()
		return m.abort(t, TableUnlockedBeforeUnlockingRows)
	}
	mode := e.Value.(*request).mode
	q.requests.Remove(e)
	q.cond.Broadcast()
	q.mu.Unlock()

	transitionOnUnlock(t, mode)
	t.RevokeTableLock(oid, mode)
	return nil
}

// UnlockRow releases t's lock on (oid, rid).
func (m *Manager) UnlockRow(t *txn.Transaction, oid txn.TableOID, rid txn.RowID) error {
	q := m.rowQueueFor(oid, rid)
	q.mu.Lock()
	e := q.findByTxn(t.ID())
	if e == nil || !e.Value.(*request).granted {
		q.mu.Unlock()
		return m.abort(t, AttemptedUnlockButNoLockHeld)
	}
	mode := e.Value.(*request).mode
	q.requests.Remove(e)
	q.cond.Broadcast()
	q.mu.Unlock()

	transitionOnUnlock(t, mode)
	t.RevokeRowLock(oid, rid, mode)
	return nil
}

// transitionOnUnlock advances GROWING to SHRINKING on release of a lock
// whose mode ends the transaction's growing phase under its isolation
// level. COMMITTED/ABORTED transactions are left alone.
func transitionOnUnlock(t *txn.Transaction, mode txn.LockMode) {
	if t.State() != txn.Growing {
		return
	}
	switch t.IsolationLevel() {
	case txn.RepeatableRead:
		if mode == txn.Shared || mode == txn.Exclusive {
			t.SetState(txn.Shrinking)
		}
	case txn.ReadCommitted, txn.ReadUncommitted:
		if mode == txn.Exclusive {
			t.SetState(txn.Shrinking)
		}
	}
}
