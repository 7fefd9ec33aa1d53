package lock

import (
	"container/list"
	"fmt"
	"sync"

	"coredb/txn"
)

// AbortReason enumerates the protocol violations spec.md §6/§7 requires
// the lock manager to surface verbatim when it aborts a transaction.
type AbortReason int

const (
	LockSharedOnReadUncommitted AbortReason = iota
	LockOnShrinking
	UpgradeConflict
	IncompatibleUpgrade
	AttemptedIntentionLockOnRow
	TableLockNotPresent
	AttemptedUnlockButNoLockHeld
	TableUnlockedBeforeUnlockingRows
	DeadlockVictim
)

func (r AbortReason) String() string {
	switch r {
	case LockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case IncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case AttemptedIntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case TableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case AttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case TableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case DeadlockVictim:
		return "DEADLOCK_VICTIM"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}

// AbortError is the typed protocol-error stratum from spec.md §7: the
// transaction has already been moved to ABORTED by the time this is
// returned, the caller only needs to stop.
type AbortError struct {
	TxnID  txn.ID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("txn %d aborted: %s", e.TxnID, e.Reason)
}

// request is one transaction's ask for a lock on a single resource.
type request struct {
	txn      *txn.Transaction
	mode     txn.LockMode
	tableOID txn.TableOID
	rowID    *txn.RowID // nil for a table-level request
	granted  bool
}

// rowKey identifies a row-level resource.
type rowKey struct {
	table txn.TableOID
	row   txn.RowID
}

// requestQueue is the per-resource wait queue: an ordered list of
// requests, a condition variable broadcast on every release, abort and
// non-exclusive grant,
// and the id of whichever transaction is mid-upgrade (or InvalidID).
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  *list.List // *request elements, front = oldest
	upgrading txn.ID
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{requests: list.New(), upgrading: txn.InvalidID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// findByTxn returns this queue's request from id, granted or not.
func (q *requestQueue) findByTxn(id txn.ID) *list.Element {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		if e.Value.(*request).txn.ID() == id {
			return e
		}
	}
	return nil
}

// firstNonGranted returns the element of the first request in the queue
// that is not yet granted, or nil if every request is granted.
func (q *requestQueue) firstNonGranted() *list.Element {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		if !e.Value.(*request).granted {
			return e
		}
	}
	return nil
}

// insertUpgradePriority inserts req immediately before the first
// non-granted request, giving an in-flight upgrade priority over plain
// waiters without jumping ahead of any existing grant.
func (q *requestQueue) insertUpgradePriority(req *request) *list.Element {
	if at := q.firstNonGranted(); at != nil {
		return q.requests.InsertBefore(req, at)
	}
	return q.requests.PushBack(req)
}
