package txn

import "testing"

func TestNewTransactionStartsGrowing(t *testing.T) {
	tr := New(1, RepeatableRead)
	if tr.State() != Growing {
		t.Fatalf("State() = %v, want GROWING", tr.State())
	}
	if tr.IsolationLevel() != RepeatableRead {
		t.Fatalf("IsolationLevel() = %v, want REPEATABLE_READ", tr.IsolationLevel())
	}
}

func TestTableLockGrantRevoke(t *testing.T) {
	tr := New(1, RepeatableRead)
	tr.GrantTableLock(10, Shared)

	if !tr.HasTableLock(10, Shared) {
		t.Fatalf("expected S lock on table 10")
	}
	mode, ok := tr.TableLockMode(10)
	if !ok || mode != Shared {
		t.Fatalf("TableLockMode = %v, %v, want S, true", mode, ok)
	}

	tr.RevokeTableLock(10, Shared)
	if tr.HasTableLock(10, Shared) {
		t.Fatalf("expected S lock revoked")
	}
	if _, ok := tr.TableLockMode(10); ok {
		t.Fatalf("expected no table lock after revoke")
	}
}

func TestRowLockGrantRevokeAndTableTracking(t *testing.T) {
	tr := New(1, RepeatableRead)
	if tr.HasAnyRowLockOnTable(10) {
		t.Fatalf("fresh transaction should hold no row locks")
	}

	tr.GrantRowLock(10, 5, Exclusive)
	if !tr.HasRowLock(10, 5, Exclusive) {
		t.Fatalf("expected X lock on row (10,5)")
	}
	if !tr.HasAnyRowLockOnTable(10) {
		t.Fatalf("expected HasAnyRowLockOnTable(10) true")
	}

	tr.RevokeRowLock(10, 5, Exclusive)
	if tr.HasAnyRowLockOnTable(10) {
		t.Fatalf("expected no row locks on table 10 after revoke")
	}
}

func TestLockModeString(t *testing.T) {
	cases := map[LockMode]string{
		IntentionShared:          "IS",
		IntentionExclusive:       "IX",
		Shared:                   "S",
		SharedIntentionExclusive: "SIX",
		Exclusive:                "X",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(mode), got, want)
		}
	}
}
