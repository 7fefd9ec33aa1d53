package replacer

import "testing"

// TestLRUKScenario mirrors the worked eviction example: K=2, frames
// accessed 1,2,3,1,2 in order, all made evictable up front. The history
// list should drain back-to-front before the cache list is touched.
func TestLRUKScenario(t *testing.T) {
	r := New(8, 2)
	for _, f := range []FrameID{1, 2, 3, 1, 2} {
		if err := r.RecordAccess(f); err != nil {
			t.Fatalf("RecordAccess(%d): %v", f, err)
		}
	}
	for _, f := range []FrameID{1, 2, 3} {
		if err := r.SetEvictable(f, true); err != nil {
			t.Fatalf("SetEvictable(%d): %v", f, err)
		}
	}

	want := []FrameID{3, 1, 2}
	for _, w := range want {
		got, ok := r.Evict()
		if !ok {
			t.Fatalf("Evict(): expected %d, got none", w)
		}
		if got != w {
			t.Fatalf("Evict(): expected %d, got %d", w, got)
		}
	}
	if _, ok := r.Evict(); ok {
		t.Fatalf("Evict(): expected empty replacer to report none")
	}
}

func TestLRUKNonEvictableIsSkipped(t *testing.T) {
	r := New(4, 2)
	for _, f := range []FrameID{1, 2} {
		r.RecordAccess(f)
		if err := r.SetEvictable(f, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.SetEvictable(1, false); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Evict()
	if !ok || got != 2 {
		t.Fatalf("Evict(): expected 2, got %d (ok=%v)", got, ok)
	}
	if _, ok := r.Evict(); ok {
		t.Fatalf("Evict(): expected none left evictable")
	}
}

func TestLRUKRemoveForced(t *testing.T) {
	r := New(4, 2)
	r.RecordAccess(1)
	if err := r.SetEvictable(1, true); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Size() != 0 {
		t.Fatalf("Size(): expected 0, got %d", r.Size())
	}
}

func TestLRUKRemoveNonEvictableErrors(t *testing.T) {
	r := New(4, 2)
	r.RecordAccess(1)
	if err := r.Remove(1); err == nil {
		t.Fatalf("Remove: expected error removing a pinned (non-evictable) frame")
	}
}

func TestLRUKOutOfRangeFrame(t *testing.T) {
	r := New(2, 2)
	if err := r.RecordAccess(5); err == nil {
		t.Fatalf("RecordAccess: expected out-of-range error")
	}
}
