package ringbuf

import "testing"

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := New[int](0); err == nil {
		t.Fatal("expected error for capacity 0")
	}
	if _, err := New[int](-3); err == nil {
		t.Fatal("expected error for negative capacity")
	}
}

func TestPushBelowCapacityKeepsOrder(t *testing.T) {
	r, err := New[string](5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Push("a")
	r.Push("b")
	r.Push("c")

	got := r.GetAll()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPushWrapsOverwritingOldest(t *testing.T) {
	r, err := New[string](3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}

	got := r.GetAll()
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClearThenPush(t *testing.T) {
	r, err := New[string](3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, s := range []string{"a", "b", "c", "d"} {
		r.Push(s)
	}
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", r.Len())
	}

	r.Push("f")
	r.Push("g")
	got := r.GetAll()
	want := []string{"f", "g"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGetAllReturnsSnapshot(t *testing.T) {
	r, err := New[int](4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Push(1)
	snap := r.GetAll()
	r.Push(2)
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
}

func TestLastMinKCElements(t *testing.T) {
	// For any push sequence of length k into capacity c, GetAll returns
	// exactly the last min(k, c) elements.
	for _, tc := range []struct{ c, k int }{{1, 1}, {1, 10}, {4, 3}, {4, 4}, {4, 9}} {
		r, err := New[int](tc.c)
		if err != nil {
			t.Fatalf("New(%d): %v", tc.c, err)
		}
		for i := 0; i < tc.k; i++ {
			r.Push(i)
		}
		got := r.GetAll()
		n := tc.k
		if n > tc.c {
			n = tc.c
		}
		if len(got) != n {
			t.Fatalf("c=%d k=%d: len = %d, want %d", tc.c, tc.k, len(got), n)
		}
		for i := range got {
			if got[i] != tc.k-n+i {
				t.Fatalf("c=%d k=%d: got[%d] = %d, want %d", tc.c, tc.k, i, got[i], tc.k-n+i)
			}
		}
	}
}
