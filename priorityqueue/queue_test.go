package priorityqueue

import "testing"

func TestFIFOWithinLevel(t *testing.T) {
	q := New[string]()
	q.Push(Normal, "a")
	q.Push(Normal, "b")
	q.Push(Normal, "c")

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("got %q, %v; want %q", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestHigherPriorityDispatchedFirst(t *testing.T) {
	q := New[string]()
	q.Push(Low, "low")
	q.Push(Critical, "critical")
	q.Push(High, "high")
	q.Push(Normal, "normal")

	order := []string{}
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, v)
	}
	want := []string{"critical", "high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestLenByPriority(t *testing.T) {
	q := New[int]()
	q.Push(Low, 1)
	q.Push(Low, 2)
	q.Push(Critical, 3)

	depths := q.LenByPriority()
	if depths[Low] != 2 || depths[Critical] != 1 || depths[Normal] != 0 {
		t.Fatalf("unexpected depths: %+v", depths)
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
}
