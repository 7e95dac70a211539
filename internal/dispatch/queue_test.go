package dispatch

import "testing"

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	q := New[int]()
	q.Enqueue(1)
	q.Enqueue(2)
	q.Enqueue(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Dequeue()
		if !ok || got != want {
			t.Fatalf("Dequeue() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue() on empty queue should return ok=false")
	}
}

func TestDuplicateEnqueueCoalesces(t *testing.T) {
	t.Parallel()

	q := New[int]()
	q.Enqueue(1)
	q.Enqueue(2)
	q.Enqueue(1) // already present, no-op

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	first, _ := q.Dequeue()
	if first != 1 {
		t.Fatalf("first dequeued = %d, want 1 (preserve first-enqueue order)", first)
	}
}

func TestReEnqueueAfterDequeue(t *testing.T) {
	t.Parallel()

	q := New[int]()
	q.Enqueue(1)
	q.Dequeue()
	q.Enqueue(1) // should be accepted again, it's no longer present

	if got := q.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}
