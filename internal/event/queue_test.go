package event

import "testing"

func newKeyEntry(t int64) *Entry {
	e := NewEntry(KindKey, t, 0)
	e.Key = &Key{KeyCode: KeycodeA}
	return e
}

func TestQueueFIFO(t *testing.T) {
	q := NewEntryQueue()

	if !q.Empty() {
		t.Fatal("new queue should be empty")
	}

	a := newKeyEntry(1)
	b := newKeyEntry(2)
	c := newKeyEntry(3)
	q.EnqueueAtTail(a)
	q.EnqueueAtTail(b)
	q.EnqueueAtTail(c)

	if q.Count() != 3 {
		t.Fatalf("expected count 3, got %d", q.Count())
	}
	for i, want := range []*Entry{a, b, c} {
		got := q.DequeueAtHead()
		if got != want {
			t.Fatalf("dequeue %d: wrong entry", i)
		}
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after draining")
	}
	if q.DequeueAtHead() != nil {
		t.Fatal("dequeue from empty queue should return nil")
	}
}

func TestQueueEnqueueAtHead(t *testing.T) {
	q := NewEntryQueue()
	a := newKeyEntry(1)
	b := newKeyEntry(2)
	q.EnqueueAtTail(a)
	q.EnqueueAtHead(b)

	if q.Head() != b || q.Tail() != a {
		t.Fatal("enqueueAtHead should prepend")
	}
}

func TestQueueRemoveFromMiddle(t *testing.T) {
	q := NewEntryQueue()
	a := newKeyEntry(1)
	b := newKeyEntry(2)
	c := newKeyEntry(3)
	q.EnqueueAtTail(a)
	q.EnqueueAtTail(b)
	q.EnqueueAtTail(c)

	q.Dequeue(b)
	if q.Count() != 2 {
		t.Fatalf("expected count 2, got %d", q.Count())
	}
	if q.DequeueAtHead() != a || q.DequeueAtHead() != c {
		t.Fatal("middle removal broke ordering")
	}
	if b.InQueue() {
		t.Fatal("removed entry should not report in-queue")
	}
}

func TestQueueSingleMembershipEnforced(t *testing.T) {
	q1 := NewEntryQueue()
	q2 := NewEntryQueue()
	a := newKeyEntry(1)
	q1.EnqueueAtTail(a)

	defer func() {
		if recover() == nil {
			t.Fatal("enqueueing a linked entry should panic")
		}
	}()
	q2.EnqueueAtTail(a)
}

func TestQueueNextIteration(t *testing.T) {
	q := NewEntryQueue()
	entries := []*Entry{newKeyEntry(1), newKeyEntry(2), newKeyEntry(3)}
	for _, e := range entries {
		q.EnqueueAtTail(e)
	}
	i := 0
	for e := q.Head(); e != nil; e = q.Next(e) {
		if e != entries[i] {
			t.Fatalf("iteration order broken at %d", i)
		}
		i++
	}
	if i != 3 {
		t.Fatalf("expected 3 entries, saw %d", i)
	}
}

func TestEntryRefCounting(t *testing.T) {
	e := newKeyEntry(1)
	e.Acquire()
	if e.Release() {
		t.Fatal("first release should not be the last")
	}
	if !e.Release() {
		t.Fatal("second release should be the last")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("over-release should panic")
		}
	}()
	e.Release()
}
