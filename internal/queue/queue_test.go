package queue

import (
	"sync"
	"testing"
	"time"

	"orchestratord/pkg/types"
)

func mkJob(id string, prio types.Priority, at time.Time) types.Job {
	return types.Job{ID: id, JobType: types.JobGenerate, Priority: prio, SubmittedAt: at, State: types.StateQueued}
}

func TestGet_PriorityThenFIFO(t *testing.T) {
	q := New(16)
	base := time.Now()
	// Enqueue out of order across lanes; within a lane, older wins.
	q.Put(mkJob("bg-old", types.PriorityBackground, base), "dream")
	q.Put(mkJob("norm-old", types.PriorityNormal, base), "session")
	q.Put(mkJob("norm-new", types.PriorityNormal, base.Add(time.Second)), "session")
	q.Put(mkJob("urgent", types.PriorityUrgent, base.Add(2*time.Second)), "admin")
	q.Put(mkJob("batch", types.PriorityBatch, base), "session")

	want := []string{"urgent", "norm-old", "norm-new", "batch", "bg-old"}
	for i, id := range want {
		j, ok := q.Get()
		if !ok {
			t.Fatalf("get %d: queue closed", i)
		}
		if j.ID != id {
			t.Fatalf("pop %d = %s, want %s", i, j.ID, id)
		}
	}
}

func TestPut_RejectsBeyondMax(t *testing.T) {
	q := New(2)
	if !q.Put(mkJob("a", types.PriorityNormal, time.Now()), "session") {
		t.Fatal("first put rejected")
	}
	if !q.Put(mkJob("b", types.PriorityNormal, time.Now()), "session") {
		t.Fatal("second put rejected")
	}
	if q.Put(mkJob("c", types.PriorityNormal, time.Now()), "session") {
		t.Fatal("put beyond max accepted")
	}
	// The rejected put must not have mutated the backlog.
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
}

func TestRemove(t *testing.T) {
	q := New(16)
	q.Put(mkJob("keep", types.PriorityNormal, time.Now()), "session")
	q.Put(mkJob("drop", types.PriorityNormal, time.Now().Add(time.Millisecond)), "session")
	if !q.Remove("drop") {
		t.Fatal("remove existing returned false")
	}
	if q.Remove("drop") {
		t.Fatal("second remove returned true")
	}
	if q.Remove("never-queued") {
		t.Fatal("remove unknown returned true")
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].ID != "keep" {
		t.Fatalf("snapshot after remove: %+v", snap)
	}
}

func TestUpdatePriority(t *testing.T) {
	q := New(16)
	base := time.Now()
	q.Put(mkJob("a", types.PriorityNormal, base), "session")
	q.Put(mkJob("b", types.PriorityBackground, base.Add(time.Second)), "session")
	if !q.UpdatePriority("b", types.PriorityUrgent) {
		t.Fatal("update of queued job returned false")
	}
	if q.UpdatePriority("gone", types.PriorityUrgent) {
		t.Fatal("update of unknown job returned true")
	}
	j, _ := q.Get()
	if j.ID != "b" {
		t.Fatalf("expected reprioritized job first, got %s", j.ID)
	}
}

func TestSnapshot_OrderedAndSideEffectFree(t *testing.T) {
	q := New(16)
	base := time.Now()
	q.Put(mkJob("low", types.PriorityBackground, base), "dream")
	q.Put(mkJob("high", types.PriorityUrgent, base), "admin")
	q.Put(mkJob("mid", types.PriorityNormal, base), "session")

	snap := q.Snapshot()
	wantOrder := []string{"high", "mid", "low"}
	for i, d := range snap {
		if d.ID != wantOrder[i] {
			t.Fatalf("snapshot[%d] = %s, want %s", i, d.ID, wantOrder[i])
		}
	}
	if snap[0].Source != "admin" || snap[2].Source != "dream" {
		t.Fatalf("sources lost: %+v", snap)
	}
	// Snapshot must not disturb pop order.
	j, _ := q.Get()
	if j.ID != "high" {
		t.Fatalf("pop after snapshot = %s", j.ID)
	}
}

func TestGet_BlocksUntilPut(t *testing.T) {
	q := New(16)
	got := make(chan types.Job, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		j, ok := q.Get()
		if ok {
			got <- j
		}
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("Get returned before Put")
	default:
	}
	q.Put(mkJob("late", types.PriorityNormal, time.Now()), "session")
	select {
	case j := <-got:
		if j.ID != "late" {
			t.Fatalf("got %s", j.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not wake after Put")
	}
	wg.Wait()
}

func TestClose_WakesAndRejects(t *testing.T) {
	q := New(16)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Get()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Get returned ok=true on closed empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not wake on Close")
	}
	if q.Put(mkJob("x", types.PriorityNormal, time.Now()), "session") {
		t.Fatal("Put accepted after Close")
	}
}

func TestDrainAll(t *testing.T) {
	q := New(16)
	base := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		q.Put(mkJob(id, types.PriorityNormal, base), "session")
		base = base.Add(time.Millisecond)
	}
	drained := q.DrainAll()
	if len(drained) != 3 {
		t.Fatalf("drained %d, want 3", len(drained))
	}
	if q.Len() != 0 {
		t.Fatalf("len after drain = %d", q.Len())
	}
}
