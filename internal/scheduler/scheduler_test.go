package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLane_ConcurrencyLimit(t *testing.T) {
	lane := NewLane("test", 2)
	defer lane.Stop()

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		if err := lane.Submit(context.Background(), func() {
			defer wg.Done()
			cur := active.Add(1)
			for {
				old := maxActive.Load()
				if cur <= old || maxActive.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			active.Add(-1)
		}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	wg.Wait()

	if m := maxActive.Load(); m > 2 {
		t.Errorf("max active = %d, want <= 2", m)
	}
	if m := maxActive.Load(); m < 2 {
		t.Errorf("max active = %d, want >= 2 (should use full concurrency)", m)
	}
}

func TestLane_Stats(t *testing.T) {
	lane := NewLane("test", 3)
	defer lane.Stop()

	stats := lane.Stats()
	if stats.Name != "test" {
		t.Errorf("name = %q, want %q", stats.Name, "test")
	}
	if stats.MaxConcurrent != 3 {
		t.Errorf("max concurrent = %d, want 3", stats.MaxConcurrent)
	}
	if stats.Active != 0 {
		t.Errorf("active = %d, want 0", stats.Active)
	}
}

func TestLaneManager_GetFallback(t *testing.T) {
	lm := NewLaneManager([]LaneConfig{
		{Name: "main", Concurrency: 2},
		{Name: "subagent", Concurrency: 4},
	})
	defer lm.StopAll()

	if l := lm.Get("subagent"); l == nil {
		t.Error("Get('subagent') returned nil")
	}

	if l := lm.Get("nonexistent"); l == nil {
		t.Error("Get('nonexistent') should fallback to main")
	} else if l.name != "main" {
		t.Errorf("fallback lane name = %q, want 'main'", l.name)
	}
}

func TestLaneManager_GetOrCreate(t *testing.T) {
	lm := NewLaneManager([]LaneConfig{
		{Name: "main", Concurrency: 2},
	})
	defer lm.StopAll()

	l := lm.GetOrCreate("custom", 8)
	if l == nil {
		t.Fatal("GetOrCreate returned nil")
	}
	if l.concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", l.concurrency)
	}

	l2 := lm.GetOrCreate("custom", 16)
	if l2.concurrency != 8 {
		t.Errorf("second call should return existing lane with concurrency 8, got %d", l2.concurrency)
	}
}

func TestLane_PriorityPreemptsWaiting(t *testing.T) {
	// Scenario from the gateway's priority-queue invariants: a lane of
	// concurrency 1 is busy with a long-running normal task. While it
	// runs, a background, an urgent, and a second normal task are
	// enqueued in that order. Completion order must reflect strict
	// priority among the waiters: the already-running task finishes
	// first, then urgent, then the remaining normal, then background.
	lane := NewLane("priority-test", 1)
	defer lane.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 4)

	block := make(chan struct{})
	started := make(chan struct{})

	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		done <- struct{}{}
	}

	// A: long-running normal task, occupies the only slot.
	a := newTask(context.Background(), "A", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-block
		record("A")
		return nil, nil
	}, EnqueueOptions{Priority: PriorityNormal})
	lane.enqueue(a)

	<-started // A is now running and holds the slot

	b := newTask(context.Background(), "B", func(ctx context.Context) (interface{}, error) {
		record("B")
		return nil, nil
	}, EnqueueOptions{Priority: PriorityBackground})
	lane.enqueue(b)

	c := newTask(context.Background(), "C", func(ctx context.Context) (interface{}, error) {
		record("C")
		return nil, nil
	}, EnqueueOptions{Priority: PriorityUrgent})
	lane.enqueue(c)

	d := newTask(context.Background(), "D", func(ctx context.Context) (interface{}, error) {
		record("D")
		return nil, nil
	}, EnqueueOptions{Priority: PriorityNormal})
	lane.enqueue(d)

	close(block) // let A finish and the pump drain the rest

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tasks to complete")
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	want := []string{"A", "C", "D", "B"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestScheduler_SessionSerialization(t *testing.T) {
	var active atomic.Int32
	var maxActive atomic.Int32

	runFn := func(_ context.Context) (interface{}, error) {
		cur := active.Add(1)
		for {
			old := maxActive.Load()
			if cur <= old || maxActive.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return "ok", nil
	}

	sched := New(Config{Lanes: DefaultLanes(), MaxConcurrentSessions: 4})
	defer sched.Stop()

	ctx := context.Background()
	sessionKey := "agent:default:test-session"

	var outcomes []<-chan Outcome
	for i := 0; i < 3; i++ {
		ch := sched.EnqueueSession(ctx, sessionKey, func(c context.Context) (interface{}, error) {
			return runFn(c)
		}, EnqueueOptions{Priority: PriorityNormal})
		outcomes = append(outcomes, ch)
	}

	for i, ch := range outcomes {
		select {
		case out := <-ch:
			if out.Err != nil {
				t.Errorf("run %d error: %v", i, out.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d timed out", i)
		}
	}

	if m := maxActive.Load(); m > 1 {
		t.Errorf("same session max active = %d, want 1 (should serialize)", m)
	}
}

func TestScheduler_DifferentSessionsParallel(t *testing.T) {
	var active atomic.Int32
	var maxActive atomic.Int32

	runFn := func(_ context.Context) (interface{}, error) {
		cur := active.Add(1)
		for {
			old := maxActive.Load()
			if cur <= old || maxActive.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(80 * time.Millisecond)
		active.Add(-1)
		return "ok", nil
	}

	sched := New(Config{Lanes: DefaultLanes(), MaxConcurrentSessions: 4})
	defer sched.Stop()

	ctx := context.Background()

	ch1 := sched.EnqueueSession(ctx, "agent:default:session-1", runFn, EnqueueOptions{Priority: PriorityNormal})
	ch2 := sched.EnqueueSession(ctx, "agent:default:session-2", runFn, EnqueueOptions{Priority: PriorityNormal})

	for _, ch := range []<-chan Outcome{ch1, ch2} {
		select {
		case out := <-ch:
			if out.Err != nil {
				t.Errorf("error: %v", out.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}

	if m := maxActive.Load(); m < 2 {
		t.Errorf("different sessions max active = %d, want >= 2 (should parallelize)", m)
	}
}

func TestScheduler_MaxConcurrentSessionsCap(t *testing.T) {
	// With a cap of 1, three distinct sessions must still serialize
	// globally even though each session queue is independently idle.
	release := make(chan struct{})
	var active atomic.Int32
	var maxActive atomic.Int32

	runFn := func(_ context.Context) (interface{}, error) {
		cur := active.Add(1)
		for {
			old := maxActive.Load()
			if cur <= old || maxActive.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		active.Add(-1)
		return "ok", nil
	}

	sched := New(Config{Lanes: DefaultLanes(), MaxConcurrentSessions: 1})
	defer sched.Stop()

	ctx := context.Background()
	ch1 := sched.EnqueueSession(ctx, "s1", runFn, EnqueueOptions{Priority: PriorityNormal})
	ch2 := sched.EnqueueSession(ctx, "s2", runFn, EnqueueOptions{Priority: PriorityNormal})
	ch3 := sched.EnqueueSession(ctx, "s3", runFn, EnqueueOptions{Priority: PriorityNormal})

	time.Sleep(50 * time.Millisecond)
	if m := maxActive.Load(); m > 1 {
		t.Errorf("global active = %d, want <= 1 under cap", m)
	}

	close(release)

	for _, ch := range []<-chan Outcome{ch1, ch2, ch3} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining capped sessions")
		}
	}
}

func TestScheduler_WaitForActiveTasksDrainsLanes(t *testing.T) {
	sched := New(Config{Lanes: DefaultLanes(), MaxConcurrentSessions: 1})
	defer sched.Stop()

	ctx := context.Background()
	ch := sched.EnqueueLane(ctx, "cron", func(context.Context) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}, EnqueueOptions{Priority: PriorityBackground})

	time.Sleep(10 * time.Millisecond) // let the pump dequeue and mark the lane active

	if !sched.WaitForActiveTasks(2000) {
		t.Fatal("expected lanes to drain within timeout")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("task outcome never arrived")
	}
}
