package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config sizes a Scheduler's lanes and session cap.
type Config struct {
	Lanes                 []LaneConfig
	MaxConcurrentSessions int
}

// DefaultConfig returns the lane set from DefaultLanes with a single
// concurrent session, matching the conservative defaults a fresh gateway
// should start with before config is loaded.
func DefaultConfig() Config {
	return Config{
		Lanes:                 DefaultLanes(),
		MaxConcurrentSessions: 1,
	}
}

// Stats summarizes the scheduler's current load.
type Stats struct {
	Lanes    []LaneStats
	Sessions int
}

// Scheduler is the Priority Queue component: a set of named lanes for
// lane-scoped work (cron ticks, subagent runs, health probes) plus a
// session manager that serializes per-session interactive turns under a
// global concurrency cap.
type Scheduler struct {
	lanes    *LaneManager
	sessions *SessionManager
}

// New creates a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	if len(cfg.Lanes) == 0 {
		cfg.Lanes = DefaultLanes()
	}
	return &Scheduler{
		lanes:    NewLaneManager(cfg.Lanes),
		sessions: NewSessionManager(cfg.MaxConcurrentSessions),
	}
}

// EnqueueLane submits fn to the named lane (created with concurrency 1 if
// unseen), returning a channel that receives exactly one Outcome once fn
// settles.
func (s *Scheduler) EnqueueLane(ctx context.Context, laneName string, fn TaskFunc, opts EnqueueOptions) <-chan Outcome {
	lane := s.lanes.GetOrCreate(laneName, 1)
	t := newTask(ctx, nextTaskID(), fn, opts)
	lane.enqueue(t)
	return t.resultCh
}

// EnqueueSession submits fn under sessionKey's serialized queue, ordered
// by opts.Priority relative to whatever else is already waiting for that
// session.
func (s *Scheduler) EnqueueSession(ctx context.Context, sessionKey string, fn TaskFunc, opts EnqueueOptions) <-chan Outcome {
	t := newTask(ctx, nextTaskID(), fn, opts)
	s.sessions.Enqueue(sessionKey, t)
	return t.resultCh
}

// IsSessionActive reports whether a session currently holds the global
// running slot.
func (s *Scheduler) IsSessionActive(sessionKey string) bool {
	return s.sessions.IsActive(sessionKey)
}

// SessionQueueLen reports how many tasks are waiting (not running) for a
// session.
func (s *Scheduler) SessionQueueLen(sessionKey string) int {
	return s.sessions.QueueLen(sessionKey)
}

// Lanes exposes the underlying LaneManager for direct lane access (e.g.
// wiring the cron lane's concurrency from config).
func (s *Scheduler) Lanes() *LaneManager {
	return s.lanes
}

// Stats reports aggregate lane and session utilization.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Lanes:    s.lanes.AllStats(),
		Sessions: s.sessions.ActiveSessions(),
	}
}

// WaitForActiveTasks blocks until every named lane has drained its active
// count to zero, or the timeout elapses. Session-lane work is
// intentionally excluded: interactive sessions are expected to have
// long-lived, user-paced activity and including them would make this
// call unusable as a shutdown drain.
func (s *Scheduler) WaitForActiveTasks(timeoutMS int64) bool {
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		drained := true
		for _, st := range s.lanes.AllStats() {
			if st.Active > 0 {
				drained = false
				break
			}
		}
		if drained {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// Stop stops every named lane: their queued tasks are no longer started
// and further lane submissions settle with ErrLaneStopped. Session tasks
// are not affected; queued session work keeps being started.
func (s *Scheduler) Stop() {
	s.lanes.StopAll()
}

func nextTaskID() string {
	return fmt.Sprintf("task_%s", uuid.NewString())
}
