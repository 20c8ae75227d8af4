package scheduler

import (
	"context"
	"sync"
	"time"
)

// SessionQueue serializes work for a single session key: at most one task
// runs at a time, and queued tasks are ordered by priority rather than
// strict FIFO. A new task is inserted immediately before the first queued
// task with a strictly lower priority (a higher numeric value); if none
// exists it is appended.
type SessionQueue struct {
	key string

	mu      sync.Mutex
	queued  []*task
	running bool
}

func newSessionQueue(key string) *SessionQueue {
	return &SessionQueue{key: key}
}

// insert places t into the priority-ordered queue. Must be called with
// sq.mu held.
func (sq *SessionQueue) insertLocked(t *task) {
	idx := len(sq.queued)
	for i, q := range sq.queued {
		if q.priority > t.priority {
			idx = i
			break
		}
	}
	sq.queued = append(sq.queued, nil)
	copy(sq.queued[idx+1:], sq.queued[idx:])
	sq.queued[idx] = t
}

// popFrontLocked removes and returns the head of the queue, or nil if
// empty. Must be called with sq.mu held.
func (sq *SessionQueue) popFrontLocked() *task {
	if len(sq.queued) == 0 {
		return nil
	}
	t := sq.queued[0]
	sq.queued = sq.queued[1:]
	return t
}

func (sq *SessionQueue) len() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.queued)
}

// SessionManager runs at most one task per session key concurrently, and
// caps the number of sessions with an active task across the whole
// process. Every time a task completes, the manager performs a full scan
// across all session lanes (oldest-enqueued-first among those holding
// ready work) to keep the global slot fairly distributed instead of
// favoring whichever session happens to call back first.
type SessionManager struct {
	maxConcurrentSessions int

	mu             sync.Mutex
	sessions       map[string]*SessionQueue
	activeSessions int
	order          []string // insertion order, oldest-session-first for fairness scan
}

// NewSessionManager creates a manager capped at maxConcurrentSessions
// simultaneously active sessions (sessions with no queued work don't
// count against the cap).
func NewSessionManager(maxConcurrentSessions int) *SessionManager {
	if maxConcurrentSessions < 1 {
		maxConcurrentSessions = 1
	}
	return &SessionManager{
		maxConcurrentSessions: maxConcurrentSessions,
		sessions:              make(map[string]*SessionQueue),
	}
}

func (sm *SessionManager) getOrCreateLocked(key string) *SessionQueue {
	sq, ok := sm.sessions[key]
	if !ok {
		sq = newSessionQueue(key)
		sm.sessions[key] = sq
		sm.order = append(sm.order, key)
	}
	return sq
}

// Enqueue adds t to the session's priority queue and attempts to advance
// the global schedule.
func (sm *SessionManager) Enqueue(key string, t *task) {
	sm.mu.Lock()
	sq := sm.getOrCreateLocked(key)
	sq.mu.Lock()
	sq.insertLocked(t)
	sq.mu.Unlock()
	sm.mu.Unlock()

	sm.scan()
}

// scan performs the fairness pass: walks session lanes in a stable order
// and starts work for any lane that is idle and has queued work, until
// either every lane with queued work is running or the global cap is hit.
func (sm *SessionManager) scan() {
	for {
		sm.mu.Lock()
		if sm.activeSessions >= sm.maxConcurrentSessions {
			sm.mu.Unlock()
			return
		}
		var started *task
		var startedKey string
		oldest, oldestAt, found := "", time.Time{}, false
		for _, key := range sm.order {
			sq := sm.sessions[key]
			sq.mu.Lock()
			if !sq.running && len(sq.queued) > 0 && (!found || sq.queued[0].enqueuedAt.Before(oldestAt)) {
				oldest, oldestAt, found = key, sq.queued[0].enqueuedAt, true
			}
			sq.mu.Unlock()
		}
		for _, key := range sm.order {
			sq := sm.sessions[key]
			sq.mu.Lock()
			if sq.running || key != oldest {
				sq.mu.Unlock()
				continue
			}
			t := sq.popFrontLocked()
			if t == nil {
				sq.mu.Unlock()
				continue
			}
			sq.running = true
			sq.mu.Unlock()
			started = t
			startedKey = key
			break
		}
		if started == nil {
			sm.mu.Unlock()
			return
		}
		sm.activeSessions++
		sm.mu.Unlock()

		go sm.runTask(startedKey, started)
	}
}

func (sm *SessionManager) runTask(key string, t *task) {
	t.run()

	sm.mu.Lock()
	sq := sm.sessions[key]
	sm.activeSessions--
	sm.mu.Unlock()

	sq.mu.Lock()
	sq.running = false
	sq.mu.Unlock()

	sm.scan()
}

// IsActive reports whether the given session currently has a task
// running.
func (sm *SessionManager) IsActive(key string) bool {
	sm.mu.Lock()
	sq, ok := sm.sessions[key]
	sm.mu.Unlock()
	if !ok {
		return false
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.running
}

// QueueLen returns the number of queued (not-yet-running) tasks for a
// session.
func (sm *SessionManager) QueueLen(key string) int {
	sm.mu.Lock()
	sq, ok := sm.sessions[key]
	sm.mu.Unlock()
	if !ok {
		return 0
	}
	return sq.len()
}

// ActiveSessions returns the number of sessions currently holding the
// global running slot.
func (sm *SessionManager) ActiveSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.activeSessions
}

// waitForIdle blocks until no session has a running task, or ctx is done;
// it reports whether the manager went idle.
func (sm *SessionManager) waitForIdle(ctx context.Context, pollEvery time.Duration) bool {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if sm.ActiveSessions() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
