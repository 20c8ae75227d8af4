// Package timers provides a tracked registry of timeouts and intervals so
// that a shutdown path can cancel every outstanding timer deterministically.
package timers

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind distinguishes one-shot timeouts from repeating intervals.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindInterval Kind = "interval"
)

// Entry describes a single tracked timer.
type Entry struct {
	ID        string
	Kind      Kind
	Label     string
	DelayMS   int64
	CreatedAt time.Time
}

// Stats summarizes registry activity.
type Stats struct {
	Active    int
	Created   int64
	Fired     int64
	Cancelled int64
}

type timerHandle struct {
	timer    *time.Timer
	ticker   *time.Ticker
	stopOnce sync.Once
}

func (h *timerHandle) stop() {
	h.stopOnce.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		if h.ticker != nil {
			h.ticker.Stop()
		}
	})
}

// Registry tracks every timer created through it so they can all be
// cancelled together on shutdown. A nil *Registry is not usable; always
// construct one with New.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	handles  map[string]*timerHandle
	counter  int64
	created  int64
	fired    int64
	canceled int64
}

// New creates an empty timer registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		handles: make(map[string]*timerHandle),
	}
}

func (r *Registry) nextID(label string) string {
	r.counter++
	return label + "#" + strconv.FormatInt(r.counter, 10)
}

// CreateTimeout schedules cb to run once after delayMS milliseconds. The
// callback is wrapped so that (a) the registry entry is removed before cb
// runs, and (b) a panic inside cb is recovered and logged, never
// propagated to the scheduler.
func (r *Registry) CreateTimeout(cb func(), delayMS int64, label string) string {
	r.mu.Lock()
	id := r.nextID(label)
	entry := &Entry{ID: id, Kind: KindTimeout, Label: label, DelayMS: delayMS, CreatedAt: time.Now()}
	r.entries[id] = entry
	r.created++
	h := &timerHandle{}
	r.handles[id] = h
	r.mu.Unlock()

	h.timer = time.AfterFunc(time.Duration(delayMS)*time.Millisecond, func() {
		r.mu.Lock()
		_, stillRegistered := r.entries[id]
		delete(r.entries, id)
		delete(r.handles, id)
		if stillRegistered {
			r.fired++
		}
		r.mu.Unlock()

		if !stillRegistered {
			return
		}
		runGuarded(label, cb)
	})

	return id
}

// CreateInterval schedules cb to run repeatedly every periodMS milliseconds
// until explicitly cleared. Unlike timeouts, intervals remain registered
// across firings.
func (r *Registry) CreateInterval(cb func(), periodMS int64, label string) string {
	r.mu.Lock()
	id := r.nextID(label)
	entry := &Entry{ID: id, Kind: KindInterval, Label: label, DelayMS: periodMS, CreatedAt: time.Now()}
	r.entries[id] = entry
	r.created++
	h := &timerHandle{ticker: time.NewTicker(time.Duration(periodMS) * time.Millisecond)}
	r.handles[id] = h
	r.mu.Unlock()

	go func() {
		for range h.ticker.C {
			r.mu.Lock()
			_, stillRegistered := r.entries[id]
			r.mu.Unlock()
			if !stillRegistered {
				return
			}
			runGuarded(label, cb)
		}
	}()

	return id
}

// runGuarded invokes cb, recovering and logging any panic so that a user
// callback can never take down the scheduler.
func runGuarded(label string, cb func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("timers: callback panicked", "label", label, "recovered", fmt.Sprint(rec))
		}
	}()
	cb()
}

// Clear cancels a timer by id. Returns false (UnknownTimer, recoverable)
// if the id is not currently registered.
func (r *Registry) Clear(id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	h := r.handles[id]
	if ok {
		delete(r.entries, id)
		delete(r.handles, id)
		r.canceled++
	}
	r.mu.Unlock()

	if h != nil {
		h.stop()
	}
	return ok
}

// ClearAll cancels every registered timer and returns the count cleared.
// Idempotent: a second call returns 0.
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	handles := make([]*timerHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	n := len(r.entries)
	r.canceled += int64(n)
	r.entries = make(map[string]*Entry)
	r.handles = make(map[string]*timerHandle)
	r.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	return n
}

// ClearByLabel cancels every timer whose label matches the glob-style
// pattern (only "*" as a trailing wildcard is supported, matching the
// probe-lane matching convention used elsewhere in this module). Returns
// the count cleared.
func (r *Registry) ClearByLabel(pattern string) int {
	prefix := strings.TrimSuffix(pattern, "*")
	wildcard := strings.HasSuffix(pattern, "*")

	r.mu.Lock()
	var ids []string
	for id, e := range r.entries {
		if wildcard && strings.HasPrefix(e.Label, prefix) {
			ids = append(ids, id)
		} else if !wildcard && e.Label == pattern {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	cleared := 0
	for _, id := range ids {
		if r.Clear(id) {
			cleared++
		}
	}
	return cleared
}

// List returns a snapshot of all currently registered timers, ordered by id.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats reports lifetime counters plus the currently active count.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Active:    len(r.entries),
		Created:   r.created,
		Fired:     r.fired,
		Cancelled: r.canceled,
	}
}

// Shutdown cancels every outstanding timer. It is the registry's shutdown
// hook, equivalent to ClearAll but named for call-site clarity at process
// teardown.
func (r *Registry) Shutdown() {
	r.ClearAll()
}
