// Package subagents implements the Subagent Registry: parent-tracked child
// runs with event-driven completion, disk persistence on every mutation,
// and a deadline-scheduled archival sweep.
package subagents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// CleanupPolicy determines what happens to a run's record once its
// announce flow completes.
type CleanupPolicy string

const (
	CleanupDelete CleanupPolicy = "delete"
	CleanupKeep   CleanupPolicy = "keep"
)

// Outcome is the terminal status of a finished run.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Origin is an opaque, core-agnostic descriptor of where a run's parent
// came from (a Discord channel, a Slack thread, a Telegram chat, ...). The
// registry never inspects it; it exists only to be handed back to the
// announce flow.
type Origin struct {
	Channel string
	Ref     string
}

// Record is the Subagent Run Record: the full lifecycle state for one
// spawned run. Fields are exported for JSON persistence.
type Record struct {
	RunID               string        `json:"runId"`
	ChildSessionKey      string        `json:"childSessionKey"`
	RequesterSessionKey  string        `json:"requesterSessionKey"`
	RequesterOrigin      Origin        `json:"requesterOrigin"`
	RequesterDisplayKey  string        `json:"requesterDisplayKey"`
	Task                 string        `json:"task"`
	Cleanup              CleanupPolicy `json:"cleanup"`
	Label                string        `json:"label,omitempty"`
	RunTimeoutSeconds    int           `json:"runTimeoutSeconds,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	Outcome      Outcome `json:"outcome,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`

	ArchiveAtMS        *int64     `json:"archiveAtMs,omitempty"`
	CleanupHandled     bool       `json:"cleanupHandled"`
	CleanupCompletedAt *time.Time `json:"cleanupCompletedAt,omitempty"`

	// Extra is not persisted: unknown fields in a stored record are
	// ignored when it is loaded and are not written back on the next save.
	Extra map[string]interface{} `json:"-"`
}

func (r *Record) ended() bool { return r.EndedAt != nil }

// RegisterInput is the argument set for Register.
type RegisterInput struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     Origin
	RequesterDisplayKey string
	Task                string
	Cleanup             CleanupPolicy
	Label               string
	RunTimeoutSeconds   int
	ArchiveAfterMinutes int
}

// AnnounceFunc notifies the requester's origin that a child run finished.
// It returns didAnnounce=true only if delivery actually succeeded; the
// registry retries later when it returns false.
type AnnounceFunc func(ctx context.Context, rec Record) (didAnnounce bool)

// SessionDeleter is consulted during archival to best-effort remove a
// child session's own state; errors are swallowed by the sweep.
type SessionDeleter func(childSessionKey string) error

// Archiver durably persists a record's final state before it is dropped
// from the registry's own store (e.g. to object storage), for deployments
// that want run history retained past this registry's retention window.
// Errors are logged and swallowed: archival is best-effort and must never
// block cleanup.
type Archiver interface {
	PutRecord(ctx context.Context, key string, v interface{}) error
}

// Registry is the Subagent Registry component.
type Registry struct {
	bus      *bus.Bus
	announce AnnounceFunc
	deleter  SessionDeleter
	store    RecordStore
	archiver Archiver

	mu       sync.Mutex
	records  map[string]*Record
	waiters  map[string][]waiterEntry
	sweepAt  time.Time
	sweepTmr *time.Timer

	busSub     bus.Subscription
	subscribed bool
}

type waiterEntry struct {
	ch      chan *Record
	fired   bool
}

// Config wires the Registry's collaborators. Store overrides the default
// file-backed persistence (e.g. with a Postgres-backed RecordStore from
// internal/store/pg for managed-mode, multi-process deployments); when nil,
// StorePath is used to construct the default fileStore.
type Config struct {
	Bus         *bus.Bus
	Announce    AnnounceFunc
	DeleteChild SessionDeleter
	StorePath   string
	Store       RecordStore
	Archiver    Archiver
}

// New creates a Registry. Call Init to load persisted state and start the
// archival sweep.
func New(cfg Config) *Registry {
	store := cfg.Store
	if store == nil {
		store = newFileStore(cfg.StorePath)
	}
	return &Registry{
		bus:      cfg.Bus,
		announce: cfg.Announce,
		deleter:  cfg.DeleteChild,
		store:    store,
		archiver: cfg.Archiver,
		records:  make(map[string]*Record),
		waiters:  make(map[string][]waiterEntry),
	}
}

// Init loads any persisted records, ensures the event subscription is
// active, schedules the archival sweep, and resumes any loaded run that
// ended before cleanup completed. Init does not guard against repeated
// calls: each call loads the store again, and a loaded record replaces the
// in-memory record with the same run id.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	loaded, err := r.store.Load()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("subagents: load store: %w", err)
	}
	for id, rec := range loaded {
		r.records[id] = rec
	}
	r.ensureSubscribedLocked()
	toResume := make([]string, 0)
	for id, rec := range loaded {
		if rec.ended() && rec.CleanupCompletedAt == nil {
			rec.CleanupHandled = false
			toResume = append(toResume, id)
		}
	}
	r.mu.Unlock()

	r.rescheduleSweep()

	for _, id := range toResume {
		r.attemptCleanup(ctx, id)
	}
	return nil
}

func (r *Registry) ensureSubscribedLocked() {
	if r.subscribed || r.bus == nil {
		return
	}
	r.busSub = r.bus.Subscribe(r.onEvent)
	r.subscribed = true
}

// Register inserts a new run record and persists it.
func (r *Registry) Register(in RegisterInput) (*Record, error) {
	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}
	now := time.Now()
	rec := &Record{
		RunID:               in.RunID,
		ChildSessionKey:     in.ChildSessionKey,
		RequesterSessionKey: in.RequesterSessionKey,
		RequesterOrigin:     in.RequesterOrigin,
		RequesterDisplayKey: in.RequesterDisplayKey,
		Task:                in.Task,
		Cleanup:             in.Cleanup,
		Label:               in.Label,
		RunTimeoutSeconds:   in.RunTimeoutSeconds,
		CreatedAt:           now,
		StartedAt:           &now,
	}
	if in.ArchiveAfterMinutes > 0 {
		at := now.Add(time.Duration(in.ArchiveAfterMinutes) * time.Minute).UnixMilli()
		rec.ArchiveAtMS = &at
	}

	r.mu.Lock()
	r.records[rec.RunID] = rec
	r.ensureSubscribedLocked()
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return rec, err
	}
	r.rescheduleSweep()
	return rec, nil
}

// GetRun returns the record for runID, or nil if unknown.
func (r *Registry) GetRun(runID string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[runID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// GetActiveForRequester returns the first non-ended run requested by
// parentKey, or nil.
func (r *Registry) GetActiveForRequester(parentKey string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.RequesterSessionKey == parentKey && !rec.ended() {
			cp := *rec
			return &cp
		}
	}
	return nil
}

// ListForRequester returns every run (ended or not) requested by
// parentKey.
func (r *Registry) ListForRequester(parentKey string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.RequesterSessionKey == parentKey {
			out = append(out, *rec)
		}
	}
	return out
}

// Release removes a run's record unconditionally, e.g. when a caller
// decides it no longer needs to track it.
func (r *Registry) Release(runID string) {
	r.mu.Lock()
	delete(r.records, runID)
	r.mu.Unlock()
	r.persist()
}

// onEvent is the bus handler that advances a run's lifecycle.
func (r *Registry) onEvent(ev bus.Event) {
	if ev.Stream != bus.StreamLifecycle || ev.RunID == "" {
		return
	}

	switch ev.Phase {
	case bus.PhaseStart:
		r.handleStart(ev.RunID)
	case bus.PhaseEnd, bus.PhaseError:
		r.handleEnd(ev.RunID, ev.Phase, ev.Data)
	}
}

func (r *Registry) handleStart(runID string) {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok || rec.StartedAt != nil {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	rec.StartedAt = &now
	r.mu.Unlock()
	r.persist()
}

func (r *Registry) handleEnd(runID string, phase bus.Phase, data interface{}) {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok || rec.ended() {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	rec.EndedAt = &now

	aborted := false
	errMsg := ""
	if m, ok := data.(map[string]interface{}); ok {
		if v, ok := m["aborted"].(bool); ok {
			aborted = v
		}
		if v, ok := m["error"].(string); ok {
			errMsg = v
		}
	}

	switch {
	case aborted:
		rec.Outcome = OutcomeTimeout
	case phase == bus.PhaseError:
		rec.Outcome = OutcomeError
		rec.ErrorMessage = errMsg
	default:
		rec.Outcome = OutcomeOK
	}

	waiters := r.waiters[runID]
	delete(r.waiters, runID)
	recCopy := *rec
	parentKey := rec.RequesterSessionKey
	r.mu.Unlock()

	r.persist()

	for _, w := range waiters {
		if !w.fired {
			w.ch <- &recCopy
		}
	}

	if r.bus != nil && parentKey != "" {
		r.bus.Emit(bus.Event{
			RunID:      runID,
			Stream:     bus.StreamLifecycle,
			SessionKey: parentKey,
			Phase:      bus.PhaseSubagentComplete,
			Data:       recCopy,
		})
	}

	r.attemptCleanup(context.Background(), runID)
}

// attemptCleanup runs the announce flow exactly once per run, guarded by
// CleanupHandled. Concurrent restart-resume and live event delivery are
// both funneled through this path so only one of them wins the guard.
func (r *Registry) attemptCleanup(ctx context.Context, runID string) {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok || rec.CleanupHandled {
		r.mu.Unlock()
		return
	}
	rec.CleanupHandled = true
	recCopy := *rec
	r.mu.Unlock()
	r.persist()

	r.resumeCleanup(ctx, &recCopy)
}

// resumeCleanup runs the (possibly long) announce flow and applies the
// configured cleanup policy once it settles.
func (r *Registry) resumeCleanup(ctx context.Context, rec *Record) {
	announce := r.announce
	if announce == nil {
		return
	}

	go func() {
		annCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		defer cancel()
		didAnnounce := announce(annCtx, *rec)

		if !didAnnounce {
			r.mu.Lock()
			if cur, ok := r.records[rec.RunID]; ok {
				cur.CleanupHandled = false
			}
			r.mu.Unlock()
			r.persist()
			return
		}

		r.applyCleanupPolicy(rec.RunID)
	}()
}

func (r *Registry) applyCleanupPolicy(runID string) {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	policy := rec.Cleanup
	if policy == CleanupDelete {
		snapshot := *rec
		delete(r.records, runID)
		r.mu.Unlock()
		r.archive(snapshot)
		r.persist()
		return
	}
	now := time.Now()
	rec.CleanupCompletedAt = &now
	r.mu.Unlock()
	r.persist()
	r.rescheduleSweep()
}

// WaitForRun blocks until runID ends or timeoutMs elapses, returning the
// terminal record (nil on timeout or an unknown run).
func (r *Registry) WaitForRun(runID string, timeoutMS int64) *Record {
	r.mu.Lock()
	rec, ok := r.records[runID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if rec.ended() {
		cp := *rec
		r.mu.Unlock()
		return &cp
	}

	w := waiterEntry{ch: make(chan *Record, 1)}
	r.waiters[runID] = append(r.waiters[runID], w)
	r.mu.Unlock()

	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case rec := <-w.ch:
		return rec
	case <-timer.C:
		r.deregisterWaiter(runID, w.ch)
		return nil
	}
}

func (r *Registry) deregisterWaiter(runID string, ch chan *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[runID]
	for i, w := range list {
		if w.ch == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.waiters, runID)
	} else {
		r.waiters[runID] = list
	}
}

// rescheduleSweep cancels any pending sweep timer and schedules a new one
// at the earliest ArchiveAtMS across all records, at least 1s out.
func (r *Registry) rescheduleSweep() {
	r.mu.Lock()
	var earliest *int64
	for _, rec := range r.records {
		if rec.ArchiveAtMS == nil {
			continue
		}
		if earliest == nil || *rec.ArchiveAtMS < *earliest {
			earliest = rec.ArchiveAtMS
		}
	}
	if r.sweepTmr != nil {
		r.sweepTmr.Stop()
	}
	if earliest == nil {
		r.mu.Unlock()
		return
	}
	delay := time.Until(time.UnixMilli(*earliest))
	if delay < time.Second {
		delay = time.Second
	}
	r.sweepTmr = time.AfterFunc(delay, r.sweep)
	r.mu.Unlock()
}

// sweep removes every record whose ArchiveAtMS has passed, best-effort
// deletes the corresponding child session, persists, and reschedules if
// any archivable records remain.
func (r *Registry) sweep() {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	var toArchive []*Record
	for _, rec := range r.records {
		if rec.ArchiveAtMS != nil && *rec.ArchiveAtMS <= now {
			toArchive = append(toArchive, rec)
		}
	}
	for _, rec := range toArchive {
		delete(r.records, rec.RunID)
	}
	r.mu.Unlock()

	for _, rec := range toArchive {
		r.archive(*rec)
		if r.deleter != nil {
			if err := r.deleter(rec.ChildSessionKey); err != nil {
				slog.Warn("subagents: best-effort child session delete failed", "run_id", rec.RunID, "error", err)
			}
		}
	}

	if len(toArchive) > 0 {
		r.persist()
	}
	r.rescheduleSweep()
}

// archive best-effort hands a record about to be dropped to the configured
// Archiver; failures are logged and otherwise swallowed since the record is
// already gone from this registry's own store either way.
func (r *Registry) archive(rec Record) {
	if r.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.archiver.PutRecord(ctx, rec.RunID, rec); err != nil {
		slog.Warn("subagents: archive failed", "run_id", rec.RunID, "error", err)
	}
}

func (r *Registry) persist() error {
	r.mu.Lock()
	snapshot := make(map[string]*Record, len(r.records))
	for k, v := range r.records {
		cp := *v
		snapshot[k] = &cp
	}
	r.mu.Unlock()
	return r.store.Save(snapshot)
}

// Shutdown stops the archival sweep timer.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepTmr != nil {
		r.sweepTmr.Stop()
	}
	if r.subscribed && r.bus != nil {
		r.bus.Unsubscribe(r.busSub)
		r.subscribed = false
	}
}
