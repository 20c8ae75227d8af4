package scheduler

import (
	"context"
	"time"
)

// TaskFunc is the work a queued task performs. It receives the context
// supplied at enqueue time.
type TaskFunc func(ctx context.Context) (interface{}, error)

// Outcome is the settled result of a task's TaskFunc.
type Outcome struct {
	Result interface{}
	Err    error
}

// WaitCallback is invoked once, right before a task starts running, if it
// waited at least WarnAfterMS in its queue.
type WaitCallback func(waitedMS int64, remainingQueued int)

// EnqueueOptions configures a single enqueue call.
type EnqueueOptions struct {
	Priority   Priority
	WarnAfterMS int64
	OnWait     WaitCallback
}

// task is an internal queue entry: an opaque callable plus its bookkeeping.
type task struct {
	id         string
	ctx        context.Context
	fn         TaskFunc
	priority   Priority
	enqueuedAt time.Time
	warnAfterMS int64
	onWait     WaitCallback
	resultCh   chan Outcome
}

func newTask(ctx context.Context, id string, fn TaskFunc, opts EnqueueOptions) *task {
	return &task{
		id:          id,
		ctx:         ctx,
		fn:          fn,
		priority:    opts.Priority,
		enqueuedAt:  time.Now(),
		warnAfterMS: opts.WarnAfterMS,
		onWait:      opts.OnWait,
		resultCh:    make(chan Outcome, 1),
	}
}

// run executes the task's callable and settles its result channel. It
// never panics out: a panicking TaskFunc is converted into an error
// outcome so the pump is never brought down by user code.
func (t *task) run() {
	defer func() {
		if rec := recover(); rec != nil {
			t.resultCh <- Outcome{Err: panicToError(rec)}
		}
	}()
	result, err := t.fn(t.ctx)
	t.resultCh <- Outcome{Result: result, Err: err}
}
