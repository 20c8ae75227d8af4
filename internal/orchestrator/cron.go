package orchestrator

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
)

// WrapCronHandler routes a cron job's execution through the scheduler's
// "cron" named lane instead of running it on the cron service's own
// goroutine, so cron.maxConcurrentRuns governs how many jobs run at once
// and cron work competes fairly with everything else queued on that lane.
func WrapCronHandler(sched *scheduler.Scheduler, handler cron.JobHandler) cron.JobHandler {
	return func(job *cron.Job) (string, error) {
		outcomeCh := sched.EnqueueLane(context.Background(), "cron", func(ctx context.Context) (interface{}, error) {
			return handler(job)
		}, scheduler.EnqueueOptions{Priority: scheduler.PriorityBackground})

		outcome := <-outcomeCh
		summary, _ := outcome.Result.(string)
		return summary, outcome.Err
	}
}
