// Package jobs defines the River job types of the service: the
// reconciliation execution job and the periodic maintenance tasks.
//
// Periodic tasks run as River periodic jobs when PostgreSQL is available
// and on in-process tickers otherwise. Both paths call the same function.
package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// Periodic is a recurring maintenance task.
type Periodic struct {
	Interval time.Duration
	// Args is inserted by the River scheduler on every tick.
	Args river.JobArgs
	// Run does the work. The matching River worker calls it too.
	Run func(ctx context.Context) error
}

// Name returns the job kind of the task.
func (p Periodic) Name() string {
	return p.Args.Kind()
}

// PeriodicJobs converts tasks to River periodic jobs. Each insert is unique
// per interval so that several instances schedule a tick once.
func PeriodicJobs(tasks []Periodic) []*river.PeriodicJob {
	out := make([]*river.PeriodicJob, 0, len(tasks))
	for _, task := range tasks {
		if task.Interval <= 0 {
			continue
		}
		args := task.Args
		interval := task.Interval
		out = append(out, river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return args, &river.InsertOpts{
					Queue:       river.QueueDefault,
					MaxAttempts: 1,
					UniqueOpts: river.UniqueOpts{
						ByPeriod: interval,
						ByQueue:  true,
					},
				}
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	return out
}

// RunLocal runs every task on its own ticker until ctx is done. Errors are
// logged and the task keeps its schedule.
func RunLocal(ctx context.Context, tasks []Periodic) {
	for _, task := range tasks {
		if task.Interval <= 0 || task.Run == nil {
			continue
		}
		go runTicker(ctx, task)
	}
}

func runTicker(ctx context.Context, task Periodic) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Periodic task failed",
					zap.String("task", task.Name()),
					zap.Error(err),
				)
			}
		}
	}
}
