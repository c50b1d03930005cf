package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	appLog "confbot/internal/log"
)

// task runs fn every interval on its own cron instance. The first run
// starts immediately. Runs never overlap: a slow run delays the next one,
// and at most one run waits behind it.
type task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	c        *cron.Cron
	cancel   context.CancelFunc
	stopping atomic.Bool
	first    chan struct{}
	wg       sync.WaitGroup
}

func newTask(name string, interval time.Duration, fn func(ctx context.Context)) *task {
	return &task{name: name, interval: interval, fn: fn}
}

func (t *task) start(ctx context.Context) {
	// The run context is only cancelled when stop gives up waiting.
	ctx, t.cancel = context.WithCancel(ctx)
	t.stopping.Store(false)
	t.first = make(chan struct{})

	logger := appLog.CronLogger(t.name)
	// The chain is applied once here instead of via cron.WithChain so the
	// immediate first run and the scheduled runs share the same
	// DelayIfStillRunning lock.
	job := cron.NewChain(
		cron.Recover(logger),
		collapseBacklog(logger),
		cron.DelayIfStillRunning(logger),
	).Then(cron.FuncJob(func() {
		if t.stopping.Load() || ctx.Err() != nil {
			return
		}
		t.fn(ctx)
	}))

	t.c = cron.New(cron.WithLogger(logger))
	t.c.Schedule(cron.Every(t.interval), job)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(t.first)
		job.Run()
	}()
	t.c.Start()
	appLog.Debug("task started", "task", t.name, "interval", t.interval.String())
}

// waitFirst blocks until the immediate first run has finished or ctx is done.
func (t *task) waitFirst(ctx context.Context) error {
	select {
	case <-t.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop prevents further runs and waits for the running one, if any, to
// finish on its own. If ctx ends first, the running invocation's context
// is cancelled and ctx's error returned.
func (t *task) stop(ctx context.Context) error {
	t.stopping.Store(true)
	cronDone := t.c.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		appLog.Debug("task stopped", "task", t.name)
		return nil
	case <-ctx.Done():
		t.cancel()
		appLog.Warn("task did not finish in time; cancelled", ctx.Err(), "task", t.name)
		return ctx.Err()
	}
}

// collapseBacklog lets at most one invocation wait behind the running one.
// Invocations arriving while one is already waiting are dropped, so a long
// stall is followed by a single catch-up run instead of a burst.
func collapseBacklog(logger cron.Logger) cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		var inflight atomic.Int32
		return cron.FuncJob(func() {
			if inflight.Add(1) > 2 {
				inflight.Add(-1)
				logger.Info("skip", "reason", "a run is already queued")
				return
			}
			defer inflight.Add(-1)
			j.Run()
		})
	}
}
