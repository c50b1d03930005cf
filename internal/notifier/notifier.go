// Package notifier announces program sessions shortly before they start.
//
// A Notifier owns three periodic tasks: schedule refresh, livestream
// refresh and the due-session scan. Each scan asks the schedule for the
// sessions starting soon, skips breaks and sessions already announced, and
// for every remaining one updates the room channel topic, posts to the
// room channel and posts a copy to the main channel. A session is recorded
// as notified only when all of that succeeded, so failures are retried on
// the next scan.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"confbot/internal/clock"
	appLog "confbot/internal/log"
	"confbot/internal/metrics"
)

var (
	ErrAlreadyRunning = errors.New("notifier: already running")
	ErrNotRunning     = errors.New("notifier: not running")
)

const (
	defaultRefreshInterval  = 5 * time.Minute
	defaultScanInterval     = 60 * time.Second
	defaultFastScanInterval = 2 * time.Second
	defaultPurgeConcurrency = 4
)

// Options configures a Notifier.
type Options struct {
	// MainChannel is the directory key of the main aggregation channel.
	MainChannel string
	// Window is the schedule's "starting soon" horizon; it only feeds the
	// {minutes} placeholder.
	Window time.Duration

	ScheduleRefresh   time.Duration
	LivestreamRefresh time.Duration
	ScanInterval      time.Duration
	FastScanInterval  time.Duration

	// FastMode selects FastScanInterval, but only together with simulated time.
	FastMode bool
	// SimulatedStart, when non-zero, enables simulated time; every channel
	// is purged before the first scan.
	SimulatedStart time.Time

	RoomLead      string
	MainHeader    string
	TopicTemplate string

	PurgeConcurrency int
}

// Deps are the collaborators of a Notifier. Clock and Metrics are optional.
type Deps struct {
	Schedule    ScheduleSource
	Livestreams LivestreamSource
	Channels    ChannelDirectory
	Renderer    Renderer
	Clock       clock.Clock
	Metrics     *metrics.Metrics
}

// RefreshReport is the outcome of the last refresh of one source.
type RefreshReport struct {
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Status is a point-in-time view for the status API.
type Status struct {
	Running      bool                     `json:"running"`
	Simulated    bool                     `json:"simulated"`
	Now          time.Time                `json:"now"`
	ScanInterval string                   `json:"scan_interval"`
	Notified     int                      `json:"notified"`
	LastScan     *ScanReport              `json:"last_scan,omitempty"`
	Refreshes    map[string]RefreshReport `json:"refreshes"`
}

// Notifier is the session-notification scheduler.
type Notifier struct {
	schedule    ScheduleSource
	livestreams LivestreamSource
	channels    ChannelDirectory
	renderer    Renderer
	clock       clock.Clock
	metrics     *metrics.Metrics
	opts        Options

	record   *record
	lastScan atomic.Pointer[ScanReport]

	refreshMu sync.Mutex
	refreshes map[string]RefreshReport

	// lifecycle serializes Start and Stop and guards tasks; mu only guards
	// running so Status never waits on a slow Start or Stop.
	lifecycle sync.Mutex
	tasks     []*task
	mu        sync.Mutex
	running   bool
}

// New builds a Notifier. It does not start anything.
func New(deps Deps, opts Options) (*Notifier, error) {
	if deps.Schedule == nil || deps.Livestreams == nil || deps.Channels == nil || deps.Renderer == nil {
		return nil, errors.New("notifier: schedule, livestreams, channels and renderer are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if opts.ScheduleRefresh <= 0 {
		opts.ScheduleRefresh = defaultRefreshInterval
	}
	if opts.LivestreamRefresh <= 0 {
		opts.LivestreamRefresh = defaultRefreshInterval
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = defaultScanInterval
	}
	if opts.FastScanInterval <= 0 {
		opts.FastScanInterval = defaultFastScanInterval
	}
	if opts.PurgeConcurrency <= 0 {
		opts.PurgeConcurrency = defaultPurgeConcurrency
	}
	return &Notifier{
		schedule:    deps.Schedule,
		livestreams: deps.Livestreams,
		channels:    deps.Channels,
		renderer:    deps.Renderer,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		opts:        opts,
		record:      newRecord(),
		refreshes:   make(map[string]RefreshReport),
	}, nil
}

// Start launches the refresh tasks, waits for their first run (bounded by
// ctx), purges all channels when simulated time is on and then launches
// the scan task. The tasks keep running after ctx is done; use Stop.
func (n *Notifier) Start(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if n.isRunning() {
		return ErrAlreadyRunning
	}

	runCtx := context.WithoutCancel(ctx)

	scheduleTask := newTask("schedule-refresh", n.opts.ScheduleRefresh, n.refreshJob("schedule", n.schedule.Refresh))
	livestreamTask := newTask("livestream-refresh", n.opts.LivestreamRefresh, n.refreshJob("livestream", n.livestreams.Refresh))
	scheduleTask.start(runCtx)
	livestreamTask.start(runCtx)
	n.tasks = []*task{scheduleTask, livestreamTask}

	for _, t := range n.tasks {
		if err := t.waitFirst(ctx); err != nil {
			appLog.Warn("initial refresh still running; starting scan anyway", err, "task", t.name)
			break
		}
	}

	interval := n.scanInterval()
	if n.simulated() {
		appLog.Info("simulated time enabled",
			"start", n.opts.SimulatedStart.Format(time.RFC3339),
			"fast_mode", n.opts.FastMode,
			"scan_interval", interval.String(),
		)
		n.purgeAll(ctx)
	}

	scanTask := newTask("scan", interval, n.scan)
	scanTask.start(runCtx)
	n.tasks = append(n.tasks, scanTask)

	n.setRunning(true)
	appLog.Info("notifier started",
		"schedule_refresh", n.opts.ScheduleRefresh.String(),
		"livestream_refresh", n.opts.LivestreamRefresh.String(),
		"scan_interval", interval.String(),
	)
	return nil
}

// Stop stops all tasks. Ticks already running are allowed to finish; ctx
// bounds the wait, after which they are cancelled.
func (n *Notifier) Stop(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if !n.isRunning() {
		return ErrNotRunning
	}

	var errs []error
	// Scan first so it does not observe a half-stopped notifier.
	for i := len(n.tasks) - 1; i >= 0; i-- {
		if err := n.tasks[i].stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", n.tasks[i].name, err))
		}
	}
	n.tasks = nil
	n.setRunning(false)
	appLog.Info("notifier stopped")
	return errors.Join(errs...)
}

// RunOnce refreshes both sources and runs a single scan. It is meant for
// one-shot invocations and does not require Start. Refresh errors are
// returned after the scan, which runs against whatever data is available.
func (n *Notifier) RunOnce(ctx context.Context) error {
	var errs []error
	if err := n.refreshJobErr("schedule", n.schedule.Refresh)(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := n.refreshJobErr("livestream", n.livestreams.Refresh)(ctx); err != nil {
		errs = append(errs, err)
	}
	n.scan(ctx)
	return errors.Join(errs...)
}

// Status returns a snapshot of the notifier state.
func (n *Notifier) Status() Status {
	running := n.isRunning()

	n.refreshMu.Lock()
	refreshes := make(map[string]RefreshReport, len(n.refreshes))
	for k, v := range n.refreshes {
		refreshes[k] = v
	}
	n.refreshMu.Unlock()

	return Status{
		Running:      running,
		Simulated:    n.simulated(),
		Now:          n.clock.Now(),
		ScanInterval: n.scanInterval().String(),
		Notified:     n.record.len(),
		LastScan:     n.lastScan.Load(),
		Refreshes:    refreshes,
	}
}

func (n *Notifier) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *Notifier) setRunning(v bool) {
	n.mu.Lock()
	n.running = v
	n.mu.Unlock()
}

func (n *Notifier) simulated() bool {
	return !n.opts.SimulatedStart.IsZero()
}

func (n *Notifier) scanInterval() time.Duration {
	if n.opts.FastMode && n.simulated() {
		return n.opts.FastScanInterval
	}
	return n.opts.ScanInterval
}

func (n *Notifier) refreshJob(source string, refresh func(context.Context) error) func(context.Context) {
	run := n.refreshJobErr(source, refresh)
	return func(ctx context.Context) {
		_ = run(ctx)
	}
}

func (n *Notifier) refreshJobErr(source string, refresh func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := refresh(ctx)
		n.metrics.Refresh(source, err)

		rep := RefreshReport{At: time.Now()}
		if err != nil {
			rep.Error = err.Error()
			appLog.Warn("refresh failed; keeping previous data", err, "source", source)
		} else {
			appLog.Debug("refresh ok", "source", source)
		}
		n.refreshMu.Lock()
		n.refreshes[source] = rep
		n.refreshMu.Unlock()
		return err
	}
}

// purgeAll empties every configured channel. Failures are logged and do
// not stop the other channels.
func (n *Notifier) purgeAll(ctx context.Context) {
	channels := n.channels.Channels()
	keys := make([]string, 0, len(channels))
	for k := range channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mu sync.Mutex
	failed := 0
	p := pool.New().WithMaxGoroutines(n.opts.PurgeConcurrency)
	for _, key := range keys {
		key, ch := key, channels[key]
		p.Go(func() {
			if err := ch.PurgeAll(ctx); err != nil {
				appLog.Error("channel purge failed", err, "room", key)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
	}
	p.Wait()
	appLog.Info("channels purged", "channels", len(keys), "failed", failed)
}
