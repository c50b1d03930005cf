package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confbot/internal/clock"
	"confbot/internal/metrics"
	"confbot/internal/model"
)

// calls is an ordered log of every channel operation.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(format string, a ...any) {
	c.mu.Lock()
	c.log = append(c.log, fmt.Sprintf(format, a...))
	c.mu.Unlock()
}

func (c *calls) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *calls) reset() {
	c.mu.Lock()
	c.log = nil
	c.mu.Unlock()
}

type fakeChannel struct {
	key   string
	calls *calls

	mu        sync.Mutex
	topicErr  error
	failPosts int
	purgeErr  error
	purged    bool

	// delay makes Post slow; it honours ctx like a real HTTP call.
	delay time.Duration
	// posting, when set, receives a value as each Post begins.
	posting chan struct{}
}

func (c *fakeChannel) SetTopic(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topicErr != nil {
		return c.topicErr
	}
	c.calls.add("topic %s %q", c.key, topic)
	return nil
}

func (c *fakeChannel) Post(ctx context.Context, msg model.Message, lead string) error {
	if c.posting != nil {
		select {
		case c.posting <- struct{}{}:
		default:
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPosts > 0 {
		c.failPosts--
		return errors.New("discord unavailable")
	}
	c.calls.add("post %s %q %s", c.key, lead, msg.Title)
	return nil
}

func (c *fakeChannel) PurgeAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purged = true
	return c.purgeErr
}

type fakeDirectory struct {
	channels map[string]*fakeChannel
}

func newDirectory(c *calls, keys ...string) *fakeDirectory {
	d := &fakeDirectory{channels: map[string]*fakeChannel{}}
	for _, k := range keys {
		d.channels[k] = &fakeChannel{key: k, calls: c}
	}
	return d
}

func (d *fakeDirectory) Resolve(room string) (Channel, bool) {
	ch, ok := d.channels[model.NormalizeRoom(room)]
	if !ok {
		return nil, false
	}
	return ch, true
}

func (d *fakeDirectory) Channels() map[string]Channel {
	out := make(map[string]Channel, len(d.channels))
	for k, ch := range d.channels {
		out[k] = ch
	}
	return out
}

type fakeSchedule struct {
	mu         sync.Mutex
	sessions   []model.Session
	refreshErr error
	refreshes  int
	// block, when set, holds every refresh until it is closed.
	block chan struct{}
}

func (s *fakeSchedule) Refresh(context.Context) error {
	s.mu.Lock()
	s.refreshes++
	err, block := s.refreshErr, s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (s *fakeSchedule) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

func (s *fakeSchedule) SessionsStartingSoon() []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Session(nil), s.sessions...)
}

type fakeLivestreams struct {
	urls map[string]string
}

func (l *fakeLivestreams) Refresh(context.Context) error { return nil }

func (l *fakeLivestreams) URL(room string, _ time.Time) (string, bool) {
	u, ok := l.urls[model.NormalizeRoom(room)]
	return u, ok
}

type fakeRenderer struct{}

func (fakeRenderer) Render(s model.Session, url string) model.Message {
	return model.Message{Title: s.Title, URL: url}
}

var t0 = time.Date(2025, 10, 17, 9, 0, 0, 0, time.UTC)

func sess(id, room string, brk bool) model.Session {
	start := t0.Add(3 * time.Minute)
	return model.Session{ID: model.SessionID(id), Title: id, Room: room, Break: brk, Start: start, End: start.Add(30 * time.Minute)}
}

type fixture struct {
	calls    *calls
	schedule *fakeSchedule
	dir      *fakeDirectory
	clock    *clock.Manual
	n        *Notifier
}

func newFixture(t *testing.T, opts Options, rooms ...string) *fixture {
	t.Helper()
	c := &calls{}
	f := &fixture{
		calls: c,
		schedule: &fakeSchedule{sessions: []model.Session{
			sess("A", "Hall 1", false),
			sess("B", "Hall 1", true),
			sess("C", "Hall 2", false),
		}},
		dir:   newDirectory(c, rooms...),
		clock: clock.NewManual(t0),
	}
	if opts.MainChannel == "" {
		opts.MainChannel = "main_channel"
	}
	if opts.Window == 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.RoomLead == "" {
		opts.RoomLead = "# Starting in {minutes} minutes @ {room}"
	}
	if opts.MainHeader == "" {
		opts.MainHeader = "# Sessions starting in {minutes} minutes:"
	}
	if opts.TopicTemplate == "" {
		opts.TopicTemplate = "Livestream: [YouTube]({url})"
	}
	n, err := New(Deps{
		Schedule:    f.schedule,
		Livestreams: &fakeLivestreams{urls: map[string]string{"hall_1": "https://yt.example/h1"}},
		Channels:    f.dir,
		Renderer:    fakeRenderer{},
		Clock:       f.clock,
		Metrics:     metrics.New(),
	}, opts)
	require.NoError(t, err)
	f.n = n
	return f
}

func TestScanAnnouncesDueSessions(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "hall_2", "main_channel")

	f.n.scan(context.Background())

	assert.Equal(t, []string{
		`topic hall_1 "Livestream: [YouTube](https://yt.example/h1)"`,
		`post hall_1 "# Starting in 5 minutes @ Hall 1" A`,
		`post main_channel "# Sessions starting in 5 minutes:" A`,
		`topic hall_2 ""`,
		`post hall_2 "# Starting in 5 minutes @ Hall 2" C`,
		`post main_channel "" C`,
	}, f.calls.all())

	assert.True(t, f.n.record.contains("A"))
	assert.False(t, f.n.record.contains("B"))
	assert.True(t, f.n.record.contains("C"))
	assert.Equal(t, 2, f.n.record.len())

	rep := f.n.lastScan.Load()
	require.NotNil(t, rep)
	assert.Equal(t, 2, rep.Notified)
	assert.Equal(t, 1, rep.Breaks)
}

func TestScanIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "hall_2", "main_channel")

	f.n.scan(context.Background())
	f.calls.reset()
	f.n.scan(context.Background())

	assert.Empty(t, f.calls.all())
	assert.Equal(t, 2, f.n.record.len())
}

func TestScanUnknownRoom(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "main_channel")

	f.n.scan(context.Background())

	assert.Equal(t, []string{
		`topic hall_1 "Livestream: [YouTube](https://yt.example/h1)"`,
		`post hall_1 "# Starting in 5 minutes @ Hall 1" A`,
		`post main_channel "# Sessions starting in 5 minutes:" A`,
		`post main_channel "" C`,
	}, f.calls.all())
	assert.True(t, f.n.record.contains("A"))
	assert.True(t, f.n.record.contains("C"))
}

func TestScanWithoutMainChannel(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "hall_2")

	f.n.scan(context.Background())

	assert.Len(t, f.calls.all(), 4)
	assert.Equal(t, 2, f.n.record.len())
}

func TestScanOnlyBreaks(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "hall_2", "main_channel")
	f.schedule.sessions = []model.Session{sess("B", "Hall 1", true)}

	f.n.scan(context.Background())
	f.n.scan(context.Background())

	assert.Empty(t, f.calls.all())
	assert.Zero(t, f.n.record.len())
}

func TestScanMainFailureLeavesSessionUnrecorded(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "hall_2", "main_channel")
	f.dir.channels["main_channel"].failPosts = 1

	f.n.scan(context.Background())

	// A reached its room but not main; C still gets the header since it is
	// the first main post that went through.
	assert.Equal(t, []string{
		`topic hall_1 "Livestream: [YouTube](https://yt.example/h1)"`,
		`post hall_1 "# Starting in 5 minutes @ Hall 1" A`,
		`topic hall_2 ""`,
		`post hall_2 "# Starting in 5 minutes @ Hall 2" C`,
		`post main_channel "# Sessions starting in 5 minutes:" C`,
	}, f.calls.all())
	assert.False(t, f.n.record.contains("A"))
	assert.True(t, f.n.record.contains("C"))

	f.calls.reset()
	f.n.scan(context.Background())

	assert.Equal(t, []string{
		`topic hall_1 "Livestream: [YouTube](https://yt.example/h1)"`,
		`post hall_1 "# Starting in 5 minutes @ Hall 1" A`,
		`post main_channel "# Sessions starting in 5 minutes:" A`,
	}, f.calls.all())
	assert.True(t, f.n.record.contains("A"))
}

func TestScanTopicFailureSkipsPosts(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "hall_2", "main_channel")
	f.dir.channels["hall_1"].topicErr = errors.New("missing permission")

	f.n.scan(context.Background())

	assert.Equal(t, []string{
		`topic hall_2 ""`,
		`post hall_2 "# Starting in 5 minutes @ Hall 2" C`,
		`post main_channel "# Sessions starting in 5 minutes:" C`,
	}, f.calls.all())
	assert.False(t, f.n.record.contains("A"))
	rep := f.n.lastScan.Load()
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.Failed)
}

func TestScanPrunesEndedSessions(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "hall_2", "main_channel")

	f.n.scan(context.Background())
	require.Equal(t, 2, f.n.record.len())

	f.schedule.sessions = nil
	f.clock.Advance(20 * time.Minute)
	f.n.scan(context.Background())
	assert.Equal(t, 2, f.n.record.len(), "sessions still running stay recorded")

	f.clock.Advance(20 * time.Minute)
	f.n.scan(context.Background())
	assert.Zero(t, f.n.record.len())
}

func TestRunOnceReportsRefreshErrorAndStillScans(t *testing.T) {
	f := newFixture(t, Options{}, "hall_1", "hall_2", "main_channel")
	f.schedule.refreshErr = errors.New("pretalx down")

	err := f.n.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, f.schedule.refreshErr)

	assert.Len(t, f.calls.all(), 6)
	st := f.n.Status()
	assert.Equal(t, "pretalx down", st.Refreshes["schedule"].Error)
	assert.Empty(t, st.Refreshes["livestream"].Error)
	assert.False(t, st.Running)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Options{
		ScheduleRefresh:   time.Hour,
		LivestreamRefresh: time.Hour,
		ScanInterval:      time.Hour,
	}, "hall_1", "hall_2", "main_channel")

	ctx := context.Background()
	require.NoError(t, f.n.Start(ctx))
	assert.ErrorIs(t, f.n.Start(ctx), ErrAlreadyRunning)

	// The first scan runs immediately.
	assert.Eventually(t, func() bool { return len(f.calls.all()) == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.schedule.refreshCount())

	st := f.n.Status()
	assert.True(t, st.Running)
	assert.False(t, st.Simulated)
	assert.Equal(t, "1h0m0s", st.ScanInterval)

	require.NoError(t, f.n.Stop(ctx))
	assert.ErrorIs(t, f.n.Stop(ctx), ErrNotRunning)

	// Restart works and keeps the record.
	require.NoError(t, f.n.Start(ctx))
	require.NoError(t, f.n.Stop(ctx))
	assert.Len(t, f.calls.all(), 6)
}

func TestStopLetsRunningScanFinish(t *testing.T) {
	f := newFixture(t, Options{
		ScheduleRefresh:   time.Hour,
		LivestreamRefresh: time.Hour,
		ScanInterval:      time.Hour,
	}, "hall_1", "hall_2", "main_channel")
	hall1 := f.dir.channels["hall_1"]
	hall1.delay = 300 * time.Millisecond
	hall1.posting = make(chan struct{}, 1)

	require.NoError(t, f.n.Start(context.Background()))
	select {
	case <-hall1.posting:
	case <-time.After(2 * time.Second):
		t.Fatal("scan never reached the room post")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.n.Stop(stopCtx))

	assert.Equal(t, []string{
		`topic hall_1 "Livestream: [YouTube](https://yt.example/h1)"`,
		`post hall_1 "# Starting in 5 minutes @ Hall 1" A`,
		`post main_channel "# Sessions starting in 5 minutes:" A`,
		`topic hall_2 ""`,
		`post hall_2 "# Starting in 5 minutes @ Hall 2" C`,
		`post main_channel "" C`,
	}, f.calls.all())
	assert.True(t, f.n.record.contains("A"))
	assert.True(t, f.n.record.contains("C"))
	assert.False(t, f.n.Status().Running)
}

func TestStopTimeoutCancelsRunningScan(t *testing.T) {
	f := newFixture(t, Options{
		ScheduleRefresh:   time.Hour,
		LivestreamRefresh: time.Hour,
		ScanInterval:      time.Hour,
	}, "hall_1", "hall_2", "main_channel")
	hall1 := f.dir.channels["hall_1"]
	hall1.delay = time.Hour
	hall1.posting = make(chan struct{}, 1)

	require.NoError(t, f.n.Start(context.Background()))
	<-hall1.posting

	stopCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.n.Stop(stopCtx), context.DeadlineExceeded)

	// The cancelled post fails and the scan gives up without recording A.
	assert.Eventually(t, func() bool { return f.n.lastScan.Load() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.n.record.contains("A"))
}

func TestStatusDoesNotWaitForStart(t *testing.T) {
	f := newFixture(t, Options{
		ScheduleRefresh:   time.Hour,
		LivestreamRefresh: time.Hour,
		ScanInterval:      time.Hour,
	}, "hall_1", "hall_2", "main_channel")
	f.schedule.block = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- f.n.Start(context.Background()) }()
	assert.Eventually(t, func() bool { return f.schedule.refreshCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	status := make(chan Status, 1)
	go func() { status <- f.n.Status() }()
	select {
	case st := <-status:
		assert.False(t, st.Running)
	case <-time.After(time.Second):
		t.Fatal("Status blocked while Start waited for the first refresh")
	}

	close(f.schedule.block)
	require.NoError(t, <-started)
	assert.True(t, f.n.Status().Running)
	require.NoError(t, f.n.Stop(context.Background()))
}

func TestStartSimulatedPurgesEveryChannel(t *testing.T) {
	f := newFixture(t, Options{
		ScheduleRefresh:   time.Hour,
		LivestreamRefresh: time.Hour,
		ScanInterval:      time.Hour,
		SimulatedStart:    t0,
	}, "hall_1", "hall_2", "main_channel")
	f.dir.channels["hall_1"].purgeErr = errors.New("forbidden")

	ctx := context.Background()
	require.NoError(t, f.n.Start(ctx))
	defer func() { require.NoError(t, f.n.Stop(ctx)) }()

	for k, ch := range f.dir.channels {
		assert.True(t, ch.purged, k)
	}
	assert.Eventually(t, func() bool { return len(f.calls.all()) == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.n.Status().Simulated)
}

func TestScanInterval(t *testing.T) {
	tests := []struct {
		name string
		fast bool
		sim  time.Time
		want time.Duration
	}{
		{"real time", false, time.Time{}, time.Minute},
		{"fast without simulation", true, time.Time{}, time.Minute},
		{"simulation without fast", false, t0, time.Minute},
		{"fast simulation", true, t0, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := New(Deps{
				Schedule:    &fakeSchedule{},
				Livestreams: &fakeLivestreams{},
				Channels:    &fakeDirectory{},
				Renderer:    fakeRenderer{},
			}, Options{FastMode: tt.fast, SimulatedStart: tt.sim})
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.scanInterval())
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	require.Error(t, err)
}
