// Package schedule keeps an in-memory view of the conference program and
// answers "which sessions start soon".
//
// Each Refresh fetches every configured feed, parses and expands it, and
// swaps in a new immutable snapshot. Readers always see either the old or
// the new snapshot, never a partial one. A failed refresh leaves the
// previous snapshot in place.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"confbot/internal/clock"
	"confbot/internal/ics"
	appLog "confbot/internal/log"
	"confbot/internal/model"
)

// ErrNoSources is returned by Refresh when no feed is configured.
var ErrNoSources = errors.New("schedule: no sources configured")

// Fetcher is the subset of ics.Fetcher used by the provider.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, []error)
}

// Options configures a Provider.
type Options struct {
	Sources       []ics.Source
	Location      *time.Location
	Window        time.Duration
	HorizonDays   int
	BreakKeywords []string
	Clock         clock.Clock
}

// Snapshot is an immutable view of the program at one refresh.
type Snapshot struct {
	Sessions  []model.Session // sorted by start, room, ID
	FetchedAt time.Time
	// Partial is true when at least one source failed and the snapshot
	// was built from the rest.
	Partial bool
}

// Provider is the schedule source.
type Provider struct {
	fetcher Fetcher
	opts    Options
	current atomic.Pointer[Snapshot]
}

// New builds a Provider with an empty snapshot.
func New(fetcher Fetcher, opts Options) *Provider {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	p := &Provider{fetcher: fetcher, opts: opts}
	p.current.Store(&Snapshot{})
	return p
}

// Refresh fetches, parses and expands all sources and replaces the
// snapshot. If every source fails the old snapshot is kept and an error
// returned. If only some fail, the new snapshot is stored with Partial set
// and the error is still returned so the caller can report it.
func (p *Provider) Refresh(ctx context.Context) error {
	if len(p.opts.Sources) == 0 {
		return ErrNoSources
	}

	results, fetchErrs := p.fetcher.FetchAll(ctx, p.opts.Sources)
	if len(results) == 0 {
		return fmt.Errorf("schedule refresh: %w", errors.Join(fetchErrs...))
	}

	parsed := make([]ics.ParsedEvent, 0)
	var parseErrs []error
	for _, res := range results {
		events, err := ics.ParseICS(res.Source, res.Body)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("parse %s: %w", res.Source.ID, err))
			continue
		}
		parsed = append(parsed, events...)
	}
	if len(parseErrs) == len(results) {
		return fmt.Errorf("schedule refresh: %w", errors.Join(parseErrs...))
	}

	now := p.opts.Clock.Now().In(p.opts.Location)
	expanded, err := ics.ExpandSessions(parsed, ics.ExpandConfig{
		DisplayLocation: p.opts.Location,
		RangeStart:      now.AddDate(0, 0, -1),
		RangeEnd:        now.AddDate(0, 0, p.opts.HorizonDays),
		IsBreak:         p.isBreak,
	})
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	sessions := expanded.Sessions
	sortSessions(sessions)

	allErrs := append(fetchErrs, parseErrs...)
	snap := &Snapshot{
		Sessions:  sessions,
		FetchedAt: now,
		Partial:   len(allErrs) > 0,
	}
	p.current.Store(snap)

	appLog.Info("schedule refreshed", "sessions", len(sessions), "partial", snap.Partial)
	if len(allErrs) > 0 {
		return fmt.Errorf("schedule refresh partial: %w", errors.Join(allErrs...))
	}
	return nil
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (p *Provider) Snapshot() *Snapshot {
	return p.current.Load()
}

// SessionsStartingSoon returns sessions whose start lies in
// [now, now+window], in ascending start order (ties by room then ID).
// Breaks are included; callers decide what to do with them.
func (p *Provider) SessionsStartingSoon() []model.Session {
	return p.StartingWithin(p.opts.Clock.Now(), p.opts.Window)
}

// StartingWithin is SessionsStartingSoon for an explicit instant and window.
func (p *Provider) StartingWithin(now time.Time, window time.Duration) []model.Session {
	snap := p.current.Load()
	limit := now.Add(window)

	out := make([]model.Session, 0)
	for _, s := range snap.Sessions {
		if s.Start.Before(now) {
			continue
		}
		if s.Start.After(limit) {
			// Sorted by start: nothing later can match.
			break
		}
		out = append(out, s)
	}
	return out
}

// Upcoming returns up to n sessions that have not ended yet.
func (p *Provider) Upcoming(n int) []model.Session {
	now := p.opts.Clock.Now()
	snap := p.current.Load()
	out := make([]model.Session, 0, n)
	for _, s := range snap.Sessions {
		if len(out) >= n {
			break
		}
		if s.End.Before(now) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Window is the configured "starting soon" horizon.
func (p *Provider) Window() time.Duration { return p.opts.Window }

func (p *Provider) isBreak(ev ics.ParsedEvent) bool {
	for _, kw := range p.opts.BreakKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		for _, c := range ev.Categories {
			if strings.Contains(strings.ToLower(c), kw) {
				return true
			}
		}
		if containsWord(strings.ToLower(ev.Summary), kw) {
			return true
		}
	}
	return false
}

// containsWord reports whether kw appears in s delimited by non-letters,
// so "break" matches "Coffee break" but not "Breaking changes in Django".
func containsWord(s, kw string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], kw)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(kw)
		if boundary(s, start-1) && boundary(s, end) {
			return true
		}
		i = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 0x80)
}

func sortSessions(ss []model.Session) {
	sort.SliceStable(ss, func(i, j int) bool {
		if !ss[i].Start.Equal(ss[j].Start) {
			return ss[i].Start.Before(ss[j].Start)
		}
		if ss[i].Room != ss[j].Room {
			return ss[i].Room < ss[j].Room
		}
		return ss[i].ID < ss[j].ID
	})
}
