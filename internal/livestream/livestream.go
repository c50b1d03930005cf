// Package livestream maps (room, day) to the livestream URL published for
// that room on that day. The mapping comes from a small YAML file that
// organizers edit during the event:
//
//	"2025-10-17":
//	  Hall 1: https://www.youtube.com/watch?v=aaaa
//	  Hall 2: https://www.youtube.com/watch?v=bbbb
//
// Room names are matched case and space insensitively. A missing entry
// just means there is no stream.
package livestream

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	appLog "confbot/internal/log"
	"confbot/internal/model"
)

const dateLayout = "2006-01-02"

// Snapshot is an immutable date -> normalized room -> URL table.
type Snapshot struct {
	entries  map[string]map[string]string
	LoadedAt time.Time
}

// Entry is one published livestream.
type Entry struct {
	Date string `json:"date"`
	Room string `json:"room"`
	URL  string `json:"url"`
}

// Entries lists the snapshot sorted by date then room.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0)
	for date, rooms := range s.entries {
		for room, u := range rooms {
			out = append(out, Entry{Date: date, Room: room, URL: u})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Room < out[j].Room
	})
	return out
}

// Provider is the livestream source.
type Provider struct {
	path    string
	loc     *time.Location
	current atomic.Pointer[Snapshot]
}

// New returns a Provider reading path. Dates are evaluated in loc.
func New(path string, loc *time.Location) *Provider {
	if loc == nil {
		loc = time.Local
	}
	p := &Provider{path: path, loc: loc}
	p.current.Store(&Snapshot{entries: map[string]map[string]string{}})
	return p
}

// Refresh re-reads the file and swaps the snapshot. On any error the
// previous snapshot stays active.
func (p *Provider) Refresh(_ context.Context) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("livestream refresh: %w", err)
	}
	snap, err := parse(data)
	if err != nil {
		return fmt.Errorf("livestream refresh %s: %w", p.path, err)
	}
	p.current.Store(snap)
	appLog.Debug("livestreams refreshed", "path", p.path, "entries", len(snap.Entries()))
	return nil
}

// URL returns the livestream for room on the calendar day of date (in the
// provider's location).
func (p *Provider) URL(room string, date time.Time) (string, bool) {
	snap := p.current.Load()
	rooms, ok := snap.entries[date.In(p.loc).Format(dateLayout)]
	if !ok {
		return "", false
	}
	u, ok := rooms[model.NormalizeRoom(room)]
	return u, ok && u != ""
}

// Snapshot returns the active snapshot.
func (p *Provider) Snapshot() *Snapshot {
	return p.current.Load()
}

// Path is the watched file.
func (p *Provider) Path() string { return p.path }

func parse(data []byte) (*Snapshot, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	entries := make(map[string]map[string]string, len(raw))
	for date, rooms := range raw {
		date = strings.TrimSpace(date)
		if _, err := time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("invalid date key %q: %w", date, err)
		}
		norm := make(map[string]string, len(rooms))
		for room, u := range rooms {
			norm[model.NormalizeRoom(room)] = strings.TrimSpace(u)
		}
		entries[date] = norm
	}
	return &Snapshot{entries: entries, LoadedAt: time.Now()}, nil
}
