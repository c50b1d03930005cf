package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "confbot/internal/log"
	"confbot/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 500
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all sessions will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive time window for sessions.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single recurring item.
	// If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int

	// IsBreak classifies non-content slots. Nil means nothing is a break.
	IsBreak func(ParsedEvent) bool
}

// ExpandResult wraps the list of expanded sessions and the UIDs that hit
// the occurrence cap.
type ExpandResult struct {
	Sessions        []model.Session
	TruncatedEvents []string
}

// ExpandSessions turns parsed events into concrete sessions within the
// configured range. It handles single items, RRULE recurrence (think a
// daily "Coffee break" or "Lightning talks" slot), EXDATE and
// RECURRENCE-ID overrides. All-day items are dropped: they are not
// sessions anyone can be notified about "5 minutes before".
func ExpandSessions(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID. Keep first-seen UID order so
	// the output is deterministic before sorting.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	order := make([]string, 0)

	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, seen := baseByUID[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	sessions := make([]model.Session, 0)
	for _, uid := range order {
		ov := overridesByUID[uid]
		truncated := false

		for _, ev := range baseByUID[uid] {
			var out []model.Session
			var hitCap bool
			if ev.RawRRule == "" {
				out = expandSingle(ev, ov, cfg)
			} else {
				out, hitCap = expandRecurring(ev, ov, cfg)
			}
			truncated = truncated || hitCap
			sessions = append(sessions, out...)
		}

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	result.Sessions = sessions
	return result, nil
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Session {
	if !timeRangesOverlap(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}

	baseEv, start, end := ev, ev.Start, ev.End
	if o, ok := findOverrideForStart(overrides, ev.Start); ok {
		baseEv, start, end = o, o.Start, o.End
	}
	return []model.Session{makeSession(baseEv, ev.UID, start, end, cfg)}
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Session, bool) {
	out := make([]model.Session, 0)
	hitCap := false

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Warn("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the duration so sessions already running
	// at RangeStart are kept, matching expandSingle's overlap rule.
	dur := ev.End.Sub(ev.Start)
	rangeStart := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		baseEv, start, end := ev, occStart, occStart.Add(dur)
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			baseEv, start, end = o, o.Start, o.End
		}
		// Identity follows the original slot, not the override's new time,
		// so a moved instance is not announced twice.
		out = append(out, makeSession(baseEv, ev.UID+"@"+occStart.UTC().Format(time.RFC3339), start, end, cfg))
	}

	return out, hitCap
}

// findOverrideForStart finds an override whose RECURRENCE-ID equals start.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

// makeSession converts a (possibly overridden) ParsedEvent plus a concrete
// start/end into a model.Session normalized into the display location.
func makeSession(ev ParsedEvent, key string, start, end time.Time, cfg ExpandConfig) model.Session {
	s := model.Session{
		ID:       model.SessionID(ev.Source.ID + "/" + key),
		SourceID: ev.Source.ID,
		Title:    ev.Summary,
		Abstract: ev.Description,
		Room:     ev.Location,
		URL:      ev.URL,
		Speakers: append([]string(nil), ev.Attendees...),
		Start:    start.In(cfg.DisplayLocation),
		End:      end.In(cfg.DisplayLocation),
	}
	if len(ev.Categories) > 0 {
		s.Track = ev.Categories[0]
	}
	if cfg.IsBreak != nil {
		s.Break = cfg.IsBreak(ev)
	}
	return s
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
