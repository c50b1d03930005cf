package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func icsBody(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//pretalx//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

var testSource = Source{ID: "pycon", URL: "https://pretalx.example/pycon/schedule/export/schedule.ics"}

func TestParseICS(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:pretalx-pycon-ABC123@pretalx.example",
		"DTSTAMP:20251001T000000Z",
		"DTSTART:20251017T090000Z",
		"DTEND:20251017T093000Z",
		"SUMMARY:Async all the things",
		"DESCRIPTION:A talk about asyncio",
		"LOCATION:Hall 1",
		"URL:https://pretalx.example/pycon/talk/ABC123/",
		"CATEGORIES:Web,Async",
		"ATTENDEE;CN=Ada Lovelace:mailto:ada@example.com",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"DTSTAMP:20251001T000000Z",
		"DTSTART:20251017T100000Z",
		"SUMMARY:No uid here",
		"END:VEVENT",
	)

	events, err := ParseICS(testSource, body)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "pretalx-pycon-ABC123@pretalx.example", ev.UID)
	assert.Equal(t, "Async all the things", ev.Summary)
	assert.Equal(t, "Hall 1", ev.Location)
	assert.Equal(t, "https://pretalx.example/pycon/talk/ABC123/", ev.URL)
	assert.Equal(t, []string{"Web", "Async"}, ev.Categories)
	assert.Equal(t, []string{"Ada Lovelace"}, ev.Attendees)
	assert.True(t, ev.Start.Equal(time.Date(2025, 10, 17, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, 30*time.Minute, ev.End.Sub(ev.Start))
	assert.False(t, ev.AllDay)
}

func TestParseICSEmptyBody(t *testing.T) {
	_, err := ParseICS(testSource, nil)
	require.Error(t, err)
}

func TestExpandSessionsSingleAndBreak(t *testing.T) {
	start := time.Date(2025, 10, 17, 9, 0, 0, 0, time.UTC)
	events := []ParsedEvent{
		{Source: testSource, UID: "talk-1", Summary: "Keynote", Location: "Hall 1", Start: start, End: start.Add(time.Hour)},
		{Source: testSource, UID: "coffee", Summary: "Coffee", Location: "Hall 1", Categories: []string{"Break"}, Start: start.Add(time.Hour), End: start.Add(90 * time.Minute)},
		{Source: testSource, UID: "day", Summary: "Registration", AllDay: true, Start: start, End: start.Add(24 * time.Hour)},
		{Source: testSource, UID: "past", Summary: "Yesterday", Start: start.Add(-48 * time.Hour), End: start.Add(-47 * time.Hour)},
	}

	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	res, err := ExpandSessions(events, ExpandConfig{
		DisplayLocation: madrid,
		RangeStart:      start.Add(-time.Hour),
		RangeEnd:        start.Add(24 * time.Hour),
		IsBreak: func(ev ParsedEvent) bool {
			return len(ev.Categories) > 0 && ev.Categories[0] == "Break"
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Sessions, 2)

	assert.Equal(t, "pycon/talk-1", string(res.Sessions[0].ID))
	assert.Equal(t, madrid, res.Sessions[0].Start.Location())
	assert.False(t, res.Sessions[0].Break)
	assert.True(t, res.Sessions[1].Break)
	assert.Equal(t, "Break", res.Sessions[1].Track)
}

func TestExpandSessionsRecurringWithOverrideAndExdate(t *testing.T) {
	start := time.Date(2025, 10, 17, 13, 0, 0, 0, time.UTC)
	moved := start.Add(48 * time.Hour)
	events := []ParsedEvent{
		{
			Source: testSource, UID: "lightning", Summary: "Lightning talks", Location: "Hall 2",
			Start: start, End: start.Add(30 * time.Minute),
			RawRRule: "FREQ=DAILY;COUNT=3",
			ExDates:  []time.Time{start.Add(24 * time.Hour)},
		},
		{
			Source: testSource, UID: "lightning", Summary: "Lightning talks (moved)", Location: "Hall 3",
			Start: moved.Add(time.Hour), End: moved.Add(90 * time.Minute),
			Recurrence: &moved, IsOverride: true,
		},
	}

	res, err := ExpandSessions(events, ExpandConfig{
		DisplayLocation: time.UTC,
		RangeStart:      start.Add(-time.Hour),
		RangeEnd:        start.Add(5 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, res.Sessions, 2)

	first, last := res.Sessions[0], res.Sessions[1]
	assert.Equal(t, "pycon/lightning@2025-10-17T13:00:00Z", string(first.ID))
	assert.Equal(t, "Hall 2", first.Room)

	// The override keeps the identity of the slot it replaces.
	assert.Equal(t, "pycon/lightning@2025-10-19T13:00:00Z", string(last.ID))
	assert.Equal(t, "Hall 3", last.Room)
	assert.True(t, last.Start.Equal(moved.Add(time.Hour)))
}

func TestExpandSessionsCap(t *testing.T) {
	start := time.Date(2025, 10, 17, 9, 0, 0, 0, time.UTC)
	events := []ParsedEvent{{
		Source: testSource, UID: "hourly", Start: start, End: start.Add(10 * time.Minute),
		RawRRule: "FREQ=HOURLY",
	}}

	res, err := ExpandSessions(events, ExpandConfig{
		DisplayLocation:        time.UTC,
		RangeStart:             start,
		RangeEnd:               start.Add(24 * time.Hour),
		MaxOccurrencesPerEvent: 5,
	})
	require.NoError(t, err)
	assert.Len(t, res.Sessions, 5)
	assert.Equal(t, []string{"hourly"}, res.TruncatedEvents)
}

func TestExpandSessionsRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	_, err := ExpandSessions(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Second)})
	require.Error(t, err)
}
