package model

import (
	"strings"
	"time"
)

// SessionID is the stable identity of a program session. Two fetches of
// the same underlying item produce the same SessionID.
type SessionID string

// Session represents a single concrete program item (after recurrence
// expansion and timezone normalization).
type Session struct {
	ID       SessionID
	SourceID string // feed source ID (config schedule source ID)

	Title    string
	Abstract string
	Room     string
	Track    string
	Speakers []string
	URL      string

	// Break marks non-content slots (coffee, lunch). Breaks are never announced.
	Break bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// Duration returns the scheduled length of the session.
func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// NormalizeRoom maps a human room name to its lookup key:
// lowercase, surrounding space trimmed, inner spaces replaced by underscores.
func NormalizeRoom(room string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(room)), " ", "_")
}

// Field is a single name/value pair shown in a rendered message.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is a displayable notification body. Transports convert it to
// their own wire representation.
type Message struct {
	Title       string
	URL         string
	Description string
	Color       int
	Fields      []Field
	Footer      string
	Timestamp   time.Time
}
