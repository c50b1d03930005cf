// Package render turns a session into the message body posted to Discord.
package render

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"confbot/internal/model"
)

// Embed colors.
const (
	SessionColor    = 0xF5B400
	LivestreamColor = 0xFF0000
)

// Discord embed limits.
const (
	maxTitle       = 256
	maxDescription = 1024
	maxFieldValue  = 1024
)

// Renderer builds notification messages.
type Renderer struct {
	loc    *time.Location
	footer string
}

// New returns a Renderer that formats times in loc and sets footer on
// every message.
func New(loc *time.Location, footer string) *Renderer {
	if loc == nil {
		loc = time.Local
	}
	return &Renderer{loc: loc, footer: footer}
}

// Render builds the message for s. livestreamURL may be empty.
func (r *Renderer) Render(s model.Session, livestreamURL string) model.Message {
	msg := model.Message{
		Title:       truncate(s.Title, maxTitle),
		URL:         s.URL,
		Description: truncate(strings.TrimSpace(s.Abstract), maxDescription),
		Color:       SessionColor,
		Footer:      r.footer,
		Timestamp:   s.Start,
	}

	if s.Room != "" {
		msg.Fields = append(msg.Fields, model.Field{Name: "Room", Value: s.Room, Inline: true})
	}
	msg.Fields = append(msg.Fields, model.Field{Name: "Time", Value: r.timeRange(s), Inline: true})
	if len(s.Speakers) > 0 {
		name := "Speaker"
		if len(s.Speakers) > 1 {
			name = "Speakers"
		}
		msg.Fields = append(msg.Fields, model.Field{
			Name:  name,
			Value: truncate(strings.Join(s.Speakers, ", "), maxFieldValue),
		})
	}
	if s.Track != "" {
		msg.Fields = append(msg.Fields, model.Field{Name: "Track", Value: s.Track, Inline: true})
	}
	if livestreamURL != "" {
		msg.Color = LivestreamColor
		msg.Fields = append(msg.Fields, model.Field{
			Name:  "Livestream",
			Value: fmt.Sprintf("[YouTube](%s)", livestreamURL),
		})
	}
	return msg
}

func (r *Renderer) timeRange(s model.Session) string {
	start := s.Start.In(r.loc)
	if s.End.IsZero() || !s.End.After(s.Start) {
		return start.Format("15:04")
	}
	return fmt.Sprintf("%s - %s (%d min)",
		start.Format("15:04"),
		s.End.In(r.loc).Format("15:04"),
		int(s.Duration().Minutes()),
	)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
