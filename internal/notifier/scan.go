package notifier

import (
	"context"
	"strconv"
	"strings"
	"time"

	appLog "confbot/internal/log"
	"confbot/internal/model"
)

// ScanReport summarizes one scan tick.
type ScanReport struct {
	At       time.Time `json:"at"`
	Due      int       `json:"due"`
	Notified int       `json:"notified"`
	Breaks   int       `json:"breaks"`
	Failed   int       `json:"failed"`
	Pruned   int       `json:"pruned"`
}

// tick is the state shared by the sessions handled in one scan.
type tick struct {
	headerSent bool
}

// scan announces every due session that has not been announced yet.
func (n *Notifier) scan(ctx context.Context) {
	wallStart := time.Now()
	now := n.clock.Now()

	report := ScanReport{At: now}
	report.Pruned = n.record.prune(now)

	due := n.schedule.SessionsStartingSoon()
	var t tick
	for _, s := range due {
		// ctx ends only when Stop stops waiting for this tick.
		if ctx.Err() != nil {
			break
		}
		if n.record.contains(s.ID) {
			continue
		}
		if s.Break {
			report.Breaks++
			continue
		}
		report.Due++
		if n.dispatch(ctx, s, &t) {
			n.record.add(s)
			report.Notified++
		} else {
			report.Failed++
		}
	}

	n.lastScan.Store(&report)
	n.metrics.RecordSize(n.record.len())
	n.metrics.ScanDone(wallStart, time.Now())

	if report.Due > 0 || report.Pruned > 0 {
		appLog.Info("scan finished",
			"sim_now", now.Format(time.RFC3339),
			"due", report.Due,
			"notified", report.Notified,
			"failed", report.Failed,
			"pruned", report.Pruned,
		)
	} else {
		appLog.Debug("scan finished, nothing due", "sim_now", now.Format(time.RFC3339))
	}
}

// dispatch performs the topic update and the room and main posts for s.
// It reports whether s can be recorded as notified. A room without a
// channel only skips the room steps.
func (n *Notifier) dispatch(ctx context.Context, s model.Session, t *tick) bool {
	url, hasURL := n.livestreams.URL(s.Room, s.Start)

	room, hasRoom := n.channels.Resolve(s.Room)
	if hasRoom {
		topic := ""
		if hasURL {
			topic = n.expand(n.opts.TopicTemplate, s, url)
		}
		if err := room.SetTopic(ctx, topic); err != nil {
			appLog.Error("failed to set room topic", err, "session", s.ID, "room", s.Room)
			n.metrics.DispatchError("topic")
			return false
		}
	}

	msg := n.renderer.Render(s, url)

	if hasRoom {
		if err := room.Post(ctx, msg, n.expand(n.opts.RoomLead, s, url)); err != nil {
			appLog.Error("failed to post to room channel", err, "session", s.ID, "room", s.Room)
			n.metrics.DispatchError("post")
			return false
		}
		n.metrics.Notified("room")
	} else {
		appLog.Warn("no channel configured for room; skipping room notification", nil,
			"session", s.ID, "room", s.Room, "key", model.NormalizeRoom(s.Room))
	}

	main, ok := n.channels.Resolve(n.opts.MainChannel)
	if !ok {
		appLog.Warn("main channel not configured; skipping main notification", nil,
			"session", s.ID, "main_channel", n.opts.MainChannel)
		return true
	}
	lead := ""
	if !t.headerSent {
		lead = n.expand(n.opts.MainHeader, s, url)
	}
	if err := main.Post(ctx, msg, lead); err != nil {
		appLog.Error("failed to post to main channel", err, "session", s.ID, "room", s.Room)
		n.metrics.DispatchError("post")
		return false
	}
	t.headerSent = true
	n.metrics.Notified("main")

	appLog.Info("session notified", "session", s.ID, "title", s.Title, "room", s.Room, "livestream", hasURL)
	return true
}

// expand substitutes {room}, {minutes} and {url} in tmpl.
func (n *Notifier) expand(tmpl string, s model.Session, url string) string {
	if tmpl == "" {
		return ""
	}
	return strings.NewReplacer(
		"{room}", s.Room,
		"{minutes}", strconv.Itoa(int(n.opts.Window.Minutes())),
		"{url}", url,
	).Replace(tmpl)
}
