package notifier

import (
	"sync"
	"time"

	"confbot/internal/model"
)

// record holds the identities of sessions already announced, with the
// instant after which each may be forgotten.
type record struct {
	mu      sync.Mutex
	expires map[model.SessionID]time.Time
}

func newRecord() *record {
	return &record{expires: make(map[model.SessionID]time.Time)}
}

func (r *record) contains(id model.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.expires[id]
	return ok
}

func (r *record) add(s model.Session) {
	exp := s.End
	if exp.Before(s.Start) {
		exp = s.Start
	}
	r.mu.Lock()
	r.expires[s.ID] = exp
	r.mu.Unlock()
}

// prune drops sessions that ended before now. A session that has ended
// also started before now, so it can no longer be reported as starting
// soon.
func (r *record) prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, exp := range r.expires {
		if exp.Before(now) {
			delete(r.expires, id)
			n++
		}
	}
	return n
}

func (r *record) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expires)
}
