// Package presence tracks which users are online and which are typing in a
// single room. It is driven purely by control events routed from the codec
// and knows nothing about message content.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tracker holds the online and typing sets for one room. Typing entries
// expire after a fixed TTL unless refreshed; each entry owns a cancellable
// timer keyed by user id.
type Tracker struct {
	mu     sync.Mutex
	online map[string]struct{}
	typing map[string]*typingEntry

	ttl      time.Duration
	log      *zap.SugaredLogger
	onChange func()
	stopped  bool
}

// typingEntry carries a generation alongside its timer. A refresh bumps the
// generation, so an expiry callback that already fired but lost the lock race
// cannot remove the refreshed entry.
type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

func NewTracker(ttl time.Duration, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		online: make(map[string]struct{}),
		typing: make(map[string]*typingEntry),
		ttl:    ttl,
		log:    log,
	}
}

// OnChange registers a callback fired after every effective set mutation.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// SeedOnline replaces the online set from a REST snapshot.
func (t *Tracker) SeedOnline(userIDs []string) {
	t.mu.Lock()
	t.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		t.online[id] = struct{}{}
	}
	t.mu.Unlock()
	t.notify()
}

// Join adds userID to the online set.
func (t *Tracker) Join(userID string) {
	t.mu.Lock()
	_, existed := t.online[userID]
	t.online[userID] = struct{}{}
	t.mu.Unlock()
	if !existed {
		t.notify()
	}
}

// Leave removes userID from the online set.
func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	_, existed := t.online[userID]
	delete(t.online, userID)
	t.mu.Unlock()
	if existed {
		t.notify()
	}
}

// Typing adds userID to the typing set and (re)schedules its expiry. A
// repeated event refreshes the entry instead of stacking a second one.
func (t *Tracker) Typing(userID string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if e, ok := t.typing[userID]; ok {
		e.timer.Stop()
		e.gen++
		gen := e.gen
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(userID, gen) })
		t.mu.Unlock()
		return
	}
	e := &typingEntry{}
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(userID, 0) })
	t.typing[userID] = e
	t.mu.Unlock()
	t.notify()
}

// StopTyping removes userID immediately and cancels its pending expiry.
func (t *Tracker) StopTyping(userID string) {
	t.mu.Lock()
	e, ok := t.typing[userID]
	if ok {
		e.timer.Stop()
		delete(t.typing, userID)
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// expire removes userID only if gen still matches: a stale callback from
// before a refresh changes nothing.
func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.typing[userID]
	expired := ok && e.gen == gen
	if expired {
		delete(t.typing, userID)
	}
	t.mu.Unlock()
	if expired {
		t.log.Debugw("typing expired", "user", userID)
		t.notify()
	}
}

// Online returns a snapshot of the online user ids.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	return out
}

// TypingUsers returns a snapshot of the currently typing user ids.
func (t *Tracker) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.typing))
	for id := range t.typing {
		out = append(out, id)
	}
	return out
}

// Stop cancels every pending expiry timer so a torn-down room session can
// never be mutated by a late callback.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	for id, e := range t.typing {
		e.timer.Stop()
		delete(t.typing, id)
	}
	t.mu.Unlock()
}

func (t *Tracker) notify() {
	t.mu.Lock()
	fn := t.onChange
	stopped := t.stopped
	t.mu.Unlock()
	if fn != nil && !stopped {
		fn()
	}
}
