// Package store holds the per-room visible message sequence. History pages,
// live pushes and local optimistic echoes all race into the same room; the
// store is the single insertion point that keeps the sequence deduplicated
// and timestamp-ordered no matter how the three origins interleave.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wououoo/weddingAlba-sub000/metrics"
	"github.com/wououoo/weddingAlba-sub000/models"
)

// Store is the reconciliation store for one room.
type Store struct {
	mu        sync.Mutex
	roomID    string
	messages  []models.Message
	processed map[string]struct{}
	lastPage  bool

	window time.Duration
	log    *zap.SugaredLogger
	met    *metrics.Metrics

	now func() time.Time
}

// New creates a store for roomID. window is the trailing interval inside
// which a server message may still reconcile against an optimistic echo.
func New(roomID string, window time.Duration, log *zap.SugaredLogger, met *metrics.Metrics) *Store {
	return &Store{
		roomID:    roomID,
		processed: make(map[string]struct{}),
		window:    window,
		log:       log,
		met:       met,
		now:       time.Now,
	}
}

// Seed loads a REST history page. replace=true reseeds the store for the
// initial load; replace=false prepends an older page in front of what is
// already held. Non-visible kinds are filtered out, the page is sorted by
// timestamp, and ids already held never enter twice.
func (s *Store) Seed(page []models.Message, replace bool) {
	visible := make([]models.Message, 0, len(page))
	for _, m := range page {
		if m.Kind.Visible() {
			visible = append(visible, m)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].Timestamp.Before(visible[j].Timestamp)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if replace {
		s.reseedLocked(visible)
		return
	}
	// Older pages can overlap what pagination drift already delivered.
	fresh := make([]models.Message, 0, len(visible))
	for _, m := range visible {
		if _, seen := s.processed[m.ID]; seen {
			continue
		}
		fresh = append(fresh, m)
		s.processed[m.ID] = struct{}{}
	}
	s.messages = append(fresh, s.messages...)
}

// reseedLocked installs the initial page. Messages already held (live pushes
// that overtook the history load, unconfirmed echoes) are merged back in
// rather than erased, unless the page itself carries their id.
func (s *Store) reseedLocked(visible []models.Message) {
	pageIDs := make(map[string]struct{}, len(visible))
	for _, m := range visible {
		pageIDs[m.ID] = struct{}{}
	}

	var retained []models.Message
	for _, m := range s.messages {
		if _, dup := pageIDs[m.ID]; !dup {
			retained = append(retained, m)
		}
	}

	s.messages = visible
	s.processed = make(map[string]struct{}, len(visible)+len(retained))
	for _, m := range visible {
		s.processed[m.ID] = struct{}{}
	}
	for _, m := range retained {
		s.insertOrdered(m)
		if !m.Optimistic {
			s.processed[m.ID] = struct{}{}
		}
	}
}

// IngestLive merges one normalized live message. Control kinds and already
// processed ids are dropped. A matching optimistic echo — same sender, same
// content, server timestamp inside the trailing window after the echo — is
// removed before the authoritative message is inserted in timestamp order.
// Returns true if the message entered the visible list.
func (s *Store) IngestLive(msg models.Message) bool {
	if !msg.Kind.Visible() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.processed[msg.ID]; seen {
		s.met.IncDuplicateDropped()
		s.log.Debugw("duplicate live message dropped", "id", msg.ID, "room", s.roomID)
		return false
	}

	if idx, ok := s.matchOptimistic(msg); ok {
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		s.met.IncReconciled()
		s.log.Debugw("optimistic echo reconciled", "id", msg.ID, "room", s.roomID)
	}

	s.insertOrdered(msg)
	s.processed[msg.ID] = struct{}{}
	return true
}

// matchOptimistic finds the earliest optimistic echo from the same sender
// with identical content whose local timestamp lies within the trailing
// window before msg's timestamp.
func (s *Store) matchOptimistic(msg models.Message) (int, bool) {
	for i, m := range s.messages {
		if !m.Optimistic || m.SenderID != msg.SenderID || m.Content != msg.Content {
			continue
		}
		gap := msg.Timestamp.Sub(m.Timestamp)
		if gap >= -s.window && gap <= s.window {
			return i, true
		}
	}
	return 0, false
}

// insertOrdered places msg by ascending timestamp; equal timestamps keep
// arrival order by inserting after the last equal entry.
func (s *Store) insertOrdered(msg models.Message) {
	idx := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Timestamp.After(msg.Timestamp)
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = msg
}

// AppendOptimistic constructs a local echo and inserts it immediately. The
// placeholder id is tagged so it can never collide with a server id; the
// returned message is what a later live push may reconcile against.
func (s *Store) AppendOptimistic(content, senderID, senderName string) models.Message {
	msg := models.Message{
		ID:         "local-" + uuid.New().String(),
		RoomID:     s.roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		Kind:       models.KindChat,
		Timestamp:  s.now(),
		Optimistic: true,
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg
}

// DropOptimistic removes an unconfirmed echo by id. Used when the publish the
// echo fronted for was rejected.
func (s *Store) DropOptimistic(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.Optimistic && m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// Messages returns a copy of the visible sequence.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// SetLastPage records that the server reported the final history page.
func (s *Store) SetLastPage(last bool) {
	s.mu.Lock()
	s.lastPage = last
	s.mu.Unlock()
}

// HasMore reports whether older history pages may still exist.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastPage
}
