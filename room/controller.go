// Package room orchestrates one chat room session for one credential: it
// binds the shared connection session to the room, performs the hybrid
// REST + live activation load, and exposes the operations and observable
// streams a conversation view consumes.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wououoo/weddingAlba-sub000/auth"
	"github.com/wououoo/weddingAlba-sub000/codec"
	"github.com/wououoo/weddingAlba-sub000/metrics"
	"github.com/wououoo/weddingAlba-sub000/models"
	"github.com/wououoo/weddingAlba-sub000/notify"
	"github.com/wououoo/weddingAlba-sub000/presence"
	"github.com/wououoo/weddingAlba-sub000/rest"
	"github.com/wououoo/weddingAlba-sub000/store"
	"github.com/wououoo/weddingAlba-sub000/transport"
)

// HistoryAPI is the slice of the REST client the controller uses.
type HistoryAPI interface {
	RoomInit(ctx context.Context, roomID string) (*models.InitSnapshot, error)
	Messages(ctx context.Context, roomID string, page, size int) (*models.HistoryPage, error)
	MarkRead(ctx context.Context, roomID string) error
}

var _ HistoryAPI = (*rest.Client)(nil)

// Config carries the room-session tunables.
type Config struct {
	TypingTTL        time.Duration
	TypingIdle       time.Duration
	OptimisticWindow time.Duration
	PageSize         int
}

// Controller is the per-(room, credential) session orchestrator. The
// transport session it holds is shared and outlives it; the store and
// tracker are owned exclusively and die with the activation.
type Controller struct {
	roomID   string
	cred     *auth.Credential
	session  *transport.Session
	history  HistoryAPI
	norm     *codec.Normalizer
	notifier notify.Notifier
	cfg      Config
	log      *zap.SugaredLogger
	met      *metrics.Metrics

	mu           sync.Mutex
	generation   uint64
	active       bool
	store        *store.Store
	tracker      *presence.Tracker
	room         models.Room
	page         int
	loadingMore  bool
	typingTimer  *time.Timer
	typingActive bool
	typingAnn    *rate.Limiter
	onUpdate     func()
}

func NewController(roomID string, cred *auth.Credential, session *transport.Session, history HistoryAPI,
	norm *codec.Normalizer, notifier notify.Notifier, cfg Config, log *zap.SugaredLogger, met *metrics.Metrics) *Controller {
	if cfg.TypingTTL == 0 {
		cfg.TypingTTL = 5 * time.Second
	}
	if cfg.TypingIdle == 0 {
		cfg.TypingIdle = 3 * time.Second
	}
	if cfg.OptimisticWindow == 0 {
		cfg.OptimisticWindow = 10 * time.Second
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 30
	}
	c := &Controller{
		roomID:   roomID,
		cred:     cred,
		session:  session,
		history:  history,
		norm:     norm,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		met:      met,
		// Typing re-announce at most every half TTL; input in between
		// only refreshes the local idle timer.
		typingAnn: rate.NewLimiter(rate.Every(cfg.TypingTTL/2), 1),
	}
	session.OnStateChange(func(transport.State) { c.notifyUpdate() })
	return c
}

// OnUpdate registers a callback fired whenever any observable stream —
// messages, online set, typing set, connection state — may have changed.
func (c *Controller) OnUpdate(fn func()) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Activate brings the room session up: ensures the shared session is
// connected, registers live handlers, joins the room and seeds state from
// the combined REST snapshot. An initial-load failure propagates — the room
// cannot be shown without it. Mark-read failure does not.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.active = true
	c.page = 0
	c.loadingMore = false
	c.store = store.New(c.roomID, c.cfg.OptimisticWindow, c.log, c.met)
	c.tracker = presence.NewTracker(c.cfg.TypingTTL, c.log)
	c.tracker.OnChange(c.notifyUpdate)
	st, tr := c.store, c.tracker
	c.mu.Unlock()

	if err := c.session.Connect(ctx); err != nil {
		return fmt.Errorf("room %s: connect: %w", c.roomID, err)
	}

	c.registerHandlers(gen, st, tr)

	if err := c.session.JoinRoom(ctx, c.roomID); err != nil {
		return fmt.Errorf("room %s: join: %w", c.roomID, err)
	}

	snap, err := c.history.RoomInit(ctx, c.roomID)
	if err != nil {
		return fmt.Errorf("room %s: initial load: %w", c.roomID, err)
	}

	// A room switch may have superseded this activation while the load
	// was in flight; its result must not touch the new room's state.
	if !c.genMatches(gen) {
		return nil
	}

	st.Seed(snap.Messages, true)
	tr.SeedOnline(snap.Online)

	c.mu.Lock()
	c.room = snap.Room
	c.room.LastActivity = time.Now()
	c.mu.Unlock()

	if err := c.history.MarkRead(ctx, c.roomID); err != nil {
		c.log.Warnw("mark read failed", "room", c.roomID, "error", err)
	}

	c.notifyUpdate()
	return nil
}

func (c *Controller) registerHandlers(gen uint64, st *store.Store, tr *presence.Tracker) {
	c.session.RegisterHandler(transport.ChatTopic(c.roomID), func(_ string, payload []byte) {
		if !c.genMatches(gen) {
			return
		}
		changed := false
		for _, msg := range c.norm.Normalize(payload) {
			if msg.Kind.Control() {
				c.applyControl(tr, msg)
				continue
			}
			if st.IngestLive(msg) {
				changed = true
			}
		}
		if changed {
			c.notifyUpdate()
		}
	})

	control := func(_ string, payload []byte) {
		if !c.genMatches(gen) {
			return
		}
		for _, msg := range c.norm.Normalize(payload) {
			c.applyControl(tr, msg)
		}
	}
	c.session.RegisterHandler(transport.PresenceTopic(c.roomID), control)
	c.session.RegisterHandler(transport.TypingTopic(c.roomID), control)

	c.session.RegisterHandler(transport.MentionTopic(c.cred.UserID), func(_ string, payload []byte) {
		if !c.genMatches(gen) {
			return
		}
		for _, msg := range c.norm.Normalize(payload) {
			if msg.Kind == models.KindMention {
				c.notifier.Notify(msg)
			}
		}
	})
}

func (c *Controller) applyControl(tr *presence.Tracker, msg models.Message) {
	switch msg.Kind {
	case models.KindJoin:
		tr.Join(msg.SenderID)
	case models.KindLeave:
		tr.Leave(msg.SenderID)
	case models.KindTyping:
		if msg.SenderID != c.cred.UserID {
			tr.Typing(msg.SenderID)
		}
	case models.KindStopTyping:
		tr.StopTyping(msg.SenderID)
	}
}

func (c *Controller) genMatches(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.generation == gen
}

// SendMessage inserts the optimistic echo, then publishes. The echo must be
// in the store before the publish leaves, or a fast server echo from the read
// pump would land first and leave the placeholder unreconcilable.
func (c *Controller) SendMessage(content string) error {
	return c.sendWithEcho(content, func() error {
		return c.session.SendChat(content)
	})
}

// SendMention publishes a mention of targetUserID with an optimistic echo.
func (c *Controller) SendMention(content, targetUserID string) error {
	return c.sendWithEcho(content, func() error {
		return c.session.SendMention(content, targetUserID)
	})
}

func (c *Controller) sendWithEcho(content string, publish func() error) error {
	c.mu.Lock()
	st := c.store
	c.mu.Unlock()

	var echoID string
	if st != nil {
		echoID = st.AppendOptimistic(content, c.cred.UserID, c.cred.Name).ID
	}
	if err := publish(); err != nil {
		if st != nil {
			st.DropOptimistic(echoID)
		}
		return err
	}
	c.notifyUpdate()
	return nil
}

// SendFile publishes a file message. The URL comes from the attachment
// provider before this call; no echo is inserted, the push is authoritative.
func (c *Controller) SendFile(url, mimeType string) error {
	return c.session.SendFile(url, mimeType)
}

// StartTyping announces typing at most once per announce interval and
// (re)arms the idle auto-stop; call it on every keystroke.
func (c *Controller) StartTyping() {
	c.mu.Lock()
	announce := c.typingAnn.Allow()
	c.typingActive = true
	if c.typingTimer == nil {
		c.typingTimer = time.AfterFunc(c.cfg.TypingIdle, c.idleStop)
	} else {
		c.typingTimer.Reset(c.cfg.TypingIdle)
	}
	c.mu.Unlock()

	if announce {
		if err := c.session.StartTyping(); err != nil {
			c.log.Debugw("typing announce failed", "room", c.roomID, "error", err)
		}
	}
}

// StopTyping retracts the announcement immediately.
func (c *Controller) StopTyping() {
	c.mu.Lock()
	wasActive := c.typingActive
	c.typingActive = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	if wasActive {
		if err := c.session.StopTyping(); err != nil {
			c.log.Debugw("typing retract failed", "room", c.roomID, "error", err)
		}
	}
}

func (c *Controller) idleStop() {
	c.StopTyping()
}

// LoadMore fetches the next older history page. Concurrent and exhausted
// calls are no-ops; a page loaded for a superseded activation is discarded.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	st := c.store
	if st == nil || c.loadingMore || !st.HasMore() {
		c.mu.Unlock()
		return nil
	}
	c.loadingMore = true
	c.page++
	pg := c.page
	gen := c.generation
	c.mu.Unlock()

	hp, err := c.history.Messages(ctx, c.roomID, pg, c.cfg.PageSize)

	c.mu.Lock()
	c.loadingMore = false
	stale := !c.active || c.generation != gen
	if err != nil {
		c.page--
	}
	c.mu.Unlock()

	if stale {
		return nil
	}
	if err != nil {
		return fmt.Errorf("room %s: load more: %w", c.roomID, err)
	}

	st.Seed(hp.Messages, false)
	st.SetLastPage(hp.Last)
	c.notifyUpdate()
	return nil
}

// MarkAsRead publishes a read receipt for messageID.
func (c *Controller) MarkAsRead(messageID string) error {
	return c.session.MarkRead(messageID)
}

// Deactivate tears the room session down: handlers unregistered, typing
// retracted, tracker timers cancelled, room binding released. The shared
// transport connection is deliberately left up — its lifetime is independent
// of any single room.
func (c *Controller) Deactivate() {
	c.StopTyping()

	c.mu.Lock()
	c.active = false
	c.generation++
	tr := c.tracker
	c.mu.Unlock()

	c.session.UnregisterHandler(transport.ChatTopic(c.roomID))
	c.session.UnregisterHandler(transport.PresenceTopic(c.roomID))
	c.session.UnregisterHandler(transport.TypingTopic(c.roomID))
	c.session.UnregisterHandler(transport.MentionTopic(c.cred.UserID))

	c.session.LeaveRoom()
	if tr != nil {
		tr.Stop()
	}
	c.log.Infow("room deactivated", "room", c.roomID)
}

// Messages returns the ordered visible message list.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	st := c.store
	c.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Messages()
}

// Online returns the online-user snapshot.
func (c *Controller) Online() []string {
	c.mu.Lock()
	tr := c.tracker
	c.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Online()
}

// Typing returns the typing-user snapshot.
func (c *Controller) Typing() []string {
	c.mu.Lock()
	tr := c.tracker
	c.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.TypingUsers()
}

// State exposes the shared connection state.
func (c *Controller) State() transport.State {
	return c.session.State()
}

// Room returns the metadata loaded at activation.
func (c *Controller) Room() models.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Controller) notifyUpdate() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
