// Package transport owns the single multiplexed push connection: its state
// machine, topic subscriptions and fire-and-forget publish primitives. One
// Session is shared by reference among every active room controller for a
// credential; connect is single-flight so concurrent activations are safe.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wououoo/weddingAlba-sub000/auth"
	"github.com/wououoo/weddingAlba-sub000/metrics"
)

// State is the connection lifecycle owned exclusively by the Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrNoRoomBound    = errors.New("transport: no room bound")
	ErrConnectTimeout = errors.New("transport: connect wait timed out")
	ErrHandshake      = errors.New("transport: handshake failed")
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Type        string          `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Token       string          `json:"token,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

const (
	frameConnect     = "CONNECT"
	frameConnected   = "CONNECTED"
	frameSubscribe   = "SUBSCRIBE"
	frameUnsubscribe = "UNSUBSCRIBE"
	frameSend        = "SEND"
	frameMessage     = "MESSAGE"
	frameError       = "ERROR"
)

// Topic layout: one topic per concern scoped by room, plus one private
// per-user mention topic subscribed once per connection.
func ChatTopic(roomID string) string     { return "/topic/chat." + roomID }
func PresenceTopic(roomID string) string { return "/topic/presence." + roomID }
func TypingTopic(roomID string) string   { return "/topic/typing." + roomID }
func MentionTopic(userID string) string  { return "/user/" + userID + "/queue/mention" }

func sendDest(roomID, op string) string { return "/app/chat." + roomID + "." + op }

// Handler receives the raw payload of a MESSAGE frame for a topic.
type Handler func(topic string, payload []byte)

// Config bounds the handshake and the connect-before-join wait.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	JoinPollInterval time.Duration
	JoinPollAttempts int
}

// Session is the per-credential connection session.
type Session struct {
	cfg    Config
	cred   *auth.Credential
	dialer Dialer
	log    *zap.SugaredLogger
	met    *metrics.Metrics

	group singleflight.Group

	mu                sync.Mutex
	state             State
	conn              Conn
	subs              map[string]struct{}
	handlers          map[string]Handler
	boundRoom         string
	mentionSubscribed bool
	stateListeners    []func(State)
}

func NewSession(cfg Config, cred *auth.Credential, dialer Dialer, log *zap.SugaredLogger, met *metrics.Metrics) *Session {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.JoinPollInterval == 0 {
		cfg.JoinPollInterval = 150 * time.Millisecond
	}
	if cfg.JoinPollAttempts == 0 {
		cfg.JoinPollAttempts = 20
	}
	return &Session{
		cfg:      cfg,
		cred:     cred,
		dialer:   dialer,
		log:      log,
		met:      met,
		subs:     make(map[string]struct{}),
		handlers: make(map[string]Handler),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BoundRoom returns the currently joined room id, if any.
func (s *Session) BoundRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundRoom
}

// OnStateChange registers fn to run on every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.stateListeners = append(s.stateListeners, fn)
	s.mu.Unlock()
}

// Connect establishes the connection: dial, send CONNECT, await the
// CONNECTED ack. A call on an already connected session is a no-op.
// Concurrent calls while CONNECTING are single-flight — they await the one
// in-flight handshake and share its outcome.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == Connected {
		return nil
	}
	_, err, _ := s.group.Do(s.cred.UserID, func() (any, error) {
		return nil, s.connect(ctx)
	})
	return err
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cred.Token)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, s.cfg.URL, header)
	if err != nil {
		s.failConnect()
		return fmt.Errorf("%w: dial: %v", ErrHandshake, err)
	}

	if err := s.writeFrame(conn, Frame{Type: frameConnect, Token: s.cred.Token}); err != nil {
		_ = conn.Close()
		s.failConnect()
		return fmt.Errorf("%w: connect frame: %v", ErrHandshake, err)
	}

	if err := awaitConnected(conn, s.cfg.HandshakeTimeout); err != nil {
		_ = conn.Close()
		s.failConnect()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.setStateLocked(Connected)
	s.mu.Unlock()

	s.met.IncConnect()
	s.log.Infow("connected", "user", s.cred.UserID)

	go s.readPump(conn)
	go s.pingLoop(conn)
	return nil
}

func (s *Session) failConnect() {
	s.met.IncHandshakeFailure()
	s.mu.Lock()
	s.setStateLocked(Disconnected)
	s.mu.Unlock()
}

// awaitConnected reads until the CONNECTED ack arrives or the deadline
// passes. Any ERROR frame or read failure rejects the handshake.
func awaitConnected(conn Conn, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				done <- fmt.Errorf("%w: %v", ErrHandshake, err)
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			switch f.Type {
			case frameConnected:
				done <- nil
				return
			case frameError:
				done <- fmt.Errorf("%w: server rejected connect", ErrHandshake)
				return
			}
		}
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%w: no ack within %s", ErrHandshake, timeout)
	}
}

// JoinRoom binds the session to roomID: leaves and unsubscribes the previous
// room's topics, subscribes the new room's message/presence/typing topics and
// — once per connection — the caller's private mention topic. Idempotent for
// the already bound room. If the session is still CONNECTING the call waits
// with bounded polling, since join is routinely raced against connect.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	if err := s.waitConnected(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected {
		return ErrNotConnected
	}
	if s.boundRoom == roomID {
		return nil
	}

	if prev := s.boundRoom; prev != "" {
		s.leaveLocked(prev)
	}

	topics := []string{ChatTopic(roomID), PresenceTopic(roomID), TypingTopic(roomID)}
	if !s.mentionSubscribed {
		topics = append(topics, MentionTopic(s.cred.UserID))
		s.mentionSubscribed = true
	}
	for _, topic := range topics {
		if err := s.writeFrame(s.conn, Frame{Type: frameSubscribe, Topic: topic}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.subs[topic] = struct{}{}
	}

	s.boundRoom = roomID
	s.publishLocked(roomID, "join", map[string]any{
		"senderId":    s.cred.UserID,
		"senderName":  s.cred.Name,
		"messageType": "JOIN",
	})
	s.met.IncJoin()
	s.log.Infow("joined room", "room", roomID, "user", s.cred.UserID)
	return nil
}

// waitConnected polls the state for a bounded interval instead of failing
// immediately while a connect is still in flight.
func (s *Session) waitConnected(ctx context.Context) error {
	for attempt := 0; attempt < s.cfg.JoinPollAttempts; attempt++ {
		if s.State() == Connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.JoinPollInterval):
		}
	}
	if s.State() == Connected {
		return nil
	}
	return ErrConnectTimeout
}

// leaveLocked unsubscribes the previous room's topics and announces the
// leave, best effort. The mention subscription survives room switches.
func (s *Session) leaveLocked(roomID string) {
	s.publishLocked(roomID, "leave", map[string]any{
		"senderId":    s.cred.UserID,
		"senderName":  s.cred.Name,
		"messageType": "LEAVE",
	})
	for _, topic := range []string{ChatTopic(roomID), PresenceTopic(roomID), TypingTopic(roomID)} {
		if _, ok := s.subs[topic]; !ok {
			continue
		}
		_ = s.writeFrame(s.conn, Frame{Type: frameUnsubscribe, Topic: topic})
		delete(s.subs, topic)
	}
	s.boundRoom = ""
}

// LeaveRoom clears the room binding without touching the connection; the
// connection's lifetime is independent of any single room's.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundRoom == "" || s.state != Connected {
		s.boundRoom = ""
		return
	}
	s.leaveLocked(s.boundRoom)
}

// RegisterHandler routes MESSAGE frames for topic to fn.
func (s *Session) RegisterHandler(topic string, fn Handler) {
	s.mu.Lock()
	s.handlers[topic] = fn
	s.mu.Unlock()
}

// UnregisterHandler removes the route for topic.
func (s *Session) UnregisterHandler(topic string) {
	s.mu.Lock()
	delete(s.handlers, topic)
	s.mu.Unlock()
}

// SendChat publishes a chat message to the bound room. Fire and forget:
// delivery confirmation arrives, if ever, as a live push.
func (s *Session) SendChat(content string) error {
	return s.publish("send", map[string]any{
		"senderId":    s.cred.UserID,
		"senderName":  s.cred.Name,
		"content":     content,
		"messageType": "CHAT",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// SendMention publishes a mention of targetUserID to the bound room.
func (s *Session) SendMention(content, targetUserID string) error {
	return s.publish("mention", map[string]any{
		"senderId":      s.cred.UserID,
		"senderName":    s.cred.Name,
		"content":       content,
		"mentionTarget": targetUserID,
		"messageType":   "MENTION",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// SendFile publishes a file/image message whose URL was obtained from the
// attachment provider beforehand.
func (s *Session) SendFile(url, mimeType string) error {
	kind := "FILE"
	if isImageMime(mimeType) {
		kind = "IMAGE"
	}
	return s.publish("file", map[string]any{
		"senderId":    s.cred.UserID,
		"senderName":  s.cred.Name,
		"fileUrl":     url,
		"fileType":    mimeType,
		"messageType": kind,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// StartTyping announces typing to the bound room.
func (s *Session) StartTyping() error {
	return s.publish("typing", map[string]any{
		"senderId":    s.cred.UserID,
		"messageType": "TYPING",
	})
}

// StopTyping retracts the typing announcement.
func (s *Session) StopTyping() error {
	return s.publish("stop-typing", map[string]any{
		"senderId":    s.cred.UserID,
		"messageType": "STOP_TYPING",
	})
}

// MarkRead publishes a read receipt for messageID.
func (s *Session) MarkRead(messageID string) error {
	return s.publish("read", map[string]any{
		"senderId":  s.cred.UserID,
		"messageId": messageID,
	})
}

// publish rejects synchronously unless the session is CONNECTED with a bound
// room; the caller sees the error instead of a silent drop.
func (s *Session) publish(op string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return ErrNotConnected
	}
	if s.boundRoom == "" {
		return ErrNoRoomBound
	}
	return s.publishLocked(s.boundRoom, op, payload)
}

func (s *Session) publishLocked(roomID, op string, payload map[string]any) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	payload["roomId"] = roomID
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.writeFrame(s.conn, Frame{Type: frameSend, Destination: sendDest(roomID, op), Payload: body}); err != nil {
		return err
	}
	s.met.IncPublish(op)
	s.log.Debugw("published", "op", op, "room", roomID)
	return nil
}

// Disconnect tears the connection down: best-effort leave for a bound room,
// then close and clear all subscription bookkeeping.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	if s.boundRoom != "" && s.state == Connected && conn != nil {
		s.leaveLocked(s.boundRoom)
	}
	s.conn = nil
	s.subs = make(map[string]struct{})
	s.boundRoom = ""
	s.mentionSubscribed = false
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.log.Infow("disconnected", "user", s.cred.UserID)
}

// readPump routes inbound MESSAGE frames to the registered topic handlers
// until the transport fails, which surfaces as a state change rather than an
// error to any caller.
func (s *Session) readPump(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleTransportError(conn, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.met.IncParseError()
			s.log.Warnw("unparseable frame", "error", err)
			continue
		}
		if f.Type != frameMessage {
			continue
		}
		s.mu.Lock()
		fn := s.handlers[f.Topic]
		s.mu.Unlock()
		if fn != nil {
			fn(f.Topic, f.Payload)
		}
	}
}

func (s *Session) pingLoop(conn Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		current := s.conn == conn
		s.mu.Unlock()
		if !current {
			return
		}
		if err := conn.Ping(); err != nil {
			s.handleTransportError(conn, err)
			return
		}
	}
}

// handleTransportError marks the session disconnected if conn is still the
// live connection. A stale pump from a superseded connection changes nothing.
func (s *Session) handleTransportError(conn Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.subs = make(map[string]struct{})
	s.boundRoom = ""
	s.mentionSubscribed = false
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	_ = conn.Close()
	s.log.Warnw("transport error", "error", err)
}

func (s *Session) writeFrame(conn Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// setStateLocked transitions state and notifies listeners. Callers hold mu;
// listeners run on a fresh goroutine so they may call back into the session.
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	listeners := make([]func(State), len(s.stateListeners))
	copy(listeners, s.stateListeners)
	go func() {
		for _, fn := range listeners {
			fn(next)
		}
	}()
}

func isImageMime(mime string) bool {
	return len(mime) >= 6 && mime[:6] == "image/"
}
