package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/soseconnect/globe-chat/feed"
	"github.com/soseconnect/globe-chat/presence"
	"github.com/soseconnect/globe-chat/store"
	"github.com/soseconnect/globe-chat/view"
)

// opTimeout bounds each store write triggered by a client frame.
const opTimeout = 5 * time.Second

// Client frame types.
const (
	frameTypingStart = "typing_start"
	frameTypingStop  = "typing_stop"
	frameMessage     = "message"
	frameWake        = "wake"
	frameLeave       = "leave"
)

type inboundFrame struct {
	Type        string `json:"type"`
	Body        string `json:"body,omitempty"`
	ClientToken string `json:"client_token,omitempty"`
}

type connectedFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type presenceFrame struct {
	Type     string            `json:"type"`
	Snapshot presence.Snapshot `json:"snapshot"`
}

type typingFrame struct {
	Type   string   `json:"type"`
	Typers []string `json:"typers"`
}

type messagesFrame struct {
	Type     string          `json:"type"`
	Messages []store.Message `json:"messages"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type leftFrame struct {
	Type string `json:"type"`
}

// Session binds one websocket client to a room: a presence coordinator,
// a typing coordinator and an optimistic message view, each pushing
// fresh state down the socket as it changes.
type Session struct {
	srv  *Server
	room string
	user string
	conn *wsConn
	log  *slog.Logger

	coord  *presence.Coordinator
	typing *presence.TypingCoordinator
	msgs   *view.Optimistic

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	msgSub       feed.Subscription
	reconnecting bool
	closed       bool

	closeOnce sync.Once
}

func newSession(srv *Server, roomID, userID string, ws *websocket.Conn) *Session {
	return &Session{
		srv:  srv,
		room: roomID,
		user: userID,
		conn: newWSConn(ws),
		msgs: view.NewOptimistic(srv.historyLimit),
		log:  srv.log.With("room", roomID, "user", userID),
	}
}

// start joins the room, wires the coordinators and the message feed,
// and sends the initial state frames. The write pump starts last; any
// frames pushed by the coordinators during startup queue in the send
// buffer until then.
func (s *Session) start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	coord, err := presence.New(presence.Config{
		Store:             s.srv.store,
		Feed:              s.srv.feed,
		RoomID:            s.room,
		UserID:            s.user,
		HeartbeatInterval: s.srv.heartbeatInterval,
		Window:            s.srv.onlineWindow,
		ReconnectInitial:  s.srv.reconnectInitial,
		ReconnectMax:      s.srv.reconnectMax,
		OnChange:          s.pushPresence,
		Logger:            s.log,
	})
	if err != nil {
		s.cancel()
		return err
	}
	typing, err := presence.NewTyping(presence.TypingConfig{
		Store:            s.srv.store,
		Feed:             s.srv.feed,
		RoomID:           s.room,
		UserID:           s.user,
		Window:           s.srv.typingWindow,
		Inactivity:       s.srv.typingInactivity,
		ReconnectInitial: s.srv.reconnectInitial,
		ReconnectMax:     s.srv.reconnectMax,
		OnChange:         s.pushTyping,
		Logger:           s.log,
	})
	if err != nil {
		s.cancel()
		return err
	}
	s.coord = coord
	s.typing = typing

	// Queued before the coordinators run so the client always sees it
	// first; Start pushes the initial presence snapshot itself.
	s.sendJSON(connectedFrame{Type: "connected", RoomID: s.room, UserID: s.user})

	if err := coord.Start(ctx); err != nil {
		s.cancel()
		return fmt.Errorf("presence: %w", err)
	}
	if err := typing.Start(ctx); err != nil {
		coord.Close()
		s.cancel()
		return fmt.Errorf("typing: %w", err)
	}
	if err := s.wireMessages(s.ctx); err != nil {
		typing.Close()
		coord.Close()
		s.cancel()
		return fmt.Errorf("messages: %w", err)
	}

	s.conn.start()
	s.pushTyping(typing.Typers())
	s.pushMessages()
	s.log.Info("Session started")
	return nil
}

// readLoop consumes client frames until the socket dies or the client
// leaves. Runs on the HTTP handler goroutine.
func (s *Session) readLoop() {
	ws := s.conn.ws
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.leaveOnClose()
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("Websocket read failed", "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.replyError("bad_frame", "frame is not valid JSON")
			continue
		}
		framesIn.Add(s.ctx, 1, metric.WithAttributes(attribute.String("frame.type", frame.Type)))
		if !s.dispatch(frame) {
			return
		}
	}
}

// dispatch handles one client frame. Returns false when the session
// should end.
func (s *Session) dispatch(frame inboundFrame) bool {
	switch frame.Type {
	case frameTypingStart:
		ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
		defer cancel()
		if err := s.typing.StartTyping(ctx); err != nil {
			s.replyError("typing_failed", err.Error())
		}
	case frameTypingStop:
		ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
		defer cancel()
		if err := s.typing.StopTyping(ctx); err != nil {
			s.replyError("typing_failed", err.Error())
		}
	case frameMessage:
		s.handleMessage(frame)
	case frameWake:
		s.coord.Wake()
	case frameLeave:
		return !s.handleLeave()
	default:
		s.replyError("unknown_frame", fmt.Sprintf("unknown frame type %q", frame.Type))
	}
	return true
}

// handleMessage stages the message locally, writes it through the
// store and reconciles the committed row back into the view by client
// token.
func (s *Session) handleMessage(frame inboundFrame) {
	if frame.Body == "" {
		s.replyError("bad_request", "message body is required")
		return
	}
	token := frame.ClientToken
	if token == "" {
		token = uuid.NewString()
	}

	s.msgs.Stage(store.Message{
		ID:          "staged-" + token,
		RoomID:      s.room,
		UserID:      s.user,
		Body:        frame.Body,
		ClientToken: token,
		CreatedAt:   time.Now().UTC(),
	})
	s.pushMessages()

	ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
	defer cancel()

	began := time.Now()
	committed, err := s.srv.store.InsertMessage(ctx, store.Message{
		RoomID:      s.room,
		UserID:      s.user,
		Body:        frame.Body,
		ClientToken: token,
	})
	if err != nil {
		s.log.Error("Message write failed", "err", err)
		if s.msgs.Fail(token) {
			s.pushMessages()
		}
		s.replyError("send_failed", "message could not be stored")
		return
	}
	sendDuration.Record(ctx, time.Since(began).Seconds())

	// Sending a message ends the typing indicator.
	if err := s.typing.StopTyping(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("Typing clear failed after send", "err", err)
	}

	if s.msgs.Confirm(committed) {
		s.pushMessages()
	}
}

// leaveOnClose runs when the client said goodbye with a proper close
// handshake. A deliberate exit leaves the room; only an abrupt death
// keeps the membership around as away.
func (s *Session) leaveOnClose() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), opTimeout)
	defer cancel()
	if err := s.coord.Leave(ctx); err != nil {
		s.log.Warn("Leave on close failed", "err", err)
	}
}

// handleLeave removes the membership row and acknowledges. Reports
// whether the leave succeeded; the session ends on success and stays
// up on failure so the client can retry.
func (s *Session) handleLeave() bool {
	ctx, cancel := context.WithTimeout(s.ctx, opTimeout)
	defer cancel()
	if err := s.coord.Leave(ctx); err != nil {
		s.log.Error("Leave failed", "err", err)
		s.replyError("leave_failed", "could not leave the room")
		return false
	}
	s.sendJSON(leftFrame{Type: "left"})
	return true
}

// wireMessages (re)subscribes to the room's message feed and folds
// recent history into the view. Confirm deduplicates by row id, so
// events that raced the fetch are harmless.
func (s *Session) wireMessages(ctx context.Context) error {
	s.mu.Lock()
	old := s.msgSub
	s.msgSub = nil
	s.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}

	sub, err := s.srv.feed.Subscribe(ctx, feed.Spec{
		Table:   store.TableMessages,
		Key:     s.room,
		Handler: s.onMessageEvent,
		OnClose: s.onMessageFeedLost,
	})
	if err != nil {
		return err
	}

	history, err := s.srv.store.RecentMessages(ctx, s.room, s.srv.historyLimit)
	if err != nil {
		sub.Unsubscribe()
		return err
	}
	s.msgs.Hydrate(history)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	s.msgSub = sub
	s.mu.Unlock()

	if sub.State() == feed.StateClosed {
		return errors.New("message feed died during hydration")
	}
	return nil
}

func (s *Session) onMessageEvent(ev feed.Event) {
	if ev.Op == feed.OpDelete {
		return
	}
	var m store.Message
	if err := json.Unmarshal(ev.Row, &m); err != nil {
		s.log.Warn("Undecodable message event", "err", err)
		return
	}
	if s.msgs.Confirm(m) {
		s.pushMessages()
	}
}

// onMessageFeedLost rewires the message subscription with backoff.
// Only one rewire loop runs at a time.
func (s *Session) onMessageFeedLost(err error) {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.log.Warn("Message feed lost, reconnecting", "err", err)
	go func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.srv.reconnectInitial
		b.MaxInterval = s.srv.reconnectMax
		b.MaxElapsedTime = 0
		wireErr := backoff.Retry(func() error {
			return s.wireMessages(s.ctx)
		}, backoff.WithContext(b, s.ctx))

		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()

		if wireErr != nil {
			s.log.Error("Message feed reconnect abandoned", "err", wireErr)
			return
		}
		s.log.Info("Message feed restored")
		s.pushMessages()
	}()
}

func (s *Session) pushPresence(snap presence.Snapshot) {
	s.sendJSON(presenceFrame{Type: "presence", Snapshot: snap})
}

func (s *Session) pushTyping(typers []string) {
	s.sendJSON(typingFrame{Type: "typing", Typers: typers})
}

func (s *Session) pushMessages() {
	s.sendJSON(messagesFrame{Type: "messages", Messages: s.msgs.Snapshot()})
}

func (s *Session) replyError(code, msg string) {
	s.sendJSON(errorFrame{Type: "error", Code: code, Error: msg})
}

func (s *Session) sendJSON(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("Frame marshal failed", "err", err)
		return
	}
	if err := s.conn.Send(payload); err != nil {
		s.log.Debug("Frame dropped", "err", err)
	}
}

// Close tears the session down: coordinators write their final state,
// the message subscription is released and the socket closes.
// Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sub := s.msgSub
		s.msgSub = nil
		s.mu.Unlock()

		s.cancel()
		if sub != nil {
			sub.Unsubscribe()
		}
		s.typing.Close()
		s.coord.Close()
		s.conn.Close(websocket.CloseNormalClosure, "session closed")
		s.srv.untrack(s)
		s.log.Info("Session closed")
	})
}
