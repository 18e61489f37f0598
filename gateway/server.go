package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/soseconnect/globe-chat/feed"
	"github.com/soseconnect/globe-chat/pkg/otelhelper"
	"github.com/soseconnect/globe-chat/store"
)

var tracer = otel.Tracer("globe-chat")

var (
	openSessions = otelhelper.NewUpDownCounter("gateway.sessions", "Open websocket sessions")
	framesIn     = otelhelper.NewCounter("gateway.frames.in", "Inbound frames received from clients")
	sendDuration = otelhelper.NewDurationHistogram("gateway.message.send.duration", "Time to durably store a client message")
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks are delegated to the reverse proxy.
		return true
	},
}

const defaultHistoryLimit = 50

// Config carries the dependencies and tuning for a gateway server.
// Zero durations and limits fall back to defaults.
type Config struct {
	Store  store.Store
	Feed   feed.Subscriber
	Logger *slog.Logger

	// HistoryLimit caps how many recent messages a session hydrates
	// and retains.
	HistoryLimit int

	// Reconnect backoff for the per-session message feed and for the
	// presence and typing coordinators.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Liveness tuning, forwarded to every session's coordinators.
	// Zero values take the coordinator defaults.
	HeartbeatInterval time.Duration
	OnlineWindow      time.Duration
	TypingWindow      time.Duration
	TypingInactivity  time.Duration
}

// Server upgrades websocket clients into room sessions and tracks them
// for shutdown.
type Server struct {
	store store.Store
	feed  feed.Subscriber
	log   *slog.Logger

	historyLimit      int
	reconnectInitial  time.Duration
	reconnectMax      time.Duration
	heartbeatInterval time.Duration
	onlineWindow      time.Duration
	typingWindow      time.Duration
	typingInactivity  time.Duration

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewServer validates cfg and builds a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if cfg.Feed == nil {
		return nil, errors.New("gateway: feed is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	// The message-feed backoff uses these directly, so they need real
	// values here even though the coordinators default their own.
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 2 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Server{
		store:             cfg.Store,
		feed:              cfg.Feed,
		log:               log,
		historyLimit:      limit,
		reconnectInitial:  cfg.ReconnectInitial,
		reconnectMax:      cfg.ReconnectMax,
		heartbeatInterval: cfg.HeartbeatInterval,
		onlineWindow:      cfg.OnlineWindow,
		typingWindow:      cfg.TypingWindow,
		typingInactivity:  cfg.TypingInactivity,
		sessions:          make(map[*Session]struct{}),
	}, nil
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleWS upgrades the client, starts its session and blocks on the
// read loop until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	userID := r.URL.Query().Get("user")
	if roomID == "" || userID == "" {
		http.Error(w, "room and user query parameters are required", http.StatusBadRequest)
		return
	}

	ctx, span := tracer.Start(r.Context(), "session_start",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.String("user.id", userID),
		))

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Websocket upgrade failed", "err", err, "room", roomID, "user", userID)
		span.RecordError(err)
		span.End()
		return
	}

	sess := newSession(s, roomID, userID, ws)
	if err := sess.start(ctx); err != nil {
		s.log.Error("Session start failed", "err", err, "room", roomID, "user", userID)
		span.RecordError(err)
		span.End()
		sess.conn.Close(websocket.CloseInternalServerErr, "session start failed")
		return
	}
	span.End()

	if !s.track(sess) {
		sess.Close()
		return
	}
	openSessions.Add(r.Context(), 1)
	defer openSessions.Add(r.Context(), -1)
	defer sess.Close()

	sess.readLoop()
}

// track registers a session. Returns false when the server is already
// shutting down.
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// CloseSessions terminates every open session. Used during shutdown;
// new sessions are refused afterwards.
func (s *Server) CloseSessions() {
	s.mu.Lock()
	s.closed = true
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close()
	}
}
