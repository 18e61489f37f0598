// Package presence runs the session-side coordination for one user in
// one room: the durable membership join, the heartbeat that keeps the
// user's liveness row fresh, the change-feed subscriptions that track
// the roster and everyone's presence, and the derived online/away
// partition pushed to the client whenever it changes.
//
// Membership is authoritative and survives disconnects; the liveness
// overlays decay on their own when heartbeats stop. A member is online
// when a fresh presence row marks them so, and away otherwise, so the
// two lists always partition the roster exactly.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/soseconnect/globe-chat/feed"
	"github.com/soseconnect/globe-chat/heartbeat"
	"github.com/soseconnect/globe-chat/liveness"
	"github.com/soseconnect/globe-chat/pkg/otelhelper"
	"github.com/soseconnect/globe-chat/store"
)

var (
	activeSessions = otelhelper.NewUpDownCounter("presence.sessions",
		"Live presence sessions")
	feedReconnects = otelhelper.NewCounter("presence.reconnects",
		"Feed reconnect rounds started")
	heartbeatFails = otelhelper.NewCounter("presence.heartbeat.failures",
		"Heartbeat writes that failed")
)

var errClosed = errors.New("coordinator closed")

// Join and leave failures are soft: the caller logs and may retry, the
// session stays usable.
var (
	ErrJoin  = errors.New("join failed")
	ErrLeave = errors.New("leave failed")
)

// Connection status values surfaced on every snapshot. They describe
// the change-feed link, not the store: a session with a dead feed still
// heartbeats, it just cannot see peers move.
const (
	StatusConnected    = "connected"
	StatusConnecting   = "connecting"
	StatusDisconnected = "disconnected"
)

// Member is one roster entry with its liveness verdict.
type Member struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
	IsAdmin  bool      `json:"is_admin"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Snapshot is the computed room view: the full roster plus the
// online/away partition of it. Online and Away are sorted user ids and
// together cover every member exactly once. Status reports the feed
// link so a client can show "reconnecting" over a possibly stale list.
type Snapshot struct {
	RoomID  string   `json:"room_id"`
	Members []Member `json:"members"`
	Online  []string `json:"online"`
	Away    []string `json:"away"`
	Status  string   `json:"status"`
}

// samePartition reports whether two snapshots would render the same
// lists. LastSeen moves on every heartbeat and is deliberately
// excluded, otherwise every beat would look like a change.
func (s Snapshot) samePartition(o Snapshot) bool {
	if s.RoomID != o.RoomID || s.Status != o.Status ||
		len(s.Members) != len(o.Members) ||
		len(s.Online) != len(o.Online) || len(s.Away) != len(o.Away) {
		return false
	}
	for i := range s.Members {
		a, b := s.Members[i], o.Members[i]
		if a.UserID != b.UserID || a.IsAdmin != b.IsAdmin || a.Online != b.Online {
			return false
		}
	}
	for i := range s.Online {
		if s.Online[i] != o.Online[i] {
			return false
		}
	}
	for i := range s.Away {
		if s.Away[i] != o.Away[i] {
			return false
		}
	}
	return true
}

// Config describes one presence session.
type Config struct {
	Store store.Store
	Feed  feed.Subscriber

	RoomID string
	UserID string

	// HeartbeatInterval is how often the session refreshes its own
	// presence row. Defaults to 15s, a quarter of the online window.
	HeartbeatInterval time.Duration

	// Window is how long a presence row stays fresh. Defaults to
	// liveness.OnlineWindow.
	Window time.Duration

	// ReEval is how often the partition is recomputed without any
	// triggering event, so silent peers decay to away. Defaults to 10s.
	ReEval time.Duration

	// ReconnectInitial and ReconnectMax bound the feed re-subscribe
	// backoff. Default 2s and 30s.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time

	// OnChange, when set, receives a snapshot every time the computed
	// partition changes. Called from coordinator goroutines; must not
	// block for long.
	OnChange func(Snapshot)

	Logger *slog.Logger
}

func (cfg *Config) normalize() error {
	if cfg.Store == nil {
		return errors.New("presence: nil store")
	}
	if cfg.Feed == nil {
		return errors.New("presence: nil feed")
	}
	if cfg.RoomID == "" || cfg.UserID == "" {
		return errors.New("presence: empty room or user id")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = liveness.OnlineWindow
	}
	if cfg.ReEval <= 0 {
		cfg.ReEval = 10 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 2 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Coordinator owns every resource of one presence session: two feed
// subscriptions, the heartbeat scheduler and the re-evaluation ticker.
// Close releases all of them and writes the final offline row; nothing
// the coordinator armed survives it.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	members       map[string]store.Membership
	presence      map[string]store.Presence
	subMembership feed.Subscription
	subPresence   feed.Subscription
	pending       []feed.Event
	hydrating     bool
	wiring        bool
	reconnecting  bool
	started       bool
	closed        bool
	last          Snapshot

	hb     *heartbeat.Scheduler
	reeval *heartbeat.Scheduler
}

// New validates the config and builds a coordinator. Nothing runs
// until Start.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:      cfg,
		log:      cfg.Logger.With("room", cfg.RoomID, "user", cfg.UserID),
		members:  make(map[string]store.Membership),
		presence: make(map[string]store.Presence),
	}, nil
}

// Start joins the room, wires the feed subscriptions, hydrates the
// roster and presence overlay, and begins heartbeating. The join is
// idempotent, so starting a session in an already joined room changes
// nothing durable.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("presence: already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	err := c.cfg.Store.Join(ctx, store.Membership{
		RoomID: c.cfg.RoomID,
		UserID: c.cfg.UserID,
	})
	if err != nil {
		c.cancel()
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return errors.Join(ErrJoin, err)
	}

	if err := c.wire(ctx); err != nil {
		c.cancel()
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return errors.Join(ErrJoin, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.hb = heartbeat.New(heartbeat.Config{
		Interval: c.cfg.HeartbeatInterval,
		Beat:     c.beat,
		Final:    c.finalBeat,
	})
	c.reeval = heartbeat.New(heartbeat.Config{
		Interval: c.cfg.ReEval,
		Beat:     func(context.Context) { c.emit() },
	})
	hb, reeval, runCtx := c.hb, c.reeval, c.ctx
	c.mu.Unlock()

	// First pulse runs inline so the session's own row is already fresh
	// and pushed when Start returns.
	c.beat(ctx)

	hb.Start(runCtx)
	reeval.Start(runCtx)

	activeSessions.Add(ctx, 1)
	c.log.Info("presence session started")
	return nil
}

// wire tears down any previous subscriptions, opens fresh ones, and
// hydrates state from the store. Events that race the hydration reads
// are buffered and replayed on top, so a fetch can never clobber a
// fresher event.
func (c *Coordinator) wire(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	oldM, oldP := c.subMembership, c.subPresence
	c.subMembership, c.subPresence = nil, nil
	c.wiring = true
	c.hydrating = true
	c.pending = nil
	c.mu.Unlock()

	if oldM != nil {
		oldM.Unsubscribe()
	}
	if oldP != nil {
		oldP.Unsubscribe()
	}

	fail := func(err error, subs ...feed.Subscription) error {
		for _, s := range subs {
			if s != nil {
				s.Unsubscribe()
			}
		}
		c.mu.Lock()
		c.wiring = false
		c.hydrating = false
		c.pending = nil
		c.mu.Unlock()
		return err
	}

	subM, err := c.cfg.Feed.Subscribe(ctx, feed.Spec{
		Table:   store.TableMembership,
		Key:     c.cfg.RoomID,
		Handler: c.onMembershipEvent,
		OnClose: c.onFeedLost,
	})
	if err != nil {
		return fail(err)
	}
	// Presence is watched unfiltered: peers' rooms change under them
	// and the roster decides who matters at compute time.
	subP, err := c.cfg.Feed.Subscribe(ctx, feed.Spec{
		Table:   store.TablePresence,
		Handler: c.onPresenceEvent,
		OnClose: c.onFeedLost,
	})
	if err != nil {
		return fail(err, subM)
	}

	members, err := c.cfg.Store.Memberships(ctx, c.cfg.RoomID)
	if err != nil {
		return fail(err, subM, subP)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	rows, err := c.cfg.Store.Presences(ctx, ids)
	if err != nil {
		return fail(err, subM, subP)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fail(errClosed, subM, subP)
	}
	c.members = make(map[string]store.Membership, len(members))
	for _, m := range members {
		c.members[m.UserID] = m
	}
	for _, p := range rows {
		c.applyPresenceLocked(p)
	}
	for _, ev := range c.pending {
		c.applyEventLocked(ev)
	}
	c.pending = nil
	c.hydrating = false
	c.wiring = false
	c.subMembership, c.subPresence = subM, subP
	c.mu.Unlock()

	// The connection can die between subscribing and installing; the
	// OnClose that fired during wiring was ignored, so catch it here.
	if subM.State() == feed.StateClosed || subP.State() == feed.StateClosed {
		return fail(errors.New("subscription died during hydration"), subM, subP)
	}
	return nil
}

func (c *Coordinator) onMembershipEvent(ev feed.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.hydrating {
		c.pending = append(c.pending, ev)
		c.mu.Unlock()
		return
	}
	c.applyEventLocked(ev)
	c.mu.Unlock()
	c.emit()
}

func (c *Coordinator) onPresenceEvent(ev feed.Event) {
	c.onMembershipEvent(ev)
}

func (c *Coordinator) applyEventLocked(ev feed.Event) {
	switch ev.Table {
	case store.TableMembership:
		var m store.Membership
		if err := decodeRow(ev, &m); err != nil {
			c.log.Warn("bad membership event", "err", err)
			return
		}
		if m.RoomID != c.cfg.RoomID {
			return
		}
		if ev.Op == feed.OpDelete {
			delete(c.members, m.UserID)
		} else {
			c.members[m.UserID] = m
		}
	case store.TablePresence:
		var p store.Presence
		if err := decodeRow(ev, &p); err != nil {
			c.log.Warn("bad presence event", "err", err)
			return
		}
		if ev.Op == feed.OpDelete {
			delete(c.presence, p.UserID)
		} else {
			c.applyPresenceLocked(p)
		}
	}
}

// applyPresenceLocked merges a presence row last-writer-wins on
// LastSeen, so replaying hydration reads over newer events is
// harmless.
func (c *Coordinator) applyPresenceLocked(p store.Presence) {
	cur, ok := c.presence[p.UserID]
	if !ok || !cur.LastSeen.After(p.LastSeen) {
		c.presence[p.UserID] = p
	}
}

// onFeedLost runs when a subscription dies involuntarily. One
// reconnect loop rewires both subscriptions, so a session never holds
// more than one live subscription per concern.
func (c *Coordinator) onFeedLost(err error) {
	c.mu.Lock()
	if c.closed || c.wiring || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	ctx := c.ctx
	c.mu.Unlock()

	c.log.Warn("presence feed lost, reconnecting", "err", err)
	feedReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "presence")))
	c.emit()

	go func() {
		rerr := retryWire(ctx, c.cfg.ReconnectInitial, c.cfg.ReconnectMax, c.log, c.wire)
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		if rerr != nil {
			// Only a canceled session lands here.
			return
		}
		c.log.Info("presence feed recovered")
		// An immediate beat repairs the freshness this session's own
		// row lost during the outage.
		c.Wake()
		c.emit()
	}()
}

// beat writes this session's presence row. A failed write is logged
// and retried on the next tick; the row going stale just means peers
// see this user as away until writes land again.
func (c *Coordinator) beat(ctx context.Context) {
	p := store.Presence{
		UserID:        c.cfg.UserID,
		IsOnline:      true,
		LastSeen:      c.cfg.Now().UTC(),
		CurrentRoomID: c.cfg.RoomID,
	}
	if err := c.cfg.Store.UpsertPresence(ctx, p); err != nil {
		heartbeatFails.Add(ctx, 1)
		c.log.Warn("heartbeat write failed", "err", err)
		return
	}
	// The feed echoes this back, but applying locally keeps the self
	// row fresh even when the feed is down.
	c.mu.Lock()
	if !c.closed && !c.hydrating {
		c.applyPresenceLocked(p)
	}
	c.mu.Unlock()
	c.emit()
}

// finalBeat marks the user offline. It runs exactly once, from Close.
func (c *Coordinator) finalBeat(ctx context.Context) {
	p := store.Presence{
		UserID:   c.cfg.UserID,
		IsOnline: false,
		LastSeen: c.cfg.Now().UTC(),
	}
	if err := c.cfg.Store.UpsertPresence(ctx, p); err != nil {
		c.log.Warn("offline write failed", "err", err)
	}
}

// Wake forces an immediate heartbeat, for visibility or connectivity
// regained.
func (c *Coordinator) Wake() {
	c.mu.Lock()
	hb := c.hb
	c.mu.Unlock()
	if hb != nil {
		hb.Wake()
	}
}

// Status computes a fresh snapshot from current state.
func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) statusLocked() string {
	switch {
	case c.closed || !c.started:
		return StatusDisconnected
	case c.wiring || c.reconnecting:
		return StatusConnecting
	default:
		return StatusConnected
	}
}

func (c *Coordinator) snapshotLocked() Snapshot {
	now := c.cfg.Now()
	snap := Snapshot{RoomID: c.cfg.RoomID, Status: c.statusLocked()}
	for _, m := range c.members {
		member := Member{
			UserID:   m.UserID,
			JoinedAt: m.JoinedAt,
			IsAdmin:  m.IsAdmin,
		}
		// Online means actively present in THIS room: a member whose
		// presence points at another room is away here, however fresh.
		if p, ok := c.presence[m.UserID]; ok {
			member.LastSeen = p.LastSeen
			member.Online = p.IsOnline && p.CurrentRoomID == c.cfg.RoomID &&
				liveness.IsLive(p.LastSeen, c.cfg.Window, now)
		}
		snap.Members = append(snap.Members, member)
		if member.Online {
			snap.Online = append(snap.Online, m.UserID)
		} else {
			snap.Away = append(snap.Away, m.UserID)
		}
	}
	sort.Slice(snap.Members, func(i, j int) bool {
		a, b := snap.Members[i], snap.Members[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
	sort.Strings(snap.Online)
	sort.Strings(snap.Away)
	return snap
}

// emit recomputes the partition and pushes it if it differs from the
// last push.
func (c *Coordinator) emit() {
	c.mu.Lock()
	if c.closed || c.hydrating {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	changed := !snap.samePartition(c.last)
	if changed {
		c.last = snap
	}
	cb := c.cfg.OnChange
	c.mu.Unlock()

	if changed && cb != nil {
		cb(snap)
	}
}

// Leave removes the durable membership and marks the user offline with
// no room. The session itself keeps running so a failed leave can be
// retried; callers that are done close it separately.
func (c *Coordinator) Leave(ctx context.Context) error {
	if err := c.cfg.Store.Leave(ctx, c.cfg.RoomID, c.cfg.UserID); err != nil {
		return errors.Join(ErrLeave, err)
	}
	p := store.Presence{
		UserID:   c.cfg.UserID,
		IsOnline: false,
		LastSeen: c.cfg.Now().UTC(),
	}
	if err := c.cfg.Store.UpsertPresence(ctx, p); err != nil {
		return errors.Join(ErrLeave, err)
	}

	c.mu.Lock()
	if !c.closed && !c.hydrating {
		delete(c.members, c.cfg.UserID)
		c.applyPresenceLocked(p)
	}
	c.mu.Unlock()
	c.emit()
	c.log.Info("left room")
	return nil
}

// Close tears the session down: cancels the reconnect loop, drops both
// subscriptions, stops the tickers and writes the offline row.
// Idempotent. The membership row survives; being offline does not mean
// leaving the room.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	subM, subP := c.subMembership, c.subPresence
	c.subMembership, c.subPresence = nil, nil
	hb, reeval := c.hb, c.reeval
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if subM != nil {
		subM.Unsubscribe()
	}
	if subP != nil {
		subP.Unsubscribe()
	}
	if reeval != nil {
		reeval.Stop()
	}
	if hb != nil {
		hb.Stop()
	}
	if started {
		activeSessions.Add(context.Background(), -1)
	}
	c.log.Info("presence session closed")
}
