package presence

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/soseconnect/globe-chat/feed"
	"github.com/soseconnect/globe-chat/heartbeat"
	"github.com/soseconnect/globe-chat/liveness"
	"github.com/soseconnect/globe-chat/store"
)

// TypingConfig describes one typing session.
type TypingConfig struct {
	Store store.Store
	Feed  feed.Subscriber

	RoomID string
	UserID string

	// Window is how long a typing row stays fresh. Defaults to
	// liveness.TypingWindow.
	Window time.Duration

	// Inactivity is how long after the last keypress the typing flag
	// clears itself. Defaults to 4s, just inside the window, so a
	// stalled clear-write still decays for peers.
	Inactivity time.Duration

	// ReEval is how often peers' stale typing rows are re-checked.
	// Defaults to 2s; typing indicators tolerate less lag than
	// presence.
	ReEval time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Now func() time.Time

	// OnChange receives the sorted list of other users currently
	// typing, whenever that list changes.
	OnChange func([]string)

	Logger *slog.Logger
}

func (cfg *TypingConfig) normalize() error {
	if cfg.Store == nil {
		return errors.New("typing: nil store")
	}
	if cfg.Feed == nil {
		return errors.New("typing: nil feed")
	}
	if cfg.RoomID == "" || cfg.UserID == "" {
		return errors.New("typing: empty room or user id")
	}
	if cfg.Window <= 0 {
		cfg.Window = liveness.TypingWindow
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = 4 * time.Second
	}
	if cfg.ReEval <= 0 {
		cfg.ReEval = 2 * time.Second
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

// TypingCoordinator tracks who is typing in one room and debounces
// this user's own typing writes: the first keypress writes the flag,
// further keypresses only push the inactivity timer out, and the flag
// clears after Inactivity of silence, on StopTyping, or at Close.
// Peers' flags additionally decay read-side once their LastTyped falls
// outside the window, so an abandoned row cannot stick.
type TypingCoordinator struct {
	cfg TypingConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	rows         map[string]store.Typing
	sub          feed.Subscription
	pending      []feed.Event
	hydrating    bool
	wiring       bool
	reconnecting bool
	started      bool
	closed       bool
	typing       bool
	idle         *time.Timer
	last         []string

	reeval *heartbeat.Scheduler
}

// NewTyping validates the config and builds a typing coordinator.
func NewTyping(cfg TypingConfig) (*TypingCoordinator, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &TypingCoordinator{
		cfg:  cfg,
		log:  cfg.Logger.With("room", cfg.RoomID, "user", cfg.UserID),
		rows: make(map[string]store.Typing),
	}, nil
}

// Start subscribes to the room's typing changes and hydrates the
// current rows.
func (t *TypingCoordinator) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errClosed
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("typing: already started")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Unlock()

	if err := t.wire(ctx); err != nil {
		t.cancel()
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errClosed
	}
	t.reeval = heartbeat.New(heartbeat.Config{
		Interval: t.cfg.ReEval,
		Beat:     func(context.Context) { t.emit() },
	})
	reeval, runCtx := t.reeval, t.ctx
	t.mu.Unlock()

	reeval.Start(runCtx)
	return nil
}

func (t *TypingCoordinator) wire(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errClosed
	}
	old := t.sub
	t.sub = nil
	t.wiring = true
	t.hydrating = true
	t.pending = nil
	t.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	fail := func(err error, subs ...feed.Subscription) error {
		for _, s := range subs {
			if s != nil {
				s.Unsubscribe()
			}
		}
		t.mu.Lock()
		t.wiring = false
		t.hydrating = false
		t.pending = nil
		t.mu.Unlock()
		return err
	}

	sub, err := t.cfg.Feed.Subscribe(ctx, feed.Spec{
		Table:   store.TableTyping,
		Key:     t.cfg.RoomID,
		Handler: t.onEvent,
		OnClose: t.onFeedLost,
	})
	if err != nil {
		return fail(err)
	}

	rows, err := t.cfg.Store.TypingInRoom(ctx, t.cfg.RoomID)
	if err != nil {
		return fail(err, sub)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fail(errClosed, sub)
	}
	t.rows = make(map[string]store.Typing, len(rows))
	for _, row := range rows {
		t.applyLocked(row)
	}
	for _, ev := range t.pending {
		t.applyEventLocked(ev)
	}
	t.pending = nil
	t.hydrating = false
	t.wiring = false
	t.sub = sub
	t.mu.Unlock()

	if sub.State() == feed.StateClosed {
		return fail(errors.New("subscription died during hydration"), sub)
	}
	return nil
}

func (t *TypingCoordinator) onEvent(ev feed.Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.hydrating {
		t.pending = append(t.pending, ev)
		t.mu.Unlock()
		return
	}
	t.applyEventLocked(ev)
	t.mu.Unlock()
	t.emit()
}

func (t *TypingCoordinator) applyEventLocked(ev feed.Event) {
	var row store.Typing
	if err := decodeRow(ev, &row); err != nil {
		t.log.Warn("bad typing event", "err", err)
		return
	}
	if row.RoomID != t.cfg.RoomID {
		return
	}
	if ev.Op == feed.OpDelete {
		delete(t.rows, row.UserID)
		return
	}
	t.applyLocked(row)
}

func (t *TypingCoordinator) applyLocked(row store.Typing) {
	cur, ok := t.rows[row.UserID]
	if !ok || !cur.LastTyped.After(row.LastTyped) {
		t.rows[row.UserID] = row
	}
}

func (t *TypingCoordinator) onFeedLost(err error) {
	t.mu.Lock()
	if t.closed || t.wiring || t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	ctx := t.ctx
	t.mu.Unlock()

	t.log.Warn("typing feed lost, reconnecting", "err", err)
	feedReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "typing")))

	go func() {
		rerr := retryWire(ctx, t.cfg.ReconnectInitial, t.cfg.ReconnectMax, t.log, t.wire)
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
		if rerr != nil {
			return
		}
		t.log.Info("typing feed recovered")
		t.emit()
	}()
}

// StartTyping registers a keypress. The first call writes the typing
// row; calls while already marked typing only push the inactivity
// timer out and cost no store write.
func (t *TypingCoordinator) StartTyping(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errClosed
	}
	if !t.started {
		t.mu.Unlock()
		return errors.New("typing: not started")
	}
	wasTyping := t.typing
	t.typing = true
	if t.idle == nil {
		t.idle = time.AfterFunc(t.cfg.Inactivity, t.idleFire)
	} else {
		t.idle.Reset(t.cfg.Inactivity)
	}
	t.mu.Unlock()

	if wasTyping {
		return nil
	}
	return t.write(ctx, true)
}

// StopTyping clears the flag immediately, for message sent or input
// blurred. Calling it while not typing is a no-op.
func (t *TypingCoordinator) StopTyping(ctx context.Context) error {
	t.mu.Lock()
	if t.closed || !t.typing {
		t.mu.Unlock()
		return nil
	}
	t.typing = false
	if t.idle != nil {
		t.idle.Stop()
	}
	t.mu.Unlock()

	return t.write(ctx, false)
}

func (t *TypingCoordinator) idleFire() {
	t.mu.Lock()
	if t.closed || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	ctx := t.ctx
	t.mu.Unlock()

	if err := t.write(ctx, false); err != nil {
		t.log.Warn("typing clear failed", "err", err)
	}
}

func (t *TypingCoordinator) write(ctx context.Context, isTyping bool) error {
	row := store.Typing{
		RoomID:    t.cfg.RoomID,
		UserID:    t.cfg.UserID,
		IsTyping:  isTyping,
		LastTyped: t.cfg.Now().UTC(),
	}
	if err := t.cfg.Store.UpsertTyping(ctx, row); err != nil {
		if isTyping {
			// Let the next keypress retry the set-write.
			t.mu.Lock()
			t.typing = false
			t.mu.Unlock()
		}
		return err
	}
	t.mu.Lock()
	if !t.closed && !t.hydrating {
		t.applyLocked(row)
	}
	t.mu.Unlock()
	t.emit()
	return nil
}

// Typers returns the other users typing right now, sorted. The
// caller's own flag is never included.
func (t *TypingCoordinator) Typers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typersLocked()
}

func (t *TypingCoordinator) typersLocked() []string {
	now := t.cfg.Now()
	var out []string
	for uid, row := range t.rows {
		if uid == t.cfg.UserID {
			continue
		}
		if row.IsTyping && liveness.IsLive(row.LastTyped, t.cfg.Window, now) {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

func (t *TypingCoordinator) emit() {
	t.mu.Lock()
	if t.closed || t.hydrating {
		t.mu.Unlock()
		return
	}
	cur := t.typersLocked()
	changed := !slices.Equal(cur, t.last)
	if changed {
		t.last = cur
	}
	cb := t.cfg.OnChange
	t.mu.Unlock()

	if changed && cb != nil {
		cb(cur)
	}
}

// Close stops the timers, drops the subscription and, if the user was
// mid-typing, clears their flag so peers do not wait out the window.
// Idempotent.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	wasTyping := t.typing
	t.typing = false
	cancel := t.cancel
	sub := t.sub
	t.sub = nil
	idle := t.idle
	reeval := t.reeval
	t.mu.Unlock()

	if idle != nil {
		idle.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if reeval != nil {
		reeval.Stop()
	}
	if wasTyping {
		ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
		defer done()
		err := t.cfg.Store.UpsertTyping(ctx, store.Typing{
			RoomID:    t.cfg.RoomID,
			UserID:    t.cfg.UserID,
			IsTyping:  false,
			LastTyped: t.cfg.Now().UTC(),
		})
		if err != nil {
			t.log.Warn("typing clear on close failed", "err", err)
		}
	}
}
