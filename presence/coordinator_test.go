package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soseconnect/globe-chat/feed"
	"github.com/soseconnect/globe-chat/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clk   *fakeClock
	feed  *feed.Memory
	store *store.Memory
}

func newFixture() *fixture {
	f := feed.NewMemory()
	return &fixture{
		clk:   newFakeClock(),
		feed:  f,
		store: store.NewMemory(f),
	}
}

func (fx *fixture) coordinator(t *testing.T, user, room string, onChange func(Snapshot)) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Store:             fx.store,
		Feed:              fx.feed,
		RoomID:            room,
		UserID:            user,
		HeartbeatInterval: time.Hour,
		ReEval:            time.Hour,
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		Now:               fx.clk.Now,
		OnChange:          onChange,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

// start runs Start and waits out the schedulers spinning up.
func (fx *fixture) start(t *testing.T, c *Coordinator) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func online(s Snapshot, user string) bool {
	for _, u := range s.Online {
		if u == user {
			return true
		}
	}
	return false
}

func away(s Snapshot, user string) bool {
	for _, u := range s.Away {
		if u == user {
			return true
		}
	}
	return false
}

func TestStartJoinsRoomAndMarksSelfOnline(t *testing.T) {
	fx := newFixture()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	members, _ := fx.store.Memberships(context.Background(), "r1")
	if len(members) != 1 || members[0].UserID != "alice" {
		t.Fatalf("Expected alice to be joined, got %v", members)
	}

	snap := c.Status()
	if len(snap.Members) != 1 || !online(snap, "alice") {
		t.Errorf("Expected alice online in her own snapshot, got %+v", snap)
	}
	if len(snap.Away) != 0 {
		t.Errorf("Expected empty away list, got %v", snap.Away)
	}
}

func TestPartitionFollowsFreshness(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "bob"})
	fx.store.UpsertPresence(ctx, store.Presence{
		UserID:        "bob",
		IsOnline:      true,
		LastSeen:      fx.clk.Now(),
		CurrentRoomID: "r1",
	})

	// 50s after bob's heartbeat he is still inside the 60s window.
	fx.clk.Advance(50 * time.Second)
	if snap := c.Status(); !online(snap, "bob") {
		t.Errorf("Expected bob online at 50s, got %+v", snap)
	}

	// At 65s the row has gone stale and bob flips to away, with no
	// store write in between.
	fx.clk.Advance(15 * time.Second)
	snap := c.Status()
	if !away(snap, "bob") {
		t.Errorf("Expected bob away at 65s, got %+v", snap)
	}
	if len(snap.Online)+len(snap.Away) != len(snap.Members) {
		t.Errorf("Partition does not cover roster: %d online + %d away != %d members",
			len(snap.Online), len(snap.Away), len(snap.Members))
	}
}

func TestPartitionSplitsRosterExactly(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	// Roster {alice, bob, carol}, live presence {alice, bob}.
	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "bob"})
	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "carol"})
	fx.store.UpsertPresence(ctx, store.Presence{
		UserID: "bob", IsOnline: true, LastSeen: fx.clk.Now(), CurrentRoomID: "r1",
	})

	snap := c.Status()
	if len(snap.Online) != 2 || snap.Online[0] != "alice" || snap.Online[1] != "bob" {
		t.Errorf("Expected online [alice bob], got %v", snap.Online)
	}
	if len(snap.Away) != 1 || snap.Away[0] != "carol" {
		t.Errorf("Expected away [carol], got %v", snap.Away)
	}
}

func TestExplicitOfflineBeatsFreshness(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "bob"})
	fx.store.UpsertPresence(ctx, store.Presence{
		UserID:   "bob",
		IsOnline: false,
		LastSeen: fx.clk.Now(),
	})

	if snap := c.Status(); !away(snap, "bob") {
		t.Errorf("Expected signed-out bob away despite fresh row, got %+v", snap)
	}
}

func TestRosterTracksMembershipEvents(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "carol"})
	snap := c.Status()
	if len(snap.Members) != 2 {
		t.Fatalf("Expected carol in roster after join event, got %+v", snap.Members)
	}
	if !away(snap, "carol") {
		t.Errorf("Expected carol away without any presence row, got %+v", snap)
	}

	fx.store.Leave(ctx, "r1", "carol")
	snap = c.Status()
	if len(snap.Members) != 1 {
		t.Errorf("Expected carol dropped after leave event, got %+v", snap.Members)
	}
}

func TestHydratePicksUpExistingState(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	// Bob was here before alice's session ever started.
	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "bob"})
	fx.store.UpsertPresence(ctx, store.Presence{
		UserID: "bob", IsOnline: true, LastSeen: fx.clk.Now(), CurrentRoomID: "r1",
	})

	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	snap := c.Status()
	if len(snap.Members) != 2 || !online(snap, "bob") {
		t.Errorf("Expected hydrated roster with bob online, got %+v", snap)
	}
}

func TestOnChangeFiresOnlyOnPartitionChange(t *testing.T) {
	fx := newFixture()
	var calls atomic.Int32
	f := feed.NewMemory()
	fx.feed = f
	fx.store = store.NewMemory(f)

	c, err := New(Config{
		Store:             fx.store,
		Feed:              fx.feed,
		RoomID:            "r1",
		UserID:            "alice",
		HeartbeatInterval: 20 * time.Millisecond,
		ReEval:            time.Hour,
		Now:               fx.clk.Now,
		OnChange:          func(Snapshot) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Repeated heartbeats refresh LastSeen without changing the
	// partition; only the first transition to online may push.
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 push for an unchanged partition, got %d", got)
	}

	fx.store.Join(context.Background(), store.Membership{RoomID: "r1", UserID: "bob"})
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected a push after the roster changed, got %d", got)
	}
}

func TestPresenceInAnotherRoomCountsAsAway(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	// Bob belongs to r1 but his live session sits in r2.
	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "bob"})
	fx.store.UpsertPresence(ctx, store.Presence{
		UserID: "bob", IsOnline: true, LastSeen: fx.clk.Now(), CurrentRoomID: "r2",
	})

	snap := c.Status()
	if !away(snap, "bob") || online(snap, "bob") {
		t.Errorf("Expected bob away while his session is in another room, got %+v", snap)
	}
}

func TestStatusFollowsFeedLink(t *testing.T) {
	fx := newFixture()
	var mu sync.Mutex
	var statuses []string
	c := fx.coordinator(t, "alice", "r1", func(s Snapshot) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	if got := c.Status().Status; got != StatusDisconnected {
		t.Errorf("Expected %q before start, got %q", StatusDisconnected, got)
	}

	fx.start(t, c)
	if got := c.Status().Status; got != StatusConnected {
		t.Errorf("Expected %q after start, got %q", StatusConnected, got)
	}

	fx.feed.Break(nil)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	var sawConnecting, recovered bool
	for _, s := range statuses {
		if s == StatusConnecting {
			sawConnecting = true
		}
		if sawConnecting && s == StatusConnected {
			recovered = true
		}
	}
	mu.Unlock()
	if !sawConnecting || !recovered {
		t.Errorf("Expected connecting then connected around a feed loss, got %v", statuses)
	}

	c.Close()
	if got := c.Status().Status; got != StatusDisconnected {
		t.Errorf("Expected %q after close, got %q", StatusDisconnected, got)
	}
}

func TestFeedRecoveryBeatsImmediately(t *testing.T) {
	fx := newFixture()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	// The outage outlives the online window; recovery must not wait for
	// the next scheduled heartbeat to repair the row.
	fx.clk.Advance(2 * time.Minute)
	fx.feed.Break(nil)
	time.Sleep(200 * time.Millisecond)

	rows, _ := fx.store.Presences(context.Background(), []string{"alice"})
	if len(rows) != 1 || !rows[0].LastSeen.Equal(fx.clk.Now()) {
		t.Errorf("Expected recovery to refresh last_seen to %v, got %+v", fx.clk.Now(), rows)
	}
	if snap := c.Status(); !online(snap, "alice") {
		t.Errorf("Expected alice online after recovery, got %+v", snap)
	}
}

func TestFeedLossRewiresSingleSubscriptionPerConcern(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	if got := fx.feed.Live(); got != 2 {
		t.Fatalf("Expected 2 live subscriptions (membership, presence), got %d", got)
	}

	fx.feed.Break(nil)

	// Changes landing while the feed is down arrive by re-hydration.
	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "bob"})
	fx.store.UpsertPresence(ctx, store.Presence{
		UserID: "bob", IsOnline: true, LastSeen: fx.clk.Now(), CurrentRoomID: "r1",
	})

	time.Sleep(200 * time.Millisecond)

	if got := fx.feed.Live(); got != 2 {
		t.Errorf("Expected exactly 2 live subscriptions after reconnect, got %d", got)
	}
	snap := c.Status()
	if len(snap.Members) != 2 || !online(snap, "bob") {
		t.Errorf("Expected bob recovered via re-hydration, got %+v", snap)
	}

	// And events flow again on the fresh subscriptions.
	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "carol"})
	if snap := c.Status(); len(snap.Members) != 3 {
		t.Errorf("Expected carol via new subscription, got %+v", snap.Members)
	}
}

func TestCloseWritesOfflineAndReleasesEverything(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	var calls atomic.Int32
	c := fx.coordinator(t, "alice", "r1", func(Snapshot) { calls.Add(1) })
	fx.start(t, c)

	c.Close()
	c.Close()

	rows, _ := fx.store.Presences(ctx, []string{"alice"})
	if len(rows) != 1 {
		t.Fatalf("Expected alice's presence row to exist, got %d rows", len(rows))
	}
	if rows[0].IsOnline || rows[0].CurrentRoomID != "" {
		t.Errorf("Expected offline row with no room after close, got %+v", rows[0])
	}

	if got := fx.feed.Live(); got != 0 {
		t.Errorf("Expected all subscriptions released, %d still live", got)
	}

	// Membership is durable: closing the session must not leave the room.
	members, _ := fx.store.Memberships(ctx, "r1")
	if len(members) != 1 {
		t.Errorf("Expected membership to survive close, got %v", members)
	}

	before := calls.Load()
	fx.store.Join(ctx, store.Membership{RoomID: "r1", UserID: "bob"})
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != before {
		t.Error("Expected no pushes after close")
	}
}

func TestLeaveRemovesMembershipAndGoesOffline(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	members, _ := fx.store.Memberships(ctx, "r1")
	if len(members) != 0 {
		t.Errorf("Expected empty roster after leave, got %v", members)
	}
	rows, _ := fx.store.Presences(ctx, []string{"alice"})
	if len(rows) != 1 || rows[0].IsOnline || rows[0].CurrentRoomID != "" {
		t.Errorf("Expected alice offline with no room, got %+v", rows)
	}
	if snap := c.Status(); len(snap.Members) != 0 {
		t.Errorf("Expected empty snapshot after leaving, got %+v", snap)
	}
}

func TestWakeRefreshesOwnRow(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	fx.clk.Advance(2 * time.Minute)
	if snap := c.Status(); online(snap, "alice") {
		t.Fatalf("Expected alice stale before wake, got %+v", snap)
	}

	c.Wake()
	time.Sleep(50 * time.Millisecond)

	rows, _ := fx.store.Presences(ctx, []string{"alice"})
	if len(rows) != 1 || !rows[0].LastSeen.Equal(fx.clk.Now()) {
		t.Errorf("Expected wake to refresh last_seen to %v, got %+v", fx.clk.Now(), rows)
	}
	if snap := c.Status(); !online(snap, "alice") {
		t.Errorf("Expected alice online after wake, got %+v", snap)
	}
}

func TestStartValidation(t *testing.T) {
	fx := newFixture()
	c := fx.coordinator(t, "alice", "r1", nil)
	defer c.Close()
	fx.start(t, c)

	if err := c.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}
}

func TestNewValidation(t *testing.T) {
	fx := newFixture()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"nil store", Config{Feed: fx.feed, RoomID: "r1", UserID: "u1"}},
		{"nil feed", Config{Store: fx.store, RoomID: "r1", UserID: "u1"}},
		{"empty room", Config{Store: fx.store, Feed: fx.feed, UserID: "u1"}},
		{"empty user", Config{Store: fx.store, Feed: fx.feed, RoomID: "r1"}},
	}
	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("Expected error for %s", tt.name)
		}
	}
}
