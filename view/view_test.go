package view

import (
	"testing"
	"time"

	"github.com/soseconnect/globe-chat/store"
)

func msg(id, body string, at time.Time) store.Message {
	return store.Message{ID: id, RoomID: "r1", UserID: "alice", Body: body, CreatedAt: at}
}

func bodies(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestStagedMessageAppearsAtTail(t *testing.T) {
	v := NewOptimistic(0)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	v.Confirm(msg("m1", "hello", base))
	staged := msg("temp-1", "world", base.Add(time.Second))
	staged.ClientToken = "tok-1"
	v.Stage(staged)

	got := bodies(v.Snapshot())
	want := []string{"hello", "world"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if v.Pending() != 1 {
		t.Errorf("Expected 1 pending message, got %d", v.Pending())
	}
}

func TestConfirmReplacesStagedByTokenOnly(t *testing.T) {
	v := NewOptimistic(0)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	staged := msg("temp-1", "hi", base)
	staged.ClientToken = "tok-1"
	v.Stage(staged)

	// The committed row shares nothing with the staged one except the
	// token: different id, different timestamp, even edited body.
	committed := msg("real-9", "hi there", base.Add(3*time.Second))
	committed.ClientToken = "tok-1"
	if !v.Confirm(committed) {
		t.Error("Expected Confirm to report a change")
	}

	snap := v.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 message after reconciliation, got %d", len(snap))
	}
	if snap[0].ID != "real-9" {
		t.Errorf("Expected committed id real-9, got %s", snap[0].ID)
	}
	if v.Pending() != 0 {
		t.Errorf("Expected no pending messages, got %d", v.Pending())
	}
}

func TestConfirmDeduplicatesById(t *testing.T) {
	v := NewOptimistic(0)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	m := msg("m1", "hello", base)
	if !v.Confirm(m) {
		t.Error("Expected first confirm to report a change")
	}
	if v.Confirm(m) {
		t.Error("Expected duplicate confirm to report no change")
	}

	if snap := v.Snapshot(); len(snap) != 1 {
		t.Errorf("Expected 1 message after duplicate confirm, got %d", len(snap))
	}
}

func TestFailDropsStaged(t *testing.T) {
	v := NewOptimistic(0)
	staged := msg("temp-1", "doomed", time.Now())
	staged.ClientToken = "tok-1"
	v.Stage(staged)

	if !v.Fail("tok-1") {
		t.Error("Expected Fail to find the staged message")
	}
	if v.Fail("tok-1") {
		t.Error("Expected second Fail to find nothing")
	}
	if len(v.Snapshot()) != 0 {
		t.Errorf("Expected empty view after failed send, got %d messages", len(v.Snapshot()))
	}
}

func TestHydrateCollapsesStagedDuplicates(t *testing.T) {
	v := NewOptimistic(0)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	staged := msg("temp-1", "mine", base.Add(time.Minute))
	staged.ClientToken = "tok-1"
	v.Stage(staged)

	mine := msg("m2", "mine", base.Add(30*time.Second))
	mine.ClientToken = "tok-1"
	v.Hydrate([]store.Message{
		msg("m1", "old", base),
		mine,
	})

	got := bodies(v.Snapshot())
	want := []string{"old", "mine"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if v.Pending() != 0 {
		t.Errorf("Expected hydrate to absorb the staged copy, %d still pending", v.Pending())
	}
}

func TestCommittedOrderIndependentOfArrival(t *testing.T) {
	v := NewOptimistic(0)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	v.Confirm(msg("m3", "three", base.Add(2*time.Second)))
	v.Confirm(msg("m1", "one", base))
	v.Confirm(msg("m2", "two", base.Add(time.Second)))

	got := bodies(v.Snapshot())
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("Expected message %d to be %q, got %q", i, w, got[i])
		}
	}
}

func TestRestagingSameTokenReplacesInPlace(t *testing.T) {
	v := NewOptimistic(0)
	a := msg("temp-1", "first try", time.Now())
	a.ClientToken = "tok-1"
	b := msg("temp-2", "second try", time.Now())
	b.ClientToken = "tok-1"

	v.Stage(a)
	v.Stage(b)

	if v.Pending() != 1 {
		t.Fatalf("Expected restage to replace, got %d pending", v.Pending())
	}
	if snap := v.Snapshot(); snap[0].Body != "second try" {
		t.Errorf("Expected latest staged body, got %q", snap[0].Body)
	}
}

func TestStageWithoutTokenIgnored(t *testing.T) {
	v := NewOptimistic(0)
	v.Stage(msg("temp-1", "no token", time.Now()))
	if v.Pending() != 0 {
		t.Errorf("Expected tokenless stage to be ignored, got %d pending", v.Pending())
	}
}

func TestLimitEvictsOldestCommitted(t *testing.T) {
	v := NewOptimistic(2)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	v.Confirm(msg("m1", "one", base))
	v.Confirm(msg("m2", "two", base.Add(time.Second)))
	v.Confirm(msg("m3", "three", base.Add(2*time.Second)))

	got := bodies(v.Snapshot())
	want := []string{"two", "three"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected %v after eviction, got %v", want, got)
	}
}
