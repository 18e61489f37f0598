// Package store is the durable row store behind the presence system.
// Four tables carry the state: membership is the authoritative room
// roster, presence and typing are liveness overlays keyed by heartbeat
// timestamps, and messages exist so optimistic sends can be reconciled
// by client token. Every successful write is published to the change
// feed; reads always reflect what was committed, never what was
// broadcast.
package store

import (
	"context"
	"errors"
	"time"
)

// Table names, shared with feed subscriptions.
const (
	TableMembership = "membership"
	TablePresence   = "presence"
	TableTyping     = "typing"
	TableMessages   = "messages"
)

// ErrUnavailable wraps every failure caused by the backing store being
// unreachable or broken mid-operation. Callers test for it with
// errors.Is and treat it as transient: retry, or degrade and keep
// heartbeating until writes land again.
var ErrUnavailable = errors.New("row store unavailable")

// Membership is one user's row in one room's roster. The roster is
// authoritative: a user is a member if and only if their row exists,
// regardless of anything the liveness overlays say.
type Membership struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
	IsAdmin  bool      `json:"is_admin"`
}

// Presence is a user's liveness overlay row, at most one per user.
// LastSeen is the heartbeat timestamp; whether the user counts as
// online is decided by readers against a freshness window, never by
// the stored IsOnline flag alone. CurrentRoomID is empty when the user
// is not in any room.
type Presence struct {
	UserID        string    `json:"user_id"`
	IsOnline      bool      `json:"is_online"`
	LastSeen      time.Time `json:"last_seen"`
	CurrentRoomID string    `json:"current_room_id,omitempty"`
}

// Typing is a user's typing overlay row in one room. Like presence,
// the stored flag only counts while LastTyped is fresh.
type Typing struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	IsTyping  bool      `json:"is_typing"`
	LastTyped time.Time `json:"last_typed"`
}

// Message is one chat message. ClientToken is the sender-chosen
// idempotency token: retries and optimistic echoes carrying the same
// token collapse onto the first committed row.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	Body        string    `json:"body"`
	ClientToken string    `json:"client_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the typed surface over the row store. Implementations
// publish a change event after each write that alters a row; writes
// that change nothing (joining a room twice, leaving a room never
// joined, re-sending a known client token) succeed silently and emit
// nothing.
type Store interface {
	// Join adds a membership row. Idempotent: joining an already
	// joined room succeeds without touching the existing row, so
	// JoinedAt and IsAdmin survive rejoins.
	Join(ctx context.Context, m Membership) error

	// Leave removes a membership row. Leaving a room the user never
	// joined is a no-op.
	Leave(ctx context.Context, roomID, userID string) error

	// Memberships returns a room's roster, oldest join first.
	Memberships(ctx context.Context, roomID string) ([]Membership, error)

	// RoomsOf returns the rooms a user belongs to, oldest join first.
	RoomsOf(ctx context.Context, userID string) ([]Membership, error)

	// MemberCount reports the roster size without loading it.
	MemberCount(ctx context.Context, roomID string) (int, error)

	// UpsertPresence writes a user's presence row, replacing any
	// previous one. A zero LastSeen is filled with the current time.
	UpsertPresence(ctx context.Context, p Presence) error

	// Presences returns the presence rows for the given users. Users
	// without a row are simply absent from the result.
	Presences(ctx context.Context, userIDs []string) ([]Presence, error)

	// UpsertTyping writes a user's typing row for one room. A zero
	// LastTyped is filled with the current time.
	UpsertTyping(ctx context.Context, t Typing) error

	// TypingInRoom returns every typing row for a room, fresh or not.
	TypingInRoom(ctx context.Context, roomID string) ([]Typing, error)

	// InsertMessage stores a message and returns the committed row.
	// When m.ClientToken matches an existing row, that original row is
	// returned and nothing is written or published. An empty ID is
	// replaced with a fresh one.
	InsertMessage(ctx context.Context, m Message) (Message, error)

	// RecentMessages returns up to limit messages for a room, oldest
	// first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
}
