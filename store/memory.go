package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soseconnect/globe-chat/feed"
)

// Memory implements Store on guarded maps. It mirrors the Postgres
// semantics exactly, including idempotent joins, token deduplication
// and change-event publishing, so coordinator and gateway behavior can
// be exercised without a database.
type Memory struct {
	events feed.Publisher
	log    *slog.Logger

	mu          sync.Mutex
	memberships map[string]map[string]Membership
	presence    map[string]Presence
	typing      map[string]map[string]Typing
	messages    []Message
	msgByToken  map[string]int
}

// NewMemory builds an empty in-memory store. events may be nil.
func NewMemory(events feed.Publisher) *Memory {
	return &Memory{
		events:      events,
		log:         slog.Default(),
		memberships: make(map[string]map[string]Membership),
		presence:    make(map[string]Presence),
		typing:      make(map[string]map[string]Typing),
		msgByToken:  make(map[string]int),
	}
}

func (s *Memory) notify(ctx context.Context, table string, op feed.Op, key string, row any) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(row)
	if err != nil {
		s.log.Error("store: encode change event", "table", table, "err", err)
		return
	}
	ev := feed.Event{Table: table, Op: op, Key: key, Row: raw, At: time.Now().UTC()}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("store: change event dropped", "table", table, "op", string(op), "err", err)
	}
}

func (s *Memory) Join(ctx context.Context, m Membership) error {
	if m.RoomID == "" || m.UserID == "" {
		return errors.New("join: empty room or user id")
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}

	s.mu.Lock()
	room := s.memberships[m.RoomID]
	if room == nil {
		room = make(map[string]Membership)
		s.memberships[m.RoomID] = room
	}
	if _, ok := room[m.UserID]; ok {
		s.mu.Unlock()
		return nil
	}
	room[m.UserID] = m
	s.mu.Unlock()

	s.notify(ctx, TableMembership, feed.OpInsert, m.RoomID, m)
	return nil
}

func (s *Memory) Leave(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return errors.New("leave: empty room or user id")
	}

	s.mu.Lock()
	room := s.memberships[roomID]
	old, ok := room[userID]
	if ok {
		delete(room, userID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	s.notify(ctx, TableMembership, feed.OpDelete, roomID, old)
	return nil
}

func (s *Memory) Memberships(ctx context.Context, roomID string) ([]Membership, error) {
	s.mu.Lock()
	room := s.memberships[roomID]
	out := make([]Membership, 0, len(room))
	for _, m := range room {
		out = append(out, m)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *Memory) RoomsOf(ctx context.Context, userID string) ([]Membership, error) {
	s.mu.Lock()
	var out []Membership
	for _, room := range s.memberships {
		if m, ok := room[userID]; ok {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out, nil
}

func (s *Memory) MemberCount(ctx context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memberships[roomID]), nil
}

func (s *Memory) UpsertPresence(ctx context.Context, p Presence) error {
	if p.UserID == "" {
		return errors.New("upsert presence: empty user id")
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}

	s.mu.Lock()
	s.presence[p.UserID] = p
	s.mu.Unlock()

	s.notify(ctx, TablePresence, feed.OpUpdate, p.UserID, p)
	return nil
}

func (s *Memory) Presences(ctx context.Context, userIDs []string) ([]Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Presence
	for _, id := range userIDs {
		if p, ok := s.presence[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Memory) UpsertTyping(ctx context.Context, t Typing) error {
	if t.RoomID == "" || t.UserID == "" {
		return errors.New("upsert typing: empty room or user id")
	}
	if t.LastTyped.IsZero() {
		t.LastTyped = time.Now().UTC()
	}

	s.mu.Lock()
	room := s.typing[t.RoomID]
	if room == nil {
		room = make(map[string]Typing)
		s.typing[t.RoomID] = room
	}
	room[t.UserID] = t
	s.mu.Unlock()

	s.notify(ctx, TableTyping, feed.OpUpdate, t.RoomID, t)
	return nil
}

func (s *Memory) TypingInRoom(ctx context.Context, roomID string) ([]Typing, error) {
	s.mu.Lock()
	room := s.typing[roomID]
	out := make([]Typing, 0, len(room))
	for _, t := range room {
		out = append(out, t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *Memory) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.RoomID == "" || m.UserID == "" {
		return Message{}, errors.New("insert message: empty room or user id")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if m.ClientToken != "" {
		if i, ok := s.msgByToken[m.ClientToken]; ok {
			got := s.messages[i]
			s.mu.Unlock()
			return got, nil
		}
	}
	s.messages = append(s.messages, m)
	if m.ClientToken != "" {
		s.msgByToken[m.ClientToken] = len(s.messages) - 1
	}
	s.mu.Unlock()

	s.notify(ctx, TableMessages, feed.OpInsert, m.RoomID, m)
	return m, nil
}

func (s *Memory) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	var all []Message
	for _, m := range s.messages {
		if m.RoomID == roomID {
			all = append(all, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
