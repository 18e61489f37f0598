package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/soseconnect/globe-chat/feed"
	"github.com/soseconnect/globe-chat/pkg/otelhelper"
)

var (
	rowWrites = otelhelper.NewCounter("store.writes",
		"Rows written, by table and op")
	queryDuration = otelhelper.NewDurationHistogram("store.query.duration",
		"Row store query latency")
	droppedEvents = otelhelper.NewCounter("store.events.dropped",
		"Change events that could not be published")
)

// Postgres implements Store on database/sql with the pq driver. Writes
// that change a row publish a change event after commit; event
// publishing is best effort and never fails the write, because the
// feed is a latency optimization over a store readers can always
// re-query.
type Postgres struct {
	db     *sql.DB
	events feed.Publisher
	log    *slog.Logger
}

// NewPostgres wraps an open database handle. events may be nil, in
// which case writes are silent; tooling that only migrates or inspects
// uses that mode.
func NewPostgres(db *sql.DB, events feed.Publisher, log *slog.Logger) *Postgres {
	if log == nil {
		log = slog.Default()
	}
	return &Postgres{db: db, events: events, log: log}
}

// failure tags an error as store unavailability while keeping the
// driver error in the chain.
func failure(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

func (s *Postgres) notify(ctx context.Context, table string, op feed.Op, key string, row any) {
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
		droppedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
		s.log.Warn("store: change event dropped", "table", table, "op", string(op), "err", err)
	}
}

func observe(ctx context.Context, table string, start time.Time) {
	queryDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("table", table)))
}

func wrote(ctx context.Context, table string, op feed.Op) {
	rowWrites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("op", string(op)),
	))
}

func (s *Postgres) Join(ctx context.Context, m Membership) error {
	if m.RoomID == "" || m.UserID == "" {
		return errors.New("join: empty room or user id")
	}
	var joinedAt any
	if !m.JoinedAt.IsZero() {
		joinedAt = m.JoinedAt.UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO membership (room_id, user_id, joined_at, is_admin)
		 VALUES ($1, $2, COALESCE($3::timestamptz, NOW()), $4)
		 ON CONFLICT (room_id, user_id) DO NOTHING
		 RETURNING joined_at`,
		m.RoomID, m.UserID, joinedAt, m.IsAdmin).Scan(&m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Already a member. The existing row stands untouched.
		return nil
	}
	if err != nil {
		return failure("join", err)
	}
	wrote(ctx, TableMembership, feed.OpInsert)
	s.notify(ctx, TableMembership, feed.OpInsert, m.RoomID, m)
	return nil
}

func (s *Postgres) Leave(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return errors.New("leave: empty room or user id")
	}
	old := Membership{RoomID: roomID, UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM membership WHERE room_id = $1 AND user_id = $2
		 RETURNING joined_at, is_admin`,
		roomID, userID).Scan(&old.JoinedAt, &old.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		// Never joined, nothing to do.
		return nil
	}
	if err != nil {
		return failure("leave", err)
	}
	wrote(ctx, TableMembership, feed.OpDelete)
	s.notify(ctx, TableMembership, feed.OpDelete, roomID, old)
	return nil
}

func (s *Postgres) Memberships(ctx context.Context, roomID string) ([]Membership, error) {
	defer observe(ctx, TableMembership, time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, user_id, joined_at, is_admin
		 FROM membership WHERE room_id = $1 ORDER BY joined_at, user_id`,
		roomID)
	if err != nil {
		return nil, failure("memberships", err)
	}
	return scanMemberships(rows)
}

func (s *Postgres) RoomsOf(ctx context.Context, userID string) ([]Membership, error) {
	defer observe(ctx, TableMembership, time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, user_id, joined_at, is_admin
		 FROM membership WHERE user_id = $1 ORDER BY joined_at, room_id`,
		userID)
	if err != nil {
		return nil, failure("rooms of", err)
	}
	return scanMemberships(rows)
}

func scanMemberships(rows *sql.Rows) ([]Membership, error) {
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.JoinedAt, &m.IsAdmin); err != nil {
			return nil, failure("scan membership", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("memberships", err)
	}
	return out, nil
}

func (s *Postgres) MemberCount(ctx context.Context, roomID string) (int, error) {
	defer observe(ctx, TableMembership, time.Now())
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM membership WHERE room_id = $1`, roomID).Scan(&n)
	if err != nil {
		return 0, failure("member count", err)
	}
	return n, nil
}

func (s *Postgres) UpsertPresence(ctx context.Context, p Presence) error {
	if p.UserID == "" {
		return errors.New("upsert presence: empty user id")
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (user_id, is_online, last_seen, current_room_id)
		 VALUES ($1, $2, $3, NULLIF($4, ''))
		 ON CONFLICT (user_id) DO UPDATE SET
		   is_online = EXCLUDED.is_online,
		   last_seen = EXCLUDED.last_seen,
		   current_room_id = EXCLUDED.current_room_id`,
		p.UserID, p.IsOnline, p.LastSeen.UTC(), p.CurrentRoomID)
	if err != nil {
		return failure("upsert presence", err)
	}
	wrote(ctx, TablePresence, feed.OpUpdate)
	s.notify(ctx, TablePresence, feed.OpUpdate, p.UserID, p)
	return nil
}

func (s *Postgres) Presences(ctx context.Context, userIDs []string) ([]Presence, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	defer observe(ctx, TablePresence, time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, is_online, last_seen, COALESCE(current_room_id, '')
		 FROM presence WHERE user_id = ANY($1)`,
		pq.Array(userIDs))
	if err != nil {
		return nil, failure("presences", err)
	}
	defer rows.Close()
	var out []Presence
	for rows.Next() {
		var p Presence
		if err := rows.Scan(&p.UserID, &p.IsOnline, &p.LastSeen, &p.CurrentRoomID); err != nil {
			return nil, failure("scan presence", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("presences", err)
	}
	return out, nil
}

func (s *Postgres) UpsertTyping(ctx context.Context, t Typing) error {
	if t.RoomID == "" || t.UserID == "" {
		return errors.New("upsert typing: empty room or user id")
	}
	if t.LastTyped.IsZero() {
		t.LastTyped = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO typing (room_id, user_id, is_typing, last_typed)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, user_id) DO UPDATE SET
		   is_typing = EXCLUDED.is_typing,
		   last_typed = EXCLUDED.last_typed`,
		t.RoomID, t.UserID, t.IsTyping, t.LastTyped.UTC())
	if err != nil {
		return failure("upsert typing", err)
	}
	wrote(ctx, TableTyping, feed.OpUpdate)
	s.notify(ctx, TableTyping, feed.OpUpdate, t.RoomID, t)
	return nil
}

func (s *Postgres) TypingInRoom(ctx context.Context, roomID string) ([]Typing, error) {
	defer observe(ctx, TableTyping, time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, user_id, is_typing, last_typed
		 FROM typing WHERE room_id = $1`,
		roomID)
	if err != nil {
		return nil, failure("typing in room", err)
	}
	defer rows.Close()
	var out []Typing
	for rows.Next() {
		var t Typing
		if err := rows.Scan(&t.RoomID, &t.UserID, &t.IsTyping, &t.LastTyped); err != nil {
			return nil, failure("scan typing", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("typing in room", err)
	}
	return out, nil
}

func (s *Postgres) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.RoomID == "" || m.UserID == "" {
		return Message{}, errors.New("insert message: empty room or user id")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	newID := m.ID

	// The no-op DO UPDATE makes RETURNING yield the surviving row on a
	// client token collision, so a retry gets the original message back.
	var got Message
	var token sql.NullString
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, room_id, user_id, body, client_token, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		 ON CONFLICT (client_token) DO UPDATE SET client_token = EXCLUDED.client_token
		 RETURNING id, room_id, user_id, body, client_token, created_at`,
		m.ID, m.RoomID, m.UserID, m.Body, m.ClientToken, m.CreatedAt.UTC()).
		Scan(&got.ID, &got.RoomID, &got.UserID, &got.Body, &token, &got.CreatedAt)
	if err != nil {
		return Message{}, failure("insert message", err)
	}
	got.ClientToken = token.String

	if got.ID != newID {
		// Deduplicated: the token was already committed.
		return got, nil
	}
	wrote(ctx, TableMessages, feed.OpInsert)
	s.notify(ctx, TableMessages, feed.OpInsert, got.RoomID, got)
	return got, nil
}

func (s *Postgres) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	defer observe(ctx, TableMessages, time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, body, COALESCE(client_token, ''), created_at
		 FROM messages WHERE room_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		roomID, limit)
	if err != nil {
		return nil, failure("recent messages", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Body, &m.ClientToken, &m.CreatedAt); err != nil {
			return nil, failure("scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("recent messages", err)
	}
	// Newest-first from the index, oldest-first for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
