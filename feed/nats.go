package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/soseconnect/globe-chat/pkg/otelhelper"
)

const subjectPrefix = "rowchange"

// ErrClosed reports that the feed connection went away underneath an
// operation or subscription.
var ErrClosed = errors.New("feed connection closed")

var (
	publishedEvents = otelhelper.NewCounter("feed.published",
		"Row-change events published")
	receivedEvents = otelhelper.NewCounter("feed.received",
		"Row-change events delivered to subscribers")
)

// SubjectFor returns the subject for a table and key. An empty key
// yields the wildcard subject matching every key in the table. Keys
// are row identifiers (UUIDs in practice) and must not contain NATS
// token separators.
func SubjectFor(table, key string) string {
	if key == "" {
		return subjectPrefix + "." + table + ".>"
	}
	return subjectPrefix + "." + table + "." + key
}

// Conn is the NATS-backed feed. The underlying connection never
// reconnects on its own: when it drops, every subscription riding it
// reports closed exactly once and stays dead. The next Subscribe or
// Publish dials fresh. Repair lives with the subscription owner, so an
// owner that tears down before re-subscribing holds at most one live
// subscription per concern at any moment.
type Conn struct {
	url  string
	name string
	log  *slog.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	subs   map[*natsSub]struct{}
	closed bool
}

// Dial connects to the feed. The first dial is eager so startup fails
// fast when NATS is unreachable.
func Dial(url, name string, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		url:  url,
		name: name,
		log:  log,
		subs: make(map[*natsSub]struct{}),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.liveLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// liveLocked returns a usable connection, dialing one if the previous
// connection is gone. Caller holds c.mu.
func (c *Conn) liveLocked() (*nats.Conn, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.nc != nil && !c.nc.IsClosed() {
		return c.nc, nil
	}
	nc, err := nats.Connect(c.url,
		nats.Name(c.name),
		nats.NoReconnect(),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.lost(nc, nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	c.nc = nc
	return nc, nil
}

// lost kills the subscriptions riding a closed connection. A newer
// connection may already be installed with its own subscriptions, so
// only the victims of this particular connection are touched.
func (c *Conn) lost(closed *nats.Conn, err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	var dead []*natsSub
	for s := range c.subs {
		if s.nc == closed {
			dead = append(dead, s)
			delete(c.subs, s)
		}
	}
	if c.nc == closed {
		c.nc = nil
	}
	c.mu.Unlock()

	if len(dead) > 0 {
		c.log.Warn("feed connection lost", "err", err, "subscriptions", len(dead))
	}
	for _, s := range dead {
		s.die(err)
	}
}

func (c *Conn) forget(s *natsSub) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

// Subscribe opens a watch on one table, narrowed to spec.Key unless it
// is empty. If the connection died since the last use, this dials a
// new one.
func (c *Conn) Subscribe(ctx context.Context, spec Spec) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Table == "" {
		return nil, errors.New("subscribe: empty table")
	}
	if spec.Handler == nil {
		return nil, errors.New("subscribe: nil handler")
	}

	s := &natsSub{conn: c, spec: spec}
	s.state.Store(int32(StateConnecting))

	c.mu.Lock()
	nc, err := c.liveLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	s.nc = nc
	subject := SubjectFor(spec.Table, spec.Key)
	nsub, err := nc.Subscribe(subject, s.deliver)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = nsub
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
	c.log.Debug("feed subscribed", "subject", subject)
	return s, nil
}

// Publish emits one committed row change.
func (c *Conn) Publish(ctx context.Context, ev Event) error {
	if ev.Table == "" || ev.Key == "" {
		return errors.New("publish: event needs table and key")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish: encode event: %w", err)
	}

	c.mu.Lock()
	nc, err := c.liveLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	subject := SubjectFor(ev.Table, ev.Key)
	if err := otelhelper.TracedPublish(ctx, nc, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	publishedEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", ev.Table),
		attribute.String("op", string(ev.Op)),
	))
	return nil
}

// Close drains the connection. Open subscriptions report closed with
// ErrClosed once the drain completes.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	nc := c.nc
	c.mu.Unlock()

	if nc != nil && !nc.IsClosed() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
}

type natsSub struct {
	conn  *Conn
	nc    *nats.Conn
	sub   *nats.Subscription
	spec  Spec
	state atomic.Int32
	once  sync.Once
}

func (s *natsSub) State() State {
	return State(s.state.Load())
}

func (s *natsSub) Unsubscribe() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		s.conn.forget(s)
		_ = s.sub.Unsubscribe()
	})
}

// die marks the subscription closed due to transport loss and tells
// the owner. Never called for a voluntary Unsubscribe.
func (s *natsSub) die(err error) {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.spec.OnClose != nil {
			s.spec.OnClose(err)
		}
	})
}

func (s *natsSub) deliver(m *nats.Msg) {
	if s.State() != StateActive {
		return
	}
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), m, "feed.deliver")
	defer span.End()

	var ev Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		span.RecordError(err)
		s.conn.log.Warn("feed: dropping undecodable event", "subject", m.Subject, "err", err)
		return
	}
	receivedEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", ev.Table),
		attribute.String("op", string(ev.Op)),
	))
	s.spec.Handler(ev)
}
