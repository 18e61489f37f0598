// Package feed carries row-change events from the store to live
// subscribers. Every committed write to a watched table is published as
// an Event; coordinators subscribe per table, optionally narrowed to a
// single key, and rebuild their in-memory views from what arrives.
//
// Delivery is best effort. A subscription that loses its transport is
// not silently repaired: it reports closed exactly once and stays dead
// until whoever owns it subscribes again. Owners are expected to
// re-hydrate from the store after re-subscribing, so a dropped event is
// a latency problem, not a correctness problem.
package feed

import (
	"context"
	"encoding/json"
	"time"
)

// Op is the kind of row change an Event describes.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one committed row change. Row holds the new row as JSON,
// except for OpDelete where it holds the row as it was before deletion.
type Event struct {
	Table string          `json:"table"`
	Op    Op              `json:"op"`
	Key   string          `json:"key"`
	Row   json.RawMessage `json:"row"`
	At    time.Time       `json:"at"`
}

// State of a subscription. Transitions run one way:
// connecting, then active, then closed.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives events for one subscription. Handlers for a given
// subscription are invoked sequentially.
type Handler func(Event)

// Spec describes one subscription.
type Spec struct {
	// Table to watch.
	Table string

	// Key narrows the subscription to rows whose change key equals
	// this value. Empty means every row in the table.
	Key string

	// Handler receives matching events while the subscription is
	// active.
	Handler Handler

	// OnClose, when set, fires exactly once if the subscription dies
	// for any reason other than Unsubscribe. The owner decides whether
	// and when to subscribe again; nothing here retries.
	OnClose func(error)
}

// Subscription is a live watch on a table. Exactly one owner holds it;
// that owner is responsible for calling Unsubscribe.
type Subscription interface {
	// State reports where the subscription is in its lifecycle.
	State() State

	// Unsubscribe tears the subscription down. Idempotent. OnClose
	// does not fire for a voluntary Unsubscribe.
	Unsubscribe()
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, spec Spec) (Subscription, error)
}

// Publisher emits committed row changes. The store calls this after
// every successful write.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
