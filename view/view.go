// Package view keeps an ordered, deduplicated message list for one
// room as a client sees it: committed rows in timestamp order, plus
// optimistically staged sends pinned at the tail until the store
// confirms or rejects them. Reconciliation matches on the client token
// alone, so a confirmation replaces the staged copy no matter how its
// server-assigned id or timestamp differs from the guess.
package view

import (
	"sort"
	"sync"

	"github.com/soseconnect/globe-chat/store"
)

// Optimistic is safe for concurrent use.
type Optimistic struct {
	limit int

	mu        sync.Mutex
	committed []store.Message
	seen      map[string]struct{}
	staged    []store.Message
}

// NewOptimistic builds an empty view. limit bounds how many committed
// messages are retained, oldest evicted first; zero or negative means
// unbounded. Staged messages are never evicted.
func NewOptimistic(limit int) *Optimistic {
	return &Optimistic{
		limit: limit,
		seen:  make(map[string]struct{}),
	}
}

// Stage adds a not-yet-committed message to the tail of the view. The
// message must carry a ClientToken; without one there is nothing to
// reconcile against later.
func (v *Optimistic) Stage(m store.Message) {
	if m.ClientToken == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, s := range v.staged {
		if s.ClientToken == m.ClientToken {
			v.staged[i] = m
			return
		}
	}
	v.staged = append(v.staged, m)
}

// Confirm folds a committed row into the view. Any staged message with
// the same client token is dropped in its favor; a row whose id is
// already present changes nothing. Reports whether the view changed,
// so callers skip pushing duplicate echoes.
func (v *Optimistic) Confirm(m store.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	changed := false
	if m.ClientToken != "" {
		for i, s := range v.staged {
			if s.ClientToken == m.ClientToken {
				v.staged = append(v.staged[:i], v.staged[i+1:]...)
				changed = true
				break
			}
		}
	}
	if _, dup := v.seen[m.ID]; dup {
		return changed
	}
	v.seen[m.ID] = struct{}{}
	v.insert(m)
	v.trim()
	return true
}

// Fail drops a staged message whose send did not go through. Reports
// whether anything was staged under the token.
func (v *Optimistic) Fail(token string) bool {
	if token == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, s := range v.staged {
		if s.ClientToken == token {
			v.staged = append(v.staged[:i], v.staged[i+1:]...)
			return true
		}
	}
	return false
}

// Hydrate folds a batch of committed rows into the view, typically the
// recent history fetched after subscribing. Order of the input does
// not matter.
func (v *Optimistic) Hydrate(msgs []store.Message) {
	for _, m := range msgs {
		v.Confirm(m)
	}
}

// Snapshot returns the view in display order: committed rows oldest
// first, then staged rows in the order they were staged.
func (v *Optimistic) Snapshot() []store.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]store.Message, 0, len(v.committed)+len(v.staged))
	out = append(out, v.committed...)
	out = append(out, v.staged...)
	return out
}

// Pending reports how many staged messages await confirmation.
func (v *Optimistic) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.staged)
}

func (v *Optimistic) insert(m store.Message) {
	i := sort.Search(len(v.committed), func(i int) bool {
		c := v.committed[i]
		if !c.CreatedAt.Equal(m.CreatedAt) {
			return c.CreatedAt.After(m.CreatedAt)
		}
		return c.ID > m.ID
	})
	v.committed = append(v.committed, store.Message{})
	copy(v.committed[i+1:], v.committed[i:])
	v.committed[i] = m
}

func (v *Optimistic) trim() {
	if v.limit <= 0 || len(v.committed) <= v.limit {
		return
	}
	evicted := v.committed[:len(v.committed)-v.limit]
	for _, m := range evicted {
		delete(v.seen, m.ID)
	}
	v.committed = append([]store.Message(nil), v.committed[len(v.committed)-v.limit:]...)
}
