package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Memory is an in-process feed. Publish delivers synchronously on the
// caller's goroutine, so a caller that publishes and then inspects
// subscriber state sees the handlers' effects immediately. Break
// severs the transport the way a lost NATS connection would, which
// makes reconnect behavior testable without a broker.
type Memory struct {
	mu   sync.Mutex
	subs map[*memSub]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[*memSub]struct{})}
}

func (m *Memory) Subscribe(ctx context.Context, spec Spec) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Table == "" {
		return nil, errors.New("subscribe: empty table")
	}
	if spec.Handler == nil {
		return nil, errors.New("subscribe: nil handler")
	}

	s := &memSub{feed: m, spec: spec}
	s.state.Store(int32(StateActive))
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) Publish(ctx context.Context, ev Event) error {
	if ev.Table == "" || ev.Key == "" {
		return errors.New("publish: event needs table and key")
	}
	m.mu.Lock()
	targets := make([]*memSub, 0, len(m.subs))
	for s := range m.subs {
		if s.matches(ev) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		if s.State() == StateActive {
			s.spec.Handler(ev)
		}
	}
	return nil
}

// Break severs the transport: every open subscription reports closed
// with err, exactly as a dropped connection would. The feed itself
// stays usable, so owners can subscribe again afterwards.
func (m *Memory) Break(err error) {
	if err == nil {
		err = ErrClosed
	}
	m.mu.Lock()
	dead := make([]*memSub, 0, len(m.subs))
	for s := range m.subs {
		dead = append(dead, s)
	}
	m.subs = make(map[*memSub]struct{})
	m.mu.Unlock()

	for _, s := range dead {
		s.die(err)
	}
}

// Live reports how many subscriptions are currently open.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type memSub struct {
	feed  *Memory
	spec  Spec
	state atomic.Int32
	once  sync.Once
}

func (s *memSub) matches(ev Event) bool {
	return s.spec.Table == ev.Table && (s.spec.Key == "" || s.spec.Key == ev.Key)
}

func (s *memSub) State() State {
	return State(s.state.Load())
}

func (s *memSub) Unsubscribe() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
	})
}

func (s *memSub) die(err error) {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.spec.OnClose != nil {
			s.spec.OnClose(err)
		}
	})
}
