// Package heartbeat provides the periodic liveness pulse used by a
// presence session. A Scheduler owns exactly one timer goroutine; Wake
// injects an immediate out-of-band beat (visibility regained, network
// back), and Stop is the single teardown point that also emits the
// final "going offline" pulse. One coordinator owns one scheduler per
// concern, so a single Stop releases everything it armed.
package heartbeat

import (
	"context"
	"sync"
	"time"
)

// finalTimeout bounds the final pulse so teardown cannot hang on a
// dead store.
const finalTimeout = 3 * time.Second

// Config describes one scheduler instance.
type Config struct {
	// Interval between periodic beats. Must be positive.
	Interval time.Duration

	// Beat runs on start, on every tick, and on every Wake.
	Beat func(context.Context)

	// Final, when set, runs exactly once during Stop, after the beat
	// goroutine has exited. This is the "going offline" pulse.
	Final func(context.Context)
}

// Scheduler fires Beat on a fixed period while started. It is safe for
// concurrent use; Stop is idempotent.
type Scheduler struct {
	interval time.Duration
	beat     func(context.Context)
	final    func(context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a stopped scheduler. Call Start to begin beating.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		interval: cfg.Interval,
		beat:     cfg.Beat,
		final:    cfg.Final,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the beat goroutine. The first beat fires immediately.
// Starting twice, or after Stop, is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	// A wake queued before start is covered by the immediate first beat.
	select {
	case <-s.wake:
	default:
	}

	go s.run(ctx)
}

// Wake requests an immediate beat. Repeated wakes before the goroutine
// gets to them coalesce into one; the periodic timer is pushed back so
// a wake followed by an imminent tick does not double-fire.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the beat goroutine, waits for it to exit, then runs the
// final pulse. The final pulse runs even if the scheduler was never
// started, so teardown paths can rely on it unconditionally.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		wasRunning := s.running
		s.stopped = true
		s.running = false
		s.mu.Unlock()

		if wasRunning {
			cancel()
			<-s.done
		}
		if s.final != nil {
			ctx, cancelFinal := context.WithTimeout(context.Background(), finalTimeout)
			defer cancelFinal()
			s.final(ctx)
		}
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.beat(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		case <-s.wake:
			s.beat(ctx)
			ticker.Reset(s.interval)
		}
	}
}
