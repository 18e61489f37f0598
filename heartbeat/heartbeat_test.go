package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartFiresImmediately(t *testing.T) {
	var beats atomic.Int32
	s := New(Config{
		Interval: time.Hour,
		Beat:     func(context.Context) { beats.Add(1) },
	})
	defer s.Stop()

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	if got := beats.Load(); got != 1 {
		t.Errorf("Expected 1 immediate beat, got %d", got)
	}
}

func TestPeriodicBeats(t *testing.T) {
	var beats atomic.Int32
	s := New(Config{
		Interval: 20 * time.Millisecond,
		Beat:     func(context.Context) { beats.Add(1) },
	})
	defer s.Stop()

	s.Start(context.Background())
	time.Sleep(110 * time.Millisecond)

	if got := beats.Load(); got < 4 {
		t.Errorf("Expected at least 4 beats after 110ms at 20ms interval, got %d", got)
	}
}

func TestWakeBeatsImmediately(t *testing.T) {
	var beats atomic.Int32
	s := New(Config{
		Interval: time.Hour,
		Beat:     func(context.Context) { beats.Add(1) },
	})
	defer s.Stop()

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	s.Wake()
	time.Sleep(50 * time.Millisecond)

	if got := beats.Load(); got != 2 {
		t.Errorf("Expected 2 beats after start plus wake, got %d", got)
	}
}

func TestWakeCoalesces(t *testing.T) {
	var beats atomic.Int32
	block := make(chan struct{})
	s := New(Config{
		Interval: time.Hour,
		Beat: func(context.Context) {
			if beats.Add(1) == 1 {
				<-block
			}
		},
	})
	defer s.Stop()

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	// The goroutine is parked inside the first beat, so these all
	// queue against a full wake channel and must collapse into one.
	s.Wake()
	s.Wake()
	s.Wake()
	close(block)
	time.Sleep(50 * time.Millisecond)

	if got := beats.Load(); got != 2 {
		t.Errorf("Expected 3 wakes to coalesce into 1 beat (2 total), got %d", got)
	}
}

func TestStopRunsFinalOnce(t *testing.T) {
	var finals atomic.Int32
	s := New(Config{
		Interval: time.Hour,
		Beat:     func(context.Context) {},
		Final:    func(context.Context) { finals.Add(1) },
	})

	s.Start(context.Background())
	s.Stop()
	s.Stop()

	if got := finals.Load(); got != 1 {
		t.Errorf("Expected final to run exactly once across two stops, got %d", got)
	}
}

func TestStopWithoutStartStillRunsFinal(t *testing.T) {
	var finals atomic.Int32
	s := New(Config{
		Interval: time.Hour,
		Beat:     func(context.Context) {},
		Final:    func(context.Context) { finals.Add(1) },
	})

	s.Stop()

	if got := finals.Load(); got != 1 {
		t.Errorf("Expected final to run on stop of a never-started scheduler, got %d", got)
	}
}

func TestNoBeatsAfterStop(t *testing.T) {
	var beats atomic.Int32
	s := New(Config{
		Interval: 10 * time.Millisecond,
		Beat:     func(context.Context) { beats.Add(1) },
	})

	s.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	at := beats.Load()
	s.Wake()
	time.Sleep(40 * time.Millisecond)

	if got := beats.Load(); got != at {
		t.Errorf("Expected no beats after stop, got %d more", got-at)
	}
}

func TestStartAfterStopIsNoop(t *testing.T) {
	var beats atomic.Int32
	s := New(Config{
		Interval: 10 * time.Millisecond,
		Beat:     func(context.Context) { beats.Add(1) },
	})

	s.Stop()
	s.Start(context.Background())
	time.Sleep(40 * time.Millisecond)

	if got := beats.Load(); got != 0 {
		t.Errorf("Expected no beats when started after stop, got %d", got)
	}
}
