package liveness

import (
	"testing"
	"time"
)

func TestIsLive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		age    time.Duration
		window time.Duration
		want   bool
	}{
		{"fresh", 0, OnlineWindow, true},
		{"inside window", 59 * time.Second, OnlineWindow, true},
		{"one ns inside", OnlineWindow - time.Nanosecond, OnlineWindow, true},
		{"exactly window", OnlineWindow, OnlineWindow, false},
		{"past window", 61 * time.Second, OnlineWindow, false},
		{"typing fresh", 2 * time.Second, TypingWindow, true},
		{"typing exactly window", TypingWindow, TypingWindow, false},
		{"typing stale", 6 * time.Second, TypingWindow, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsLive(now.Add(-tt.age), tt.window, now)
			if got != tt.want {
				t.Errorf("IsLive(now-%v, %v) = %v, want %v", tt.age, tt.window, got, tt.want)
			}
		})
	}
}

func TestIsLiveZeroTimestamp(t *testing.T) {
	if IsLive(time.Time{}, OnlineWindow, time.Now()) {
		t.Error("Expected zero timestamp to be stale")
	}
}

func TestIsLiveFutureTimestamp(t *testing.T) {
	// Clock skew can place last_seen slightly ahead of now; a future
	// timestamp is still a live signal, not a stale one.
	now := time.Now()
	if !IsLive(now.Add(2*time.Second), OnlineWindow, now) {
		t.Error("Expected future timestamp to count as live")
	}
}
