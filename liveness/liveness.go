// Package liveness decides whether a liveness timestamp is still
// trustworthy. Every "who is online" and "who is typing" rendering
// decision in this module reduces to IsLive over one of the two fixed
// windows, so the function is kept pure and free of any clock or
// network dependency.
package liveness

import "time"

// System-wide staleness windows. The source history disagreed on the
// exact values (60-120s online, 3-10s typing); these are the fixed
// policy choices. Callers that need different policy pass their own
// window to IsLive.
const (
	// OnlineWindow is how long a presence heartbeat keeps a user online.
	OnlineWindow = 60 * time.Second

	// TypingWindow is how long a typing assertion keeps the indicator lit.
	TypingWindow = 5 * time.Second
)

// IsLive reports whether ts is recent enough, at instant now, to count
// as a live signal. The boundary is exclusive: a timestamp exactly
// window old is already stale.
func IsLive(ts time.Time, window time.Duration, now time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return now.Sub(ts) < window
}
