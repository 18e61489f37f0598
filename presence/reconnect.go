package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/soseconnect/globe-chat/feed"
)

// retryWire re-runs attempt with exponential backoff until it succeeds
// or ctx is canceled. Used by the coordinators to rebuild their feed
// subscriptions; each attempt tears down its own partial state, so
// retries never stack subscriptions.
func retryWire(ctx context.Context, initial, max time.Duration, log *slog.Logger, attempt func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0

	op := func() error {
		if err := attempt(ctx); err != nil {
			log.Warn("feed rewire attempt failed", "err", err)
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func decodeRow(ev feed.Event, into any) error {
	return json.Unmarshal(ev.Row, into)
}
