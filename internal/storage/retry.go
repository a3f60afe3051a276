package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Write paths that race with concurrent ticks (task-state upserts from
// the event consumer, strategy counters touched by both the engine and
// the evolver) retry transient Postgres conflicts before surfacing an
// error.
const (
	conflictAttempts  = 3
	conflictBaseDelay = 25 * time.Millisecond
)

// isTransientConflict reports whether err is a Postgres serialization
// failure (40001) or deadlock (40P01), the two cases where the statement
// is safe to rerun as-is.
func isTransientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// retryOnConflict runs fn, rerunning it on transient conflicts with a
// doubled, jittered delay between attempts. Any other error, or ctx
// expiry while waiting, returns immediately.
func retryOnConflict(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isTransientConflict(err) || attempt >= attempts {
			return err
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
