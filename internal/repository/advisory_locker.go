package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// AdvisoryLocker serializes work on an approval across service replicas with
// a session-level PostgreSQL advisory lock keyed by the approval id.
type AdvisoryLocker struct {
	db *database.DB
}

// NewAdvisoryLocker creates a new AdvisoryLocker.
func NewAdvisoryLocker(db *database.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// WithLock holds the approval's advisory lock while fn runs. Waiting for the
// lock is abandoned when ctx is done.
func (l *AdvisoryLocker) WithLock(ctx context.Context, approvalID int64, fn func(ctx context.Context) error) error {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to acquire database connection")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, approvalID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to lock approval")
	}
	defer func() {
		// The lock belongs to the session; a connection that cannot unlock
		// must not go back to the pool still holding it.
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, approvalID); err != nil {
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
		}
	}()

	return fn(ctx)
}
