package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no call log entry matches.
var ErrNotFound = errors.New("call log entry not found")

// Timeouts bound each kind of statement. The call-log writer runs off the
// event loop, but a stuck pool must still not pile up batches forever.
type Timeouts struct {
	Query       time.Duration
	List        time.Duration
	Write       time.Duration
	Transaction time.Duration
}

// DefaultTimeouts are used by the package-level helpers.
var DefaultTimeouts = Timeouts{
	Query:       5 * time.Second,
	List:        10 * time.Second,
	Write:       10 * time.Second,
	Transaction: 30 * time.Second,
}

// WithQueryTimeout bounds a single-row lookup.
func WithQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return within(ctx, DefaultTimeouts.Query)
}

// WithListQueryTimeout bounds a page of call log entries.
func WithListQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return within(ctx, DefaultTimeouts.List)
}

// WithWriteTimeout bounds an insert or a prune.
func WithWriteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return within(ctx, DefaultTimeouts.Write)
}

// WithTransactionTimeout bounds a batch written in one transaction.
func WithTransactionTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return within(ctx, DefaultTimeouts.Transaction)
}

// within leaves ctx alone when its own deadline is already sooner.
func within(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
