package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jkindrix/callcore/internal/database"
	"github.com/jkindrix/callcore/internal/domain"
)

// QuerierSource hands out the querier for a context: the transaction stored
// in ctx when there is one, the pool otherwise. database.TxManager is one.
type QuerierSource interface {
	GetQuerier(ctx context.Context) database.Querier
}

// CallLogRepository implements domain.CallLogRepository using PostgreSQL.
type CallLogRepository struct {
	db    QuerierSource
	guard *Guard
}

var _ domain.CallLogRepository = (*CallLogRepository)(nil)

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db QuerierSource) *CallLogRepository {
	return &CallLogRepository{db: db, guard: NewGuard()}
}

var (
	insertCallLogSQL = "INSERT INTO call_log (" + CallLogColumns.Select() + ") VALUES (" +
		CallLogColumns.Placeholders() + ") ON CONFLICT (call_id) DO NOTHING"
	selectCallLogSQL = "SELECT " + CallLogColumns.Select() + " FROM call_log"
)

// Create inserts an entry. A call is logged at most once; a second entry for
// the same call is ignored.
func (r *CallLogRepository) Create(ctx context.Context, e *domain.CallLogEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	_, err := r.db.GetQuerier(ctx).Exec(ctx, insertCallLogSQL,
		e.ID,
		e.CallID,
		string(e.Kind),
		e.Direction,
		e.Address,
		e.AccountPackage,
		e.AccountService,
		e.AccountID,
		e.User,
		e.Video,
		e.Emergency,
		e.SelfManaged,
		e.DisconnectCode,
		e.DisconnectReason,
		e.MissedReason,
		e.CreatedAt,
		e.ConnectedAt,
		e.EndedAt,
		e.Duration.Milliseconds(),
		e.Notified,
		e.LoggedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert call log entry: %w", err)
	}
	return nil
}

// GetByCallID retrieves the entry of a call.
func (r *CallLogRepository) GetByCallID(ctx context.Context, callID string) (*domain.CallLogEntry, error) {
	if err := r.guard.RequireString(callID, "call_id"); err != nil {
		return nil, err
	}
	ctx, cancel := WithQueryTimeout(ctx)
	defer cancel()

	e, err := scanCallLog(r.db.GetQuerier(ctx).QueryRow(ctx, selectCallLogSQL+" WHERE call_id = $1", callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get call log entry: %w", err)
	}
	return e, nil
}

// List retrieves entries, newest first.
func (r *CallLogRepository) List(ctx context.Context, limit, offset int) ([]*domain.CallLogEntry, error) {
	limit, offset = r.guard.NormalizePagination(limit, offset)
	return r.list(ctx, selectCallLogSQL+" ORDER BY logged_at DESC LIMIT $1 OFFSET $2", limit, offset)
}

// ListByKind retrieves entries of one kind, newest first.
func (r *CallLogRepository) ListByKind(ctx context.Context, kind domain.CallLogKind, limit, offset int) ([]*domain.CallLogEntry, error) {
	if err := r.guard.RequireKind(kind); err != nil {
		return nil, err
	}
	limit, offset = r.guard.NormalizePagination(limit, offset)
	return r.list(ctx, selectCallLogSQL+" WHERE kind = $1 ORDER BY logged_at DESC LIMIT $2 OFFSET $3",
		string(kind), limit, offset)
}

// Count returns the number of entries.
func (r *CallLogRepository) Count(ctx context.Context) (int, error) {
	ctx, cancel := WithQueryTimeout(ctx)
	defer cancel()

	var count int
	if err := r.db.GetQuerier(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM call_log").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count call log entries: %w", err)
	}
	return count, nil
}

// DeleteOlderThan prunes entries logged before cutoff.
func (r *CallLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	tag, err := r.db.GetQuerier(ctx).Exec(ctx, "DELETE FROM call_log WHERE logged_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune call log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *CallLogRepository) list(ctx context.Context, query string, args ...any) ([]*domain.CallLogEntry, error) {
	ctx, cancel := WithListQueryTimeout(ctx)
	defer cancel()

	rows, err := r.db.GetQuerier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query call log: %w", err)
	}
	defer rows.Close()

	var entries []*domain.CallLogEntry
	for rows.Next() {
		e, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call log rows: %w", err)
	}
	return entries, nil
}

func scanCallLog(row pgx.Row) (*domain.CallLogEntry, error) {
	var (
		e          domain.CallLogEntry
		kind       string
		durationMS int64
	)
	err := row.Scan(
		&e.ID,
		&e.CallID,
		&kind,
		&e.Direction,
		&e.Address,
		&e.AccountPackage,
		&e.AccountService,
		&e.AccountID,
		&e.User,
		&e.Video,
		&e.Emergency,
		&e.SelfManaged,
		&e.DisconnectCode,
		&e.DisconnectReason,
		&e.MissedReason,
		&e.CreatedAt,
		&e.ConnectedAt,
		&e.EndedAt,
		&durationMS,
		&e.Notified,
		&e.LoggedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = domain.CallLogKind(kind)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return &e, nil
}
