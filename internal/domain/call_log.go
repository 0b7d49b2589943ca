// Package domain holds the persisted records of the call core.
package domain

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/jkindrix/callcore/internal/errors"
)

// CallLogKind is how a finished call appears in the call log.
type CallLogKind string

const (
	CallLogIncoming CallLogKind = "incoming"
	CallLogOutgoing CallLogKind = "outgoing"
	CallLogMissed   CallLogKind = "missed"
	CallLogRejected CallLogKind = "rejected"
	CallLogBlocked  CallLogKind = "blocked"
)

// CallLogKinds lists every valid kind.
var CallLogKinds = []CallLogKind{CallLogIncoming, CallLogOutgoing, CallLogMissed, CallLogRejected, CallLogBlocked}

// IsValid reports whether k is a known kind.
func (k CallLogKind) IsValid() bool {
	for _, v := range CallLogKinds {
		if k == v {
			return true
		}
	}
	return false
}

// CallLogEntry is one finished call.
type CallLogEntry struct {
	ID        uuid.UUID
	CallID    string
	Kind      CallLogKind
	Direction string
	Address   string

	AccountPackage string
	AccountService string
	AccountID      string
	User           int

	Video       bool
	Emergency   bool
	SelfManaged bool

	DisconnectCode   string
	DisconnectReason string
	MissedReason     string

	CreatedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     time.Time
	// Duration is the connected time, zero for calls that never connected.
	Duration time.Duration

	Notified bool
	LoggedAt time.Time
}

// NewCallLogEntry creates an entry with a fresh id.
func NewCallLogEntry(callID string, kind CallLogKind, loggedAt time.Time) *CallLogEntry {
	return &CallLogEntry{
		ID:       uuid.New(),
		CallID:   callID,
		Kind:     kind,
		LoggedAt: loggedAt,
	}
}

// Validate checks the fields the store requires.
func (e *CallLogEntry) Validate() error {
	if e.CallID == "" {
		return apperrors.MissingField("call_id")
	}
	if !e.Kind.IsValid() {
		return apperrors.InvalidInput("unknown call log kind: " + string(e.Kind))
	}
	if e.Duration < 0 {
		return apperrors.InvalidInput("duration must not be negative")
	}
	return nil
}

// CallLogRepository defines call log persistence.
type CallLogRepository interface {
	// Create inserts an entry.
	Create(ctx context.Context, entry *CallLogEntry) error

	// GetByCallID retrieves the entry of a call.
	GetByCallID(ctx context.Context, callID string) (*CallLogEntry, error)

	// List retrieves entries, newest first.
	List(ctx context.Context, limit, offset int) ([]*CallLogEntry, error)

	// ListByKind retrieves entries of one kind, newest first.
	ListByKind(ctx context.Context, kind CallLogKind, limit, offset int) ([]*CallLogEntry, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)

	// DeleteOlderThan prunes entries logged before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
