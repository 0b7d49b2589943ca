package repository

import (
	"fmt"
	"strings"

	"github.com/jkindrix/callcore/internal/domain"
	apperrors "github.com/jkindrix/callcore/internal/errors"
)

// Pagination bounds for list queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Guard validates inputs before they reach the database.
type Guard struct{}

// NewGuard creates a new validation guard.
func NewGuard() *Guard {
	return &Guard{}
}

// RequireString validates that a string is not empty.
func (g *Guard) RequireString(s string, field string) error {
	if strings.TrimSpace(s) == "" {
		return apperrors.MissingField(field)
	}
	return nil
}

// RequireNonNegative validates that an integer is not negative.
func (g *Guard) RequireNonNegative(n int, field string) error {
	if n < 0 {
		return apperrors.InvalidInput(fmt.Sprintf("%s must not be negative", field))
	}
	return nil
}

// RequireKind validates a call log kind.
func (g *Guard) RequireKind(kind domain.CallLogKind) error {
	if kind.IsValid() {
		return nil
	}
	allowed := make([]string, len(domain.CallLogKinds))
	for i, k := range domain.CallLogKinds {
		allowed[i] = string(k)
	}
	return apperrors.InvalidInput(fmt.Sprintf("kind must be one of: %s", strings.Join(allowed, ", ")))
}

// NormalizePagination clamps limit and offset to safe values.
func (g *Guard) NormalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
