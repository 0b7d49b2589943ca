// Package repository persists call-core records in PostgreSQL.
package repository

import (
	"strconv"
	"strings"
)

// Column lists must match the schema in internal/database/migrations.

// CallLogColumns defines the columns for the call_log table.
var CallLogColumns = TableColumns{
	TableName: "call_log",
	Columns: []string{
		"id",
		"call_id",
		"kind",
		"direction",
		"address",
		"account_package",
		"account_service",
		"account_id",
		"user_id",
		"video",
		"emergency",
		"self_managed",
		"disconnect_code",
		"disconnect_reason",
		"missed_reason",
		"created_at",
		"connected_at",
		"ended_at",
		"duration_ms",
		"notified",
		"logged_at",
	},
}

// TableColumns generates SQL fragments from a column list.
type TableColumns struct {
	TableName string
	Columns   []string
}

// Select returns "a, b, c".
func (tc TableColumns) Select() string {
	return strings.Join(tc.Columns, ", ")
}

// Placeholders returns "$1, $2, $3".
func (tc TableColumns) Placeholders() string {
	placeholders := make([]string, len(tc.Columns))
	for i := range tc.Columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	return strings.Join(placeholders, ", ")
}

// Count returns the number of columns.
func (tc TableColumns) Count() int {
	return len(tc.Columns)
}

// Without returns a copy excluding the named columns.
func (tc TableColumns) Without(exclude ...string) TableColumns {
	skip := make(map[string]bool, len(exclude))
	for _, col := range exclude {
		skip[col] = true
	}
	filtered := make([]string, 0, len(tc.Columns))
	for _, col := range tc.Columns {
		if !skip[col] {
			filtered = append(filtered, col)
		}
	}
	return TableColumns{TableName: tc.TableName, Columns: filtered}
}
