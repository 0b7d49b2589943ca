package database

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/sanitize"
)

// DefaultSlowQueryThreshold applies when the config leaves it unset. A
// very slow query is five times the threshold.
const DefaultSlowQueryThreshold = 100 * time.Millisecond

const maxLoggedSQL = 500

// QueryRecorder receives one observation per traced query.
type QueryRecorder interface {
	RecordDBQuery(operation string, duration time.Duration, err error)
}

// QueryLogger implements pgx.QueryTracer. Every query goes to the
// recorder; failed and slow ones are also logged.
type QueryLogger struct {
	slow     time.Duration
	recorder QueryRecorder
	clock    clock.Clock
	logger   *zap.Logger
}

// NewQueryLogger creates a query logger. recorder may be nil.
func NewQueryLogger(slow time.Duration, recorder QueryRecorder, clk clock.Clock, logger *zap.Logger) *QueryLogger {
	if slow <= 0 {
		slow = DefaultSlowQueryThreshold
	}
	return &QueryLogger{slow: slow, recorder: recorder, clock: clk, logger: logger.Named("query")}
}

type traceKey struct{}

type traceStart struct {
	at  time.Time
	sql string
}

// TraceQueryStart implements pgx.QueryTracer.
func (ql *QueryLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{at: ql.clock.Now(), sql: data.SQL})
}

// TraceQueryEnd implements pgx.QueryTracer.
func (ql *QueryLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	d := ql.clock.Since(start.at)
	if ql.recorder != nil {
		ql.recorder.RecordDBQuery(operation(start.sql), d, data.Err)
	}

	fields := []zap.Field{zap.String("sql", truncateSQL(start.sql, maxLoggedSQL)), zap.Duration("duration", d)}
	switch {
	case data.Err != nil:
		// Constraint errors quote row values, addresses included.
		ql.logger.Error("query failed", append(fields, zap.String("error", sanitize.Error(data.Err)))...)
	case d >= 5*ql.slow:
		ql.logger.Error("very slow query", append(fields, zap.String("command_tag", data.CommandTag.String()))...)
	case d >= ql.slow:
		ql.logger.Warn("slow query", append(fields, zap.String("command_tag", data.CommandTag.String()))...)
	}
}

// operation returns the lower-cased leading SQL verb, e.g. "insert".
func operation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}

func truncateSQL(sql string, maxLen int) string {
	if len(sql) <= maxLen {
		return sql
	}
	return sql[:maxLen-3] + "..."
}
