// Package calllog persists finished calls. The calls manager hands entries
// over on the event loop; a background worker writes them in batches so the
// loop never waits on the database.
package calllog

import (
	"context"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/callsmanager"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/database"
	"github.com/jkindrix/callcore/internal/domain"
	"github.com/jkindrix/callcore/internal/repository"
)

// Store is where entries end up. repository.CallLogRepository is one.
type Store interface {
	Create(ctx context.Context, e *domain.CallLogEntry) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxRunner groups a batch of writes into one transaction.
type TxRunner interface {
	WithTransactionContext(ctx context.Context, fn func(ctx context.Context) error) error
}

// Recorder counts writes.
type Recorder interface {
	RecordCallLogEntry(kind string, err error)
	RecordCallLogDropped()
}

// Config tunes the writer.
type Config struct {
	QueueSize int
	BatchSize int
	// Retention prunes entries older than this. Zero keeps everything.
	Retention     time.Duration
	PruneInterval time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		BatchSize:     32,
		Retention:     90 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// Writer implements callsmanager.CallLogger.
type Writer struct {
	cfg      Config
	store    Store
	tx       TxRunner
	recorder Recorder
	clock    clock.Clock
	logger   *zap.Logger

	queue   chan *domain.CallLogEntry
	stopped core.Fuse
	done    core.Fuse
}

var _ callsmanager.CallLogger = (*Writer)(nil)

// NewWriter starts a writer. tx and recorder may be nil.
func NewWriter(cfg Config, store Store, tx TxRunner, recorder Recorder, clk clock.Clock, logger *zap.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		cfg:      cfg,
		store:    store,
		tx:       tx,
		recorder: recorder,
		clock:    clk,
		logger:   logger.Named("calllog"),
		queue:    make(chan *domain.CallLogEntry, cfg.QueueSize),
	}
	go w.run()
	return w
}

// LogCall queues an entry for info. It never blocks: when the queue is full
// the entry is dropped and counted.
func (w *Writer) LogCall(info call.Info, kind callsmanager.LogKind, showNotification bool) {
	e := EntryFromInfo(info, kind, showNotification, w.clock.Now())
	if w.stopped.IsBroken() {
		w.drop(e, "writer stopped")
		return
	}
	select {
	case w.queue <- e:
	default:
		w.drop(e, "queue full")
	}
}

func (w *Writer) drop(e *domain.CallLogEntry, why string) {
	w.logger.Warn("call log entry dropped", zap.String("call_id", e.CallID), zap.String("reason", why))
	if w.recorder != nil {
		w.recorder.RecordCallLogDropped()
	}
}

// Stop writes what is queued and stops the worker.
func (w *Writer) Stop(ctx context.Context) error {
	w.stopped.Break()
	select {
	case <-w.done.Watch():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer w.done.Break()

	// A nil channel never fires, so pruning is off without a retention.
	var (
		pruneTimer clock.Timer
		pruneC     <-chan time.Time
	)
	if w.cfg.Retention > 0 && w.cfg.PruneInterval > 0 {
		pruneTimer = w.clock.NewTimer(w.cfg.PruneInterval)
		defer pruneTimer.Stop()
		pruneC = pruneTimer.C()
	}

	for {
		select {
		case <-w.stopped.Watch():
			w.flush()
			return
		case e := <-w.queue:
			w.writeBatch(w.collect(e))
		case <-pruneC:
			w.prune()
			pruneTimer.Reset(w.cfg.PruneInterval)
		}
	}
}

// collect takes first plus whatever else is already queued, up to a batch.
func (w *Writer) collect(first *domain.CallLogEntry) []*domain.CallLogEntry {
	batch := []*domain.CallLogEntry{first}
	for len(batch) < w.cfg.BatchSize {
		select {
		case e := <-w.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) flush() {
	for {
		select {
		case e := <-w.queue:
			w.writeBatch(w.collect(e))
		default:
			return
		}
	}
}

func (w *Writer) writeBatch(batch []*domain.CallLogEntry) {
	ctx, cancel := repository.WithTransactionTimeout(context.Background())
	defer cancel()

	err := w.write(ctx, batch)
	if err != nil && database.IsRetryable(err) {
		w.logger.Debug("retrying call log batch", zap.Int("entries", len(batch)), zap.Error(err))
		err = w.write(ctx, batch)
	}
	if err != nil {
		w.logger.Error("failed to write call log", zap.Int("entries", len(batch)), zap.Error(err))
	}
	if w.recorder != nil {
		for _, e := range batch {
			w.recorder.RecordCallLogEntry(string(e.Kind), err)
		}
	}
}

func (w *Writer) write(ctx context.Context, batch []*domain.CallLogEntry) error {
	insert := func(ctx context.Context) error {
		for _, e := range batch {
			if err := w.store.Create(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}
	if w.tx == nil || len(batch) == 1 {
		return insert(ctx)
	}
	return w.tx.WithTransactionContext(ctx, insert)
}

func (w *Writer) prune() {
	ctx, cancel := repository.WithWriteTimeout(context.Background())
	defer cancel()
	n, err := w.store.DeleteOlderThan(ctx, w.clock.Now().Add(-w.cfg.Retention))
	if err != nil {
		w.logger.Warn("failed to prune call log", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("pruned call log", zap.Int64("entries", n))
	}
}

// EntryFromInfo builds the entry recorded for a finished call.
func EntryFromInfo(info call.Info, kind callsmanager.LogKind, notified bool, now time.Time) *domain.CallLogEntry {
	e := domain.NewCallLogEntry(info.ID, logKind(kind), now)
	e.Direction = info.Direction
	e.Address = info.Address
	if info.Account != nil {
		e.AccountPackage = info.Account.Package
		e.AccountService = info.Account.Service
		e.AccountID = info.Account.ID
		e.User = info.Account.User
	}
	e.Video = info.Video
	e.Emergency = info.Emergency
	e.SelfManaged = info.SelfManaged
	if info.DisconnectCause != nil {
		e.DisconnectCode = info.DisconnectCause.Code.String()
		e.DisconnectReason = info.DisconnectCause.Reason
	}
	e.MissedReason = info.MissedReason
	e.CreatedAt = info.CreatedAt
	e.ConnectedAt = info.ConnectedAt
	e.EndedAt = now
	if info.ConnectedAt != nil && now.After(*info.ConnectedAt) {
		e.Duration = now.Sub(*info.ConnectedAt)
	}
	e.Notified = notified
	return e
}

func logKind(k callsmanager.LogKind) domain.CallLogKind {
	switch k {
	case callsmanager.LogIncoming:
		return domain.CallLogIncoming
	case callsmanager.LogOutgoing:
		return domain.CallLogOutgoing
	case callsmanager.LogMissed:
		return domain.CallLogMissed
	case callsmanager.LogRejected:
		return domain.CallLogRejected
	case callsmanager.LogBlocked:
		return domain.CallLogBlocked
	}
	return domain.CallLogKind(k.String())
}
