package transactional

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/clock"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/future"
)

// DefaultTransactionTimeout bounds a single transaction.
const DefaultTransactionTimeout = 5 * time.Second

const queueSize = 64

var (
	ErrTransactionTimeout = apperrors.New(apperrors.CodeTimeout, "transaction timed out")
	ErrQueueFull          = apperrors.New(apperrors.CodeResourceContention, "too many pending transactions")
	ErrStopped            = apperrors.New(apperrors.CodeShuttingDown, "transaction manager stopped")
)

type transaction struct {
	name   string
	callID string
	run    func(ctx context.Context) error
	result *future.Future[struct{}]
}

// TransactionManager runs transactions one at a time in submission order.
// Each transaction gets its own deadline; a transaction that overruns it is
// failed and the next one starts.
type TransactionManager struct {
	clock   clock.Clock
	timeout time.Duration
	logger  *zap.Logger
	onDone  func(name string, err error)

	queue   chan *transaction
	stopped core.Fuse
	done    core.Fuse
}

// NewTransactionManager starts a manager. onDone, when non-nil, is called
// after every transaction.
func NewTransactionManager(clk clock.Clock, timeout time.Duration, logger *zap.Logger, onDone func(name string, err error)) *TransactionManager {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	tm := &TransactionManager{
		clock:   clk,
		timeout: timeout,
		logger:  logger,
		onDone:  onDone,
		queue:   make(chan *transaction, queueSize),
	}
	go tm.run()
	return tm
}

// Add queues a transaction. The future completes when it has run.
func (tm *TransactionManager) Add(name, callID string, run func(ctx context.Context) error) *future.Future[struct{}] {
	t := &transaction{name: name, callID: callID, run: run, result: future.New[struct{}]()}
	if tm.stopped.IsBroken() {
		t.result.Fail(ErrStopped)
		return t.result
	}
	select {
	case tm.queue <- t:
	default:
		tm.logger.Warn("transaction queue full", zap.String("transaction", name), zap.String("call_id", callID))
		tm.finish(t, ErrQueueFull)
	}
	return t.result
}

// Stop fails queued transactions and waits for the running one to end.
func (tm *TransactionManager) Stop(ctx context.Context) error {
	tm.stopped.Break()
	select {
	case <-tm.done.Watch():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tm *TransactionManager) run() {
	defer tm.done.Break()
	for {
		select {
		case <-tm.stopped.Watch():
			tm.drain()
			return
		case t := <-tm.queue:
			tm.exec(t)
		}
	}
}

func (tm *TransactionManager) drain() {
	for {
		select {
		case t := <-tm.queue:
			tm.finish(t, ErrStopped)
		default:
			return
		}
	}
}

func (tm *TransactionManager) exec(t *transaction) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var timedOut atomic.Bool
	timer := tm.clock.AfterFunc(tm.timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	started := tm.clock.Now()

	err := t.run(ctx)
	timer.Stop()
	if timedOut.Load() {
		err = ErrTransactionTimeout
	}
	tm.logger.Debug("transaction finished",
		zap.String("transaction", t.name),
		zap.String("call_id", t.callID),
		zap.Duration("elapsed", tm.clock.Since(started)),
		zap.Error(err),
	)
	tm.finish(t, err)
}

func (tm *TransactionManager) finish(t *transaction, err error) {
	if tm.onDone != nil {
		tm.onDone(t.name, err)
	}
	if err != nil {
		t.result.Fail(err)
		return
	}
	t.result.Complete(struct{}{})
}
