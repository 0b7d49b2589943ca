// Package transactional drives calls owned by apps that manage call state
// themselves. Every state change is a transaction between the platform and
// the app; transactions run one at a time, each with a deadline.
package transactional

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/callsmanager"
	"github.com/jkindrix/callcore/internal/clock"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/future"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// App is the app that owns the calls. Each method is one transaction and
// must honour ctx.
type App interface {
	OnCreateCall(ctx context.Context, info call.Info) error
	OnSetActive(ctx context.Context, callID string) error
	OnSetInactive(ctx context.Context, callID string) error
	OnAnswer(ctx context.Context, callID string) error
	OnDisconnect(ctx context.Context, callID string, cause call.DisconnectCause) error
	OnCallEvent(ctx context.Context, callID, event string) error
}

// Manager is the part of the calls manager the wrapper drives.
type Manager interface {
	StartOutgoingCall(ctx context.Context, req callsmanager.OutgoingRequest) *future.Future[*call.Call]
	ProcessIncomingCall(req callsmanager.IncomingRequest) string
	AcquireFocus(id string) *future.Future[*call.Call]
	HandleCreateConnectionSuccess(id string, state call.State)
	HandleCreateConnectionFailure(id string, cause call.DisconnectCause)
	MarkCallAsActive(id string)
	MarkCallAsOnHold(id string)
	MarkCallAsDisconnected(id string, cause call.DisconnectCause)
	MarkCallAsRemoved(id string)
}

// Recorder counts request outcomes.
type Recorder interface {
	RecordPeripheralRequest(component string, err error)
}

// Config tunes a wrapper.
type Config struct {
	Account phoneaccount.Handle
	Timeout time.Duration
}

// Wrapper is the connection service of one transactional account. Platform
// requests become app transactions; app requests become calls manager
// reports.
type Wrapper struct {
	account phoneaccount.Handle
	app     App
	tx      *TransactionManager
	logger  *zap.Logger

	mu       sync.Mutex
	manager  Manager
	listener call.FocusListener
	calls    map[string]bool // call id -> active
}

// NewWrapper creates the wrapper. Bind must be called before any call is
// placed on the account.
func NewWrapper(cfg Config, app App, clk clock.Clock, recorder Recorder, logger *zap.Logger) *Wrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transactional").With(zap.Stringer("account", cfg.Account))
	var onDone func(string, error)
	if recorder != nil {
		onDone = func(_ string, err error) { recorder.RecordPeripheralRequest("transaction", err) }
	}
	return &Wrapper{
		account: cfg.Account,
		app:     app,
		tx:      NewTransactionManager(clk, cfg.Timeout, logger, onDone),
		logger:  logger,
		calls:   make(map[string]bool),
	}
}

// Bind attaches the calls manager. The wrapper and the manager refer to
// each other, so the manager is supplied after both exist.
func (w *Wrapper) Bind(m Manager) {
	w.mu.Lock()
	w.manager = m
	w.mu.Unlock()
}

// Stop fails queued transactions.
func (w *Wrapper) Stop(ctx context.Context) error {
	return w.tx.Stop(ctx)
}

func (w *Wrapper) mgr() Manager {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manager
}

func (w *Wrapper) track(id string, active bool) {
	w.mu.Lock()
	w.calls[id] = active
	w.mu.Unlock()
}

func (w *Wrapper) untrack(id string) {
	w.mu.Lock()
	delete(w.calls, id)
	w.mu.Unlock()
}

func (w *Wrapper) owns(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.calls[id]
	return ok
}

func (w *Wrapper) activeCalls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for id, active := range w.calls {
		if active {
			out = append(out, id)
		}
	}
	return out
}

// App side.

// AddOutgoingCall places a call the app started.
func (w *Wrapper) AddOutgoingCall(ctx context.Context, address string, video bool) *future.Future[*call.Call] {
	acct := w.account
	return w.mgr().StartOutgoingCall(ctx, callsmanager.OutgoingRequest{
		Address:       address,
		Account:       &acct,
		Video:         video,
		Transactional: true,
	})
}

// AddIncomingCall announces a call ringing in the app and returns its id.
func (w *Wrapper) AddIncomingCall(address string, video bool) string {
	id := w.mgr().ProcessIncomingCall(callsmanager.IncomingRequest{
		Address: address,
		Account: w.account,
		Video:   video,
	})
	w.track(id, false)
	return id
}

// Control returns the app's handle for per-call requests.
func (w *Wrapper) Control() *CallControl {
	return &CallControl{w: w}
}

// CallControl carries requests the app makes about its own calls.
type CallControl struct {
	w *Wrapper
}

// SetActive makes the call active, holding whatever call has focus.
func (cc *CallControl) SetActive(id string) *future.Future[struct{}] {
	return cc.w.appTransaction("set_active", id, func(ctx context.Context, m Manager) error {
		if _, err := m.AcquireFocus(id).Await(ctx); err != nil {
			return err
		}
		m.MarkCallAsActive(id)
		cc.w.track(id, true)
		return nil
	})
}

// Answer answers a ringing call.
func (cc *CallControl) Answer(id string) *future.Future[struct{}] {
	return cc.w.appTransaction("answer", id, func(ctx context.Context, m Manager) error {
		if _, err := m.AcquireFocus(id).Await(ctx); err != nil {
			return err
		}
		m.MarkCallAsActive(id)
		cc.w.track(id, true)
		return nil
	})
}

// SetInactive holds the call.
func (cc *CallControl) SetInactive(id string) *future.Future[struct{}] {
	return cc.w.appTransaction("set_inactive", id, func(_ context.Context, m Manager) error {
		m.MarkCallAsOnHold(id)
		cc.w.track(id, false)
		return nil
	})
}

// Disconnect ends the call with cause.
func (cc *CallControl) Disconnect(id string, cause call.DisconnectCause) *future.Future[struct{}] {
	return cc.w.appTransaction("disconnect", id, func(_ context.Context, m Manager) error {
		m.MarkCallAsDisconnected(id, cause)
		m.MarkCallAsRemoved(id)
		cc.w.untrack(id)
		return nil
	})
}

func (w *Wrapper) appTransaction(name, id string, run func(ctx context.Context, m Manager) error) *future.Future[struct{}] {
	if !w.owns(id) {
		return future.Failed[struct{}](apperrors.ErrCallNotFound)
	}
	return w.tx.Add(name, id, func(ctx context.Context) error {
		return run(ctx, w.mgr())
	})
}

// Platform side: call.ConnectionService.

func (w *Wrapper) ComponentName() string { return "transactional:" + w.account.Package }

func (w *Wrapper) SetConnectionServiceFocusListener(l call.FocusListener) {
	w.mu.Lock()
	w.listener = l
	w.mu.Unlock()
}

func (w *Wrapper) ConnectionServiceFocusGained() {
	w.logger.Debug("connection service focus gained")
}

// ConnectionServiceFocusLost holds every active call of the app, then
// releases focus.
func (w *Wrapper) ConnectionServiceFocusLost() {
	ids := w.activeCalls()
	w.tx.Add("focus_lost", "", func(ctx context.Context) error {
		for _, id := range ids {
			if err := w.app.OnSetInactive(ctx, id); err != nil {
				w.logger.Warn("app did not hold call on focus loss", zap.String("call_id", id), zap.Error(err))
				continue
			}
			w.mgr().MarkCallAsOnHold(id)
			w.track(id, false)
		}
		w.mu.Lock()
		l := w.listener
		w.mu.Unlock()
		if l != nil {
			l.OnConnectionServiceReleased(w)
		}
		return nil
	})
}

func (w *Wrapper) CreateConnection(info call.Info) {
	w.track(info.ID, false)
	w.platformTransaction("create_call", info.ID, func(ctx context.Context) error {
		m := w.mgr()
		if err := w.app.OnCreateCall(ctx, info); err != nil {
			w.untrack(info.ID)
			m.HandleCreateConnectionFailure(info.ID, call.NewDisconnectCause(call.DisconnectError, "app refused call"))
			return err
		}
		m.HandleCreateConnectionSuccess(info.ID, call.StateDialing)
		return nil
	})
}

func (w *Wrapper) CreateConnectionFailed(info call.Info) {
	w.untrack(info.ID)
	w.logger.Info("call refused before creation", zap.String("call_id", info.ID))
}

func (w *Wrapper) Abort(id string) {
	w.untrack(id)
	w.platformTransaction("abort", id, func(ctx context.Context) error {
		return w.app.OnDisconnect(ctx, id, call.NewDisconnectCause(call.DisconnectCanceled, "aborted"))
	})
}

func (w *Wrapper) Answer(id string) {
	w.platformTransaction("answer", id, func(ctx context.Context) error {
		if err := w.app.OnAnswer(ctx, id); err != nil {
			return err
		}
		w.mgr().MarkCallAsActive(id)
		w.track(id, true)
		return nil
	})
}

func (w *Wrapper) Reject(id, message string) {
	w.endByPlatform("reject", id, call.NewDisconnectCause(call.DisconnectRejected, message))
}

func (w *Wrapper) Disconnect(id string) {
	w.endByPlatform("disconnect", id, call.NewDisconnectCause(call.DisconnectLocal, "disconnected by user"))
}

func (w *Wrapper) Hold(id string) {
	w.platformTransaction("hold", id, func(ctx context.Context) error {
		if err := w.app.OnSetInactive(ctx, id); err != nil {
			return err
		}
		w.mgr().MarkCallAsOnHold(id)
		w.track(id, false)
		return nil
	})
}

func (w *Wrapper) Unhold(id string) {
	w.platformTransaction("unhold", id, func(ctx context.Context) error {
		if err := w.app.OnSetActive(ctx, id); err != nil {
			return err
		}
		w.mgr().MarkCallAsActive(id)
		w.track(id, true)
		return nil
	})
}

func (w *Wrapper) Silence(id string) {
	w.logger.Debug("silence has no effect on transactional calls", zap.String("call_id", id))
}

func (w *Wrapper) SendCallEvent(id, event string) {
	w.platformTransaction("call_event", id, func(ctx context.Context) error {
		return w.app.OnCallEvent(ctx, id, event)
	})
}

func (w *Wrapper) HandoverFailed(id string, reason call.HandoverFailure) {
	w.logger.Info("handover failed", zap.String("call_id", id), zap.Stringer("reason", reason))
}

func (w *Wrapper) HandoverComplete(id string) {
	w.logger.Info("handover complete", zap.String("call_id", id))
}

func (w *Wrapper) endByPlatform(name, id string, cause call.DisconnectCause) {
	w.platformTransaction(name, id, func(ctx context.Context) error {
		err := w.app.OnDisconnect(ctx, id, cause)
		// The call ends whether or not the app acknowledged.
		m := w.mgr()
		m.MarkCallAsDisconnected(id, cause)
		m.MarkCallAsRemoved(id)
		w.untrack(id)
		return err
	})
}

func (w *Wrapper) platformTransaction(name, id string, run func(ctx context.Context) error) {
	w.tx.Add(name, id, run).OnComplete(inline{}, func(_ struct{}, err error) {
		if err != nil {
			w.logger.Warn("transaction failed", zap.String("transaction", name), zap.String("call_id", id), zap.Error(err))
		}
	})
}

type inline struct{}

func (inline) Post(fn func()) { fn() }
