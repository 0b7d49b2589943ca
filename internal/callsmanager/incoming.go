package callsmanager

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/circuitbreaker"
	"github.com/jkindrix/callcore/internal/future"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// IncomingRequest is a connection service announcing a new incoming call.
type IncomingRequest struct {
	// ID is optional; one is generated when empty.
	ID         string
	Address    string
	Account    phoneaccount.Handle
	User       int
	Video      bool
	Properties call.Properties
}

// ProcessIncomingCall admits a new incoming call: it applies the admission
// gates, creates the connection, filters the call and finally adds it to the
// registry ringing. It returns the call id. Safe from any goroutine.
func (m *Manager) ProcessIncomingCall(req IncomingRequest) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	m.loop.Post(func() { m.processIncomingCall(req) })
	return req.ID
}

func (m *Manager) processIncomingCall(req IncomingRequest) {
	logger := m.logger.With(zap.String("call_id", req.ID), zap.Stringer("account", req.Account))
	acct, ok := m.accounts.Account(req.Account)
	if !ok {
		logger.Warn("incoming call for unknown phone account")
		m.observer.IncomingCallFinished("unknown_account")
		return
	}
	cs, ok := m.services.Resolve(req.Account)
	if !ok {
		logger.Warn("incoming call without a connection service")
		m.observer.IncomingCallFinished("no_service")
		return
	}

	h := req.Account
	c := call.New(call.Options{
		ID:            req.ID,
		Direction:     call.DirectionIncoming,
		Address:       req.Address,
		Account:       &h,
		Service:       cs,
		SelfManaged:   acct.IsSelfManaged(),
		Transactional: acct.Has(phoneaccount.CapSupportsTransactionalOperations),
		Video:         req.Video && acct.Has(phoneaccount.CapVideoCalling),
		User:          req.User,
	}, m.clock, m.logger)
	c.SetProperties(req.Properties)
	if acct.Has(phoneaccount.CapAlwaysUseVoIPAudioMode) {
		c.SetVoIPAudioMode(true)
	}
	m.track(c)
	c.Logger().Info("incoming call", zap.Bool("self_managed", c.IsSelfManaged()))

	switch {
	case m.closed:
		m.refuseIncoming(c, "shutting_down")
		return
	case m.profiles != nil && m.profiles.IsQuietMode(req.User) && !m.isInEmergencyCallbackMode(c):
		m.refuseIncoming(c, "quiet_mode")
		return
	case c.IsSelfManaged() && !m.isIncomingCallPermitted(c, &h):
		m.refuseIncoming(c, "not_permitted")
		return
	case m.isInEmergencyCall():
		m.autoMissIncoming(c, call.AutoMissedEmergencyCall, false)
		return
	}

	if c.IsTransactional() {
		// Transactional calls have no connection to create and skip
		// filtering; the app already decided to ring.
		c.MarkCreateConnectionComplete()
		c.SetState(call.StateRinging, "transactional incoming call")
		m.addCall(c)
		m.observer.IncomingCallFinished("admitted")
		return
	}
	c.StartCreateConnection()
}

// refuseIncoming tells the service the call will not be created and ends it
// without logging.
func (m *Manager) refuseIncoming(c *call.Call, reason string) {
	c.Logger().Info("incoming call refused", zap.String("reason", reason))
	if cs := c.ConnectionService(); cs != nil {
		cs.CreateConnectionFailed(c.Info())
	}
	c.SetDisconnectCause(call.NewDisconnectCause(call.DisconnectRejected, reason))
	c.SetState(call.StateDisconnected, "refused: "+reason)
	m.forget(c)
	m.observer.IncomingCallFinished(reason)
}

// autoMissIncoming ends a call the user never gets to see and logs it as
// missed. created tells whether the connection already exists.
func (m *Manager) autoMissIncoming(c *call.Call, reason call.MissedReason, created bool) {
	c.Logger().Info("auto-missing incoming call", zap.Stringer("missed_reason", reason))
	c.SetMissedReason(reason)
	cause := call.NewDisconnectCause(call.DisconnectMissed, reason.String())
	c.SetOverrideDisconnectCause(cause)
	if created {
		c.Reject("auto missed")
	} else if cs := c.ConnectionService(); cs != nil {
		cs.CreateConnectionFailed(c.Info())
	}
	c.SetDisconnectCause(cause)
	c.SetState(call.StateDisconnected, "auto missed")
	m.logCall(c, LogMissed, true)
	m.forget(c)
	m.observer.IncomingCallFinished("auto_missed")
}

// isInEmergencyCallbackMode reports an incoming call that may be the
// emergency services calling back.
func (m *Manager) isInEmergencyCallbackMode(c *call.Call) bool {
	if c.Properties().Has(call.PropertyEmergencyCallbackMode) {
		return true
	}
	if m.lastEmergencyAccount == nil || m.lastEmergencyAt.IsZero() {
		return false
	}
	return phoneaccount.Equal(m.lastEmergencyAccount, c.TargetAccount()) &&
		m.clock.Since(m.lastEmergencyAt) < m.cfg.EmergencyCallbackWindow
}

// onSuccessfulIncomingCall starts filtering once the connection exists.
func (m *Manager) onSuccessfulIncomingCall(c *call.Call) {
	if c.IsTransactional() || m.IsRegistered(c) {
		return
	}
	if m.filter == nil || m.isInEmergencyCallbackMode(c) {
		m.onCallFilteringComplete(c, AllowAll)
		return
	}

	info := c.Info()
	logger := c.Logger()
	f := future.New[FilteringResult]()
	go func() {
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if m.cfg.FilterTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, m.cfg.FilterTimeout)
		}
		defer cancel()
		ctx, span := m.tracer.Start(ctx, "callsmanager.FilterIncomingCall",
			trace.WithAttributes(attribute.String("call.id", info.ID)))
		defer span.End()

		res, err := circuitbreaker.Call(ctx, m.filterBreaker, func(ctx context.Context) (FilteringResult, error) {
			return m.filter.Filter(ctx, info)
		})
		if err != nil {
			span.RecordError(err)
			logger.Warn("call filtering failed, allowing call", zap.Error(err))
			res = AllowAll
		}
		span.SetAttributes(attribute.Bool("call.allowed", res.Allow))
		f.Complete(res)
	}()
	f.OnComplete(m.loop, func(res FilteringResult, _ error) {
		m.onCallFilteringComplete(c, res)
	})
}

func (m *Manager) onCallFilteringComplete(c *call.Call, res FilteringResult) {
	if x, ok := m.setup[c.ID()]; !ok || x != c {
		// Torn down while the filter ran.
		return
	}
	c.Logger().Info("call filtering complete",
		zap.Bool("allow", res.Allow),
		zap.Bool("silence", res.Silence),
		zap.String("screening_app", res.ScreeningApp),
	)
	if s := c.State(); s != call.StateDisconnected && s != call.StateDisconnecting && s != call.StateAborted {
		if res.ScreenAudio {
			c.SetState(call.StateAudioProcessing, "screening call audio")
		} else {
			c.SetState(call.StateRinging, "successful incoming call")
		}
	}

	if !res.Allow {
		if res.Reject {
			c.Reject("blocked by call filter")
		} else {
			c.Disconnect("blocked by call filter")
		}
		if res.AddToCallLog {
			m.logCall(c, LogBlocked, res.ShowNotification)
		}
		c.SetDisconnectCause(call.NewDisconnectCause(call.DisconnectRejected, "blocked"))
		c.SetState(call.StateDisconnected, "blocked by call filter")
		m.forget(c)
		m.observer.IncomingCallFinished("blocked")
		return
	}

	if !c.IsSelfManaged() {
		switch {
		case m.hasMaximumManagedRingingCalls(c):
			if !m.shouldSilenceInsteadOfReject(c) {
				m.autoMissIncoming(c, call.AutoMissedMaximumRinging, true)
				return
			}
			c.Silence()
		case m.hasMaximumManagedDialingCalls(c):
			if !m.shouldSilenceInsteadOfReject(c) {
				m.autoMissIncoming(c, call.AutoMissedMaximumDialing, true)
				return
			}
			c.Silence()
		}
	}
	if res.Silence {
		c.Silence()
	}
	m.addCall(c)
	m.observer.IncomingCallFinished("admitted")
}

// shouldSilenceInsteadOfReject lets an over-limit call ring silently when it
// cannot interfere with a call from the same service.
func (m *Manager) shouldSilenceInsteadOfReject(c *call.Call) bool {
	if !m.cfg.SilenceInsteadOfReject {
		return false
	}
	for _, x := range m.calls {
		if x.Parent() != nil || x.IsExternal() {
			continue
		}
		if x.ConnectionService() == c.ConnectionService() {
			return false
		}
	}
	return true
}
