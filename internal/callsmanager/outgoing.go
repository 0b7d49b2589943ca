package callsmanager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/circuitbreaker"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/future"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// OutgoingRequest asks for a new outgoing call.
type OutgoingRequest struct {
	// ID is optional; one is generated when empty.
	ID      string
	Address string
	// Account is the account the caller asked for, if any.
	Account       *phoneaccount.Handle
	User          int
	Video         bool
	RTT           bool
	Transactional bool
}

// outgoing carries one run of the outgoing pipeline.
type outgoing struct {
	ctx     context.Context
	span    trace.Span
	req     OutgoingRequest
	c       *call.Call
	result  *future.Future[*call.Call]
	started time.Time
	stageAt time.Time
	reused  bool
	done    bool

	candidates  []phoneaccount.Handle
	suggestions []phoneaccount.Suggestion
}

// StartOutgoingCall runs the outgoing pipeline: resolve candidate accounts,
// consult contact preferences and the suggestion service, make room, select
// an account and start connection creation. The future completes with the
// call once it is in the registry, or fails with the reason it never got
// there. Safe from any goroutine; ctx only carries trace context.
func (m *Manager) StartOutgoingCall(ctx context.Context, req OutgoingRequest) *future.Future[*call.Call] {
	result := future.New[*call.Call]()
	if req.Address == "" {
		result.Fail(apperrors.MissingField("address"))
		return result
	}
	// The pipeline outlives the request that started it.
	parent := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	m.loop.Post(func() { m.startOutgoingCall(parent, req, result) })
	return result
}

func (m *Manager) startOutgoingCall(ctx context.Context, req OutgoingRequest, result *future.Future[*call.Call]) {
	if m.closed {
		result.Fail(apperrors.ErrShuttingDown)
		return
	}
	if req.Account != nil {
		if _, ok := m.accounts.Account(*req.Account); !ok {
			result.Fail(apperrors.InvalidInput("unknown phone account " + req.Account.String()))
			return
		}
	}

	now := m.clock.Now()
	emergency := m.isEmergencyNumber(req.Address)
	ctx, span := m.tracer.Start(ctx, "callsmanager.OutgoingCall")
	p := &outgoing{ctx: ctx, span: span, req: req, result: result, started: now, stageAt: now}

	if c := m.takeReusable(req.Address); c != nil && !emergency {
		p.c, p.reused = c, true
		c.Logger().Info("reusing cancelled outgoing call for redial")
	} else {
		if c != nil {
			m.teardownReusable(c)
		}
		m.releasePendingDisconnects()
		selfManaged := false
		if req.Account != nil {
			acct, _ := m.accounts.Account(*req.Account)
			selfManaged = acct.IsSelfManaged()
		}
		p.c = call.New(call.Options{
			ID:            req.ID,
			Direction:     call.DirectionOutgoing,
			Address:       req.Address,
			SelfManaged:   selfManaged,
			Emergency:     emergency,
			Transactional: req.Transactional,
			Video:         req.Video,
			User:          req.User,
		}, m.clock, m.logger)
		m.track(p.c)
	}
	m.pipelines[p.c] = p
	span.SetAttributes(
		attribute.String("call.id", p.c.ID()),
		attribute.Bool("call.emergency", emergency),
		attribute.Bool("call.reused", p.reused),
	)
	p.c.Logger().Info("outgoing call requested",
		zap.Bool("emergency", emergency),
		zap.Bool("video", req.Video),
	)

	candidates := m.resolveAccounts(p)
	m.stage(p, "resolve_accounts")
	preferred := m.lookupPreferredAccount(p, candidates)
	suggested := future.Then(preferred, m.loop, func(cands []phoneaccount.Handle, _ error) *future.Future[[]phoneaccount.Suggestion] {
		var next *future.Future[[]phoneaccount.Suggestion]
		m.guard(p, func() { next = m.onAccountsResolved(p, cands) })
		return next
	})
	suggested.OnComplete(m.loop, func(s []phoneaccount.Suggestion, _ error) {
		m.guard(p, func() { m.onSuggestions(p, s) })
	})
}

// resolveAccounts lists the accounts able to place the call.
func (m *Manager) resolveAccounts(p *outgoing) []phoneaccount.Handle {
	c := p.c
	scheme := phoneaccount.Scheme(p.req.Address)
	if scheme == "" {
		scheme = "tel"
	}
	if h := p.req.Account; h != nil {
		if acct, ok := m.accounts.Account(*h); ok && acct.IsSelfManaged() {
			return []phoneaccount.Handle{*h}
		}
	}

	q := phoneaccount.Query{Scheme: scheme, User: p.req.User}
	if c.IsEmergency() {
		q.Required = phoneaccount.CapPlaceEmergencyCalls
	} else {
		q.Excluded = phoneaccount.CapEmergencyCallsOnly
	}
	if c.IsVideo() {
		q.Required |= phoneaccount.CapVideoCalling
	}
	list := m.accounts.CallCapable(q)
	if len(list) == 0 && c.IsVideo() {
		q.Required &^= phoneaccount.CapVideoCalling
		if list = m.accounts.CallCapable(q); len(list) > 0 {
			c.Logger().Info("no video capable account, downgrading to audio")
			c.SetVideo(false)
		}
	}
	if len(list) == 0 && c.IsEmergency() {
		list = m.accounts.CallCapable(phoneaccount.Query{Scheme: scheme, User: p.req.User})
	}
	list = m.constrainToActiveSIM(list)

	if h := p.req.Account; h != nil && containsHandle(list, *h) {
		return []phoneaccount.Handle{*h}
	}
	return list
}

// constrainToActiveSIM drops SIM accounts other than the one already in a
// call when only one SIM may be active at a time.
func (m *Manager) constrainToActiveSIM(list []phoneaccount.Handle) []phoneaccount.Handle {
	if !m.cfg.SingleActiveSIM {
		return list
	}
	var active *phoneaccount.Handle
	for _, c := range m.calls {
		h := c.TargetAccount()
		if h == nil || c.State().IsTerminal() {
			continue
		}
		if acct, ok := m.accounts.Account(*h); ok && acct.Has(phoneaccount.CapSimSubscription) {
			active = h
			break
		}
	}
	if active == nil {
		return list
	}
	out := list[:0:0]
	for _, h := range list {
		acct, ok := m.accounts.Account(h)
		if ok && acct.Has(phoneaccount.CapSimSubscription) && h != *active {
			continue
		}
		out = append(out, h)
	}
	return out
}

// lookupPreferredAccount narrows several candidates to the one the contact
// prefers. The lookup runs off the loop.
func (m *Manager) lookupPreferredAccount(p *outgoing, cands []phoneaccount.Handle) *future.Future[[]phoneaccount.Handle] {
	if len(cands) <= 1 || m.contacts == nil || p.c.IsEmergency() || p.req.Account != nil {
		return future.Completed(cands)
	}
	f := future.New[[]phoneaccount.Handle]()
	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if m.cfg.ContactLookupTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ContactLookupTimeout)
	}
	address, user, logger := p.req.Address, p.req.User, p.c.Logger()
	go func() {
		defer cancel()
		h, ok, err := m.contacts.PreferredAccount(ctx, address, user)
		switch {
		case err != nil:
			logger.Warn("contact preference lookup failed", zap.Error(err))
			f.Complete(cands)
		case ok && containsHandle(cands, h):
			f.Complete([]phoneaccount.Handle{h})
		default:
			f.Complete(cands)
		}
	}()
	return f
}

// onAccountsResolved settles on a single candidate where a default applies
// and starts the suggestion stage. It returns nil once the run has ended.
func (m *Manager) onAccountsResolved(p *outgoing, cands []phoneaccount.Handle) *future.Future[[]phoneaccount.Suggestion] {
	if m.abortedOutgoing(p) {
		return nil
	}
	m.stage(p, "contact_preference")
	c := p.c

	if len(cands) > 1 {
		scheme := phoneaccount.Scheme(p.req.Address)
		if scheme == "" {
			scheme = "tel"
		}
		if h, ok := m.accounts.OutgoingDefault(scheme, p.req.User); ok && containsHandle(cands, h) {
			cands = []phoneaccount.Handle{h}
		}
	}
	if len(cands) == 1 {
		h := cands[0]
		c.SetTargetAccount(&h)
	}
	p.candidates = cands
	return m.suggestAccounts(p, cands)
}

// suggestAccounts ranks candidates through the suggestion service. Any
// failure falls back to the unranked list.
func (m *Manager) suggestAccounts(p *outgoing, cands []phoneaccount.Handle) *future.Future[[]phoneaccount.Suggestion] {
	defaults := phoneaccount.DefaultSuggestions(cands)
	if len(cands) <= 1 || m.suggestions == nil {
		return future.Completed(defaults)
	}
	f := future.New[[]phoneaccount.Suggestion]()
	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if m.cfg.SuggestionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SuggestionTimeout)
	}
	address, logger := p.req.Address, p.c.Logger()
	go func() {
		defer cancel()
		ctx, span := m.tracer.Start(ctx, "callsmanager.SuggestAccounts")
		defer span.End()

		s, err := circuitbreaker.Call(ctx, m.suggestBreaker, func(ctx context.Context) ([]phoneaccount.Suggestion, error) {
			return m.suggestions.Suggest(ctx, address, defaults)
		})
		if err != nil {
			span.RecordError(err)
			logger.Warn("account suggestion failed, using defaults", zap.Error(err))
			f.Complete(defaults)
			return
		}
		if s = knownSuggestions(s, cands); len(s) == 0 {
			s = defaults
		}
		f.Complete(s)
	}()
	return f
}

func (m *Manager) onSuggestions(p *outgoing, suggestions []phoneaccount.Suggestion) {
	if m.abortedOutgoing(p) {
		return
	}
	m.stage(p, "suggest_accounts")
	p.suggestions = suggestions
	c := p.c

	// Service codes do not take a line.
	mmi := !c.IsSelfManaged() &&
		(isPotentialMMICode(p.req.Address) || isPotentialInCallMMICode(p.req.Address) && len(m.calls) > 0)
	if !p.reused && !mmi {
		var (
			ok     bool
			reason string
		)
		if c.IsEmergency() {
			ok, reason = m.makeRoomForOutgoingEmergencyCall(c)
		} else {
			ok, reason = m.makeRoomForOutgoingCall(c)
		}
		m.stage(p, "make_room")
		if !ok {
			if fg := m.foregroundCall(); fg != nil && fg.IsSelfManaged() && !c.IsEmergency() {
				m.awaitConfirmation(p)
				return
			}
			m.rejectOutgoing(p, reason)
			return
		}
	}
	m.selectAccount(p)
}

// awaitConfirmation asks the user whether to end the ongoing self-managed
// call to place this one.
func (m *Manager) awaitConfirmation(p *outgoing) {
	c := p.c
	f, displaced := m.pendingConfirm.Replace(c.ID())
	if displaced != "" {
		m.logger.Info("pending call confirmation superseded",
			zap.String("call_id", displaced),
			zap.String("new_call_id", c.ID()),
		)
	}
	m.armPromptTimeout(c.ID())
	c.Logger().Info("waiting for confirmation to end the ongoing self-managed call")

	f.OnComplete(m.loop, func(confirmed bool, _ error) {
		m.guard(p, func() {
			m.stopPromptTimer(c.ID())
			if m.abortedOutgoing(p) {
				return
			}
			if !confirmed {
				m.failOutgoing(p, call.NewDisconnectCause(call.DisconnectCanceled, call.ReasonUserCancelled), apperrors.ErrCanceled)
				return
			}
			m.stage(p, "confirmation")
			m.disconnectSelfManagedCalls("outgoing call " + c.ID() + " confirmed")
			m.selectAccount(p)
		})
	})
}

func (m *Manager) selectAccount(p *outgoing) {
	c := p.c
	if c.TargetAccount() == nil {
		switch {
		case len(p.suggestions) == 0:
			m.rejectOutgoing(p, call.ReasonNoAccounts)
			return
		case autoSelected(p.suggestions) != nil:
			h := autoSelected(p.suggestions).Handle
			c.SetTargetAccount(&h)
		case len(p.suggestions) == 1, c.IsEmergency(), c.IsSelfManaged():
			h := p.suggestions[0].Handle
			c.SetTargetAccount(&h)
		default:
			m.awaitSelection(p)
			return
		}
	}
	m.finalizeOutgoing(p)
}

// awaitSelection parks the call in SELECT_PHONE_ACCOUNT until the user picks
// an account.
func (m *Manager) awaitSelection(p *outgoing) {
	c := p.c
	c.SetState(call.StateSelectPhoneAccount, "waiting for account selection")
	m.addCall(c)
	p.result.Complete(c)

	f, displaced := m.pendingSelect.Replace(c.ID())
	if displaced != "" {
		m.logger.Info("pending account selection superseded",
			zap.String("call_id", displaced),
			zap.String("new_call_id", c.ID()),
		)
	}
	m.armPromptTimeout(c.ID())

	f.OnComplete(m.loop, func(sel *Selection, _ error) {
		m.guard(p, func() {
			m.stopPromptTimer(c.ID())
			if m.abortedOutgoing(p) {
				return
			}
			if sel == nil {
				m.failOutgoing(p, call.NewDisconnectCause(call.DisconnectCanceled, call.ReasonUserCancelled), apperrors.ErrCanceled)
				return
			}
			m.stage(p, "account_selection")
			if sel.SetDefault {
				m.accounts.SetOutgoingDefault(sel.Account)
			}
			h := sel.Account
			c.SetTargetAccount(&h)
			if !c.IsEmergency() {
				if ok, reason := m.makeRoomForOutgoingCall(c); !ok {
					m.rejectOutgoing(p, reason)
					return
				}
			}
			m.finalizeOutgoing(p)
		})
	})
}

func (m *Manager) finalizeOutgoing(p *outgoing) {
	c := p.c
	h := c.TargetAccount()
	acct, ok := m.accounts.Account(*h)
	if !ok {
		m.failOutgoing(p, call.NewDisconnectCause(call.DisconnectError, "account unregistered"),
			apperrors.InvalidInput("phone account "+h.String()+" is no longer registered"))
		return
	}
	c.SetSelfManaged(acct.IsSelfManaged())
	if acct.Has(phoneaccount.CapAlwaysUseVoIPAudioMode) {
		c.SetVoIPAudioMode(true)
	}
	if p.req.RTT && acct.Has(phoneaccount.CapRTT) {
		c.StartRTT()
	}
	if c.IsVideo() && !acct.Has(phoneaccount.CapVideoCalling) {
		c.SetVideo(false)
	}
	if c.IsSelfManaged() && !m.isOutgoingCallPermitted(c, h) {
		m.rejectOutgoing(p, call.ReasonMaxOutgoingCalls)
		return
	}

	cs, ok := m.services.Resolve(*h)
	if !ok {
		m.failOutgoing(p, call.NewDisconnectCause(call.DisconnectError, "no connection service"),
			apperrors.ExternalFailure("connection service for "+h.String(), nil))
		return
	}
	c.SetConnectionService(cs)

	if c.IsEmergency() {
		m.disconnectSelfManagedCalls("emergency call placed")
		m.noteEmergencyCall(h)
	}
	c.SetState(call.StateConnecting, "placing outgoing call")
	m.addCall(c)
	m.stage(p, "finalize")
	p.result.Complete(c)

	m.focus.RequestFocus(c, func() {
		if m.abortedOutgoing(p) || c.State() != call.StateConnecting || !m.IsRegistered(c) {
			return
		}
		if !c.StartCreateConnection() {
			m.failOutgoing(p, call.NewDisconnectCause(call.DisconnectError, "no connection service"),
				apperrors.ExternalFailure("connection service", nil))
			return
		}
		m.finishOutgoing(p, "placed", nil)
	})
}

// rejectOutgoing fails the call for a policy reason.
func (m *Manager) rejectOutgoing(p *outgoing, reason string) {
	m.observer.PolicyRejected(reason)
	p.c.Logger().Info("outgoing call refused by policy", zap.String("reason", reason))
	m.failOutgoing(p, call.NewDisconnectCause(call.DisconnectRestricted, reason), apperrors.PolicyRejected(reason))
}

// failOutgoing ends the call and the pipeline.
func (m *Manager) failOutgoing(p *outgoing, cause call.DisconnectCause, err error) {
	m.cancelPrompts(p.c.ID())
	m.abandonOutgoing(p.c, cause)
	p.result.Fail(err)
	m.finishOutgoing(p, string(apperrors.GetCode(err)), err)
}

// abortedOutgoing ends the pipeline if the call was torn down, or handed to
// a newer pipeline run, while a stage was waiting.
func (m *Manager) abortedOutgoing(p *outgoing) bool {
	if m.pipelines[p.c] == p && !p.c.State().IsTerminal() {
		return false
	}
	p.result.Fail(apperrors.ErrCanceled)
	m.finishOutgoing(p, string(apperrors.CodeCanceled), apperrors.ErrCanceled)
	return true
}

func (m *Manager) finishOutgoing(p *outgoing, outcome string, err error) {
	if p.done {
		return
	}
	p.done = true
	if m.pipelines[p.c] == p {
		delete(m.pipelines, p.c)
	}
	if err != nil {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, outcome)
	}
	p.span.SetAttributes(attribute.String("call.outcome", outcome))
	p.span.End()
	m.observer.OutgoingCallFinished(outcome, m.clock.Since(p.started))
}

func (m *Manager) stage(p *outgoing, name string) {
	now := m.clock.Now()
	m.observer.PipelineStageCompleted(name, now.Sub(p.stageAt))
	p.span.AddEvent(name)
	p.stageAt = now
}

// guard keeps a failing stage from leaking the call.
func (m *Manager) guard(p *outgoing, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.c.Logger().Error("outgoing call stage panicked", zap.Any("panic", r), zap.Stack("stack"))
			m.failOutgoing(p, call.NewDisconnectCause(call.DisconnectError, "internal error"),
				apperrors.InternalError("outgoing call setup failed", fmt.Errorf("%v", r)))
		}
	}()
	fn()
}

// ConfirmPendingCall confirms ending the ongoing self-managed call in favor
// of the pending call id. It must not be called from the loop.
func (m *Manager) ConfirmPendingCall(ctx context.Context, id string) error {
	var ok bool
	if err := m.loop.Do(ctx, func() { ok = m.pendingConfirm.Resolve(id, true) }); err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound("pending confirmation for call " + id)
	}
	return nil
}

// CancelPendingCall abandons a call waiting on confirmation or account
// selection. It must not be called from the loop.
func (m *Manager) CancelPendingCall(ctx context.Context, id string) error {
	var found bool
	err := m.loop.Do(ctx, func() {
		confirm := m.pendingConfirm.Cancel(id)
		sel := m.pendingSelect.Cancel(id)
		m.stopPromptTimer(id)
		c := m.Call(id)
		found = confirm || sel
		if c == nil || !found {
			return
		}
		cause := call.NewDisconnectCause(call.DisconnectCanceled, call.ReasonUserCancelled)
		if p, ok := m.pipelines[c]; ok {
			m.failOutgoing(p, cause, apperrors.ErrCanceled)
			return
		}
		m.abandonOutgoing(c, cause)
	})
	if err != nil {
		return err
	}
	if !found {
		return apperrors.NotFound("pending call " + id)
	}
	return nil
}

// PhoneAccountSelected answers the account selection prompt for call id.
// It must not be called from the loop.
func (m *Manager) PhoneAccountSelected(ctx context.Context, id string, h phoneaccount.Handle, setDefault bool) error {
	var result error
	err := m.loop.Do(ctx, func() {
		if _, ok := m.accounts.Account(h); !ok {
			result = apperrors.InvalidInput("unknown phone account " + h.String())
			return
		}
		if !m.pendingSelect.Resolve(id, &Selection{Account: h, SetDefault: setDefault}) {
			result = apperrors.NotFound("pending account selection for call " + id)
		}
	})
	if err != nil {
		return err
	}
	return result
}

func (m *Manager) armPromptTimeout(id string) {
	if m.cfg.ConfirmationTimeout <= 0 {
		return
	}
	m.stopPromptTimer(id)
	m.promptTimers[id] = m.loop.PostDelayed(m.cfg.ConfirmationTimeout, func() {
		delete(m.promptTimers, id)
		if m.pendingConfirm.Cancel(id) || m.pendingSelect.Cancel(id) {
			m.logger.Info("call prompt timed out", zap.String("call_id", id))
		}
	})
}

func (m *Manager) stopPromptTimer(id string) {
	if t, ok := m.promptTimers[id]; ok {
		t.Stop()
		delete(m.promptTimers, id)
	}
}

// cancelPrompts withdraws any prompt waiting on call id.
func (m *Manager) cancelPrompts(id string) {
	m.pendingConfirm.Cancel(id)
	m.pendingSelect.Cancel(id)
	m.stopPromptTimer(id)
}

func (m *Manager) noteEmergencyCall(h *phoneaccount.Handle) {
	if h != nil {
		acct := *h
		m.lastEmergencyAccount = &acct
	}
	m.lastEmergencyAt = m.clock.Now()
}

func containsHandle(list []phoneaccount.Handle, h phoneaccount.Handle) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

// knownSuggestions drops suggestions for accounts that were not candidates.
func knownSuggestions(s []phoneaccount.Suggestion, cands []phoneaccount.Handle) []phoneaccount.Suggestion {
	out := make([]phoneaccount.Suggestion, 0, len(s))
	for _, x := range s {
		if containsHandle(cands, x.Handle) {
			out = append(out, x)
		}
	}
	return out
}

// autoSelected returns the suggestion to use without asking, if exactly one
// is marked for auto-selection.
func autoSelected(s []phoneaccount.Suggestion) *phoneaccount.Suggestion {
	var found *phoneaccount.Suggestion
	for i := range s {
		if s[i].ShouldAutoSelect {
			if found != nil {
				return nil
			}
			found = &s[i]
		}
	}
	return found
}
