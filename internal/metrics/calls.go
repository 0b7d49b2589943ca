package metrics

import (
	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/callsmanager"
)

// CallsListener feeds registry events into Metrics. Register it with
// callsmanager.Manager.AddListener; like every listener it runs on the
// event loop.
type CallsListener struct {
	callsmanager.BaseListener
	m    *Metrics
	live int
}

// NewCallsListener returns a listener that records into m.
func NewCallsListener(m *Metrics) *CallsListener {
	m.CanAddCall.Set(1)
	return &CallsListener{m: m}
}

func (l *CallsListener) OnCallAdded(c *call.Call) {
	l.live++
	l.m.CallsLive.Set(float64(l.live))
	l.m.CallsAdded.WithLabelValues(c.Direction().String()).Inc()
	if l.m.errorRates != nil {
		l.m.errorRates.RecordCall()
	}
}

func (l *CallsListener) OnCallRemoved(c *call.Call) {
	if l.live > 0 {
		l.live--
	}
	l.m.CallsLive.Set(float64(l.live))
	l.m.CallsRemoved.WithLabelValues(c.DisconnectCause().Code.String()).Inc()
}

func (l *CallsListener) OnCallStateChanged(_ *call.Call, oldState, newState call.State) {
	l.m.StateTransitions.WithLabelValues(newState.String()).Inc()
	if !call.ExpectedTransition(oldState, newState) {
		l.m.UnexpectedTransitions.WithLabelValues(oldState.String(), newState.String()).Inc()
	}
}

func (l *CallsListener) OnCreateConnectionFailed(*call.Call, call.DisconnectCause) {
	l.m.recordError(ErrorCategoryCreateConnection)
}

func (l *CallsListener) OnCanAddCallChanged(canAdd bool) {
	if canAdd {
		l.m.CanAddCall.Set(1)
		return
	}
	l.m.CanAddCall.Set(0)
}

func (l *CallsListener) OnHandoverComplete(_, _ *call.Call) {
	l.m.HandoversTotal.WithLabelValues("complete").Inc()
}

func (l *CallsListener) OnHandoverFailed(_ *call.Call, reason call.HandoverFailure) {
	l.m.HandoversTotal.WithLabelValues(reason.String()).Inc()
	l.m.recordError(ErrorCategoryHandover)
}
