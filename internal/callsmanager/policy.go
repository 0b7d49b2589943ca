package callsmanager

import (
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// Anomalies reported while making room.
var (
	LiveCallStuckConnectingID          = uuid.MustParse("3f95808c-9134-41ed-a1eb-0242ac120002")
	LiveCallStuckConnectingEmergencyID = uuid.MustParse("0de0b31a-9134-41ed-a1eb-0242ac120002")
)

type category int

const (
	categoryAll category = iota
	categoryManaged
	categorySelfManaged
)

// countFilter selects top-level, non-external calls from the registry.
type countFilter struct {
	category category
	exclude  *call.Call
	account  *phoneaccount.Handle
	states   []call.State
}

func (f countFilter) matches(c *call.Call) bool {
	if c == f.exclude || c.Parent() != nil || c.IsExternal() {
		return false
	}
	switch f.category {
	case categoryManaged:
		if c.IsSelfManaged() {
			return false
		}
	case categorySelfManaged:
		if !c.IsSelfManaged() {
			return false
		}
	}
	if f.account != nil && !phoneaccount.Equal(f.account, c.TargetAccount()) {
		return false
	}
	return c.State().In(f.states)
}

func (m *Manager) count(f countFilter) int {
	n := 0
	for _, c := range m.calls {
		if f.matches(c) {
			n++
		}
	}
	return n
}

func (m *Manager) first(f countFilter) *call.Call {
	for _, c := range m.calls {
		if f.matches(c) {
			return c
		}
	}
	return nil
}

func (m *Manager) firstWithState(states ...call.State) *call.Call {
	return m.first(countFilter{states: states})
}

func (m *Manager) hasMaximumLiveCalls(exclude *call.Call) bool {
	return m.count(countFilter{exclude: exclude, states: call.LiveStates}) >= m.cfg.Limits.Live
}

func (m *Manager) hasMaximumManagedHoldingCalls(exclude *call.Call) bool {
	return m.count(countFilter{category: categoryManaged, exclude: exclude, states: call.HoldingStates}) >= m.cfg.Limits.Hold
}

func (m *Manager) hasMaximumManagedRingingCalls(exclude *call.Call) bool {
	return m.count(countFilter{category: categoryManaged, exclude: exclude, states: call.RingingStates}) >= m.cfg.Limits.Ringing
}

func (m *Manager) hasMaximumSelfManagedRingingCalls(exclude *call.Call, account *phoneaccount.Handle) bool {
	return m.count(countFilter{category: categorySelfManaged, exclude: exclude, account: account, states: call.RingingStates}) >= m.cfg.Limits.Ringing
}

func (m *Manager) hasMaximumManagedDialingCalls(exclude *call.Call) bool {
	return m.count(countFilter{category: categoryManaged, exclude: exclude, states: call.DialingStates}) >= m.cfg.Limits.Dialing
}

func (m *Manager) hasMaximumOutgoingCalls(exclude *call.Call) bool {
	return m.count(countFilter{exclude: exclude, states: call.OutgoingStates}) >= m.cfg.Limits.Outgoing
}

func (m *Manager) hasMaximumSelfManagedCalls(exclude *call.Call, account *phoneaccount.Handle) bool {
	return m.count(countFilter{category: categorySelfManaged, exclude: exclude, account: account, states: call.AnyState}) >= m.cfg.Limits.SelfManaged
}

// isInEmergencyCall reports a registered emergency call that has not ended,
// including incoming calls the network flagged as emergency.
func (m *Manager) isInEmergencyCall() bool {
	for _, c := range m.calls {
		if (c.IsEmergency() || c.IsNetworkIdentifiedEmergency()) && !c.State().IsTerminal() {
			return true
		}
	}
	return false
}

// isIncomingCallPermitted applies the ringing and hold limits for managed
// accounts and the per-account limits for self-managed ones.
func (m *Manager) isIncomingCallPermitted(exclude *call.Call, h *phoneaccount.Handle) bool {
	if h == nil {
		return false
	}
	acct, ok := m.accounts.Account(*h)
	if !ok {
		return false
	}
	if m.isInEmergencyCall() {
		return false
	}
	if !acct.IsSelfManaged() {
		return !m.hasMaximumManagedRingingCalls(exclude) && !m.hasMaximumManagedHoldingCalls(exclude)
	}
	return !m.hasMaximumSelfManagedRingingCalls(exclude, h) && !m.hasMaximumSelfManagedCalls(exclude, h)
}

func (m *Manager) isOutgoingCallPermitted(exclude *call.Call, h *phoneaccount.Handle) bool {
	if h == nil {
		return false
	}
	acct, ok := m.accounts.Account(*h)
	if !ok {
		return false
	}
	if !acct.IsSelfManaged() {
		return !m.hasMaximumOutgoingCalls(exclude) &&
			!m.hasMaximumManagedDialingCalls(exclude) &&
			!m.hasMaximumLiveCalls(exclude) &&
			!m.hasMaximumManagedHoldingCalls(exclude)
	}
	if m.isInEmergencyCall() {
		return false
	}
	return !m.hasMaximumSelfManagedCalls(exclude, h)
}

func canHold(c *call.Call) bool {
	return c.Can(call.CapabilityHold) && c.State() != call.StateDialing
}

func supportsHold(c *call.Call) bool {
	return c.Can(call.CapabilitySupportHold)
}

// areFromSameSource reports calls placed by the same connection service or
// by accounts of the same package.
func areFromSameSource(a, b *call.Call) bool {
	if a.ConnectionService() != nil && a.ConnectionService() == b.ConnectionService() {
		return true
	}
	return phoneaccount.AreFromSamePackage(a.TargetAccount(), b.TargetAccount())
}

// foregroundCall prefers an ACTIVE call, then any other live call, then a
// held one.
func (m *Manager) foregroundCall() *call.Call {
	if c := m.firstWithState(call.StateActive); c != nil {
		return c
	}
	if c := m.firstWithState(call.StateDialing, call.StatePulling, call.StateConnecting, call.StateAudioProcessing); c != nil {
		return c
	}
	return m.firstWithState(call.StateOnHold)
}

// makeRoomForOutgoingCall frees the live slot for c if policy allows. On
// refusal it returns the disconnect reason for c.
func (m *Manager) makeRoomForOutgoingCall(c *call.Call) (bool, string) {
	if !m.hasMaximumLiveCalls(c) {
		return true, ""
	}
	live := m.firstWithState(call.LiveStates...)
	if live == nil || live == c {
		return true, ""
	}

	if live.State() == call.StateConnecting && m.clock.Since(live.CreatedAt()) > m.cfg.Watchdog.Transitory {
		m.reportAnomaly(LiveCallStuckConnectingID, "live call stuck connecting, disconnecting in favor of new call "+c.ID())
		live.Disconnect("force disconnect CONNECTING call")
		return true, ""
	}

	if m.hasMaximumOutgoingCalls(c) {
		outgoing := m.firstWithState(call.OutgoingStates...)
		if outgoing != nil && outgoing.State() == call.StateSelectPhoneAccount {
			outgoing.Disconnect("disconnecting SELECT_PHONE_ACCOUNT call in favor of new outgoing call")
			return true, ""
		}
		return false, call.ReasonMaxOutgoingCalls
	}

	if live.IsConference() {
		// The service holds its own conference when dialing more calls.
		return true, ""
	}
	if phoneaccount.AreFromSamePackage(live.TargetAccount(), c.TargetAccount()) {
		return true, ""
	}
	if c.TargetAccount() == nil {
		// Checked again once the user picks an account.
		return true, ""
	}
	if canHold(live) && !m.hasMaximumManagedHoldingCalls(live) {
		live.Logger().Info("holding live call to make room", zap.String("new_call_id", c.ID()))
		live.Hold("calling " + c.ID())
		return true, ""
	}
	return false, call.ReasonCannotHold
}

// makeRoomForOutgoingEmergencyCall prefers dropping other calls over failing
// the emergency call.
func (m *Manager) makeRoomForOutgoingEmergencyCall(c *call.Call) (bool, string) {
	for _, ringing := range m.ringingCalls() {
		ringing.SetOverrideDisconnectCause(call.NewDisconnectCause(call.DisconnectMissed, call.ReasonEmergencyCallPlaced))
		if ringing.State() == call.StateSimulatedRinging {
			ringing.Disconnect("emergency call dialed during simulated ringing")
		} else {
			ringing.Reject("emergency call dialed during ringing")
		}
	}

	if !m.hasMaximumLiveCalls(c) {
		return true, ""
	}
	live := m.firstWithState(call.LiveStates...)
	if live == nil || live == c {
		return true, ""
	}

	if m.hasMaximumOutgoingCalls(c) {
		outgoing := m.firstWithState(call.OutgoingStates...)
		if outgoing != nil && !outgoing.IsEmergency() {
			outgoing.Disconnect("disconnecting dialing call in favor of new dialing emergency call")
			return true, ""
		}
		if outgoing != nil && outgoing.State() == call.StateSelectPhoneAccount {
			outgoing.Disconnect("disconnecting SELECT_PHONE_ACCOUNT call in favor of new outgoing call")
			return true, ""
		}
		return false, call.ReasonInEmergencyCall
	}

	placed := call.NewDisconnectCause(call.DisconnectLocal, call.ReasonEmergencyCallPlaced)
	if live.State() == call.StateAudioProcessing {
		live.SetOverrideDisconnectCause(placed)
		live.Disconnect("disconnecting audio processing call for emergency")
		return true, ""
	}
	if live.State() == call.StateConnecting {
		m.reportAnomaly(LiveCallStuckConnectingEmergencyID, "live call stuck connecting during emergency call "+c.ID())
	}
	if m.hasMaximumManagedHoldingCalls(c) && !canHold(live) {
		live.SetOverrideDisconnectCause(placed)
		live.Disconnect("disconnecting to make room for emergency call " + c.ID())
		return true, ""
	}
	if live.IsConference() {
		return true, ""
	}
	if h := live.TargetAccount(); h != nil {
		if acct, ok := m.accounts.Account(*h); ok && !acct.Has(phoneaccount.CapPlaceEmergencyCalls) {
			live.SetOverrideDisconnectCause(placed)
			live.Disconnect("live call does not support emergency calls")
			return true, ""
		}
	}

	if phoneaccount.AreFromSamePackage(live.TargetAccount(), c.TargetAccount()) && canHold(live) {
		live.Logger().Info("holding live call for emergency call", zap.String("new_call_id", c.ID()))
		live.Hold("calling " + c.ID())
		return true, ""
	}
	live.SetOverrideDisconnectCause(placed)
	live.Disconnect("disconnecting live call for emergency call " + c.ID())
	return true, ""
}

func (m *Manager) ringingCalls() []*call.Call {
	var out []*call.Call
	for _, c := range m.calls {
		if c.State() == call.StateRinging || c.State() == call.StateSimulatedRinging {
			out = append(out, c)
		}
	}
	return out
}

// holdActiveCallForNewCall makes way for newCall, which is about to take
// focus. It reports false when newCall was rejected instead.
func (m *Manager) holdActiveCallForNewCall(newCall *call.Call) bool {
	active := m.focusCall()
	if active == nil || active == newCall {
		return true
	}
	if canHold(active) {
		active.Hold("swap to " + newCall.ID())
		return true
	}
	if supportsHold(active) && areFromSameSource(active, newCall) {
		// The service can hold this call, just not right now; it most likely
		// already has a held call, which has to go first.
		if held := m.heldCallFromSameSource(active); held != nil {
			held.Disconnect("disconnecting held call to swap to " + newCall.ID())
		}
		active.Hold("swap to " + newCall.ID())
		return true
	}
	if !areFromSameSource(active, newCall) {
		if active.IsEmergency() {
			newCall.Reject("rejected since active emergency call")
			return false
		}
		active.Disconnect("active call not holdable while taking " + newCall.ID())
	}
	return true
}

func (m *Manager) heldCallFromSameSource(c *call.Call) *call.Call {
	for _, x := range m.calls {
		if x != c && x.State() == call.StateOnHold && areFromSameSource(x, c) {
			return x
		}
	}
	return nil
}

// focusCall returns the focus manager's focus call as a Call.
func (m *Manager) focusCall() *call.Call {
	fc := m.focus.FocusCall()
	if fc == nil {
		return nil
	}
	c, _ := fc.(*call.Call)
	return c
}

// disconnectSelfManagedCalls clears the way for an emergency call.
func (m *Manager) disconnectSelfManagedCalls(reason string) {
	for _, c := range m.Calls() {
		if c.IsSelfManaged() && !c.State().IsTerminal() {
			c.Disconnect(reason)
		}
	}
}

// disconnectOtherCalls drops every call not placed through the package of h.
func (m *Manager) disconnectOtherCalls(h *phoneaccount.Handle, reason string, keep ...*call.Call) {
next:
	for _, c := range m.Calls() {
		for _, k := range keep {
			if c == k {
				continue next
			}
		}
		if c.State().IsTerminal() {
			continue
		}
		if !phoneaccount.AreFromSamePackage(c.TargetAccount(), h) {
			c.Disconnect(reason)
		}
	}
}

// isEmergencyNumber matches the dialable part of a tel: address against the
// configured emergency numbers.
func (m *Manager) isEmergencyNumber(address string) bool {
	scheme := phoneaccount.Scheme(address)
	if scheme != "" && scheme != "tel" {
		return false
	}
	number := dialable(phoneaccount.SchemeSpecificPart(address))
	for _, n := range m.cfg.EmergencyNumbers {
		if number == n {
			return true
		}
	}
	return false
}

func dialable(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '+' || r == '*' || r == '#' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isPotentialMMICode matches supplementary service codes such as *#06#.
func isPotentialMMICode(address string) bool {
	return phoneaccount.Scheme(address) == "tel" && strings.Contains(phoneaccount.SchemeSpecificPart(address), "#")
}

// isPotentialInCallMMICode matches the short codes used to manage calls in
// progress, such as 0, 1x, 2x and 3.
func isPotentialInCallMMICode(address string) bool {
	if phoneaccount.Scheme(address) != "tel" {
		return false
	}
	n := phoneaccount.SchemeSpecificPart(address)
	switch {
	case n == "0", n == "3", n == "4", n == "5":
		return true
	case (strings.HasPrefix(n, "1") || strings.HasPrefix(n, "2")) && len(n) <= 2:
		return true
	}
	return false
}

func (m *Manager) reportAnomaly(id uuid.UUID, message string) {
	m.logger.Error("anomaly", zap.String("anomaly_id", id.String()), zap.String("message", message))
	if m.anomalies != nil {
		m.anomalies.ReportAnomaly(id, message)
	}
}
