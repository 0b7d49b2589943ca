// Package calltest provides a recording connection service for tests.
package calltest

import (
	"fmt"
	"sync"

	"github.com/jkindrix/callcore/internal/call"
)

// Op is one command received by a Service.
type Op struct {
	Name   string
	CallID string
	Arg    string
}

func (o Op) String() string {
	if o.Arg == "" {
		return fmt.Sprintf("%s(%s)", o.Name, o.CallID)
	}
	return fmt.Sprintf("%s(%s,%s)", o.Name, o.CallID, o.Arg)
}

// Service records every command it receives and never answers on its own.
// Tests drive results through the calls manager.
type Service struct {
	Name string

	mu          sync.Mutex
	ops         []Op
	listener    call.FocusListener
	focusGained int
	focusLost   int
	created     []call.Info

	// OnFocusLost, when set, runs after a focus-lost request is recorded.
	OnFocusLost func(s *Service)
}

// New returns a Service identified by name.
func New(name string) *Service {
	return &Service{Name: name}
}

func (s *Service) record(name, id, arg string) {
	s.mu.Lock()
	s.ops = append(s.ops, Op{Name: name, CallID: id, Arg: arg})
	s.mu.Unlock()
}

// Ops returns a copy of the recorded commands.
func (s *Service) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

// Count returns how many times name was received for callID. An empty
// callID matches any call.
func (s *Service) Count(name, callID string) int {
	n := 0
	for _, op := range s.Ops() {
		if op.Name == name && (callID == "" || op.CallID == callID) {
			n++
		}
	}
	return n
}

// Created returns the call snapshots passed to CreateConnection.
func (s *Service) Created() []call.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]call.Info, len(s.created))
	copy(out, s.created)
	return out
}

// FocusGained returns how often focus was granted to the service.
func (s *Service) FocusGained() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusGained
}

// FocusLost returns how often the service was asked to release focus.
func (s *Service) FocusLost() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusLost
}

// Release reports the focus resource as released.
func (s *Service) Release() {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnConnectionServiceReleased(s)
	}
}

// Die reports the service as dead.
func (s *Service) Die() {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnConnectionServiceDeath(s)
	}
}

func (s *Service) ConnectionServiceFocusLost() {
	s.mu.Lock()
	s.focusLost++
	cb := s.OnFocusLost
	s.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (s *Service) ConnectionServiceFocusGained() {
	s.mu.Lock()
	s.focusGained++
	s.mu.Unlock()
}

func (s *Service) SetConnectionServiceFocusListener(l call.FocusListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *Service) ComponentName() string { return s.Name }

func (s *Service) CreateConnection(info call.Info) {
	s.mu.Lock()
	s.created = append(s.created, info)
	s.mu.Unlock()
	s.record("create", info.ID, "")
}

func (s *Service) CreateConnectionFailed(info call.Info) { s.record("create_failed", info.ID, "") }
func (s *Service) Abort(id string)                       { s.record("abort", id, "") }
func (s *Service) Answer(id string)                      { s.record("answer", id, "") }
func (s *Service) Reject(id, msg string)                 { s.record("reject", id, msg) }
func (s *Service) Disconnect(id string)                  { s.record("disconnect", id, "") }
func (s *Service) Hold(id string)                        { s.record("hold", id, "") }
func (s *Service) Unhold(id string)                      { s.record("unhold", id, "") }
func (s *Service) Silence(id string)                     { s.record("silence", id, "") }
func (s *Service) SendCallEvent(id, event string)        { s.record("event", id, event) }
func (s *Service) HandoverComplete(id string)            { s.record("handover_complete", id, "") }

func (s *Service) HandoverFailed(id string, reason call.HandoverFailure) {
	s.record("handover_failed", id, reason.String())
}
