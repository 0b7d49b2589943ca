package callsmanager

import (
	"context"
	"time"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/focus"
	"github.com/jkindrix/callcore/internal/phoneaccount"
	"github.com/jkindrix/callcore/internal/watchdog"
)

// AccountRegistrar is the account lookup the manager needs.
// phoneaccount.MemoryRegistrar satisfies it.
type AccountRegistrar interface {
	Account(h phoneaccount.Handle) (phoneaccount.Account, bool)
	CallCapable(q phoneaccount.Query) []phoneaccount.Handle
	OutgoingDefault(scheme string, user int) (phoneaccount.Handle, bool)
	SetOutgoingDefault(h phoneaccount.Handle)
}

// ServiceResolver binds a phone account to the connection service that
// places its calls.
type ServiceResolver interface {
	Resolve(h phoneaccount.Handle) (call.ConnectionService, bool)
}

// FilteringResult is the verdict of the incoming call filter.
type FilteringResult struct {
	Allow            bool   `json:"allow"`
	Reject           bool   `json:"reject"`
	Silence          bool   `json:"silence"`
	ScreenAudio      bool   `json:"screen_audio"`
	AddToCallLog     bool   `json:"add_to_call_log"`
	ShowNotification bool   `json:"show_notification"`
	ScreeningApp     string `json:"screening_app,omitempty"`
}

// AllowAll is the verdict used when no filter is configured or the filter
// cannot answer in time.
var AllowAll = FilteringResult{Allow: true, AddToCallLog: true, ShowNotification: true}

// CallFilter screens incoming calls. It runs off the event loop and must
// honour ctx.
type CallFilter interface {
	Filter(ctx context.Context, info call.Info) (FilteringResult, error)
}

// SuggestionService ranks candidate accounts for an outgoing call. It runs
// off the event loop and must honour ctx.
type SuggestionService interface {
	Suggest(ctx context.Context, address string, candidates []phoneaccount.Suggestion) ([]phoneaccount.Suggestion, error)
}

// ContactPreferenceLookup returns the account a contact prefers to be called
// on, if any. It runs off the event loop.
type ContactPreferenceLookup interface {
	PreferredAccount(ctx context.Context, address string, user int) (phoneaccount.Handle, bool, error)
}

// LogKind is how a finished call is recorded in the call log.
type LogKind int

const (
	LogIncoming LogKind = iota + 1
	LogOutgoing
	LogMissed
	LogRejected
	LogBlocked
)

func (k LogKind) String() string {
	switch k {
	case LogIncoming:
		return "incoming"
	case LogOutgoing:
		return "outgoing"
	case LogMissed:
		return "missed"
	case LogRejected:
		return "rejected"
	case LogBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// CallLogger records finished calls. LogCall runs on the event loop and must
// not block.
type CallLogger interface {
	LogCall(info call.Info, kind LogKind, showNotification bool)
}

// ProfilePolicy answers per-user questions such as whether the user's
// profile is paused.
type ProfilePolicy interface {
	IsQuietMode(user int) bool
}

// Observer receives manager events for metrics. It also serves the focus
// manager and the watchdog the manager builds.
type Observer interface {
	focus.Observer
	watchdog.Observer
	OutgoingCallFinished(outcome string, elapsed time.Duration)
	IncomingCallFinished(outcome string)
	PipelineStageCompleted(stage string, elapsed time.Duration)
	PolicyRejected(reason string)
}

type nopObserver struct{}

func (nopObserver) FocusGranted(string)                          {}
func (nopObserver) FocusReleaseTimedOut(string)                  {}
func (nopObserver) WatchdogDisconnected(call.State, bool)        {}
func (nopObserver) OutgoingCallFinished(string, time.Duration)   {}
func (nopObserver) IncomingCallFinished(string)                  {}
func (nopObserver) PipelineStageCompleted(string, time.Duration) {}
func (nopObserver) PolicyRejected(string)                        {}
