package phoneaccount

import (
	"sync"

	"go.uber.org/zap"
)

// Query selects call-capable accounts.
type Query struct {
	// Scheme restricts results to accounts that support the URI scheme.
	Scheme string
	// User restricts results to one user's accounts.
	User int
	// Required capabilities every result must have.
	Required Capability
	// Excluded capabilities no result may have.
	Excluded Capability
	// IncludeDisabled returns accounts the user has not enabled.
	IncludeDisabled bool
}

// MemoryRegistrar keeps registered accounts in memory, in registration order.
type MemoryRegistrar struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	order    []Handle
	accounts map[Handle]Account
	defaults map[defaultKey]Handle
}

type defaultKey struct {
	user   int
	scheme string
}

// NewMemoryRegistrar creates an empty registrar.
func NewMemoryRegistrar(logger *zap.Logger) *MemoryRegistrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRegistrar{
		logger:   logger,
		accounts: make(map[Handle]Account),
		defaults: make(map[defaultKey]Handle),
	}
}

// Register adds or replaces an account.
func (r *MemoryRegistrar) Register(a Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.Handle]; !ok {
		r.order = append(r.order, a.Handle)
	}
	r.accounts[a.Handle] = a
	r.logger.Info("phone account registered",
		zap.String("account", a.Handle.String()),
		zap.String("label", a.Label),
		zap.Bool("self_managed", a.IsSelfManaged()),
	)
}

// Unregister removes an account and any default that points at it.
func (r *MemoryRegistrar) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[h]; !ok {
		return
	}
	delete(r.accounts, h)
	for i, x := range r.order {
		if x == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for k, v := range r.defaults {
		if v == h {
			delete(r.defaults, k)
		}
	}
}

// Account returns the registered account for h.
func (r *MemoryRegistrar) Account(h Handle) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[h]
	return a, ok
}

// All returns every account in registration order.
func (r *MemoryRegistrar) All() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.accounts[h])
	}
	return out
}

// CallCapable returns the handles of call-provider accounts matching q.
func (r *MemoryRegistrar) CallCapable(q Query) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handle
	for _, h := range r.order {
		a := r.accounts[h]
		if h.User != q.User {
			continue
		}
		if !a.Has(CapCallProvider) {
			continue
		}
		if !a.Enabled && !q.IncludeDisabled {
			continue
		}
		if !a.SupportsScheme(q.Scheme) {
			continue
		}
		if q.Required != 0 && !a.Has(q.Required) {
			continue
		}
		if q.Excluded != 0 && a.Capabilities&q.Excluded != 0 {
			continue
		}
		out = append(out, h)
	}
	return out
}

// SimAccounts returns the SIM subscription accounts of user.
func (r *MemoryRegistrar) SimAccounts(user int) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handle
	for _, h := range r.order {
		if h.User == user && r.accounts[h].Has(CapSimSubscription) {
			out = append(out, h)
		}
	}
	return out
}

// OutgoingDefault returns the user's default account for scheme, if one is
// set and still registered.
func (r *MemoryRegistrar) OutgoingDefault(scheme string, user int) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.defaults[defaultKey{user: user, scheme: scheme}]
	if !ok {
		return Handle{}, false
	}
	if _, registered := r.accounts[h]; !registered {
		return Handle{}, false
	}
	return h, true
}

// SetOutgoingDefault records h as the user's default for every scheme it supports.
func (r *MemoryRegistrar) SetOutgoingDefault(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[h]
	if !ok {
		r.logger.Warn("ignoring default for unknown account", zap.String("account", h.String()))
		return
	}
	for _, s := range a.SupportedSchemes {
		r.defaults[defaultKey{user: h.User, scheme: s}] = h
	}
	r.logger.Info("default outgoing account set", zap.String("account", h.String()))
}
