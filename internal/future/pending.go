package future

import "sync"

// Pending is a single-slot register for a request that waits on external
// input, keyed by the id of the thing waiting. Installing a new request
// completes the previous one with the zero value so its waiter can abort.
type Pending[T any] struct {
	mu  sync.Mutex
	key string
	f   *Future[T]
}

// Replace installs a new pending request for key and returns its future. The
// key of any request it displaced is returned so the caller can clean up.
func (p *Pending[T]) Replace(key string) (*Future[T], string) {
	p.mu.Lock()
	old, oldKey := p.f, p.key
	f := New[T]()
	p.f, p.key = f, key
	p.mu.Unlock()

	if old != nil {
		var zero T
		old.Complete(zero)
		return f, oldKey
	}
	return f, ""
}

// Resolve completes the pending request for key with v and clears the slot.
// It reports false if key is not the one waiting.
func (p *Pending[T]) Resolve(key string, v T) bool {
	p.mu.Lock()
	if p.f == nil || p.key != key {
		p.mu.Unlock()
		return false
	}
	f := p.f
	p.f, p.key = nil, ""
	p.mu.Unlock()

	return f.Complete(v)
}

// Cancel completes the pending request for key with the zero value.
func (p *Pending[T]) Cancel(key string) bool {
	var zero T
	return p.Resolve(key, zero)
}

// Key returns the key currently waiting, if any.
func (p *Pending[T]) Key() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key, p.f != nil
}
