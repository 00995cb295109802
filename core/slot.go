package core

import "sync"

// SlotHooks customise a Slot. Fallback is required; Activate and Deactivate may
// be nil.
type SlotHooks[T any] struct {
	// Fallback builds the no-op instance installed when Set receives nil.
	Fallback func() T
	// Activate runs after a new instance is installed.
	Activate func(T) bool
	// Deactivate runs on the outgoing instance before the swap.
	Deactivate func(T)
}

// Slot holds the single active instance of one backend kind. Get never returns
// nil.
type Slot[T comparable] struct {
	mu         sync.RWMutex
	cur        T
	isFallback bool
	hooks      SlotHooks[T]
}

// NewSlot returns a slot holding the fallback instance. The fallback is not
// activated.
func NewSlot[T comparable](hooks SlotHooks[T]) *Slot[T] {
	return &Slot[T]{cur: hooks.Fallback(), isFallback: true, hooks: hooks}
}

// Get returns the active instance.
func (s *Slot[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// IsFallback reports whether the no-op instance is active.
func (s *Slot[T]) IsFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isFallback
}

// Set swaps in v. Setting the active instance again is a no-op success; nil
// installs the fallback. The outgoing instance is deactivated before the new
// one is installed and activated. A false Activate result is returned but v
// stays installed; callers that want the fallback instead call Set(nil).
// Hooks run without the slot lock held, so callers must serialise Set calls;
// the environment does this with its scene lock.
func (s *Slot[T]) Set(v T) bool {
	s.mu.RLock()
	cur, isFallback := s.cur, s.isFallback
	s.mu.RUnlock()

	var zero T
	fallback := false
	if v == zero {
		if isFallback {
			return true
		}
		v = s.hooks.Fallback()
		fallback = true
	}
	if v == cur {
		return true
	}
	if s.hooks.Deactivate != nil {
		s.hooks.Deactivate(cur)
	}
	s.mu.Lock()
	s.cur = v
	s.isFallback = fallback
	s.mu.Unlock()
	if s.hooks.Activate != nil {
		return s.hooks.Activate(v)
	}
	return true
}

// Activate runs the activation hook on the current instance.
func (s *Slot[T]) Activate() bool {
	if s.hooks.Activate == nil {
		return true
	}
	return s.hooks.Activate(s.Get())
}

// Deactivate runs the deactivation hook on the current instance without
// swapping it.
func (s *Slot[T]) Deactivate() {
	if s.hooks.Deactivate != nil {
		s.hooks.Deactivate(s.Get())
	}
}

// Reset installs a fresh fallback without running any hook.
func (s *Slot[T]) Reset() {
	v := s.hooks.Fallback()
	s.mu.Lock()
	s.cur = v
	s.isFallback = true
	s.mu.Unlock()
}
