package env

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"weak"

	"github.com/google/uuid"

	"github.com/signalsfoundry/simenv/core"
)

type callbackEntry struct {
	token uuid.UUID
	fn    core.CollisionCallback
}

// CallbackHandle keeps a collision callback registered. Close deregisters it;
// a handle dropped without Close is deregistered once it is garbage
// collected. The handle never keeps the environment alive.
type CallbackHandle struct {
	once    sync.Once
	env     weak.Pointer[Environment]
	token   uuid.UUID
	cleanup runtime.Cleanup
}

type callbackRef struct {
	env   weak.Pointer[Environment]
	token uuid.UUID
}

// RegisterCollisionCallback appends fn to the callbacks backends consult when
// they find a collision.
func (e *Environment) RegisterCollisionCallback(fn core.CollisionCallback) (*CallbackHandle, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil collision callback", core.ErrInvalidArguments)
	}
	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	ref := callbackRef{env: weak.Make(e), token: uuid.New()}

	e.mu.Lock()
	e.callbacks = append(e.callbacks, callbackEntry{token: ref.token, fn: fn})
	e.mu.Unlock()

	h := &CallbackHandle{env: ref.env, token: ref.token}
	h.cleanup = runtime.AddCleanup(h, deregisterCallback, ref)
	return h, nil
}

// Close deregisters the callback. Later calls, and calls after the
// environment is gone or destroyed, are no-ops.
func (h *CallbackHandle) Close() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cleanup.Stop()
		deregisterCallback(callbackRef{env: h.env, token: h.token})
	})
}

func deregisterCallback(ref callbackRef) {
	e := ref.env.Value()
	if e == nil || e.lifecycle() == stateDestroyed {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = slices.DeleteFunc(e.callbacks, func(c callbackEntry) bool { return c.token == ref.token })
}

// RegisteredCollisionCallbacks is a snapshot of the registered callbacks in
// registration order.
func (e *Environment) RegisteredCollisionCallbacks() []core.CollisionCallback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callbacksLocked()
}

// HasRegisteredCollisionCallbacks reports whether any callback is registered.
func (e *Environment) HasRegisteredCollisionCallbacks() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.callbacks) > 0
}

func (e *Environment) callbacksLocked() []core.CollisionCallback {
	out := make([]core.CollisionCallback, len(e.callbacks))
	for i, c := range e.callbacks {
		out[i] = c.fn
	}
	return out
}
