package hotswap

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// hookRecord is the registry's view of one intercepted function. Owned
// exclusively by the engine and mutated only under its lock; strategies see
// read-only views of the body snapshots.
type hookRecord struct {
	target  *Target
	key     string
	handler Interceptor
	t       *transformed
	hook    *Hook
}

// Hook is the caller's handle on an intercepted function.
type Hook struct {
	e     *Engine
	entry uintptr
	key   string
	name  string
	state *bridgeState

	effective bool
	strategy  string
}

// Key returns the interception key correlating this hook with its dispatch
// entry. Keys are unique per install and never reused.
func (h *Hook) Key() string { return h.key }

// Name returns the intercepted function's name.
func (h *Hook) Name() string { return h.name }

// Effective reports whether a functional replacement occurred. A false
// value means every invasive strategy was refused and the hook is
// diagnostic-only: it exists, but calls do not reach the interceptor.
func (h *Hook) Effective() bool { return h.effective }

// Strategy returns the name of the strategy that installed the hook.
func (h *Hook) Strategy() string { return h.strategy }

// CallCount returns the number of completed invocations of the intercepted
// function since install. Non-decreasing; panicking calls do not count.
func (h *Hook) CallCount() uint64 { return h.state.calls.Load() }

// Enable makes dispatch reachable again after Disable. No-op on a removed
// hook.
func (h *Hook) Enable() {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	h.state.enabled.Store(true)
}

// Disable stops routing calls to the interceptor without removing the
// transformed body; calls run the original computation directly.
func (h *Hook) Disable() {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	h.state.enabled.Store(false)
}

// Remove restores the original body, deletes the dispatch entry, and frees
// the key. Idempotent: removing twice behaves like removing once.
func (h *Hook) Remove() error {
	return h.e.remove(h.entry, h.key)
}

// Unpatched returns a callable with the original function's behavior (the
// relocated clone), or nil after Remove. Interceptors that need the
// untransformed computation use this instead of calling the target, which
// would recurse.
func (h *Hook) Unpatched() any {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()

	rec, ok := h.e.hooks[h.entry]
	if !ok || rec.key != h.key {
		return nil
	}
	return rec.t.clone.fn.Interface()
}

// InterceptFunc installs handler around fn. fn must be a plain function;
// the handler's receiver argument is StaticReceiver.
//
// At most one hook per function: a second install fails with
// ErrAlreadyIntercepted until the first hook is removed.
//
// If fn has been inlined, interception silently has no effect on inlined
// call sites. Add a go:noinline directive to the target when possible.
func (e *Engine) InterceptFunc(fn any, handler Interceptor) (*Hook, error) {
	return e.install(fn, handler, false)
}

// InterceptMethod installs handler around a method expression such as
// (*T).M. The first argument is treated as the receiver.
func (e *Engine) InterceptMethod(method any, handler Interceptor) (*Hook, error) {
	return e.install(method, handler, true)
}

func (e *Engine) install(fn any, handler Interceptor, isMethod bool) (*Hook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}

	fnv := reflect.ValueOf(fn)
	target, err := resolveTarget(fnv)
	if err != nil {
		return nil, &TransformationError{Func: fmt.Sprintf("%T", fn), Err: err}
	}
	target.Funcval = funcvalAddr(fnv)

	if _, ok := e.hooks[target.Entry]; ok {
		return nil, fmt.Errorf("%s: %w", target.Name, ErrAlreadyIntercepted)
	}

	key := uuid.NewString()

	// Transform first: a transform failure must leave nothing observable.
	t, err := transformBody(target, fnv, key, isMethod, e.dispatch, e.alloc, e.log)
	if err != nil {
		return nil, &TransformationError{Func: target.Name, Err: err}
	}
	target.NewEntry = t.thunkAddr

	// The dispatch entry goes live before the body does, so there is never
	// a transformed body running without a handler behind it.
	e.dispatch.register(key, handler)

	res := e.chain.apply(target, t.patch, t.analysis)
	if res.Outcome == NotApplied {
		e.dispatch.unregister(key)
		t.free()
		return nil, &RedefinitionError{Func: target.Name, Attempts: res.Attempts}
	}

	hook := &Hook{
		e:         e,
		entry:     target.Entry,
		key:       key,
		name:      target.Name,
		state:     t.state,
		effective: res.Functional,
		strategy:  res.Strategy,
	}
	e.hooks[target.Entry] = &hookRecord{
		target:  target,
		key:     key,
		handler: handler,
		t:       t,
		hook:    hook,
	}
	e.generation.Add(1)

	e.log.Info("hook installed",
		zap.String("func", target.Name),
		zap.String("key", key),
		zap.String("strategy", res.Strategy),
		zap.Stringer("outcome", res.Outcome),
		zap.Bool("effective", hook.effective))

	return hook, nil
}

func (e *Engine) remove(entry uintptr, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.hooks[entry]
	if !ok || rec.key != key {
		// Already removed.
		return nil
	}
	return e.removeLocked(entry)
}

func (e *Engine) removeLocked(entry uintptr) error {
	rec := e.hooks[entry]

	// Stop dispatch first so the bridge degrades to a pass-through while
	// the body is being restored.
	rec.t.state.enabled.Store(false)

	restore := rec.t.clone.snapshot
	rec.target.NewEntry = rec.target.Entry

	res := e.chain.apply(rec.target, restore, nil)
	if res.Outcome == NotApplied {
		e.log.Error("original body could not be restored",
			zap.String("func", rec.target.Name),
			zap.String("key", rec.key))
	}

	e.dispatch.unregister(rec.key)
	rec.t.free()
	delete(e.hooks, entry)
	e.generation.Add(1)

	e.log.Info("hook removed",
		zap.String("func", rec.target.Name),
		zap.String("key", rec.key),
		zap.Stringer("outcome", res.Outcome))

	return nil
}
