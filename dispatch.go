package hotswap

import (
	"sync"

	"go.uber.org/zap"
)

// dispatchTable maps interception keys to their handlers. Lookups run on
// every call of every intercepted function from arbitrary goroutines, so the
// table is a sync.Map: read-mostly, O(1), no lock on the hot path. Mutation
// happens only under the registry lock, at install and remove.
type dispatchTable struct {
	entries sync.Map // key string -> Interceptor
	log     *zap.Logger
}

func newDispatchTable(log *zap.Logger) *dispatchTable {
	return &dispatchTable{log: log}
}

func (d *dispatchTable) register(key string, h Interceptor) {
	d.entries.Store(key, h)
}

func (d *dispatchTable) unregister(key string) {
	d.entries.Delete(key)
}

func (d *dispatchTable) lookup(key string) (Interceptor, bool) {
	v, ok := d.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(Interceptor), true
}

// before invokes the handler's entry hook. A panicking handler never
// disturbs the intercepted call: the panic is recovered here and logged.
func (d *dispatchTable) before(key, name string, receiver any, args []any) {
	h, ok := d.lookup(key)
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("interceptor panicked in Before",
				zap.String("key", key),
				zap.String("func", name),
				zap.Any("panic", r))
		}
	}()
	h.Before(name, receiver, args)
}

// after invokes the handler's exit hook and returns the (possibly replaced)
// results. If the handler panics, the pre-handler results are returned
// unmodified.
func (d *dispatchTable) after(key, name string, receiver any, args, results []any) (out []any) {
	h, ok := d.lookup(key)
	if !ok {
		return results
	}

	out = results
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("interceptor panicked in After",
				zap.String("key", key),
				zap.String("func", name),
				zap.Any("panic", r))
			out = results
		}
	}()
	return h.After(name, receiver, args, results)
}

// onPanic invokes the handler's panic hook. If the handler itself panics,
// the original panic propagates.
func (d *dispatchTable) onPanic(key, name string, receiver any, args []any, recovered any) (dir Directive) {
	h, ok := d.lookup(key)
	if !ok {
		return Propagate
	}

	dir = Propagate
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("interceptor panicked in OnPanic",
				zap.String("key", key),
				zap.String("func", name),
				zap.Any("panic", r))
			dir = Propagate
		}
	}()
	return h.OnPanic(name, receiver, args, recovered)
}
