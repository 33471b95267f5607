package hotswap

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

// transformed is the output of the body transformer: a bridge function that
// routes calls through the dispatch table, the entry patch that diverts the
// target into the bridge, and the relocated clone the bridge calls to run
// the original computation.
type transformed struct {
	// bridge must stay reachable for as long as the patch is installed; it
	// keeps the MakeFunc implementation alive.
	bridge  reflect.Value
	funcval uintptr

	// patch is the jump installed at the target's entry; thunk is the
	// arena-allocated code it jumps to, which loads the bridge's closure
	// context before entering it.
	patch     []byte
	thunk     []byte
	thunkAddr uintptr

	clone    *clonedBody
	analysis *BodyAnalysis
	alloc    *allocator

	state *bridgeState
}

// free releases the arena memory behind the transformed body. Only valid
// once the entry patch is no longer installed.
func (t *transformed) free() {
	t.clone.free()
	if t.thunk != nil {
		freeThunk(t.alloc, t.thunk)
		t.thunk = nil
	}
}

// bridgeState is the per-hook mutable state shared between the bridge
// closure and the Hook handle. Accessed with atomics only; intercepted calls
// never take a lock.
type bridgeState struct {
	enabled atomic.Bool
	calls   atomic.Uint64
}

// transformBody rewrites the target so that entering and leaving it routes
// through the dispatch table under the given key.
//
// The returned patch has not been installed; that is the strategy chain's
// job. On error nothing has been mutated and nothing needs cleanup.
func transformBody(target *Target, fn reflect.Value, key string, isMethod bool, d *dispatchTable, alloc *allocator, log *zap.Logger) (*transformed, error) {
	ft := fn.Type()

	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic function", ErrUnsupportedShape)
	}
	if len(target.Code) < entryPatchSize {
		return nil, fmt.Errorf("%w: body is %d bytes, entry patch needs %d",
			ErrUnsupportedShape, len(target.Code), entryPatchSize)
	}

	clone, err := cloneBody(fn, target.Code, alloc)
	if err != nil {
		return nil, fmt.Errorf("clone original body: %w", err)
	}

	state := &bridgeState{}
	state.enabled.Store(true)

	name := target.Name
	bridge := reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		if !state.enabled.Load() {
			out := clone.fn.Call(in)
			state.calls.Add(1)
			return out
		}

		receiver := StaticReceiver
		argStart := 0
		if isMethod && len(in) > 0 {
			receiver = in[0].Interface()
			argStart = 1
		}
		args := make([]any, 0, len(in)-argStart)
		for _, v := range in[argStart:] {
			args = append(args, v.Interface())
		}

		d.before(key, name, receiver, args)

		out, recovered := callGuarded(clone.fn, in)
		if recovered != nil {
			// The after-hook is bypassed on this path; the panic hook is
			// the only notification.
			if d.onPanic(key, name, receiver, args, recovered) == Propagate {
				panic(recovered)
			}
			return zeroResults(ft)
		}

		results := make([]any, len(out))
		for i, v := range out {
			results[i] = v.Interface()
		}

		replaced := d.after(key, name, receiver, args, results)
		final := unboxResults(ft, out, replaced, log, name)

		state.calls.Add(1)
		return final
	})

	funcval := funcvalAddr(bridge)

	// The bridge is a closure, so the entry patch cannot jump straight at
	// its code: a thunk in the arena loads the closure context first.
	thunkCode := emitContextThunk(funcval, bridge.Pointer())
	alloc.BeginMutate()
	thunk, err := alloc.Allocate(len(thunkCode))
	if err == nil {
		copy(thunk, thunkCode)
	}
	alloc.EndMutate()
	if err != nil {
		clone.free()
		return nil, fmt.Errorf("allocate context thunk: %w", err)
	}
	cacheflush(thunk)
	thunkAddr := uintptr(unsafe.Pointer(unsafe.SliceData(thunk)))

	patch, err := emitJump(target.Entry, thunkAddr)
	if err != nil {
		freeThunk(alloc, thunk)
		clone.free()
		return nil, err
	}

	// The patched image has to stay decodable, or the runtime (and every
	// other strategy) is looking at garbage.
	analysis, err := analyzePatchedBody(patch, target.Code)
	if err != nil {
		freeThunk(alloc, thunk)
		clone.free()
		return nil, fmt.Errorf("patched body does not decode: %w", err)
	}

	return &transformed{
		bridge:    bridge,
		funcval:   funcval,
		patch:     patch,
		thunk:     thunk,
		thunkAddr: thunkAddr,
		clone:     clone,
		analysis:  analysis,
		alloc:     alloc,
		state:     state,
	}, nil
}

func freeThunk(alloc *allocator, thunk []byte) {
	alloc.BeginMutate()
	alloc.Free(thunk)
	alloc.EndMutate()
}

func callGuarded(fn reflect.Value, in []reflect.Value) (out []reflect.Value, recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			out = nil
		}
	}()
	out = fn.Call(in)
	return out, nil
}

func zeroResults(ft reflect.Type) []reflect.Value {
	out := make([]reflect.Value, ft.NumOut())
	for i := range out {
		out[i] = reflect.Zero(ft.Out(i))
	}
	return out
}

// unboxResults converts the handler's replacement results back to the
// function's static return types. If anything does not fit, the original
// results stand; a handler can degrade interception but never corrupt the
// return slots.
func unboxResults(ft reflect.Type, original []reflect.Value, replaced []any, log *zap.Logger, name string) []reflect.Value {
	if ft.NumOut() == 0 {
		// Void exit: the handler's return value is discarded.
		return original
	}
	if len(replaced) != ft.NumOut() {
		log.Warn("interceptor returned wrong number of results",
			zap.String("func", name),
			zap.Int("want", ft.NumOut()),
			zap.Int("got", len(replaced)))
		return original
	}

	final := make([]reflect.Value, ft.NumOut())
	for i := range final {
		want := ft.Out(i)
		v, ok := coerce(replaced[i], want)
		if !ok {
			got := reflect.TypeOf(replaced[i])
			log.Warn("interceptor result does not fit return slot",
				zap.String("func", name),
				zap.String("diff", shapeDiff{Index: i, Want: want, Got: got}.String()))
			return original
		}
		final[i] = v
	}
	return final
}

// coerce converts v to the exact static type want. Numeric values convert
// only within their own class (signed, unsigned, float, complex) and only
// when the value fits the destination width.
func coerce(v any, want reflect.Type) (reflect.Value, bool) {
	if v == nil {
		switch want.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map,
			reflect.Chan, reflect.Func, reflect.UnsafePointer:
			return reflect.Zero(want), true
		}
		return reflect.Value{}, false
	}

	rv := reflect.ValueOf(v)
	if rv.Type() == want {
		return rv, true
	}
	if rv.Type().AssignableTo(want) {
		out := reflect.New(want).Elem()
		out.Set(rv)
		return out, true
	}
	if numericClass(rv.Kind()) != numericNone && numericClass(rv.Kind()) == numericClass(want.Kind()) && fits(rv, want) {
		return rv.Convert(want), true
	}
	return reflect.Value{}, false
}

type numClass int

const (
	numericNone numClass = iota
	numericSigned
	numericUnsigned
	numericFloat
	numericComplex
)

func numericClass(k reflect.Kind) numClass {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return numericSigned
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return numericUnsigned
	case reflect.Float32, reflect.Float64:
		return numericFloat
	case reflect.Complex64, reflect.Complex128:
		return numericComplex
	}
	return numericNone
}

func fits(v reflect.Value, want reflect.Type) bool {
	probe := reflect.New(want).Elem()
	switch numericClass(v.Kind()) {
	case numericSigned:
		return !probe.OverflowInt(v.Int())
	case numericUnsigned:
		return !probe.OverflowUint(v.Uint())
	case numericFloat:
		return !probe.OverflowFloat(v.Float())
	case numericComplex:
		return !probe.OverflowComplex(v.Complex())
	}
	return false
}

type eface struct {
	typ, data unsafe.Pointer
}

// funcvalAddr returns the address of fn's funcval. Func values are
// pointer-shaped, so boxing one in an interface exposes the funcval pointer
// as the interface data word.
func funcvalAddr(fn reflect.Value) uintptr {
	iface := fn.Interface()
	return uintptr((*eface)(unsafe.Pointer(&iface)).data)
}
