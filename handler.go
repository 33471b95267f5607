package hotswap

// Interceptor receives control around every call of an intercepted function.
//
// The engine holds only the reference given to install; it never copies or
// inspects the implementation. All three methods run on the goroutine that
// called the intercepted function.
//
// Contract: an Interceptor must not call (directly or indirectly) the
// function it intercepts. The dispatch layer does no reentrancy guarding, so
// a reentrant handler recurses until the stack is exhausted.
type Interceptor interface {
	// Before runs on entry. receiver is StaticReceiver for plain functions.
	Before(name string, receiver any, args []any)

	// After runs on normal return with the boxed results (empty for void
	// functions). The returned slice replaces the results if every element
	// fits the function's static return types; otherwise the original
	// results stand. Return results unmodified to observe without altering.
	After(name string, receiver any, args []any, results []any) []any

	// OnPanic runs when the function body panics. The after-hook is bypassed
	// entirely on this path. The directive decides whether the panic keeps
	// propagating.
	OnPanic(name string, receiver any, args []any, recovered any) Directive
}

// Directive tells the engine what to do with a panic observed by OnPanic.
type Directive int

const (
	// Propagate re-raises the panic after OnPanic returns.
	Propagate Directive = iota

	// Suppress swallows the panic; the intercepted call returns zero values.
	Suppress
)

// StaticReceiver is passed to Interceptor methods as the receiver for plain
// (non-method) functions.
var StaticReceiver any = staticSentinel{}

type staticSentinel struct{}

func (staticSentinel) String() string { return "<static>" }

// Funcs adapts plain functions to the Interceptor interface. Nil fields are
// skipped; a nil OnPanicFunc propagates.
type Funcs struct {
	BeforeFunc  func(name string, receiver any, args []any)
	AfterFunc   func(name string, receiver any, args []any, results []any) []any
	OnPanicFunc func(name string, receiver any, args []any, recovered any) Directive
}

func (f Funcs) Before(name string, receiver any, args []any) {
	if f.BeforeFunc != nil {
		f.BeforeFunc(name, receiver, args)
	}
}

func (f Funcs) After(name string, receiver any, args []any, results []any) []any {
	if f.AfterFunc != nil {
		return f.AfterFunc(name, receiver, args, results)
	}
	return results
}

func (f Funcs) OnPanic(name string, receiver any, args []any, recovered any) Directive {
	if f.OnPanicFunc != nil {
		return f.OnPanicFunc(name, receiver, args, recovered)
	}
	return Propagate
}
