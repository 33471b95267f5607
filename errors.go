package hotswap

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrAlreadyIntercepted is returned by install when the target function
	// already has a live hook. Compose a single Interceptor instead.
	ErrAlreadyIntercepted = errors.New("function is already intercepted")

	// ErrUnsupportedShape is returned by the transformer for function shapes
	// it cannot bridge safely (variadic functions, bodies too small for the
	// entry patch).
	ErrUnsupportedShape = errors.New("unsupported function shape")

	// ErrNotAFunction is returned when an interception target is not a
	// function value.
	ErrNotAFunction = errors.New("not a function")

	// ErrEngineClosed is returned by lifecycle operations after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// TransformationError reports that the body transformer could not produce a
// valid rewritten body. Installation aborts before any runtime mutation, so
// the target function is untouched.
type TransformationError struct {
	Func string
	Err  error
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.Func, e.Err)
}

func (e *TransformationError) Unwrap() error { return e.Err }

// RedefinitionError reports that every strategy in the chain came back
// not-applied. With the compatibility fallback enabled this does not happen;
// install degrades to a Hook with Effective() == false instead.
type RedefinitionError struct {
	Func     string
	Attempts []Attempt
}

func (e *RedefinitionError) Error() string {
	return fmt.Sprintf("redefine %s: no strategy applied (%d attempted)", e.Func, len(e.Attempts))
}

// Attempt records a single strategy's result, for diagnostics.
type Attempt struct {
	Strategy string
	Outcome  Outcome
	Err      error
}

// shapeDiff describes how a handler-returned value failed to fit a return
// slot. Used in log output, never surfaced as control flow.
type shapeDiff struct {
	Index int
	Want  reflect.Type
	Got   reflect.Type
}

func (d shapeDiff) String() string {
	return fmt.Sprintf("return %d: want %v, got %v", d.Index, d.Want, d.Got)
}
