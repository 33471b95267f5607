package hotswap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingInterceptor struct {
	befores int
	afters  int
	panics  int

	afterFunc   func(results []any) []any
	onPanicFunc func(recovered any) Directive
}

func (r *recordingInterceptor) Before(name string, receiver any, args []any) {
	r.befores++
}

func (r *recordingInterceptor) After(name string, receiver any, args []any, results []any) []any {
	r.afters++
	if r.afterFunc != nil {
		return r.afterFunc(results)
	}
	return results
}

func (r *recordingInterceptor) OnPanic(name string, receiver any, args []any, recovered any) Directive {
	r.panics++
	if r.onPanicFunc != nil {
		return r.onPanicFunc(recovered)
	}
	return Propagate
}

func TestDispatchTable_RegisterLookup(t *testing.T) {
	assert := assert.New(t)

	d := newDispatchTable(zap.NewNop())
	h := &recordingInterceptor{}

	d.register("k1", h)
	got, ok := d.lookup("k1")
	assert.True(ok)
	assert.Same(h, got)

	d.unregister("k1")
	_, ok = d.lookup("k1")
	assert.False(ok)
}

func TestDispatchTable_MissingKeyIsNoop(t *testing.T) {
	assert := assert.New(t)

	d := newDispatchTable(zap.NewNop())

	d.before("nope", "f", StaticReceiver, nil)
	out := d.after("nope", "f", StaticReceiver, nil, []any{42})
	assert.Equal([]any{42}, out)
	assert.Equal(Propagate, d.onPanic("nope", "f", StaticReceiver, nil, "boom"))
}

func TestDispatchTable_HandlerPanicsAreContained(t *testing.T) {
	assert := assert.New(t)

	d := newDispatchTable(zap.NewNop())
	d.register("k", Funcs{
		BeforeFunc: func(string, any, []any) { panic("before") },
		AfterFunc: func(string, any, []any, []any) []any {
			panic("after")
		},
		OnPanicFunc: func(string, any, []any, any) Directive { panic("onpanic") },
	})

	assert.NotPanics(func() {
		d.before("k", "f", StaticReceiver, nil)
	})

	var out []any
	assert.NotPanics(func() {
		out = d.after("k", "f", StaticReceiver, nil, []any{1, "x"})
	})
	// A panicking After never disturbs the results.
	assert.Equal([]any{1, "x"}, out)

	var dir Directive
	assert.NotPanics(func() {
		dir = d.onPanic("k", "f", StaticReceiver, nil, "original")
	})
	assert.Equal(Propagate, dir)
}

func TestDispatchTable_AfterReplacesResults(t *testing.T) {
	assert := assert.New(t)

	d := newDispatchTable(zap.NewNop())
	d.register("k", &recordingInterceptor{
		afterFunc: func(results []any) []any {
			return []any{results[0].(int) + 1}
		},
	})

	out := d.after("k", "f", StaticReceiver, nil, []any{5})
	assert.Equal([]any{6}, out)
}
