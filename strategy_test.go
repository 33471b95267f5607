package hotswap

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeStrategy scripts one chain entry for tests.
type fakeStrategy struct {
	name      string
	available bool
	needsAn   bool
	hazardous bool
	diag      bool

	outcome Outcome
	err     error
	block   time.Duration

	applies  int
	sawAn    *BodyAnalysis
	sawBody  []byte
	doPanics bool
}

func (f *fakeStrategy) Name() string           { return f.name }
func (f *fakeStrategy) Available() bool        { return f.available }
func (f *fakeStrategy) RequiresAnalysis() bool { return f.needsAn }
func (f *fakeStrategy) Hazardous() bool        { return f.hazardous }

func (f *fakeStrategy) Apply(target *Target, body []byte, an *BodyAnalysis) (Outcome, error) {
	f.applies++
	f.sawAn = an
	f.sawBody = body
	if f.doPanics {
		panic("scripted panic")
	}
	if f.block > 0 {
		time.Sleep(f.block)
	}
	return f.outcome, f.err
}

type fakeDiagStrategy struct {
	fakeStrategy
}

func (f *fakeDiagStrategy) diagnosticOnly() {}

func testChain(isolation time.Duration, strategies ...Strategy) *strategyChain {
	return &strategyChain{
		strategies: strategies,
		isolation:  isolation,
		log:        zap.NewNop(),
	}
}

func testTarget() *Target {
	return &Target{
		Name:  "test.target",
		Entry: 0x1000,
		Code:  make([]byte, 64),
	}
}

func TestChain_FirstAppliedWins(t *testing.T) {
	assert := assert.New(t)

	first := &fakeStrategy{name: "first", available: true, outcome: Applied}
	second := &fakeStrategy{name: "second", available: true, outcome: Applied}

	res := testChain(time.Second, first, second).apply(testTarget(), []byte{1}, nil)

	assert.Equal(Applied, res.Outcome)
	assert.Equal("first", res.Strategy)
	assert.True(res.Functional)
	assert.Equal(1, first.applies)
	assert.Zero(second.applies, "chain must stop at the first full application")
}

func TestChain_PartialRemembersButContinues(t *testing.T) {
	assert := assert.New(t)

	partial := &fakeStrategy{name: "partial", available: true, outcome: Partial}
	applied := &fakeStrategy{name: "applied", available: true, outcome: Applied}

	res := testChain(time.Second, partial, applied).apply(testTarget(), []byte{1}, nil)

	assert.Equal(Applied, res.Outcome, "a later full application beats an earlier partial")
	assert.Equal("applied", res.Strategy)
	assert.Equal(1, partial.applies)
}

func TestChain_BestPartialReturnedWhenNothingApplies(t *testing.T) {
	assert := assert.New(t)

	missed := &fakeStrategy{name: "missed", available: true, outcome: NotApplied}
	partial := &fakeStrategy{name: "partial", available: true, outcome: Partial}
	later := &fakeStrategy{name: "later", available: true, outcome: NotApplied}

	res := testChain(time.Second, missed, partial, later).apply(testTarget(), []byte{1}, nil)

	assert.Equal(Partial, res.Outcome)
	assert.Equal("partial", res.Strategy)
	assert.True(res.Functional)
	assert.Equal(1, later.applies, "the chain keeps trying after a partial")
}

func TestChain_UnavailableSkipped(t *testing.T) {
	assert := assert.New(t)

	off := &fakeStrategy{name: "off", available: false, outcome: Applied}
	on := &fakeStrategy{name: "on", available: true, outcome: Applied}

	res := testChain(time.Second, off, on).apply(testTarget(), []byte{1}, nil)

	assert.Equal("on", res.Strategy)
	assert.Zero(off.applies)
	// Skipped strategies are not failures and leave no attempt record.
	assert.Len(res.Attempts, 1)
}

func TestChain_ErrorDoesNotAbort(t *testing.T) {
	assert := assert.New(t)

	broken := &fakeStrategy{name: "broken", available: true, outcome: NotApplied, err: errors.New("nope")}
	ok := &fakeStrategy{name: "ok", available: true, outcome: Applied}

	res := testChain(time.Second, broken, ok).apply(testTarget(), []byte{1}, nil)

	assert.Equal(Applied, res.Outcome)
	assert.Equal("ok", res.Strategy)
}

func TestChain_PanicTreatedAsNotApplied(t *testing.T) {
	assert := assert.New(t)

	angry := &fakeStrategy{name: "angry", available: true, doPanics: true}
	ok := &fakeStrategy{name: "ok", available: true, outcome: Applied}

	var res chainResult
	assert.NotPanics(func() {
		res = testChain(time.Second, angry, ok).apply(testTarget(), []byte{1}, nil)
	})

	assert.Equal(Applied, res.Outcome)
	assert.Equal(NotApplied, res.Attempts[0].Outcome)
	assert.Error(res.Attempts[0].Err)
}

func TestChain_HazardousTimeoutAbandoned(t *testing.T) {
	assert := assert.New(t)

	stuck := &fakeStrategy{name: "stuck", available: true, hazardous: true, outcome: Applied, block: 500 * time.Millisecond}
	ok := &fakeStrategy{name: "ok", available: true, outcome: Applied}

	start := time.Now()
	res := testChain(20*time.Millisecond, stuck, ok).apply(testTarget(), []byte{1}, nil)

	assert.Less(time.Since(start), 400*time.Millisecond, "the chain must not wait out the stuck strategy")
	assert.Equal(Applied, res.Outcome)
	assert.Equal("ok", res.Strategy)
	assert.Equal(NotApplied, res.Attempts[0].Outcome)
	assert.ErrorContains(res.Attempts[0].Err, "abandoned")
}

func TestChain_DiagnosticPartialIsNotFunctional(t *testing.T) {
	assert := assert.New(t)

	diag := &fakeDiagStrategy{fakeStrategy{name: "diag", available: true, outcome: Partial}}

	res := testChain(time.Second, diag).apply(testTarget(), []byte{1}, nil)

	assert.Equal(Partial, res.Outcome)
	assert.False(res.Functional, "a diagnostic-only partial must not count as a functional replacement")
}

func TestChain_FunctionalPartialBeatsDiagnosticPartial(t *testing.T) {
	assert := assert.New(t)

	diag := &fakeDiagStrategy{fakeStrategy{name: "diag", available: true, outcome: Partial}}
	functional := &fakeStrategy{name: "functional", available: true, outcome: Partial}

	// Diagnostic first: the later functional partial must win.
	res := testChain(time.Second, diag, functional).apply(testTarget(), []byte{1}, nil)
	assert.Equal(Partial, res.Outcome)
	assert.Equal("functional", res.Strategy)
	assert.True(res.Functional)

	// Functional first: a trailing diagnostic partial must not downgrade it.
	res = testChain(time.Second, functional, diag).apply(testTarget(), []byte{1}, nil)
	assert.Equal("functional", res.Strategy)
	assert.True(res.Functional)
}

func TestChain_SharedAnalysisComputedOnce(t *testing.T) {
	assert := assert.New(t)

	a := &fakeStrategy{name: "a", available: true, needsAn: true, outcome: NotApplied}
	b := &fakeStrategy{name: "b", available: true, needsAn: true, outcome: NotApplied}
	c := &fakeStrategy{name: "c", available: true, outcome: NotApplied}

	an := &BodyAnalysis{Bytes: 99}
	testChain(time.Second, a, b, c).apply(testTarget(), []byte{1}, an)

	assert.Same(an, a.sawAn)
	assert.Same(an, b.sawAn, "analysis must be shared, not recomputed")
	assert.Nil(c.sawAn, "strategies that do not ask for analysis do not get it")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "partially applied", Partial.String())
	assert.Equal(t, "not applied", NotApplied.String())
}

func TestCompatStrategy_AlwaysPartial(t *testing.T) {
	assert := assert.New(t)

	s := &compatStrategy{log: zap.NewNop()}
	assert.True(s.Available())

	outcome, err := s.Apply(testTarget(), []byte{0, 0, 0, 0, 0}, &BodyAnalysis{Instructions: 1})
	assert.NoError(err)
	assert.Equal(Partial, outcome)

	// Without analysis it still never fails.
	outcome, err = s.Apply(testTarget(), nil, nil)
	assert.NoError(err)
	assert.Equal(Partial, outcome)
}
