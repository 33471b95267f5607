package hotswap

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of a single strategy attempt.
type Outcome int

const (
	// NotApplied means the strategy changed nothing.
	NotApplied Outcome = iota

	// Partial means some runtime artifacts were updated but the behavioral
	// change is not guaranteed.
	Partial

	// Applied means the new body is fully installed.
	Applied
)

func (o Outcome) String() string {
	switch o {
	case NotApplied:
		return "not applied"
	case Partial:
		return "partially applied"
	case Applied:
		return "applied"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Strategy is one technique for getting a new body accepted by the running
// process. Strategies are stateless across calls and never own method state;
// they receive read-only views and write only through their own mechanism.
type Strategy interface {
	Name() string

	// Available reports whether the strategy can run at all in this process.
	// Unavailable strategies are skipped, not counted as failures.
	Available() bool

	// RequiresAnalysis reports whether Apply wants the shared BodyAnalysis.
	// The chain computes it once for all strategies that ask.
	RequiresAnalysis() bool

	// Hazardous marks strategies suspected of being able to take down the
	// host. The chain runs them isolated with a timeout; on timeout the
	// attempt is abandoned and treated as NotApplied.
	Hazardous() bool

	// Apply installs body at target.Entry (or as close to that as the
	// technique can get). analysis is nil unless RequiresAnalysis.
	Apply(target *Target, body []byte, analysis *BodyAnalysis) (Outcome, error)
}

// diagnosticStrategy marks strategies whose Partial outcome carries no
// behavioral change. The registry does not count them toward Effective.
type diagnosticStrategy interface {
	diagnosticOnly()
}

// chainResult is what a full pass over the chain produced.
type chainResult struct {
	Outcome  Outcome
	Strategy string

	// Functional is true when a non-diagnostic strategy reached at least
	// Partial. Effective hooks require this.
	Functional bool

	Attempts []Attempt
}

// strategyChain tries strategies in a fixed priority order: most faithful
// first, most conservative last. The first Applied wins; otherwise the best
// Partial is kept while later strategies get their chance to do better.
type strategyChain struct {
	strategies []Strategy
	isolation  time.Duration
	log        *zap.Logger
}

func defaultStrategies(cap Capability, log *zap.Logger) []Strategy {
	return []Strategy{
		&entryPatchStrategy{log: log},
		&pageMirrorStrategy{log: log},
		&funcTabStrategy{cap: cap, log: log},
		&funcValStrategy{cap: cap, log: log},
		&compatStrategy{log: log},
	}
}

func (c *strategyChain) apply(target *Target, body []byte, analysis *BodyAnalysis) chainResult {
	res := chainResult{Outcome: NotApplied}

	for _, s := range c.strategies {
		if !s.Available() {
			c.log.Debug("strategy unavailable, skipping",
				zap.String("strategy", s.Name()),
				zap.String("func", target.Name))
			continue
		}

		var an *BodyAnalysis
		if s.RequiresAnalysis() {
			if analysis == nil {
				analysis = c.analyze(target, body)
			}
			an = analysis
		}

		outcome, err := c.applyOne(s, target, body, an)
		res.Attempts = append(res.Attempts, Attempt{Strategy: s.Name(), Outcome: outcome, Err: err})
		if err != nil {
			// A failing strategy never aborts the chain.
			c.log.Warn("strategy failed",
				zap.String("strategy", s.Name()),
				zap.String("func", target.Name),
				zap.Error(err))
		}

		switch outcome {
		case Applied:
			c.log.Info("strategy applied",
				zap.String("strategy", s.Name()),
				zap.String("func", target.Name))
			res.Outcome = Applied
			res.Strategy = s.Name()
			res.Functional = true
			return res
		case Partial:
			c.log.Warn("strategy partially applied",
				zap.String("strategy", s.Name()),
				zap.String("func", target.Name))
			// A non-diagnostic Partial beats a diagnostic one no matter the
			// order; the first functional Partial wins among equals.
			_, diag := s.(diagnosticStrategy)
			if res.Outcome == NotApplied || (!res.Functional && !diag) {
				res.Outcome = Partial
				res.Strategy = s.Name()
				res.Functional = !diag
			}
		}
	}

	return res
}

// applyOne runs a single strategy, isolating hazardous ones on a helper
// goroutine with a deadline. A timed-out helper is abandoned, not cancelled;
// there is no way to stop it.
func (c *strategyChain) applyOne(s Strategy, target *Target, body []byte, an *BodyAnalysis) (Outcome, error) {
	run := func() (outcome Outcome, err error) {
		defer func() {
			if r := recover(); r != nil {
				outcome = NotApplied
				err = fmt.Errorf("strategy %q panicked: %v", s.Name(), r)
			}
		}()
		return s.Apply(target, body, an)
	}

	if !s.Hazardous() {
		return run()
	}

	type result struct {
		outcome Outcome
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		o, err := run()
		ch <- result{o, err}
	}()

	timer := time.NewTimer(c.isolation)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.outcome, r.err
	case <-timer.C:
		return NotApplied, fmt.Errorf("strategy %q abandoned after %s", s.Name(), c.isolation)
	}
}

// analyze builds the shared analysis when the caller did not supply one.
// body shorter than the live code is an entry patch; otherwise it is a full
// body image.
func (c *strategyChain) analyze(target *Target, body []byte) *BodyAnalysis {
	var an *BodyAnalysis
	var err error
	if len(body) >= patchCodeLen && len(body) < len(target.Code) {
		an, err = analyzePatchedBody(body, target.Code)
	} else {
		an, err = scanBody(body)
	}
	if err != nil {
		c.log.Debug("body analysis failed",
			zap.String("func", target.Name),
			zap.Error(err))
		return &BodyAnalysis{Bytes: len(body)}
	}
	return an
}
