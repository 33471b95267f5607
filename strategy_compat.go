package hotswap

import (
	"go.uber.org/zap"
)

// compatStrategy is the terminal fallback: it changes nothing, analyzes the
// body, and logs what would have been installed. Always available, never
// fails, always Partial, so a chain that includes it terminates with an
// inert hook rather than an error.
type compatStrategy struct {
	log *zap.Logger
}

func (s *compatStrategy) Name() string           { return "compat" }
func (s *compatStrategy) Available() bool        { return true }
func (s *compatStrategy) RequiresAnalysis() bool { return true }
func (s *compatStrategy) Hazardous() bool        { return false }

// diagnosticOnly marks this strategy's Partial as carrying no behavioral
// change; hooks installed through it are not effective.
func (s *compatStrategy) diagnosticOnly() {}

func (s *compatStrategy) Apply(target *Target, body []byte, analysis *BodyAnalysis) (Outcome, error) {
	fields := []zap.Field{
		zap.String("func", target.Name),
		zap.Uintptr("entry", target.Entry),
		zap.Int("bodyBytes", len(body)),
	}
	if analysis != nil {
		fields = append(fields,
			zap.Int("instructions", analysis.Instructions),
			zap.Int("localBranches", analysis.LocalBranches),
			zap.Int("externalRefs", analysis.ExternalRefs))
	}
	s.log.Info("compatibility fallback: body analyzed, nothing installed", fields...)

	if s.log.Core().Enabled(zap.DebugLevel) {
		limit := len(body)
		if limit > patchCodeLen {
			limit = patchCodeLen
		}
		if asm, err := disassemble(body[:limit]); err == nil {
			s.log.Debug("body listing", zap.String("func", target.Name), zap.String("asm", asm))
		}
	}

	return Partial, nil
}
