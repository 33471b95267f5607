package hotswap

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// funcTabStrategy rewrites the target's entry offset in the module's
// function table so that pclntab-driven lookups (tracebacks, FuncForPC,
// profiling) resolve against the new body's address. Direct calls still hit
// the old code, so the best this can report is Partial: runtime metadata
// follows the redefinition, behavior does not.
//
// Writing into linker-owned tables needs the privileged capability; without
// one the strategy is unavailable.
type funcTabStrategy struct {
	cap Capability
	log *zap.Logger
}

func (s *funcTabStrategy) Name() string           { return "functab" }
func (s *funcTabStrategy) Available() bool        { return s.cap != nil }
func (s *funcTabStrategy) RequiresAnalysis() bool { return true }
func (s *funcTabStrategy) Hazardous() bool        { return false }

func (s *funcTabStrategy) Apply(target *Target, body []byte, analysis *BodyAnalysis) (Outcome, error) {
	if target.NewEntry == 0 {
		return NotApplied, nil
	}

	_, addr, ok := target.ftabEntry()
	if !ok {
		return NotApplied, fmt.Errorf("no function table entry for %s", target.Name)
	}

	info := findfunc(target.Entry)
	if info.datap == nil || target.NewEntry < info.datap.text {
		return NotApplied, fmt.Errorf("new entry %#x is outside the text segment", target.NewEntry)
	}
	newOff := uint32(target.NewEntry - info.datap.text)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], newOff)
	err := s.cap.TrustedCall(func() error {
		return s.cap.WriteBytes(addr, buf[:])
	})
	if err != nil {
		return NotApplied, fmt.Errorf("rewrite function table entry: %w", err)
	}

	s.log.Debug("function table entry redirected",
		zap.String("func", target.Name),
		zap.Uintptr("newEntry", target.NewEntry),
		zap.Int("bodyInstructions", analysisInstructions(analysis)))

	return Partial, nil
}

func analysisInstructions(an *BodyAnalysis) int {
	if an == nil {
		return 0
	}
	return an.Instructions
}
