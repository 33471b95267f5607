package hotswap

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// funcValStrategy swaps the code pointer inside the funcval the caller
// handed in. Indirect calls made through that funcval (func-typed fields,
// callbacks, interface dispatch that lands on it) start hitting the new
// body; direct calls compiled against the symbol do not. Partial by
// definition.
type funcValStrategy struct {
	cap Capability
	log *zap.Logger
}

func (s *funcValStrategy) Name() string           { return "funcval" }
func (s *funcValStrategy) Available() bool        { return s.cap != nil }
func (s *funcValStrategy) RequiresAnalysis() bool { return false }
func (s *funcValStrategy) Hazardous() bool        { return false }

func (s *funcValStrategy) Apply(target *Target, body []byte, _ *BodyAnalysis) (Outcome, error) {
	if target.Funcval == 0 || target.NewEntry == 0 {
		return NotApplied, nil
	}

	// The first word of a funcval is the code pointer.
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(target.NewEntry))
	err := s.cap.TrustedCall(func() error {
		return s.cap.WriteBytes(target.Funcval, buf[:])
	})
	if err != nil {
		return NotApplied, fmt.Errorf("swap funcval code pointer: %w", err)
	}

	s.log.Debug("funcval code pointer swapped",
		zap.String("func", target.Name),
		zap.Uintptr("funcval", target.Funcval),
		zap.Uintptr("newEntry", target.NewEntry))

	return Partial, nil
}
