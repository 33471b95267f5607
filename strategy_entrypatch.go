package hotswap

import (
	"fmt"

	"go.uber.org/zap"
)

// entryPatchStrategy writes the new body directly over the live one: unlock
// the pages, copy, relock, flush the instruction cache. The most faithful
// technique and the first one tried.
type entryPatchStrategy struct {
	log *zap.Logger
}

func (s *entryPatchStrategy) Name() string           { return "entrypatch" }
func (s *entryPatchStrategy) Available() bool        { return true }
func (s *entryPatchStrategy) RequiresAnalysis() bool { return false }
func (s *entryPatchStrategy) Hazardous() bool        { return false }

func (s *entryPatchStrategy) Apply(target *Target, body []byte, _ *BodyAnalysis) (Outcome, error) {
	if len(body) > len(target.Code) {
		return NotApplied, fmt.Errorf("body is %d bytes, target only has %d", len(body), len(target.Code))
	}

	region := target.Code[:len(body)]

	err := mprotect(region, mprotectRWX)
	if err != nil {
		return NotApplied, fmt.Errorf("unprotect text: %w", err)
	}
	defer mprotect(region, mprotectRX)

	copy(region, body)
	cacheflush(region)

	s.log.Debug("entry patched",
		zap.String("func", target.Name),
		zap.Int("bytes", len(body)))

	return Applied, nil
}
