package hotswap

// BodyAnalysis is a one-pass structural summary of a rewritten body. The
// chain computes it once and shares it with every strategy that asks for it.
type BodyAnalysis struct {
	// Bytes is the size of the body image, including padding.
	Bytes int

	// Instructions is the number of decoded instructions.
	Instructions int

	// LocalBranches counts PC-relative operands that stay inside the body.
	LocalBranches int

	// ExternalRefs counts PC-relative operands that leave the body. These
	// are the operands a copying strategy has to fix up.
	ExternalRefs int
}

func (a *BodyAnalysis) add(b *BodyAnalysis) {
	a.Bytes += b.Bytes
	a.Instructions += b.Instructions
	a.LocalBranches += b.LocalBranches
	a.ExternalRefs += b.ExternalRefs
}

// analyzePatchedBody summarizes the body image that installing patch over
// original would produce. The patch's literal pool (arm64) is data, not
// instructions, so the two regions are scanned separately and the pool is
// skipped.
func analyzePatchedBody(patch, original []byte) (*BodyAnalysis, error) {
	an, err := scanBody(patch[:patchCodeLen])
	if err != nil {
		return nil, err
	}
	an.Bytes = len(patch)

	if len(original) > len(patch) {
		// The patch boundary can fall mid-instruction, so a decode error in
		// the tail is expected; the tail still counts toward the image size.
		rest, err := scanBody(original[len(patch):])
		if err == nil {
			an.add(rest)
		} else {
			an.Bytes += len(original) - len(patch)
		}
	}

	return an, nil
}
