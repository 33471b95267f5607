package hotswap

import (
	"fmt"
	"runtime"
	"unsafe"

	"go.uber.org/zap"
)

// pageMirrorStrategy replaces the full page image around the target instead
// of just the entry: it assembles the patched pages in an anonymous mapping,
// then copies the whole image back over the text pages in one pass. This can
// succeed where a narrow entry write was refused, but it also rewrites
// neighboring functions' bytes while other goroutines may be executing them,
// so it is hazardous and runs isolated with a deadline.
type pageMirrorStrategy struct {
	log *zap.Logger
}

func (s *pageMirrorStrategy) Name() string           { return "pagemirror" }
func (s *pageMirrorStrategy) RequiresAnalysis() bool { return false }
func (s *pageMirrorStrategy) Hazardous() bool        { return true }

func (s *pageMirrorStrategy) Available() bool {
	return runtime.GOOS != "windows"
}

func (s *pageMirrorStrategy) Apply(target *Target, body []byte, _ *BodyAnalysis) (Outcome, error) {
	if len(body) > len(target.Code) {
		return NotApplied, fmt.Errorf("body is %d bytes, target only has %d", len(body), len(target.Code))
	}

	start, size := pageBounds(target.Entry, len(body))
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), size)

	// Build the replacement image off to the side first, so the window
	// where the live pages hold a half-written image is a single copy.
	shadow, err := mmapAnon(size, mprotectRWX, 0)
	if err != nil {
		return NotApplied, fmt.Errorf("map shadow image: %w", err)
	}
	defer munmapQuiet(shadow)

	copy(shadow, region)
	copy(shadow[target.Entry-start:], body)

	err = mprotect(region, mprotectRWX)
	if err != nil {
		return NotApplied, fmt.Errorf("unprotect text pages: %w", err)
	}
	defer mprotect(region, mprotectRX)

	copy(region, shadow[:size])
	cacheflush(region)

	s.log.Debug("page image replaced",
		zap.String("func", target.Name),
		zap.Uintptr("page", start),
		zap.Int("bytes", size))

	return Applied, nil
}
