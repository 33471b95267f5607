//go:build arm64 && !cgo

package hotswap

// arm64 needs a C compiler to flush the instruction cache.
// Build with CGO_ENABLED=1.
func cacheflush(buf []byte) {
	arm64_requires_cgo_for_instruction_cache_flushing()
}
