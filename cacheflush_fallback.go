//go:build !arm64

package hotswap

// Not needed on amd64; instruction and data caches are coherent.
func cacheflush(buf []byte) {}
