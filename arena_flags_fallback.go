//go:build !(linux && amd64)

package hotswap

// No placement hint available; relocation range checks catch clones that
// land too far from the text segment.
const arenaMapFlags = 0
