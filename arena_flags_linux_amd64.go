//go:build linux && amd64

package hotswap

import "syscall"

// Keep the clone arena in the low 2GiB so rel32 call fixups stay in range of
// the text segment.
const arenaMapFlags = syscall.MAP_32BIT
