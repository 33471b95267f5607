//go:build unix

package hotswap

import (
	"syscall"
	"unsafe"
)

const (
	mprotectExec = syscall.PROT_READ | syscall.PROT_EXEC
	mprotectRX   = syscall.PROT_READ | syscall.PROT_EXEC
	mprotectRWX  = syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC
)

// mprotect changes the protection of every page touched by buf.
func mprotect(buf []byte, flags int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	pageSize := syscall.Getpagesize()

	// Round the address down to a page boundary, then round the length up
	// so the region covers complete pages.
	pageStart := addr &^ (uintptr(pageSize) - 1)
	regionSize := (int(addr-pageStart) + cap(buf) + pageSize - 1) &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)
	return syscall.Mprotect(region, flags)
}

// mmapAnon maps size bytes of anonymous memory with the given protection.
func mmapAnon(size int, prot int, extraFlags int) ([]byte, error) {
	pageSize := syscall.Getpagesize()
	size = (size + pageSize - 1) / pageSize * pageSize

	return syscall.Mmap(-1, 0, size, prot, syscall.MAP_PRIVATE|syscall.MAP_ANON|extraFlags)
}

// munmapQuiet unmaps buf, ignoring errors. Used for scratch mappings.
func munmapQuiet(buf []byte) {
	_ = syscall.Munmap(buf)
}

// pageBounds returns the page-aligned region covering [addr, addr+length).
func pageBounds(addr uintptr, length int) (uintptr, int) {
	pageSize := syscall.Getpagesize()
	start := addr &^ (uintptr(pageSize) - 1)
	size := (int(addr-start) + length + pageSize - 1) &^ (pageSize - 1)
	return start, size
}
