//go:build windows

package hotswap

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	mprotectExec = windows.PAGE_EXECUTE
	mprotectRX   = windows.PAGE_EXECUTE_READ
	mprotectRWX  = windows.PAGE_EXECUTE_READWRITE
)

func mprotect(buf []byte, flags int) error {
	pageSize := syscall.Getpagesize()

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	pageStart := addr &^ (uintptr(pageSize) - 1)
	regionSize := (int(addr-pageStart) + cap(buf) + pageSize - 1) &^ (pageSize - 1)

	var oldFlags uint32
	return windows.VirtualProtect(pageStart, uintptr(regionSize), uint32(flags), &oldFlags)
}

func mmapAnon(size int, prot int, extraFlags int) ([]byte, error) {
	return nil, errors.New("anonymous mapping not supported on windows")
}

func munmapQuiet(buf []byte) {}

func pageBounds(addr uintptr, length int) (uintptr, int) {
	pageSize := syscall.Getpagesize()
	start := addr &^ (uintptr(pageSize) - 1)
	size := (int(addr-start) + length + pageSize - 1) &^ (pageSize - 1)
	return start, size
}
