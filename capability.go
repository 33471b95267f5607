package hotswap

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Capability is the narrow, privileged surface handed to the engine by
// whatever bootstrap obtained low-level access. The engine treats it as a
// black box: strategies that need it report unavailable when it is nil, and
// installation fails closed to the compatibility fallback.
type Capability interface {
	// ReadBytes copies n bytes starting at addr.
	ReadBytes(addr uintptr, n int) []byte

	// WriteBytes stores b at addr, taking care of page protection.
	WriteBytes(addr uintptr, b []byte) error

	// AllocateUninitialized returns a new, zeroed instance of t without
	// running any constructor logic.
	AllocateUninitialized(t reflect.Type) (reflect.Value, error)

	// TrustedCall runs fn with whatever elevated access the bootstrap can
	// arrange. Errors from fn pass through unchanged.
	TrustedCall(fn func() error) error
}

// SystemCapability returns a Capability built on the process's own address
// space: mprotect for writes into read-only pages and plain reflect
// allocation. It is the default when no bootstrap capability is injected.
func SystemCapability() Capability {
	return systemCapability{}
}

type systemCapability struct{}

func (systemCapability) ReadBytes(addr uintptr, n int) []byte {
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return out
}

func (systemCapability) WriteBytes(addr uintptr, b []byte) error {
	region := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b))

	err := mprotect(region, mprotectRWX)
	if err != nil {
		return fmt.Errorf("unprotect %#x: %w", addr, err)
	}
	defer mprotect(region, mprotectRX)

	copy(region, b)
	cacheflush(region)
	return nil
}

func (systemCapability) AllocateUninitialized(t reflect.Type) (reflect.Value, error) {
	if t == nil {
		return reflect.Value{}, fmt.Errorf("nil type")
	}
	return reflect.New(t).Elem(), nil
}

func (systemCapability) TrustedCall(fn func() error) error {
	return fn()
}
