package hotswap

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// clonedBody is a relocated copy of a function's machine code that stays
// callable after the original entry has been patched. The bridge built by
// the transformer calls the clone to run the original computation.
type clonedBody struct {
	// fn is the clone as a callable value with the original's type.
	fn reflect.Value

	// code is allocated in the arena's executable mapping. ref keeps the
	// code pointer reachable and doubles as the clone's funcval.
	code []byte
	ref  **byte

	// snapshot is a plain copy of the original bytes, kept so the body can
	// always be restored no matter what happened to the live code.
	snapshot []byte

	alloc *allocator
}

// cloneBody copies fn's machine code into the executable arena, fixing up
// PC-relative operands so the copy still runs correctly.
func cloneBody(fn reflect.Value, original []byte, alloc *allocator) (*clonedBody, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: kind %v", ErrNotAFunction, fn.Kind())
	}

	alloc.BeginMutate()
	defer alloc.EndMutate()

	buf, err := alloc.Allocate(len(original) + arenaSlack)
	if err != nil {
		return nil, err
	}

	code, err := relocateBody(original, buf)
	if err != nil {
		alloc.Free(buf)
		return nil, err
	}
	cacheflush(code)

	// Convince the runtime that the buffer is a func value of the right
	// type: a func value is a pointer to a funcval whose first word is the
	// code address, so a **byte pointing at the code serves as one.
	codeData := unsafe.SliceData(code)
	cb := &clonedBody{
		code:  code,
		ref:   &codeData,
		alloc: alloc,
	}
	cb.fn = reflect.NewAt(fn.Type(), unsafe.Pointer(&cb.ref)).Elem()

	cb.snapshot = make([]byte, len(original))
	copy(cb.snapshot, original)

	return cb, nil
}

// free releases the arena memory backing the clone. The clone must not be
// called afterward.
func (cb *clonedBody) free() {
	if cb.code == nil {
		return
	}

	cb.alloc.BeginMutate()
	defer cb.alloc.EndMutate()

	cb.alloc.Free(cb.code)

	cb.code = nil
	*cb.ref = nil
	cb.ref = nil
}

// arenaSlack leaves room for relocation to append far-call thunks past the
// end of the body.
const arenaSlack = 256

// allocator wraps a malloc arena of executable memory. The mapping is RX
// except between BeginMutate and EndMutate.
type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
}

func newAllocator() *allocator {
	return &allocator{}
}

func (a *allocator) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(arenaMapFlags))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return err
}

func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// BeginMutate can run before the first allocation.
	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.init(size)
	if err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}
