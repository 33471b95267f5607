package hotswap

import (
	"fmt"
	"reflect"
	"runtime"
	"unsafe"
)

// Target identifies the live function a strategy operates on. Code is a view
// of the function's machine code in the text segment; strategies must treat
// it as read-only and write only through their own mechanism.
type Target struct {
	Name  string
	Entry uintptr
	Code  []byte

	// Funcval is the address of a funcval whose code pointer is Entry, when
	// the caller handed one in. Zero otherwise. Consumed by the
	// internal-structure strategy only.
	Funcval uintptr

	// NewEntry is where the replacement body lives: the bridge's code on
	// install, Entry itself on restore. Strategies that redirect pointers
	// rather than rewriting bytes aim here.
	NewEntry uintptr
}

// resolveTarget locates fn's machine code in the text segment.
//
// The length is found by scanning the module's function table for the entry
// that immediately follows fn. The runtime does not store function lengths
// directly.
func resolveTarget(fn reflect.Value) (*Target, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: kind %v", ErrNotAFunction, fn.Kind())
	}

	entry := fn.Pointer()
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return nil, fmt.Errorf("no text-segment entry for pc %#x (inlined or generic?)", entry)
	}

	funcOffset := uint32(entry - info.datap.text)
	length := uint32(info.datap.etext - entry)
	for _, ft := range info.datap.ftab {
		if ft.entryoff <= funcOffset {
			continue
		}
		if d := ft.entryoff - funcOffset; d < length {
			length = d
		}
	}

	name := "unknown"
	if f := runtime.FuncForPC(entry); f != nil {
		name = f.Name()
	}

	return &Target{
		Name:  name,
		Entry: entry,
		Code:  unsafe.Slice((*byte)(unsafe.Pointer(entry)), int(length)),
	}, nil
}

// ftabEntry returns the index and address of the target's entry in the
// module function table, for the constant-table strategy.
func (t *Target) ftabEntry() (int, uintptr, bool) {
	info := findfunc(t.Entry)
	if info._func == nil || info.datap == nil {
		return 0, 0, false
	}
	funcOffset := uint32(t.Entry - info.datap.text)
	for i := range info.datap.ftab {
		if info.datap.ftab[i].entryoff == funcOffset {
			return i, uintptr(unsafe.Pointer(&info.datap.ftab[i])), true
		}
	}
	return 0, 0, false
}

type funcInfo struct {
	*_func
	datap *moduledata
}

// _func mirrors runtime._func. Only entryOff and nameOff are read here, but
// the layout must match the runtime exactly.
type _func struct {
	entryOff uint32
	nameOff  int32

	args        int32
	deferreturn uint32

	pcsp      uint32
	pcfile    uint32
	pcln      uint32
	npcdata   uint32
	cuOffset  uint32
	startLine int32
	funcID    uint8
	flag      uint8
	_         [1]byte
	nfuncdata uint8
}

// moduledata mirrors the prefix of runtime.moduledata that this package
// reads. Written by the linker; stored in non-pointer memory.
type moduledata struct {
	pcHeader     *pcHeader
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext           uintptr
	noptrdata, enoptrdata uintptr
	data, edata           uintptr
	bss, ebss             uintptr
	noptrbss, enoptrbss   uintptr
	covctrs, ecovctrs     uintptr
	end, gcdata, gcbss    uintptr
	types, etypes         uintptr
	rodata                uintptr
	gofunc                uintptr

	// Struct continues; remaining fields unused.
}

type pcHeader struct {
	magic          uint32
	pad1, pad2     uint8
	minLC          uint8
	ptrSize        uint8
	nfunc          int
	nfiles         uint
	textStart      uintptr
	funcnameOffset uintptr
	cuOffset       uintptr
	filetabOffset  uintptr
	pctabOffset    uintptr
	pclnOffset     uintptr
}

type functab struct {
	entryoff uint32 // relative to runtime.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo
