package hotswap

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	// LDR (literal, 64-bit):
	// ----------------------------------------
	// | 01011000 | 19-bit offset | 5-bit reg |
	// ----------------------------------------
	_LDRlit = uint32(0x58000000)

	// BR Xn:
	_BR = uint32(0xd61f0000)

	_NOP = uint32(0xd503201f)

	// ADR/ADRP address mask:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)
)

// The maximum acceptable distance between a clone and the text segment.
const maxCloneDistance = 128 * 1024 * 1024

// entryPatchSize is the number of bytes the entry patch occupies: a single
// B instruction, which fits any function body.
const entryPatchSize = 4

// patchCodeLen is the prefix of the entry patch that decodes as
// instructions. On arm64 the whole patch is one instruction.
const patchCodeLen = entryPatchSize

// contextThunkSize is the size of the thunk emitted by emitContextThunk:
// three instructions, one pad word, and a two-quadword literal pool.
const contextThunkSize = 32

// emitJump builds the entry patch: a single B from `from` to `to`. B
// encodes a 26-bit signed instruction offset, so the thunk must sit within
// 128MiB of the text segment.
func emitJump(from, to uintptr) ([]byte, error) {
	offset := int64(to) - int64(from)
	if offset < -(1<<27) || offset >= (1<<27) {
		return nil, fmt.Errorf("thunk at %#x is out of B range from %#x (%d bytes exceeds 128MiB)", to, from, offset)
	}

	buf := make([]byte, entryPatchSize)
	binary.LittleEndian.PutUint32(buf, _B|(uint32(offset>>2)&(1<<26-1)))
	return buf, nil
}

// emitContextThunk builds the instruction sequence the entry patch branches
// to: load the bridge funcval into X26 (the closure context register in the
// internal ABI) and branch to the bridge's code. Both addresses live in a
// literal pool after the instructions, so there is no range limit past the
// thunk itself.
//
//	LDR X16, .code
//	LDR X26, .funcval
//	BR X16
//	NOP
//	.code:    .quad code
//	.funcval: .quad funcval
func emitContextThunk(funcval, code uintptr) []byte {
	buf := make([]byte, contextThunkSize)

	// Literal offsets are in words, relative to each instruction's PC.
	binary.LittleEndian.PutUint32(buf[0:], _LDRlit|uint32(16/4)<<5|16) // LDR X16, PC+16
	binary.LittleEndian.PutUint32(buf[4:], _LDRlit|uint32(20/4)<<5|26) // LDR X26, PC+20
	binary.LittleEndian.PutUint32(buf[8:], _BR|16<<5)                  // BR X16
	binary.LittleEndian.PutUint32(buf[12:], _NOP)
	binary.LittleEndian.PutUint64(buf[16:], uint64(code))
	binary.LittleEndian.PutUint64(buf[24:], uint64(funcval))

	return buf
}

// relocateBody copies machine instructions from src into dest, translating
// PC-relative operands so they still point at their original targets. The
// slices are assumed to sit at the addresses the code executes from.
func relocateBody(src, dest []byte) ([]byte, error) {
	dest = dest[:len(src)]
	copy(dest, src)

	srcPC := uintptr(unsafe.Pointer(unsafe.SliceData(src)))

	for i := 0; i < len(src); i += 4 {
		raw := dest[i : i+4]

		inst, err := arm64asm.Decode(raw)
		if err != nil {
			// Stop if the bad instruction was padding.
			if bytes.Equal(raw, []byte{0, 0, 0, 0}) {
				break
			}
			return nil, fmt.Errorf("decode error at offset %d %v: %w", i, raw, err)
		}

		for _, arg := range inst.Args {
			if _, ok := arg.(arm64asm.PCRel); ok {
				err = fixPCRelAddress(inst, srcPC, raw)
				if err != nil {
					return nil, err
				}
			}
		}
		srcPC += 4
	}

	return dest, nil
}

func fixPCRelAddress(inst arm64asm.Inst, srcPC uintptr, dest []byte) error {
	destPC := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	switch inst.Op {
	case arm64asm.ADRP:
		oldOffset := int64(inst.Args[1].(arm64asm.PCRel))

		// Page-align both addresses before computing the offset.
		newOffsetPages := (int64(srcPC&^uintptr(0xfff)) + oldOffset - int64(destPC&^uintptr(0xfff))) >> 12

		if newOffsetPages < -(1<<20) || newOffsetPages >= (1<<20) {
			return fmt.Errorf("ADRP target out of range: %d pages exceeds 4GiB", newOffsetPages)
		}

		p := uint32(newOffsetPages)
		encoded := binary.LittleEndian.Uint32(dest) &^ adrAddressMask
		encoded |= (p & 3) << 29 // Lowest 2 bits to bits 30 and 29
		encoded |= (p >> 2) << 5 // Highest 19 bits to bits 23 to 5
		binary.LittleEndian.PutUint32(dest, encoded)

	case arm64asm.BL:
		oldOffset := int64(inst.Args[0].(arm64asm.PCRel))
		offset := int64(srcPC) + oldOffset - int64(destPC)

		// BL encodes a 26-bit signed instruction offset.
		if offset < -(1<<27) || offset >= (1<<27) {
			return fmt.Errorf("BL target out of range: %d bytes exceeds 128MiB", offset)
		}

		binary.LittleEndian.PutUint32(dest, _BL|(uint32(offset>>2)&(1<<26-1)))

	default:
		// Other PC-relative operands are local to the function. Go only
		// seems to generate external ADRP and BL.
	}

	return nil
}

// scanBody decodes code and accumulates the structural facts the strategy
// chain cares about. Decoding stops at trailing zero padding.
func scanBody(code []byte) (*BodyAnalysis, error) {
	an := &BodyAnalysis{Bytes: len(code)}

	for i := 0; i+4 <= len(code); i += 4 {
		raw := code[i : i+4]

		inst, err := arm64asm.Decode(raw)
		if err != nil {
			if bytes.Equal(raw, []byte{0, 0, 0, 0}) {
				break
			}
			return nil, fmt.Errorf("decode error at offset %d %v: %w", i, raw, err)
		}

		an.Instructions++
		for _, arg := range inst.Args {
			if rel, ok := arg.(arm64asm.PCRel); ok {
				target := i + int(rel)
				if target < 0 || target >= len(code) {
					an.ExternalRefs++
				} else {
					an.LocalBranches++
				}
			}
		}
	}

	return an, nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		inst, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = inst.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String(), nil
}
