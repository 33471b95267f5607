package hotswap

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLabs = 0xff // CALL abs32
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32
	opcodeLEA     = 0x8d
	opcodeMOVimm  = 0xb8 // MOV imm64, r (with REX.W)

	opcodeMOV_imm_rm = 0xc7 // MOV imm, r/m
	opcodeMOV_r_rm   = 0x8b // MOV r, r/m

	regModeDirect = 3
	registerDX    = 2
	registerBP    = 5
	registerR12   = 12
)

// entryPatchSize is the number of bytes the entry patch occupies. Every
// function body is padded to at least 16 bytes, so a 5-byte patch always
// fits.
const entryPatchSize = 5

// patchCodeLen is the prefix of the entry patch that decodes as
// instructions. On amd64 the whole patch is one instruction.
const patchCodeLen = entryPatchSize

// contextThunkSize is the size of the thunk emitted by emitContextThunk.
const contextThunkSize = 23

// emitJump builds the entry patch: a single JMP rel32 from `from` to `to`.
// The thunk lives in the low-address arena, so rel32 reaches it from the
// text segment.
func emitJump(from, to uintptr) ([]byte, error) {
	rel := int64(to) - int64(from) - entryPatchSize
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return nil, fmt.Errorf("thunk at %#x is out of rel32 range from %#x", to, from)
	}

	buf := make([]byte, entryPatchSize)
	buf[0] = opcodeJMP
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(rel)))
	return buf, nil
}

// emitContextThunk builds the instruction sequence the entry patch jumps to:
// load the bridge funcval into DX (the closure context register in the
// internal ABI) and jump to the bridge's code. R12 is scratch in the
// internal ABI; AX through R11 carry arguments and must survive.
//
//	MOVQ $funcval, DX
//	MOVQ $code, R12
//	JMP R12
func emitContextThunk(funcval, code uintptr) []byte {
	buf := make([]byte, contextThunkSize)
	i := 0

	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	i++
	buf[i] = opcodeMOVimm + registerDX
	i++
	binary.LittleEndian.PutUint64(buf[i:], uint64(funcval))
	i += 8

	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW) | byte(x86asm.PrefixREXB)
	i++
	buf[i] = opcodeMOVimm + (registerR12 & 7)
	i++
	binary.LittleEndian.PutUint64(buf[i:], uint64(code))
	i += 8

	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXB)
	i++
	buf[i] = opcodeCALLabs
	i++
	buf[i] = regModeDirect<<6 | 4<<3 | (registerR12 & 7) // JMP R12
	i++

	return buf[:i]
}

// relocateBody copies machine instructions from src into dest, translating
// PC-relative operands so they still point at their original targets. The
// slices are assumed to sit at the addresses the code executes from.
//
// The dest slice is returned after resizing; far calls grow it by appending
// thunks past the end of the body.
func relocateBody(src, dest []byte) ([]byte, error) {
	srcBase := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	// Trim the INT3 padding from the end of src.
	padStart := len(src) - 1
	for ; padStart >= 0 && src[padStart] == opcodeINT3; padStart-- {
	}
	src = src[:padStart+1]

	dest = dest[:len(src)]

	for i := 0; i < len(src); {
		inst, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		srcNext := srcBase + uintptr(i) + uintptr(inst.Len)
		destNext := destBase + uintptr(i) + uintptr(inst.Len)

		switch inst.Opcode >> 24 {
		case opcodeCALLrel:
			rel, ok := inst.Args[0].(x86asm.Rel)
			if !ok {
				return nil, fmt.Errorf("decode error at offset %d: unknown argument", i)
			}

			callDest := srcNext + uintptr(rel)
			newRel := int64(callDest) - int64(destNext)
			if newRel >= math.MinInt32 && newRel <= math.MaxInt32 {
				dest[i] = opcodeCALLrel
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(newRel))
			} else {
				// Too far for rel32. Jump to a thunk appended after the
				// body, which calls through a register and jumps back.
				jumpBack := int32(i + inst.Len - len(dest))
				thunk, err := farCallThunk(callDest, jumpBack)
				if err != nil {
					return nil, fmt.Errorf("unable to generate call thunk: %w", err)
				}
				jumpTo := int32(len(dest) - (i + inst.Len))

				dest = append(dest, thunk...)

				dest[i] = opcodeJMP
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(jumpTo))
			}
		case opcodeLEA, opcodeMOV_r_rm:
			mem, ok := inst.Args[1].(x86asm.Mem)
			if !ok {
				return nil, fmt.Errorf("decode error at offset %d: unknown argument", i)
			}
			if mem.Base == x86asm.RIP {
				copy(dest[i:], src[i:i+inst.Len-4])

				newDisp := (int64(srcNext) + mem.Disp) - int64(destNext)
				if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
					return nil, fmt.Errorf("RIP-relative operand at offset %d out of range after relocation", i)
				}

				binary.LittleEndian.PutUint32(dest[i+inst.Len-4:], uint32(newDisp))
			} else {
				copy(dest[i:], src[i:i+inst.Len])
			}
		default:
			copy(dest[i:], src[i:i+inst.Len])
		}

		i += inst.Len
	}

	// Pad to 16 bytes the way the compiler does.
	padding := make([]byte, ((len(dest)+0xf)&^0xf)-len(dest))
	for i := range padding {
		padding[i] = opcodeINT3
	}
	dest = append(dest, padding...)

	return dest, nil
}

// farCallThunk returns the machine code equivalent of:
//
//	MOVQ $callDest, BP
//	CALL BP
//	JMP <jumpBack>
//
// jumpBack is relative to the start of the thunk and adjusted for its final
// position.
func farCallThunk(callDest uintptr, jumpBack int32) ([]byte, error) {
	if callDest > math.MaxUint32 {
		return nil, errors.New("64-bit call thunk is not implemented")
	}

	buf := make([]byte, 14)
	i := 0

	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	i++
	buf[i] = opcodeMOV_imm_rm
	i++
	buf[i] = regModeDirect<<6 | registerBP
	i++

	binary.LittleEndian.PutUint32(buf[i:], uint32(callDest))
	i += 4

	buf[i] = opcodeCALLabs
	i++
	buf[i] = regModeDirect<<6 | 2<<3 | registerBP
	i++

	buf[i] = opcodeJMP
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(jumpBack-int32(i)-4))
	i += 4

	return buf, nil
}

// scanBody decodes code and accumulates the structural facts the strategy
// chain cares about. Decoding stops at the trailing INT3 padding.
func scanBody(code []byte) (*BodyAnalysis, error) {
	an := &BodyAnalysis{Bytes: len(code)}

	end := len(code) - 1
	for ; end >= 0 && code[end] == opcodeINT3; end-- {
	}
	code = code[:end+1]

	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		an.Instructions++
		for _, arg := range inst.Args {
			switch a := arg.(type) {
			case x86asm.Rel:
				target := i + inst.Len + int(a)
				if target < 0 || target >= len(code) {
					an.ExternalRefs++
				} else {
					an.LocalBranches++
				}
			case x86asm.Mem:
				if a.Base == x86asm.RIP {
					an.ExternalRefs++
				}
			}
		}

		i += inst.Len
	}

	return an, nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+inst.Len]), inst.String())

		i += inst.Len
	}

	return buf.String(), nil
}
