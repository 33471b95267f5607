package hotswap

import "reflect"

// Report summarizes a live function's machine code, for diagnostics.
type Report struct {
	Name        string
	Entry       uintptr
	Analysis    BodyAnalysis
	Disassembly string
}

// Inspect resolves fn's body in the text segment and returns its structural
// summary with a disassembly listing. Read-only; nothing is patched. Useful
// for checking what an interception would be working with before installing
// one.
func Inspect(fn any) (*Report, error) {
	target, err := resolveTarget(reflect.ValueOf(fn))
	if err != nil {
		return nil, err
	}

	an, err := scanBody(target.Code)
	if err != nil {
		return nil, err
	}

	asm, err := disassemble(target.Code)
	if err != nil {
		return nil, err
	}

	return &Report{
		Name:        target.Name,
		Entry:       target.Entry,
		Analysis:    *an,
		Disassembly: asm,
	}, nil
}
