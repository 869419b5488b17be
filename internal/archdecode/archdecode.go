// Package archdecode disassembles a handful of bytes for --verbose
// diagnostics only (e.g. "thunk at 0x1040: adrp x16, ..."). It is never
// called from the relocation scan/apply hot loop (spec §9's monomorphization
// note: the hot loop must not become runtime-polymorphic over architecture).
package archdecode

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// DisassembleX86_64 renders up to one instruction at the start of code for
// a log line. On decode failure it falls back to a hex dump.
func DisassembleX86_64(code []byte) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("(undecodable: % x)", code[:min(len(code), 8)])
	}
	return x86asm.GNUSyntax(inst, 0, nil)
}

// DisassembleARM64 renders a single 4-byte AArch64 instruction.
func DisassembleARM64(code []byte) string {
	if len(code) < 4 {
		return fmt.Sprintf("(short: % x)", code)
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf("(undecodable: % x)", code[:4])
	}
	return arm64asm.GNUSyntax(inst)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
