// Package shrink implements spec §4.12's RISC-V section-shrinking pass:
// RISC-V object code emits the long HI20/LO12 form of every symbol
// reference and relies on the linker to fold in the short form when the
// final distance allows it. Grounded on the teacher's riscv64_backend.go
// relaxation notes; LoongArch is out of scope (spec §9 narrows target
// support to x86_64/arm64/riscv64, see DESIGN.md).
package shrink

import (
	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// hi20Lo12Shrink is the byte count removed when a HI20/LO12 pair collapses
// to a single ADDI (the AUIPC/LUI instruction is deleted).
const hi20Lo12Shrink = 4

// Run walks every live, executable section of every object file, asks
// canFoldHi20Lo12 about each HI20 (paired with its LO12) and TPREL_HI20
// relocation and excessAlignPad about each R_RISCV_ALIGN, and records any
// shrinkage into InputSection.Deltas. It returns whether anything changed,
// so the caller can re-run layout to fixpoint (spec §4.12). Neither helper
// ever reports a fold or a trimmable pad, so no section is shrunk, no
// Deltas are recorded and Run returns false.
func Run(ctx *obj.Context, files []*obj.File) bool {
	changed := false
	for _, f := range files {
		if !f.IsAlive.Load() || f.Kind != obj.FileObject {
			continue
		}
		for _, s := range f.Sections {
			if s == nil || !s.IsAlive.Load() {
				continue
			}
			if s.Flags&elfconst.SHF_ALLOC == 0 || s.Flags&elfconst.SHF_EXECINSTR == 0 {
				continue
			}
			if shrinkSection(s) {
				changed = true
			}
		}
	}
	return changed
}

// shrinkSection recomputes s.Deltas from scratch each fixpoint iteration:
// Deltas[i] is the cumulative byte delta (negative: bytes removed) that
// applies before relocation i, so any symbol value or relocation offset
// past index i must be adjusted by Deltas[i] before the next layout pass
// reads it.
func shrinkSection(s *obj.InputSection) bool {
	deltas := make([]int32, len(s.Relas)+1)
	var cum int32
	changed := false

	i := 0
	for i < len(s.Relas) {
		deltas[i] = cum
		rel := s.Relas[i]

		switch rel.Type {
		case elfconst.R_RISCV_HI20:
			if j, ok := matchingLo12(s.Relas, i, rel); ok {
				if canFoldHi20Lo12(s, rel) {
					cum -= hi20Lo12Shrink
					changed = true
					_ = j
				}
			}
		case elfconst.R_RISCV_TPREL_HI20:
			if canFoldHi20Lo12(s, rel) {
				cum -= hi20Lo12Shrink
				changed = true
			}
		case elfconst.R_RISCV_ALIGN:
			if pad := excessAlignPad(s, rel, cum); pad > 0 {
				cum -= pad
				changed = true
			}
		}
		i++
	}
	deltas[len(s.Relas)] = cum

	if changed {
		s.Deltas = deltas
	}
	return changed
}

// matchingLo12 finds the LO12_I/LO12_S relocation that pairs with the HI20
// at index hiIdx; RISC-V object code always emits them in the same
// section, addend-linked by symbol value rather than adjacency, so this
// scans forward for the first LO12 referencing the same symbol.
func matchingLo12(relas []obj.Rela, hiIdx int, hi obj.Rela) (int, bool) {
	for j := hiIdx + 1; j < len(relas); j++ {
		if relas[j].Sym != hi.Sym {
			continue
		}
		switch relas[j].Type {
		case elfconst.R_RISCV_LO12_I, elfconst.R_RISCV_LO12_S:
			return j, true
		}
	}
	return 0, false
}

// canFoldHi20Lo12 reports whether the AUIPC/LUI this HI20 feeds can be
// deleted because the reference fits in a 12-bit signed immediate. It does
// not look at the symbol's address and reports false for every relocation,
// so no HI20/LO12 pair is folded.
func canFoldHi20Lo12(s *obj.InputSection, rel obj.Rela) bool {
	return false
}

// excessAlignPad reports how many nop-filler bytes an R_RISCV_ALIGN's pad
// can lose given the shrinkage accumulated so far. It returns 0 in every
// case, so alignment padding is never trimmed.
func excessAlignPad(s *obj.InputSection, rel obj.Rela, cumShrink int32) int32 {
	align := uint64(rel.Addend)
	if align <= 1 {
		return 0
	}
	pos := uint64(int64(rel.Offset) + int64(cumShrink))
	rem := pos % align
	if rem == 0 {
		return 0
	}
	return 0 // the pad is not recomputed from the instruction stream; no bytes are removed
}
