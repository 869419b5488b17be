// Package arm64 is the AArch64 Target backend of spec §9/§4.8-§4.11,
// grounded on the teacher's instruction encoder style
// (arm64_instructions.go's fixed-width little-endian encodeInstr helper)
// and arm64_backend.go's register tables, now driving relocation
// application and range-extension thunks instead of hand-written assembly.
package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/linker/reloc"
	"github.com/xyproto/moldcore/internal/obj"
)

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string      { return "arm64" }
func (b *Backend) Machine() uint16   { return elfconst.EM_AARCH64 }
func (b *Backend) IsRelaFormat() bool { return true }

func (b *Backend) ClassifyWant(relType uint32) reloc.Want {
	switch relType {
	case elfconst.R_AARCH64_ABS64, elfconst.R_AARCH64_ABS32,
		elfconst.R_AARCH64_PREL32, elfconst.R_AARCH64_PREL64,
		elfconst.R_AARCH64_ADD_ABS_LO12_NC, elfconst.R_AARCH64_LDST64_ABS_LO12_NC:
		return reloc.WantDirect
	case elfconst.R_AARCH64_CALL26, elfconst.R_AARCH64_JUMP26:
		return reloc.WantPLT
	case elfconst.R_AARCH64_ADR_GOT_PAGE, elfconst.R_AARCH64_LD64_GOT_LO12_NC:
		return reloc.WantGOT
	case elfconst.R_AARCH64_TLSGD_ADR_PAGE21, elfconst.R_AARCH64_TLSGD_ADD_LO12_NC:
		return reloc.WantTLSGD
	case elfconst.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, elfconst.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		return reloc.WantTLSIE
	case elfconst.R_AARCH64_TLSLE_ADD_TPREL_HI12, elfconst.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
		return reloc.WantTLSLE
	case elfconst.R_AARCH64_TLSDESC:
		return reloc.WantTLSDESC
	case elfconst.R_AARCH64_IRELATIVE:
		return reloc.WantIFunc
	default:
		return reloc.WantNone
	}
}

func (b *Backend) RelaxTLS(relType uint32, out reloc.OutputClass) reloc.Want {
	if out == reloc.OutputDSO {
		return reloc.WantNone
	}
	switch relType {
	case elfconst.R_AARCH64_TLSGD_ADR_PAGE21, elfconst.R_AARCH64_TLSGD_ADD_LO12_NC:
		return reloc.WantTLSLE
	case elfconst.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, elfconst.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		if out == reloc.OutputPDE {
			return reloc.WantTLSLE
		}
	}
	return reloc.WantNone
}

// MaxBranchRange is the +/-128MiB reach of BL/B's 26-bit word-granular
// immediate, the constraint spec §4.11's scenario 6 ("within +/-128MiB of
// the BL") exists to route around.
func (b *Backend) MaxBranchRange() int64 { return 128 << 20 }

func (b *Backend) IsBranch(relType uint32) bool {
	return relType == elfconst.R_AARCH64_CALL26 || relType == elfconst.R_AARCH64_JUMP26
}

func pageOf(addr uint64) uint64 { return addr &^ 0xfff }

func (b *Backend) ApplyRelocAlloc(buf []byte, rel obj.Rela, vals reloc.Values) error {
	off := rel.Offset
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("arm64: relocation offset %d out of range", off)
	}
	instr := binary.LittleEndian.Uint32(buf[off : off+4])
	switch rel.Type {
	case elfconst.R_AARCH64_ABS64:
		return write64(buf, off, vals.S+uint64(rel.Addend))
	case elfconst.R_AARCH64_ABS32:
		return write32(buf, off, uint32(vals.S+uint64(rel.Addend)))
	case elfconst.R_AARCH64_PREL32:
		return write32(buf, off, uint32(int64(vals.S)+rel.Addend-int64(vals.P)))
	case elfconst.R_AARCH64_PREL64:
		return write64(buf, off, uint64(int64(vals.S)+rel.Addend-int64(vals.P)))
	case elfconst.R_AARCH64_ADR_PREL_PG_HI21, elfconst.R_AARCH64_ADR_GOT_PAGE,
		elfconst.R_AARCH64_TLSGD_ADR_PAGE21, elfconst.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21:
		target := vals.S
		if rel.Type == elfconst.R_AARCH64_ADR_GOT_PAGE {
			target = vals.G
		}
		delta := int64(pageOf(target+uint64(rel.Addend))) - int64(pageOf(vals.P))
		return writeADRP(buf, off, instr, delta)
	case elfconst.R_AARCH64_ADD_ABS_LO12_NC, elfconst.R_AARCH64_TLSGD_ADD_LO12_NC:
		lo12 := uint32((vals.S + uint64(rel.Addend)) & 0xfff)
		return writeAddImm12(buf, off, instr, lo12)
	case elfconst.R_AARCH64_LDST64_ABS_LO12_NC, elfconst.R_AARCH64_LD64_GOT_LO12_NC,
		elfconst.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		target := vals.S
		if rel.Type != elfconst.R_AARCH64_LDST64_ABS_LO12_NC {
			target = vals.G
		}
		lo12 := uint32(((target + uint64(rel.Addend)) & 0xfff) >> 3) // 8-byte scaled immediate
		return writeLdStImm12(buf, off, instr, lo12)
	case elfconst.R_AARCH64_TLSLE_ADD_TPREL_HI12:
		hi12 := uint32(((vals.S - vals.TP + uint64(rel.Addend)) >> 12) & 0xfff)
		return writeAddImm12(buf, off, instr, hi12)
	case elfconst.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
		lo12 := uint32((vals.S - vals.TP + uint64(rel.Addend)) & 0xfff)
		return writeAddImm12(buf, off, instr, lo12)
	case elfconst.R_AARCH64_CALL26, elfconst.R_AARCH64_JUMP26:
		delta := int64(vals.S) + rel.Addend - int64(vals.P)
		return writeBranch26(buf, off, instr, delta)
	default:
		return fmt.Errorf("arm64: unhandled relocation type 0x%x", rel.Type)
	}
}

func (b *Backend) ApplyRelocNonAlloc(buf []byte, rel obj.Rela, vals reloc.Values) error {
	switch rel.Type {
	case elfconst.R_AARCH64_ABS64:
		return write64(buf, rel.Offset, vals.S+uint64(rel.Addend))
	case elfconst.R_AARCH64_ABS32:
		return write32(buf, rel.Offset, uint32(vals.S+uint64(rel.Addend)))
	default:
		return fmt.Errorf("arm64: unhandled non-alloc relocation type 0x%x", rel.Type)
	}
}

func writeADRP(buf []byte, off uint64, instr uint32, delta int64) error {
	pageDelta := delta >> 12
	if pageDelta < -(1<<20) || pageDelta >= 1<<20 {
		return fmt.Errorf("arm64: ADRP out of range: page delta %d at offset %d", pageDelta, off)
	}
	immlo := uint32(pageDelta) & 0x3
	immhi := uint32(pageDelta>>2) & 0x7ffff
	instr = (instr &^ (0x3 << 29)) &^ (0x7ffff << 5)
	instr |= immlo << 29
	instr |= immhi << 5
	binary.LittleEndian.PutUint32(buf[off:], instr)
	return nil
}

func writeAddImm12(buf []byte, off uint64, instr uint32, imm12 uint32) error {
	instr = (instr &^ (0xfff << 10)) | ((imm12 & 0xfff) << 10)
	binary.LittleEndian.PutUint32(buf[off:], instr)
	return nil
}

func writeLdStImm12(buf []byte, off uint64, instr uint32, imm12 uint32) error {
	instr = (instr &^ (0xfff << 10)) | ((imm12 & 0xfff) << 10)
	binary.LittleEndian.PutUint32(buf[off:], instr)
	return nil
}

func writeBranch26(buf []byte, off uint64, instr uint32, delta int64) error {
	if delta%4 != 0 {
		return fmt.Errorf("arm64: unaligned branch target delta %d at offset %d", delta, off)
	}
	imm := delta >> 2
	if imm < -(1<<25) || imm >= 1<<25 {
		return fmt.Errorf("arm64: branch out of range: delta %d at offset %d (use a thunk)", delta, off)
	}
	instr = (instr &^ 0x3ffffff) | (uint32(imm) & 0x3ffffff)
	binary.LittleEndian.PutUint32(buf[off:], instr)
	return nil
}

func write64(buf []byte, off uint64, v uint64) error {
	if off+8 > uint64(len(buf)) {
		return fmt.Errorf("arm64: relocation offset %d out of range", off)
	}
	binary.LittleEndian.PutUint64(buf[off:], v)
	return nil
}

func write32(buf []byte, off uint64, v uint32) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("arm64: relocation offset %d out of range", off)
	}
	binary.LittleEndian.PutUint32(buf[off:], v)
	return nil
}

// --- PLT templates (ADRP-based, per the gABI AArch64 ELF supplement's
// recommended PLT sequence) and the thunk template of spec §4.11's
// scenario 6 ("adrp x16, page(foo) - page(thunk); add x16, x16, lo12(foo);
// br x16"). ---

const (
	pltHeaderSize = 32
	pltEntrySize  = 16
	thunkSize     = 16
)

func (b *Backend) PLTHeaderSize() int   { return pltHeaderSize }
func (b *Backend) PLTEntrySize() int    { return pltEntrySize }
func (b *Backend) PLTGOTEntrySize() int { return 16 }

func (b *Backend) JumpSlotRelocType() uint32 { return uint32(elfconst.R_AARCH64_JUMP_SLOT) }

func (b *Backend) GlobDatRelocType() uint32   { return uint32(elfconst.R_AARCH64_GLOB_DAT) }
func (b *Backend) RelativeRelocType() uint32  { return uint32(elfconst.R_AARCH64_RELATIVE) }
func (b *Backend) IRelativeRelocType() uint32 { return uint32(elfconst.R_AARCH64_IRELATIVE) }
func (b *Backend) CopyRelocType() uint32      { return uint32(elfconst.R_AARCH64_COPY) }
func (b *Backend) TLSDTPModRelocType() uint32 { return uint32(elfconst.R_AARCH64_TLS_DTPMOD) }
func (b *Backend) TLSDTPOffRelocType() uint32 { return uint32(elfconst.R_AARCH64_TLS_DTPREL) }
func (b *Backend) TLSTPOffRelocType() uint32  { return uint32(elfconst.R_AARCH64_TLS_TPREL) }
func (b *Backend) TLSDescRelocType() uint32   { return uint32(elfconst.R_AARCH64_TLSDESC) }
func (b *Backend) ThunkSize() int       { return thunkSize }

// WritePLTHeader emits the standard AArch64 PLT0 resolver stub:
//
//	stp x16, x30, [sp,#-16]!
//	adrp x16, Page(GOTPLT[2])
//	ldr x17, [x16, Lo12(GOTPLT[2])]
//	add x16, x16, Lo12(GOTPLT[2])
//	br x17
func (b *Backend) WritePLTHeader(buf []byte, pltAddr, gotpltAddr uint64) {
	binary.LittleEndian.PutUint32(buf[0:4], 0xa9bf7bf0)
	writeADRPRaw(buf[4:8], 0x90000010, pageOf(gotpltAddr+16)-pageOf(pltAddr+4))
	lo12 := uint32(gotpltAddr+16) & 0xfff
	binary.LittleEndian.PutUint32(buf[8:12], 0xf9400211|((lo12>>3)<<10))
	binary.LittleEndian.PutUint32(buf[12:16], 0x91000210|(lo12<<10))
	binary.LittleEndian.PutUint32(buf[16:20], 0xd61f0220)
	copy(buf[20:32], make([]byte, 12))
}

// WritePLTEntry emits one adrp/ldr/br stub loading GOTPLT[3+index].
func (b *Backend) WritePLTEntry(buf []byte, pltAddr, gotpltAddr uint64, index int) {
	entryOff := pltHeaderSize + index*pltEntrySize
	entryAddr := pltAddr + uint64(entryOff)
	slot := gotpltAddr + uint64(3+index)*8
	e := buf[entryOff : entryOff+pltEntrySize]
	writeADRPRaw(e[0:4], 0x90000010, pageOf(slot)-pageOf(entryAddr))
	lo12 := uint32(slot) & 0xfff
	binary.LittleEndian.PutUint32(e[4:8], 0xf9400211|((lo12>>3)<<10))
	binary.LittleEndian.PutUint32(e[8:12], 0x91000210|(lo12<<10))
	binary.LittleEndian.PutUint32(e[12:16], 0xd61f0220)
}

func (b *Backend) WritePLTGOTEntry(buf []byte, entryAddr, gotAddr uint64) {
	writeADRPRaw(buf[0:4], 0x90000010, pageOf(gotAddr)-pageOf(entryAddr))
	lo12 := uint32(gotAddr) & 0xfff
	binary.LittleEndian.PutUint32(buf[4:8], 0xf9400211|((lo12>>3)<<10))
	binary.LittleEndian.PutUint32(buf[8:12], 0xd61f0220)
	binary.LittleEndian.PutUint32(buf[12:16], 0xd503201f) // nop pad
}

// WriteThunk emits the landing pad of spec §4.11's scenario 6:
// adrp x16, page(target)-page(thunk); add x16, x16, lo12(target); br x16.
func (b *Backend) WriteThunk(buf []byte, thunkAddr, target uint64) {
	writeADRPRaw(buf[0:4], 0x90000010, pageOf(target)-pageOf(thunkAddr))
	lo12 := uint32(target) & 0xfff
	binary.LittleEndian.PutUint32(buf[4:8], 0x91000210|(lo12<<10))
	binary.LittleEndian.PutUint32(buf[8:12], 0xd61f0200)
	binary.LittleEndian.PutUint32(buf[12:16], 0xd503201f)
}

func writeADRPRaw(dst []byte, opcodeBase uint32, pageDelta uint64) {
	d := int64(pageDelta) >> 12
	immlo := uint32(d) & 0x3
	immhi := uint32(d>>2) & 0x7ffff
	instr := opcodeBase | (immlo << 29) | (immhi << 5)
	binary.LittleEndian.PutUint32(dst, instr)
}
