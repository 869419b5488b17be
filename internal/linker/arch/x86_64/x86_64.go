// Package x86_64 is the x86-64 Target backend of spec §9/§4.8-§4.11,
// grounded on the teacher's PLT/GOT byte templates (plt_got.go's
// GeneratePLT/GenerateGOT) and its opcode-emission style
// (mov_x86_64.go/x86_64_codegen.go), now parameterized over an arbitrary
// set of PLT-needing symbols instead of a fixed function list.
package x86_64

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/linker/reloc"
	"github.com/xyproto/moldcore/internal/obj"
)

// Backend implements reloc.Target for EM_X86_64.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string     { return "x86_64" }
func (b *Backend) Machine() uint16  { return elfconst.EM_X86_64 }
func (b *Backend) IsRelaFormat() bool { return true }

// ClassifyWant maps an R_X86_64_* type to what its encoding needs (spec
// §4.8's value algebra terms).
func (b *Backend) ClassifyWant(relType uint32) reloc.Want {
	switch relType {
	case elfconst.R_X86_64_64, elfconst.R_X86_64_32, elfconst.R_X86_64_32S,
		elfconst.R_X86_64_16, elfconst.R_X86_64_8, elfconst.R_X86_64_PC64,
		elfconst.R_X86_64_PC32, elfconst.R_X86_64_PC16, elfconst.R_X86_64_PC8:
		return reloc.WantDirect
	case elfconst.R_X86_64_PLT32:
		return reloc.WantPLT
	case elfconst.R_X86_64_GOT32, elfconst.R_X86_64_GOTPCREL,
		elfconst.R_X86_64_GOTPCRELX, elfconst.R_X86_64_REX_GOTPCRELX,
		elfconst.R_X86_64_GOTPC32:
		return reloc.WantGOT
	case elfconst.R_X86_64_TLSGD:
		return reloc.WantTLSGD
	case elfconst.R_X86_64_TLSLD:
		return reloc.WantTLSLD
	case elfconst.R_X86_64_GOTTPOFF:
		return reloc.WantTLSIE
	case elfconst.R_X86_64_TPOFF32, elfconst.R_X86_64_TPOFF64:
		return reloc.WantTLSLE
	case elfconst.R_X86_64_DTPOFF32, elfconst.R_X86_64_DTPOFF64:
		return reloc.WantTLSLD
	case elfconst.R_X86_64_IRELATIVE:
		return reloc.WantIFunc
	default:
		return reloc.WantNone
	}
}

// RelaxTLS implements the GD/LD->IE/LE narrowing for PDE/PIE outputs: a
// --relax build of an executable never needs the general-dynamic machinery
// since the TLS block's layout is known at link time.
func (b *Backend) RelaxTLS(relType uint32, out reloc.OutputClass) reloc.Want {
	if out == reloc.OutputDSO {
		return reloc.WantNone
	}
	switch relType {
	case elfconst.R_X86_64_TLSGD:
		return reloc.WantTLSLE
	case elfconst.R_X86_64_TLSLD:
		return reloc.WantTLSLE
	case elfconst.R_X86_64_GOTTPOFF:
		if out == reloc.OutputPDE {
			return reloc.WantTLSLE
		}
	}
	return reloc.WantNone
}

func (b *Backend) MaxBranchRange() int64 { return 0 } // rel32 covers the full x86-64 address space for one link
func (b *Backend) IsBranch(relType uint32) bool {
	return relType == elfconst.R_X86_64_PLT32 || relType == elfconst.R_X86_64_PC32
}

// ApplyRelocAlloc patches one relocation site per spec §4.8's algebra.
func (b *Backend) ApplyRelocAlloc(buf []byte, rel obj.Rela, vals reloc.Values) error {
	switch rel.Type {
	case elfconst.R_X86_64_64:
		return write64(buf, rel.Offset, vals.S+uint64(rel.Addend))
	case elfconst.R_X86_64_32, elfconst.R_X86_64_32S:
		return write32Checked(buf, rel.Offset, vals.S+uint64(rel.Addend), rel.Type == elfconst.R_X86_64_32S)
	case elfconst.R_X86_64_PC32, elfconst.R_X86_64_PLT32:
		return write32(buf, rel.Offset, int64(vals.S)+rel.Addend-int64(vals.P))
	case elfconst.R_X86_64_PC64:
		return write64(buf, rel.Offset, uint64(int64(vals.S)+rel.Addend-int64(vals.P)))
	case elfconst.R_X86_64_GOTPCREL, elfconst.R_X86_64_GOTPCRELX, elfconst.R_X86_64_REX_GOTPCRELX:
		return write32(buf, rel.Offset, int64(vals.G)+rel.Addend-int64(vals.P))
	case elfconst.R_X86_64_GOTTPOFF:
		return write32(buf, rel.Offset, int64(vals.G)+rel.Addend-int64(vals.P))
	case elfconst.R_X86_64_TPOFF32:
		return write32(buf, rel.Offset, int64(vals.S)-int64(vals.TP)+rel.Addend)
	case elfconst.R_X86_64_TPOFF64:
		return write64(buf, rel.Offset, uint64(int64(vals.S)-int64(vals.TP)+rel.Addend))
	case elfconst.R_X86_64_DTPOFF32:
		return write32(buf, rel.Offset, int64(vals.S)-int64(vals.DTP)+rel.Addend)
	case elfconst.R_X86_64_DTPOFF64:
		return write64(buf, rel.Offset, uint64(int64(vals.S)-int64(vals.DTP)+rel.Addend))
	case elfconst.R_X86_64_16:
		return write16(buf, rel.Offset, uint16(vals.S+uint64(rel.Addend)))
	case elfconst.R_X86_64_8:
		return write8(buf, rel.Offset, byte(vals.S+uint64(rel.Addend)))
	default:
		return fmt.Errorf("x86_64: unhandled relocation type %d", rel.Type)
	}
}

// ApplyRelocNonAlloc handles non-SHF_ALLOC sections (debug info etc.),
// which only ever carry S+A (no GOT/PLT/TLS machinery is meaningful there).
func (b *Backend) ApplyRelocNonAlloc(buf []byte, rel obj.Rela, vals reloc.Values) error {
	switch rel.Type {
	case elfconst.R_X86_64_64:
		return write64(buf, rel.Offset, vals.S+uint64(rel.Addend))
	case elfconst.R_X86_64_32, elfconst.R_X86_64_32S:
		return write32(buf, rel.Offset, int64(vals.S)+rel.Addend)
	default:
		return fmt.Errorf("x86_64: unhandled non-alloc relocation type %d", rel.Type)
	}
}

// --- PLT / PLT0 / PLTGOT templates, grounded on plt_got.go's
// GeneratePLT/GenerateGOT (generalized from a fixed function list to an
// arbitrary symbol count resolved at layout time). ---

const (
	pltHeaderSize = 16
	pltEntrySize  = 16
	pltGotSize    = 8
)

func (b *Backend) PLTHeaderSize() int  { return pltHeaderSize }
func (b *Backend) PLTEntrySize() int   { return pltEntrySize }
func (b *Backend) PLTGOTEntrySize() int { return pltGotSize }

func (b *Backend) JumpSlotRelocType() uint32 { return uint32(elfconst.R_X86_64_JUMP_SLOT) }

func (b *Backend) GlobDatRelocType() uint32    { return uint32(elfconst.R_X86_64_GLOB_DAT) }
func (b *Backend) RelativeRelocType() uint32   { return uint32(elfconst.R_X86_64_RELATIVE) }
func (b *Backend) IRelativeRelocType() uint32  { return uint32(elfconst.R_X86_64_IRELATIVE) }
func (b *Backend) CopyRelocType() uint32       { return uint32(elfconst.R_X86_64_COPY) }
func (b *Backend) TLSDTPModRelocType() uint32  { return uint32(elfconst.R_X86_64_DTPMOD64) }
func (b *Backend) TLSDTPOffRelocType() uint32  { return uint32(elfconst.R_X86_64_DTPOFF64) }
func (b *Backend) TLSTPOffRelocType() uint32   { return uint32(elfconst.R_X86_64_TPOFF64) }
func (b *Backend) TLSDescRelocType() uint32    { return 0 } // x86_64 backend never raises WantTLSDESC

// WritePLTHeader emits PLT[0]: pushq GOT[1]; jmpq *GOT[2]; 4 bytes of nop
// padding, matching plt_got.go's GeneratePLT PLT[0] stub exactly.
func (b *Backend) WritePLTHeader(buf []byte, pltAddr, gotpltAddr uint64) {
	buf[0], buf[1] = 0xff, 0x35
	binary.LittleEndian.PutUint32(buf[2:6], uint32(gotpltAddr+8-pltAddr-6))
	buf[6], buf[7] = 0xff, 0x25
	binary.LittleEndian.PutUint32(buf[8:12], uint32(gotpltAddr+16-pltAddr-12))
	copy(buf[12:16], []byte{0x0f, 0x1f, 0x40, 0x00})
}

// WritePLTEntry emits PLT[index+1]: jmpq *GOTPLT[3+index]; pushq $index;
// jmpq PLT[0] -- the lazy-binding stub, per plt_got.go's GeneratePLT loop.
func (b *Backend) WritePLTEntry(buf []byte, pltAddr, gotpltAddr uint64, index int) {
	entryOff := pltHeaderSize + index*pltEntrySize
	entryAddr := pltAddr + uint64(entryOff)
	gotSlot := gotpltAddr + uint64(3+index)*8
	e := buf[entryOff:]
	e[0], e[1] = 0xff, 0x25
	binary.LittleEndian.PutUint32(e[2:6], uint32(int64(gotSlot)-int64(entryAddr)-6))
	e[6] = 0x68
	binary.LittleEndian.PutUint32(e[7:11], uint32(index))
	e[11] = 0xe9
	binary.LittleEndian.PutUint32(e[12:16], uint32(int64(pltAddr)-int64(entryAddr)-16))
}

// WritePLTGOTEntry emits a .plt.got entry: jmpq *GOT[n] directly, used for
// CPLT (canonical PLT in a position-dependent executable) and non-lazy
// binding, where the indirection through PLT[0]'s resolver is unneeded.
func (b *Backend) WritePLTGOTEntry(buf []byte, entryAddr, gotAddr uint64) {
	buf[0], buf[1] = 0xff, 0x25
	binary.LittleEndian.PutUint32(buf[2:6], uint32(int64(gotAddr)-int64(entryAddr)-6))
	copy(buf[6:8], []byte{0x66, 0x90}) // 2-byte nop pad to keep the entry 8-byte aligned
}

func (b *Backend) ThunkSize() int { return 0 }
func (b *Backend) WriteThunk(buf []byte, thunkAddr, target uint64) {}

func write64(buf []byte, off uint64, v uint64) error {
	if off+8 > uint64(len(buf)) {
		return fmt.Errorf("x86_64: relocation offset %d out of range", off)
	}
	binary.LittleEndian.PutUint64(buf[off:], v)
	return nil
}

func write32(buf []byte, off uint64, v int64) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("x86_64: relocation offset %d out of range", off)
	}
	if v < -(1<<31) || v >= 1<<31 {
		return fmt.Errorf("x86_64: relocation overflow: value 0x%x out of range at offset %d", v, off)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(int32(v)))
	return nil
}

func write32Checked(buf []byte, off uint64, v uint64, signed bool) error {
	if off+4 > uint64(len(buf)) {
		return fmt.Errorf("x86_64: relocation offset %d out of range", off)
	}
	if signed {
		if int64(v) < -(1<<31) || int64(v) >= 1<<31 {
			return fmt.Errorf("x86_64: R_X86_64_32S overflow: value 0x%x out of range at offset %d", v, off)
		}
	} else if v >= 1<<32 {
		return fmt.Errorf("x86_64: R_X86_64_32 overflow: value 0x%x out of range at offset %d", v, off)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(v))
	return nil
}

func write16(buf []byte, off uint64, v uint16) error {
	if off+2 > uint64(len(buf)) {
		return fmt.Errorf("x86_64: relocation offset %d out of range", off)
	}
	binary.LittleEndian.PutUint16(buf[off:], v)
	return nil
}

func write8(buf []byte, off uint64, v byte) error {
	if off+1 > uint64(len(buf)) {
		return fmt.Errorf("x86_64: relocation offset %d out of range", off)
	}
	buf[off] = v
	return nil
}
