package obj

import (
	"go.uber.org/atomic"

	"github.com/xyproto/moldcore/internal/elfconst"
)

// FileKind distinguishes the three concrete File kinds of spec §3.
type FileKind int

const (
	FileObject FileKind = iota
	FileShared
	FileInternal
)

// ElfSym is a parsed symbol-table entry, local or global. Locals are kept
// per-file; globals are additionally interned into the process-wide
// SymbolTable (spec §4.1).
type ElfSym struct {
	Name     string
	Value    uint64
	Size     uint64
	Bind     uint8
	Type     uint8
	Shndx    int // section index this symbol is defined in, or SHN_UNDEF/SHN_COMMON/SHN_ABS
	Vis      uint8
	IsWeak   bool
	VerName  string // bare version name from .gnu.version_d (e.g. "GLIBC_2.2.5"), if any
	Hidden   bool   // VER_NDX hidden (the "@version" non-default form)
}

// Rela is one relocation entry, normalized to RELA form (a REL-format
// entry gets Addend 0; its implicit addend in the instruction bytes is not
// read).
type Rela struct {
	Offset uint64
	Type   uint32
	Sym    int // index into the owning file's ElfSym slice
	Addend int64

	// Outcome caches the reloc package's decision-matrix result (its
	// reloc.Outcome values, stored as int32 to avoid an import cycle: reloc
	// imports obj, not the reverse). Zero (reloc.None) means no dynamic
	// relocation is needed for this site. Set by reloc.Scan, consumed by
	// synth.BuildDirectDynRelocs once layout has assigned every output
	// address the entry's offset/addend depend on.
	Outcome int32

	// ThunkTarget is the output address of the range-extension thunk this
	// branch was routed through (spec §4.11), or 0 when it reaches its
	// target directly. Set once the thunk table's address is final, read by
	// emit.resolveValues in place of the symbol's own address.
	ThunkTarget uint64
}

// ComdatGroup is registered once per signature in Context.Comdats (spec
// §4.2). Owner is an atomic min over racing file priorities.
type ComdatGroup struct {
	Signature string
	Owner     atomic.Int64 // file priority of the current owner; starts at math.MaxInt64
}

// File is the shared header every concrete file kind embeds (spec §3:
// "Every file has a monotonically increasing priority... an is_alive
// flag... an ELF header... a section header table... a symbol table
// slice... a string table slice").
type File struct {
	Kind     FileKind
	Path     string
	Priority int64 // command-line order, lower wins ties
	IsAlive  atomic.Bool

	Class    uint8 // ELFCLASS32/64
	Data     uint8 // ELFDATA2LSB/MSB
	Machine  uint16
	Type     uint16 // ET_REL/ET_DYN

	Sections []*InputSection
	Locals   []ElfSym // st_bind == STB_LOCAL entries, kept per-file
	Globals  []*Symbol // parallel to the global subset of the original symtab, in symtab order
	GlobalElfSyms []ElfSym // the ElfSym each Globals[i] was parsed from, for sym_idx back-reference

	// Shared-object-only fields (spec §6 "Output" honored DSO metadata).
	Soname   string
	Needed   []string
	VerDefs  map[uint16]string // verdef index -> version name
	IsLazy   bool              // archive member not yet pulled in

	// ComdatGroups this file contributed: signature -> section indices it
	// lists as members, used by the comdat package to kill the loser's copy.
	ComdatMembers map[string][]int

	Cies []CieRecord
	Fdes []FdeRecord

	NumDynrel      int64 // spec §3 invariant: reserved .rela.dyn slot count
	ReldynOffset   int64

	NeedsExecStack bool
	GnuProperty    uint32 // intersection of GNU_PROPERTY_X86_FEATURE_1_{IBT,SHSTK} bits
}

// NewObjectFile returns a File of kind FileObject with defaults applied.
func NewObjectFile(path string, priority int64) *File {
	f := &File{Kind: FileObject, Path: path, Priority: priority}
	f.IsAlive.Store(false)
	return f
}

// NewSharedFile returns a File of kind FileShared.
func NewSharedFile(path string, priority int64) *File {
	f := &File{Kind: FileShared, Path: path, Priority: priority}
	f.IsAlive.Store(false)
	f.VerDefs = make(map[uint16]string)
	return f
}

// NewInternalFile returns the synthetic File that owns linker-generated
// symbols (_end, _GLOBAL_OFFSET_TABLE_, __init_array_start, ...). It is
// always alive and has the lowest priority so it never wins a tie it
// shouldn't.
func NewInternalFile() *File {
	f := &File{Kind: FileInternal, Path: "<internal>", Priority: -1}
	f.IsAlive.Store(true)
	return f
}

// IsDSO reports whether this file is a shared object (spec §4.3 rank table
// distinguishes "live object" from "DSO/lazy-object").
func (f *File) IsDSO() bool { return f.Kind == FileShared }

// ElfSymAt returns the local or global ElfSym at sym_idx, mirroring the
// source's "symbols[sym_idx]" back-reference invariant (spec §3).
func (f *File) ElfSymAt(symIdx, numLocal int) (ElfSym, bool) {
	if symIdx < numLocal {
		if symIdx < 0 || symIdx >= len(f.Locals) {
			return ElfSym{}, false
		}
		return f.Locals[symIdx], true
	}
	gi := symIdx - numLocal
	if gi < 0 || gi >= len(f.GlobalElfSyms) {
		return ElfSym{}, false
	}
	return f.GlobalElfSyms[gi], true
}

// RelocTarget resolves a relocation's symbol index to the InputSection it
// is defined in: a local symbol points directly at a section via its
// ElfSym.Shndx, a global symbol is resolved through the interned Symbol's
// current owner (spec §4.8's target lookup, shared by the gc and icf
// stages which both need to walk the same relocation graph).
func (f *File) RelocTarget(symIdx int) *InputSection {
	numLocal := len(f.Locals)
	es, ok := f.ElfSymAt(symIdx, numLocal)
	if !ok {
		return nil
	}
	if symIdx < numLocal {
		if es.Shndx < 0 || es.Shndx >= len(f.Sections) {
			return nil
		}
		return f.Sections[es.Shndx]
	}
	gi := symIdx - numLocal
	if gi < 0 || gi >= len(f.Globals) {
		return nil
	}
	sym := f.Globals[gi]
	if sym == nil {
		return nil
	}
	sym.Lock()
	def, shndx := sym.File, sym.Shndx
	sym.Unlock()
	if def == nil || shndx < 0 || shndx >= len(def.Sections) {
		return nil
	}
	return def.Sections[shndx]
}

// MachineName renders f.Machine for diagnostics, used instead of the raw
// number anywhere an error message names the offending file's architecture.
func MachineName(m uint16) string {
	switch m {
	case elfconst.EM_X86_64:
		return "x86-64"
	case elfconst.EM_AARCH64:
		return "aarch64"
	case elfconst.EM_RISCV:
		return "riscv64"
	default:
		return "unknown"
	}
}
