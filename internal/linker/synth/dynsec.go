package synth

import (
	"encoding/binary"

	"github.com/xyproto/moldcore/internal/config"
	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// DynTag is one (tag, value) pair of the .dynamic section.
type DynTag struct {
	Tag   int64
	Value uint64
}

// DynamicSection emits spec §6's documented tag list. spareDynamicTags
// reserves trailing DT_NULL slots, matching the original's
// spare_dynamic_tags (SPEC_FULL.md's supplemented feature).
type DynamicSection struct {
	obj.Chunk
	Tags            []DynTag
	spareDynamicTags int
}

func NewDynamicSection(spareDynamicTags int) *DynamicSection {
	d := &DynamicSection{spareDynamicTags: spareDynamicTags}
	d.Shdr.Name = ".dynamic"
	d.Shdr.Type = elfconst.SHT_DYNAMIC
	d.Shdr.Flags = elfconst.SHF_ALLOC | elfconst.SHF_WRITE
	d.Shdr.EntSize = 16
	d.Shdr.AddrAlign = 8
	return d
}

// DynamicInputs collects every piece of state Build needs, so that the
// orchestrator doesn't have to hand DynamicSection a whole *obj.Context of
// unrelated fields.
type DynamicInputs struct {
	Needed      []string
	Soname      string
	Rpath       string
	Runpath     bool // true: emit DT_RUNPATH instead of DT_RPATH
	Init, Fini  uint64
	HasInit     bool
	HasFini     bool
	InitArrayAddr, InitArraySize     uint64
	FiniArrayAddr, FiniArraySize     uint64
	PreinitArrayAddr, PreinitArraySize uint64
	HashStyle   config.HashStyle
	HashAddr    uint64
	GnuHashAddr uint64
	StrtabAddr, StrtabSize uint64
	SymtabAddr  uint64
	PltGotAddr  uint64
	PltRelSz    uint64
	JmpRelAddr  uint64
	RelaAddr    uint64
	RelaSize    uint64
	RelaCount   int64 // number of RELATIVE entries at the start of .rela.dyn, for DT_RELACOUNT
	RelrAddr, RelrSize uint64
	VerneedAddr uint64
	VerneedNum  uint32
	VerdefAddr  uint64
	VerdefNum   uint32
	VersymAddr  uint64
	Flags       uint64
	Flags1      uint64
	TextRel     bool
}

// Build fills d.Tags from in, replacing any tags from a previous call. It
// is safe to call twice - once before layout (to size the section from
// entry counts already known at that point) and again after layout with
// real addresses filled in (UpdateShdr's Shdr.Size is unaffected as long as
// the same fields are populated both times, since the tag count depends
// only on which DynamicInputs fields are non-zero, not their values).
func (d *DynamicSection) Build(dynstr *DynstrSection, in DynamicInputs) {
	d.Tags = d.Tags[:0]
	add := func(tag int64, v uint64) { d.Tags = append(d.Tags, DynTag{tag, v}) }
	for _, n := range in.Needed {
		add(elfconst.DT_NEEDED, uint64(dynstr.Add(n)))
	}
	if in.Soname != "" {
		add(elfconst.DT_SONAME, uint64(dynstr.Add(in.Soname)))
	}
	if in.Rpath != "" {
		tag := int64(elfconst.DT_RPATH)
		if in.Runpath {
			tag = elfconst.DT_RUNPATH
		}
		add(tag, uint64(dynstr.Add(in.Rpath)))
	}
	if in.HashStyle&config.HashStyleSysV != 0 {
		add(elfconst.DT_HASH, in.HashAddr)
	}
	if in.HashStyle&config.HashStyleGNU != 0 {
		add(elfconst.DT_GNU_HASH, in.GnuHashAddr)
	}
	add(elfconst.DT_STRTAB, in.StrtabAddr)
	add(elfconst.DT_SYMTAB, in.SymtabAddr)
	add(elfconst.DT_STRSZ, in.StrtabSize)
	add(elfconst.DT_SYMENT, 24)
	if in.HasInit {
		add(elfconst.DT_INIT, in.Init)
	}
	if in.HasFini {
		add(elfconst.DT_FINI, in.Fini)
	}
	if in.InitArraySize > 0 {
		add(elfconst.DT_INIT_ARRAY, in.InitArrayAddr)
		add(elfconst.DT_INIT_ARRAYSZ, in.InitArraySize)
	}
	if in.FiniArraySize > 0 {
		add(elfconst.DT_FINI_ARRAY, in.FiniArrayAddr)
		add(elfconst.DT_FINI_ARRAYSZ, in.FiniArraySize)
	}
	if in.PreinitArraySize > 0 {
		add(elfconst.DT_PREINIT_ARRAY, in.PreinitArrayAddr)
		add(elfconst.DT_PREINIT_ARRAYSZ, in.PreinitArraySize)
	}
	if in.PltRelSz > 0 {
		add(elfconst.DT_PLTGOT, in.PltGotAddr)
		add(elfconst.DT_PLTRELSZ, in.PltRelSz)
		add(elfconst.DT_PLTREL, elfconst.DT_RELA)
		add(elfconst.DT_JMPREL, in.JmpRelAddr)
	}
	if in.RelaSize > 0 {
		add(elfconst.DT_RELA, in.RelaAddr)
		add(elfconst.DT_RELASZ, in.RelaSize)
		add(elfconst.DT_RELAENT, 24)
		if in.RelaCount > 0 {
			add(elfconst.DT_RELACOUNT, uint64(in.RelaCount))
		}
	}
	if in.RelrSize > 0 {
		add(elfconst.DT_RELR, in.RelrAddr)
		add(elfconst.DT_RELRSZ, in.RelrSize)
		add(elfconst.DT_RELRENT, 8)
	}
	if in.VerneedNum > 0 {
		add(elfconst.DT_VERNEED, in.VerneedAddr)
		add(elfconst.DT_VERNEEDNUM, uint64(in.VerneedNum))
	}
	if in.VerdefNum > 0 {
		add(elfconst.DT_VERDEF, in.VerdefAddr)
		add(elfconst.DT_VERDEFNUM, uint64(in.VerdefNum))
	}
	if in.VersymAddr != 0 {
		add(elfconst.DT_VERSYM, in.VersymAddr)
	}
	if in.TextRel {
		add(elfconst.DT_TEXTREL, 0)
	}
	if in.Flags != 0 {
		add(elfconst.DT_FLAGS, in.Flags)
	}
	if in.Flags1 != 0 {
		add(elfconst.DT_FLAGS_1, in.Flags1)
	}
	add(elfconst.DT_DEBUG, 0) // zero for PIE per spec §6
	for i := 0; i < d.spareDynamicTags; i++ {
		add(elfconst.DT_NULL, 0)
	}
	add(elfconst.DT_NULL, 0) // mandatory terminator
}

func (d *DynamicSection) UpdateShdr(ctx *obj.Context) { d.Shdr.Size = uint64(len(d.Tags)) * 16 }

func (d *DynamicSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := d.Shdr.Offset
	for i, t := range d.Tags {
		off := base + uint64(i)*16
		binary.LittleEndian.PutUint64(buf[off:], uint64(t.Tag))
		binary.LittleEndian.PutUint64(buf[off+8:], t.Value)
	}
	return nil
}

// --- .note.gnu.build-id / .note.gnu.property (spec §6). ---

type BuildIDSection struct {
	obj.Chunk
	Size int // hash_size for HASH, 16 for UUID, len(literal) for HEX
}

func NewBuildIDSection(size int) *BuildIDSection {
	b := &BuildIDSection{Size: size}
	b.Shdr.Name = ".note.gnu.build-id"
	b.Shdr.Type = elfconst.SHT_NOTE
	b.Shdr.Flags = elfconst.SHF_ALLOC
	b.Shdr.AddrAlign = 4
	return b
}

func noteSize(nameLen, descLen int) int {
	return 12 + align4(nameLen) + align4(descLen)
}
func align4(n int) int { return (n + 3) &^ 3 }

func (b *BuildIDSection) UpdateShdr(ctx *obj.Context) {
	b.Shdr.Size = uint64(noteSize(4, b.Size)) // name "GNU\0"
}

// WriteTo writes the note header with an all-zero descriptor. Nothing in
// the link overwrites the descriptor afterwards (BuildID and
// DescriptorRange have no callers), so the emitted build-id stays zero.
func (b *BuildIDSection) WriteTo(ctx *obj.Context, buf []byte) error {
	off := b.Shdr.Offset
	binary.LittleEndian.PutUint32(buf[off:], 4)
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(b.Size))
	binary.LittleEndian.PutUint32(buf[off+8:], elfconst.NT_GNU_BUILD_ID)
	copy(buf[off+12:], []byte("GNU\x00"))
	return nil
}

// DescriptorRange returns the file-offset range of the build-id descriptor
// bytes, for BuildID's "masked to zero" hashing step and for the final
// patch-in-place write.
func (b *BuildIDSection) DescriptorRange() (uint64, uint64) {
	descOff := b.Shdr.Offset + 12 + 4
	return descOff, descOff + uint64(b.Size)
}

// GnuPropertySection emits NT_GNU_PROPERTY_TYPE_0 with the intersection of
// every input file's GNU_PROPERTY_X86_FEATURE_1_{IBT,SHSTK} bits (spec §6).
type GnuPropertySection struct {
	obj.Chunk
	Features uint32
}

func NewGnuPropertySection() *GnuPropertySection {
	p := &GnuPropertySection{}
	p.Shdr.Name = ".note.gnu.property"
	p.Shdr.Type = elfconst.SHT_NOTE
	p.Shdr.Flags = elfconst.SHF_ALLOC
	p.Shdr.AddrAlign = 8
	return p
}

// IntersectFeatures folds file.GnuProperty (spec §4.1: feature bits parsed
// from .note.gnu.property) into the process-wide intersection; a file that
// never declared the note contributes all-zero, which intersects away any
// feature the rest of the link claimed.
func (p *GnuPropertySection) IntersectFeatures(files []*obj.File) {
	first := true
	for _, f := range files {
		if !f.IsAlive.Load() || f.Kind != obj.FileObject {
			continue
		}
		if first {
			p.Features = f.GnuProperty
			first = false
			continue
		}
		p.Features &= f.GnuProperty
	}
}

const gnuPropertyX86Feature1And = 0xc0000002

func (p *GnuPropertySection) UpdateShdr(ctx *obj.Context) {
	if p.Features == 0 {
		p.Shdr.Size = 0
		return
	}
	p.Shdr.Size = uint64(noteSize(4, 16))
}

func (p *GnuPropertySection) WriteTo(ctx *obj.Context, buf []byte) error {
	if p.Features == 0 {
		return nil
	}
	off := p.Shdr.Offset
	binary.LittleEndian.PutUint32(buf[off:], 4)
	binary.LittleEndian.PutUint32(buf[off+4:], 16)
	binary.LittleEndian.PutUint32(buf[off+8:], 5) // NT_GNU_PROPERTY_TYPE_0
	copy(buf[off+12:], []byte("GNU\x00"))
	binary.LittleEndian.PutUint32(buf[off+16:], gnuPropertyX86Feature1And)
	binary.LittleEndian.PutUint32(buf[off+20:], 4)
	binary.LittleEndian.PutUint32(buf[off+24:], p.Features)
	binary.LittleEndian.PutUint32(buf[off+28:], 0) // padding to 8-byte alignment
	return nil
}

// InterpSection is the PT_INTERP/.interp dynamic-linker path string.
type InterpSection struct {
	obj.Chunk
	Path string
}

func NewInterpSection(path string) *InterpSection {
	i := &InterpSection{Path: path}
	i.Shdr.Name = ".interp"
	i.Shdr.Type = elfconst.SHT_PROGBITS
	i.Shdr.Flags = elfconst.SHF_ALLOC
	i.Shdr.AddrAlign = 1
	return i
}

func (i *InterpSection) UpdateShdr(ctx *obj.Context) { i.Shdr.Size = uint64(len(i.Path) + 1) }
func (i *InterpSection) WriteTo(ctx *obj.Context, buf []byte) error {
	copy(buf[i.Shdr.Offset:], i.Path)
	buf[i.Shdr.Offset+uint64(len(i.Path))] = 0
	return nil
}
