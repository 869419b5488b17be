package obj

import "sort"

// ElfShdr mirrors the ELF64 section header fields every Chunk owns (spec
// §3).
type ElfShdr struct {
	Name      string
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// ChunkKind distinguishes the three Chunk kinds of spec §3.
type ChunkKind int

const (
	ChunkHeader ChunkKind = iota
	ChunkRegular
	ChunkSynthetic
)

// Chunk is the abstract unit of output (spec §3). Concrete synthetic
// sections (GOT, PLT, .dynsym, ...) embed a Chunk and implement Emitter.
type Chunk struct {
	Kind  ChunkKind
	Shdr  ElfShdr
	IsTLS bool // participates in PT_TLS (.tdata/.tbss)
	IsRelro bool
	IsTBSS  bool // spec §4.10: laid out "overlapping", cursor not advanced
}

// Emitter is implemented by every Chunk that produces output bytes once its
// size and address are fixed (spec §2 stage 10).
type Emitter interface {
	// UpdateShdr recomputes Shdr.Size (and anything size depends on) before
	// layout assigns addresses.
	UpdateShdr(ctx *Context)
	// WriteTo copies this chunk's bytes into buf at Shdr.Offset. Relocations
	// are applied separately, by the emit package.
	WriteTo(ctx *Context, buf []byte) error
}

// ChunkRef pairs a concrete chunk's embedded header with its Emitter
// implementation. Every concrete synthetic section embeds Chunk by value
// (not pointer), so a bare []*Chunk can't hold them polymorphically; the
// orchestrator registers each one as a ChunkRef instead, giving layout and
// emit uniform access to both the shared header fields (via the promoted
// *Chunk) and the type-specific UpdateShdr/WriteTo (via Emitter).
type ChunkRef struct {
	*Chunk
	Emitter
}

// OutputSection is a REGULAR chunk: a named output section holding
// InputSection members contributed by possibly many input files.
type OutputSection struct {
	Chunk
	Members []*InputSection
}

// rankKey ranks an output section by its flags alone: alloc before
// non-alloc, then TLS/RELRO, write and exec bits, and NOBITS last. Header,
// phdr, interp and note chunks are not distinguished here.
func (os *OutputSection) rankKey() int {
	return rankForFlags(os.Shdr.Flags, os.Shdr.Type, os.IsTLS, os.IsRelro)
}

func rankForFlags(flags uint64, typ uint32, isTLS, isRelro bool) int {
	const (
		shfWrite = 1 << 0
		shfAlloc = 1 << 1
		shfExec  = 1 << 2
		shtNobits = 8
	)
	if flags&shfAlloc == 0 {
		return 1 << 21 // non-alloc sorts after all alloc sections
	}
	base := 1 << 20
	switch {
	case isTLS:
		base |= 1 << 18
	case isRelro:
		base |= 1 << 17
	}
	if flags&shfWrite != 0 {
		base |= 1 << 2
	}
	if flags&shfExec != 0 {
		base |= 1 << 1
	}
	if typ == shtNobits {
		base |= 1
	}
	return base
}

// UpdateShdr concatenates member sizes (spec §4.10's "bin_sections": append
// serial per output section, parallel across output sections at the
// Context level).
func (os *OutputSection) UpdateShdr(ctx *Context) {
	sortMembersDeterministic(os.Members)
	var off uint64
	maxAlign := uint64(1)
	for _, m := range os.Members {
		align := uint64(1) << m.P2Align
		if align > maxAlign {
			maxAlign = align
		}
		if rem := off % align; rem != 0 {
			off += align - rem
		}
		m.OutOffset = off
		off += uint64(m.EffectiveSize())
	}
	os.Shdr.Size = off
	os.Shdr.AddrAlign = maxAlign
}

// WriteTo copies every member's (possibly shrunk) bytes into buf.
// Relocation application happens in the emit package, which calls
// ApplyRelocations per member after every chunk has a final address.
func (os *OutputSection) WriteTo(ctx *Context, buf []byte) error {
	if os.Shdr.Type == 8 { // SHT_NOBITS
		return nil
	}
	base := os.Shdr.Offset
	for _, m := range os.Members {
		dst := buf[base+m.OutOffset:]
		copy(dst, m.Data)
	}
	return nil
}

// sortMembersDeterministic enforces spec §5's "within a single output
// section the member order is (file.priority, section_index) ascending".
func sortMembersDeterministic(members []*InputSection) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.File.Priority != b.File.Priority {
			return a.File.Priority < b.File.Priority
		}
		return a.Shndx < b.Shndx
	})
}
