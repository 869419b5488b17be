// Package synth implements spec §2 stage 8 and §4.9: GOT, GOTPLT, PLT,
// .dynsym/.dynstr, the hash tables, .dynamic, .rela.dyn/.rela.plt,
// .note.gnu.build-id, and .gnu.property. Grounded on the teacher's
// elf_complete.go (WriteCompleteDynamicELF's layout map and dynamic-tag
// list) and plt_got.go (PLT0/PLTn byte templates, now produced through the
// reloc.Target interface instead of hardcoded per-architecture bytes).
package synth

import (
	"encoding/binary"
	"sort"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/linker/reloc"
	"github.com/xyproto/moldcore/internal/obj"
)

// GotEntry is one allocated GOT slot (spec §4.9: "GOT slots are indexed by
// kind: regular, gottp, tlsgd, tlsdesc, plus a single optional TLSLD
// slot"). Sym is nil for the one TLSLD slot, which has no owning symbol.
type GotEntry struct {
	Sym  *obj.Symbol
	Kind GotKind
}

type GotKind int

const (
	GotRegular GotKind = iota
	GotTP
	GotTLSGD // occupies two consecutive slots (module id + offset)
	GotTLSDesc
	GotTLSLD // one process-wide slot, shared by every LD access
)

// GotSection lays out spec §4.9's GOT as a single slot list: Build appends
// each symbol's slots together, in the order regular, gottp, tlsgd,
// tlsdesc, so slots of different kinds are interleaved rather than grouped
// per kind; the one optional tlsld slot comes last. Each symbol's aux index
// for a kind is the position of its slot in that list.
type GotSection struct {
	obj.Chunk
	ctx      *obj.Context
	entries  []GotEntry
	tlsldIdx int // -1 if no TLSLD access exists in this link
}

func NewGotSection(ctx *obj.Context) *GotSection {
	g := &GotSection{ctx: ctx, tlsldIdx: -1}
	g.Shdr.Name = ".got"
	g.Shdr.Type = elfconst.SHT_PROGBITS
	g.Shdr.Flags = elfconst.SHF_ALLOC | elfconst.SHF_WRITE
	g.Shdr.EntSize = 8
	g.Shdr.AddrAlign = 8
	return g
}

// Build walks every live symbol and allocates GOT/TLS slots for the flags
// relocation scanning raised (spec §4.8/§4.9). Iteration order is the
// Files slice's append order (deterministic, spec §5), not map order.
func (g *GotSection) Build(files []*obj.File) {
	seen := make(map[*obj.Symbol]bool)
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, sym := range f.Globals {
			if sym == nil || seen[sym] {
				continue
			}
			seen[sym] = true
			g.allocFor(sym)
		}
	}
	if needsTLSLD(files) {
		g.tlsldIdx = len(g.entries)
		g.entries = append(g.entries, GotEntry{Kind: GotTLSLD})
	}
}

func needsTLSLD(files []*obj.File) bool {
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, sym := range f.Globals {
			if sym != nil && sym.HasFlag(obj.NeedsTLSLD) {
				return true
			}
		}
	}
	return false
}

func (g *GotSection) allocFor(sym *obj.Symbol) {
	aux := g.ctx.AuxOf(sym)
	if sym.HasFlag(obj.NeedsGOT) && aux.GotIdx == -2 {
		aux.GotIdx = int32(len(g.entries))
		g.entries = append(g.entries, GotEntry{Sym: sym, Kind: GotRegular})
	}
	if sym.HasFlag(obj.NeedsGOTTP) && aux.GotTpIdx < 0 {
		aux.GotTpIdx = int32(len(g.entries))
		g.entries = append(g.entries, GotEntry{Sym: sym, Kind: GotTP})
	}
	if sym.HasFlag(obj.NeedsTLSGD) && aux.TlsGdIdx < 0 {
		aux.TlsGdIdx = int32(len(g.entries))
		g.entries = append(g.entries, GotEntry{Sym: sym, Kind: GotTLSGD}, GotEntry{Sym: sym, Kind: GotTLSGD})
	}
	if sym.HasFlag(obj.NeedsTLSDESC) && aux.TlsDescIdx < 0 {
		aux.TlsDescIdx = int32(len(g.entries))
		g.entries = append(g.entries, GotEntry{Sym: sym, Kind: GotTLSDesc}, GotEntry{Sym: sym, Kind: GotTLSDesc})
	}
}

func (g *GotSection) Entries() []GotEntry { return g.entries }
func (g *GotSection) TLSLDIndex() int     { return g.tlsldIdx }

func (g *GotSection) UpdateShdr(ctx *obj.Context) {
	g.Shdr.Size = uint64(len(g.entries)) * 8
}

// WriteTo writes the symbol's Value into each slot whose symbol is defined
// in this link. Slots of undefined or DSO-defined symbols, and the TLSLD
// slot, are left zero; the dynamic loader fills them from the .rela.dyn
// entries BuildGotDynRelocs emits.
func (g *GotSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := g.Shdr.Offset
	for i, e := range g.entries {
		if e.Sym == nil {
			continue // TLSLD module-id slot: filled by R_*_TLS_DTPMOD at runtime
		}
		e.Sym.Lock()
		file, value := e.Sym.File, e.Sym.Value
		e.Sym.Unlock()
		if file == nil || file.IsDSO() {
			continue // dynamic relocation fills this slot at load time
		}
		binary.LittleEndian.PutUint64(buf[base+uint64(i)*8:], value)
	}
	return nil
}

// GotAddr returns the runtime address of entry index i, used by reloc
// scanning's Values.G term.
func (g *GotSection) GotAddr(i int32) uint64 {
	if i < 0 {
		return 0
	}
	return g.Shdr.Addr + uint64(i)*8
}

// GotPltSection is GOTPLT: 3 reserved header words, then one word per PLT
// entry (spec §4.9). Entry i's initial content points at PLT[i+1]'s first
// instruction so lazy binding's first call falls through to the resolver.
type GotPltSection struct {
	obj.Chunk
	ctx  *obj.Context
	plt  *PltSection
}

func NewGotPltSection(ctx *obj.Context, plt *PltSection) *GotPltSection {
	s := &GotPltSection{ctx: ctx, plt: plt}
	s.Shdr.Name = ".got.plt"
	s.Shdr.Type = elfconst.SHT_PROGBITS
	s.Shdr.Flags = elfconst.SHF_ALLOC | elfconst.SHF_WRITE
	s.Shdr.EntSize = 8
	s.Shdr.AddrAlign = 8
	return s
}

func (s *GotPltSection) UpdateShdr(ctx *obj.Context) {
	s.Shdr.Size = uint64(3+len(s.plt.Entries())) * 8
}

func (s *GotPltSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := s.Shdr.Offset
	// GOTPLT[0] = _DYNAMIC, [1]/[2] reserved for the dynamic loader's
	// link-map and resolver slots (spec §4.9).
	if ctx.DynamicAddr != 0 {
		binary.LittleEndian.PutUint64(buf[base:], ctx.DynamicAddr)
	}
	for i := range s.plt.Entries() {
		pltEntryAddr := s.plt.Shdr.Addr + uint64(s.plt.t.PLTHeaderSize()+i*s.plt.t.PLTEntrySize())
		binary.LittleEndian.PutUint64(buf[base+uint64(3+i)*8:], pltEntryAddr)
	}
	return nil
}

func (s *GotPltSection) SlotAddr(index int) uint64 {
	return s.Shdr.Addr + uint64(3+index)*8
}

// --- PLT ---

// PltSection holds PLT0 plus one lazily-resolved entry per NeedsPLT symbol
// that is undefined or defined by a DSO. NeedsPLT symbols defined in this
// link go through PltGotSection instead, whatever the output type.
type PltSection struct {
	obj.Chunk
	ctx     *obj.Context
	t       reloc.Target
	entries []*obj.Symbol
	gotplt  *GotPltSection
}

func NewPltSection(ctx *obj.Context, t reloc.Target) *PltSection {
	p := &PltSection{ctx: ctx, t: t}
	p.Shdr.Name = ".plt"
	p.Shdr.Type = elfconst.SHT_PROGBITS
	p.Shdr.Flags = elfconst.SHF_ALLOC | elfconst.SHF_EXECINSTR
	p.Shdr.AddrAlign = 16
	return p
}

// Build collects every symbol needing a lazily-bound PLT entry, sorted by
// name for determinism (spec §5).
func (p *PltSection) Build(files []*obj.File) {
	seen := make(map[*obj.Symbol]bool)
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, sym := range f.Globals {
			if sym == nil || seen[sym] || !sym.HasFlag(obj.NeedsPLT) {
				continue
			}
			sym.Lock()
			lazy := sym.File == nil || sym.File.IsDSO()
			sym.Unlock()
			if !lazy {
				continue // symbols defined in this link go through .plt.got, not the lazy table
			}
			seen[sym] = true
			p.entries = append(p.entries, sym)
		}
	}
	sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].Name < p.entries[j].Name })
	for i, sym := range p.entries {
		p.ctx.AuxOf(sym).PltIdx = int32(i)
	}
}

func (p *PltSection) Entries() []*obj.Symbol { return p.entries }

func (p *PltSection) UpdateShdr(ctx *obj.Context) {
	p.Shdr.Size = uint64(p.t.PLTHeaderSize() + len(p.entries)*p.t.PLTEntrySize())
}

// SetGotPlt wires this PLT's companion GOTPLT, set once by the
// orchestrator after both sections exist (the two are mutually
// referential: GotPltSection reads PltSection.Entries, PltSection.WriteTo
// needs GotPltSection's address).
func (p *PltSection) SetGotPlt(gotplt *GotPltSection) { p.gotplt = gotplt }

func (p *PltSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := p.Shdr.Offset
	p.t.WritePLTHeader(buf[base:], p.Shdr.Addr, p.gotplt.Shdr.Addr)
	for i := range p.entries {
		p.t.WritePLTEntry(buf[base:], p.Shdr.Addr, p.gotplt.Shdr.Addr, i)
	}
	return nil
}

func (p *PltSection) EntryAddr(index int) uint64 {
	return p.Shdr.Addr + uint64(p.t.PLTHeaderSize()+index*p.t.PLTEntrySize())
}

// PltGotSection is ".plt.got": one direct jmp-through-GOT stub per NeedsPLT
// symbol defined in this link (PltSection takes the undefined and
// DSO-defined ones), skipping PLT0's lazy-resolver indirection.
type PltGotSection struct {
	obj.Chunk
	ctx     *obj.Context
	t       reloc.Target
	got     *GotSection
	entries []*obj.Symbol
}

func NewPltGotSection(ctx *obj.Context, t reloc.Target, got *GotSection) *PltGotSection {
	p := &PltGotSection{ctx: ctx, t: t, got: got}
	p.Shdr.Name = ".plt.got"
	p.Shdr.Type = elfconst.SHT_PROGBITS
	p.Shdr.Flags = elfconst.SHF_ALLOC | elfconst.SHF_EXECINSTR
	p.Shdr.AddrAlign = 8
	return p
}

func (p *PltGotSection) Build(files []*obj.File) {
	seen := make(map[*obj.Symbol]bool)
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, sym := range f.Globals {
			if sym == nil || seen[sym] || !sym.HasFlag(obj.NeedsPLT) {
				continue
			}
			sym.Lock()
			lazy := sym.File == nil || sym.File.IsDSO()
			sym.Unlock()
			if lazy {
				continue
			}
			seen[sym] = true
			p.entries = append(p.entries, sym)
		}
	}
	sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].Name < p.entries[j].Name })
	for i, sym := range p.entries {
		p.ctx.AuxOf(sym).PltGotIdx = int32(i)
	}
}

func (p *PltGotSection) UpdateShdr(ctx *obj.Context) {
	p.Shdr.Size = uint64(len(p.entries) * p.t.PLTGOTEntrySize())
}

func (p *PltGotSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := p.Shdr.Offset
	size := p.t.PLTGOTEntrySize()
	for i, sym := range p.entries {
		entryOff := i * size
		entryAddr := p.Shdr.Addr + uint64(entryOff)
		aux := p.ctx.AuxOf(sym)
		p.t.WritePLTGOTEntry(buf[base+uint64(entryOff):base+uint64(entryOff)+uint64(size)], entryAddr, p.got.GotAddr(aux.GotIdx))
	}
	return nil
}

func (p *PltGotSection) EntryAddr(index int) uint64 {
	return p.Shdr.Addr + uint64(index*p.t.PLTGOTEntrySize())
}
