package synth

import (
	"github.com/xyproto/moldcore/internal/linker/reloc"
	"github.com/xyproto/moldcore/internal/obj"
)

// Classifier assembles the scattered per-section address accessors
// (GotSection.GotAddr, PltSection.EntryAddr, CopyrelSection.SlotAddr, ...)
// into emit.OutputClassifier's narrow interface. Defined here rather than
// in emit to keep emit from importing synth (emit is the consumer, synth
// the producer of every address it needs; see emit.OutputClassifier's own
// doc comment on the split).
type Classifier struct {
	ctx        *obj.Context
	got        *GotSection
	gotplt     *GotPltSection
	plt        *PltSection
	pltgot     *PltGotSection
	copyrel    *CopyrelSection
	copyrelRO  *CopyrelSection
}

func NewClassifier(ctx *obj.Context, got *GotSection, gotplt *GotPltSection, plt *PltSection, pltgot *PltGotSection, copyrel, copyrelRO *CopyrelSection) *Classifier {
	return &Classifier{ctx: ctx, got: got, gotplt: gotplt, plt: plt, pltgot: pltgot, copyrel: copyrel, copyrelRO: copyrelRO}
}

func (c *Classifier) GotAddr(sym *obj.Symbol) (uint64, bool) {
	aux := c.ctx.AuxOf(sym)
	if aux.GotIdx < 0 {
		return 0, false
	}
	return c.got.GotAddr(aux.GotIdx), true
}

func (c *Classifier) GotBase() uint64    { return c.got.Shdr.Addr }
func (c *Classifier) GotPltBase() uint64 { return c.gotplt.Shdr.Addr }

// TPBase/DTPBase delegate to ctx, which pipeline.Link populates from
// layout.Result.TLSStart/TLSEnd once the PT_TLS segment (if any) has a
// final address (spec §4.8's value algebra terms TP/DTP).
func (c *Classifier) TPBase() uint64  { return c.ctx.TPBase }
func (c *Classifier) DTPBase() uint64 { return c.ctx.DTPBase }

func (c *Classifier) TLSGDAddr(sym *obj.Symbol) (uint64, bool) {
	aux := c.ctx.AuxOf(sym)
	if aux.TlsGdIdx < 0 {
		return 0, false
	}
	return c.got.GotAddr(aux.TlsGdIdx), true
}

func (c *Classifier) TLSDescAddr(sym *obj.Symbol) (uint64, bool) {
	aux := c.ctx.AuxOf(sym)
	if aux.TlsDescIdx < 0 {
		return 0, false
	}
	return c.got.GotAddr(aux.TlsDescIdx), true
}

// SymbolAddr resolves the address a direct (non-GOT/TLS) reference to sym
// should see: a COPYREL slot when the symbol was copy-relocated, the
// canonical PLT/PLT.GOT stub when reloc.Scan raised NeedsPLT (spec §4.8's
// CPLT/DynCPLT outcomes make the stub the symbol's apparent address), or
// the symbol's own link-time value otherwise.
func (c *Classifier) SymbolAddr(sym *obj.Symbol) uint64 {
	sym.Lock()
	file, value, hasCopyrel, readonly := sym.File, sym.Value, sym.HasCopyrel, sym.CopyrelReadonly
	sym.Unlock()

	if hasCopyrel {
		aux := c.ctx.AuxOf(sym)
		if readonly {
			return c.copyrelRO.SlotAddr(aux.CopyrelOffset)
		}
		return c.copyrel.SlotAddr(aux.CopyrelOffset)
	}

	if sym.HasFlag(obj.NeedsPLT) {
		aux := c.ctx.AuxOf(sym)
		if aux.PltGotIdx >= 0 {
			return c.pltgot.EntryAddr(int(aux.PltGotIdx))
		}
		if aux.PltIdx >= 0 {
			return c.plt.EntryAddr(int(aux.PltIdx))
		}
	}

	if file == nil || file.IsDSO() {
		return 0 // resolved by the dynamic loader; never read directly by ApplyRelocAlloc for these
	}
	return value
}

// BuildGotDynRelocs walks every GOT slot reloc.Scan populated and appends
// the .rela.dyn entry it needs (spec §4.9: GLOB_DAT/RELATIVE for regular
// slots, TLS_TPREL/TLS_DTPMOD/TLS_DTPREL for TLS slots). Offsets are
// deferred via DynRelaEntry.Resolve since the GOT's own address isn't
// final until layout runs; this is called before layout (so dest.Add
// contributes to .rela.dyn's size) and FinalizeOffsets/Finalize run on
// dest after layout assigns got its address.
//
// TLSGD/TLSDESC slots for symbols resolved entirely within a position-
// dependent executable (out == OutputPDE) could in principle skip the
// dynamic loader and have their module-id/offset written statically by
// GotSection.WriteTo; this rewrite always routes them through .rela.dyn
// instead; a fixed module id of 1 and the known offset would need
// threading the same TLSStart/TLSEnd basis through WriteTo's static path,
// and --relax already eliminates this GOT traffic in the overwhelmingly
// common case (spec §4.8 "RelaxTLS may turn a GD/LD access into the
// cheaper IE/LE form"). Documented as a known simplification (DESIGN.md).
func BuildGotDynRelocs(ctx *obj.Context, got *GotSection, t reloc.Target, out reloc.OutputClass) []DynRelaEntry {
	var entries []DynRelaEntry
	gotEntries := got.Entries()
	for i, e := range gotEntries {
		idx := int32(i)
		switch e.Kind {
		case GotRegular:
			sym := e.Sym
			sym.Lock()
			file := sym.File
			sym.Unlock()
			imported := file == nil || file.IsDSO()
			dynIdx := ctx.AuxOf(sym).DynsymIdx
			switch {
			case imported && dynIdx < 0:
				// Weak undef with no dynsym slot resolves to the static
				// zero already written; no dynamic relocation needed.
			case imported:
				entries = append(entries, DynRelaEntry{Type: t.GlobDatRelocType(), SymIdx: uint32(dynIdx),
					Resolve: func() (uint64, int64) { return got.GotAddr(idx), 0 }})
			case out != reloc.OutputPDE:
				sym := sym
				entries = append(entries, DynRelaEntry{Type: t.RelativeRelocType(),
					Resolve: func() (uint64, int64) {
						sym.Lock()
						v := int64(sym.Value)
						sym.Unlock()
						return got.GotAddr(idx), v
					}})
			}
		case GotTP:
			sym := e.Sym
			sym.Lock()
			file := sym.File
			sym.Unlock()
			imported := file == nil || file.IsDSO()
			if imported && ctx.AuxOf(sym).DynsymIdx < 0 {
				// Weak undef with no dynsym slot; static zero stands.
			} else if imported || out != reloc.OutputPDE {
				symIdx := uint32(0)
				if imported {
					symIdx = uint32(ctx.AuxOf(sym).DynsymIdx)
				}
				entries = append(entries, DynRelaEntry{Type: t.TLSTPOffRelocType(), SymIdx: symIdx,
					Resolve: func() (uint64, int64) { return got.GotAddr(idx), 0 }})
			}
		case GotTLSGD:
			aux := ctx.AuxOf(e.Sym)
			if idx != aux.TlsGdIdx {
				continue // second slot of the pair, handled alongside the first
			}
			sym := e.Sym
			sym.Lock()
			file := sym.File
			sym.Unlock()
			imported := file == nil || file.IsDSO()
			if imported && ctx.AuxOf(sym).DynsymIdx < 0 {
				continue // weak undef, no dynsym slot; static zero stands
			}
			symIdx := uint32(0)
			if imported {
				symIdx = uint32(ctx.AuxOf(sym).DynsymIdx)
			}
			modIdx := idx
			offIdx := idx + 1
			entries = append(entries,
				DynRelaEntry{Type: t.TLSDTPModRelocType(), SymIdx: symIdx,
					Resolve: func() (uint64, int64) { return got.GotAddr(modIdx), 0 }},
				DynRelaEntry{Type: t.TLSDTPOffRelocType(), SymIdx: symIdx,
					Resolve: func() (uint64, int64) { return got.GotAddr(offIdx), 0 }},
			)
		case GotTLSDesc:
			aux := ctx.AuxOf(e.Sym)
			if idx != aux.TlsDescIdx || t.TLSDescRelocType() == 0 {
				continue
			}
			sym := e.Sym
			dynIdx := ctx.AuxOf(sym).DynsymIdx
			if dynIdx < 0 {
				continue // weak undef, no dynsym slot; static zero stands
			}
			entries = append(entries, DynRelaEntry{Type: t.TLSDescRelocType(), SymIdx: uint32(dynIdx),
				Resolve: func() (uint64, int64) { return got.GotAddr(idx), 0 }})
		case GotTLSLD:
			entries = append(entries, DynRelaEntry{Type: t.TLSDTPModRelocType(),
				Resolve: func() (uint64, int64) { return got.GotAddr(idx), 0 }})
		}
	}
	return entries
}

// BuildDirectDynRelocs appends the .rela.dyn entries spec §4.8's
// Dynrel/Baserel/IFunc outcomes require for a relocation applied directly
// against an SHF_ALLOC section's bytes, as opposed to a GOT slot or a
// copyrel slot (BuildGotDynRelocs/BuildCopyrelDynRelocs already cover
// those). reloc.Scan stamps its decided Outcome onto each obj.Rela as it
// scans; this walks every live section's relocations for one of the three
// dynamic outcomes and builds the matching entry, deferring the offset
// (the relocation site's own output address) and addend the same way the
// GOT/copyrel builders defer slot addresses until layout has run.
//
// Baserel is a same-module reference from a DSO/PIE's own writable data
// (e.g. a function pointer or vtable slot) - ApplyRelocAlloc already wrote
// S+A into the site using the link-time value, so the entry here is a
// RELATIVE relocation carrying that same S+A as its addend, letting the
// dynamic loader re-add the load bias at startup. IFunc is the same idea
// for a call through a local ifunc's resolved address: IRELATIVE with
// addend S+A. Dynrel is the opposite case - a direct reference to a symbol
// a DSO output can't resolve at link time at all - so the entry reuses the
// relocation's own type (valid as both a static and a dynamic relocation
// for a plain absolute/PC-relative reference) with the referenced symbol's
// dynsym index and addend A; S is left to the dynamic loader entirely.
func BuildDirectDynRelocs(ctx *obj.Context, files []*obj.File, t reloc.Target, relr *RelrDynSection) []DynRelaEntry {
	var entries []DynRelaEntry
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, s := range f.Sections {
			if s == nil || !s.IsAlive.Load() {
				continue
			}
			s := s
			for i := range s.Relas {
				rel := &s.Relas[i]
				switch reloc.Outcome(rel.Outcome) {
				case reloc.Baserel:
					if relr != nil {
						relr.Add(func() uint64 { return s.Output.Shdr.Addr + s.OutOffset + rel.Offset })
						continue
					}
					sym := reloc.SymbolFor(ctx, f, rel.Sym)
					if sym == nil {
						continue
					}
					entries = append(entries, DynRelaEntry{Type: t.RelativeRelocType(),
						Resolve: func() (uint64, int64) {
							sym.Lock()
							v := int64(sym.Value) + rel.Addend
							sym.Unlock()
							return s.Output.Shdr.Addr + s.OutOffset + rel.Offset, v
						}})
				case reloc.IFunc:
					sym := reloc.SymbolFor(ctx, f, rel.Sym)
					if sym == nil {
						continue
					}
					entries = append(entries, DynRelaEntry{Type: t.IRelativeRelocType(), IsIFunc: true,
						Resolve: func() (uint64, int64) {
							sym.Lock()
							v := int64(sym.Value) + rel.Addend
							sym.Unlock()
							return s.Output.Shdr.Addr + s.OutOffset + rel.Offset, v
						}})
				case reloc.Dynrel:
					sym := reloc.SymbolFor(ctx, f, rel.Sym)
					if sym == nil {
						continue
					}
					dynIdx := ctx.AuxOf(sym).DynsymIdx
					if dynIdx < 0 {
						continue
					}
					entries = append(entries, DynRelaEntry{Type: rel.Type, SymIdx: uint32(dynIdx),
						Resolve: func() (uint64, int64) {
							return s.Output.Shdr.Addr + s.OutOffset + rel.Offset, rel.Addend
						}})
				}
			}
		}
	}
	return entries
}

// BuildCopyrelDynRelocs appends one R_*_COPY entry per copy-relocated
// symbol (spec §4.8's Copyrel/DynCopyrel outcomes), offsets deferred the
// same way as BuildGotDynRelocs since the copyrel section's address isn't
// final until layout runs.
func BuildCopyrelDynRelocs(ctx *obj.Context, copyrel *CopyrelSection, t reloc.Target) []DynRelaEntry {
	var entries []DynRelaEntry
	for _, sym := range copyrel.Symbols() {
		sym := sym
		symIdx := uint32(ctx.AuxOf(sym).DynsymIdx)
		entries = append(entries, DynRelaEntry{Type: t.CopyRelocType(), SymIdx: symIdx,
			Resolve: func() (uint64, int64) {
				return copyrel.SlotAddr(ctx.AuxOf(sym).CopyrelOffset), 0
			}})
	}
	return entries
}
