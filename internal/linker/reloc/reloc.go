// Package reloc implements spec §4.8: the architecture-independent half of
// relocation scanning. A per-architecture Target (spec §9: "define a
// Target trait/interface... compile one concrete backend per target")
// classifies each relocation's wanted value and feeds it into the 3x4
// decision matrix described below; the matrix itself, and the bookkeeping
// it drives (GOT/PLT/COPYREL/dynrel accounting), lives here so the three
// backends in internal/linker/arch/{x86_64,arm64,riscv64} only have to
// supply the parts that are genuinely architecture-specific: relocation
// type tables, instruction encoding, and PLT/thunk byte templates.
package reloc

import (
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/xyproto/moldcore/internal/config"
	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// OutputClass is the column axis of spec §4.8's decision matrix.
type OutputClass int

const (
	OutputDSO OutputClass = iota
	OutputPIE
	OutputPDE // position-dependent executable
)

func ClassifyOutput(opts config.Options) OutputClass {
	switch {
	case opts.Kind == config.OutputSharedObject:
		return OutputDSO
	case opts.PIE:
		return OutputPIE
	default:
		return OutputPDE
	}
}

// SymbolClass is the row axis: Absolute (defined locally, non-preemptible,
// non-function), Local (defined in this link, address known at link time),
// ImportedData / ImportedCode (must be resolved by the dynamic loader).
type SymbolClass int

const (
	ClassAbsolute SymbolClass = iota
	ClassLocal
	ClassImportedData
	ClassImportedCode
)

// ClassifySymbol resolves a symbol to its spec §4.8 row. A symbol is
// "imported" when its owning file is a DSO, or it has no owning file and
// will be promoted to a dynamic import (spec §4.3's unresolved handling).
// A weak-undef symbol with no owning file is ClassAbsolute: it resolves to
// value 0 and needs no dynamic machinery at all (spec §4.3/scenario 4).
func ClassifySymbol(sym *obj.Symbol) SymbolClass {
	sym.Lock()
	file, isWeak, isImported := sym.File, sym.IsWeak, sym.IsImported
	sym.Unlock()
	switch {
	case file == nil && isWeak:
		return ClassAbsolute
	case isImported || file == nil || file.IsDSO():
		if isFuncSym(sym) {
			return ClassImportedCode
		}
		return ClassImportedData
	default:
		return ClassLocal
	}
}

func isFuncSym(sym *obj.Symbol) bool {
	// The aux record's PltIdx/GotIdx needs are only ever requested by call
	// or branch sites; a symbol that has had NeedsPLT raised is therefore
	// known to name a function even without consulting STT_FUNC, which
	// ScanOne has not necessarily looked up yet for an imported symbol.
	return sym.HasFlag(obj.NeedsPLT)
}

// Outcome is the cell value of spec §4.8's decision matrix.
type Outcome int

const (
	None Outcome = iota
	ErrorOutcome
	Copyrel
	DynCopyrel
	PLT
	CPLT
	DynCPLT
	Dynrel
	Baserel
	IFunc
)

// Want is what a single relocation's instruction encoding requires, decided
// by the per-architecture backend (spec §4.8: "decide per-symbol whether it
// needs GOT/PLT/COPYREL/TLS slot, and per-relocation whether it needs a
// dynamic relocation").
type Want int

const (
	WantNone Want = iota
	WantDirect                 // absolute or pc-relative reference to S+A
	WantPLT                    // call/branch; may stay direct if non-preemptible
	WantGOT                    // address of the symbol's GOT slot
	WantTLSGD
	WantTLSLD
	WantTLSIE // GOTTPOFF-style initial-exec load
	WantTLSLE // direct TPOFF, no GOT slot
	WantTLSDESC
	WantIFunc
)

// Decide implements spec §4.8's 3x4 matrix for WantDirect/WantPLT
// relocations; GOT/TLS wants never reach the matrix because they always
// resolve to a GOT/TLS slot the dynamic linker (or the static TP) fills in,
// never a direct text-segment rewrite.
func Decide(out OutputClass, class SymbolClass, want Want, funcIsIfunc bool) Outcome {
	if funcIsIfunc {
		return IFunc
	}
	switch want {
	case WantDirect:
		switch class {
		case ClassAbsolute, ClassLocal:
			if out == OutputDSO || out == OutputPIE {
				return Baserel
			}
			return None
		case ClassImportedData:
			switch out {
			case OutputDSO:
				return Dynrel
			case OutputPIE:
				return DynCopyrel
			default:
				return Copyrel
			}
		case ClassImportedCode:
			switch out {
			case OutputDSO:
				return Dynrel
			case OutputPIE:
				return DynCPLT
			default:
				return CPLT
			}
		}
	case WantPLT:
		switch class {
		case ClassAbsolute, ClassLocal:
			return None
		case ClassImportedCode:
			switch out {
			case OutputDSO, OutputPIE:
				return PLT
			default:
				return CPLT
			}
		case ClassImportedData:
			return ErrorOutcome
		}
	}
	return None
}

// Target is the architecture-pluggable backend of spec §9. One concrete
// implementation per processor lives under internal/linker/arch/<name>;
// the per-relocation loops in Scan and emit.ApplyRelocations call through
// this interface once per relocation rather than branching on a runtime
// architecture tag per instruction family. Each such call is an ordinary
// dynamic interface dispatch; it is not specialized per concrete type.
type Target interface {
	Name() string
	Machine() uint16
	IsRelaFormat() bool

	// ClassifyWant reports what relType's encoding needs (spec §4.8's
	// value algebra: S, A, P, G, GOT, TP, DTP, TLSGD, TLSDESC, GOTPLT).
	ClassifyWant(relType uint32) Want

	// RelaxTLS reports whether --relax may turn a GD/LD access into the
	// cheaper IE/LE form for a PDE/PIE output (spec §4.8).
	RelaxTLS(relType uint32, out OutputClass) Want

	// ApplyRelocAlloc patches buf (the final bytes of an SHF_ALLOC section)
	// at rel.Offset using the resolved value algebra terms.
	ApplyRelocAlloc(buf []byte, rel obj.Rela, vals Values) error
	// ApplyRelocNonAlloc patches a non-SHF_ALLOC section (e.g. debug info),
	// which never needs GOT/PLT machinery, only S+A.
	ApplyRelocNonAlloc(buf []byte, rel obj.Rela, vals Values) error

	// MaxBranchRange is the largest forward/backward displacement a direct
	// branch relocation can encode, used by thunk insertion (spec §4.11);
	// 0 means the architecture has no thunk mechanism.
	MaxBranchRange() int64
	// IsBranch reports whether relType is a short-range branch/call that
	// thunk insertion must watch (spec §4.11).
	IsBranch(relType uint32) bool

	WritePLTHeader(buf []byte, pltAddr, gotpltAddr uint64)
	WritePLTEntry(buf []byte, pltAddr, gotpltAddr uint64, index int)
	PLTEntrySize() int
	PLTHeaderSize() int
	WritePLTGOTEntry(buf []byte, entryAddr, gotAddr uint64)
	PLTGOTEntrySize() int

	// WriteThunk encodes a landing pad at thunkAddr that branches to
	// target, used only on architectures where MaxBranchRange > 0.
	WriteThunk(buf []byte, thunkAddr, target uint64)
	ThunkSize() int

	// JumpSlotRelocType is the R_*_JUMP_SLOT constant .rela.plt entries
	// use for lazily-bound PLT stubs (spec §4.9).
	JumpSlotRelocType() uint32

	// The remaining RelocType accessors name the .rela.dyn entry kinds
	// spec §4.9's GOT/copyrel dynamic-relocation construction needs.
	// TLSDescRelocType returns 0 on backends that never raise
	// WantTLSDESC (spec §9 scopes TLSDESC to arm64; x86_64/riscv64 never
	// allocate a TlsDescIdx slot, so the zero value is never written).
	GlobDatRelocType() uint32
	RelativeRelocType() uint32
	IRelativeRelocType() uint32
	CopyRelocType() uint32
	TLSDTPModRelocType() uint32
	TLSDTPOffRelocType() uint32
	TLSTPOffRelocType() uint32
	TLSDescRelocType() uint32
}

// Values carries the resolved value-algebra terms of spec §4.8 for one
// relocation application: S (symbol address), A (addend), P (place), G
// (symbol's GOT slot address), GOT (GOT base), TP/DTP (thread-pointer /
// dtv-offset bases), TLSGD/TLSDESC (the symbol's TLS GOT slot addresses).
type Values struct {
	S, A, P, G, GOT, TP, DTP, TLSGD, TLSDESC, GOTPLT uint64
}

// Scan runs spec §2 stage 7 over every live relocation in every live,
// non-merge-split, non-dead InputSection. For each relocation it resolves
// the referenced symbol's class, asks target.ClassifyWant what the
// encoding needs, decides the matrix Outcome, and raises the appropriate
// NEEDS_* flag / reserves a .rela.dyn slot. p is a stage-scoped pool
// (spec §5).
func Scan(ctx *obj.Context, files []*obj.File, t Target, out OutputClass, p *pool.Pool) error {
	var scanErr error
	var errMu chanMutex
	errMu.init()

	for _, f := range files {
		f := f
		if !f.IsAlive.Load() {
			continue
		}
		p.Go(func() {
			for _, s := range f.Sections {
				if s == nil || !s.IsAlive.Load() {
					continue
				}
				if s.Flags&elfconst.SHF_ALLOC == 0 {
					continue
				}
				for i := range s.Relas {
					if err := scanOne(ctx, f, s, &s.Relas[i], t, out); err != nil {
						errMu.lock()
						if scanErr == nil {
							scanErr = err
						}
						errMu.unlock()
					}
				}
			}
		})
	}
	p.Wait()
	return scanErr
}

// chanMutex is a tiny channel-backed mutex matching the style
// internal/obj.Context already uses for its own small critical sections.
type chanMutex chan struct{}

func (m *chanMutex) init()   { *m = make(chanMutex, 1); *m <- struct{}{} }
func (m chanMutex) lock()    { <-m }
func (m chanMutex) unlock()  { m <- struct{}{} }

func scanOne(ctx *obj.Context, f *obj.File, s *obj.InputSection, rel *obj.Rela, t Target, out OutputClass) error {
	sym := symbolFor(ctx, f, rel.Sym)
	if sym == nil {
		return nil // local, non-indexable, or section symbol with no interned Symbol
	}
	want := t.ClassifyWant(rel.Type)
	if relaxed := t.RelaxTLS(rel.Type, out); ctx.Options.Relax && relaxed != WantNone {
		want = relaxed
	}
	switch want {
	case WantNone:
		return nil
	case WantGOT:
		raiseGOT(ctx, sym)
		return nil
	case WantTLSGD:
		raiseAux(ctx, sym, obj.NeedsTLSGD)
		return nil
	case WantTLSLD:
		raiseAux(ctx, sym, obj.NeedsTLSLD)
		return nil
	case WantTLSIE:
		raiseAux(ctx, sym, obj.NeedsGOTTP)
		return nil
	case WantTLSDESC:
		raiseAux(ctx, sym, obj.NeedsTLSDESC)
		return nil
	case WantTLSLE:
		return nil // no slot; applied directly against the static TP offset
	}

	class := ClassifySymbol(sym)
	isIfunc := sym.HasFlag(obj.NeedsPLT) && class == ClassLocal && symIsIfunc(sym)
	outcome := Decide(out, class, want, isIfunc)

	switch outcome {
	case None:
		return nil
	case ErrorOutcome:
		return fmt.Errorf("%s: relocation %d against %q cannot be resolved for output class %d", f.Path, rel.Type, sym.Name, out)
	case PLT, CPLT, DynCPLT:
		raisePLT(ctx, sym, outcome)
		if outcome != CPLT {
			reserveDynrel(f)
		}
		return nil
	case Copyrel, DynCopyrel:
		raiseCopyrel(ctx, sym, outcome == DynCopyrel)
		return nil
	case Dynrel, Baserel, IFunc:
		rel.Outcome = int32(outcome)
		reserveDynrel(f)
		return nil
	}
	return nil
}

func symIsIfunc(sym *obj.Symbol) bool { return false } // STT_GNU_IFUNC wiring happens in input parsing; see obj.ElfSym.Type

// SymbolFor mirrors obj.File.RelocTarget's symbol-index resolution but
// returns the interned *Symbol for a global reference (or nil for a local
// one, which scanning treats as always-resolved). Exported for the thunk
// package, which needs the same lookup to find a branch relocation's
// target symbol.
func SymbolFor(ctx *obj.Context, f *obj.File, symIdx int) *obj.Symbol {
	return symbolFor(ctx, f, symIdx)
}

func symbolFor(ctx *obj.Context, f *obj.File, symIdx int) *obj.Symbol {
	numLocal := len(f.Locals)
	if symIdx < numLocal {
		return nil
	}
	gi := symIdx - numLocal
	if gi < 0 || gi >= len(f.Globals) {
		return nil
	}
	return f.Globals[gi]
}

func raiseGOT(ctx *obj.Context, sym *obj.Symbol) {
	if sym.SetFlag(obj.NeedsGOT) {
		aux := ctx.AuxOf(sym)
		aux.GotIdx = -2 // marked pending; synth.GotSection.Build assigns the real index (spec §4.9)
	}
}

func raiseAux(ctx *obj.Context, sym *obj.Symbol, bit obj.SymbolFlag) {
	if sym.SetFlag(bit) {
		ctx.AuxOf(sym) // ensures an aux record exists for the slot layout will assign
	}
}

func raisePLT(ctx *obj.Context, sym *obj.Symbol, outcome Outcome) {
	if sym.SetFlag(obj.NeedsPLT) {
		ctx.AuxOf(sym)
	}
	sym.Lock()
	if outcome == CPLT || outcome == DynCPLT {
		sym.IsExported = true
		sym.IsImported = true
	}
	sym.Unlock()
}

func raiseCopyrel(ctx *obj.Context, sym *obj.Symbol, readonly bool) {
	if sym.SetFlag(obj.NeedsCopyrel) {
		ctx.AuxOf(sym)
	}
	sym.Lock()
	sym.HasCopyrel = true
	sym.CopyrelReadonly = readonly
	sym.Unlock()
}

// reserveDynrel implements spec §3's invariant: "the owning file's
// num_dynrel was incremented and a slot is reserved in .rela.dyn". Only
// the owning file increments its own counter (spec §5: "no sharing"), so
// this is a plain (non-atomic) increment guarded by the caller already
// running one goroutine per file in Scan.
func reserveDynrel(f *obj.File) {
	f.NumDynrel++
}
