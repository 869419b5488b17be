// Package obj holds the core linker data model of spec §3 - File, Symbol,
// InputSection, SectionFragment, Chunk, and the process-wide Context - so
// that every pipeline-stage package (input, comdat, symtab, mergesec, gc,
// icf, reloc, synth, layout, thunk, shrink, emit) can depend on the shared
// types without creating an import cycle with the internal/linker
// orchestrator that calls them in sequence.
package obj

import (
	"math"
	"runtime"

	"github.com/sourcegraph/conc/pool"

	"github.com/xyproto/moldcore/internal/config"
	"github.com/xyproto/moldcore/internal/diag"
)

// Context is the process-wide mutable state bag of spec §3: command-line
// options, every File and Chunk, the synthetic-section handles, the symbol
// table, the comdat map, the merged-section list, and the work-stealing
// thread pool of spec §5.
type Context struct {
	Options config.Options
	Log     *diag.Logger

	Files  []*File
	Internal *File

	Syms SymbolTable
	Aux  []SymbolAux // indexed by Symbol.AuxIdx; append-only, guarded by auxMu
	auxMu chan struct{} // 1-buffered channel used as a cheap mutex for Aux growth

	Comdats map[string]*ComdatGroup // signature -> group, spec §4.2
	comdatsMu chan struct{}

	MergedSections map[string]*MergedSection // name -> merged section, spec §4.4
	mergedMu       chan struct{}

	Chunks []ChunkRef

	ImageBase uint64
	PageSize  uint64

	// DynamicAddr is the runtime address of .dynamic, filled in once layout
	// assigns it; GotPltSection.WriteTo needs it for GOTPLT[0] (spec §4.9).
	DynamicAddr uint64
	// TPBase/DTPBase are the thread-pointer and dtv-offset bases layout
	// derives from the PT_TLS segment, consumed by reloc.Values (spec §4.8).
	TPBase, DTPBase uint64
}

// NewContext builds an empty Context ready for the pipeline. The pool is
// sized per spec §5 ("work-stealing thread pool sized to --thread-count,
// default hardware concurrency") and spec §6's MOLD_JOBS=1 global-lock
// override, both already folded into opts by config.ApplyEnvironment.
func NewContext(opts config.Options, log *diag.Logger) *Context {
	ctx := &Context{
		Options:        opts,
		Log:            log,
		Internal:       NewInternalFile(),
		Comdats:        make(map[string]*ComdatGroup),
		MergedSections: make(map[string]*MergedSection),
		auxMu:          make(chan struct{}, 1),
		comdatsMu:      make(chan struct{}, 1),
		mergedMu:       make(chan struct{}, 1),
		ImageBase:      0x200000,
		PageSize:       0x1000,
	}
	ctx.auxMu <- struct{}{}
	ctx.comdatsMu <- struct{}{}
	ctx.mergedMu <- struct{}{}
	if opts.ImageBase != 0 {
		ctx.ImageBase = opts.ImageBase
	}
	ctx.Files = append(ctx.Files, ctx.Internal)
	return ctx
}

// Pool returns a freshly configured work-stealing pool for one pipeline
// stage, sized to Options.ThreadCount (0 => runtime.GOMAXPROCS) or to 1
// when MOLD_JOBS=1 requested the global lock (spec §5/§6). Each stage gets
// its own pool so stages are joined before the next one runs, matching
// spec §2 ("stages run sequentially but are internally parallelized").
func (ctx *Context) Pool() *pool.Pool {
	n := ctx.Options.ThreadCount
	if ctx.Options.JobLock {
		n = 1
	}
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return pool.New().WithMaxGoroutines(n)
}

// AllocAux appends a fresh SymbolAux and returns its index, for use the
// first time a symbol transitions a NEEDS_* flag from 0 to 1.
func (ctx *Context) AllocAux() int32 {
	<-ctx.auxMu
	defer func() { ctx.auxMu <- struct{}{} }()
	ctx.Aux = append(ctx.Aux, NewSymbolAux())
	return int32(len(ctx.Aux) - 1)
}

// AuxOf returns the symbol's aux record, allocating one on first use.
func (ctx *Context) AuxOf(sym *Symbol) *SymbolAux {
	sym.Lock()
	if sym.AuxIdx < 0 {
		sym.AuxIdx = ctx.AllocAux()
	}
	idx := sym.AuxIdx
	sym.Unlock()
	return &ctx.Aux[idx]
}

// ComdatFor returns the ComdatGroup for signature, registering it (with
// Owner initialized to +inf, i.e. "unclaimed") on first use (spec §4.2).
func (ctx *Context) ComdatFor(signature string) *ComdatGroup {
	<-ctx.comdatsMu
	defer func() { ctx.comdatsMu <- struct{}{} }()
	g, ok := ctx.Comdats[signature]
	if !ok {
		g = &ComdatGroup{Signature: signature}
		g.Owner.Store(math.MaxInt64)
		ctx.Comdats[signature] = g
	}
	return g
}

// MergedSectionFor returns the MergedSection for name, creating it with
// the given flags/entsize on first use (spec §4.4).
func (ctx *Context) MergedSectionFor(name string, flags uint64, entSize uint64) *MergedSection {
	<-ctx.mergedMu
	defer func() { ctx.mergedMu <- struct{}{} }()
	m, ok := ctx.MergedSections[name]
	if !ok {
		m = NewMergedSection(name, flags, entSize, 64)
		ctx.MergedSections[name] = m
	}
	return m
}

// AddFile registers a parsed file and returns it.
func (ctx *Context) AddFile(f *File) {
	ctx.Files = append(ctx.Files, f)
}
