// Package linker sequences the ten stages of spec §2 over a Context built
// from command-line inputs: parse -> comdat resolution -> symbol
// resolution -> section-piece merging -> GC -> ICF -> eh_frame synthesis
// -> relocation scanning -> synthetic-section assembly -> layout/thunks/
// shrink -> emit. Grounded on the teacher's top-level link() driver
// (codegen_elf_writer.go's orchestration function), generalized from a
// single fixed pass over one target architecture to the pluggable
// reloc.Target selected by config.Options.
package linker

import (
	"fmt"
	"os"

	"github.com/xyproto/moldcore/internal/config"
	"github.com/xyproto/moldcore/internal/diag"
	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/linker/arch/arm64"
	"github.com/xyproto/moldcore/internal/linker/arch/riscv64"
	"github.com/xyproto/moldcore/internal/linker/arch/x86_64"
	"github.com/xyproto/moldcore/internal/linker/comdat"
	"github.com/xyproto/moldcore/internal/linker/ehframe"
	"github.com/xyproto/moldcore/internal/linker/emit"
	"github.com/xyproto/moldcore/internal/linker/gc"
	"github.com/xyproto/moldcore/internal/linker/icf"
	"github.com/xyproto/moldcore/internal/linker/input"
	"github.com/xyproto/moldcore/internal/linker/layout"
	"github.com/xyproto/moldcore/internal/linker/mergesec"
	"github.com/xyproto/moldcore/internal/linker/reloc"
	"github.com/xyproto/moldcore/internal/linker/shrink"
	"github.com/xyproto/moldcore/internal/linker/symtab"
	"github.com/xyproto/moldcore/internal/linker/synth"
	"github.com/xyproto/moldcore/internal/linker/thunk"
	"github.com/xyproto/moldcore/internal/mmapfile"
	"github.com/xyproto/moldcore/internal/obj"
)

// backendFor selects the reloc.Target for machine, the first input
// object's e_machine (spec §9 scopes support to exactly
// x86_64/arm64/riscv64, see DESIGN.md's resolution of the Open Question).
func backendFor(machine uint16) (reloc.Target, error) {
	switch machine {
	case elfconst.EM_X86_64:
		return x86_64.New(), nil
	case elfconst.EM_AARCH64:
		return arm64.New(), nil
	case elfconst.EM_RISCV:
		return riscv64.New(), nil
	default:
		return nil, fmt.Errorf("unsupported machine type %d", machine)
	}
}

// Link runs the full pipeline against paths (a mix of object files,
// archives, and shared objects, in command-line order) and writes the
// resulting ELF image to opts.Output.
func Link(opts config.Options, paths []string) (err error) {
	log := diag.New(opts.ColorDiagnostics, opts.FatalWarnings)
	defer diag.Recover(&err)

	ctx := obj.NewContext(opts, log)

	if perr := parseInputs(ctx, paths); perr != nil {
		return perr
	}

	var machine uint16
	for _, f := range ctx.Files {
		if f.Kind == obj.FileObject {
			machine = f.Machine
			break
		}
	}
	backend, berr := backendFor(machine)
	if berr != nil {
		return berr
	}

	comdat.Resolve(ctx, ctx.Files, ctx.Pool())
	symtab.Resolve(ctx, ctx.Files, ctx.Pool())
	if uerr := symtab.ReportUndefined(ctx, ctx.Files, 3); uerr != nil && opts.Unresolved == config.UnresolvedReportAll {
		return uerr
	}

	mergesec.Split(ctx, ctx.Files, ctx.Pool())
	mergesec.Finalize(ctx)

	if opts.GCSections {
		gc.Mark(ctx.Files, gcRoots(ctx, opts))
	} else {
		markAllAlive(ctx.Files)
	}

	if opts.ICF != config.ICFNone {
		icf.Fold(ctx.Files)
	}

	ehResult := ehframe.Synthesize(ctx.Files)

	out := reloc.ClassifyOutput(opts)
	if serr := reloc.Scan(ctx, ctx.Files, backend, out, ctx.Pool()); serr != nil {
		return serr
	}

	chunks := buildSyntheticSections(ctx, backend, opts, ehResult, out)
	outputSections := buildOutputSections(ctx)
	for _, c := range outputSections {
		ctx.Chunks = append(ctx.Chunks, obj.ChunkRef{Chunk: &c.Chunk, Emitter: c})
	}

	for _, c := range ctx.Chunks {
		if c.Emitter != nil {
			c.UpdateShdr(ctx)
		}
	}

	headerSize := uint64(64 + len(ctx.Chunks)*56)
	res := layout.Layout(ctx, headerSize, opts.ExecStack, opts.ZText)

	if machine == elfconst.EM_RISCV {
		for i := 0; i < 10 && shrink.Run(ctx, ctx.Files); i++ {
			res = layout.Layout(ctx, headerSize, opts.ExecStack, opts.ZText)
		}
	}

	if backend.MaxBranchRange() > 0 {
		plans := map[*obj.OutputSection]*thunkPlan{}
		for i := 0; i < 10 && spliceThunks(ctx, outputSections, backend, plans); i++ {
			for _, c := range ctx.Chunks {
				if c.Emitter != nil {
					c.UpdateShdr(ctx)
				}
			}
			headerSize = uint64(64 + len(ctx.Chunks)*56)
			res = layout.Layout(ctx, headerSize, opts.ExecStack, opts.ZText)
		}
		writeThunks(ctx, plans, backend)
	}

	setTLSBases(ctx, machine, res)

	// Second .dynamic build: same tag set as the pre-layout call (so
	// Shdr.Size, already baked into res, doesn't move), now with every
	// chunk's final address filled in (dynsec.go's Build doc comment).
	if chunks.relrDyn != nil {
		chunks.relrDyn.Finalize()
	}
	chunks.dynamic.Build(chunks.dynstr, dynamicInputs(ctx, opts, chunks))
	chunks.relaDyn.FinalizeOffsets()
	chunks.relaDyn.Finalize()

	mapped, merr := mmapfile.CreateWritable(opts.Output, int64(res.ImageSize), 0o755)
	if merr != nil {
		return merr
	}
	defer mapped.Close()

	if werr := emit.WriteChunks(ctx, mapped, ctx.Pool()); werr != nil {
		return werr
	}

	classifier := synth.NewClassifier(ctx, chunks.got, chunks.gotplt, chunks.plt, chunks.pltgot, chunks.copyrel, chunks.copyrelRO)
	if aerr := emit.ApplyRelocations(ctx, ctx.Files, backend, classifier, mapped.Data, ctx.Pool()); aerr != nil {
		return aerr
	}

	if serr := mapped.Sync(); serr != nil {
		return serr
	}

	if cerr := log.Checkpoint(); cerr != nil {
		return cerr
	}
	return nil
}

// setTLSBases derives ctx.TPBase/DTPBase from the PT_TLS segment layout
// just assigned, per spec §4.8's TP/DTP value-algebra terms. aarch64 uses
// TLS variant I (the static block sits TcbSize bytes after the thread
// pointer); x86_64 and riscv64 use variant II (the static block sits
// below the thread pointer, which points just past its end).
func setTLSBases(ctx *obj.Context, machine uint16, res *layout.Result) {
	if res.TLSStart == 0 && res.TLSEnd == 0 {
		return
	}
	const aarch64TcbSize = 16
	if machine == elfconst.EM_AARCH64 {
		ctx.TPBase = res.TLSStart - aarch64TcbSize
	} else {
		ctx.TPBase = res.TLSEnd
	}
	ctx.DTPBase = res.TLSStart
}

// gcRoots builds the extra root set gc.Mark's doc comment promises beyond
// the ABI-mandated sections isRoot already covers: the entry symbol,
// --undefined/--require-defined names, and every symbol that will end up
// exported (spec §4.5 "every section an exported symbol, --undefined name,
// or --require-defined name points into"). Evaluated against
// ctx.Syms/f.Globals directly rather than waiting for
// DynsymSection.ComputeDynsymEligibility, since gc.Mark runs long before
// the synthetic sections do; the exported-ness test mirrors
// ComputeDynsymEligibility's wantsExport so the two don't disagree about
// which symbols are part of the public surface.
func gcRoots(ctx *obj.Context, opts config.Options) []*obj.Symbol {
	var roots []*obj.Symbol
	add := func(name string) {
		if sym, ok := ctx.Syms.Lookup(name); ok {
			roots = append(roots, sym)
		}
	}

	entry := opts.Entry
	if entry == "" {
		entry = "_start"
	}
	add(entry)
	for _, name := range opts.Undefined {
		add(name)
	}
	for _, name := range opts.RequireDefined {
		add(name)
	}

	for _, f := range ctx.Files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, sym := range f.Globals {
			if sym == nil {
				continue
			}
			sym.Lock()
			file, isExported := sym.File, sym.IsExported
			sym.Unlock()
			if file == nil {
				continue
			}
			if opts.ExportDynamic || isExported || (opts.DynamicList != "" && sym.Name == opts.DynamicList) {
				roots = append(roots, sym)
			}
		}
	}
	return roots
}

func markAllAlive(files []*obj.File) {
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, s := range f.Sections {
			if s != nil {
				s.IsAlive.Store(true)
			}
		}
	}
}

// parseInputs sniffs and parses every command-line path into the Context,
// expanding archives into their constituent members (spec §4.1).
func parseInputs(ctx *obj.Context, paths []string) error {
	priority := int64(0)
	for _, path := range paths {
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		kind := input.Sniff(data)
		switch kind {
		case input.KindObject:
			f, perr := input.ParseObject(path, data, priority)
			if perr != nil {
				return perr
			}
			f.IsAlive.Store(true)
			ctx.AddFile(f)
			priority++
		case input.KindShared:
			f, perr := input.ParseShared(path, data, priority)
			if perr != nil {
				return perr
			}
			f.IsAlive.Store(true)
			ctx.AddFile(f)
			priority++
		case input.KindArchive:
			members, aerr := input.ExpandArchive(data)
			if aerr != nil {
				return aerr
			}
			for _, m := range members {
				mf, perr := input.ParseObject(path+"("+m.Name+")", m.Data, priority)
				if perr != nil {
					return perr
				}
				mf.IsLazy = true
				mf.IsAlive.Store(false) // archive members start lazy; symtab.Resolve pulls them in on demand
				ctx.AddFile(mf)
				priority++
			}
		}
	}
	return nil
}

// builtChunks bundles every synthetic section Link needs to thread further
// values (GOT/PLT addresses, .dynamic tag building) after UpdateShdr.
type builtChunks struct {
	got        *synth.GotSection
	gotplt     *synth.GotPltSection
	plt        *synth.PltSection
	pltgot     *synth.PltGotSection
	dynstr     *synth.DynstrSection
	dynsym     *synth.DynsymSection
	relaDyn    *synth.RelaDynSection
	relrDyn    *synth.RelrDynSection
	relaPlt    *synth.RelaPltSection
	dynamic    *synth.DynamicSection
	ehFrame    *synth.EhFrameSection
	ehFrameHdr *synth.EhFrameHdrSection
	copyrel    *synth.CopyrelSection
	copyrelRO  *synth.CopyrelSection
	interp     *synth.InterpSection
	sysvHash   *synth.SysVHashSection
	gnuHash    *synth.GnuHashSection
	gnuProp    *synth.GnuPropertySection
	buildID    *synth.BuildIDSection
}

// interpPaths gives the glibc dynamic-linker path per target machine; a
// real SECTIONS-script-aware linker lets this be overridden, but response
// files and -dynamic-linker are out of this core's scope (spec §1).
var interpPaths = map[uint16]string{
	elfconst.EM_X86_64:  "/lib64/ld-linux-x86-64.so.2",
	elfconst.EM_AARCH64: "/lib/ld-linux-aarch64.so.1",
	elfconst.EM_RISCV:   "/lib/ld-linux-riscv64-lp64d.so.1",
}

func buildSyntheticSections(ctx *obj.Context, backend reloc.Target, opts config.Options, eh ehframe.Result, out reloc.OutputClass) *builtChunks {
	b := &builtChunks{}

	b.got = synth.NewGotSection(ctx)
	b.got.Build(ctx.Files)

	b.plt = synth.NewPltSection(ctx, backend)
	b.plt.Build(ctx.Files)

	b.gotplt = synth.NewGotPltSection(ctx, b.plt)
	b.plt.SetGotPlt(b.gotplt)

	b.pltgot = synth.NewPltGotSection(ctx, backend, b.got)
	b.pltgot.Build(ctx.Files)

	b.copyrel = synth.NewCopyrelSection(false)
	b.copyrel.Build(ctx.Files)
	b.copyrelRO = synth.NewCopyrelSection(true)
	b.copyrelRO.Build(ctx.Files)

	b.dynstr = synth.NewDynstrSection()
	b.dynsym = synth.NewDynsymSection(b.dynstr)

	var dynamicList []string
	if opts.DynamicList != "" {
		dynamicList = []string{opts.DynamicList}
	}
	b.dynsym.ComputeDynsymEligibility(ctx, ctx.Files, dynamicList)

	b.relaDyn = synth.NewRelaDynSection()
	b.relaPlt = synth.NewRelaPltSection(backend.JumpSlotRelocType(), b.plt, b.dynsym, b.got)
	b.relaPlt.SetGotPlt(b.gotplt)

	for _, e := range synth.BuildGotDynRelocs(ctx, b.got, backend, out) {
		b.relaDyn.Add(e)
	}
	for _, e := range synth.BuildCopyrelDynRelocs(ctx, b.copyrel, backend) {
		b.relaDyn.Add(e)
	}
	for _, e := range synth.BuildCopyrelDynRelocs(ctx, b.copyrelRO, backend) {
		b.relaDyn.Add(e)
	}
	if opts.PackRelocs == config.PackDynRelocsRelr {
		b.relrDyn = synth.NewRelrDynSection()
	}
	for _, e := range synth.BuildDirectDynRelocs(ctx, ctx.Files, backend, b.relrDyn) {
		b.relaDyn.Add(e)
	}

	b.dynamic = synth.NewDynamicSection(0)
	// Pre-layout build: fixes the tag count (and therefore .dynamic's
	// Shdr.Size) before layout runs; see dynsec.go's Build doc comment.
	b.dynamic.Build(b.dynstr, dynamicInputs(ctx, opts, b))

	register := func(name string, chunk *obj.Chunk, e obj.Emitter) {
		_ = name
		ctx.Chunks = append(ctx.Chunks, obj.ChunkRef{Chunk: chunk, Emitter: e})
	}
	register("got", &b.got.Chunk, b.got)
	register("gotplt", &b.gotplt.Chunk, b.gotplt)
	register("plt", &b.plt.Chunk, b.plt)
	register("pltgot", &b.pltgot.Chunk, b.pltgot)
	register("copyrel", &b.copyrel.Chunk, b.copyrel)
	register("copyrelro", &b.copyrelRO.Chunk, b.copyrelRO)
	register("dynstr", &b.dynstr.Chunk, b.dynstr)
	register("dynsym", &b.dynsym.Chunk, b.dynsym)
	register("reladyn", &b.relaDyn.Chunk, b.relaDyn)
	if b.relrDyn != nil && b.relrDyn.Len() > 0 {
		register("relrdyn", &b.relrDyn.Chunk, b.relrDyn)
	}
	register("relaplt", &b.relaPlt.Chunk, b.relaPlt)
	register("dynamic", &b.dynamic.Chunk, b.dynamic)

	if !opts.Static && opts.Kind != config.OutputSharedObject {
		if path, ok := interpPaths[backend.Machine()]; ok {
			b.interp = synth.NewInterpSection(path)
			register("interp", &b.interp.Chunk, b.interp)
		}
	}

	if opts.HashStyle&config.HashStyleSysV != 0 {
		b.sysvHash = synth.NewSysVHashSection(b.dynsym)
		register("hash", &b.sysvHash.Chunk, b.sysvHash)
	}
	if opts.HashStyle&config.HashStyleGNU != 0 {
		b.gnuHash = synth.NewGnuHashSection(b.dynsym)
		register("gnuhash", &b.gnuHash.Chunk, b.gnuHash)
	}

	b.gnuProp = synth.NewGnuPropertySection()
	b.gnuProp.IntersectFeatures(ctx.Files)
	register("gnuproperty", &b.gnuProp.Chunk, b.gnuProp)

	if opts.BuildID != "" && opts.BuildID != "none" {
		b.buildID = synth.NewBuildIDSection(20)
		register("buildid", &b.buildID.Chunk, b.buildID)
	}

	if len(eh.Data) > 0 {
		ehFrame := synth.NewEhFrameSection(eh.Data)
		register("ehframe", &ehFrame.Chunk, ehFrame)
		b.ehFrame = ehFrame
		if opts.EhFrameHdr {
			hdr := synth.NewEhFrameHdrSection(ehFrame, eh.Entries)
			register("ehframehdr", &hdr.Chunk, hdr)
			b.ehFrameHdr = hdr
		}
	}

	return b
}

// dynamicInputs maps a builtChunks + config.Options into the
// synth.DynamicInputs Build needs. Called twice (see setTLSBases's call
// site): once here with whatever is already known pre-layout (entry
// counts, not yet addresses), once more after layout with every chunk's
// final Shdr.Addr filled in.
func dynamicInputs(ctx *obj.Context, opts config.Options, b *builtChunks) synth.DynamicInputs {
	var needed []string
	for _, f := range ctx.Files {
		if f.IsAlive.Load() && f.IsDSO() {
			needed = append(needed, f.Soname)
		}
	}
	rpath := ""
	if len(opts.Rpath) > 0 {
		rpath = joinPaths(opts.Rpath)
	}
	in := synth.DynamicInputs{
		Needed:      needed,
		Soname:      opts.SonameFlag,
		Rpath:       rpath,
		Runpath:     true,
		HashStyle:   opts.HashStyle,
		StrtabAddr:  b.dynstr.Shdr.Addr,
		StrtabSize:  b.dynstr.Size(),
		SymtabAddr:  b.dynsym.Shdr.Addr,
		PltGotAddr:  b.gotplt.Shdr.Addr,
		PltRelSz:    uint64(len(b.plt.Entries())) * 24,
		JmpRelAddr:  b.relaPlt.Shdr.Addr,
		RelaAddr:    b.relaDyn.Shdr.Addr,
		RelaSize:    uint64(len(b.relaDyn.Entries())) * 24,
	}
	if b.sysvHash != nil {
		in.HashAddr = b.sysvHash.Shdr.Addr
	}
	if b.gnuHash != nil {
		in.GnuHashAddr = b.gnuHash.Shdr.Addr
	}
	if b.relrDyn != nil {
		in.RelrSize = uint64(b.relrDyn.Len()) * 8
		in.RelrAddr = b.relrDyn.Shdr.Addr
	}
	if opts.Now {
		in.Flags1 |= elfconst.DF_1_NOW
	}
	return in
}

func joinPaths(paths []string) string {
	out := paths[0]
	for _, p := range paths[1:] {
		out += ":" + p
	}
	return out
}

// buildOutputSections groups every live InputSection by output-section
// name into an obj.OutputSection, the REGULAR-chunk half of spec §3's
// Chunk split (the synthetic half is built in buildSyntheticSections).
func buildOutputSections(ctx *obj.Context) []*obj.OutputSection {
	byName := map[string]*obj.OutputSection{}
	var order []string
	for _, f := range ctx.Files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, s := range f.Sections {
			if s == nil || !s.IsAlive.Load() || s.IsMergeSplit {
				continue
			}
			name := outputNameFor(s.Name)
			os, ok := byName[name]
			if !ok {
				os = &obj.OutputSection{}
				os.Shdr.Name = name
				os.Shdr.Type = s.Type
				os.Shdr.Flags = s.Flags
				byName[name] = os
				order = append(order, name)
			}
			os.Members = append(os.Members, s)
			s.Output = os
		}
	}
	out := make([]*obj.OutputSection, 0, len(order))
	for _, n := range order {
		out = append(out, byName[n])
	}
	return out
}

// outputNameFor collapses numbered/suffixed section names into their
// canonical output section (".text.foo" -> ".text"), mirroring every
// linker's default SECTIONS script behavior (spec §1 scopes linker-script
// parsing out, but this default grouping rule is assumed ambient).
func outputNameFor(name string) string {
	for _, prefix := range []string{".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.", ".init_array.", ".fini_array.", ".tdata.", ".tbss.", ".gcc_except_table."} {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			return prefix[:len(prefix)-1]
		}
	}
	return name
}

// thunkPlan records the consolidated landing-pad table spliceThunks built
// for one exec OutputSection: entries gives the table's slot order, index
// the reverse lookup writeThunks needs to redirect a branch relocation at
// its target's slot.
type thunkPlan struct {
	table   *obj.OutputSection
	entries []*obj.Symbol
	index   map[*obj.Symbol]int
}

// spliceThunks runs thunk.Insert (spec §4.11) over every exec output
// section that doesn't already have a table and, for any that need one,
// appends a single consolidated landing-pad OutputSection immediately
// after it in ctx.Chunks. layout.Layout's rank sort is stable, so a table
// spliced right after its own exec section keeps the same protection-class
// bucket and lands adjacent to it in the final image - within range of the
// call sites that needed it, since those sites live in the same section.
//
// This collapses thunk.Insert's per-window batches into one table per
// section rather than interleaving a window's thunk at its own offset;
// simpler to splice into an already-built OutputSection slice, at the cost
// of a slightly larger single table than the sliding-window algorithm
// would place. Reports whether it added any new table, so the caller can
// iterate layout to a fixpoint the way the RISC-V shrink loop does.
func spliceThunks(ctx *obj.Context, outputSections []*obj.OutputSection, backend reloc.Target, plans map[*obj.OutputSection]*thunkPlan) bool {
	changed := false
	for _, os := range outputSections {
		if os.Shdr.Flags&elfconst.SHF_EXECINSTR == 0 {
			continue
		}
		if _, visited := plans[os]; visited {
			continue
		}

		windows := thunk.Insert(ctx, os.Members, backend)
		seen := map[*obj.Symbol]bool{}
		var targets []*obj.Symbol
		for _, w := range windows {
			for _, sym := range w.Targets {
				if !seen[sym] {
					seen[sym] = true
					targets = append(targets, sym)
				}
			}
		}
		if len(targets) == 0 {
			plans[os] = nil
			continue
		}

		index := make(map[*obj.Symbol]int, len(targets))
		for i, sym := range targets {
			index[sym] = i
		}

		member := &obj.InputSection{
			Name:    os.Shdr.Name + ".thunks",
			Data:    make([]byte, len(targets)*backend.ThunkSize()),
			Flags:   os.Shdr.Flags,
			Type:    os.Shdr.Type,
			P2Align: 2,
		}
		table := &obj.OutputSection{Members: []*obj.InputSection{member}}
		table.Shdr.Name = member.Name
		table.Shdr.Type = os.Shdr.Type
		table.Shdr.Flags = os.Shdr.Flags
		member.Output = table

		for i, c := range ctx.Chunks {
			if c.Chunk == &os.Chunk {
				ref := obj.ChunkRef{Chunk: &table.Chunk, Emitter: table}
				ctx.Chunks = append(ctx.Chunks, obj.ChunkRef{})
				copy(ctx.Chunks[i+2:], ctx.Chunks[i+1:])
				ctx.Chunks[i+1] = ref
				break
			}
		}

		plans[os] = &thunkPlan{table: table, entries: targets, index: index}
		changed = true
	}
	return changed
}

// writeThunks encodes every spliced table's landing pads (now that layout
// has assigned them a final address) and redirects each branch relocation
// that needed one, via obj.Rela.ThunkTarget, at the same cross-file
// condition thunk.needsThunk already applies.
func writeThunks(ctx *obj.Context, plans map[*obj.OutputSection]*thunkPlan, backend reloc.Target) {
	sz := backend.ThunkSize()
	for os, plan := range plans {
		if plan == nil {
			continue
		}
		base := plan.table.Shdr.Addr
		data := plan.table.Members[0].Data
		for i, sym := range plan.entries {
			entry := data[i*sz : (i+1)*sz]
			backend.WriteThunk(entry, base+uint64(i*sz), sym.Value)
		}

		for _, sec := range os.Members {
			for i := range sec.Relas {
				rel := &sec.Relas[i]
				if !backend.IsBranch(rel.Type) {
					continue
				}
				sym := reloc.SymbolFor(ctx, sec.File, rel.Sym)
				if sym == nil {
					continue
				}
				idx, ok := plan.index[sym]
				if !ok {
					continue
				}
				sym.Lock()
				file := sym.File
				sym.Unlock()
				if file != nil && file == sec.File {
					continue
				}
				rel.ThunkTarget = base + uint64(idx*sz)
			}
		}
	}
}
