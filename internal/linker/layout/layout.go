// Package layout implements spec §2 stage 9 / §4.10: chunk ranking, virtual
// address and file offset assignment, and PHDR construction. Grounded on
// the teacher's elf_complete.go layout-map approach (a single pass building
// an ordered list of (vaddr, size) regions) generalized to an arbitrary
// chunk set instead of the teacher's fixed section list.
package layout

import (
	"sort"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

const (
	shfWrite = 1 << 0
	shfAlloc = 1 << 1
	shfExec  = 1 << 2
)

// protClass buckets a chunk's flags into the readonly/exec/write ordering
// spec §4.10 mandates within the alloc range.
func protClass(flags uint64) int {
	switch {
	case flags&shfExec != 0:
		return 1
	case flags&shfWrite != 0:
		return 2
	default:
		return 0
	}
}

// rankKey is the cross-chunk sort key layout needs (header/phdr/interp
// first, then alloc ordered by protection/TLS/RELRO, then non-alloc, per
// spec §4.10). It is computed independently of obj.OutputSection's
// unexported rankKey, which does not rank header or .interp chunks.
func rankKey(c obj.ChunkRef) int {
	if c.Kind == obj.ChunkHeader {
		return 0
	}
	if c.Shdr.Name == ".interp" {
		return 2
	}
	if c.Shdr.Flags&shfAlloc == 0 {
		return 1 << 21
	}
	base := 1<<20 | protClass(c.Shdr.Flags)<<16
	if c.IsTLS {
		base |= 1 << 19
	} else if c.IsRelro {
		base |= 1 << 18
	}
	if c.Shdr.Type == elfconst.SHT_NOBITS {
		base |= 1
	}
	return base
}

// Phdr is a simplified ELF64 program header.
type Phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

const (
	ptLoad    = 1
	ptDynamic = 2
	ptInterp  = 3
	ptNote    = 4
	ptPhdr    = 6
	ptTLS     = 7
	ptGNUEhFrame = 0x6474e550
	ptGNUStack   = 0x6474e551
	ptGNURelro   = 0x6474e552

	pfX = 1
	pfW = 2
	pfR = 4
)

// Result is layout's output: every chunk now has a final Shdr.Addr/Offset,
// plus the derived PHDR list and the bounds emit needs to size the output
// file.
type Result struct {
	Phdrs      []Phdr
	ImageSize  uint64
	EhFrameHdr *obj.Chunk // nil if absent, for PT_GNU_EH_FRAME
	TLSStart   uint64     // PT_TLS VAddr, 0 if the link has no TLS segment
	TLSEnd     uint64     // PT_TLS VAddr + MemSz
}

// run is one contiguous PT_LOAD candidate: a maximal span of chunks
// sharing a protection class, tracked until a protection change or a
// forced page break closes it out.
type run struct {
	prot         int
	start, end   uint64 // file offsets
	vstart, vend uint64
	flags        uint32
}

// Layout assigns addresses and file offsets to every chunk in ctx.Chunks
// and builds the PHDR table (spec §4.10). headerSize is the combined size
// of the ELF header + program header table, which occupies file offset 0
// at ImageBase and is not itself a Chunk.
func Layout(ctx *obj.Context, headerSize uint64, execStack bool, separateLoadableSegments bool) *Result {
	chunks := make([]obj.ChunkRef, len(ctx.Chunks))
	copy(chunks, ctx.Chunks)
	sort.SliceStable(chunks, func(i, j int) bool { return rankKey(chunks[i]) < rankKey(chunks[j]) })

	res := &Result{}
	vaddr := ctx.ImageBase
	offset := uint64(0)

	vaddr += headerSize
	offset += headerSize

	var prevProt = -1
	var tbssCursor uint64
	haveTBSS := false

	var runs []run
	var relroStart, relroEnd uint64
	haveRelro := false
	var tlsStart, tlsEnd uint64
	haveTLS := false
	var dynamicAddr uint64
	var interpAddr uint64
	haveInterp := false
	var noteRuns []run
	var ehFrameHdr obj.ChunkRef
	haveEhFrameHdr := false

	flushRun := func(cur *run) {
		if cur == nil || cur.end <= cur.start && cur.vend <= cur.vstart {
			return
		}
		runs = append(runs, *cur)
	}

	var cur *run
	for _, c := range chunks {
		if c.Shdr.Name == ".eh_frame_hdr" {
			ehFrameHdr = c
			haveEhFrameHdr = true
		}
		if c.Shdr.Flags&shfAlloc == 0 {
			// non-alloc: pack contiguously by sh_addralign only, no VA.
			align := c.Shdr.AddrAlign
			if align == 0 {
				align = 1
			}
			if rem := offset % align; rem != 0 {
				offset += align - rem
			}
			c.Shdr.Offset = offset
			offset += c.Shdr.Size
			continue
		}

		align := c.Shdr.AddrAlign
		if align == 0 {
			align = 1
		}
		if rem := vaddr % align; rem != 0 {
			pad := align - rem
			vaddr += pad
		}

		prot := protClass(c.Shdr.Flags)
		if separateLoadableSegments && prevProt != -1 && prot != prevProt {
			vaddr = alignUp(vaddr, ctx.PageSize)
			flushRun(cur)
			cur = nil
		}
		if cur == nil {
			offset = vaddr%ctx.PageSize + alignDownPage(offset, ctx.PageSize)
			// Re-derive offset so sh_offset mod page_size == sh_addr mod page_size.
			offset = nextOffsetForAddr(offset, vaddr, ctx.PageSize)
			cur = &run{prot: prot, start: offset, vstart: vaddr, flags: uint32(c.Shdr.Flags)}
		}
		prevProt = prot

		if rem := offset % align; rem != 0 {
			offset += align - rem
		}
		// Enforce the page-congruence invariant explicitly.
		offset = nextOffsetForAddr(offset, vaddr, ctx.PageSize)

		c.Shdr.Addr = vaddr
		c.Shdr.Offset = offset

		if c.Shdr.Name == ".dynamic" {
			dynamicAddr = vaddr
		}
		if c.Shdr.Name == ".interp" {
			interpAddr = vaddr
			haveInterp = true
		}
		if c.Shdr.Type == elfconst.SHT_NOTE {
			noteRuns = append(noteRuns, run{start: offset, end: offset + c.Shdr.Size, vstart: vaddr, vend: vaddr + c.Shdr.Size})
		}
		if c.IsRelro {
			if !haveRelro {
				relroStart = vaddr
				haveRelro = true
			}
			relroEnd = vaddr + c.Shdr.Size
		}
		if c.IsTLS {
			if !haveTLS {
				tlsStart = vaddr
				haveTLS = true
			}
			if c.IsTBSS {
				if !haveTBSS {
					tbssCursor = vaddr
					haveTBSS = true
				}
				tlsEnd = tbssCursor + c.Shdr.Size
			} else {
				tlsEnd = vaddr + c.Shdr.Size
			}
		}

		if c.IsTBSS {
			// Overlapping layout: VA assigned, but neither cursor advances
			// (spec §4.10) - file offset/size still belong to the run,
			// without bytes, since SHT_NOBITS contributes none.
			continue
		}

		vaddr += c.Shdr.Size
		if c.Shdr.Type != elfconst.SHT_NOBITS {
			offset += c.Shdr.Size
		}
		cur.end = offset
		cur.vend = vaddr
	}
	flushRun(cur)

	ctx.DynamicAddr = dynamicAddr
	if haveEhFrameHdr {
		res.EhFrameHdr = ehFrameHdr.Chunk
	}

	// PT_PHDR, PT_INTERP.
	numPhdrs := 1 // PT_PHDR
	if haveInterp {
		numPhdrs++
	}
	numPhdrs += len(runs) // PT_LOAD
	if haveTLS {
		numPhdrs++
	}
	if haveRelro {
		numPhdrs++
	}
	if haveEhFrameHdr {
		numPhdrs++
	}
	numPhdrs += len(noteRuns)
	if dynamicAddr != 0 {
		numPhdrs++
	}
	numPhdrs++ // PT_GNU_STACK

	phdrSize := uint64(numPhdrs) * 56
	_ = phdrSize // headerSize passed in already accounts for this; kept for clarity

	res.Phdrs = append(res.Phdrs, Phdr{Type: ptPhdr, Flags: pfR, Offset: 0x40, VAddr: ctx.ImageBase + 0x40, PAddr: ctx.ImageBase + 0x40, FileSz: phdrSize, MemSz: phdrSize, Align: 8})
	if haveInterp {
		interpChunk := findChunk(chunks, ".interp")
		res.Phdrs = append(res.Phdrs, Phdr{Type: ptInterp, Flags: pfR, Offset: interpChunk.Shdr.Offset, VAddr: interpAddr, PAddr: interpAddr, FileSz: interpChunk.Shdr.Size, MemSz: interpChunk.Shdr.Size, Align: 1})
	}
	for _, r := range runs {
		flags := uint32(pfR)
		if r.flags&shfWrite != 0 {
			flags |= pfW
		}
		if r.flags&shfExec != 0 {
			flags |= pfX
		}
		res.Phdrs = append(res.Phdrs, Phdr{
			Type: ptLoad, Flags: flags,
			Offset: r.start, VAddr: r.vstart, PAddr: r.vstart,
			FileSz: r.end - r.start, MemSz: r.vend - r.vstart, Align: ctx.PageSize,
		})
	}
	if haveTLS {
		tlsFileChunk := findFirstTLSNonBSS(chunks)
		fileSz := uint64(0)
		if tlsFileChunk != nil {
			fileSz = tlsFileChunk.Shdr.Offset + tlsFileChunk.Shdr.Size - findTLSFileStart(chunks)
		}
		res.Phdrs = append(res.Phdrs, Phdr{Type: ptTLS, Flags: pfR, Offset: findTLSFileStart(chunks), VAddr: tlsStart, PAddr: tlsStart, FileSz: fileSz, MemSz: tlsEnd - tlsStart, Align: 8})
		res.TLSStart = tlsStart
		res.TLSEnd = tlsEnd
	}
	if haveRelro {
		res.Phdrs = append(res.Phdrs, Phdr{Type: ptGNURelro, Flags: pfR, Offset: fileOffsetForAddr(runs, relroStart), VAddr: relroStart, PAddr: relroStart, FileSz: relroEnd - relroStart, MemSz: alignUp(relroEnd-relroStart, ctx.PageSize), Align: 1})
	}
	if haveEhFrameHdr {
		res.Phdrs = append(res.Phdrs, Phdr{Type: ptGNUEhFrame, Flags: pfR, Offset: ehFrameHdr.Shdr.Offset, VAddr: ehFrameHdr.Shdr.Addr, PAddr: ehFrameHdr.Shdr.Addr, FileSz: ehFrameHdr.Shdr.Size, MemSz: ehFrameHdr.Shdr.Size, Align: 4})
	}
	for _, n := range noteRuns {
		res.Phdrs = append(res.Phdrs, Phdr{Type: ptNote, Flags: pfR, Offset: n.start, VAddr: n.vstart, PAddr: n.vstart, FileSz: n.end - n.start, MemSz: n.vend - n.vstart, Align: 4})
	}
	if dynamicAddr != 0 {
		dynChunk := findChunk(chunks, ".dynamic")
		res.Phdrs = append(res.Phdrs, Phdr{Type: ptDynamic, Flags: pfR | pfW, Offset: dynChunk.Shdr.Offset, VAddr: dynamicAddr, PAddr: dynamicAddr, FileSz: dynChunk.Shdr.Size, MemSz: dynChunk.Shdr.Size, Align: 8})
	}
	stackFlags := uint32(pfR | pfW)
	if execStack {
		stackFlags |= pfX
	}
	res.Phdrs = append(res.Phdrs, Phdr{Type: ptGNUStack, Flags: stackFlags, Align: 16})

	res.ImageSize = offset
	return res
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	if rem := v % align; rem != 0 {
		return v + align - rem
	}
	return v
}

func alignDownPage(v, page uint64) uint64 {
	if page == 0 {
		return v
	}
	return v - v%page
}

// nextOffsetForAddr returns the smallest offset >= off satisfying
// offset mod page_size == addr mod page_size (spec §4.10's core invariant).
func nextOffsetForAddr(off, addr, page uint64) uint64 {
	if page == 0 {
		return off
	}
	want := addr % page
	have := off % page
	if have == want {
		return off
	}
	if have < want {
		return off + (want - have)
	}
	return off + (page - have + want)
}

func findChunk(chunks []obj.ChunkRef, name string) obj.ChunkRef {
	for _, c := range chunks {
		if c.Shdr.Name == name {
			return c
		}
	}
	return obj.ChunkRef{}
}

func findFirstTLSNonBSS(chunks []obj.ChunkRef) *obj.Chunk {
	for _, c := range chunks {
		if c.IsTLS && !c.IsTBSS {
			return c.Chunk
		}
	}
	return nil
}

func findTLSFileStart(chunks []obj.ChunkRef) uint64 {
	for _, c := range chunks {
		if c.IsTLS && !c.IsTBSS {
			return c.Shdr.Offset
		}
	}
	for _, c := range chunks {
		if c.IsTLS {
			return c.Shdr.Offset
		}
	}
	return 0
}

func fileOffsetForAddr(runs []run, addr uint64) uint64 {
	for _, r := range runs {
		if addr >= r.vstart && addr <= r.vend {
			return r.start + (addr - r.vstart)
		}
	}
	return 0
}
