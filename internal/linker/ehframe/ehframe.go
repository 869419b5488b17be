// Package ehframe implements spec §4.7: the output-side half of
// `.eh_frame` handling - CIE deduplication, FDE concatenation for sections
// that survived GC/ICF, and the optional `.eh_frame_hdr` binary-search
// table. Input-side parsing lives in internal/obj (ParseEhFrame), since
// every stage package needs the parsed CieRecord/FdeRecord types; this
// package only runs once, after GC and ICF have settled which sections are
// alive.
package ehframe

import (
	"encoding/binary"
	"sort"

	"github.com/xyproto/moldcore/internal/obj"
)

// cieKey captures spec §4.7's CIE-equality rule: "bytewise equality of
// content and by relocation structure (equal number of relocations, each
// with same type/offset-within-CIE/target symbol/addend)".
type cieKey struct {
	data string
	rels string
}

func keyOf(c *obj.CieRecord) cieKey {
	var relBuf []byte
	for _, r := range c.Relas {
		name := targetName(c.File, r.Sym)
		var buf [20]byte
		binary.LittleEndian.PutUint32(buf[0:4], r.Type)
		binary.LittleEndian.PutUint64(buf[4:12], r.Offset-c.Offset)
		binary.LittleEndian.PutUint64(buf[12:20], uint64(r.Addend))
		relBuf = append(relBuf, buf[:]...)
		relBuf = append(relBuf, name...)
		relBuf = append(relBuf, 0)
	}
	return cieKey{data: string(c.Data), rels: string(relBuf)}
}

func targetName(f *obj.File, symIdx int) string {
	es, ok := f.ElfSymAt(symIdx, len(f.Locals))
	if !ok {
		return ""
	}
	return es.Name
}

// cieRef identifies one CIE instance by its owning file and index into
// File.Cies.
type cieRef struct {
	file *obj.File
	idx  int
}

// FdeEntry is one surviving FDE's placement for .eh_frame_hdr generation:
// InitialPC is the virtual address of the function it describes, FdeVA is
// the virtual address the FDE record itself will be written at. Synthesize
// leaves InitialPC zero and sets FdeVA to the record's offset within
// Result.Data; the caller turns both into final addresses once layout is
// done, before calling BuildHdr.
type FdeEntry struct {
	Fde       *obj.FdeRecord
	InitialPC uint64
	FdeVA     uint64
}

// Result is the synthesized `.eh_frame` content plus the ordered FDE list
// BuildHdr needs once addresses are assigned.
type Result struct {
	Data    []byte
	Entries []FdeEntry
}

// Synthesize deduplicates every live file's CIEs, concatenates the
// survivors, then appends each live FDE (one whose FuncSection is still
// alive) with its CIE-pointer field rewritten to point at the
// deduplicated CIE, terminating with a zero-length record (spec §4.7).
// Files are visited in Context.Files order (already command-line order),
// which is what makes output bytes deterministic run to run.
func Synthesize(files []*obj.File) Result {
	var out []byte
	cieOffset := make(map[cieRef]uint64)
	keyToCanonical := make(map[cieKey]cieRef)

	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for i := range f.Cies {
			c := &f.Cies[i]
			k := keyOf(c)
			canon, ok := keyToCanonical[k]
			if !ok {
				canon = cieRef{file: f, idx: i}
				keyToCanonical[k] = canon
				cieOffset[canon] = uint64(len(out))
				out = append(out, c.Data...)
			}
			cieOffset[cieRef{file: f, idx: i}] = cieOffset[canon]
		}
	}

	var entries []FdeEntry
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for i := range f.Fdes {
			fde := &f.Fdes[i]
			if !fde.IsAlive {
				continue
			}
			if fn := fde.FuncSection(); fn == nil || !fn.IsAlive.Load() {
				continue
			}
			fdeVA := uint64(len(out))
			rec := append([]byte(nil), fde.Data...)
			writeCIEPointer(rec, fdeVA, cieOffset[cieRef{file: f, idx: fde.CieIdx}])
			out = append(out, rec...)
			entries = append(entries, FdeEntry{Fde: fde, FdeVA: fdeVA})
		}
	}

	out = append(out, 0, 0, 0, 0) // zero-length terminator record
	return Result{Data: out, Entries: entries}
}

// writeCIEPointer rewrites an FDE record's second 4-byte field (the
// distance back to its CIE, `fde_offset - cie_offset`) to point at the
// deduplicated CIE's new position. rec is the FDE's own record bytes
// (length field not included in the distance, per DWARF CFI); fdeStart and
// cieStart are both offsets within the final concatenated .eh_frame.
func writeCIEPointer(rec []byte, fdeStart, cieStart uint64) {
	if len(rec) < 8 {
		return
	}
	binary.LittleEndian.PutUint32(rec[4:8], uint32(fdeStart+4-cieStart))
}

// BuildHdr implements spec §4.7's ".eh_frame_hdr": a sorted binary-search
// table of (initial_pc, fde_address) pairs, preceded by the fixed
// version/eh_frame_ptr_enc/fde_count_enc/table_enc header, an eh_frame_ptr
// (DW_EH_PE_pcrel|sdata4, relative to the field's own address) and a
// fde_count (DW_EH_PE_udata4). Table entries are relative to the
// .eh_frame_hdr's own start; ehFrameVA/hdrVA are the two sections' final
// virtual addresses, supplied by the layout stage.
func BuildHdr(entries []FdeEntry, ehFrameVA, hdrVA uint64) []byte {
	sort.Slice(entries, func(i, j int) bool { return entries[i].InitialPC < entries[j].InitialPC })

	const headerSize = 4 + 4 + 4 // version+encs, eh_frame_ptr, fde_count
	buf := make([]byte, headerSize+8*len(entries))
	buf[0] = 1    // version
	buf[1] = 0x1b // eh_frame_ptr_enc: DW_EH_PE_pcrel | DW_EH_PE_sdata4
	buf[2] = 0x03 // fde_count_enc: DW_EH_PE_udata4
	buf[3] = 0x3b // table_enc: DW_EH_PE_datarel | DW_EH_PE_sdata4

	binary.LittleEndian.PutUint32(buf[4:8], uint32(int64(ehFrameVA)-int64(hdrVA+4)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(entries)))

	off := headerSize
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(int64(e.InitialPC)-int64(hdrVA)))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(int64(e.FdeVA)-int64(hdrVA)))
		off += 8
	}
	return buf
}
