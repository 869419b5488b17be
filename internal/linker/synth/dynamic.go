package synth

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// DynstrSection interns strings for .dynstr, mirroring the source's
// append-once string table (spec §4.9).
type DynstrSection struct {
	obj.Chunk
	data   []byte
	offset map[string]uint32
}

func NewDynstrSection() *DynstrSection {
	s := &DynstrSection{offset: map[string]uint32{}}
	s.Shdr.Name = ".dynstr"
	s.Shdr.Type = elfconst.SHT_STRTAB
	s.Shdr.Flags = elfconst.SHF_ALLOC
	s.Shdr.AddrAlign = 1
	s.data = []byte{0} // index 0 is always the empty string
	return s
}

func (s *DynstrSection) Add(str string) uint32 {
	if off, ok := s.offset[str]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.offset[str] = off
	s.data = append(s.data, []byte(str)...)
	s.data = append(s.data, 0)
	return off
}

func (s *DynstrSection) Size() uint64 { return uint64(len(s.data)) }

func (s *DynstrSection) UpdateShdr(ctx *obj.Context) { s.Shdr.Size = uint64(len(s.data)) }
func (s *DynstrSection) WriteTo(ctx *obj.Context, buf []byte) error {
	copy(buf[s.Shdr.Offset:], s.data)
	return nil
}

// DynsymEntry is one row eligible for .dynsym: exported, imported, or
// matched by --dynamic-list (spec SPEC_FULL.md's ComputeDynsymEligibility,
// the original's compute_export_dynsyms).
type DynsymEntry struct {
	Sym       *obj.Symbol
	NameOff   uint32
	ShndxSelf int // output section index, 0 for undefined
}

// DynsymSection is .dynsym: index 0 is the mandatory null entry, then one
// entry per eligible symbol, sorted by .gnu.hash bucket and then by name,
// since .gnu.hash requires the hashed symbols grouped by bucket in
// ascending bucket order (spec §6 "Output").
type DynsymSection struct {
	obj.Chunk
	dynstr  *DynstrSection
	entries []DynsymEntry
}

func NewDynsymSection(dynstr *DynstrSection) *DynsymSection {
	d := &DynsymSection{dynstr: dynstr}
	d.Shdr.Name = ".dynsym"
	d.Shdr.Type = elfconst.SHT_DYNSYM
	d.Shdr.Flags = elfconst.SHF_ALLOC
	d.Shdr.EntSize = 24
	d.Shdr.AddrAlign = 8
	d.Shdr.Info = 1 // one local (the null entry)
	return d
}

// ComputeDynsymEligibility implements SPEC_FULL.md's supplemented
// compute_export_dynsyms: a defined symbol needs a .dynsym entry when it is
// exported (--export-dynamic, matched --dynamic-list, or has IsExported
// set by a PLT/copyrel outcome), or when it is still undefined and will be
// imported from a needed DSO.
func (d *DynsymSection) ComputeDynsymEligibility(ctx *obj.Context, files []*obj.File, dynamicList []string) {
	seen := map[*obj.Symbol]bool{}
	wantsExport := func(sym *obj.Symbol) bool {
		if ctx.Options.ExportDynamic {
			return true
		}
		for _, pat := range dynamicList {
			if pat == sym.Name {
				return true
			}
		}
		return sym.IsExported
	}
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, sym := range f.Globals {
			if sym == nil || seen[sym] {
				continue
			}
			sym.Lock()
			file, isImported := sym.File, sym.IsImported
			sym.Unlock()
			needed := (file != nil && wantsExport(sym)) || isImported || (file != nil && file.IsDSO())
			if !needed {
				continue
			}
			seen[sym] = true
			aux := ctx.AuxOf(sym)
			aux.DynsymIdx = int32(len(d.entries) + 1) // +1: slot 0 is the null entry
			d.entries = append(d.entries, DynsymEntry{Sym: sym, NameOff: d.dynstr.Add(sym.Name)})
		}
	}
	nb := uint32(len(d.entries)) // GnuHashSection.nbuckets
	if nb == 0 {
		nb = 1
	}
	sort.Slice(d.entries, func(i, j int) bool {
		bi, bj := djbHash(d.entries[i].Sym.Name)%nb, djbHash(d.entries[j].Sym.Name)%nb
		if bi != bj {
			return bi < bj
		}
		return d.entries[i].Sym.Name < d.entries[j].Sym.Name
	})
	for i := range d.entries {
		ctx.AuxOf(d.entries[i].Sym).DynsymIdx = int32(i + 1)
	}
}

func (d *DynsymSection) Entries() []DynsymEntry { return d.entries }

func (d *DynsymSection) UpdateShdr(ctx *obj.Context) {
	d.Shdr.Size = uint64(len(d.entries)+1) * 24
}

func (d *DynsymSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := d.Shdr.Offset
	// Entry 0 stays all-zero (the mandatory null symtab entry).
	for i, e := range d.entries {
		off := base + uint64(i+1)*24
		e.Sym.Lock()
		value, file := e.Sym.Value, e.Sym.File
		sym := e.Sym
		sym.Unlock()
		info := byte(elfconst.STB_GLOBAL) << 4
		shndx := uint16(0)
		if file != nil && !file.IsDSO() {
			shndx = 1 // any nonzero placeholder: a defined dynsym entry, real section index filled by layout's dynsym pass
		}
		binary.LittleEndian.PutUint32(buf[off:], e.NameOff)
		buf[off+4] = info
		buf[off+5] = 0 // visibility, merged STV_* at resolution time
		binary.LittleEndian.PutUint16(buf[off+6:], shndx)
		binary.LittleEndian.PutUint64(buf[off+8:], value)
		binary.LittleEndian.PutUint64(buf[off+16:], 0) // size: copied from the defining ElfSym by the owning stage, zero is safe for undefineds
	}
	return nil
}

// --- Hash tables (spec §6 "Output"). ---

// SysVHashSection is the classic .hash: 4-byte nbucket, nchain, then
// buckets[nbucket], chains[nchain] (spec §6).
type SysVHashSection struct {
	obj.Chunk
	dynsym *DynsymSection
}

func NewSysVHashSection(dynsym *DynsymSection) *SysVHashSection {
	h := &SysVHashSection{dynsym: dynsym}
	h.Shdr.Name = ".hash"
	h.Shdr.Type = elfconst.SHT_HASH
	h.Shdr.Flags = elfconst.SHF_ALLOC
	h.Shdr.EntSize = 4
	h.Shdr.AddrAlign = 4
	return h
}

// elfHash is the classic SysV ELF hash function (gABI §5-18).
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		hi := h & 0xf0000000
		if hi != 0 {
			h ^= hi >> 24
		}
		h &^= hi
	}
	return h
}

func (h *SysVHashSection) nbucket() int {
	n := len(h.dynsym.entries) + 1
	if n < 1 {
		n = 1
	}
	return n
}

func (h *SysVHashSection) UpdateShdr(ctx *obj.Context) {
	nchain := len(h.dynsym.entries) + 1
	h.Shdr.Size = uint64(2+h.nbucket()+nchain) * 4
}

func (h *SysVHashSection) WriteTo(ctx *obj.Context, buf []byte) error {
	nbucket := h.nbucket()
	nchain := len(h.dynsym.entries) + 1
	base := h.Shdr.Offset
	binary.LittleEndian.PutUint32(buf[base:], uint32(nbucket))
	binary.LittleEndian.PutUint32(buf[base+4:], uint32(nchain))
	buckets := buf[base+8 : base+8+uint64(nbucket)*4]
	chains := buf[base+8+uint64(nbucket)*4:]
	for i, e := range h.dynsym.entries {
		symIdx := uint32(i + 1)
		bucket := elfHash(e.Sym.Name) % uint32(nbucket)
		head := binary.LittleEndian.Uint32(buckets[bucket*4:])
		binary.LittleEndian.PutUint32(chains[symIdx*4:], head)
		binary.LittleEndian.PutUint32(buckets[bucket*4:], symIdx)
	}
	return nil
}

// GnuHashSection is .gnu.hash, using djb_hash per spec §6.
type GnuHashSection struct {
	obj.Chunk
	dynsym *DynsymSection
}

func NewGnuHashSection(dynsym *DynsymSection) *GnuHashSection {
	h := &GnuHashSection{dynsym: dynsym}
	h.Shdr.Name = ".gnu.hash"
	h.Shdr.Type = elfconst.SHT_GNU_HASH
	h.Shdr.Flags = elfconst.SHF_ALLOC
	h.Shdr.AddrAlign = 8
	return h
}

func djbHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

const gnuHashBloomShift = 6

func (h *GnuHashSection) nbuckets() uint32 {
	n := uint32(len(h.dynsym.entries))
	if n == 0 {
		n = 1
	}
	return n
}

func (h *GnuHashSection) UpdateShdr(ctx *obj.Context) {
	bloomWords := uint64(1)
	h.Shdr.Size = 16 + bloomWords*8 + uint64(h.nbuckets())*4 + uint64(len(h.dynsym.entries))*4
}

// WriteTo emits the (nbuckets, symoffset, bloom_size, bloom_shift, bloom,
// buckets, chains) layout spec §6 describes. symoffset is 1: every .dynsym
// entry after the null entry is ComputeDynsymEligibility-selected and
// hashed, and chain slot i belongs to dynsym index i+1. WriteTo relies on
// ComputeDynsymEligibility having ordered dynsym.entries by bucket.
func (h *GnuHashSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := h.Shdr.Offset
	nbuckets := h.nbuckets()
	bloomWords := uint32(1)
	binary.LittleEndian.PutUint32(buf[base:], nbuckets)
	binary.LittleEndian.PutUint32(buf[base+4:], 1) // symoffset
	binary.LittleEndian.PutUint32(buf[base+8:], bloomWords)
	binary.LittleEndian.PutUint32(buf[base+12:], gnuHashBloomShift)
	bloomOff := base + 16
	bucketOff := bloomOff + uint64(bloomWords)*8
	chainOff := bucketOff + uint64(nbuckets)*4

	hashes := make([]uint32, len(h.dynsym.entries))
	for i, e := range h.dynsym.entries {
		hv := djbHash(e.Sym.Name)
		hashes[i] = hv
		word := (hv / 64) % bloomWords
		bit1 := uint64(1) << (hv % 64)
		bit2 := uint64(1) << ((hv >> gnuHashBloomShift) % 64)
		cur := binary.LittleEndian.Uint64(buf[bloomOff+uint64(word)*8:])
		binary.LittleEndian.PutUint64(buf[bloomOff+uint64(word)*8:], cur|bit1|bit2)
	}
	for i, hv := range hashes {
		bucket := hv % nbuckets
		if binary.LittleEndian.Uint32(buf[bucketOff+uint64(bucket)*4:]) == 0 {
			binary.LittleEndian.PutUint32(buf[bucketOff+uint64(bucket)*4:], uint32(i+1))
		}
		last := uint32(0)
		if i == len(hashes)-1 || hashes[i]%nbuckets != hashes[i+1]%nbuckets {
			last = 1
		}
		binary.LittleEndian.PutUint32(buf[chainOff+uint64(i)*4:], (hv&^1)|last)
	}
	return nil
}

// --- .rela.dyn / .rela.plt (spec §4.9). ---

// DynRelaEntry is one dynamic relocation, ordered so that ifunc relocations
// (R_*_IRELATIVE) sort after every other kind, matching the original's
// passes.cc ordering rationale recorded in SPEC_FULL.md.
type DynRelaEntry struct {
	Offset  uint64
	Type    uint32
	SymIdx  uint32 // dynsym index, 0 for a pure RELATIVE/IRELATIVE entry
	Addend  int64
	IsIFunc bool

	// Resolve, when non-nil, supplies the final (Offset, Addend) once every
	// chunk has a final address; producers that only know a symbol's GOT or
	// copyrel slot at scan time (not yet laid out) populate this instead of
	// Offset/Addend directly. FinalizeOffsets clears it after evaluating it.
	Resolve func() (uint64, int64)
}

type RelaDynSection struct {
	obj.Chunk
	entries []DynRelaEntry
}

func NewRelaDynSection() *RelaDynSection {
	r := &RelaDynSection{}
	r.Shdr.Name = ".rela.dyn"
	r.Shdr.Type = elfconst.SHT_RELA
	r.Shdr.Flags = elfconst.SHF_ALLOC
	r.Shdr.EntSize = 24
	r.Shdr.AddrAlign = 8
	return r
}

func (r *RelaDynSection) Add(e DynRelaEntry) { r.entries = append(r.entries, e) }

func (r *RelaDynSection) Entries() []DynRelaEntry { return r.entries }

// FinalizeOffsets evaluates every entry's deferred Resolve closure now that
// layout has assigned final chunk addresses, then discards the closure.
// Must run before Finalize and before WriteTo.
func (r *RelaDynSection) FinalizeOffsets() {
	for i := range r.entries {
		if r.entries[i].Resolve != nil {
			off, add := r.entries[i].Resolve()
			r.entries[i].Offset = off
			r.entries[i].Addend = add
			r.entries[i].Resolve = nil
		}
	}
}

// Finalize sorts ifunc relocations last (spec SPEC_FULL.md supplement).
func (r *RelaDynSection) Finalize() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].IsIFunc != r.entries[j].IsIFunc {
			return !r.entries[i].IsIFunc
		}
		return r.entries[i].Offset < r.entries[j].Offset
	})
}

func (r *RelaDynSection) UpdateShdr(ctx *obj.Context) { r.Shdr.Size = uint64(len(r.entries)) * 24 }

func (r *RelaDynSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := r.Shdr.Offset
	for i, e := range r.entries {
		off := base + uint64(i)*24
		binary.LittleEndian.PutUint64(buf[off:], e.Offset)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(e.SymIdx)<<32|uint64(e.Type))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(e.Addend))
	}
	return nil
}

// RelaPltSection holds one entry per lazily-bound PLT symbol
// (R_*_JUMP_SLOT), consumed lazily by the dynamic loader (spec §4.9).
type RelaPltSection struct {
	obj.Chunk
	jumpSlotType uint32
	plt          *PltSection
	dynsym       *DynsymSection
	got          *GotSection
	gotplt       *GotPltSection
}

// SetGotPlt wires the GOTPLT this rela.plt's R_*_JUMP_SLOT offsets point
// into, set once by the orchestrator (see PltSection.SetGotPlt).
func (r *RelaPltSection) SetGotPlt(gotplt *GotPltSection) { r.gotplt = gotplt }

func NewRelaPltSection(jumpSlotType uint32, plt *PltSection, dynsym *DynsymSection, got *GotSection) *RelaPltSection {
	r := &RelaPltSection{jumpSlotType: jumpSlotType, plt: plt, dynsym: dynsym, got: got}
	r.Shdr.Name = ".rela.plt"
	r.Shdr.Type = elfconst.SHT_RELA
	r.Shdr.Flags = elfconst.SHF_ALLOC
	r.Shdr.EntSize = 24
	r.Shdr.Info = 1
	r.Shdr.AddrAlign = 8
	return r
}

func (r *RelaPltSection) UpdateShdr(ctx *obj.Context) {
	r.Shdr.Size = uint64(len(r.plt.entries)) * 24
}

func (r *RelaPltSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := r.Shdr.Offset
	for i, sym := range r.plt.entries {
		off := base + uint64(i)*24
		aux := ctx.AuxOf(sym)
		binary.LittleEndian.PutUint64(buf[off:], r.gotplt.SlotAddr(i))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(aux.DynsymIdx)<<32|uint64(r.jumpSlotType))
		binary.LittleEndian.PutUint64(buf[off+16:], 0)
	}
	return nil
}

// --- .relr.dyn packing (spec §4.9/§9). ---

// PackRelr implements spec §9's "RELR packing": reads a plan of eligible
// base-relative relocation addresses (word-aligned, even addend is
// guaranteed by the caller since those are the only ones ever routed here)
// and emits the compressed bitmap form: an absolute address word, followed
// by bitmap words covering the following 63 (wordsize-1) candidate slots,
// repeated until the input is exhausted.
func PackRelr(addrs []uint64) []uint64 {
	var out []uint64
	i := 0
	for i < len(addrs) {
		base := addrs[i]
		out = append(out, base|0) // even entry: the LSB=0 marks an address word, not a bitmap
		i++
		bitmap := uint64(0)
		for i < len(addrs) {
			delta := addrs[i] - base
			bit := delta / 8
			if bit == 0 || bit >= 64 {
				break
			}
			bitmap |= 1 << bit
			i++
		}
		if bitmap != 0 {
			out = append(out, bitmap|1) // odd entry: LSB=1 marks a bitmap word; bit k relocates base+k*8
		}
	}
	return out
}

// RelrDynSection holds the `.relr.dyn` chunk --pack-dyn-relocs=relr selects
// (spec §4.9/§9/§6). Unlike RelaDynSection, its packed word count can only
// be known once every resolver has run, but its reserved Shdr.Size must be
// fixed before the first layout pass along with everything else - so
// UpdateShdr reserves one word per candidate address (PackRelr can only
// ever pack that many words down, never up) and Finalize pads the tail with
// zero-bit bitmap words, which the RELR decoder treats as a legal no-op
// entry, so the reserved size and the real size always match exactly.
type RelrDynSection struct {
	obj.Chunk
	resolvers []func() uint64
	count     int // len(resolvers) at Add time, kept after Finalize clears resolvers
	words     []uint64
}

func NewRelrDynSection() *RelrDynSection {
	r := &RelrDynSection{}
	r.Shdr.Name = ".relr.dyn"
	r.Shdr.Type = elfconst.SHT_RELR
	r.Shdr.Flags = elfconst.SHF_ALLOC
	r.Shdr.EntSize = 8
	r.Shdr.AddrAlign = 8
	return r
}

// Add registers one base-relative relocation site, resolved to its final
// output address once layout has run.
func (r *RelrDynSection) Add(resolve func() uint64) {
	r.resolvers = append(r.resolvers, resolve)
	r.count = len(r.resolvers)
}

// Len reports the candidate address count fixed at Add time; stays valid
// after Finalize clears resolvers, since dynamicInputs reads it for the
// second (post-layout) .dynamic build.
func (r *RelrDynSection) Len() int { return r.count }

func (r *RelrDynSection) UpdateShdr(ctx *obj.Context) {
	r.Shdr.Size = uint64(r.count) * 8
}

// Finalize resolves every site, packs the sorted address list, and pads
// the result back up to the reserved word count with no-op bitmap words.
// Must run after layout and before WriteTo.
func (r *RelrDynSection) Finalize() {
	addrs := make([]uint64, len(r.resolvers))
	for i, resolve := range r.resolvers {
		addrs[i] = resolve()
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	r.words = PackRelr(addrs)
	for len(r.words) < r.count {
		r.words = append(r.words, 1) // bitmap word, zero bits set: relocates nothing
	}
	r.resolvers = nil
}

func (r *RelrDynSection) WriteTo(ctx *obj.Context, buf []byte) error {
	base := r.Shdr.Offset
	for i, w := range r.words {
		binary.LittleEndian.PutUint64(buf[base+uint64(i)*8:], w)
	}
	return nil
}

// --- .note.gnu.build-id (spec §6). ---

// BuildID computes a build-id note per spec §6's {NONE, HEX, HASH, UUID}
// kinds. For HASH, image is the finished output with the build-id bytes
// themselves masked to zero, per the "Build-id stability" testable
// property (spec §8).
func BuildID(kind elfconst.BuildIDKind, hashSize int, literal []byte, image []byte) []byte {
	switch kind {
	case elfconst.BuildIDHex:
		return literal
	case elfconst.BuildIDHash:
		switch hashSize {
		case 16:
			sum := md5.Sum(image)
			return sum[:]
		case 20:
			sum := sha1.Sum(image)
			return sum[:]
		default:
			sum := sha256.Sum256(image)
			return sum[:hashSize]
		}
	case elfconst.BuildIDUUID:
		return literal // caller supplies 16 random bytes; this core does not invent randomness itself (non-determinism is the caller's call, spec §8's UUID carve-out)
	default:
		return nil
	}
}

// --- Copyrel (.bss / .bss.rel.ro equivalent for COPYREL symbols). ---

// CopyrelSection allocates one slot per symbol that scanning marked
// NeedsCopyrel (spec §4.8's COPYREL/DYN_COPYREL outcomes): a BSS-style
// reservation in the executable that the dynamic loader's R_*_COPY
// relocation fills from the DSO's initialized copy at load time.
type CopyrelSection struct {
	obj.Chunk
	readonly bool
	entries  []*obj.Symbol
}

func NewCopyrelSection(readonly bool) *CopyrelSection {
	c := &CopyrelSection{readonly: readonly}
	name := ".copyrel"
	if readonly {
		name = ".copyrel.rel.ro"
	}
	c.Shdr.Name = name
	c.Shdr.Type = 8 // SHT_NOBITS
	c.Shdr.Flags = elfconst.SHF_ALLOC | elfconst.SHF_WRITE
	c.Shdr.AddrAlign = 32
	return c
}

// Symbols returns the copyrel-eligible symbols in layout order, for the
// dynamic-relocation builder that emits one R_*_COPY entry per slot.
func (c *CopyrelSection) Symbols() []*obj.Symbol { return c.entries }

func (c *CopyrelSection) Build(files []*obj.File) {
	seen := map[*obj.Symbol]bool{}
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, sym := range f.Globals {
			if sym == nil || seen[sym] || !sym.HasFlag(obj.NeedsCopyrel) {
				continue
			}
			sym.Lock()
			ro := sym.CopyrelReadonly
			sym.Unlock()
			if ro != c.readonly {
				continue
			}
			seen[sym] = true
			c.entries = append(c.entries, sym)
		}
	}
	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].Name < c.entries[j].Name })
}

func (c *CopyrelSection) UpdateShdr(ctx *obj.Context) {
	var off uint64
	for _, sym := range c.entries {
		size := copySizeOf(sym)
		if rem := off % 8; size >= 8 && rem != 0 {
			off += 8 - rem
		}
		ctx.AuxOf(sym).CopyrelOffset = int64(off)
		off += size
	}
	c.Shdr.Size = off
}

// copySizeOf returns the st_size of sym's defining ElfSym, or 8 when that
// size is unknown or zero.
func copySizeOf(sym *obj.Symbol) uint64 {
	sym.Lock()
	f, idx := sym.File, sym.SymIdx
	sym.Unlock()
	if f != nil {
		if es, ok := f.ElfSymAt(idx, len(f.Locals)); ok && es.Size > 0 {
			return es.Size
		}
	}
	return 8
}

// SlotAddr returns the runtime address of the symbol slot at byte offset
// off, as recorded in its SymbolAux.CopyrelOffset by UpdateShdr.
func (c *CopyrelSection) SlotAddr(off int64) uint64 { return c.Shdr.Addr + uint64(off) }

func (c *CopyrelSection) WriteTo(ctx *obj.Context, buf []byte) error { return nil } // SHT_NOBITS: no file content
