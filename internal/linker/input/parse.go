package input

import (
	"fmt"
	"strings"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// elf64Shdr mirrors one on-disk Elf64_Shdr entry.
type elf64Shdr struct {
	name      uint32
	typ       uint32
	flags     uint64
	addr      uint64
	offset    uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

func readShdr(b []byte) elf64Shdr {
	return elf64Shdr{
		name:      le32(b[0:4]),
		typ:       le32(b[4:8]),
		flags:     le64(b[8:16]),
		addr:      le64(b[16:24]),
		offset:    le64(b[24:32]),
		size:      le64(b[32:40]),
		link:      le32(b[40:44]),
		info:      le32(b[44:48]),
		addralign: le64(b[48:56]),
		entsize:   le64(b[56:64]),
	}
}

type elf64Sym struct {
	name  uint32
	info  uint8
	other uint8
	shndx uint16
	value uint64
	size  uint64
}

func readSym(b []byte) elf64Sym {
	return elf64Sym{
		name:  le32(b[0:4]),
		info:  b[4],
		other: b[5],
		shndx: le16(b[6:8]),
		value: le64(b[8:16]),
		size:  le64(b[16:24]),
	}
}

func cstr(tab []byte, off uint32) string {
	if int(off) >= len(tab) {
		return ""
	}
	end := int(off)
	for end < len(tab) && tab[end] != 0 {
		end++
	}
	return string(tab[off:end])
}

const (
	elf64EhdrSize = 64
	elf64ShdrSize = 64
	elf64SymSize  = 24
)

// ParseObject implements ObjectFile::parse (spec §4.1): locate symtab and
// its strtab via sh_link, locate shstrtab, walk section headers creating
// InputSections, attach relocation sections to their targets via sh_info,
// split local/global symbols, and hand .eh_frame to the dedicated parser
// (done by the caller, which has access to the ehframe package).
func ParseObject(path string, data []byte, priority int64) (*obj.File, error) {
	if len(data) < elf64EhdrSize {
		return nil, fmt.Errorf("%s: truncated ELF header", path)
	}
	f := obj.NewObjectFile(path, priority)
	f.Class = data[4]
	f.Data = data[5]
	f.Machine = le16(data[18:20])
	f.Type = le16(data[16:18])
	if f.Class != elfconst.ELFCLASS64 || f.Data != elfconst.ELFDATA2LSB {
		return nil, fmt.Errorf("%s: only 64-bit little-endian ELF is supported", path)
	}

	shoff := le64(data[40:48])
	shentsize := le16(data[58:60])
	shnum := le16(data[60:62])
	shstrndx := le16(data[62:64])
	if shentsize != elf64ShdrSize {
		return nil, fmt.Errorf("%s: unexpected section header entry size %d", path, shentsize)
	}

	shdrs := make([]elf64Shdr, shnum)
	for i := 0; i < int(shnum); i++ {
		off := int(shoff) + i*elf64ShdrSize
		if off+elf64ShdrSize > len(data) {
			return nil, fmt.Errorf("%s: section header %d out of range", path, i)
		}
		shdrs[i] = readShdr(data[off : off+elf64ShdrSize])
	}
	if int(shstrndx) >= len(shdrs) {
		return nil, fmt.Errorf("%s: invalid shstrndx", path)
	}
	shstrtab := sectionBytes(data, shdrs[shstrndx])

	// Locate .symtab/.strtab (spec §4.1: "locate .symtab and its .strtab
	// (sh_link)").
	symtabIdx := -1
	for i, sh := range shdrs {
		if sh.typ == elfconst.SHT_SYMTAB {
			symtabIdx = i
			break
		}
	}
	var syms []elf64Sym
	var strtab []byte
	numLocal := 0
	if symtabIdx >= 0 {
		sh := shdrs[symtabIdx]
		strtab = sectionBytes(data, shdrs[sh.link])
		numLocal = int(sh.info)
		body := sectionBytes(data, sh)
		n := len(body) / elf64SymSize
		syms = make([]elf64Sym, n)
		for i := 0; i < n; i++ {
			syms[i] = readSym(body[i*elf64SymSize : (i+1)*elf64SymSize])
		}
	}

	// SHT_SYMTAB_SHNDX: extended section indices for symbols whose shndx
	// would otherwise overflow 16 bits (spec §4.1, §6).
	var shndxExt []uint32
	for _, sh := range shdrs {
		if sh.typ == elfconst.SHT_SYMTAB_SHNDX {
			body := sectionBytes(data, sh)
			shndxExt = make([]uint32, len(body)/4)
			for i := range shndxExt {
				shndxExt[i] = le32(body[i*4 : i*4+4])
			}
		}
	}
	resolveShndx := func(symIdx int) int {
		s := syms[symIdx]
		if s.shndx == elfconst.SHN_XINDEX && symIdx < len(shndxExt) {
			return int(shndxExt[symIdx])
		}
		return int(s.shndx)
	}

	// sh_info on SHT_REL/RELA points at the target section; build that map
	// up front so InputSection construction can attach relocations inline.
	relocFor := make(map[int]int) // target section index -> rel section index
	for i, sh := range shdrs {
		if sh.typ == elfconst.SHT_REL || sh.typ == elfconst.SHT_RELA {
			relocFor[int(sh.info)] = i
		}
	}

	f.Sections = make([]*obj.InputSection, len(shdrs))
	for i, sh := range shdrs {
		name := cstr(shstrtab, sh.name)
		switch sh.typ {
		case elfconst.SHT_NULL, elfconst.SHT_SYMTAB, elfconst.SHT_STRTAB,
			elfconst.SHT_REL, elfconst.SHT_RELA, elfconst.SHT_SYMTAB_SHNDX,
			elfconst.SHT_GROUP:
			// Handled structurally, not as a content InputSection, except
			// GROUP which the comdat package reads directly from shdrs
			// via File.ComdatMembers (populated below).
			continue
		}
		if strings.HasPrefix(name, ".note.GNU-stack") {
			if sh.flags&elfconst.SHF_EXECINSTR != 0 {
				f.NeedsExecStack = true
			}
			continue
		}
		is := &obj.InputSection{
			File:    f,
			Shndx:   i,
			Name:    name,
			Flags:   sh.flags,
			Type:    sh.typ,
			EntSize: sh.entsize,
			P2Align: log2Align(sh.addralign),
		}
		if sh.typ != elfconst.SHT_NOBITS {
			is.Data = sectionBytes(data, sh)
		} else {
			is.Data = make([]byte, sh.size)
		}
		if relIdx, ok := relocFor[i]; ok {
			is.Relas = parseRelocs(data, shdrs[relIdx])
		}
		f.Sections[i] = is
	}

	// SHT_GROUP (comdat descriptors, spec §4.2): word[0] is the flag word
	// (GRP_COMDAT == 1), remaining words are member section indices; the
	// group's signature is the name of the symbol at sh_info in .symtab.
	f.ComdatMembers = make(map[string][]int)
	for i, sh := range shdrs {
		if sh.typ != elfconst.SHT_GROUP {
			continue
		}
		body := sectionBytes(data, sh)
		if len(body) < 4 || le32(body[0:4])&1 == 0 {
			continue // not GRP_COMDAT
		}
		sig := cstr(strtab, syms[sh.info].name)
		var members []int
		for off := 4; off+4 <= len(body); off += 4 {
			members = append(members, int(le32(body[off:off+4])))
		}
		f.ComdatMembers[sig] = members
		_ = i
	}

	// Symbols: locals kept per-file, globals interned (spec §4.1).
	f.Locals = make([]obj.ElfSym, 0, numLocal)
	for i := 0; i < numLocal && i < len(syms); i++ { // index 0 is the null entry, kept so Locals[i] is ELF symbol i
		f.Locals = append(f.Locals, elfSymToLinker(syms[i], strtab, resolveShndx(i)))
	}
	for i := numLocal; i < len(syms); i++ {
		es := elfSymToLinker(syms[i], strtab, resolveShndx(i))
		f.GlobalElfSyms = append(f.GlobalElfSyms, es)
	}

	return f, nil
}

func elfSymToLinker(s elf64Sym, strtab []byte, shndx int) obj.ElfSym {
	name := cstr(strtab, s.name)
	bind := s.info >> 4
	typ := s.info & 0xf
	vis := s.other & 0x3
	base, ver, hidden := splitVersionedName(name)
	return obj.ElfSym{
		Name:   base,
		Value:  s.value,
		Size:   s.size,
		Bind:   bind,
		Type:   typ,
		Shndx:  shndx,
		Vis:    vis,
		IsWeak: bind == elfconst.STB_WEAK || bind == elfconst.STB_GNU_UNIQUE,
		VerName: ver,
		Hidden:  hidden,
	}
}

// splitVersionedName handles the "name@version" / "name@@version" syntax
// of spec §4.1: "@@" is the default version for that name, bare "@" is a
// hidden (non-default) version.
func splitVersionedName(name string) (base, version string, hidden bool) {
	if idx := strings.Index(name, "@@"); idx >= 0 {
		return name[:idx], name[idx+2:], false
	}
	if idx := strings.Index(name, "@"); idx >= 0 {
		return name[:idx], name[idx+1:], true
	}
	return name, "", false
}

func sectionBytes(data []byte, sh elf64Shdr) []byte {
	if sh.typ == elfconst.SHT_NOBITS {
		return nil
	}
	start := sh.offset
	end := start + sh.size
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	if start > end {
		return nil
	}
	return data[start:end]
}

func parseRelocs(data []byte, sh elf64Shdr) []obj.Rela {
	body := sectionBytes(data, sh)
	var out []obj.Rela
	if sh.typ == elfconst.SHT_RELA {
		const entsz = 24
		for off := 0; off+entsz <= len(body); off += entsz {
			r := body[off : off+entsz]
			info := le64(r[8:16])
			out = append(out, obj.Rela{
				Offset: le64(r[0:8]),
				Type:   uint32(info),
				Sym:    int(info >> 32),
				Addend: int64(le64(r[16:24])),
			})
		}
	} else { // SHT_REL: the addend lives in the instruction bytes; it is
		// left zero here and no later stage reads it from the section data.
		const entsz = 16
		for off := 0; off+entsz <= len(body); off += entsz {
			r := body[off : off+entsz]
			info := le64(r[8:16])
			out = append(out, obj.Rela{
				Offset: le64(r[0:8]),
				Type:   uint32(info),
				Sym:    int(info >> 32),
			})
		}
	}
	return out
}

func log2Align(align uint64) uint8 {
	if align <= 1 {
		return 0
	}
	var n uint8
	for (uint64(1) << n) < align {
		n++
	}
	return n
}
