package input

import (
	"fmt"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// ParseShared implements the DSO half of spec §4.1/§6: honors DT_SONAME,
// DT_NEEDED, .gnu.version_d (verdef), and .gnu.version (versym); symbols
// with VER_NDX_LOCAL are skipped; hidden-versioned symbols are stored under
// the mangled "name@version" key by the caller (symtab package), which is
// why ElfSym.VerName/Hidden are threaded through unchanged from ParseObject.
func ParseShared(path string, data []byte, priority int64) (*obj.File, error) {
	if len(data) < elf64EhdrSize {
		return nil, fmt.Errorf("%s: truncated ELF header", path)
	}
	f := obj.NewSharedFile(path, priority)
	f.Class = data[4]
	f.Data = data[5]
	f.Machine = le16(data[18:20])
	f.Type = le16(data[16:18])

	shoff := le64(data[40:48])
	shnum := le16(data[60:62])
	shstrndx := le16(data[62:64])
	shdrs := make([]elf64Shdr, shnum)
	for i := 0; i < int(shnum); i++ {
		off := int(shoff) + i*elf64ShdrSize
		shdrs[i] = readShdr(data[off : off+elf64ShdrSize])
	}
	shstrtab := sectionBytes(data, shdrs[shstrndx])

	var dynsymIdx, dynstrIdx, verdefIdx, versymIdx = -1, -1, -1, -1
	var dynamicIdx = -1
	for i, sh := range shdrs {
		switch cstr(shstrtab, sh.name) {
		case ".dynsym":
			dynsymIdx, dynstrIdx = i, int(sh.link)
		case ".gnu.version_d":
			verdefIdx = i
		case ".gnu.version":
			versymIdx = i
		}
		if sh.typ == elfconst.SHT_DYNAMIC {
			dynamicIdx = i
		}
	}

	if dynamicIdx >= 0 {
		parseDynamicTags(f, sectionBytes(data, shdrs[dynamicIdx]), dynstrOf(data, shdrs, dynstrIdx, shstrtab))
	}

	if dynsymIdx < 0 {
		return f, nil // no exported symbols: a stub/empty DSO
	}
	dynstr := sectionBytes(data, shdrs[dynstrIdx])
	symBody := sectionBytes(data, shdrs[dynsymIdx])
	n := len(symBody) / elf64SymSize

	var versym []uint16
	if versymIdx >= 0 {
		vb := sectionBytes(data, shdrs[versymIdx])
		versym = make([]uint16, len(vb)/2)
		for i := range versym {
			versym[i] = le16(vb[i*2 : i*2+2])
		}
	}
	if verdefIdx >= 0 {
		f.VerDefs = parseVerdef(sectionBytes(data, shdrs[verdefIdx]), dynstr)
	}

	const verNdxLocal = 0
	const verNdxGlobal = 1
	for i := 0; i < n; i++ {
		s := readSym(symBody[i*elf64SymSize : (i+1)*elf64SymSize])
		if s.shndx == 0 && s.name == 0 {
			continue
		}
		ver := uint16(verNdxGlobal)
		if i < len(versym) {
			ver = versym[i] &^ 0x8000 // high bit is the VERSYM_HIDDEN marker
		}
		if ver == verNdxLocal {
			continue // spec §6: "symbols with VER_NDX_LOCAL are skipped"
		}
		es := elfSymToLinker(s, dynstr, int(s.shndx))
		if ver != verNdxGlobal {
			if name, ok := f.VerDefs[ver]; ok {
				es.VerName = name
				es.Hidden = i < len(versym) && versym[i]&0x8000 != 0
			}
		}
		f.GlobalElfSyms = append(f.GlobalElfSyms, es)
	}
	return f, nil
}

func dynstrOf(data []byte, shdrs []elf64Shdr, dynstrIdx int, shstrtab []byte) []byte {
	if dynstrIdx >= 0 && dynstrIdx < len(shdrs) {
		return sectionBytes(data, shdrs[dynstrIdx])
	}
	for _, sh := range shdrs {
		if sh.typ == elfconst.SHT_STRTAB {
			return sectionBytes(data, sh)
		}
	}
	return nil
}

// parseDynamicTags reads DT_SONAME/DT_NEEDED out of .dynamic.
func parseDynamicTags(f *obj.File, dyn []byte, strtab []byte) {
	const entsz = 16
	for off := 0; off+entsz <= len(dyn); off += entsz {
		tag := int64(le64(dyn[off : off+8]))
		val := le64(dyn[off+8 : off+16])
		switch tag {
		case elfconst.DT_SONAME:
			f.Soname = cstr(strtab, uint32(val))
		case elfconst.DT_NEEDED:
			f.Needed = append(f.Needed, cstr(strtab, uint32(val)))
		case elfconst.DT_NULL:
			return
		}
	}
}

// parseVerdef walks .gnu.version_d's linked list of Verdef/Verdaux records
// and returns {ndx -> version name}.
func parseVerdef(verdef, dynstr []byte) map[uint16]string {
	out := make(map[uint16]string)
	off := 0
	for off+20 <= len(verdef) {
		vdNdx := le16(verdef[off+4 : off+6])
		vdAuxCount := le16(verdef[off+6 : off+8])
		vdAux := le32(verdef[off+12 : off+16])
		vdNext := le32(verdef[off+16 : off+20])
		if vdAuxCount > 0 {
			auxOff := off + int(vdAux)
			if auxOff+8 <= len(verdef) {
				nameOff := le32(verdef[auxOff : auxOff+4])
				out[vdNdx] = cstr(dynstr, nameOff)
			}
		}
		if vdNext == 0 {
			break
		}
		off += int(vdNext)
	}
	return out
}
