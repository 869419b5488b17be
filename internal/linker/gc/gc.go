// Package gc implements spec §4.5: --gc-sections mark/sweep from a root
// set of sections the ABI or the command line says must survive, over the
// relocation graph built by input parsing.
package gc

import (
	"go/token"
	"strings"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// isCIdentifier reports whether name could be a valid C identifier, the
// condition spec §4.5 uses to recognize sections whose __start_/__stop_
// symbols the ABI synthesizes automatically (and which must therefore
// survive even with no other live reference). Ordinary sections like
// ".text" or ".rodata.str1.1" start with '.' and so never match; a custom
// section named e.g. "my_section" does.
func isCIdentifier(name string) bool {
	return token.IsIdentifier(name)
}

func isRoot(s *obj.InputSection) bool {
	if s.Flags&elfconst.SHF_ALLOC == 0 {
		return true
	}
	if s.Flags&elfconst.SHF_GNU_RETAIN != 0 {
		return true
	}
	if strings.HasPrefix(s.Name, ".note.") {
		return true
	}
	switch s.Type {
	case elfconst.SHT_INIT_ARRAY, elfconst.SHT_FINI_ARRAY:
		return true
	}
	if isCIdentifier(s.Name) {
		return true
	}
	return false
}

// Mark runs the BFS of spec §4.5: seed the worklist with the root set plus
// every section an exported symbol, --undefined name, or --require-defined
// name points into, then follow relocations until no new section is
// discovered. Sections never visited are killed by clearing IsAlive;
// fragments referenced only from non-SHF_ALLOC sections (debug info) are
// always kept, per spec §4.5's "non-allocated fragment references are
// always considered reachable".
func Mark(files []*obj.File, extraRoots []*obj.Symbol) {
	var worklist []*obj.InputSection
	seen := make(map[*obj.InputSection]bool)

	push := func(s *obj.InputSection) {
		if s == nil || seen[s] {
			return
		}
		seen[s] = true
		s.IsVisited.Store(true)
		worklist = append(worklist, s)
	}

	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, s := range f.Sections {
			if s != nil && s.IsAlive.Load() && isRoot(s) {
				push(s)
			}
		}
		// All CIEs are roots: they carry personality routine and LSDA
		// references that the BFS below would otherwise never discover
		// (spec §4.5: "CIEs drag personality and LSDA data").
		for _, cie := range f.Cies {
			for _, rel := range cie.Relas {
				push(f.RelocTarget(rel.Sym))
			}
		}
	}
	for _, sym := range extraRoots {
		if sym == nil {
			continue
		}
		sym.Lock()
		f, shndx := sym.File, sym.Shndx
		sym.Unlock()
		if f == nil || shndx < 0 || shndx >= len(f.Sections) {
			continue
		}
		push(f.Sections[shndx])
	}

	for len(worklist) > 0 {
		s := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, rel := range s.Relas {
			push(s.File.RelocTarget(rel.Sym))
		}
	}

	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, s := range f.Sections {
			if s != nil && s.IsAlive.Load() && s.Flags&elfconst.SHF_ALLOC != 0 && !s.IsVisited.Load() {
				s.IsAlive.Store(false)
			}
		}
	}
}

