package gc

import (
	"testing"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

func allocSection(f *obj.File, shndx int, name string) *obj.InputSection {
	s := &obj.InputSection{File: f, Shndx: shndx, Name: name, Flags: elfconst.SHF_ALLOC}
	s.IsAlive.Store(true)
	return s
}

func TestMarkKillsUnreachableSection(t *testing.T) {
	f := obj.NewObjectFile("a.o", 1)
	f.IsAlive.Store(true)
	text := allocSection(f, 0, ".text")
	dead := allocSection(f, 1, ".text.unused")
	f.Sections = []*obj.InputSection{text, dead}
	f.Locals = []obj.ElfSym{{Name: "entry", Shndx: 0}}

	entrySym := &obj.Symbol{Name: "entry", File: f, Shndx: 0}

	Mark([]*obj.File{f}, []*obj.Symbol{entrySym})

	if !text.IsAlive.Load() {
		t.Fatalf("expected .text (reachable from entry) to stay alive")
	}
	if dead.IsAlive.Load() {
		t.Fatalf("expected .text.unused (unreachable) to be killed")
	}
}

func TestMarkFollowsRelocationChain(t *testing.T) {
	f := obj.NewObjectFile("a.o", 1)
	f.IsAlive.Store(true)
	entry := allocSection(f, 0, ".text.entry")
	helper := allocSection(f, 1, ".text.helper")
	unused := allocSection(f, 2, ".text.unused")
	f.Sections = []*obj.InputSection{entry, helper, unused}
	// entry references helper via a local symbol at index 0 of Locals.
	f.Locals = []obj.ElfSym{{Name: "helper", Shndx: 1}}
	entry.Relas = []obj.Rela{{Sym: 0}}

	entrySym := &obj.Symbol{Name: "entry", File: f, Shndx: 0}
	Mark([]*obj.File{f}, []*obj.Symbol{entrySym})

	if !helper.IsAlive.Load() {
		t.Fatalf("expected helper (reachable via relocation) to stay alive")
	}
	if unused.IsAlive.Load() {
		t.Fatalf("expected unreferenced section to be killed")
	}
}

func TestNonAllocSectionsAreRootsRegardless(t *testing.T) {
	f := obj.NewObjectFile("a.o", 1)
	f.IsAlive.Store(true)
	debugInfo := &obj.InputSection{File: f, Shndx: 0, Name: ".debug_info"}
	debugInfo.IsAlive.Store(true)
	f.Sections = []*obj.InputSection{debugInfo}

	Mark([]*obj.File{f}, nil)

	if !debugInfo.IsAlive.Load() {
		t.Fatalf("expected non-SHF_ALLOC section to survive unconditionally")
	}
}

func TestCIdentifierSectionIsRoot(t *testing.T) {
	f := obj.NewObjectFile("a.o", 1)
	f.IsAlive.Store(true)
	custom := allocSection(f, 0, "my_section")
	f.Sections = []*obj.InputSection{custom}

	Mark([]*obj.File{f}, nil)

	if !custom.IsAlive.Load() {
		t.Fatalf("expected a C-identifier-named section to be a GC root")
	}
}
