package icf

import (
	"testing"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

func execSection(f *obj.File, shndx int, name string, data []byte) *obj.InputSection {
	s := &obj.InputSection{
		File:  f,
		Shndx: shndx,
		Name:  name,
		Flags: elfconst.SHF_ALLOC | elfconst.SHF_EXECINSTR,
		Data:  data,
	}
	s.IsAlive.Store(true)
	return s
}

func TestFoldLeafDuplicates(t *testing.T) {
	f1 := obj.NewObjectFile("a.o", 1)
	f1.IsAlive.Store(true)
	f2 := obj.NewObjectFile("b.o", 2)
	f2.IsAlive.Store(true)

	code := []byte{0x48, 0x89, 0xe5, 0xc3} // identical bodies, no relocations
	s1 := execSection(f1, 0, ".text.f", append([]byte(nil), code...))
	s2 := execSection(f2, 0, ".text.g", append([]byte(nil), code...))
	f1.Sections = []*obj.InputSection{s1}
	f2.Sections = []*obj.InputSection{s2}

	Fold([]*obj.File{f1, f2})

	if !s1.IsAlive.Load() {
		t.Fatalf("expected the lower-priority section to survive as leader")
	}
	if s2.IsAlive.Load() {
		t.Fatalf("expected the duplicate section to be folded away")
	}
	if s2.Leader != s1 {
		t.Fatalf("expected s2's leader to be s1, got %v", s2.Leader)
	}
}

func TestFoldDoesNotMergeDistinctContent(t *testing.T) {
	f := obj.NewObjectFile("a.o", 1)
	f.IsAlive.Store(true)
	s1 := execSection(f, 0, ".text.f", []byte{0x90, 0x90, 0xc3})
	s2 := execSection(f, 1, ".text.g", []byte{0xc3})
	f.Sections = []*obj.InputSection{s1, s2}

	Fold([]*obj.File{f})

	if !s1.IsAlive.Load() || !s2.IsAlive.Load() {
		t.Fatalf("expected distinct-content sections to both survive")
	}
}

func TestEligibleExcludesNonExecSections(t *testing.T) {
	f := obj.NewObjectFile("a.o", 1)
	data := &obj.InputSection{File: f, Shndx: 0, Name: ".data", Flags: elfconst.SHF_ALLOC}
	if Eligible(data) {
		t.Fatalf("expected a non-executable section to be ineligible for ICF")
	}
}
