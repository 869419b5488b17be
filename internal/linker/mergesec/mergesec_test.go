package mergesec

import (
	"testing"

	"github.com/xyproto/moldcore/internal/config"
	"github.com/xyproto/moldcore/internal/diag"
	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

func newTestContext() *obj.Context {
	return obj.NewContext(config.Default(), diag.New(false, false))
}

func stringSection(f *obj.File, shndx int, data string) *obj.InputSection {
	s := &obj.InputSection{
		File:  f,
		Shndx: shndx,
		Name:  ".rodata.str1.1",
		Flags: elfconst.SHF_MERGE | elfconst.SHF_STRINGS,
		Type:  elfconst.SHT_PROGBITS,
		Data:  []byte(data),
	}
	s.IsAlive.Store(true)
	return s
}

func TestSplitDedupesIdenticalStrings(t *testing.T) {
	ctx := newTestContext()
	f := obj.NewObjectFile("a.o", 1)
	f.IsAlive.Store(true)
	// Two distinct strings, the second repeated, all NUL-terminated.
	s := stringSection(f, 0, "hello\x00world\x00hello\x00")
	f.Sections = []*obj.InputSection{s}

	Split(ctx, []*obj.File{f}, ctx.Pool())
	Finalize(ctx)

	ms, ok := ctx.MergedSections[".rodata.str1.1"]
	if !ok {
		t.Fatalf("expected a merged section to be registered")
	}
	if !s.IsMergeSplit {
		t.Fatalf("expected the input section to be marked IsMergeSplit")
	}
	if s.IsAlive.Load() {
		t.Fatalf("expected the original section to be killed once split")
	}
	if len(s.MergeFrags) != 3 {
		t.Fatalf("expected 3 interned references, got %d", len(s.MergeFrags))
	}
	if s.MergeFrags[0] != s.MergeFrags[2] {
		t.Fatalf("expected the repeated \"hello\\x00\" to intern to the same fragment")
	}
	// Two distinct fragments ("hello\x00" and "world\x00") should have
	// survived into the finalized section.
	count := 0
	for _, frag := range ms.Fragments() {
		if frag.Alive.Load() {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 distinct live fragments after finalize, got %d", count)
	}
}

func TestResolveOffsetFindsOwningFragment(t *testing.T) {
	ctx := newTestContext()
	f := obj.NewObjectFile("a.o", 1)
	f.IsAlive.Store(true)
	s := stringSection(f, 0, "abc\x00defgh\x00")
	f.Sections = []*obj.InputSection{s}

	Split(ctx, []*obj.File{f}, ctx.Pool())
	Finalize(ctx)

	frag, within := ResolveOffset(s, 6) // byte 6 is inside "defgh\x00", offset 2 in
	if frag == nil {
		t.Fatalf("expected to resolve a fragment")
	}
	if within != 2 {
		t.Fatalf("expected in-fragment offset 2, got %d", within)
	}
}
