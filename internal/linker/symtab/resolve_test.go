package symtab

import (
	"testing"

	"github.com/xyproto/moldcore/internal/config"
	"github.com/xyproto/moldcore/internal/diag"
	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

func newTestContext(t *testing.T) *obj.Context {
	t.Helper()
	log := diag.New(false, false)
	return obj.NewContext(config.Default(), log)
}

func objFile(path string, priority int64, syms ...obj.ElfSym) *obj.File {
	f := obj.NewObjectFile(path, priority)
	f.IsAlive.Store(true)
	f.GlobalElfSyms = syms
	f.Sections = make([]*obj.InputSection, 1)
	f.Sections[0] = &obj.InputSection{File: f, Shndx: 0}
	return f
}

func TestResolveStrongBeatsWeak(t *testing.T) {
	ctx := newTestContext(t)
	strong := objFile("strong.o", 1, obj.ElfSym{Name: "foo", Shndx: 1})
	weak := objFile("weak.o", 2, obj.ElfSym{Name: "foo", Shndx: 1, IsWeak: true})
	files := []*obj.File{weak, strong}

	Resolve(ctx, files, ctx.Pool())

	sym, ok := ctx.Syms.Lookup("foo")
	if !ok {
		t.Fatalf("expected symbol foo to be interned")
	}
	if sym.File != strong {
		t.Fatalf("expected strong.o to win, got %v", sym.File.Path)
	}
}

func TestResolveTieBrokenByPriority(t *testing.T) {
	ctx := newTestContext(t)
	first := objFile("a.o", 1, obj.ElfSym{Name: "bar", Shndx: 1})
	second := objFile("b.o", 2, obj.ElfSym{Name: "bar", Shndx: 1})
	files := []*obj.File{second, first}

	Resolve(ctx, files, ctx.Pool())

	sym, _ := ctx.Syms.Lookup("bar")
	if sym.File != first {
		t.Fatalf("expected lower-priority file a.o to win the tie, got %v", sym.File.Path)
	}
}

func TestResolveUndefinedStaysUnresolved(t *testing.T) {
	ctx := newTestContext(t)
	f := objFile("a.o", 1, obj.ElfSym{Name: "baz", Shndx: elfconst.SHN_UNDEF})
	files := []*obj.File{f}

	Resolve(ctx, files, ctx.Pool())

	sym, _ := ctx.Syms.Lookup("baz")
	if sym.File != nil {
		t.Fatalf("expected baz to remain unresolved, got owner %v", sym.File.Path)
	}
	if err := ReportUndefined(ctx, files, 5); err == nil {
		t.Fatalf("expected ReportUndefined to report baz")
	}
}

func TestFixpointPullsInLazyDefiner(t *testing.T) {
	ctx := newTestContext(t)
	user := objFile("main.o", 1, obj.ElfSym{Name: "helper", Shndx: elfconst.SHN_UNDEF})
	lib := objFile("lib.a(helper.o)", 2, obj.ElfSym{Name: "helper", Shndx: 1})
	lib.IsLazy = true
	lib.IsAlive.Store(false)
	files := []*obj.File{user, lib}

	Resolve(ctx, files, ctx.Pool())

	if !lib.IsAlive.Load() {
		t.Fatalf("expected lib.a(helper.o) to be pulled in by the fixpoint")
	}
	sym, _ := ctx.Syms.Lookup("helper")
	if sym.File != lib {
		t.Fatalf("expected helper to resolve to lib.a(helper.o), got %v", sym.File)
	}
}

func TestVisibilityMergeKeepsMostRestrictive(t *testing.T) {
	if got := mergeVisibility(elfconst.STV_DEFAULT, elfconst.STV_HIDDEN); got != elfconst.STV_HIDDEN {
		t.Fatalf("expected HIDDEN to win over DEFAULT, got %d", got)
	}
	if got := mergeVisibility(elfconst.STV_PROTECTED, elfconst.STV_DEFAULT); got != elfconst.STV_PROTECTED {
		t.Fatalf("expected PROTECTED to stay over a later DEFAULT, got %d", got)
	}
}

func TestKeyForVersionedSymbols(t *testing.T) {
	hidden := obj.ElfSym{Name: "foo", VerName: "GLIBC_2.2.5", Hidden: true}
	if got := keyFor(hidden); got != "foo@GLIBC_2.2.5" {
		t.Fatalf("expected mangled key for hidden version, got %q", got)
	}
	def := obj.ElfSym{Name: "foo", VerName: "GLIBC_2.34", Hidden: false}
	if got := keyFor(def); got != "foo" {
		t.Fatalf("expected bare name for default version, got %q", got)
	}
}
