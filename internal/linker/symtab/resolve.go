// Package symtab implements spec §4.3: rank-based global symbol
// resolution, the reachability fixpoint that pulls in archive members, and
// unresolved-symbol handling. The two-pass collect-then-verify shape is
// grounded on the pack's from-scratch linker example
// (other_examples/...lang-yld-linker.go); the rank table and reachability
// fixpoint are this package's generalization of it to spec §4.3's 7 ranks
// and to archive-backed lazy files.
package symtab

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// candidateRank implements the 7-row table of spec §4.3.
func candidateRank(es obj.ElfSym, file *obj.File) obj.Rank {
	switch {
	case es.Shndx == elfconst.SHN_UNDEF:
		return obj.RankUnresolved
	case es.Shndx == elfconst.SHN_COMMON:
		if file.IsDSO() || file.IsLazy {
			return obj.RankCommonLazy
		}
		return obj.RankCommon
	case es.IsWeak:
		if file.IsDSO() || file.IsLazy {
			return obj.RankWeakDefDSO
		}
		return obj.RankWeakDef
	default:
		if file.IsDSO() || file.IsLazy {
			return obj.RankStrongDefDSO
		}
		return obj.RankStrongDef
	}
}

// keyFor returns the interning-map key for an ElfSym, applying the
// "name@version"/"name@@version" mangling of spec §4.1: a hidden
// (non-default) version is stored under the mangled key so that the
// default ("@@") version can still be found under the bare name.
func keyFor(es obj.ElfSym) string {
	if es.VerName != "" && es.Hidden {
		return es.Name + "@" + es.VerName
	}
	return es.Name
}

// Resolve runs spec §4.3's two resolution passes plus the reachability
// fixpoint between them. p is a stage-scoped work-stealing pool (spec §5).
func Resolve(ctx *obj.Context, files []*obj.File, p *pool.Pool) {
	pass(ctx, files, p)
	fixpoint(ctx, files)
	// Re-run so that archive members pulled in by the fixpoint can override
	// DSO-provided placeholders recorded during the first pass.
	pass(ctx, files, ctx.Pool())
}

// pass performs one full resolution sweep: for every candidate
// (file, elf_sym), compute its rank and, under the symbol's lock, replace
// the current owner if the candidate strictly outranks it, breaking ties
// by file priority.
func pass(ctx *obj.Context, files []*obj.File, p *pool.Pool) {
	for _, f := range files {
		f := f
		if !f.IsAlive.Load() && !f.IsLazy {
			continue
		}
		p.Go(func() { resolveFile(ctx, f) })
	}
	p.Wait()
}

func resolveFile(ctx *obj.Context, f *obj.File) {
	numLocal := len(f.Locals)
	f.Globals = make([]*obj.Symbol, len(f.GlobalElfSyms))
	for i, es := range f.GlobalElfSyms {
		sym := ctx.Syms.Intern(keyFor(es))
		f.Globals[i] = sym
		rank := candidateRank(es, f)

		sym.Lock()
		fresh := sym.currentRank == 0
		better := fresh || rank < sym.currentRank ||
			(rank == sym.currentRank && f.Priority < symFilePriority(sym))
		if better && rank != obj.RankUnresolved {
			sym.currentRank = rank
			sym.File = f
			sym.Value = es.Value
			sym.SymIdx = numLocal + i
			sym.Shndx = es.Shndx
			sym.Visibility = mergeVisibility(sym.Visibility, es.Vis)
			sym.IsWeak = rank == obj.RankWeakDef || rank == obj.RankWeakDefDSO
			sym.VerIdx = 0
		} else if fresh {
			sym.currentRank = obj.RankUnresolved
		}
		sym.Unlock()
	}
}

func symFilePriority(s *obj.Symbol) int64 {
	if s.File == nil {
		return 1 << 62
	}
	return s.File.Priority
}

// mergeVisibility implements spec §4.3's min-precedence merge:
// DEFAULT > PROTECTED > HIDDEN (== INTERNAL).
func mergeVisibility(cur, next uint8) uint8 {
	rank := func(v uint8) int {
		switch v {
		case elfconst.STV_DEFAULT:
			return 0
		case elfconst.STV_PROTECTED:
			return 1
		default: // HIDDEN or INTERNAL
			return 2
		}
	}
	if rank(next) > rank(cur) {
		return next
	}
	return cur
}

// fixpoint implements spec §4.3's reachability marking: for each live
// file, each non-weak undefined reference forces the defining file's
// is_alive transition; newly live files feed the worker until fixpoint.
func fixpoint(ctx *obj.Context, files []*obj.File) {
	changed := true
	for changed {
		changed = false
		for _, f := range files {
			if !f.IsAlive.Load() {
				continue
			}
			for _, es := range f.GlobalElfSyms {
				if es.Shndx != elfconst.SHN_UNDEF || es.IsWeak {
					continue
				}
				key := keyFor(es)
				sym, ok := ctx.Syms.Lookup(key)
				if !ok {
					continue
				}
				sym.Lock()
				def := sym.File
				sym.Unlock()
				if def != nil && !def.IsAlive.Load() {
					if def.IsAlive.CAS(false, true) {
						def.IsLazy = false
						markSectionsAlive(def)
						changed = true
					}
				}
			}
		}
	}
}

func markSectionsAlive(f *obj.File) {
	for _, s := range f.Sections {
		if s != nil {
			s.IsAlive.Store(true)
		}
	}
}

// ReportUndefined implements spec §4.3/§7's aggregated undefined-symbol
// diagnostic: for every still-undefined non-weak reference, print at most
// maxSites "referenced by" lines per symbol and summarize the rest.
func ReportUndefined(ctx *obj.Context, files []*obj.File, maxSites int) error {
	type site struct {
		name string
		refs []string
	}
	bySym := map[string]*site{}
	var order []string
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, es := range f.GlobalElfSyms {
			if es.Shndx != elfconst.SHN_UNDEF || es.IsWeak {
				continue
			}
			key := keyFor(es)
			sym, ok := ctx.Syms.Lookup(key)
			if !ok || sym.File != nil {
				continue
			}
			s, ok := bySym[key]
			if !ok {
				s = &site{name: es.Name}
				bySym[key] = s
				order = append(order, key)
			}
			s.refs = append(s.refs, f.Path)
		}
	}
	sort.Strings(order)
	if len(order) == 0 {
		return nil
	}
	var b strings.Builder
	for _, key := range order {
		s := bySym[key]
		fmt.Fprintf(&b, "undefined symbol: %s\n", s.name)
		n := len(s.refs)
		if n > maxSites {
			n = maxSites
		}
		for _, ref := range s.refs[:n] {
			fmt.Fprintf(&b, "  referenced by %s\n", ref)
		}
		if rest := len(s.refs) - n; rest > 0 {
			fmt.Fprintf(&b, "  ... and %d more\n", rest)
		}
	}
	return fmt.Errorf("%s", b.String())
}
