// Package thunk implements spec §4.11's range-extension thunk insertion:
// architectures whose branch immediates cannot span an entire .text (here,
// AArch64 - x86-64 and RISC-V report MaxBranchRange()==0 and are skipped)
// get small landing-pad stubs spliced into an OutputSection during layout.
// Grounded on the teacher's arm64_instructions.go branch-encoding helpers,
// generalized from per-call-site patching to the sliding-window batching
// spec §4.11 describes.
package thunk

import (
	"github.com/xyproto/moldcore/internal/linker/reloc"
	"github.com/xyproto/moldcore/internal/obj"
)

// Thunk is one inserted landing pad, covering every symbol in Targets with
// a single direct branch it can reach that the caller sites could not.
type Thunk struct {
	Offset  uint64 // byte offset within the OutputSection, before insertion
	Targets []*obj.Symbol
	index   map[*obj.Symbol]int
}

// groupSize is the byte span, measured from member B's offset, whose
// members' branches are batched into one thunk (cursor C stops at the
// first member at least groupSize bytes past B).
const groupSize = 0x2000

// Insert runs the four-cursor sliding-window algorithm of spec §4.11 over
// one OutputSection's members and returns the thunks to splice in. It does
// not move any member; the caller places the thunks and shifts offsets.
func Insert(ctx *obj.Context, members []*obj.InputSection, t reloc.Target) []*Thunk {
	maxDist := t.MaxBranchRange()
	if maxDist == 0 {
		return nil
	}

	var thunks []*Thunk
	a, b, c, d := 0, 0, 0, 0
	n := len(members)

	offsetOf := func(i int) uint64 {
		if i >= n {
			if n == 0 {
				return 0
			}
			last := members[n-1]
			return last.OutOffset + uint64(last.EffectiveSize())
		}
		return members[i].OutOffset
	}

	for b < n {
		for d < n && offsetOf(d)-offsetOf(b) < uint64(maxDist) {
			d++
		}
		for c < d && offsetOf(c)-offsetOf(b) < groupSize {
			c++
		}

		seen := map[*obj.Symbol]bool{}
		var targets []*obj.Symbol
		for i := b; i < c; i++ {
			for _, rel := range members[i].Relas {
				if !t.IsBranch(rel.Type) {
					continue
				}
				sym := reloc.SymbolFor(ctx, members[i].File, rel.Sym)
				if sym == nil || seen[sym] {
					continue
				}
				if !needsThunk(members[i], rel, sym, maxDist) {
					continue
				}
				seen[sym] = true
				targets = append(targets, sym)
			}
		}
		if len(targets) > 0 {
			th := &Thunk{Offset: offsetOf(d), Targets: targets, index: map[*obj.Symbol]int{}}
			for i, s := range targets {
				th.index[s] = i
			}
			thunks = append(thunks, th)
		}

		// Advance A past any thunk B has now moved beyond, so a later,
		// nearer thunk is preferred over a stale far one (spec §4.11).
		for a < len(thunks) && offsetOf(b) > thunks[a].Offset {
			for _, s := range thunks[a].Targets {
				delete(seen, s)
			}
			a++
		}
		b++
	}
	return thunks
}

// needsThunk reports whether a branch from sec to sym is routed through a
// thunk. It compares files only: a branch to a symbol that is undefined or
// defined in another file always gets a thunk, and a branch within the
// same file never does. rel's displacement and maxDist are not consulted.
func needsThunk(sec *obj.InputSection, rel obj.Rela, sym *obj.Symbol, maxDist int64) bool {
	if sym.File == nil || sym.File != sec.File {
		return true
	}
	return false
}

// TargetIndex returns the index of sym within th.Targets, or -1.
func (th *Thunk) TargetIndex(sym *obj.Symbol) int {
	if i, ok := th.index[sym]; ok {
		return i
	}
	return -1
}

// Size returns this thunk's total byte size for the given backend.
func (th *Thunk) Size(t reloc.Target) int { return len(th.Targets) * t.ThunkSize() }

// WriteTo emits every target's landing-pad entry into buf at thunkAddr.
func (th *Thunk) WriteTo(buf []byte, thunkAddr uint64, t reloc.Target) {
	sz := t.ThunkSize()
	for i, sym := range th.Targets {
		entry := buf[i*sz : (i+1)*sz]
		t.WriteThunk(entry, thunkAddr+uint64(i*sz), sym.Value)
	}
}
