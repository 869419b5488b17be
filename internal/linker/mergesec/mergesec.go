// Package mergesec implements spec §4.4: splitting every live SHF_MERGE
// input section into interned SectionFragments, deduplicating identical
// bytes across the whole link and letting the relocation scanner retarget
// references into the section at the owning fragment instead.
package mergesec

import (
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

// Split walks every live section of every live file and, for the ones
// flagged SHF_MERGE, splits their content into fragments: a null-delimited
// stream of C strings when SHF_STRINGS is also set, otherwise fixed
// EntSize-byte records. Each piece is interned into the Context-wide
// MergedSection for that section's name, and the input section itself is
// marked IsMergeSplit so later stages skip it as an OutputSection member.
func Split(ctx *obj.Context, files []*obj.File, p *pool.Pool) {
	for _, f := range files {
		f := f
		p.Go(func() { splitFile(ctx, f) })
	}
	p.Wait()
}

func splitFile(ctx *obj.Context, f *obj.File) {
	for _, s := range f.Sections {
		if s == nil || !s.IsAlive.Load() {
			continue
		}
		if s.Flags&elfconst.SHF_MERGE == 0 || s.Type == elfconst.SHT_NOBITS {
			continue
		}
		splitSection(ctx, s)
	}
}

func splitSection(ctx *obj.Context, s *obj.InputSection) {
	ms := ctx.MergedSectionFor(s.Name, s.Flags, s.EntSize)
	align := uint32(1) << s.P2Align
	data := s.Data

	var offsets []int
	var frags []*obj.SectionFragment
	intern := func(start, end int) {
		offsets = append(offsets, start)
		frags = append(frags, ms.Intern(string(data[start:end]), align))
	}

	if s.Flags&elfconst.SHF_STRINGS != 0 {
		start := 0
		for i := 0; i <= len(data); i++ {
			if i < len(data) && data[i] != 0 {
				continue
			}
			end := i
			if end < len(data) {
				end++ // keep the terminating NUL as part of the fragment
			}
			if end > start {
				intern(start, end)
			}
			start = i + 1
		}
	} else {
		entsz := int(s.EntSize)
		if entsz <= 0 {
			entsz = len(data) // degenerate entsize: treat the whole section as one record
		}
		for off := 0; off+entsz <= len(data); off += entsz {
			intern(off, off+entsz)
		}
	}
	if len(frags) == 0 {
		return
	}

	s.MergeRefs = offsets
	s.MergeFrags = frags
	s.IsMergeSplit = true
	s.IsAlive.Store(false)
}

// Finalize sorts and offsets every Context-wide merged section once all
// files have been split (spec §4.4), iterating names in sorted order so
// that which section gets laid out first doesn't depend on Go's
// randomized map iteration (spec §5's determinism requirement).
func Finalize(ctx *obj.Context) {
	names := make([]string, 0, len(ctx.MergedSections))
	for name := range ctx.MergedSections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx.MergedSections[name].Finalize()
	}
}

// ResolveOffset maps a relocation's section-local offset into s back to the
// fragment that now owns it and the remaining in-fragment offset (spec
// §4.8's "merge target resolution" step, run by the relocation scanner
// before the normal symbol-based target lookup). s.MergeRefs is sorted
// ascending by construction, so a binary search finds the owning fragment.
func ResolveOffset(s *obj.InputSection, localOffset int64) (*obj.SectionFragment, int64) {
	lo, hi := 0, len(s.MergeRefs)-1
	idx := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if int64(s.MergeRefs[mid]) <= localOffset {
			idx = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if idx >= len(s.MergeFrags) {
		return nil, 0
	}
	within := localOffset - int64(s.MergeRefs[idx])
	return s.MergeFrags[idx], within
}
