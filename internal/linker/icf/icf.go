// Package icf implements spec §4.6: --icf identical code folding. Eligible
// sections are grouped into equivalence classes by an iterative fingerprint
// refinement (a scaled-down, single-machine analogue of the parallel
// refinement rounds the source runs), then one leader per class survives
// and every other member is redirected to it.
package icf

import (
	"crypto/sha256"
	"encoding/binary"
	"go/token"
	"sort"

	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/obj"
)

const maxStableRounds = 10

// Eligible reports whether s can participate in folding at all (spec
// §4.6): allocated, executable, and not one of the sections GC already
// treats as an ABI-visible root (init/fini arrays, C-identifier names).
func Eligible(s *obj.InputSection) bool {
	want := elfconst.SHF_ALLOC | elfconst.SHF_EXECINSTR
	if s.Flags&want != want {
		return false
	}
	switch s.Type {
	case elfconst.SHT_INIT_ARRAY, elfconst.SHT_FINI_ARRAY:
		return false
	}
	return !token.IsIdentifier(s.Name)
}

// priorityKey orders sections the way get_priority() does in spec §4.6:
// lower file priority wins, ties broken by section index, giving a total
// order independent of goroutine scheduling.
func priorityKey(s *obj.InputSection) (int64, int) {
	return s.File.Priority, s.Shndx
}

// Fold runs the full algorithm over every live, eligible section across
// files: groups leaves by content, refines non-leaves to a fixpoint, then
// folds each final class onto its lowest-priority member.
func Fold(files []*obj.File) {
	var sections []*obj.InputSection
	for _, f := range files {
		if !f.IsAlive.Load() {
			continue
		}
		for _, s := range f.Sections {
			if s != nil && s.IsAlive.Load() && Eligible(s) {
				s.ICFEligible = true
				s.ICFLeaf = len(s.Relas) == 0
				sections = append(sections, s)
			}
		}
	}
	if len(sections) == 0 {
		return
	}

	class := make(map[*obj.InputSection]string, len(sections))
	for _, s := range sections {
		class[s] = contentFingerprint(s)
	}

	distinctCount := func() int {
		seen := make(map[string]bool, len(sections))
		for _, s := range sections {
			seen[class[s]] = true
		}
		return len(seen)
	}

	stableFor := 0
	lastCount := distinctCount()
	for round := 0; stableFor < maxStableRounds && round < 4096; round++ {
		next := make(map[*obj.InputSection]string, len(sections))
		for _, s := range sections {
			next[s] = refine(s, class)
		}
		class = next
		n := distinctCount()
		if n == lastCount {
			stableFor++
		} else {
			stableFor = 0
			lastCount = n
		}
	}

	byClass := make(map[string][]*obj.InputSection)
	for _, s := range sections {
		byClass[class[s]] = append(byClass[class[s]], s)
	}

	var keys []string
	for k := range byClass {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		members := byClass[k]
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			pi, si := priorityKey(members[i])
			pj, sj := priorityKey(members[j])
			if pi != pj {
				return pi < pj
			}
			return si < sj
		})
		leader := members[0]
		for _, m := range members[1:] {
			m.Leader = leader
			m.IsAlive.Store(false)
		}
	}
}

// contentFingerprint is the round-0 key, applied to leaves and non-leaves
// alike: flags, section bytes and relocation count, ignoring relocation
// targets. FDE bytes are not part of the key.
func contentFingerprint(s *obj.InputSection) string {
	h := sha256.New()
	var flagBuf [8]byte
	binary.LittleEndian.PutUint64(flagBuf[:], s.Flags)
	h.Write(flagBuf[:])
	h.Write(s.Data)
	var relBuf [8]byte
	binary.LittleEndian.PutUint32(relBuf[:4], uint32(len(s.Relas)))
	h.Write(relBuf[:4])
	return string(h.Sum(nil))
}

// refine computes spec §4.6's per-round fingerprint: the previous round's
// class key plus, for each relocation, (type, offset-within-section,
// addend, target's current class). Non-ICF-eligible targets contribute a
// stable per-target identity instead of a class, so sections that
// reference distinguishable external data never collapse together.
func refine(s *obj.InputSection, prev map[*obj.InputSection]string) string {
	h := sha256.New()
	h.Write([]byte(prev[s]))
	for _, r := range s.Relas {
		var buf [24]byte
		binary.LittleEndian.PutUint32(buf[0:4], r.Type)
		binary.LittleEndian.PutUint64(buf[4:12], r.Offset)
		binary.LittleEndian.PutUint64(buf[12:20], uint64(r.Addend))
		h.Write(buf[:])

		target := s.File.RelocTarget(r.Sym)
		if target != nil && target.ICFEligible {
			h.Write([]byte(prev[target]))
		} else {
			h.Write([]byte(externalIdentity(s.File, r.Sym)))
		}
	}
	return string(h.Sum(nil))
}

// externalIdentity gives a stable (across rounds) identity string for a
// relocation target that isn't itself an ICF candidate: the referencing
// file's path plus the target symbol's name and value, none of which
// change between refinement rounds.
func externalIdentity(f *obj.File, symIdx int) string {
	numLocal := len(f.Locals)
	es, ok := f.ElfSymAt(symIdx, numLocal)
	if !ok {
		return "?"
	}
	h := sha256.New()
	h.Write([]byte(f.Path))
	h.Write([]byte(es.Name))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], es.Value)
	h.Write(buf[:])
	return string(h.Sum(nil))
}
