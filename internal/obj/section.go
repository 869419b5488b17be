package obj

import (
	"sync"

	"go.uber.org/atomic"
)

// InputSection is one input section of an object file (spec §3). Members
// of an OutputSection are non-owning pointers back into the owning File's
// Sections slice.
type InputSection struct {
	File   *File
	Shndx  int
	Name   string
	Data   []byte
	Flags  uint64
	Type   uint32
	EntSize uint64
	Relas  []Rela

	Output   *OutputSection
	OutOffset uint64
	P2Align  uint8

	IsAlive   atomic.Bool
	IsVisited atomic.Bool // GC mark bit

	// ICF fields (spec §3/4.6).
	Leader      *InputSection // nil until folded
	ICFIdx      int
	ICFEligible bool
	ICFLeaf     bool

	// Per-architecture relaxation state (spec §4.12): r_deltas[i] is the
	// cumulative byte delta (negative: bytes removed) applied before
	// relocation i; the last entry is the section's total size change.
	Deltas []int32

	// Range-extension thunk bookkeeping (spec §4.11). No stage fills this
	// in; a branch routed through a thunk is recorded in Rela.ThunkTarget.
	ThunkRelocs []int // indices into Relas that were routed to a thunk

	// FDE range: half-open [FdeBegin, FdeEnd) into File.Fdes (spec §4.1).
	FdeBegin, FdeEnd int

	// IsMergeSplit is set once this section has been split into fragments
	// (spec §3 invariant): the section itself then stays !IsAlive and its
	// content lives only as SectionFragments. MergeRefs[i] is the
	// section-local byte offset MergeFrags[i] was interned from, both in
	// ascending order, so a relocation's local offset can be mapped back to
	// its owning fragment with a binary search (spec §4.8).
	IsMergeSplit bool
	MergeRefs    []int
	MergeFrags   []*SectionFragment
}

// EffectiveSize returns the section's current size after any relaxation
// deltas have been applied (spec §4.12).
func (s *InputSection) EffectiveSize() int {
	if len(s.Deltas) == 0 {
		return len(s.Data)
	}
	return len(s.Data) + int(s.Deltas[len(s.Deltas)-1])
}

// SectionFragment is an atomic unit of a mergeable (SHF_MERGE) section
// (spec §3/§4.4).
type SectionFragment struct {
	Parent    *MergedSection
	Data      string // the fragment's bytes, used as the intern key
	Offset    uint64 // assigned post-intern, once MergedSection finalizes
	Alignment atomic.Uint32 // CAS-max over every insertion (spec §9)
	Alive     atomic.Bool
}

// MergedSection is the named output section a set of SectionFragments is
// interned into (e.g. ".rodata.str1.1", ".comment").
type MergedSection struct {
	Name     string
	Flags    uint64
	EntSize  uint64

	mu        sync.Mutex // guards fragments/order; Split runs one goroutine per file (spec §5)
	fragments map[string]*SectionFragment
	order     []*SectionFragment // insertion order, re-sorted by Finalize

	Size uint64
}

// NewMergedSection allocates an empty merged section whose fragment map is
// pre-sized with cardinalityHint (raised to at least 16). No cardinality
// estimate is computed: Context.MergedSectionFor passes a fixed hint.
func NewMergedSection(name string, flags uint64, entSize uint64, cardinalityHint int) *MergedSection {
	if cardinalityHint < 16 {
		cardinalityHint = 16
	}
	return &MergedSection{
		Name:      name,
		Flags:     flags,
		EntSize:   entSize,
		fragments: make(map[string]*SectionFragment, cardinalityHint),
	}
}

// Intern returns the fragment for data, creating it on first use, and
// raises its recorded alignment to at least align via a CAS loop (spec §9:
// "Alignment-carrying hash map").
func (m *MergedSection) Intern(data string, align uint32) *SectionFragment {
	m.mu.Lock()
	frag, ok := m.fragments[data]
	if !ok {
		frag = &SectionFragment{Parent: m, Data: data}
		m.fragments[data] = frag
		m.order = append(m.order, frag)
	}
	m.mu.Unlock()
	frag.Alive.Store(true)
	for {
		old := frag.Alignment.Load()
		if old >= align {
			break
		}
		if frag.Alignment.CAS(old, align) {
			break
		}
	}
	return frag
}

// Finalize sorts live fragments by (alignment desc, bytes asc) for
// determinism (spec §5 "Ordering guarantees"), assigns offsets, and fixes
// Size.
func (m *MergedSection) Finalize() {
	live := m.order[:0:0]
	for _, f := range m.order {
		if f.Alive.Load() {
			live = append(live, f)
		}
	}
	// Deterministic total order: (alignment desc, then bytes) rather than
	// hash, since Go map iteration order is randomized and spec §5 requires
	// byte-identical output across runs.
	sortFragments(live)
	var off uint64
	for _, f := range live {
		align := uint64(f.Alignment.Load())
		if align == 0 {
			align = 1
		}
		if rem := off % align; rem != 0 {
			off += align - rem
		}
		f.Offset = off
		off += uint64(len(f.Data))
	}
	m.Size = off
}

// Fragments returns every fragment ever interned into m, including ones
// that didn't survive to Finalize (Alive false). Used by the emit stage to
// walk a merged section's content and by tests to inspect interning.
func (m *MergedSection) Fragments() []*SectionFragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SectionFragment, len(m.order))
	copy(out, m.order)
	return out
}

func sortFragments(fs []*SectionFragment) {
	// insertion sort is fine: merged sections rarely exceed a few thousand
	// distinct fragments per translation unit, and this keeps the
	// comparator trivial to audit for determinism.
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && fragmentLess(fs[j], fs[j-1]); j-- {
			fs[j], fs[j-1] = fs[j-1], fs[j]
		}
	}
}

func fragmentLess(a, b *SectionFragment) bool {
	aa, ba := a.Alignment.Load(), b.Alignment.Load()
	if aa != ba {
		return aa > ba
	}
	return a.Data < b.Data
}
