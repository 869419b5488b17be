package obj

import (
	"sync"

	"go.uber.org/atomic"
)

// SymbolFlag is the NEEDS_* bitset of spec §3. A symbol that first observes
// a bit transition from 0 to 1 (via SetFlag's return value) becomes
// responsible for pushing the corresponding allocation work onto the
// owning stage's worklist - this is how GOT/PLT allocation is deduped
// across racing goroutines (spec §5).
type SymbolFlag uint32

const (
	NeedsGOT SymbolFlag = 1 << iota
	NeedsPLT
	NeedsGOTTP
	NeedsTLSGD
	NeedsTLSLD
	NeedsTLSDESC
	NeedsCopyrel
	NeedsDynsym
)

// Rank implements the 7-row table of spec §4.3. Lower wins; ties are
// broken by file priority.
type Rank int

const (
	RankStrongDef Rank = iota + 1
	RankWeakDef
	RankStrongDefDSO
	RankWeakDefDSO
	RankCommon
	RankCommonLazy
	RankUnresolved
)

// Symbol is the single interned object per name across the whole link
// (spec §3). The hot fields that resolution touches under the per-symbol
// spinlock are kept together; everything else (GOT/PLT/etc. indices) lives
// in a side table (symbolAux) indexed by AuxIdx, so Symbol itself stays
// small even with millions of instances live at once.
type Symbol struct {
	Name string

	mu sync.Mutex // guards the fields below during resolution (spec §5)

	File    *File // nil means unresolved
	Value   uint64
	SymIdx  int
	Shndx   int
	Visibility uint8
	VerIdx  uint16

	IsWeak       bool
	IsImported   bool
	IsExported   bool
	HasCopyrel   bool
	CopyrelReadonly bool
	WriteToSymtab bool
	Traced       bool
	Wrap         bool
	IsLazy       bool

	Flags  atomic.Uint32 // SymbolFlag bitset, atomic fetch-or
	AuxIdx int32         // -1 when absent

	// currentRank tracks the best candidate seen so far during resolution,
	// used only while resolving (guarded by mu).
	currentRank Rank
}

// Lock/Unlock expose the per-symbol spinlock-equivalent to resolution code.
// A sync.Mutex stands in for the source's spinlock: Go's runtime-integrated
// mutex already parks instead of busy-spinning under contention, which is
// the outcome a hand-rolled spinlock would want anyway.
func (s *Symbol) Lock()   { s.mu.Lock() }
func (s *Symbol) Unlock() { s.mu.Unlock() }

// SetFlag atomically ORs bit into Flags and reports whether this call
// caused the 0->1 transition (i.e. whether the caller is responsible for
// enqueueing the corresponding allocation work).
func (s *Symbol) SetFlag(bit SymbolFlag) (transitioned bool) {
	for {
		old := s.Flags.Load()
		if old&uint32(bit) != 0 {
			return false
		}
		if s.Flags.CAS(old, old|uint32(bit)) {
			return true
		}
	}
}

// HasFlag reports whether bit is set.
func (s *Symbol) HasFlag(bit SymbolFlag) bool {
	return s.Flags.Load()&uint32(bit) != 0
}

// IsUndefined reports whether the symbol currently has no owning file.
func (s *Symbol) IsUndefined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.File == nil
}

// SymbolAux holds the per-kind GOT/PLT/TLS slot indices spec §3 describes,
// one entry per Symbol.AuxIdx.
type SymbolAux struct {
	GotIdx     int32
	GotTpIdx   int32
	TlsGdIdx   int32
	TlsDescIdx int32
	PltIdx     int32
	PltGotIdx  int32
	CopyrelOffset int64
	DynsymIdx  int32
}

// NewSymbolAux returns an aux record with every index defaulted to -1
// ("absent"), per spec §3.
func NewSymbolAux() SymbolAux {
	return SymbolAux{GotIdx: -1, GotTpIdx: -1, TlsGdIdx: -1, TlsDescIdx: -1, PltIdx: -1, PltGotIdx: -1, DynsymIdx: -1, CopyrelOffset: -1}
}

// SymbolTable is the process-wide concurrent (name -> *Symbol) interning
// map of spec §3/§5. Insertions are lock-free (sync.Map already provides
// that); per-symbol mutation still goes through Symbol.Lock.
type SymbolTable struct {
	m sync.Map // string -> *Symbol
}

// Intern returns the Symbol for name, creating it on first use.
func (t *SymbolTable) Intern(name string) *Symbol {
	if v, ok := t.m.Load(name); ok {
		return v.(*Symbol)
	}
	sym := &Symbol{Name: name, AuxIdx: -1}
	actual, _ := t.m.LoadOrStore(name, sym)
	return actual.(*Symbol)
}

// Lookup returns the Symbol for name if it has already been interned.
func (t *SymbolTable) Lookup(name string) (*Symbol, bool) {
	v, ok := t.m.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Symbol), true
}

// Range calls fn for every interned symbol. fn must not intern new symbols.
func (t *SymbolTable) Range(fn func(*Symbol) bool) {
	t.m.Range(func(_, v any) bool { return fn(v.(*Symbol)) })
}
