package synth

import (
	"github.com/xyproto/moldcore/internal/elfconst"
	"github.com/xyproto/moldcore/internal/linker/ehframe"
	"github.com/xyproto/moldcore/internal/obj"
)

// EhFrameSection wraps ehframe.Synthesize's deduplicated output as a plain
// output chunk (spec §4.7); the heavy lifting (CIE dedup, FDE liveness
// filtering) already happened in the ehframe package before layout.
type EhFrameSection struct {
	obj.Chunk
	Data []byte
}

func NewEhFrameSection(data []byte) *EhFrameSection {
	s := &EhFrameSection{Data: data}
	s.Shdr.Name = ".eh_frame"
	s.Shdr.Type = elfconst.SHT_PROGBITS
	s.Shdr.Flags = elfconst.SHF_ALLOC
	s.Shdr.AddrAlign = 8
	return s
}

func (s *EhFrameSection) UpdateShdr(ctx *obj.Context) { s.Shdr.Size = uint64(len(s.Data)) }

func (s *EhFrameSection) WriteTo(ctx *obj.Context, buf []byte) error {
	copy(buf[s.Shdr.Offset:], s.Data)
	return nil
}

// EhFrameHdrSection is the optional `.eh_frame_hdr` binary-search table
// (spec §4.7). Its size depends only on the entry count, known before
// layout; the actual (initial_pc, fde_addr) pairs need final addresses, so
// WriteTo builds the table content lazily once every chunk and every live
// function's output offset has settled.
type EhFrameHdrSection struct {
	obj.Chunk
	ehFrame *EhFrameSection
	entries []ehframe.FdeEntry
}

func NewEhFrameHdrSection(ehFrame *EhFrameSection, entries []ehframe.FdeEntry) *EhFrameHdrSection {
	h := &EhFrameHdrSection{ehFrame: ehFrame, entries: entries}
	h.Shdr.Name = ".eh_frame_hdr"
	h.Shdr.Type = elfconst.SHT_PROGBITS
	h.Shdr.Flags = elfconst.SHF_ALLOC
	h.Shdr.AddrAlign = 4
	return h
}

func (h *EhFrameHdrSection) UpdateShdr(ctx *obj.Context) {
	h.Shdr.Size = uint64(12 + 8*len(h.entries))
}

func (h *EhFrameHdrSection) WriteTo(ctx *obj.Context, buf []byte) error {
	resolved := make([]ehframe.FdeEntry, len(h.entries))
	for i, e := range h.entries {
		relOff := e.FdeVA // set by ehframe.Synthesize to the entry's offset within Data
		if fn := e.Fde.FuncSection(); fn != nil && fn.Output != nil {
			e.InitialPC = fn.Output.Shdr.Addr + fn.OutOffset
		}
		e.FdeVA = h.ehFrame.Shdr.Addr + relOff
		resolved[i] = e
	}
	data := ehframe.BuildHdr(resolved, h.ehFrame.Shdr.Addr, h.Shdr.Addr)
	copy(buf[h.Shdr.Offset:], data)
	return nil
}
