package obj

// CieRecord / FdeRecord are DWARF call-frame records (spec §3/§4.1).
// Multiple identical CIEs are deduplicated at output synthesis time
// (§4.7); FDEs for dead input sections are dropped there too.
type CieRecord struct {
	File   *File
	Offset uint64 // this record's start offset within the original .eh_frame data
	Data   []byte
	Relas  []Rela // absolute .eh_frame-relative offsets; subtract Offset for CIE-local ones
}

type FdeRecord struct {
	File      *File
	Data      []byte // the record's raw bytes, CIE-pointer field included
	Relas     []Rela // this record's relocations, sliced from the owning .eh_frame section
	InputOff  uint64 // offset within the original .eh_frame InputSection
	OutputOff uint64 // assigned during §4.7 synthesis
	CieIdx    int    // index into File.Cies
	IsAlive   bool
}

// FuncSection returns the InputSection this FDE describes, found via its
// first relocation's target (spec §4.1: "associate each FDE back to the
// InputSection containing its target function via its first relocation").
func (fde *FdeRecord) FuncSection() *InputSection {
	if len(fde.Relas) == 0 {
		return nil
	}
	return fde.File.RelocTarget(fde.Relas[0].Sym)
}

// ParseEhFrame implements spec §4.1's ".eh_frame parsing": walk
// length-prefixed records (4-byte length, then id; id==0 is a CIE,
// non-zero is an FDE pointing at its CIE by a negative offset), slice each
// record's relocations, and return the file's CIE and FDE lists. The
// caller installs these onto the File and kills the original .eh_frame
// InputSection, per spec §4.1; FuncSection resolves an FDE back to the
// InputSection it describes on demand, at GC/synthesis time.
func ParseEhFrame(ehFrame *InputSection) ([]CieRecord, []FdeRecord) {
	data := ehFrame.Data
	relas := ehFrame.Relas
	var cies []CieRecord
	cieAt := make(map[int]int) // record start offset -> index into cies
	var fdes []FdeRecord

	relIdx := 0
	nextRelaFrom := func(off, end int) (int, int) {
		begin := relIdx
		for relIdx < len(relas) && int(relas[relIdx].Offset) < end {
			relIdx++
		}
		return begin, relIdx
	}

	off := 0
	for off+4 <= len(data) {
		recStart := off
		length := int(le32local(data[off : off+4]))
		off += 4
		if length == 0 {
			break // terminator
		}
		recEnd := off + length
		if recEnd > len(data) {
			break
		}
		if off+4 > len(data) {
			break
		}
		id := le32local(data[off : off+4])

		rBegin, rEnd := nextRelaFrom(recStart, recEnd)

		if id == 0 {
			cies = append(cies, CieRecord{
				File:   ehFrame.File,
				Offset: uint64(recStart),
				Data:   data[recStart:recEnd],
				Relas:  relas[rBegin:rEnd],
			})
			cieAt[recStart] = len(cies) - 1
			off = recEnd
			continue
		}

		// FDE: id is the distance back to its CIE (recStart+4-id).
		cieOff := recStart + 4 - int(id)
		cieIdx, ok := cieAt[cieOff]
		if !ok {
			// CIE must precede its FDEs in a well-formed .eh_frame; if it
			// doesn't, spec §4.1 says to drop the FDE ("FDEs with no valid
			// first relocation are dropped" - the analogous malformed case
			// is handled the same way here).
			off = recEnd
			continue
		}
		if rBegin == rEnd {
			// No relocation at all: can't find the target function.
			off = recEnd
			continue
		}
		fdes = append(fdes, FdeRecord{
			File:     ehFrame.File,
			Data:     data[recStart:recEnd],
			Relas:    relas[rBegin:rEnd],
			InputOff: uint64(recStart),
			CieIdx:   cieIdx,
			IsAlive:  true,
		})
		off = recEnd
	}
	return cies, fdes
}

func le32local(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
