package ehframe

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/moldcore/internal/obj"
)

// buildEhFrame constructs a minimal synthetic .eh_frame byte blob with one
// CIE and one FDE record referencing it, in the length-prefixed record
// format ParseEhFrame expects.
func buildEhFrame(t *testing.T) (*obj.File, *obj.InputSection) {
	t.Helper()
	f := obj.NewObjectFile("a.o", 1)
	f.IsAlive.Store(true)

	fn := &obj.InputSection{File: f, Shndx: 1, Name: ".text.fn"}
	fn.IsAlive.Store(true)
	f.Locals = []obj.ElfSym{{Name: "fn", Shndx: 1}}

	// CIE: length(4) + id(4)=0 + 8 bytes of body => 16-byte record.
	cieLen := uint32(12)
	cie := make([]byte, 4+cieLen)
	binary.LittleEndian.PutUint32(cie[0:4], cieLen)
	// id already 0, rest zeroed body.
	cieRecStart := 0

	// FDE: length(4) + cie_pointer(4) + 8 bytes body => 16-byte record.
	fdeLen := uint32(12)
	fdeRecStart := len(cie)
	fde := make([]byte, 4+fdeLen)
	binary.LittleEndian.PutUint32(fde[0:4], fdeLen)
	cieDistance := uint32(fdeRecStart + 4 - cieRecStart)
	binary.LittleEndian.PutUint32(fde[4:8], cieDistance)

	data := append(append([]byte{}, cie...), fde...)
	data = append(data, 0, 0, 0, 0) // terminator

	eh := &obj.InputSection{File: f, Shndx: 0, Name: ".eh_frame", Data: data}
	eh.Relas = []obj.Rela{
		{Offset: uint64(fdeRecStart + 8), Sym: 0}, // first relocation of the FDE record, points at fn
	}
	eh.IsAlive.Store(true)

	cies, fdes := obj.ParseEhFrame(eh)
	f.Cies = cies
	f.Fdes = fdes
	f.Sections = []*obj.InputSection{eh, fn}
	return f, fn
}

func TestSynthesizeIncludesLiveFDE(t *testing.T) {
	f, _ := buildEhFrame(t)
	if len(f.Cies) != 1 || len(f.Fdes) != 1 {
		t.Fatalf("expected 1 CIE and 1 FDE parsed, got %d/%d", len(f.Cies), len(f.Fdes))
	}

	res := Synthesize([]*obj.File{f})
	if len(res.Entries) != 1 {
		t.Fatalf("expected 1 surviving FDE entry, got %d", len(res.Entries))
	}
	// Output must end with the 4-byte zero terminator.
	if len(res.Data) < 4 {
		t.Fatalf("output too short")
	}
	tail := res.Data[len(res.Data)-4:]
	for _, b := range tail {
		if b != 0 {
			t.Fatalf("expected a zero-length terminator record, got %v", tail)
		}
	}
}

func TestSynthesizeDropsFDEForDeadFunction(t *testing.T) {
	f, fn := buildEhFrame(t)
	fn.IsAlive.Store(false) // GC killed the function this FDE describes

	res := Synthesize([]*obj.File{f})
	if len(res.Entries) != 0 {
		t.Fatalf("expected the FDE for a dead function to be dropped, got %d entries", len(res.Entries))
	}
}

func TestBuildHdrSortsByInitialPC(t *testing.T) {
	entries := []FdeEntry{
		{InitialPC: 0x2000, FdeVA: 0x100},
		{InitialPC: 0x1000, FdeVA: 0x200},
	}
	hdr := BuildHdr(entries, 0x10000, 0x20000)
	if len(hdr) != 12+8*2 {
		t.Fatalf("unexpected header length %d", len(hdr))
	}
	if hdr[0] != 1 {
		t.Fatalf("expected version byte 1, got %d", hdr[0])
	}
	firstPC := int32(binary.LittleEndian.Uint32(hdr[12:16])) + int32(0x20000)
	if firstPC != 0x1000 {
		t.Fatalf("expected the lower initial_pc first after sorting, got %#x", firstPC)
	}
}
