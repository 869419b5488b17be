// Package input implements spec §2 stage 1-2: enumerating and typing each
// command-line input, expanding archives, and parsing object/shared files
// into obj.File/InputSection/ElfSym values.
package input

import "bytes"

// Kind is the file-type classification of spec §4.1.
type Kind int

const (
	KindUnknown Kind = iota
	KindObject       // ET_REL
	KindShared       // ET_DYN
	KindArchive      // System V ar
	KindThinArchive
	KindBitcode
	KindScript // linker script / response file (out of scope per spec §1)
)

var (
	elfMagic   = []byte{0x7f, 'E', 'L', 'F'}
	arMagic    = []byte("!<arch>\n")
	thinMagic  = []byte("!<thin>\n")
	bcMagicA   = []byte{0xDE, 0xC0, 0x17, 0x0B}
	bcMagicB   = []byte("BC\xC0\xDE")
)

// Sniff classifies data by magic, per spec §4.1. For ELF it also needs
// e_type at offset 16 to distinguish OBJ from DSO.
func Sniff(data []byte) Kind {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		if len(data) < 18 {
			return KindUnknown
		}
		// e_type is a little-endian uint16 at offset 16 for both ELF32/64.
		etype := uint16(data[16]) | uint16(data[17])<<8
		switch etype {
		case 1: // ET_REL
			return KindObject
		case 3: // ET_DYN
			return KindShared
		default:
			return KindUnknown
		}
	case bytes.HasPrefix(data, arMagic):
		return KindArchive
	case bytes.HasPrefix(data, thinMagic):
		return KindThinArchive
	case bytes.HasPrefix(data, bcMagicA), bytes.HasPrefix(data, bcMagicB):
		return KindBitcode
	case len(data) >= 4 && isPrintable(data[:4]):
		return KindScript
	default:
		return KindUnknown
	}
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
