package input

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// ArchiveMember is one object contained in a System V archive.
type ArchiveMember struct {
	Name string
	Data []byte
}

const (
	arHeaderSize = 60
	arNameTerm   = "/\n"
)

// ExpandArchive walks a System V `.a`'s member headers and returns each
// contained object's bytes (spec §4.1: "Archives are expanded to the list
// of contained object mappings"). The archive's own symbol index table
// (member "/") is ignored; the linker resolves by full scan per spec §6.
func ExpandArchive(data []byte) ([]ArchiveMember, error) {
	if !strings.HasPrefix(string(data), "!<arch>\n") {
		return nil, fmt.Errorf("not a System V archive")
	}
	pos := 8
	var longNames string
	var members []ArchiveMember
	for pos+arHeaderSize <= len(data) {
		hdr := data[pos : pos+arHeaderSize]
		name := strings.TrimRight(string(hdr[0:16]), " ")
		sizeStr := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return nil, fmt.Errorf("archive: bad member size %q", sizeStr)
		}
		body := data[pos+arHeaderSize:]
		if size > len(body) {
			return nil, fmt.Errorf("archive: member %q size exceeds archive", name)
		}
		content := body[:size]

		switch {
		case name == "/":
			// Symbol index; intentionally unused (spec §6).
		case name == "//":
			longNames = string(content)
		case strings.HasPrefix(name, "/"):
			if off, err := strconv.Atoi(strings.TrimSuffix(name[1:], "")); err == nil && off < len(longNames) {
				name = longNames[off:]
				if idx := strings.Index(name, "\n"); idx >= 0 {
					name = name[:idx]
				}
				name = strings.TrimSuffix(name, "/")
			}
			members = append(members, ArchiveMember{Name: name, Data: content})
		default:
			members = append(members, ArchiveMember{Name: strings.TrimSuffix(name, "/"), Data: content})
		}

		advance := arHeaderSize + size
		if size%2 != 0 {
			advance++ // members are 2-byte aligned
		}
		pos += advance
	}
	return members, nil
}

// ThinArchiveMemberPaths returns the external paths a thin archive's
// headers reference, without reading their contents: thin archives store
// member data out-of-line (spec §4.1).
func ThinArchiveMemberPaths(data []byte, baseDir string) ([]string, error) {
	if !strings.HasPrefix(string(data), "!<thin>\n") {
		return nil, fmt.Errorf("not a thin archive")
	}
	pos := 8
	var paths []string
	var longNames string
	for pos+arHeaderSize <= len(data) {
		hdr := data[pos : pos+arHeaderSize]
		name := strings.TrimRight(string(hdr[0:16]), " ")
		sizeStr := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return nil, fmt.Errorf("thin archive: bad member size %q", sizeStr)
		}
		switch {
		case name == "//":
			body := data[pos+arHeaderSize:]
			if size <= len(body) {
				longNames = string(body[:size])
			}
		case name == "/":
			// symbol index, skip
		case strings.HasPrefix(name, "/"):
			if off, err := strconv.Atoi(strings.TrimSuffix(name[1:], "")); err == nil && off < len(longNames) {
				n := longNames[off:]
				if idx := strings.Index(n, "\n"); idx >= 0 {
					n = n[:idx]
				}
				paths = append(paths, joinThinPath(baseDir, strings.TrimSuffix(n, "/")))
			}
		default:
			paths = append(paths, joinThinPath(baseDir, strings.TrimSuffix(name, "/")))
		}
		pos += arHeaderSize // thin archives store no member bytes inline
	}
	return paths, nil
}

func joinThinPath(baseDir, name string) string {
	if strings.HasPrefix(name, "/") || baseDir == "" {
		return name
	}
	return baseDir + "/" + name
}

// le32 reads a little-endian uint32, used by the ELF section parser.
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
