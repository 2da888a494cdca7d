// Package library implements the static-library manager: a Unix
// ar-layout archive with a mandatory sorted symbol index record, used
// by the linker to satisfy imports and by the -lib verb for
// add/delete/extract/list maintenance.
package library

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xyproto/forwardcom/internal/objfile"
)

// Signature is the 8-byte archive magic.
const Signature = "!<arch>\n"

const (
	symdefName    = "/SYMDEF SORTED/"
	longnamesName = "//"
	headerSize    = 60
	memberAlign   = 8
)

// Member is one archive member: an object module kept as raw bytes so
// extraction is byte-exact.
type Member struct {
	Name string
	Data []byte
}

// SymEntry is one sorted-symbol-index entry: an exported symbol name
// and the member that defines it.
type SymEntry struct {
	Name   string
	Member int // index into Library.Members
}

// Library is the in-memory archive. Mutations edit Members; Write
// regenerates the symbol index and long-name table from scratch, per
// every mutation.
type Library struct {
	Members []Member

	index []SymEntry // sorted by Name; valid until Members changes
}

// Load parses an archive. The symbol index record is skipped without
// checking its contents; it is regenerated at Write time.
func Load(r io.Reader) (*Library, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < len(Signature) || string(data[:len(Signature)]) != Signature {
		return nil, fmt.Errorf("library: bad signature")
	}

	lib := &Library{}
	var longnames []byte
	pos := len(Signature)
	for pos+headerSize <= len(data) {
		hdr := data[pos : pos+headerSize]
		if hdr[58] != 0x60 || hdr[59] != 0x0A {
			return nil, fmt.Errorf("library: corrupt member header at offset %d", pos)
		}
		name := strings.TrimRight(string(hdr[0:16]), " ")
		size, err := strconv.Atoi(strings.TrimRight(string(hdr[48:58]), " "))
		if err != nil || size < 0 {
			return nil, fmt.Errorf("library: corrupt size field at offset %d", pos)
		}
		payload := data[pos+headerSize:]
		if size > len(payload) {
			return nil, fmt.Errorf("library: member %q overruns archive", name)
		}
		payload = payload[:size]

		switch {
		case name == symdefName:
			// Regenerated on write; contents ignored here.
		case name == longnamesName:
			longnames = payload
		default:
			if strings.HasPrefix(name, "/") {
				off, err := strconv.Atoi(name[1:])
				if err != nil || off < 0 || off >= len(longnames) {
					return nil, fmt.Errorf("library: bad long-name reference %q", name)
				}
				end := bytes.IndexByte(longnames[off:], '\n')
				if end < 0 {
					end = len(longnames) - off
				}
				name = strings.TrimSuffix(string(longnames[off:off+end]), "/")
			} else {
				name = strings.TrimSuffix(name, "/")
			}
			lib.Members = append(lib.Members, Member{Name: name, Data: append([]byte(nil), payload...)})
		}
		pos += headerSize + size
		if rem := pos % memberAlign; rem != 0 {
			pos += memberAlign - rem
		}
	}
	return lib, nil
}

// buildIndex regenerates the sorted symbol index from the current
// members' exports. Duplicate exports are an error unless all but one
// are weak, in which case the strong (or first weak) definition wins.
func (l *Library) buildIndex() error {
	type export struct {
		member int
		weak   bool
	}
	seen := make(map[string]export)
	var names []string

	for i, m := range l.Members {
		mod, err := objfile.Read(bytes.NewReader(m.Data))
		if err != nil {
			return fmt.Errorf("library: member %q: %w", m.Name, err)
		}
		for _, s := range mod.Symbols.All() {
			if s.Section < 0 {
				continue
			}
			weak := s.Binding == objfile.BindWeak
			if s.Binding != objfile.BindGlobal && !weak {
				continue
			}
			prev, dup := seen[s.Name]
			if !dup {
				seen[s.Name] = export{i, weak}
				names = append(names, s.Name)
				continue
			}
			if !prev.weak && !weak {
				return fmt.Errorf("library: symbol %q defined in both %q and %q",
					s.Name, l.Members[prev.member].Name, m.Name)
			}
			if prev.weak && !weak {
				seen[s.Name] = export{i, weak}
			}
		}
	}

	sort.Strings(names)
	l.index = l.index[:0]
	for _, n := range names {
		l.index = append(l.index, SymEntry{Name: n, Member: seen[n].member})
	}
	return nil
}

// Index returns the sorted symbol index, rebuilding it if stale.
func (l *Library) Index() ([]SymEntry, error) {
	if l.index == nil {
		if err := l.buildIndex(); err != nil {
			return nil, err
		}
	}
	return l.index, nil
}

// FindSymbol binary-searches the sorted index.
func (l *Library) FindSymbol(name string) (memberIdx int, ok bool) {
	idx, err := l.Index()
	if err != nil {
		return 0, false
	}
	i := sort.Search(len(idx), func(i int) bool { return idx[i].Name >= name })
	if i < len(idx) && idx[i].Name == name {
		return idx[i].Member, true
	}
	return 0, false
}

// Member returns a member by name.
func (l *Library) Member(name string) (*Member, bool) {
	for i := range l.Members {
		if l.Members[i].Name == name {
			return &l.Members[i], true
		}
	}
	return nil, false
}

// Add appends a member, or replaces an existing one of the same name
// when replace is set.
func (l *Library) Add(name string, data []byte, replace bool) error {
	if m, exists := l.Member(name); exists {
		if !replace {
			return fmt.Errorf("library: member %q already present", name)
		}
		m.Data = append([]byte(nil), data...)
		l.index = nil
		return nil
	}
	l.Members = append(l.Members, Member{Name: name, Data: append([]byte(nil), data...)})
	l.index = nil
	return nil
}

// Delete removes a member by name.
func (l *Library) Delete(name string) error {
	for i := range l.Members {
		if l.Members[i].Name == name {
			l.Members = append(l.Members[:i], l.Members[i+1:]...)
			l.index = nil
			return nil
		}
	}
	return fmt.Errorf("library: member %q not found", name)
}

// Extract returns a copy of a member's raw bytes.
func (l *Library) Extract(name string) ([]byte, error) {
	m, ok := l.Member(name)
	if !ok {
		return nil, fmt.Errorf("library: member %q not found", name)
	}
	return append([]byte(nil), m.Data...), nil
}

// List returns the member names in archive order.
func (l *Library) List() []string {
	names := make([]string, len(l.Members))
	for i, m := range l.Members {
		names[i] = m.Name
	}
	return names
}

// Write rebuilds the archive from scratch: signature, the mandatory
// /SYMDEF SORTED/ index record, the long-names record when needed, and
// the members, each 8-byte aligned.
func (l *Library) Write(w io.Writer) error {
	if err := l.buildIndex(); err != nil {
		return err
	}

	// Long-names record: member names too wide for the 16-byte header
	// field are stored as "name/\n" entries referenced by "/offset".
	var longnames bytes.Buffer
	headerNames := make([]string, len(l.Members))
	for i, m := range l.Members {
		stored := m.Name + "/"
		if len(stored) <= 16 {
			headerNames[i] = stored
			continue
		}
		headerNames[i] = fmt.Sprintf("/%d", longnames.Len())
		longnames.WriteString(stored)
		longnames.WriteByte('\n')
	}

	// Layout pass: member payload offsets depend on the symdef size,
	// which depends only on entry count and string bytes, so it is
	// computed first.
	symdefStrings := new(bytes.Buffer)
	nameOffsets := make([]uint32, len(l.index))
	for i, e := range l.index {
		nameOffsets[i] = uint32(symdefStrings.Len())
		symdefStrings.WriteString(e.Name)
		symdefStrings.WriteByte(0)
	}
	symdefSize := 4 + 8*len(l.index) + symdefStrings.Len()

	offset := len(Signature)
	offset = alignedEnd(offset, symdefSize)
	if longnames.Len() > 0 {
		offset = alignedEnd(offset, longnames.Len())
	}
	memberOffsets := make([]uint32, len(l.Members))
	for i, m := range l.Members {
		memberOffsets[i] = uint32(offset)
		offset = alignedEnd(offset, len(m.Data))
	}

	var symdef bytes.Buffer
	putU32(&symdef, uint32(len(l.index)))
	for i, e := range l.index {
		putU32(&symdef, nameOffsets[i])
		putU32(&symdef, memberOffsets[e.Member])
	}
	symdef.Write(symdefStrings.Bytes())

	var out bytes.Buffer
	out.WriteString(Signature)
	writeMemberRecord(&out, symdefName, symdef.Bytes())
	if longnames.Len() > 0 {
		writeMemberRecord(&out, longnamesName, longnames.Bytes())
	}
	for i, m := range l.Members {
		if int(memberOffsets[i]) != out.Len() {
			return fmt.Errorf("library: internal layout error for member %q", m.Name)
		}
		writeMemberRecord(&out, headerNames[i], m.Data)
	}

	_, err := w.Write(out.Bytes())
	return err
}

func alignedEnd(offset, payload int) int {
	offset += headerSize + payload
	if rem := offset % memberAlign; rem != 0 {
		offset += memberAlign - rem
	}
	return offset
}

func putU32(b *bytes.Buffer, v uint32) {
	b.WriteByte(byte(v))
	b.WriteByte(byte(v >> 8))
	b.WriteByte(byte(v >> 16))
	b.WriteByte(byte(v >> 24))
}

// writeMemberRecord emits one 60-byte ASCII header plus the payload,
// padding to the 8-byte member alignment. Date/uid/gid are written as
// zeros so archives are reproducible.
func writeMemberRecord(out *bytes.Buffer, name string, payload []byte) {
	fmt.Fprintf(out, "%-16s%-12d%-6d%-6d%-8o%-10d", name, 0, 0, 0, 0o644, len(payload))
	out.WriteByte(0x60)
	out.WriteByte(0x0A)
	out.Write(payload)
	for out.Len()%memberAlign != 0 {
		out.WriteByte('\n')
	}
}
