package objfile

// StringPool is an append-only, NUL-terminated string table, the same
// layout ELF-family string tables use. Offsets into it are stable across
// any later append, which is why the rest of the object model stores
// name *offsets* rather than pointers or slice indices.
type StringPool struct {
	buf   []byte
	cache map[string]uint32
}

func NewStringPool() *StringPool {
	// Offset 0 is conventionally the empty string.
	return &StringPool{buf: []byte{0}, cache: map[string]uint32{"": 0}}
}

// Intern returns the offset of s, appending it if not already present.
func (p *StringPool) Intern(s string) uint32 {
	if off, ok := p.cache[s]; ok {
		return off
	}
	off := uint32(len(p.buf))
	p.buf = append(p.buf, s...)
	p.buf = append(p.buf, 0)
	p.cache[s] = off
	return off
}

// At returns the string starting at the given offset, reading up to the
// next NUL byte.
func (p *StringPool) At(offset uint32) string {
	if int(offset) >= len(p.buf) {
		return ""
	}
	end := offset
	for end < uint32(len(p.buf)) && p.buf[end] != 0 {
		end++
	}
	return string(p.buf[offset:end])
}

func (p *StringPool) Bytes() []byte { return p.buf }

func LoadStringPool(data []byte) *StringPool {
	if len(data) == 0 || data[0] != 0 {
		data = append([]byte{0}, data...)
	}
	p := &StringPool{buf: data, cache: map[string]uint32{}}
	// Rebuild the interning cache so further appends during relinking
	// dedupe against the loaded table.
	off := uint32(0)
	for off < uint32(len(p.buf)) {
		end := off
		for end < uint32(len(p.buf)) && p.buf[end] != 0 {
			end++
		}
		p.cache[string(p.buf[off:end])] = off
		off = end + 1
	}
	return p
}
