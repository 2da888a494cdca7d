// Package emulator implements the interpreting emulator: an
// instruction-at-a-time loop over a loaded executable image, sharing
// the decode tables with the disassembler, with a permission-checked
// memory map, a full register file, and performance counters.
package emulator

import (
	"fmt"
	"sort"

	"github.com/xyproto/forwardcom/internal/objfile"
)

// Perm is a memory permission bit set.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// MapEntry marks a permission transition: the entry's permissions
// apply from Start up to the next entry's Start.
type MapEntry struct {
	Start uint64
	Perm  Perm
}

// MemMap is the ordered permission map: reads, writes,
// and fetches binary-search it, each through its own cached index for
// locality.
type MemMap struct {
	entries []MapEntry
	limit   uint64 // end of the last mapped range
}

// buildMemMap derives the map from the executable's program headers,
// inserting no-permission gap entries between non-contiguous ranges.
func buildMemMap(mod *objfile.Module) *MemMap {
	type seg struct {
		start, end uint64
		perm       Perm
	}
	var segs []seg
	for _, ph := range mod.ProgramHeaders {
		p := Perm(0)
		if ph.BaseFlags&objfile.SecRead != 0 {
			p |= PermRead
		}
		if ph.BaseFlags&objfile.SecWrite != 0 {
			p |= PermWrite
		}
		if ph.BaseFlags&objfile.SecExecute != 0 {
			p |= PermExec
		}
		segs = append(segs, seg{ph.Address, ph.Address + ph.MemSize, p})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })

	mm := &MemMap{}
	var pos uint64
	for _, s := range segs {
		if s.start > pos {
			mm.entries = append(mm.entries, MapEntry{pos, 0})
		}
		if len(mm.entries) == 0 || mm.entries[len(mm.entries)-1].Perm != s.perm {
			mm.entries = append(mm.entries, MapEntry{s.start, s.perm})
		}
		if s.end > pos {
			pos = s.end
		}
	}
	mm.limit = pos
	return mm
}

// find returns the index of the entry covering addr, starting the
// search at the cached index before falling back to a binary search.
func (mm *MemMap) find(addr uint64, cache *int) int {
	if i := *cache; i >= 0 && i < len(mm.entries) {
		lo := mm.entries[i].Start
		hi := mm.limit
		if i+1 < len(mm.entries) {
			hi = mm.entries[i+1].Start
		}
		if addr >= lo && addr < hi {
			return i
		}
	}
	i := sort.Search(len(mm.entries), func(i int) bool { return mm.entries[i].Start > addr }) - 1
	*cache = i
	return i
}

// Check verifies [addr, addr+size) lies within one map entry carrying
// the required permission.
func (mm *MemMap) Check(addr, size uint64, perm Perm, cache *int) bool {
	if addr+size < addr || addr+size > mm.limit {
		return false
	}
	i := mm.find(addr, cache)
	if i < 0 || mm.entries[i].Perm&perm != perm {
		return false
	}
	end := mm.limit
	if i+1 < len(mm.entries) {
		end = mm.entries[i+1].Start
	}
	return addr+size <= end
}

func (mm *MemMap) String() string {
	s := ""
	for i, e := range mm.entries {
		end := mm.limit
		if i+1 < len(mm.entries) {
			end = mm.entries[i+1].Start
		}
		s += fmt.Sprintf("[%#x,%#x) perm=%03b\n", e.Start, end, e.Perm)
	}
	return s
}
