package linker

import (
	"sort"

	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// Placement buckets, in output order:
// executable (IP) before read-only data (IP) before writable data
// (DATAP) before uninitialized (DATAP) before thread-local (THREADP).
const (
	bucketExec = iota
	bucketConst
	bucketData
	bucketBss
	bucketThread
	numBuckets
)

func bucketOf(sec *objfile.Section) int {
	switch {
	case sec.Flags&objfile.SecExecute != 0:
		return bucketExec
	case sec.Flags&objfile.SecBaseTHREADP != 0:
		return bucketThread
	case sec.Flags&objfile.SecWrite != 0 && sec.Type == objfile.SecNoBits:
		return bucketBss
	case sec.Flags&objfile.SecWrite != 0:
		return bucketData
	default:
		return bucketConst
	}
}

func baseFlagFor(bucket int) objfile.SecFlags {
	switch bucket {
	case bucketExec, bucketConst:
		return objfile.SecBaseIP
	case bucketThread:
		return objfile.SecBaseTHREADP
	default:
		return objfile.SecBaseDATAP
	}
}

// eventRecordSize is the fixed width of one event-handler record:
// event id, key, priority, handler address.
const eventRecordSize = 16

type eventRec struct {
	bytes [eventRecordSize]byte
	input int
	sec   int
	off   uint64
}

type collectState struct {
	buckets [numBuckets][]*objfile.Section
	// comdatKept maps a communal section name to its placed copy, so
	// later duplicates coalesce onto it.
	comdatKept map[string]placedSection
	events     []eventRec
	// eventRemap: (input, section) -> old record offset -> new offset in
	// the generated event_table section.
	eventRemap map[[2]int]map[uint64]uint64
}

// collectSections walks every input section, diverting event-handler
// sections into the event-table accumulator, coalescing communal
// duplicates, and copying the rest into their placement buckets.
func (ln *link) collectSections(st *collectState) {
	st.comdatKept = make(map[string]placedSection)
	st.eventRemap = make(map[[2]int]map[uint64]uint64)

	// Auto-generated sections from a previous link never reach this
	// point: the relinker excludes them when grouping, and this link's
	// own synthetics (dummies here, the event table and heap/stack
	// later) are placed like any other input.
	for i, in := range ln.inputs {
		for j, sec := range in.Mod.Sections {
			if sec.Flags&objfile.SecEventHandler != 0 {
				for off := uint64(0); off+eventRecordSize <= uint64(len(sec.Data)); off += eventRecordSize {
					var r eventRec
					copy(r.bytes[:], sec.Data[off:off+eventRecordSize])
					r.input, r.sec, r.off = i, j, off
					st.events = append(st.events, r)
				}
				continue
			}
			if sec.Type == objfile.SecComdat {
				if kept, ok := st.comdatKept[sec.Name]; ok {
					ln.secMap[[2]int{i, j}] = kept
					continue
				}
			}
			out := ln.copySection(sec, in.Name, in.Library)
			b := bucketOf(sec)
			out.Flags |= baseFlagFor(b)
			st.buckets[b] = append(st.buckets[b], out)
			ps := placedSection{sec: out}
			ln.secMap[[2]int{i, j}] = ps
			if sec.Type == objfile.SecComdat {
				st.comdatKept[sec.Name] = ps
			}
		}
	}
}

func (ln *link) copySection(sec *objfile.Section, module, lib string) *objfile.Section {
	out := &objfile.Section{
		Name:      sec.Name,
		Type:      sec.Type,
		Flags:     sec.Flags,
		Address:   sec.Address,
		Data:      append([]byte(nil), sec.Data...),
		AlignLog2: sec.AlignLog2,
		Module:    module,
		Library:   lib,
		RegUse1:   sec.RegUse1,
		RegUse2:   sec.RegUse2,
	}
	if ln.opts.Relinkable && sec.Flags&objfile.SecFixedAddress == 0 {
		out.Flags |= objfile.SecRelinkable
	}
	return out
}

// buildEventTable sorts the collected event records by event id, then
// key, then descending priority, and emits them as one auto-generated
// read-only section. Relocations into the source
// records are redirected through eventRemap.
func (ln *link) buildEventTable(st *collectState) {
	if len(st.events) == 0 {
		return
	}
	le32 := func(b []byte) uint32 {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	sort.SliceStable(st.events, func(i, j int) bool {
		a, b := &st.events[i], &st.events[j]
		if ea, eb := le32(a.bytes[0:]), le32(b.bytes[0:]); ea != eb {
			return ea < eb
		}
		if ka, kb := le32(a.bytes[4:]), le32(b.bytes[4:]); ka != kb {
			return ka < kb
		}
		return int32(le32(a.bytes[8:])) > int32(le32(b.bytes[8:]))
	})

	sec := &objfile.Section{
		Name:  "event_table",
		Type:  objfile.SecProgBits,
		Flags: objfile.SecRead | objfile.SecAutogen | objfile.SecBaseIP,
	}
	sec.SetAlign(8)
	for newIdx, r := range st.events {
		sec.Data = append(sec.Data, r.bytes[:]...)
		key := [2]int{r.input, r.sec}
		if st.eventRemap[key] == nil {
			st.eventRemap[key] = make(map[uint64]uint64)
		}
		st.eventRemap[key][r.off] = uint64(newIdx * eventRecordSize)
	}
	st.buckets[bucketConst] = append(st.buckets[bucketConst], sec)
	ln.eventSec = sec
	ln.eventRemap = st.eventRemap
}

// planDummies synthesizes the per-base-pointer-class dummy objects of
// for unresolved weak imports: a zero constant, a
// function returning zero, zero data, and zero thread-data.
func (ln *link) planDummies() {
	weakNames := make(map[string]*objfile.Symbol)
	for _, in := range ln.inputs {
		for _, s := range in.Mod.Symbols.All() {
			if s.Section >= 0 || s.Binding != objfile.BindWeak {
				continue
			}
			if _, defined := ln.exports[s.Name]; defined {
				continue
			}
			weakNames[s.Name] = s
		}
	}
	if len(weakNames) == 0 {
		return
	}

	dummy := objfile.NewModule()
	secIdx := make(map[string]int)
	section := func(name string, flags objfile.SecFlags, data []byte) int {
		if idx, ok := secIdx[name]; ok {
			return idx
		}
		s := &objfile.Section{Name: name, Type: objfile.SecProgBits, Flags: flags | objfile.SecAutogen, Data: data}
		s.SetAlign(8)
		idx := dummy.AddSection(s)
		secIdx[name] = idx
		return idx
	}

	names := make([]string, 0, len(weakNames))
	for n := range weakNames {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		imp := weakNames[name]
		var idx int
		switch {
		case imp.Type == objfile.SymFunction || imp.Flags&objfile.SymExecutable != 0:
			idx = section("__dummy_func", objfile.SecRead|objfile.SecExecute, ln.returnInstruction())
		case imp.Flags&objfile.SymThreadPRelative != 0:
			idx = section("__dummy_thread", objfile.SecRead|objfile.SecWrite|objfile.SecBaseTHREADP, make([]byte, 8))
		case imp.Flags&objfile.SymWritable != 0 || imp.Flags&objfile.SymDataPRelative != 0:
			idx = section("__dummy_data", objfile.SecRead|objfile.SecWrite, make([]byte, 8))
		default:
			idx = section("__dummy_const", objfile.SecRead, make([]byte, 8))
		}
		dummy.AddSymbol(&objfile.Symbol{
			Name: name, Section: int32(idx), Binding: objfile.BindWeak,
			Type: imp.Type, Flags: imp.Flags,
		})
	}

	inputIdx := len(ln.inputs)
	ln.inputs = append(ln.inputs, Input{Name: "__dummies", Mod: dummy})
	for _, s := range dummy.Symbols.All() {
		ln.exports[s.Name] = exportEntry{s, inputIdx}
	}
}

// returnInstruction encodes the one-word body of the dummy function.
func (ln *link) returnInstruction() []byte {
	if ln.opts.Tables == nil {
		return make([]byte, 4)
	}
	ret, ok := ln.opts.Tables.ByName("return")
	if !ok {
		return make([]byte, 4)
	}
	f := isa.LookupFormat(1, 0, 0)
	words := isa.Encode(f, isa.Fields{Op1: ret.OpcodeID})
	return []byte{byte(words[0]), byte(words[0] >> 8), byte(words[0] >> 16), byte(words[0] >> 24)}
}

// assignAddresses lays the buckets out in order from the image base,
// honouring each section's alignment, placing fixed-address (frozen)
// sections at their recorded addresses, and reserving the heap and
// stack after the last data section. The three base pointers fall out
// of the layout.
func (ln *link) assignAddresses(st *collectState) {
	cursor := uint64(imageBase)
	place := func(sec *objfile.Section) {
		if sec.Flags&objfile.SecFixedAddress != 0 {
			if end := sec.Address + uint64(len(sec.Data)); end > cursor {
				cursor = end
			}
			ln.out.AddSection(sec)
			return
		}
		cursor = alignUp(cursor, sec.Align())
		sec.Address = cursor
		cursor += uint64(len(sec.Data))
		ln.out.AddSection(sec)
	}

	ln.ipBase = cursor
	for _, sec := range st.buckets[bucketExec] {
		place(sec)
	}
	for _, sec := range st.buckets[bucketConst] {
		place(sec)
	}
	cursor = alignUp(cursor, 8)
	ln.datapBase = cursor
	for _, sec := range st.buckets[bucketData] {
		place(sec)
	}
	for _, sec := range st.buckets[bucketBss] {
		place(sec)
	}
	ln.threadpBase = 0
	if len(st.buckets[bucketThread]) > 0 {
		cursor = alignUp(cursor, 8)
		ln.threadpBase = cursor
		for _, sec := range st.buckets[bucketThread] {
			place(sec)
		}
	}

	heap := &objfile.Section{
		Name: "__heap", Type: objfile.SecNoBits,
		Flags: objfile.SecRead | objfile.SecWrite | objfile.SecAutogen | objfile.SecBaseDATAP,
		Data:  make([]byte, ln.opts.HeapSize),
	}
	heap.SetAlign(8)
	place(heap)
	stack := &objfile.Section{
		Name: "__stack", Type: objfile.SecNoBits,
		Flags: objfile.SecRead | objfile.SecWrite | objfile.SecAutogen | objfile.SecBaseDATAP,
		Data:  make([]byte, ln.opts.StackSize),
	}
	stack.SetAlign(8)
	place(stack)
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// mergeSymbols copies every defined symbol into the output table
// (redirecting losers of weak/strong dedup onto the winning export) and
// maps imports onto their exports. Unresolved non-weak imports error
// unless -incomplete was given.
func (ln *link) mergeSymbols() {
	secIdx := make(map[*objfile.Section]int)
	for i, s := range ln.out.Sections {
		secIdx[s] = i
	}

	// Defined symbols first, so imports have something to land on.
	for i, in := range ln.inputs {
		for _, s := range in.Mod.Symbols.All() {
			if s.Section < 0 {
				if s.Binding != objfile.BindUnresolved && s.Binding != objfile.BindWeak &&
					(s.Binding != objfile.BindGlobal || ln.exports[s.Name].sym == s) {
					// Absolute symbol: copy through, unless it lost a
					// duplicate-export resolution.
					out := cloneSymbol(s, -1, s.Value)
					ln.out.AddSymbol(out)
					ln.symOut[s] = out
				}
				continue
			}
			if (s.Binding == objfile.BindGlobal || s.Binding == objfile.BindWeak) &&
				ln.exports[s.Name].sym != s {
				continue // loser of duplicate resolution; mapped below
			}
			ps, placed := ln.secMap[[2]int{i, int(s.Section)}]
			if !placed {
				continue // symbol in an event-handler or dropped section
			}
			out := cloneSymbol(s, int32(secIdx[ps.sec]), s.Value+ps.offset)
			ln.out.AddSymbol(out)
			ln.symOut[s] = out
		}
	}

	// Imports and dedup losers map onto the winning definition.
	for _, in := range ln.inputs {
		for _, s := range in.Mod.Symbols.All() {
			if ln.symOut[s] != nil {
				continue
			}
			if e, ok := ln.exports[s.Name]; ok {
				ln.symOut[s] = ln.symOut[e.sym]
				continue
			}
			if s.Binding == objfile.BindUnresolved {
				sev := diag.Error
				if ln.opts.Incomplete {
					sev = diag.Warning
				}
				ln.bag.Add(sev, in.Name, "unresolved symbol %q", s.Name)
			}
		}
	}
}

func cloneSymbol(s *objfile.Symbol, section int32, value uint64) *objfile.Symbol {
	return &objfile.Symbol{
		Name: s.Name, Section: section, Value: value, Size: s.Size,
		Binding: s.Binding, Type: s.Type, Flags: s.Flags,
		RegUse1: s.RegUse1, RegUse2: s.RegUse2,
	}
}

// synthesizeAutoSymbols defines __ip_base, __datap_base and
// __threadp_base unless an input already exported them. They register
// as exports so imports of these names resolve like any other symbol.
func (ln *link) synthesizeAutoSymbols() {
	add := func(name string, value uint64) {
		if _, taken := ln.exports[name]; taken {
			return
		}
		sym := &objfile.Symbol{
			Name: name, Section: -1, Value: value,
			Binding: objfile.BindGlobal, Type: objfile.SymConstant,
		}
		ln.out.AddSymbol(sym)
		ln.symOut[sym] = sym
		ln.exports[name] = exportEntry{sym, -1}
	}
	add("__ip_base", ln.ipBase)
	add("__datap_base", ln.datapBase)
	add("__threadp_base", ln.threadpBase)
}

// buildProgramHeaders synthesizes one program header per contiguous
// range of sections with identical permissions and base-pointer choice
//.
func (ln *link) buildProgramHeaders() {
	const phFlags = objfile.SecRead | objfile.SecWrite | objfile.SecExecute |
		objfile.SecBaseIP | objfile.SecBaseDATAP | objfile.SecBaseTHREADP

	var cur *objfile.ProgramHeader
	for _, sec := range ln.out.Sections {
		flags := sec.Flags & phFlags
		fileSize := uint64(0)
		if sec.Type != objfile.SecNoBits {
			fileSize = uint64(len(sec.Data))
		}
		memEnd := sec.Address + uint64(len(sec.Data))
		if cur != nil && cur.BaseFlags == flags && sec.Address >= cur.Address &&
			sec.Address <= cur.Address+cur.MemSize+uint64(sec.Align()) {
			cur.FileSize += fileSize
			cur.MemSize = memEnd - cur.Address
			continue
		}
		ln.out.ProgramHeaders = append(ln.out.ProgramHeaders, objfile.ProgramHeader{
			BaseFlags: flags, Address: sec.Address, FileSize: fileSize,
			MemSize: uint64(len(sec.Data)),
		})
		cur = &ln.out.ProgramHeaders[len(ln.out.ProgramHeaders)-1]
	}
}

// finishHeader fills the extended file header, interns the per-module
// metadata strings, and translates the pending output relocations'
// symbol pointers into final sorted-table indices.
func (ln *link) finishHeader() {
	ln.out.Header.IPBase = ln.ipBase
	ln.out.Header.DataPBase = ln.datapBase
	ln.out.Header.ThreadPBase = ln.threadpBase
	if ln.opts.Relinkable {
		ln.out.Header.Flags |= objfile.FlagRelinkable
	}

	if e, ok := ln.exports[ln.opts.EntrySymbol]; ok {
		if out := ln.symOut[e.sym]; out != nil && out.Section >= 0 {
			ln.out.Header.Entry = ln.out.Sections[out.Section].Address + out.Value
		}
	} else {
		ln.bag.Add(diag.Warning, "", "entry symbol %q not found", ln.opts.EntrySymbol)
	}

	for _, s := range ln.out.Sections {
		s.ModuleOffset = ln.out.AuxNames.Intern(s.Module)
		s.LibraryOffset = ln.out.AuxNames.Intern(s.Library)
	}

	if len(ln.pendingRelocs) > 0 {
		index := make(map[*objfile.Symbol]int)
		for i, s := range ln.out.Symbols.All() {
			index[s] = i
		}
		for _, pr := range ln.pendingRelocs {
			idx, ok := index[pr.sym]
			if !ok {
				continue
			}
			rel := pr.rel
			rel.Symbol = uint32(idx)
			if pr.ref != nil {
				if ridx, ok := index[pr.ref]; ok {
					rel.RefSymbol = int32(ridx)
				}
			} else {
				rel.RefSymbol = -1
			}
			ln.out.Relocs = append(ln.out.Relocs, &rel)
		}
	}
}
