package linker

import (
	"fmt"

	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// applyRelocations resolves and applies every input module's
// relocations: for every input
// relocation, compute the symbol's absolute or base-relative address,
// subtract the reference symbol, add the addend, shift by the scale,
// and write the selected byte count into the target, checking the size
// selector's range. In relinkable mode each applied relocation is also
// carried into the output, remapped to output sections and symbols.
func (ln *link) applyRelocations() {
	for i, in := range ln.inputs {
		for _, r := range in.Mod.Relocs {
			ln.applyOne(i, in, r)
		}
	}
}

// relocTargetSite finds the output section and offset an input
// relocation lands on, following the event-table remap for records that
// were reordered during sorting.
func (ln *link) relocTargetSite(input int, r *objfile.Relocation) (*objfile.Section, uint64, bool) {
	key := [2]int{input, int(r.Section)}
	if remap, ok := ln.eventRemap[key]; ok {
		base := r.Offset &^ uint64(eventRecordSize-1)
		if newBase, ok := remap[base]; ok {
			return ln.eventSec, newBase + (r.Offset - base), true
		}
		return nil, 0, false
	}
	ps, ok := ln.secMap[key]
	if !ok {
		return nil, 0, false
	}
	return ps.sec, ps.offset + r.Offset, true
}

func (ln *link) applyOne(input int, in Input, r *objfile.Relocation) {
	sec, off, ok := ln.relocTargetSite(input, r)
	if !ok {
		return // coalesced-away communal copy or frozen section
	}

	syms := in.Mod.Symbols.All()
	if int(r.Symbol) >= len(syms) {
		ln.bag.Add(diag.Error, in.Name, "relocation symbol index %d out of range", r.Symbol)
		return
	}
	inSym := syms[r.Symbol]
	outSym := ln.symOut[inSym]
	if outSym == nil {
		// Unresolved; already diagnosed by mergeSymbols. The field stays
		// zero under -incomplete.
		return
	}

	value, err := ln.relocValue(r, outSym, sec.Address+off)
	if err != nil {
		ln.bag.Add(diag.Error, in.Name, "%s+0x%x: %v", sec.Name, off, err)
		return
	}
	if r.RefSymbol >= 0 {
		if int(r.RefSymbol) >= len(syms) {
			ln.bag.Add(diag.Error, in.Name, "reference symbol index %d out of range", r.RefSymbol)
			return
		}
		refOut := ln.symOut[syms[r.RefSymbol]]
		if refOut != nil {
			value -= int64(ln.absAddr(refOut))
		}
	}
	value >>= r.ScaleLog2

	if err := writeRelocated(sec.Data, off, value, r.Size); err != nil {
		ln.bag.Add(diag.Error, in.Name, "%s+0x%x (%s): %v", sec.Name, off, inSym.Name, err)
		return
	}

	if ln.opts.Relinkable {
		secIdx := -1
		for si, s := range ln.out.Sections {
			if s == sec {
				secIdx = si
				break
			}
		}
		pr := pendingOutReloc{rel: *r, sym: outSym}
		pr.rel.Section = int32(secIdx)
		pr.rel.Offset = off
		if r.RefSymbol >= 0 {
			pr.ref = ln.symOut[syms[r.RefSymbol]]
		}
		ln.pendingRelocs = append(ln.pendingRelocs, pr)
	}
}

func (ln *link) absAddr(sym *objfile.Symbol) uint64 {
	if sym.Section >= 0 && int(sym.Section) < len(ln.out.Sections) {
		return ln.out.Sections[sym.Section].Address + sym.Value
	}
	return sym.Value
}

// relocValue computes S + A relative to the base the kind selects;
// fieldAddr is the absolute address of the field being patched (the P
// of self-relative relocations).
func (ln *link) relocValue(r *objfile.Relocation, sym *objfile.Symbol, fieldAddr uint64) (int64, error) {
	s := int64(ln.absAddr(sym))
	switch r.Kind {
	case objfile.RelocAbs:
		return s + r.Addend, nil
	case objfile.RelocSelfRelative:
		return s + r.Addend - int64(fieldAddr), nil
	case objfile.RelocIPBase, objfile.RelocRefPoint:
		return s + r.Addend - int64(ln.ipBase), nil
	case objfile.RelocDataPBase:
		return s + r.Addend - int64(ln.datapBase), nil
	case objfile.RelocThreadPBase:
		return s + r.Addend - int64(ln.threadpBase), nil
	case objfile.RelocSysFunc, objfile.RelocSysCall, objfile.RelocSysMod:
		id, ok := isa.SystemFunctionID(sym.Name)
		if !ok {
			return 0, fmt.Errorf("unknown system function %q", sym.Name)
		}
		return int64(id) + r.Addend, nil
	case objfile.RelocDataStackSize, objfile.RelocCallStackSize:
		return int64(ln.opts.StackSize) + r.Addend, nil
	case objfile.RelocRegUse:
		return int64(sym.RegUse1), nil
	default:
		return 0, fmt.Errorf("unsupported relocation kind %d", r.Kind)
	}
}

// writeRelocated stores value into data[off...] with the width and
// half-word selection of the size selector, checking the value fits
// the selector's signed or unsigned range.
func writeRelocated(data []byte, off uint64, value int64, size objfile.RelocSize) error {
	fits := func(bits int) bool {
		if bits >= 64 {
			return true
		}
		lo := -(int64(1) << (bits - 1))
		hi := (int64(1) << bits) - 1 // signed or unsigned range both accepted
		return value >= lo && value <= hi
	}
	put := func(v uint64, n int) error {
		if off+uint64(n) > uint64(len(data)) {
			return fmt.Errorf("relocation target outside section (off 0x%x)", off)
		}
		for i := 0; i < n; i++ {
			data[off+uint64(i)] = byte(v >> (8 * uint(i)))
		}
		return nil
	}

	switch size {
	case objfile.RelocSize8:
		if !fits(8) {
			return fmt.Errorf("value %d overflows 8-bit field", value)
		}
		return put(uint64(value), 1)
	case objfile.RelocSize16:
		if !fits(16) {
			return fmt.Errorf("value %d overflows 16-bit field", value)
		}
		return put(uint64(value), 2)
	case objfile.RelocSize24:
		if !fits(24) {
			return fmt.Errorf("value %d overflows 24-bit field", value)
		}
		return put(uint64(value), 3)
	case objfile.RelocSize32:
		if !fits(32) {
			return fmt.Errorf("value %d overflows 32-bit field", value)
		}
		return put(uint64(value), 4)
	case objfile.RelocSize16Of32Lo:
		if !fits(32) {
			return fmt.Errorf("value %d overflows 32-bit lo/hi pair", value)
		}
		return put(uint64(uint32(value))&0xffff, 2)
	case objfile.RelocSize16Of32Hi:
		if !fits(32) {
			return fmt.Errorf("value %d overflows 32-bit lo/hi pair", value)
		}
		return put(uint64(uint32(value))>>16, 2)
	case objfile.RelocSize32Of64Lo:
		return put(uint64(value)&0xffffffff, 4)
	case objfile.RelocSize32Of64Hi:
		return put(uint64(value)>>32, 4)
	case objfile.RelocSize64:
		return put(uint64(value), 8)
	default:
		return fmt.Errorf("relocation with no size selector")
	}
}
