// Package disasm implements the disassembler: the inverse of the
// assembler's encode/fit pipeline. It shares the Format and Instruction
// Tables with the assembler and emulator, extracts operands by the
// Format Record's field positions, resolves symbolic names, and
// produces a list file with relocation annotations.
package disasm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// Disassembler walks one module's sections, emitting assembly syntax
// for code and typed constants for data.
type Disassembler struct {
	mod    *objfile.Module
	tables *isa.Table

	out      strings.Builder
	warnings []string

	relocs map[relocKey]*objfile.Relocation
}

type relocKey struct {
	section int32
	offset  uint64
}

func New(mod *objfile.Module, tables *isa.Table) *Disassembler {
	d := &Disassembler{mod: mod, tables: tables, relocs: make(map[relocKey]*objfile.Relocation)}
	for _, r := range mod.Relocs {
		d.relocs[relocKey{r.Section, r.Offset}] = r
	}
	return d
}

// Run produces the full listing. Warnings (symbols off instruction
// boundaries, undecodable words) are returned separately so the caller
// can route them to the diagnostic stream.
func (d *Disassembler) Run() (string, []string) {
	for i, sec := range d.mod.Sections {
		fmt.Fprintf(&d.out, "%s section%s\n", sec.Name, sectionAttrs(sec))
		if sec.Flags&objfile.SecExecute != 0 {
			d.codeSection(sec, int32(i))
		} else {
			d.dataSection(sec, int32(i))
		}
		fmt.Fprintf(&d.out, "%s end\n\n", sec.Name)
	}
	return d.out.String(), d.warnings
}

func sectionAttrs(sec *objfile.Section) string {
	var attrs []string
	if sec.Flags&objfile.SecRead != 0 {
		attrs = append(attrs, "read")
	}
	if sec.Flags&objfile.SecWrite != 0 {
		attrs = append(attrs, "write")
	}
	if sec.Flags&objfile.SecExecute != 0 {
		attrs = append(attrs, "execute")
	}
	if sec.Type == objfile.SecNoBits {
		attrs = append(attrs, "bss")
	}
	if len(attrs) == 0 {
		return ""
	}
	return " " + strings.Join(attrs, " ")
}

// sectionSymbols returns this section's symbols sorted by address, the
// walk order label emission needs. Function
// symbols sort before plain labels at the same address so the function
// wrapper opens before the label prints.
func (d *Disassembler) sectionSymbols(idx int32) []*objfile.Symbol {
	var syms []*objfile.Symbol
	for _, s := range d.mod.Symbols.All() {
		if s.Section == idx {
			syms = append(syms, s)
		}
	}
	sort.SliceStable(syms, func(i, j int) bool {
		if syms[i].Value != syms[j].Value {
			return syms[i].Value < syms[j].Value
		}
		return syms[i].Type == objfile.SymFunction && syms[j].Type != objfile.SymFunction
	})
	return syms
}

// codeSection emits the section's instructions with labels and
// re-assemblable function wrappers interleaved at the right addresses.
func (d *Disassembler) codeSection(sec *objfile.Section, idx int32) {
	syms := d.sectionSymbols(idx)
	nextSym := 0
	var openFunc *objfile.Symbol

	closeFunc := func() {
		if openFunc != nil {
			fmt.Fprintf(&d.out, "%s end\n", openFunc.Name)
			openFunc = nil
		}
	}
	emitSym := func(s *objfile.Symbol) {
		if s.Type == objfile.SymFunction {
			closeFunc()
			attr := ""
			if s.Binding == objfile.BindGlobal {
				attr = " public"
			}
			fmt.Fprintf(&d.out, "%s: function%s\n", s.Name, attr)
			openFunc = s
			return
		}
		fmt.Fprintf(&d.out, "%s:\n", s.Name)
	}

	off := uint64(0)
	for off+4 <= uint64(len(sec.Data)) {
		if openFunc != nil && openFunc.Size > 0 && off >= openFunc.Value+openFunc.Size {
			closeFunc()
		}
		for nextSym < len(syms) && syms[nextSym].Value <= off {
			s := syms[nextSym]
			if s.Value < off {
				d.warnings = append(d.warnings,
					fmt.Sprintf("symbol %s at 0x%x does not land on an instruction boundary", s.Name, s.Value))
			} else {
				emitSym(s)
			}
			nextSym++
		}

		words := wordsAt(sec.Data, off)
		dec, err := isa.Decode(words)
		if err != nil {
			d.warnings = append(d.warnings, fmt.Sprintf("%s+0x%x: %v", sec.Name, off, err))
			fmt.Fprintf(&d.out, "\t; undecodable word 0x%08x\n", words[0])
			off += 4
			continue
		}
		fmt.Fprintf(&d.out, "\t%s\n", d.render(dec, sec, idx, off))
		off += uint64(dec.Len()) * 4
	}
	for nextSym < len(syms) && syms[nextSym].Value <= off {
		emitSym(syms[nextSym])
		nextSym++
	}
	closeFunc()
}

func wordsAt(data []byte, off uint64) []uint32 {
	var words []uint32
	for i := 0; i < 3 && off+uint64(i)*4+4 <= uint64(len(data)); i++ {
		p := off + uint64(i)*4
		words = append(words, uint32(data[p])|uint32(data[p+1])<<8|uint32(data[p+2])<<16|uint32(data[p+3])<<24)
	}
	return words
}

// render formats one decoded instruction. Operand order follows the
// assembler's own syntax: destination first, then sources, then the
// immediate/memory/jump operand.
func (d *Disassembler) render(dec *isa.Decoded, sec *objfile.Section, idx int32, off uint64) string {
	f := dec.Format

	var instr *isa.InstructionRecord
	if f.Category == "jump" {
		instr, _ = d.tables.ByJumpCond(int(dec.OPJ))
	}
	if instr == nil {
		instr, _ = d.tables.ByID(dec.Op1)
	}
	name := "???"
	vectorRegs := f.VectorMode
	if instr != nil {
		name = instr.Name
		if instr.GPTypes == 0 && instr.VectorTypes != 0 {
			vectorRegs = true
		}
	}

	var ops []string
	reg := func(n int) string { return regName(n, vectorRegs) }

	if f.Operands.Has(isa.OpRD) && instr != nil && instr.Variants&isa.VariantNoDest == 0 {
		ops = append(ops, reg(dec.Rd))
	}
	// Call (OPJ 62) and jump-always (OPJ 63) test no register, so their
	// RT field is not an operand.
	if f.Operands.Has(isa.OpRT) && !f.Operands.Has(isa.OpMemory) && !(f.Category == "jump" && dec.OPJ >= 62) {
		ops = append(ops, reg(dec.Rt))
	}
	if f.Operands.Has(isa.OpRS) {
		ops = append(ops, reg(dec.Rs))
	}
	if instr != nil && instr.Variants&isa.VariantNoDest != 0 && f.Operands.Has(isa.OpRD) && dec.Rd != 0 {
		// For stores and friends the RD field carries a source value.
		ops = append(ops, reg(dec.Rd))
	}
	if f.Operands.Has(isa.OpMemory) {
		ops = append(ops, d.memOperand(dec, sec, idx, off))
	}
	if f.ImmSize > 0 {
		ops = append(ops, d.immOperand(dec, idx, off))
	}
	if f.JumpSize > 0 {
		ops = append(ops, d.jumpTarget(dec, sec, idx, off))
	}
	if len(ops) == 0 {
		return name
	}
	return name + " " + strings.Join(ops, ", ")
}

func regName(n int, vector bool) string {
	if vector {
		return fmt.Sprintf("v%d", n)
	}
	return isa.RegRef{Class: isa.RegGP, Index: n}.String()
}

// relocAnnotation replaces a literal field value with "symbol ± addend"
// when an active relocation covers the field's source offset.
func (d *Disassembler) relocAnnotation(idx int32, fieldOff uint64) (string, bool) {
	r, ok := d.relocs[relocKey{idx, fieldOff}]
	if !ok {
		return "", false
	}
	syms := d.mod.Symbols.All()
	if int(r.Symbol) >= len(syms) {
		return "", false
	}
	name := syms[r.Symbol].Name
	if r.RefSymbol >= 0 && int(r.RefSymbol) < len(syms) {
		name += "-" + syms[r.RefSymbol].Name
	}
	switch {
	case r.Addend > 0:
		return fmt.Sprintf("%s+%d", name, r.Addend), true
	case r.Addend < 0:
		return fmt.Sprintf("%s%d", name, r.Addend), true
	default:
		return name, true
	}
}

func (d *Disassembler) immOperand(dec *isa.Decoded, idx int32, off uint64) string {
	if ann, ok := d.relocAnnotation(idx, off+uint64(dec.Format.ImmPos)); ok {
		return ann
	}
	return fmt.Sprintf("%d", dec.Imm)
}

func (d *Disassembler) memOperand(dec *isa.Decoded, sec *objfile.Section, idx int32, off uint64) string {
	f := dec.Format
	if ann, ok := d.relocAnnotation(idx, off+uint64(f.AddrPos)); ok {
		return "[" + ann + "]"
	}
	if f.BaseDATAP {
		// Executable with no relocation records: recover the symbol by a
		// nearest-preceding-symbol lookup against the DATAP-based address.
		if name, rest, ok := d.nearestDataSymbol(uint64(dec.Addr) + d.mod.Header.DataPBase); ok {
			if rest != 0 {
				return fmt.Sprintf("[%s+%d]", name, rest)
			}
			return "[" + name + "]"
		}
		return fmt.Sprintf("[datap+%d]", dec.Addr)
	}
	base := regName(dec.Rt, false)
	if dec.Addr != 0 {
		return fmt.Sprintf("[%s+%d]", base, dec.Addr)
	}
	return "[" + base + "]"
}

// nearestDataSymbol finds the symbol with the greatest address not
// exceeding addr among data-section symbols.
func (d *Disassembler) nearestDataSymbol(addr uint64) (string, uint64, bool) {
	var best *objfile.Symbol
	var bestAddr uint64
	for _, s := range d.mod.Symbols.All() {
		if s.Section < 0 || int(s.Section) >= len(d.mod.Sections) || s.Type != objfile.SymObject {
			continue
		}
		a := d.mod.Sections[s.Section].Address + s.Value
		if a <= addr && (best == nil || a > bestAddr) {
			best, bestAddr = s, a
		}
	}
	if best == nil {
		return "", 0, false
	}
	return best.Name, addr - bestAddr, true
}

func (d *Disassembler) jumpTarget(dec *isa.Decoded, sec *objfile.Section, idx int32, off uint64) string {
	if ann, ok := d.relocAnnotation(idx, off+uint64(dec.Format.JumpPos)); ok {
		return ann
	}
	target := off + uint64(dec.Len())*4 + uint64(dec.JumpOffset*4)
	for _, s := range d.sectionSymbols(idx) {
		if s.Value == target {
			return s.Name
		}
	}
	return fmt.Sprintf("0x%x", target)
}

// dataSection dumps data as typed constants whose unit size comes from
// the nearest preceding symbol's declared size, capped where a
// relocation's size selector demands a different width.
func (d *Disassembler) dataSection(sec *objfile.Section, idx int32) {
	syms := d.sectionSymbols(idx)
	nextSym := 0
	unit := uint64(8)

	off := uint64(0)
	for off < uint64(len(sec.Data)) {
		label := ""
		for nextSym < len(syms) && syms[nextSym].Value <= off {
			if syms[nextSym].Value == off {
				label = syms[nextSym].Name
				if s := syms[nextSym].Size; s >= 1 && s <= 8 {
					unit = s
				}
			}
			nextSym++
		}
		size := unit
		if off+size > uint64(len(sec.Data)) {
			size = uint64(len(sec.Data)) - off
		}
		if r, ok := d.relocs[relocKey{idx, off}]; ok {
			if b := r.Size.Bits(); b > 0 {
				size = uint64(b / 8)
			}
		}

		var v uint64
		for i := uint64(0); i < size; i++ {
			v |= uint64(sec.Data[off+i]) << (8 * i)
		}
		typeName := map[uint64]string{1: "int8", 2: "int16", 4: "int32", 8: "int64"}[size]
		if typeName == "" {
			typeName = "int8"
			size = 1
		}
		if label != "" {
			fmt.Fprintf(&d.out, "%s: %s 0x%x\n", label, typeName, v)
		} else {
			fmt.Fprintf(&d.out, "\t%s 0x%x\n", typeName, v)
		}
		off += size
	}
}
