// Package isa holds the data-driven tables and the bit-level encoding
// engine shared by the assembler, disassembler, and emulator: the
// physical instruction Format Table and the per-mnemonic
// Instruction Table.
package isa

// Template names the physical instruction template a Format Record
// belongs to. Multi-format mnemonics may be encoded in any of several
// templates; the Code Fitter picks the smallest.
type Template byte

const (
	TemplateA Template = 'A'
	TemplateB Template = 'B'
	TemplateC Template = 'C'
	TemplateD Template = 'D'
	TemplateE Template = 'E'
)

// OperandMask is a bitmask of which operand slots a Format Record makes
// available, in the gather priority order the emulator uses:
// immediate, memory, RT, RS, RU, RD.
type OperandMask uint8

const (
	OpImmediate OperandMask = 1 << iota
	OpMemory
	OpRT
	OpRS
	OpRU
	OpRD
)

func (m OperandMask) Has(bit OperandMask) bool { return m&bit != 0 }

// FormatKey is the composite (il, mode, mode2) that keys format lookup.
type FormatKey struct {
	IL    int // instruction length in 32-bit words: 1, 2 or 3
	Mode  int // 3-bit mode field
	Mode2 int // submode; meaningful only for modes with more than one submode
}

// FormatRecord is the physical encoding descriptor for one (il, mode,
// mode2) combination under a given template. The register/OT bit
// positions vary per template; a position is meaningful only when the
// corresponding Operands bit (or OT/jump flag) says the field exists.
type FormatRecord struct {
	Key      FormatKey
	Template Template
	Operands OperandMask

	// Mode2Encoded is true when this record's mode has more than one
	// submode, so bits 11-12 of the first word really carry mode2. For
	// single-submode modes those bits belong to the register fields and
	// format lookup falls back to submode 0.
	Mode2Encoded bool

	RdBit, RtBit, RsBit int // bit position of each 5-bit register field in word 0
	OTBit               int // bit position of the 3-bit operand-type field; -1 if fixed
	FixedOT             int // the implied operand type when there is no OT field

	ImmPos, ImmSize   int // byte position/size of the immediate field
	AddrPos, AddrSize int // byte position/size of the memory address field
	JumpPos, JumpSize int // byte position/size of the jump-offset field

	ScaleBits  uint8 // low bits of the address field reserved for scaling
	VectorMode bool  // operand registers are vector registers

	// BaseDATAP marks memory formats with no base-register field: the
	// address field is an offset from the DATAP base pointer.
	BaseDATAP bool

	// OpjAltField is true when, for jump submodes, the effective OPJ
	// (jump opcode) is read from IM6 instead of IM1 — mirrors the
	// original "imm2 & 0x80" flag bit. OpjFixed63 mirrors "imm2 & 0x40":
	// OPJ is fixed at 63 regardless of what is encoded in the word.
	// Disassembly and emulation must replicate this verbatim.
	OpjAltField bool
	OpjFixed63  bool

	Category string // performance-counter bucket: "int", "vector", "mem", "jump"
	ExeTable int    // dispatch-table index consulted by the emulator
}

// First-word field layout shared by every template:
//
//	bits 0-5   op1 (opcode)
//	bits 6-8   mode
//	bits 9-10  il
//	bits 11-12 mode2, when the mode has more than one submode
//
// plus per-template register/OT/immediate fields at the positions the
// Format Records below declare. OPJ for jump submodes lives in IM1
// (bits 18-23) or IM6 (bits 24-29) per OpjAltField.
const (
	Op1Bit, Op1Width     = 0, 6
	ModeBit, ModeWidth   = 6, 3
	ILBit, ILWidth       = 9, 2
	Mode2Bit, Mode2Width = 11, 2
	RegWidth             = 5
	OTWidth              = 3
	OpjIM1Bit            = 18
	OpjIM6Bit            = 24
	OpjWidth             = 6
)

// NumSourceOperands reports how many of {RT, RS, RU} are present, which
// the fitter uses to test "right number of source-operand slots".
func (f *FormatRecord) NumSourceOperands() int {
	n := 0
	for _, b := range [...]OperandMask{OpRT, OpRS, OpRU} {
		if f.Operands.Has(b) {
			n++
		}
	}
	return n
}

// formatTable is the compiled-in literal array backing the Format Table
//. Every subsystem reads it, none writes it.
var formatTable = []FormatRecord{
	// Template A: three-register, single word, no immediate.
	{Key: FormatKey{IL: 1, Mode: 0, Mode2: 0}, Template: TemplateA,
		Operands: OpRT | OpRS | OpRD, Mode2Encoded: true,
		OTBit: 13, RdBit: 16, RtBit: 21, RsBit: 26,
		Category: "int", ExeTable: 0},
	{Key: FormatKey{IL: 1, Mode: 0, Mode2: 1}, Template: TemplateA,
		Operands: OpRT | OpRS | OpRD, Mode2Encoded: true, VectorMode: true,
		OTBit: 13, RdBit: 16, RtBit: 21, RsBit: 26,
		Category: "vector", ExeTable: 1},

	// Template B: register + 8-bit immediate, single word.
	{Key: FormatKey{IL: 1, Mode: 1, Mode2: 0}, Template: TemplateB,
		Operands: OpRT | OpImmediate | OpRD,
		RdBit: 11, RtBit: 16, OTBit: 21, RsBit: -1,
		ImmPos: 3, ImmSize: 1, Category: "int", ExeTable: 2},

	// Template C: destination + 16-bit immediate, single word. No source
	// register field: the immediate occupies bytes 2-3 entirely.
	{Key: FormatKey{IL: 1, Mode: 2, Mode2: 0}, Template: TemplateC,
		Operands: OpImmediate | OpRD,
		RdBit: 11, RtBit: -1, RsBit: -1, OTBit: -1, FixedOT: OTCode64,
		ImmPos: 2, ImmSize: 2, Category: "int", ExeTable: 3},

	// Template D: register + 32-bit immediate, two words.
	{Key: FormatKey{IL: 2, Mode: 3, Mode2: 0}, Template: TemplateD,
		Operands: OpRT | OpImmediate | OpRD, Mode2Encoded: true,
		RdBit: 13, RtBit: 18, OTBit: 23, RsBit: -1,
		ImmPos: 4, ImmSize: 4, Category: "int", ExeTable: 4},

	// Template D, memory variant: base register in the RT field plus a
	// 32-bit signed offset in the second word.
	{Key: FormatKey{IL: 2, Mode: 3, Mode2: 1}, Template: TemplateD,
		Operands: OpMemory | OpRD, Mode2Encoded: true,
		RdBit: 13, RtBit: 18, OTBit: 23, RsBit: -1,
		AddrPos: 4, AddrSize: 4, Category: "mem", ExeTable: 5},

	// Template D, vector memory variant: same field layout as the scalar
	// memory submode, but the RD field names a vector register and the
	// transfer length is the vector's current length.
	{Key: FormatKey{IL: 2, Mode: 3, Mode2: 2}, Template: TemplateD,
		Operands: OpMemory | OpRD, Mode2Encoded: true, VectorMode: true,
		RdBit: 13, RtBit: 18, OTBit: 23, RsBit: -1,
		AddrPos: 4, AddrSize: 4, Category: "mem", ExeTable: 12},

	// Template E, three words: register + 64-bit immediate.
	{Key: FormatKey{IL: 3, Mode: 4, Mode2: 0}, Template: TemplateE,
		Operands: OpRT | OpImmediate | OpRD,
		RdBit: 13, RtBit: 18, OTBit: 23, RsBit: -1,
		ImmPos: 4, ImmSize: 8, Category: "int", ExeTable: 6},

	// Jump submodes, mode 5. Submode 0: short conditional branch, single
	// word, OPJ in IM1, 8-bit word offset in byte 3.
	{Key: FormatKey{IL: 1, Mode: 5, Mode2: 0}, Template: TemplateB,
		Operands: OpRT | OpImmediate, Mode2Encoded: true,
		RtBit: 13, RdBit: -1, RsBit: -1, OTBit: -1, FixedOT: OTCode64,
		JumpPos: 3, JumpSize: 1, Category: "jump", ExeTable: 7},
	// Submode 1: near branch, two words, OPJ in the alternative IM6 field.
	{Key: FormatKey{IL: 2, Mode: 5, Mode2: 1}, Template: TemplateD,
		Operands: OpRT | OpImmediate, Mode2Encoded: true,
		RtBit: 13, RdBit: -1, RsBit: -1, OTBit: -1, FixedOT: OTCode64,
		JumpPos: 4, JumpSize: 4, OpjAltField: true,
		Category: "jump", ExeTable: 8},
	// Submode 2: far unconditional jump. OPJ has no encoded value and is
	// always treated as 63 ("jump always").
	{Key: FormatKey{IL: 2, Mode: 5, Mode2: 2}, Template: TemplateD,
		Operands: OpImmediate, Mode2Encoded: true,
		RtBit: -1, RdBit: -1, RsBit: -1, OTBit: -1, FixedOT: OTCode64,
		JumpPos: 4, JumpSize: 4, OpjFixed63: true,
		Category: "jump", ExeTable: 9},
	// Submode 3: fused compare-and-branch testing two registers, produced
	// by the assembler's mergeJump step. RS occupies the IM1 bits, so OPJ
	// moves to IM6.
	{Key: FormatKey{IL: 2, Mode: 5, Mode2: 3}, Template: TemplateD,
		Operands: OpRT | OpRS | OpImmediate, Mode2Encoded: true,
		RtBit: 13, RsBit: 18, RdBit: -1, OTBit: -1, FixedOT: OTCode64,
		JumpPos: 4, JumpSize: 4, OpjAltField: true,
		Category: "jump", ExeTable: 11},

	// Template C memory variant: DATAP-relative, 16-bit offset, one
	// word. With no room for an OT field, the transfer is implicitly
	// 32-bit.
	{Key: FormatKey{IL: 1, Mode: 6, Mode2: 0}, Template: TemplateC,
		Operands: OpMemory | OpRD, BaseDATAP: true,
		RdBit: 11, RtBit: -1, RsBit: -1, OTBit: -1, FixedOT: OTCode32,
		AddrPos: 2, AddrSize: 2, Category: "mem", ExeTable: 10},
}

// LookupFormat is the format lookup shared by the disassembler and
// emulator: given
// the decoded (il, mode, mode2) of an instruction's leading word, return
// the matching Format Record, or nil if none matches.
func LookupFormat(il, mode, mode2 int) *FormatRecord {
	for i := range formatTable {
		f := &formatTable[i]
		if f.Key.IL == il && f.Key.Mode == mode && f.Key.Mode2 == mode2 {
			return f
		}
	}
	return nil
}

// AllFormats returns every Format Record, in table order (used by the
// fitter's "lexicographically earliest in the format table" tie-break).
func AllFormats() []FormatRecord {
	out := make([]FormatRecord, len(formatTable))
	copy(out, formatTable)
	return out
}

// EffectiveOPJ computes the effective jump opcode for a jump-submode
// Format Record, replicating the OpjAltField/OpjFixed63 flag logic
// verbatim: it is load-bearing for both disassembly and emulation.
func EffectiveOPJ(f *FormatRecord, im1, im6 uint32) uint32 {
	if f.OpjFixed63 {
		return 63
	}
	if f.OpjAltField {
		return im6
	}
	return im1
}
