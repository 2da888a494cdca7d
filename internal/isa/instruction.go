package isa

import (
	"embed"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

//go:embed instructions.csv
var instructionCSV embed.FS

// ImmStyle enumerates how an Instruction Record's immediate field is
// interpreted.
type ImmStyle int

const (
	ImmRawSigned8 ImmStyle = iota
	ImmRawSigned16
	ImmRawSigned32
	ImmRawSigned64
	ImmShifted
	ImmTwoPacked8
	ImmHalfFloat
	ImmImplicit
	ImmOperandTypeDetermined
)

func parseImmStyle(s string) (ImmStyle, error) {
	switch s {
	case "raw8":
		return ImmRawSigned8, nil
	case "raw16":
		return ImmRawSigned16, nil
	case "raw32":
		return ImmRawSigned32, nil
	case "raw64":
		return ImmRawSigned64, nil
	case "shifted":
		return ImmShifted, nil
	case "packed8x2":
		return ImmTwoPacked8, nil
	case "halffloat":
		return ImmHalfFloat, nil
	case "implicit":
		return ImmImplicit, nil
	case "typedetermined":
		return ImmOperandTypeDetermined, nil
	default:
		return 0, fmt.Errorf("unknown immediate style %q", s)
	}
}

// Variant is a per-mnemonic quirk bitfield consulted by encoder and decoder.
type Variant uint32

const (
	VariantNoDest Variant = 1 << iota
	VariantOptionInIM5
	VariantUnsignedOperand
	VariantMaskFallback
	VariantJump
)

// FormatMask is a bitmask over the five Templates, used to express which
// physical templates a mnemonic may be encoded in.
type FormatMask uint8

const (
	FormatA FormatMask = 1 << iota
	FormatB
	FormatC
	FormatD
	FormatE
)

func formatMaskBit(t Template) FormatMask {
	switch t {
	case TemplateA:
		return FormatA
	case TemplateB:
		return FormatB
	case TemplateC:
		return FormatC
	case TemplateD:
		return FormatD
	case TemplateE:
		return FormatE
	default:
		return 0
	}
}

func (m FormatMask) Allows(t Template) bool { return m&formatMaskBit(t) != 0 }

func parseFormatMask(s string) (FormatMask, error) {
	var m FormatMask
	for _, c := range s {
		switch c {
		case 'A':
			m |= FormatA
		case 'B':
			m |= FormatB
		case 'C':
			m |= FormatC
		case 'D':
			m |= FormatD
		case 'E':
			m |= FormatE
		default:
			return 0, fmt.Errorf("unknown format letter %q", string(c))
		}
	}
	return m, nil
}

// OperandTypeMask selects which element/operand data types a mnemonic
// accepts, as a bitmask over {int8,int16,int32,int64,float,double}.
type OperandTypeMask uint16

const (
	OTInt8 OperandTypeMask = 1 << iota
	OTInt16
	OTInt32
	OTInt64
	OTFloat
	OTDouble
)

// InstructionRecord is one per mnemonic.
type InstructionRecord struct {
	Name          string
	OpcodeID      uint32
	AllowedFormat FormatMask
	GPTypes       OperandTypeMask
	VectorTypes   OperandTypeMask
	Imm           ImmStyle
	Variants      Variant
	JumpCondCode  int // conditional-branch sub-code, meaningful iff Variants&VariantJump
}

func (r *InstructionRecord) IsJump() bool { return r.Variants&VariantJump != 0 }

// Table bundles the three sorted views the assembler/disassembler need:
// by name (assembler lookup), by opcode ID (disassembler lookup), and by
// (format, op) key for jump/multi-format subsets.
type Table struct {
	byName     map[string]*InstructionRecord
	byID       map[uint32]*InstructionRecord
	byFmtOp    map[[2]uint32]*InstructionRecord
	byJumpCond map[int]*InstructionRecord // jump variants keyed by conditional-branch sub-code
	allSorted  []*InstructionRecord       // sorted by Name, for deterministic iteration
}

// LoadBuiltinTable parses the compiled-in instructions.csv and builds the
// three lookup views.
func LoadBuiltinTable() (*Table, error) {
	f, err := instructionCSV.Open("instructions.csv")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadTable(f)
}

// LoadTable parses an instruction-table CSV from an arbitrary reader, so
// tests can exercise alternate tables without touching the embedded file.
//
// Columns: name,opcode,formats,gptypes,vectortypes,immstyle,variants,jumpcond
func LoadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("isa: reading instruction table: %w", err)
	}

	t := &Table{
		byName:     make(map[string]*InstructionRecord),
		byID:       make(map[uint32]*InstructionRecord),
		byFmtOp:    make(map[[2]uint32]*InstructionRecord),
		byJumpCond: make(map[int]*InstructionRecord),
	}

	for lineNo, row := range records {
		if len(row) == 0 {
			continue
		}
		if len(row) != 8 {
			return nil, fmt.Errorf("isa: instruction table line %d: expected 8 columns, got %d", lineNo+1, len(row))
		}
		opcode, err := parseUintField(row[1])
		if err != nil {
			return nil, fmt.Errorf("isa: line %d: opcode: %w", lineNo+1, err)
		}
		formats, err := parseFormatMask(row[2])
		if err != nil {
			return nil, fmt.Errorf("isa: line %d: %w", lineNo+1, err)
		}
		gpTypes, err := parseTypeMask(row[3])
		if err != nil {
			return nil, fmt.Errorf("isa: line %d: gptypes: %w", lineNo+1, err)
		}
		vecTypes, err := parseTypeMask(row[4])
		if err != nil {
			return nil, fmt.Errorf("isa: line %d: vectortypes: %w", lineNo+1, err)
		}
		immStyle, err := parseImmStyle(row[5])
		if err != nil {
			return nil, fmt.Errorf("isa: line %d: %w", lineNo+1, err)
		}
		variants, err := parseVariants(row[6])
		if err != nil {
			return nil, fmt.Errorf("isa: line %d: %w", lineNo+1, err)
		}
		jumpCond, err := strconv.Atoi(strings.TrimSpace(row[7]))
		if err != nil {
			return nil, fmt.Errorf("isa: line %d: jumpcond: %w", lineNo+1, err)
		}

		rec := &InstructionRecord{
			Name:          strings.TrimSpace(row[0]),
			OpcodeID:      opcode,
			AllowedFormat: formats,
			GPTypes:       gpTypes,
			VectorTypes:   vecTypes,
			Imm:           immStyle,
			Variants:      variants,
			JumpCondCode:  jumpCond,
		}
		if _, dup := t.byName[rec.Name]; dup {
			return nil, fmt.Errorf("isa: line %d: duplicate mnemonic %q", lineNo+1, rec.Name)
		}
		t.byName[rec.Name] = rec
		t.byID[rec.OpcodeID] = rec
		if rec.IsJump() {
			if _, dup := t.byJumpCond[rec.JumpCondCode]; dup {
				return nil, fmt.Errorf("isa: line %d: duplicate jump condition code %d", lineNo+1, rec.JumpCondCode)
			}
			t.byJumpCond[rec.JumpCondCode] = rec
		}
		t.allSorted = append(t.allSorted, rec)

		for _, letter := range "ABCDE" {
			fm, _ := parseFormatMask(string(letter))
			if formats.Allows(formatBitToTemplate(fm)) {
				t.byFmtOp[[2]uint32{uint32(fm), opcode}] = rec
			}
		}
	}

	sort.Slice(t.allSorted, func(i, j int) bool { return t.allSorted[i].Name < t.allSorted[j].Name })
	return t, nil
}

func formatBitToTemplate(m FormatMask) Template {
	switch m {
	case FormatA:
		return TemplateA
	case FormatB:
		return TemplateB
	case FormatC:
		return TemplateC
	case FormatD:
		return TemplateD
	case FormatE:
		return TemplateE
	default:
		return 0
	}
}

func parseUintField(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func parseTypeMask(s string) (OperandTypeMask, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, nil
	}
	var m OperandTypeMask
	for _, part := range strings.Split(s, "|") {
		switch strings.TrimSpace(part) {
		case "i8":
			m |= OTInt8
		case "i16":
			m |= OTInt16
		case "i32":
			m |= OTInt32
		case "i64":
			m |= OTInt64
		case "f32":
			m |= OTFloat
		case "f64":
			m |= OTDouble
		default:
			return 0, fmt.Errorf("unknown operand type %q", part)
		}
	}
	return m, nil
}

func parseVariants(s string) (Variant, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, nil
	}
	var v Variant
	for _, part := range strings.Split(s, "|") {
		switch strings.TrimSpace(part) {
		case "nodest":
			v |= VariantNoDest
		case "optIM5":
			v |= VariantOptionInIM5
		case "unsigned":
			v |= VariantUnsignedOperand
		case "maskfallback":
			v |= VariantMaskFallback
		case "jump":
			v |= VariantJump
		default:
			return 0, fmt.Errorf("unknown variant %q", part)
		}
	}
	return v, nil
}

// ByName looks up a mnemonic. It is the assembler's primary entry point.
func (t *Table) ByName(name string) (*InstructionRecord, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// ByID looks up a mnemonic by its decoded opcode, falling back to
// op-only when no (format, op) pairing is registered — the disassembler
// uses this when the Format Record's dispatch index alone is ambiguous.
func (t *Table) ByID(id uint32) (*InstructionRecord, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// ByFormatOp looks up a mnemonic by its (template, opcode) pairing,
// used for multi-format mnemonics where the opcode alone is reused
// across templates with different meanings.
func (t *Table) ByFormatOp(fm FormatMask, op uint32) (*InstructionRecord, bool) {
	r, ok := t.byFmtOp[[2]uint32{uint32(fm), op}]
	return r, ok
}

// ByJumpCond looks up a jump mnemonic by its effective OPJ value; the
// disassembler and emulator use it after EffectiveOPJ decoding.
func (t *Table) ByJumpCond(opj int) (*InstructionRecord, bool) {
	r, ok := t.byJumpCond[opj]
	return r, ok
}

func (t *Table) All() []*InstructionRecord { return t.allSorted }
