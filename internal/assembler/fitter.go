package assembler

import (
	"fmt"
	"math"

	"github.com/xyproto/forwardcom/internal/expr"
	"github.com/xyproto/forwardcom/internal/isa"
)

// FitBits is the bitmask of representations a constant or address fits
// into: signed-8, negated-signed-8, unsigned-8, shifted signed-8,
// signed-16 through signed-32-shifted-by-32, plus half/single/double
// float bucketing.
type FitBits uint16

const (
	FitSigned8 FitBits = 1 << iota
	FitNegSigned8
	FitUnsigned8
	FitShiftedSigned8
	FitSigned16
	FitSigned32
	FitSigned32Shift32
	FitHalfFloat
	FitSingleFloat
	FitDoubleFloat
	FitNeedsRelocation
)

// fitConstant computes the bitmask of encodings an integer constant
// fits into.
func fitConstant(v int64) FitBits {
	var m FitBits
	if v >= -128 && v <= 127 {
		m |= FitSigned8
	}
	if -v >= -128 && -v <= 127 {
		m |= FitNegSigned8
	}
	if v >= 0 && v <= 255 {
		m |= FitUnsigned8
	}
	if v != 0 && v%256 == 0 {
		shifted := v / 256
		if shifted >= -128 && shifted <= 127 {
			m |= FitShiftedSigned8
		}
	}
	if v >= -32768 && v <= 32767 {
		m |= FitSigned16
	}
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		m |= FitSigned32
	}
	if v != 0 && v%(1<<32) == 0 {
		shifted := v >> 32
		if shifted >= math.MinInt32 && shifted <= math.MaxInt32 {
			m |= FitSigned32Shift32
		}
	}
	return m
}

// fitFloatConstant buckets a float constant by the smallest IEEE width
// that round-trips it exactly.
func fitFloatConstant(f float64) FitBits {
	var m FitBits
	if float64(float32(f)) == f {
		m |= FitSingleFloat
		if h := float32ToHalf(float32(f)); halfToFloat32(h) == float32(f) {
			m |= FitHalfFloat
		}
	}
	m |= FitDoubleFloat
	return m
}

// fitAddress computes the bitmask of encodings a memory-operand offset
// fits into; address fields only ever use the signed buckets.
func fitAddress(offset int64) FitBits {
	m := fitConstant(offset)
	return m &^ (FitUnsigned8 | FitShiftedSigned8 | FitSigned32Shift32)
}

// fitJump computes the fit bitmask for a jump whose offset, in 32-bit
// words, is known or estimated. If the target lives in a different section, the
// FitNeedsRelocation bit is set regardless of numeric range: a target
// in a different section always needs a relocation record.
func fitJump(offsetWords int64, crossSection bool) FitBits {
	m := fitConstant(offsetWords)
	if crossSection {
		m |= FitNeedsRelocation
	}
	return m
}

// candidateFormats returns every Format Record whose Template is
// allowed for instr, in format-table order (for the deterministic
// earliest-in-table tie-break).
func candidateFormats(instr *isa.InstructionRecord) []isa.FormatRecord {
	var out []isa.FormatRecord
	for _, f := range isa.AllFormats() {
		if instr.AllowedFormat.Allows(f.Template) {
			out = append(out, f)
		}
	}
	return out
}

// FitCode implements the Code Fitter: given a Code Item whose
// instruction and operand values are known, select the smallest Format
// Record that accommodates every operand, or fail.
//
// Selection order: smallest encoded size; fewest required
// relocations; lexicographically earliest in the format table. An item
// carrying the choose-larger-if-uncertain flag (ForceLarger) takes the
// largest fitting size instead.
func FitCode(item *CodeItem) (*isa.FormatRecord, FitBits, error) {
	if item.Instr == nil {
		return nil, 0, fmt.Errorf("fitCode: no instruction set on code item")
	}
	candidates := candidateFormats(item.Instr)
	if len(candidates) == 0 {
		return nil, 0, fmt.Errorf("fitCode: %s has no allowed formats", item.Instr.Name)
	}

	var best *isa.FormatRecord
	var bestFit FitBits
	bestWords := math.MaxInt32
	bestRelocs := math.MaxInt32

	for i := range candidates {
		f := &candidates[i]
		ok, fit, needsReloc := fitsFormat(f, item)
		if !ok {
			continue
		}
		words := f.Key.IL
		relocs := 0
		if needsReloc {
			relocs = 1
		}
		better := words < bestWords || (words == bestWords && relocs < bestRelocs)
		if item.ForceLarger {
			better = best == nil || words > bestWords || (words == bestWords && relocs < bestRelocs)
		}
		if better {
			best, bestFit, bestWords, bestRelocs = f, fit, words, relocs
		}
	}

	if best == nil {
		reason := checkCodeE(item, candidates)
		return nil, 0, fmt.Errorf("fitCode: no format fits %s: %s", item.Instr.Name, reason)
	}
	return best, bestFit, nil
}

// fitsFormat is the per-candidate fit test:
// (a) right number of source-operand slots, (b) accepts the operand
// types present, (c) accommodates the immediate/address/jump value.
func fitsFormat(f *isa.FormatRecord, item *CodeItem) (ok bool, fit FitBits, needsReloc bool) {
	if item.HasDest && !f.Operands.Has(isa.OpRD) && item.Instr.Variants&isa.VariantNoDest == 0 {
		return false, 0, false
	}
	if !item.HasDest && f.Operands.Has(isa.OpRD) && item.Instr.Variants&isa.VariantNoDest == 0 {
		// Fine: a format offering RD doesn't require using it, unless
		// the mnemonic mandates a destination.
	}

	// A format with no OT field only carries its implied operand type.
	if f.OTBit < 0 && item.OT >= 0 && item.OT != f.FixedOT {
		return false, 0, false
	}

	// Vector operands route multi-format mnemonics to the vector-mode
	// template; mnemonics that only exist in vector form (GPTypes empty)
	// may use any allowed template, since their register class is implied
	// by the mnemonic itself. The class-determining register is the
	// destination when there is one, else the first source (stores).
	if item.Instr.GPTypes != 0 {
		classReg, hasClassReg := item.DestReg, item.HasDest
		if !hasClassReg && len(item.SrcRegs) > 0 {
			classReg, hasClassReg = item.SrcRegs[0], true
		}
		if hasClassReg {
			if classReg.Class == isa.RegVector && !f.VectorMode && item.Instr.VectorTypes != 0 {
				return false, 0, false
			}
			if classReg.Class != isa.RegVector && f.VectorMode {
				return false, 0, false
			}
		}
	}

	numRegSrc := 0
	for _, isReg := range item.SrcIsReg {
		if isReg {
			numRegSrc++
		}
	}
	slots := f.NumSourceOperands()
	if item.Instr.Variants&isa.VariantNoDest != 0 && f.Operands.Has(isa.OpRD) {
		slots++ // the RD field carries a source for no-destination mnemonics
	}
	if numRegSrc > slots {
		return false, 0, false
	}

	// SrcRegs/SrcImms are compacted: each holds only its own operand
	// kind, in source order, so immediates are counted, not indexed by
	// the SrcIsReg position.
	hasImmSrc := false
	var immVal int64
	immIdx := 0
	for _, isReg := range item.SrcIsReg {
		if !isReg {
			hasImmSrc = true
			immVal = item.SrcImms[immIdx]
			immIdx++
		}
	}

	if item.Instr.IsJump() {
		if f.JumpSize == 0 {
			return false, 0, false
		}
		jf := fitJump(item.JumpOffset, item.SymRef != "" && !item.RefIsLocal)
		if !jumpOffsetFitsField(item.JumpOffset, f.JumpSize, jf) {
			return false, 0, false
		}
		return true, jf, jf&FitNeedsRelocation != 0
	}

	if item.Kind == expr.KindMemory {
		if !f.Operands.Has(isa.OpMemory) {
			return false, 0, false
		}
		// The base register must be representable: DATAP-implicit formats
		// take only DATAP-based (or bare-symbol) operands; the others
		// encode a general-purpose base in the RT field.
		if f.BaseDATAP {
			if item.Mem.HasBase && !(item.Mem.Base.Class == isa.RegSpecial && item.Mem.Base.Index == isa.SpecDATAP) {
				return false, 0, false
			}
		} else {
			if !item.Mem.HasBase || item.Mem.Base.Class != isa.RegGP {
				return false, 0, false
			}
		}
		af := fitAddress(item.Mem.Offset)
		if !addressFitsField(item.Mem.Offset, f.AddrSize, af) {
			return false, 0, false
		}
		needsReloc = item.Mem.Symbol != ""
		return true, af, needsReloc
	}

	if hasImmSrc {
		if !f.Operands.Has(isa.OpImmediate) {
			return false, 0, false
		}
		cf := fitConstant(immVal)
		if !immFitsField(immVal, f.ImmSize, cf) {
			return false, 0, false
		}
		return true, cf, item.SymRef != "" && !item.RefIsLocal
	}

	return true, 0, false
}

func immFitsField(v int64, sizeBytes int, fit FitBits) bool {
	switch sizeBytes {
	case 1:
		return fit&(FitSigned8|FitUnsigned8|FitNegSigned8) != 0
	case 2:
		return fit&FitSigned16 != 0
	case 4:
		return fit&FitSigned32 != 0
	case 8:
		return true
	default:
		return v == 0
	}
}

func addressFitsField(v int64, sizeBytes int, fit FitBits) bool {
	switch sizeBytes {
	case 1:
		return fit&FitSigned8 != 0
	case 2:
		return fit&FitSigned16 != 0
	case 4:
		return fit&FitSigned32 != 0
	default:
		return v == 0
	}
}

func jumpOffsetFitsField(v int64, sizeBytes int, fit FitBits) bool {
	if fit&FitNeedsRelocation != 0 {
		return sizeBytes >= 4 // cross-section jumps need room for a relocation
	}
	return addressFitsField(v, sizeBytes, fitConstant(v))
}

// checkCodeE classifies why no format fit, for diagnostics.
func checkCodeE(item *CodeItem, candidates []isa.FormatRecord) string {
	maxSlots := 0
	for i := range candidates {
		if n := candidates[i].NumSourceOperands(); n > maxSlots {
			maxSlots = n
		}
	}
	numRegSrc := 0
	for _, isReg := range item.SrcIsReg {
		if isReg {
			numRegSrc++
		}
	}
	if numRegSrc > maxSlots {
		return "too many source operands"
	}
	return "immediate or address out of range for every allowed format"
}

// float16 conversion helpers, used by fitFloatConstant's half-precision
// bucketing test.
func float32ToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff
	if exp <= 0 {
		return sign
	}
	if exp >= 0x1f {
		return sign | 0x7c00
	}
	return sign | uint16(exp)<<10 | uint16(mant>>13)
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := (h >> 10) & 0x1f
	mant := uint32(h & 0x3ff)
	if exp == 0 {
		return math.Float32frombits(sign)
	}
	fexp := uint32(int32(exp) - 15 + 127)
	return math.Float32frombits(sign | fexp<<23 | mant<<13)
}
