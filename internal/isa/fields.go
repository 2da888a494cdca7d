package isa

import "fmt"

// OT codes, per the glossary's element-size enumeration.
const (
	OTCode8      = 0
	OTCode16     = 1
	OTCode32     = 2
	OTCode64     = 3
	OTCode128    = 4
	OTCodeFloat  = 5
	OTCodeDouble = 6
	OTCodeQuad   = 7
)

// OTSize returns the element size in bytes for an OT code.
func OTSize(ot int) int {
	switch ot {
	case OTCode8:
		return 1
	case OTCode16:
		return 2
	case OTCode32, OTCodeFloat:
		return 4
	case OTCode64, OTCodeDouble:
		return 8
	case OTCode128, OTCodeQuad:
		return 16
	default:
		return 8
	}
}

// OTIsFloat reports whether an OT code selects a floating-point element.
func OTIsFloat(ot int) bool { return ot == OTCodeFloat || ot == OTCodeDouble }

func getBits(w uint32, pos, width int) uint32 {
	return (w >> uint(pos)) & ((1 << uint(width)) - 1)
}

func putBits(w *uint32, pos, width int, v uint32) {
	mask := uint32((1<<uint(width))-1) << uint(pos)
	*w = (*w &^ mask) | ((v << uint(pos)) & mask)
}

// Fields carries the operand values of one instruction, in either
// direction: the assembler fills it and calls Encode; Decode fills it
// from fetched words for the disassembler and emulator.
type Fields struct {
	Op1        uint32
	OT         int
	Rd, Rt, Rs int
	Imm        int64 // sign-extended immediate
	Addr       int64 // sign-extended memory offset
	JumpOffset int64 // sign-extended jump offset, in 32-bit words
	OPJ        uint32
}

// Decoded is the result of decoding one instruction: its Format Record,
// its field values, and the raw words it occupied.
type Decoded struct {
	Format *FormatRecord
	Fields
	Raw []uint32
}

func (d *Decoded) Len() int { return d.Format.Key.IL }

// signExtend interprets the low `bytes` bytes of v as a signed value.
func signExtend(v uint64, bytes int) int64 {
	shift := uint(64 - 8*bytes)
	return int64(v<<shift) >> shift
}

// byteField reads a little-endian field of `size` bytes starting at
// byte position `pos` within the instruction's words.
func byteField(words []uint32, pos, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		b := pos + i
		v |= uint64(byte(words[b/4]>>(8*uint(b%4)))) << (8 * uint(i))
	}
	return v
}

func putByteField(words []uint32, pos, size int, v uint64) {
	for i := 0; i < size; i++ {
		b := pos + i
		putBits(&words[b/4], 8*(b%4), 8, uint32(v>>(8*uint(i))))
	}
}

// DecodeFirstWord performs the format lookup: it extracts
// (il, mode, mode2) from the leading word and finds the Format Record.
// For single-submode modes the mode2 bits belong to register fields, so
// a failed exact lookup falls back to submode 0.
func DecodeFirstWord(w uint32) (*FormatRecord, error) {
	il := int(getBits(w, ILBit, ILWidth))
	mode := int(getBits(w, ModeBit, ModeWidth))
	mode2 := int(getBits(w, Mode2Bit, Mode2Width))
	f := LookupFormat(il, mode, mode2)
	if f == nil || !f.Mode2Encoded {
		if g := LookupFormat(il, mode, 0); g != nil && !g.Mode2Encoded {
			return g, nil
		}
	}
	if f == nil {
		return nil, fmt.Errorf("isa: no format for il=%d mode=%d mode2=%d", il, mode, mode2)
	}
	return f, nil
}

// Decode decodes the instruction starting at words[0]. words must hold
// at least the full instruction (Decoded.Len() words).
func Decode(words []uint32) (*Decoded, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("isa: empty instruction stream")
	}
	f, err := DecodeFirstWord(words[0])
	if err != nil {
		return nil, err
	}
	if len(words) < f.Key.IL {
		return nil, fmt.Errorf("isa: truncated %d-word instruction", f.Key.IL)
	}
	w0 := words[0]
	d := &Decoded{Format: f, Raw: words[:f.Key.IL]}
	d.Op1 = getBits(w0, Op1Bit, Op1Width)
	d.OT = f.FixedOT
	if f.OTBit >= 0 {
		d.OT = int(getBits(w0, f.OTBit, OTWidth))
	}
	if f.Operands.Has(OpRD) && f.RdBit >= 0 {
		d.Rd = int(getBits(w0, f.RdBit, RegWidth))
	}
	if (f.Operands.Has(OpRT) || f.Operands.Has(OpMemory)) && f.RtBit >= 0 {
		d.Rt = int(getBits(w0, f.RtBit, RegWidth))
	}
	if f.Operands.Has(OpRS) && f.RsBit >= 0 {
		d.Rs = int(getBits(w0, f.RsBit, RegWidth))
	}
	if f.ImmSize > 0 {
		d.Imm = signExtend(byteField(d.Raw, f.ImmPos, f.ImmSize), f.ImmSize)
	}
	if f.AddrSize > 0 {
		d.Addr = signExtend(byteField(d.Raw, f.AddrPos, f.AddrSize), f.AddrSize)
	}
	if f.JumpSize > 0 {
		d.JumpOffset = signExtend(byteField(d.Raw, f.JumpPos, f.JumpSize), f.JumpSize)
		im1 := getBits(w0, OpjIM1Bit, OpjWidth)
		im6 := getBits(w0, OpjIM6Bit, OpjWidth)
		d.OPJ = EffectiveOPJ(f, im1, im6)
	}
	return d, nil
}

// Encode produces the on-wire words for one instruction from its chosen
// Format Record and field values. It is the exact inverse of Decode for
// every field the format declares.
func Encode(f *FormatRecord, fl Fields) []uint32 {
	words := make([]uint32, f.Key.IL)
	putBits(&words[0], Op1Bit, Op1Width, fl.Op1)
	putBits(&words[0], ModeBit, ModeWidth, uint32(f.Key.Mode))
	putBits(&words[0], ILBit, ILWidth, uint32(f.Key.IL))
	if f.Mode2Encoded {
		putBits(&words[0], Mode2Bit, Mode2Width, uint32(f.Key.Mode2))
	}
	if f.OTBit >= 0 {
		putBits(&words[0], f.OTBit, OTWidth, uint32(fl.OT))
	}
	if f.Operands.Has(OpRD) && f.RdBit >= 0 {
		putBits(&words[0], f.RdBit, RegWidth, uint32(fl.Rd))
	}
	if (f.Operands.Has(OpRT) || f.Operands.Has(OpMemory)) && f.RtBit >= 0 {
		putBits(&words[0], f.RtBit, RegWidth, uint32(fl.Rt))
	}
	if f.Operands.Has(OpRS) && f.RsBit >= 0 {
		putBits(&words[0], f.RsBit, RegWidth, uint32(fl.Rs))
	}
	if f.ImmSize > 0 {
		putByteField(words, f.ImmPos, f.ImmSize, uint64(fl.Imm))
	}
	if f.AddrSize > 0 {
		putByteField(words, f.AddrPos, f.AddrSize, uint64(fl.Addr))
	}
	if f.JumpSize > 0 {
		putByteField(words, f.JumpPos, f.JumpSize, uint64(fl.JumpOffset))
		if !f.OpjFixed63 {
			if f.OpjAltField {
				putBits(&words[0], OpjIM6Bit, OpjWidth, fl.OPJ)
			} else {
				putBits(&words[0], OpjIM1Bit, OpjWidth, fl.OPJ)
			}
		}
	}
	return words
}
