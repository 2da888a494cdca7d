package isa

import "fmt"

// RegisterClass distinguishes the register banks the tokenizer and
// emulator both need to agree on.
type RegisterClass uint8

const (
	RegGP RegisterClass = iota
	RegVector
	RegSpecial
	RegCapability
	RegPerfCounter
	RegSystem
)

// The architecture has 32 general-purpose and 32 vector registers.
const (
	NumGP     = 32
	NumVector = 32
)

// MaxVectorLength is the default configurable maximum vector register
// length in bytes.
const MaxVectorLength = 128

// Special register indices.
const (
	SpecNUMCONTR = 0 // FP rounding/mask control
	SpecTHREADP  = 1
	SpecDATAP    = 2
	SpecIP       = 3 // instruction pointer alias
)

// RegIndexSP is the general-purpose register the stack pointer aliases.
const RegIndexSP = NumGP - 1

// RegRef is a decoded register token: class + index, packed the way the
// tokenizer's register-id encoding does (class in the high bits, index
// in the low 8 bits) so a single uint16 travels through Token.value.
type RegRef struct {
	Class RegisterClass
	Index int
}

func (r RegRef) Encode() uint16 {
	return uint16(r.Class)<<8 | uint16(r.Index)
}

func DecodeRegRef(v uint16) RegRef {
	return RegRef{Class: RegisterClass(v >> 8), Index: int(v & 0xff)}
}

func (r RegRef) String() string {
	switch r.Class {
	case RegGP:
		if r.Index == RegIndexSP {
			return "sp"
		}
		return fmt.Sprintf("r%d", r.Index)
	case RegVector:
		return fmt.Sprintf("v%d", r.Index)
	case RegSpecial:
		switch r.Index {
		case SpecNUMCONTR:
			return "numcontr"
		case SpecTHREADP:
			return "threadp"
		case SpecDATAP:
			return "datap"
		case SpecIP:
			return "ip"
		}
		return fmt.Sprintf("spec%d", r.Index)
	case RegCapability:
		return fmt.Sprintf("capab%d", r.Index)
	case RegPerfCounter:
		return fmt.Sprintf("perf%d", r.Index)
	case RegSystem:
		return fmt.Sprintf("sys%d", r.Index)
	default:
		return "?"
	}
}

// registerPrefixes is the recognition table: {r, v, spec, capab,
// perf, sys} followed by 1-2 decimal digits < 32, plus the special
// mnemonic names sp/ip/datap/threadp.
var registerPrefixes = []struct {
	prefix string
	class  RegisterClass
}{
	{"spec", RegSpecial},
	{"capab", RegCapability},
	{"perf", RegPerfCounter},
	{"sys", RegSystem},
	{"r", RegGP},
	{"v", RegVector},
}

var namedRegisters = map[string]RegRef{
	"sp":      {RegGP, RegIndexSP},
	"ip":      {RegSpecial, SpecIP},
	"datap":   {RegSpecial, SpecDATAP},
	"threadp": {RegSpecial, SpecTHREADP},
}

// LookupRegister recognizes a register spelling, returning ok=false if
// the identifier does not match the prefix+digits or named-register
// grammar. Prefixes are tried longest-first so "spec3" is not mistaken
// for "sp" + garbage.
func LookupRegister(ident string) (RegRef, bool) {
	if r, ok := namedRegisters[ident]; ok {
		return r, true
	}
	for _, p := range registerPrefixes {
		if len(ident) <= len(p.prefix) || ident[:len(p.prefix)] != p.prefix {
			continue
		}
		digits := ident[len(p.prefix):]
		if len(digits) == 0 || len(digits) > 2 {
			continue
		}
		n := 0
		for _, c := range digits {
			if c < '0' || c > '9' {
				n = -1
				break
			}
			n = n*10 + int(c-'0')
		}
		if n < 0 || n >= NumGP {
			continue
		}
		return RegRef{Class: p.class, Index: n}, true
	}
	return RegRef{}, false
}
