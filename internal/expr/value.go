// Package expr implements the Expression Evaluator: recursive
// descent over a token span producing a tagged Expression Value.
package expr

import "github.com/xyproto/forwardcom/internal/isa"

// Kind tags which component(s) of a Value are meaningful. Kind
// discriminates the Go-level sum type implemented as tagged fields
// on one struct (kept as a struct, not an interface, because the
// assembler's Code Item embeds a Value and mutates it in place across
// the convergence loop in pass 4 — see internal/assembler/fitter.go).
type Kind int

const (
	KindInvalid Kind = iota
	KindInteger
	KindFloat
	KindString
	KindRegister
	KindMemory
	KindSymbolDiff
	KindUnresolved
	KindThreeReg
	KindError
)

// MemoryOperand is a base[+index*scale+offset] addressing expression.
type MemoryOperand struct {
	HasBase  bool
	Base     isa.RegRef
	HasIndex bool
	Index    isa.RegRef
	Scale    int // log2 scale factor
	Offset   int64
	Symbol   string // non-empty if the offset is actually a symbol reference
}

// Value is an evaluated expression: a fat record whose Kind
// says which fields are meaningful. Unresolved/error are carried as
// flags in addition to KindUnresolved/KindError, because an otherwise-resolved-looking
// expression (e.g. register+register) can still be marked unresolved
// pending a forward symbol reference nested inside it.
type Value struct {
	Kind Kind

	Int    int64
	Int2   int64 // second integer, used by two-register / packed forms
	Float  float64
	Str    string

	Reg  isa.RegRef
	Reg2 isa.RegRef // second register, for three-register forms
	Reg3 isa.RegRef

	Mem MemoryOperand

	Sym1, Sym2 string // for sym1 - sym2 difference relocations
	SymScale   int

	MaskReg     isa.RegRef
	HasMask     bool
	FallbackReg isa.RegRef
	HasFallback bool

	OptionBits int
	JumpOffset int64
	TypeName   string

	Unresolved    bool // a referenced symbol isn't defined yet
	UnresolvedSym string
	HasError      bool
	ErrorMessage  string

	Scale  int // scale factor applied by a containing expression (e.g. "* 4" folded into an index)
	Tokens int // number of source tokens consumed
}

func Integer(v int64) Value   { return Value{Kind: KindInteger, Int: v} }
func FloatVal(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func StringVal(s string) Value { return Value{Kind: KindString, Str: s} }
func RegisterVal(r isa.RegRef) Value { return Value{Kind: KindRegister, Reg: r} }
func Unresolved(name string) Value {
	return Value{Kind: KindUnresolved, Unresolved: true, UnresolvedSym: name}
}
func Errorf(msg string) Value { return Value{Kind: KindError, HasError: true, ErrorMessage: msg} }

func (v Value) IsNumeric() bool { return v.Kind == KindInteger || v.Kind == KindFloat }
