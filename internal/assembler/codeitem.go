package assembler

import (
	"github.com/xyproto/forwardcom/internal/expr"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// CodeItem is an instruction under construction: it inherits
// Expression Value and adds the fields pass 3 onward needs: section,
// address, label, data type, instruction id, the fit bitmasks computed
// by the Code Fitter, the destination register, source-operand count,
// tentative encoded size, and the per-convergence-step upper bound pass
// 4 uses to force termination.
type CodeItem struct {
	expr.Value

	Section  *objfile.Section
	Address  uint64 // offset within Section, in bytes; set once pass 4 converges
	Label    string
	DataType isa.OperandTypeMask
	OT       int // operand-type code for the encoded OT field; -1 selects the class default

	Instr *isa.InstructionRecord

	HasDest bool
	DestReg isa.RegRef

	SrcRegs  []isa.RegRef
	SrcIsReg []bool
	SrcImms  []int64

	SymRef     string // unresolved symbol operand (jump target, memory base, …)
	RefIsLocal bool   // symbol resolves within the same module (no relocation)

	Fit          FitBits
	ChosenFormat *isa.FormatRecord
	NeedsReloc   bool

	SizeWords    int  // chosen encoded size, in 32-bit words: 1, 2, or 3
	MaxSizeWords int  // pass-4 upper bound for this convergence step
	ForceLarger  bool // "choose-larger-if-uncertain" flag

	// Merge bookkeeping for mergeJump: set on the
	// arithmetic instruction that feeds a following conditional jump
	// whose operand it solely produces.
	MergedIntoNext bool
	Removed        bool // optimizeCode/mergeJump may fold two lines into one
}

// NumSources reports how many register source operands the item
// carries.
func (c *CodeItem) NumSources() int { return len(c.SrcRegs) }
