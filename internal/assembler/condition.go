package assembler

import (
	"github.com/xyproto/forwardcom/internal/asmtok"
	"github.com/xyproto/forwardcom/internal/isa"
)

// scratchCompareReg is the register conditions are lowered into when the
// high-level condition compares two values rather than testing one
// register against zero. The physical jump Format Records this
// assembler targets carry only a single test register (RT) plus the
// jump-offset field -- there is no second operand slot for a compare
// value -- so "a < b" lowers to "sub r30, a, b" followed by a
// zero-test on r30, the same way a compiler-generated temporary would.
// r31 is the stack pointer and is never used as a scratch.
var scratchCompareReg = isa.RegRef{Class: isa.RegGP, Index: isa.NumGP - 2}

// condition is a parsed high-level if/while test: the register to
// zero-test, which mnemonic branches when the condition is true, and
// its logical inverse (used to jump *past* a true-branch body).
type condition struct {
	testReg  isa.RegRef
	trueMnem string
	falseMnem string
	prelude  []*CodeItem
}

// parseCondition recognizes the condition grammar this assembler
// supports: a bare register ("while (r1)"), a register compared
// against a literal zero, or a register compared against another
// register or a nonzero constant (lowered through scratchCompareReg).
func parseCondition(tokens []asmtok.Token, ctx *Context) (condition, bool) {
	if len(tokens) == 1 && tokens[0].Kind == asmtok.KindRegister {
		return condition{testReg: isa.DecodeRegRef(uint16(tokens[0].ID)), trueMnem: "jump_ne", falseMnem: "jump_eq"}, true
	}
	if len(tokens) == 3 && tokens[0].Kind == asmtok.KindRegister && tokens[1].Kind == asmtok.KindOperator {
		reg := isa.DecodeRegRef(uint16(tokens[0].ID))
		op := tokens[1].StringValue
		swap := false
		switch op {
		case ">":
			op, swap = "<", true
		case "<=":
			op, swap = ">=", true
		}

		// Operand 2 is a literal zero: direct zero-test, no prelude.
		if tokens[2].Kind == asmtok.KindInteger && tokens[2].IntValue == 0 && !swap {
			return conditionFromOp(op, reg)
		}

		// Otherwise lower to "sub r30, lhs, rhs" then zero-test r30.
		lhsReg, rhsIsReg, rhsReg, rhsImm := reg, false, isa.RegRef{}, int64(0)
		if tokens[2].Kind == asmtok.KindRegister {
			rhsIsReg, rhsReg = true, isa.DecodeRegRef(uint16(tokens[2].ID))
		} else if tokens[2].Kind == asmtok.KindInteger {
			rhsImm = tokens[2].IntValue
		} else {
			return condition{}, false
		}
		if swap {
			// a > b  ==  b < a ;  a <= b  ==  b >= a
			if rhsIsReg {
				lhsReg, rhsReg = rhsReg, lhsReg
			} else {
				// A constant cannot move to the left of the sub, so use
				// a > k  ==  a >= k+1 ;  a <= k  ==  a < k+1
				rhsImm++
				if op == "<" {
					op = ">="
				} else {
					op = "<"
				}
			}
		}
		sub := newCodeItem("sub", ctx)
		if sub == nil {
			return condition{}, false
		}
		sub.HasDest, sub.DestReg = true, scratchCompareReg
		sub.SrcIsReg = append(sub.SrcIsReg, true)
		sub.SrcRegs = append(sub.SrcRegs, lhsReg)
		if rhsIsReg {
			sub.SrcIsReg = append(sub.SrcIsReg, true)
			sub.SrcRegs = append(sub.SrcRegs, rhsReg)
		} else {
			sub.SrcIsReg = append(sub.SrcIsReg, false)
			sub.SrcImms = append(sub.SrcImms, rhsImm)
		}
		c, ok := conditionFromOp(op, scratchCompareReg)
		if !ok {
			return condition{}, false
		}
		c.prelude = []*CodeItem{sub}
		return c, true
	}
	return condition{}, false
}

func conditionFromOp(op string, reg isa.RegRef) (condition, bool) {
	switch op {
	case "==":
		return condition{testReg: reg, trueMnem: "jump_eq", falseMnem: "jump_ne"}, true
	case "!=":
		return condition{testReg: reg, trueMnem: "jump_ne", falseMnem: "jump_eq"}, true
	case "<":
		return condition{testReg: reg, trueMnem: "jump_below", falseMnem: "jump_aboveeq"}, true
	case ">=":
		return condition{testReg: reg, trueMnem: "jump_aboveeq", falseMnem: "jump_below"}, true
	default:
		return condition{}, false
	}
}

// jumpItem builds a CodeItem for a conditional or unconditional jump to
// a (possibly still-undefined) label, resolved by pass 4.
func jumpItem(mnemonic string, reg isa.RegRef, hasReg bool, target string, ctx *Context) *CodeItem {
	item := newCodeItem(mnemonic, ctx)
	if item == nil {
		return nil
	}
	if hasReg {
		item.SrcIsReg = append(item.SrcIsReg, true)
		item.SrcRegs = append(item.SrcRegs, reg)
	}
	item.SymRef = target
	return item
}
