package expr

import (
	"strings"

	"github.com/xyproto/forwardcom/internal/asmtok"
	"github.com/xyproto/forwardcom/internal/isa"
)

// Resolver is how the evaluator reaches outside its own token span: to
// substitute meta-variables, and to ask whether a bare name is a symbol
// that is (not yet) defined. It is implemented by the assembler's
// per-context symbol table (see internal/assembler), never by a
// package-level global, so isolated contexts stay isolated.
type Resolver interface {
	LookupMeta(name string) (Value, bool)
	// LookupSymbol reports whether name is a known symbol and, if so,
	// its resolved integer value (section-relative offset or absolute).
	// ok=false with everSeen=true means "known but not yet defined" —
	// forward reference; ok=false with everSeen=false means "never
	// seen", which the caller treats as an error at the point of use.
	LookupSymbol(name string) (value int64, ok bool, everSeen bool)
	SetMeta(name string, v Value)
}

// Eval evaluates the inclusive token span tokens[lo:hi+1] by recursive
// descent.
func Eval(tokens []asmtok.Token, lo, hi int, r Resolver) Value {
	if lo > hi {
		return Errorf("empty expression")
	}
	span := tokens[lo : hi+1]

	// Strip one matching layer of enclosing parentheses.
	if len(span) >= 2 && span[0].StringValue == "(" && matchParen(span, 0) == len(span)-1 {
		return Eval(tokens, lo+1, hi-1, r)
	}

	if span[0].StringValue == "?" || containsTopLevel(span, "?") {
		if idx := topLevelIndex(span, "?"); idx >= 0 {
			colon := topLevelIndexFrom(span, ":", idx+1)
			if colon > idx {
				cond := Eval(tokens, lo, lo+idx-1, r)
				if cond.HasError || cond.Unresolved {
					return cond
				}
				if truthy(cond) {
					return Eval(tokens, lo+idx+1, lo+colon-1, r)
				}
				return Eval(tokens, lo+colon+1, hi, r)
			}
		}
	}

	if idx, tok := lowestPrecedenceOp(span); idx >= 0 {
		if isAssignOp(tok.StringValue) {
			if idx == 0 {
				return Errorf("missing assignment target")
			}
			name := tokens[lo+idx-1]
			rhs := Eval(tokens, lo+idx+1, hi, r)
			if name.Kind == asmtok.KindName {
				if tok.StringValue != "=" {
					cur, ok := r.LookupMeta(name.StringValue)
					if ok {
						rhs = applyBinary(compoundBaseOp(tok.StringValue), cur, rhs)
					}
				}
				r.SetMeta(name.StringValue, rhs)
			}
			return rhs
		}

		if idx == 0 {
			// Unary application.
			operand := Eval(tokens, lo+1, hi, r)
			return applyUnary(tok.StringValue, operand)
		}

		left := Eval(tokens, lo, lo+idx-1, r)
		right := Eval(tokens, lo+idx+1, hi, r)
		return applyBinary(tok.StringValue, left, right)
	}

	if len(span) == 1 {
		return evalLeaf(span[0], r)
	}

	// Adjacent register + bracketed/implicit offset with no operator
	// between them is treated as a memory operand, e.g. "r1[8]" forms
	// handled by the caller splitting on "[" "]" before reaching here.
	return Errorf("malformed expression")
}

func evalLeaf(tok asmtok.Token, r Resolver) Value {
	switch tok.Kind {
	case asmtok.KindInteger:
		return Integer(tok.IntValue)
	case asmtok.KindFloat:
		return FloatVal(tok.FloatValue)
	case asmtok.KindChar:
		return Integer(tok.IntValue)
	case asmtok.KindString:
		return StringVal(tok.StringValue)
	case asmtok.KindRegister:
		return RegisterVal(isa.DecodeRegRef(uint16(tok.ID)))
	case asmtok.KindName, asmtok.KindSymbolRef:
		if v, ok := r.LookupMeta(tok.StringValue); ok {
			return v
		}
		if val, ok, everSeen := r.LookupSymbol(tok.StringValue); ok {
			return Integer(val)
		} else if everSeen {
			return Unresolved(tok.StringValue)
		}
		return Unresolved(tok.StringValue)
	default:
		return Errorf("unexpected token " + tok.StringValue)
	}
}

func matchParen(span []asmtok.Token, open int) int {
	depth := 0
	for i := open; i < len(span); i++ {
		switch span[i].StringValue {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// lowestPrecedenceOp scans span for the operator with the lowest
// precedence (highest Priority number) at bracket depth 0. Assignment
// operators (right-associative) resolve to their leftmost occurrence;
// everything else resolves to its rightmost, which gives correct
// left-associative splitting.
func lowestPrecedenceOp(span []asmtok.Token) (int, asmtok.Token) {
	depth := 0
	bestIdx := -1
	bestPriority := -1
	var bestTok asmtok.Token
	for i, t := range span {
		switch t.StringValue {
		case "(", "[", "{":
			depth++
			continue
		case ")", "]", "}":
			depth--
			continue
		}
		if depth != 0 || t.Kind != asmtok.KindOperator {
			continue
		}
		if i == 0 && !isPrefixableUnary(t.StringValue) {
			continue
		}
		if t.Priority <= 0 {
			continue
		}
		if isAssignOp(t.StringValue) {
			if t.Priority > bestPriority || (t.Priority == bestPriority && bestIdx > i) {
				bestPriority, bestIdx, bestTok = t.Priority, i, t
			}
			continue
		}
		if t.Priority >= bestPriority {
			bestPriority, bestIdx, bestTok = t.Priority, i, t
		}
	}
	return bestIdx, bestTok
}

func isPrefixableUnary(op string) bool {
	switch op {
	case "-", "!", "~", "++", "--":
		return true
	default:
		return false
	}
}

func isAssignOp(op string) bool {
	switch op {
	case "=", "+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "<<=", ">>=":
		return true
	default:
		return false
	}
}

func compoundBaseOp(op string) string { return strings.TrimSuffix(op, "=") }

func containsTopLevel(span []asmtok.Token, op string) bool { return topLevelIndex(span, op) >= 0 }

func topLevelIndex(span []asmtok.Token, op string) int { return topLevelIndexFrom(span, op, 0) }

func topLevelIndexFrom(span []asmtok.Token, op string, from int) int {
	depth := 0
	for i := from; i < len(span); i++ {
		switch span[i].StringValue {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		}
		if depth == 0 && span[i].StringValue == op {
			return i
		}
	}
	return -1
}

func truthy(v Value) bool {
	switch v.Kind {
	case KindInteger:
		return v.Int != 0
	case KindFloat:
		return v.Float != 0
	default:
		return false
	}
}
