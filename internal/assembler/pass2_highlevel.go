package assembler

import (
	"github.com/xyproto/forwardcom/internal/asmtok"
	"github.com/xyproto/forwardcom/internal/isa"
)

// classifyHighLevel dispatches the high-level-language keywords
// (if/for/while/do/switch/break/continue). Each handler pushes an
// openBlock that the matching
// "}" line (closeBlock) consumes.
func classifyHighLevel(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	switch toks[0].StringValue {
	case "if":
		handleIf(toks, fb, ctx, where)
	case "while":
		handleWhile(toks, fb, ctx, where)
	case "do":
		handleDo(toks, fb, ctx, where)
	case "for":
		handleFor(toks, fb, ctx, where)
	case "switch":
		handleSwitch(toks, fb, ctx, where)
	case "case":
		handleCase(toks, fb, ctx, where)
	case "break":
		handleBreak(fb, ctx, where)
	case "continue":
		handleContinue(fb, ctx, where)
	default:
		ctx.Errorf(where, "unsupported high-level construct %q", toks[0].StringValue)
	}
}

// closeBlock handles a "}" line: it pops the innermost open block and
// emits whatever trailing code that block kind needs (a backward jump
// for loops, the fallthrough label for switch). For an if-block it also
// peeks at rest for a following "else", rewriting the if/else jump
// structure in place, and for a do-block it peeks for the trailing
// "while (cond)" clause. It returns how many lines of rest it consumed.
func closeBlock(fb *FuncBuilder, ctx *Context, where string, rest []asmtok.Line) int {
	if fb.Blocks.Depth() == 0 {
		ctx.Errorf(where, "unmatched '}'")
		return 0
	}
	ob := fb.Blocks.pop()
	switch ob.kind {
	case blockIf:
		if next, ok := peekKeyword(rest, "else"); ok {
			endLabel := fb.Blocks.newLabel("endif")
			fb.Emit(jumpItem("jump", isa.RegRef{}, false, endLabel, ctx))
			fb.Label(ob.endLabel)
			fb.Blocks.push(openBlock{kind: blockElse, endLabel: endLabel})
			_ = next
			return 1
		}
		fb.Label(ob.endLabel)
		return 0

	case blockElse:
		fb.Label(ob.endLabel)
		return 0

	case blockWhile:
		fb.Emit(jumpItem("jump", isa.RegRef{}, false, ob.headLabel, ctx))
		fb.Label(ob.endLabel)
		return 0

	case blockDoWhile:
		line, consumed := peekLine(rest, "while")
		if consumed == 0 {
			ctx.Errorf(where, "do-block must be followed by while (cond)")
			fb.Label(ob.endLabel)
			return 0
		}
		fb.Label(ob.continueLabel)
		cond, ok := parseCondition(parenSpan(line.Tokens), ctx)
		if !ok {
			ctx.Errorf(line.File, "unrecognized do-while condition")
			fb.Label(ob.endLabel)
			return consumed
		}
		for _, p := range cond.prelude {
			fb.Emit(p)
		}
		fb.Emit(jumpItem(cond.trueMnem, cond.testReg, true, ob.headLabel, ctx))
		fb.Label(ob.endLabel)
		return consumed

	case blockFor:
		fb.Label(ob.continueLabel)
		for _, s := range ob.step {
			fb.Emit(s)
		}
		fb.Emit(jumpItem("jump", isa.RegRef{}, false, ob.headLabel, ctx))
		fb.Label(ob.endLabel)
		return 0

	case blockSwitch:
		if ob.hasPendingCase {
			fb.Label(ob.pendingCase)
		}
		fb.Label(ob.endLabel)
		return 0

	default:
		return 0
	}
}

// peekKeyword reports whether rest's first line is exactly the given
// high-level keyword (used for "else" lookahead).
func peekKeyword(rest []asmtok.Line, kw string) (asmtok.Line, bool) {
	if len(rest) == 0 || len(rest[0].Tokens) == 0 {
		return asmtok.Line{}, false
	}
	t := rest[0].Tokens[0]
	if t.Kind == asmtok.KindHighLevelKeyword && t.StringValue == kw {
		return rest[0], true
	}
	return asmtok.Line{}, false
}

// peekLine is like peekKeyword but returns a consumed count (1) for
// callers that need to skip the matched line in the outer loop.
func peekLine(rest []asmtok.Line, kw string) (asmtok.Line, int) {
	line, ok := peekKeyword(rest, kw)
	if !ok {
		return asmtok.Line{}, 0
	}
	return line, 1
}

// parenSpan returns the tokens strictly between a line's first matching
// "(" ")" pair (toks[1] must be "("), or nil if the grammar doesn't match.
func parenSpan(toks []asmtok.Token) []asmtok.Token {
	if len(toks) < 3 || toks[1].StringValue != "(" {
		return nil
	}
	depth := 0
	for i := 1; i < len(toks); i++ {
		switch toks[i].StringValue {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return toks[2:i]
			}
		}
	}
	return nil
}

func handleIf(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	cond, ok := parseCondition(parenSpan(toks), ctx)
	if !ok {
		ctx.Errorf(where, "unrecognized if condition")
		return
	}
	for _, p := range cond.prelude {
		fb.Emit(p)
	}
	falseLabel := fb.Blocks.newLabel("elseentry")
	fb.Emit(jumpItem(cond.falseMnem, cond.testReg, true, falseLabel, ctx))
	fb.Blocks.push(openBlock{kind: blockIf, endLabel: falseLabel})
}

func handleWhile(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	head := fb.Blocks.newLabel("whilehead")
	end := fb.Blocks.newLabel("whileend")
	fb.Label(head)
	cond, ok := parseCondition(parenSpan(toks), ctx)
	if !ok {
		ctx.Errorf(where, "unrecognized while condition")
		return
	}
	for _, p := range cond.prelude {
		fb.Emit(p)
	}
	fb.Emit(jumpItem(cond.falseMnem, cond.testReg, true, end, ctx))
	fb.Blocks.push(openBlock{kind: blockWhile, headLabel: head, endLabel: end, continueLabel: head})
}

func handleDo(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	head := fb.Blocks.newLabel("dohead")
	fb.Label(head)
	fb.Blocks.push(openBlock{
		kind: blockDoWhile, headLabel: head,
		endLabel:      fb.Blocks.newLabel("doend"),
		continueLabel: fb.Blocks.newLabel("docontinue"),
	})
}

// handleFor supports "for (init; cond; step) { ... }". init and step
// are assignment-shaped statements, parsed with the same grammar
// classifyAssignment uses; step's CodeItems are captured and re-emitted
// at the loop bottom rather than at the point they're parsed.
func handleFor(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	parts := splitOnSemicolon(parenSpan(toks))
	if len(parts) != 3 {
		ctx.Errorf(where, "for needs (init; cond; step)")
		return
	}
	if len(parts[0]) > 0 {
		for _, item := range buildAssignmentItems(parts[0], ctx, where) {
			fb.Emit(item)
		}
	}

	head := fb.Blocks.newLabel("forhead")
	end := fb.Blocks.newLabel("forend")
	cont := fb.Blocks.newLabel("forstep")
	fb.Label(head)

	cond, ok := parseCondition(parts[1], ctx)
	if !ok {
		ctx.Errorf(where, "unrecognized for condition")
		return
	}
	for _, p := range cond.prelude {
		fb.Emit(p)
	}
	fb.Emit(jumpItem(cond.falseMnem, cond.testReg, true, end, ctx))

	var step []*CodeItem
	if len(parts[2]) > 0 {
		step = buildAssignmentItems(parts[2], ctx, where)
	}
	fb.Blocks.push(openBlock{kind: blockFor, headLabel: head, endLabel: end, continueLabel: cont, step: step})
}

func splitOnSemicolon(toks []asmtok.Token) [][]asmtok.Token {
	var groups [][]asmtok.Token
	start, depth := 0, 0
	for i, t := range toks {
		switch t.StringValue {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		}
		if depth == 0 && t.Kind == asmtok.KindOperator && t.StringValue == ";" {
			groups = append(groups, toks[start:i])
			start = i + 1
		}
	}
	groups = append(groups, toks[start:])
	return groups
}

// handleSwitch supports "switch (scrutinee, scratch) { case K: ... break; }".
func handleSwitch(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	args := splitOnComma(parenSpan(toks))
	if len(args) != 2 || len(args[0]) != 1 || len(args[1]) != 1 ||
		args[0][0].Kind != asmtok.KindRegister || args[1][0].Kind != asmtok.KindRegister {
		ctx.Errorf(where, "switch needs (scrutinee, scratch) registers")
		return
	}
	fb.Blocks.push(openBlock{
		kind:            blockSwitch,
		endLabel:        fb.Blocks.newLabel("switchend"),
		switchScrutinee: isa.DecodeRegRef(uint16(args[0][0].ID)),
		switchScratch:   isa.DecodeRegRef(uint16(args[1][0].ID)),
	})
}

// handleCase lowers "case K:" into a compare-and-branch against the
// enclosing switch's scrutinee: if the previous case's comparison
// didn't match, control falls through to here, where this case's test
// is performed; a failing match here falls through to the next case
// (or the switch's end, if this is the last one).
func handleCase(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	ob := fb.Blocks.top()
	if ob == nil || ob.kind != blockSwitch {
		ctx.Errorf(where, "case outside switch")
		return
	}
	if len(toks) < 3 || toks[1].Kind != asmtok.KindInteger || toks[2].StringValue != ":" {
		ctx.Errorf(where, "malformed case label")
		return
	}
	if ob.hasPendingCase {
		fb.Label(ob.pendingCase)
	}
	sub := newCodeItem("sub", ctx)
	if sub == nil {
		return
	}
	sub.HasDest, sub.DestReg = true, ob.switchScratch
	sub.SrcIsReg = append(sub.SrcIsReg, true)
	sub.SrcRegs = append(sub.SrcRegs, ob.switchScrutinee)
	sub.SrcIsReg = append(sub.SrcIsReg, false)
	sub.SrcImms = append(sub.SrcImms, toks[1].IntValue)
	fb.Emit(sub)

	ob.pendingCase = fb.Blocks.newLabel("case")
	ob.hasPendingCase = true
	fb.Emit(jumpItem("jump_ne", ob.switchScratch, true, ob.pendingCase, ctx))
}

func handleBreak(fb *FuncBuilder, ctx *Context, where string) {
	ob := fb.Blocks.enclosingBreakable()
	if ob == nil {
		ctx.Errorf(where, "break outside loop or switch")
		return
	}
	fb.Emit(jumpItem("jump", isa.RegRef{}, false, ob.endLabel, ctx))
}

func handleContinue(fb *FuncBuilder, ctx *Context, where string) {
	ob := fb.Blocks.enclosingLoop()
	if ob == nil {
		ctx.Errorf(where, "continue outside loop")
		return
	}
	fb.Emit(jumpItem("jump", isa.RegRef{}, false, ob.continueLabel, ctx))
}
