package assembler

import (
	"github.com/xyproto/forwardcom/internal/asmtok"
)

// pass1Lex runs the Tokenizer over one source file and folds any
// tokenizer-level diagnostics (unterminated strings/comments,
// malformed numeric literals) into the run's diagnostic bag. The whole
// file is tokenized before any classification begins, so a lexical
// error in a later line never hides a structural one in an earlier
// line.
func pass1Lex(src []byte, filename string, ctx *Context) []asmtok.Line {
	tz := asmtok.New(src, filename, 0, ctx.Tables)
	lines, diags := tz.Tokenize()
	for _, d := range diags {
		ctx.Errorf(filename, "%s", d)
	}
	return lines
}

// newCodeItem looks up mnemonic in the run's Instruction Table and
// returns a fresh, otherwise-empty CodeItem bound to it, or nil (with a
// diagnostic already recorded) if the mnemonic is unknown.
func newCodeItem(mnemonic string, ctx *Context) *CodeItem {
	instr, ok := ctx.Tables.ByName(mnemonic)
	if !ok {
		ctx.Errorf("", "unknown mnemonic %q", mnemonic)
		return nil
	}
	return &CodeItem{Instr: instr, Section: ctx.CurSection, OT: -1}
}
