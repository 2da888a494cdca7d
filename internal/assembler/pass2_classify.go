package assembler

import (
	"github.com/xyproto/forwardcom/internal/asmtok"
	"github.com/xyproto/forwardcom/internal/expr"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

var dataTypeSizes = map[string]uint64{
	"int8": 1, "int16": 2, "int32": 4, "int64": 8,
	"float32": 4, "float64": 8,
}

var binOpMnemonic = map[string]string{
	"+": "add", "-": "sub", "*": "mul", "/": "div",
	"&": "and", "|": "or", "^": "xor",
	"<<": "shift_left", ">>": "shift_right_u",
}

// classifyResult is what pass 2 hands pass 3 onward: every function's
// body plus the Module assembled so far (sections, data bytes,
// resolved and still-unresolved symbols).
type classifyResult struct {
	funcs []*FuncBuilder
}

// classify implements pass 2: dispatch each Source Line
// on its syntactic shape (directive, label, meta assignment, data
// declaration, high-level block, or code instruction) and either
// mutate the Module directly (sections, symbols, data bytes) or append
// to the currently open function's body.
func classify(lines []asmtok.Line, ctx *Context) *classifyResult {
	res := &classifyResult{}
	var fb *FuncBuilder

	closeFunc := func() {
		fb.Flush()
		res.funcs = append(res.funcs, fb)
		defineFunctionSymbol(fb, ctx)
		fb = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		toks := normalizeDirectiveLine(line.Tokens)
		if len(toks) == 0 {
			continue
		}
		where := line.File

		if toks[0].Kind == asmtok.KindDirective {
			switch toks[0].StringValue {
			case "section":
				classifySection(toks, ctx, where)
			case "function":
				if len(toks) < 2 {
					ctx.Errorf(where, "function directive needs a name")
					continue
				}
				if fb != nil {
					ctx.Errorf(where, "function %s opened inside function %s", toks[1].StringValue, fb.Name)
					closeFunc()
				}
				fb = NewFuncBuilder(toks[1].StringValue)
				fb.Public = hasAttr(toks[2:], "public")
			case "end":
				switch {
				case fb != nil:
					closeFunc()
				case ctx.CurSection != nil:
					ctx.CurSection = nil
				default:
					ctx.Errorf(where, "end with nothing open")
				}
			case "extern":
				classifyExternPublic(toks[1:], ctx, objfile.BindUnresolved, where)
			case "public":
				classifyExternPublic(toks[1:], ctx, objfile.BindGlobal, where)
			case "align":
				classifyAlign(toks, ctx, where)
			}
			continue
		}

		if fb != nil {
			rest := lines[i+1:]
			consumed := classifyInFunction(toks, fb, ctx, where, rest)
			i += consumed
			continue
		}

		// Outside any function: labels and data declarations.
		if isLabelLine(toks) {
			defineDataLabel(toks[0].StringValue, ctx)
			continue
		}
		if toks[0].Kind == asmtok.KindOperator && toks[0].StringValue == "%" {
			classifyMeta(toks[1:], ctx, where)
			continue
		}
		classifyDataDecl(toks, ctx, where)
	}

	if fb != nil {
		closeFunc()
	}
	return res
}

// normalizeDirectiveLine rewrites the "name directive ..."
// shapes into directive-first token order so a single dispatch handles
// both spellings:
//
//	code section execute   ->  section code execute
//	main: function public  ->  function main public
//	main end / code end    ->  end main
func normalizeDirectiveLine(toks []asmtok.Token) []asmtok.Token {
	if len(toks) >= 2 && toks[0].Kind == asmtok.KindName && toks[1].Kind == asmtok.KindDirective {
		out := make([]asmtok.Token, 0, len(toks))
		out = append(out, toks[1], toks[0])
		return append(out, toks[2:]...)
	}
	if len(toks) >= 3 && toks[0].Kind == asmtok.KindName &&
		toks[1].Kind == asmtok.KindOperator && toks[1].StringValue == ":" &&
		toks[2].Kind == asmtok.KindDirective {
		out := make([]asmtok.Token, 0, len(toks))
		out = append(out, toks[2], toks[0])
		return append(out, toks[3:]...)
	}
	return toks
}

func hasAttr(toks []asmtok.Token, attr string) bool {
	for _, t := range toks {
		if t.StringValue == attr {
			return true
		}
	}
	return false
}

func isLabelLine(toks []asmtok.Token) bool {
	return len(toks) == 2 && toks[0].Kind == asmtok.KindName &&
		toks[1].Kind == asmtok.KindOperator && toks[1].StringValue == ":"
}

func classifySection(toks []asmtok.Token, ctx *Context, where string) {
	if len(toks) < 2 {
		ctx.Errorf(where, "section directive needs a name")
		return
	}
	name := toks[1].StringValue
	sec, idx := ctx.Mod.SectionByName(name)
	if idx < 0 {
		sec = &objfile.Section{Name: name, Type: objfile.SecProgBits}
		for _, tok := range toks[2:] {
			switch tok.StringValue {
			case "read":
				sec.Flags |= objfile.SecRead
			case "write":
				sec.Flags |= objfile.SecWrite
			case "execute":
				sec.Flags |= objfile.SecExecute
				sec.Flags |= objfile.SecBaseIP
			case "bss":
				sec.Type = objfile.SecNoBits
			case "data":
				sec.Flags |= objfile.SecBaseDATAP
			}
		}
		sec.SetAlign(8)
		ctx.Mod.AddSection(sec)
	}
	ctx.CurSection = sec
	ctx.CurAddr = uint64(len(sec.Data))
}

func classifyExternPublic(toks []asmtok.Token, ctx *Context, binding objfile.SymBinding, where string) {
	for _, tok := range toks {
		if tok.Kind != asmtok.KindName {
			continue
		}
		if sym, ok := ctx.Mod.Symbols.Find(tok.StringValue); ok {
			// "public" after a definition upgrades its binding; a second
			// "extern" is a no-op.
			if binding == objfile.BindGlobal && sym.Binding == objfile.BindLocal {
				sym.Binding = objfile.BindGlobal
			}
			continue
		}
		ctx.Mod.AddSymbol(&objfile.Symbol{Name: tok.StringValue, Section: -1, Binding: binding, Type: objfile.SymFunction})
	}
	_ = where
}

func classifyAlign(toks []asmtok.Token, ctx *Context, where string) {
	if ctx.CurSection == nil {
		ctx.Errorf(where, "align outside a section")
		return
	}
	if len(toks) < 2 || toks[1].Kind != asmtok.KindInteger {
		ctx.Errorf(where, "align needs a power-of-two operand")
		return
	}
	if err := ctx.CurSection.SetAlign(uint64(toks[1].IntValue)); err != nil {
		ctx.Errorf(where, "%v", err)
	}
}

func classifyMeta(toks []asmtok.Token, ctx *Context, where string) {
	if len(toks) < 3 || toks[0].Kind != asmtok.KindName || toks[1].StringValue != "=" {
		ctx.Errorf(where, "malformed meta-variable assignment")
		return
	}
	v := expr.Eval(toks, 2, len(toks)-1, ctx)
	ctx.SetMeta(toks[0].StringValue, v)
}

// classifyDataDecl accepts both declaration orders:
// the assembly-style "name : type value, ..." and the C-style
// "type name [= value], ...".
func classifyDataDecl(toks []asmtok.Token, ctx *Context, where string) {
	if ctx.CurSection == nil {
		ctx.Errorf(where, "data declaration outside a section")
		return
	}
	if len(toks) < 2 || toks[0].Kind != asmtok.KindName {
		ctx.Errorf(where, "unrecognized line")
		return
	}

	var name, typeName string
	var rest []asmtok.Token
	switch {
	case dataTypeSizes[toks[0].StringValue] != 0 && toks[1].Kind == asmtok.KindName:
		// type name [= value, ...]
		typeName, name = toks[0].StringValue, toks[1].StringValue
		rest = toks[2:]
		if len(rest) > 0 && rest[0].Kind == asmtok.KindOperator && rest[0].StringValue == "=" {
			rest = rest[1:]
		}
	case len(toks) >= 3 && toks[1].Kind == asmtok.KindOperator && toks[1].StringValue == ":":
		// name : type value, ...
		name, typeName = toks[0].StringValue, toks[2].StringValue
		rest = toks[3:]
	default:
		// name type value, ...
		name, typeName = toks[0].StringValue, toks[1].StringValue
		rest = toks[2:]
	}

	size, ok := dataTypeSizes[typeName]
	if !ok {
		ctx.Errorf(where, "unknown data type %q", typeName)
		return
	}

	flags := objfile.SymReadable
	if ctx.CurSection.Flags&objfile.SecWrite != 0 {
		flags |= objfile.SymWritable
	}
	if ctx.CurSection.Flags&objfile.SecBaseDATAP != 0 {
		flags |= objfile.SymDataPRelative
	}

	start := uint64(len(ctx.CurSection.Data))
	ctx.Mod.AddSymbol(&objfile.Symbol{
		Name: name, Section: int32(sectionIndex(ctx, ctx.CurSection)), Value: start,
		Size: size, Binding: objfile.BindLocal, Type: objfile.SymObject, Flags: flags,
	})

	if ctx.CurSection.Type == objfile.SecNoBits {
		for _, g := range splitOnComma(rest) {
			if len(g) == 0 {
				continue
			}
			v := expr.Eval(g, 0, len(g)-1, ctx)
			if v.Kind == expr.KindInteger && v.Int != 0 || v.Kind == expr.KindFloat && v.Float != 0 {
				ctx.Errorf(where, "uninitialized section cannot hold nonzero initializer for %q", name)
			}
			ctx.CurSection.Data = append(ctx.CurSection.Data, make([]byte, size)...)
		}
		if len(rest) == 0 {
			ctx.CurSection.Data = append(ctx.CurSection.Data, make([]byte, size)...)
		}
		return
	}
	if len(rest) == 0 {
		ctx.CurSection.Data = append(ctx.CurSection.Data, make([]byte, size)...)
		return
	}
	for _, g := range splitOnComma(rest) {
		if len(g) == 0 {
			continue
		}
		v := expr.Eval(g, 0, len(g)-1, ctx)
		ctx.CurSection.Data = append(ctx.CurSection.Data, encodeDataValue(v, size)...)
	}
}

func sectionIndex(ctx *Context, sec *objfile.Section) int {
	for i, s := range ctx.Mod.Sections {
		if s == sec {
			return i
		}
	}
	return -1
}

func encodeDataValue(v expr.Value, size uint64) []byte {
	buf := make([]byte, size)
	var u uint64
	switch v.Kind {
	case expr.KindInteger:
		u = uint64(v.Int)
	case expr.KindFloat:
		if size == 4 {
			u = uint64(float32Bits(float32(v.Float)))
		} else {
			u = float64Bits(v.Float)
		}
	}
	for i := uint64(0); i < size; i++ {
		buf[i] = byte(u >> (8 * i))
	}
	return buf
}

func defineDataLabel(name string, ctx *Context) {
	if ctx.CurSection == nil {
		return
	}
	ctx.Mod.AddSymbol(&objfile.Symbol{
		Name: name, Section: int32(sectionIndex(ctx, ctx.CurSection)), Value: uint64(len(ctx.CurSection.Data)),
		Binding: objfile.BindGlobal, Type: objfile.SymObject,
	})
}

func defineFunctionSymbol(fb *FuncBuilder, ctx *Context) {
	if ctx.CurSection == nil {
		ctx.Errorf(fb.Name, "function outside a section")
		return
	}
	binding := objfile.BindLocal
	if fb.Public {
		binding = objfile.BindGlobal
	}
	sym, existed := ctx.Mod.Symbols.Find(fb.Name)
	if existed && sym.Binding != objfile.BindUnresolved {
		ctx.Errorf(fb.Name, "duplicate symbol %q", fb.Name)
		return
	}
	if existed {
		sym.Binding = binding
		sym.Type = objfile.SymFunction
		sym.Section = int32(sectionIndex(ctx, ctx.CurSection))
		sym.Flags |= objfile.SymExecutable | objfile.SymIPRelative
		// Value/Size are patched in once pass 4/5 assign real addresses;
		// see finalize in assemble.go.
	} else {
		ctx.Mod.AddSymbol(&objfile.Symbol{
			Name: fb.Name, Section: int32(sectionIndex(ctx, ctx.CurSection)),
			Binding: binding, Type: objfile.SymFunction,
			Flags: objfile.SymExecutable | objfile.SymIPRelative,
		})
	}
}

// classifyInFunction dispatches one Source Line inside an open function
// body: high-level keyword, destination-register assignment, or
// traditional "mnemonic operand, operand, ..." form. It returns the
// number of extra lines from rest that it consumed (lookahead: an
// "else" line following an if-block's closing "}", or a "while (cond)"
// line following a do-block's closing "}"), so the caller can skip them.
func classifyInFunction(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string, rest []asmtok.Line) int {
	if isLabelLine(toks) {
		fb.Label(toks[0].StringValue)
		return 0
	}
	if toks[0].Kind == asmtok.KindOperator && toks[0].StringValue == "{" {
		// Braces are their own lines (tokenizer splits on them); the
		// block they open was already pushed when the "if"/"while"/...
		// header was classified.
		return 0
	}
	if toks[0].Kind == asmtok.KindOperator && toks[0].StringValue == "}" {
		return closeBlock(fb, ctx, where, rest)
	}
	if toks[0].Kind == asmtok.KindHighLevelKeyword {
		classifyHighLevel(toks, fb, ctx, where)
		return 0
	}
	if toks[0].Kind == asmtok.KindRegister && len(toks) >= 2 && toks[1].StringValue == "=" {
		classifyAssignment(toks, fb, ctx, where)
		return 0
	}
	if toks[0].Kind == asmtok.KindInstruction {
		classifyBareInstruction(toks, fb, ctx, where)
		return 0
	}
	// Type-prefixed assignment: "float32 v2 = sqrt(v1)" sets the encoded
	// operand-type (OT) field explicitly instead of the class default.
	if ot, ok := typeNameToOT[toks[0].StringValue]; ok &&
		len(toks) >= 3 && toks[1].Kind == asmtok.KindRegister && toks[2].StringValue == "=" {
		for _, item := range buildAssignmentItems(toks[1:], ctx, where) {
			item.OT = ot
			fb.Emit(item)
		}
		return 0
	}
	ctx.Errorf(where, "unrecognized line in function %s", fb.Name)
	return 0
}

// typeNameToOT maps a type-prefix spelling to the OT field code it
// selects (glossary: {8, 16, 32, 64, 128, float, double, quad}).
var typeNameToOT = map[string]int{
	"int8": isa.OTCode8, "int16": isa.OTCode16,
	"int32": isa.OTCode32, "int64": isa.OTCode64,
	"float": isa.OTCodeFloat, "float32": isa.OTCodeFloat,
	"double": isa.OTCodeDouble, "float64": isa.OTCodeDouble,
}

// classifyAssignment handles "reg = reg", "reg = imm", "reg = reg OP
// reg", "reg = reg OP imm", and "reg = mnemonic(args...)" forms by
// building the CodeItem(s) and emitting them into fb. buildAssignmentItems
// does the actual construction so for-loop step clauses (which must be
// re-emitted at the bottom of the loop body, not at the point they are
// parsed) can reuse it without an fb to emit into yet.
func classifyAssignment(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	for _, item := range buildAssignmentItems(toks, ctx, where) {
		fb.Emit(item)
	}
}

func buildAssignmentItems(toks []asmtok.Token, ctx *Context, where string) []*CodeItem {
	dest := isa.DecodeRegRef(uint16(toks[0].ID))
	rhs := toks[2:]

	if len(rhs) == 1 && rhs[0].Kind == asmtok.KindRegister {
		item := newCodeItem("move", ctx)
		if item == nil {
			return nil
		}
		item.HasDest, item.DestReg = true, dest
		item.SrcIsReg = append(item.SrcIsReg, true)
		item.SrcRegs = append(item.SrcRegs, isa.DecodeRegRef(uint16(rhs[0].ID)))
		return []*CodeItem{item}
	}
	if len(rhs) == 1 && rhs[0].Kind == asmtok.KindInteger {
		item := newCodeItem("move", ctx)
		if item == nil {
			return nil
		}
		item.HasDest, item.DestReg = true, dest
		item.SrcIsReg = append(item.SrcIsReg, false)
		item.SrcImms = append(item.SrcImms, rhs[0].IntValue)
		return []*CodeItem{item}
	}
	if len(rhs) == 1 && (rhs[0].Kind == asmtok.KindName || rhs[0].Kind == asmtok.KindSymbolRef) {
		// A meta-variable substitutes its value; any other name is a
		// DATAP-relative data load.
		if mv, ok := ctx.LookupMeta(rhs[0].StringValue); ok && mv.Kind == expr.KindInteger {
			item := newCodeItem("move", ctx)
			if item == nil {
				return nil
			}
			item.HasDest, item.DestReg = true, dest
			item.SrcIsReg = append(item.SrcIsReg, false)
			item.SrcImms = append(item.SrcImms, mv.Int)
			return []*CodeItem{item}
		}
		item := newCodeItem("load", ctx)
		if item == nil {
			return nil
		}
		item.HasDest, item.DestReg = true, dest
		item.Kind = expr.KindMemory
		item.Mem = expr.MemoryOperand{
			HasBase: true,
			Base:    isa.RegRef{Class: isa.RegSpecial, Index: isa.SpecDATAP},
			Symbol:  rhs[0].StringValue,
		}
		item.SymRef = rhs[0].StringValue
		return []*CodeItem{item}
	}
	if len(rhs) == 3 && rhs[0].Kind == asmtok.KindRegister && rhs[1].Kind == asmtok.KindOperator {
		mnem, ok := binOpMnemonic[rhs[1].StringValue]
		if !ok {
			ctx.Errorf(where, "unsupported operator %q in assignment", rhs[1].StringValue)
			return nil
		}
		item := newCodeItem(mnem, ctx)
		if item == nil {
			return nil
		}
		item.HasDest, item.DestReg = true, dest
		item.SrcIsReg = append(item.SrcIsReg, true)
		item.SrcRegs = append(item.SrcRegs, isa.DecodeRegRef(uint16(rhs[0].ID)))
		switch rhs[2].Kind {
		case asmtok.KindRegister:
			item.SrcIsReg = append(item.SrcIsReg, true)
			item.SrcRegs = append(item.SrcRegs, isa.DecodeRegRef(uint16(rhs[2].ID)))
		case asmtok.KindInteger:
			item.SrcIsReg = append(item.SrcIsReg, false)
			item.SrcImms = append(item.SrcImms, rhs[2].IntValue)
		default:
			ctx.Errorf(where, "unsupported right operand in assignment")
			return nil
		}
		return []*CodeItem{item}
	}
	if len(rhs) >= 3 && rhs[0].Kind == asmtok.KindInstruction && rhs[1].StringValue == "(" {
		item := buildIntrinsicItem(dest, rhs, ctx, where)
		if item == nil {
			return nil
		}
		return []*CodeItem{item}
	}
	ctx.Errorf(where, "unrecognized assignment right-hand side")
	return nil
}

// buildIntrinsicItem handles "reg = mnemonic(arg, arg, ...)", the
// function-call syntax for instructions with no natural infix form
// (sqrt, compress_sparse, expand_sparse, permute, ...).
func buildIntrinsicItem(dest isa.RegRef, toks []asmtok.Token, ctx *Context, where string) *CodeItem {
	mnem := toks[0].StringValue
	item := newCodeItem(mnem, ctx)
	if item == nil {
		return nil
	}
	item.HasDest, item.DestReg = true, dest
	args := splitOnComma(toks[2 : len(toks)-1])
	for _, arg := range args {
		if len(arg) == 1 && arg[0].Kind == asmtok.KindRegister {
			item.SrcIsReg = append(item.SrcIsReg, true)
			item.SrcRegs = append(item.SrcRegs, isa.DecodeRegRef(uint16(arg[0].ID)))
		} else if len(arg) == 1 && arg[0].Kind == asmtok.KindInteger {
			item.SrcIsReg = append(item.SrcIsReg, false)
			item.SrcImms = append(item.SrcImms, arg[0].IntValue)
		} else {
			ctx.Errorf(where, "unsupported argument to %s", mnem)
			return nil
		}
	}
	return item
}

// classifyBareInstruction handles traditional "mnemonic operand,
// operand, ..." lines: return, nop, syscall, push, pop, compare, and
// jump to a fixed label.
func classifyBareInstruction(toks []asmtok.Token, fb *FuncBuilder, ctx *Context, where string) {
	mnem := toks[0].StringValue
	item := newCodeItem(mnem, ctx)
	if item == nil {
		return
	}
	operands := splitOnComma(toks[1:])
	for _, op := range operands {
		if len(op) == 0 {
			continue
		}
		switch op[0].Kind {
		case asmtok.KindRegister:
			if !item.HasDest && item.Instr.Variants&isa.VariantNoDest == 0 && len(item.SrcRegs) == 0 && item.Instr.IsJump() == false && mnem != "push" && mnem != "pop" {
				item.HasDest, item.DestReg = true, isa.DecodeRegRef(uint16(op[0].ID))
			} else {
				item.SrcIsReg = append(item.SrcIsReg, true)
				item.SrcRegs = append(item.SrcRegs, isa.DecodeRegRef(uint16(op[0].ID)))
			}
		case asmtok.KindInteger:
			item.SrcIsReg = append(item.SrcIsReg, false)
			item.SrcImms = append(item.SrcImms, op[0].IntValue)
		case asmtok.KindName:
			item.SymRef = op[0].StringValue
		case asmtok.KindOperator:
			if op[0].StringValue != "[" || len(op) < 3 || op[len(op)-1].StringValue != "]" {
				ctx.Errorf(where, "unrecognized operand for %s", mnem)
				continue
			}
			v := expr.Eval(op, 1, len(op)-2, ctx)
			switch v.Kind {
			case expr.KindMemory:
				item.Kind, item.Mem = expr.KindMemory, v.Mem
			case expr.KindRegister:
				item.Kind = expr.KindMemory
				item.Mem = expr.MemoryOperand{HasBase: true, Base: v.Reg}
			case expr.KindUnresolved:
				item.Kind = expr.KindMemory
				item.Mem = expr.MemoryOperand{Symbol: v.UnresolvedSym}
				item.SymRef = v.UnresolvedSym
			default:
				ctx.Errorf(where, "unrecognized memory operand for %s", mnem)
			}
		}
	}
	fb.Emit(item)
}

func splitOnComma(toks []asmtok.Token) [][]asmtok.Token {
	var groups [][]asmtok.Token
	start, depth := 0, 0
	for i, tok := range toks {
		switch tok.StringValue {
		case "(", "[":
			depth++
		case ")", "]":
			depth--
		}
		if depth == 0 && tok.Kind == asmtok.KindOperator && tok.StringValue == "," {
			groups = append(groups, toks[start:i])
			start = i + 1
		}
	}
	groups = append(groups, toks[start:])
	return groups
}
