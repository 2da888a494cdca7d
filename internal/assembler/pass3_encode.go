package assembler

import (
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// encode implements pass 3: for every Code Item produced by
// pass 2, run checkCode1 to normalize operand positions, call the Code
// Fitter (fitter.go) to pick a tentative Format Record, run checkCode2 to
// validate register-class compatibility with that format, and apply the
// mergeJump and optimizeCode rewrites. Address assignment and final
// convergence between format choices are pass 4's job.
func encode(result *classifyResult, ctx *Context) {
	for _, fb := range result.funcs {
		fb.entries = mergeJumps(fb.entries, ctx)
		for _, e := range fb.entries {
			if e.item == nil || e.item.Removed {
				continue
			}
			encodeOne(e.item, ctx)
		}
	}
}

// encodeOne runs a single Code Item through checkCode1, the fitter,
// checkCode2, and optimizeCode.
func encodeOne(item *CodeItem, ctx *Context) {
	checkCode1(item, ctx)
	resolveRefIsLocal(item, ctx)

	format, fit, err := FitCode(item)
	if err != nil {
		ctx.Errorf("", "%v", err)
		return
	}
	applyFormat(item, format, fit)
	checkCode2(item, format, ctx)
	optimizeCode(item, ctx)
}

func applyFormat(item *CodeItem, format *isa.FormatRecord, fit FitBits) {
	item.ChosenFormat = format
	item.Fit = fit
	item.NeedsReloc = fit&FitNeedsRelocation != 0
	item.SizeWords = format.Key.IL
	if item.SizeWords > item.MaxSizeWords {
		item.MaxSizeWords = item.SizeWords
	}
}

// checkCode1 normalizes operand positions pass 2 left implicit. The only
// case this assembler's grammar produces is the two-operand arithmetic
// alias ("add r0, r1" meaning r0 = r0 + r1): no explicit destination was
// parsed, so the first source register doubles as the destination.
// Mnemonics that never take a destination are left alone.
func checkCode1(item *CodeItem, ctx *Context) {
	if item.Instr == nil {
		return
	}
	if item.Instr.Variants&isa.VariantNoDest != 0 {
		if item.HasDest {
			ctx.Errorf("", "%s takes no destination operand", item.Instr.Name)
		}
		return
	}
	if !item.HasDest && len(item.SrcRegs) > 0 && !item.Instr.IsJump() {
		item.HasDest = true
		item.DestReg = item.SrcRegs[0]
	}
}

// resolveRefIsLocal looks up a Code Item's symbol operand (if any) and
// decides whether it resolves within the item's own section: if so, no
// relocation is needed and the fitter may consider the small
// same-section jump/address encodings. A symbol that is undefined,
// unresolved (import), or defined in a different section always needs a
// relocation.
func resolveRefIsLocal(item *CodeItem, ctx *Context) {
	if item.SymRef == "" {
		return
	}
	sym, found := ctx.Mod.Symbols.Find(item.SymRef)
	if !found {
		// Names never declared are assumed to be function-local labels;
		// pass 4 resolves them or reports them undefined. Starting from
		// the local (smallest) assumption keeps the convergence loop's
		// size growth monotonic.
		item.RefIsLocal = true
		return
	}
	if sym.Binding == objfile.BindUnresolved {
		item.RefIsLocal = false
		return
	}
	if item.Section == nil || sym.Section < 0 {
		item.RefIsLocal = false
		return
	}
	_, curIdx := ctx.Mod.SectionByName(item.Section.Name)
	item.RefIsLocal = curIdx >= 0 && int(sym.Section) == curIdx
}

// checkCode2 validates that the chosen format's register classes match
// what the instruction actually operates on: a vector-mode format
// demands a vector destination, and a scalar format cannot target one.
func checkCode2(item *CodeItem, format *isa.FormatRecord, ctx *Context) {
	if item.Instr == nil || !item.HasDest {
		return
	}
	if item.Instr.GPTypes == 0 {
		// Vector-only mnemonic: register class is implied by the
		// mnemonic, whatever template carried it.
		if item.DestReg.Class != isa.RegVector {
			ctx.Errorf("", "%s requires a vector destination register", item.Instr.Name)
		}
		return
	}
	switch {
	case format.VectorMode && item.DestReg.Class != isa.RegVector:
		ctx.Errorf("", "%s: vector form requires a vector destination register", item.Instr.Name)
	case !format.VectorMode && item.DestReg.Class == isa.RegVector && item.Instr.VectorTypes != 0:
		ctx.Errorf("", "%s: scalar form cannot target a vector register", item.Instr.Name)
	}
}

// optimizeCode applies local peephole rewrites: "add rd, rs, 0" is exactly a move and is rewritten to one, which
// may let a later convergence pass pick an even smaller format.
func optimizeCode(item *CodeItem, ctx *Context) {
	if item.Instr == nil || item.Instr.Name != "add" {
		return
	}
	if len(item.SrcIsReg) != 2 || !item.SrcIsReg[0] || item.SrcIsReg[1] {
		return
	}
	if item.SrcImms[0] != 0 {
		return
	}
	rewriteToMove(item, ctx, item.SrcRegs[0])
}

func rewriteToMove(item *CodeItem, ctx *Context, src isa.RegRef) {
	mv, ok := ctx.Tables.ByName("move")
	if !ok {
		return
	}
	item.Instr = mv
	item.SrcIsReg = []bool{true}
	item.SrcRegs = []isa.RegRef{src}
	item.SrcImms = nil
	if format, fit, err := FitCode(item); err == nil {
		applyFormat(item, format, fit)
	}
}

// mergeJumps folds an arithmetic
// comparison directly into its dependent conditional branch when the
// comparison's sole purpose is to feed that branch's zero-test. Only the
// register-register form of "sub" into scratchCompareReg is eligible;
// the scratch register carries no meaning once the branch is folded, so
// the arithmetic entry is dropped and its operands become the fused
// branch's own operands (isa.FormatRecord{Mode2: 3}, format.go).
func mergeJumps(entries []funcEntry, ctx *Context) []funcEntry {
	out := make([]funcEntry, 0, len(entries))
	for i := 0; i < len(entries); i++ {
		if i+1 < len(entries) {
			if fused, ok := tryMergeJump(entries[i], entries[i+1]); ok {
				out = append(out, fused)
				i++
				continue
			}
		}
		out = append(out, entries[i])
	}
	return out
}

func tryMergeJump(arith, jmp funcEntry) (funcEntry, bool) {
	if len(arith.labels) > 0 {
		return funcEntry{}, false // a jump may target the arithmetic instruction directly
	}
	a, j := arith.item, jmp.item
	if a == nil || j == nil || a.Removed || j.Removed {
		return funcEntry{}, false
	}
	if a.Instr == nil || a.Instr.Name != "sub" || !a.HasDest || a.DestReg != scratchCompareReg {
		return funcEntry{}, false
	}
	if len(a.SrcRegs) != 2 || len(a.SrcIsReg) != 2 || !a.SrcIsReg[0] || !a.SrcIsReg[1] {
		return funcEntry{}, false // only the register-register compare is representable fused
	}
	if j.Instr == nil || !j.Instr.IsJump() || len(j.SrcRegs) != 1 || j.SrcRegs[0] != scratchCompareReg {
		return funcEntry{}, false
	}

	fused := &CodeItem{
		Section:    j.Section,
		Instr:      j.Instr,
		OT:         -1,
		SrcIsReg:   append([]bool(nil), a.SrcIsReg...),
		SrcRegs:    append([]isa.RegRef(nil), a.SrcRegs...),
		SymRef:     j.SymRef,
		RefIsLocal: j.RefIsLocal,
	}
	a.MergedIntoNext = true
	a.Removed = true
	return funcEntry{labels: jmp.labels, item: fused}, true
}
