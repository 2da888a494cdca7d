package assembler

import (
	"sort"
	"strings"

	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// maxConvergePasses caps the pass-4 address-assignment iteration.
const maxConvergePasses = 8

// Assemble runs the five-pass pipeline over one source
// file and returns the resulting object module. The diagnostic bag
// carries everything at Info..Fatal; callers decide what to print and
// map Bag.ExitCode to the process exit status.
func Assemble(src []byte, filename string, tables *isa.Table) (*objfile.Module, *diag.Bag) {
	ctx := NewContext(tables)
	return AssembleInto(ctx, src, filename), ctx.Diags
}

// AssembleInto is Assemble with a caller-supplied Context, so tests can
// pre-seed meta-variables or tighten the error limit.
func AssembleInto(ctx *Context, src []byte, filename string) *objfile.Module {
	lines := pass1Lex(src, filename, ctx)
	if ctx.Diags.Full() {
		return ctx.Mod
	}
	result := classify(lines, ctx)
	if ctx.Diags.Full() {
		return ctx.Mod
	}
	encode(result, ctx)
	if ctx.Diags.Full() {
		return ctx.Mod
	}
	layout := converge(result, ctx)
	if ctx.Diags.Full() {
		return ctx.Mod
	}
	emit(result, layout, ctx)
	finalize(result, layout, ctx)
	return ctx.Mod
}

// funcLayout is the address map pass 4 converges on: the start/end of
// every function and every label address, all section-relative.
type funcLayout struct {
	start, end map[*FuncBuilder]uint64
	labels     map[*FuncBuilder]map[string]uint64
	secBase    map[*objfile.Section]uint64
}

func newFuncLayout() *funcLayout {
	return &funcLayout{
		start:   make(map[*FuncBuilder]uint64),
		end:     make(map[*FuncBuilder]uint64),
		labels:  make(map[*FuncBuilder]map[string]uint64),
		secBase: make(map[*objfile.Section]uint64),
	}
}

// converge implements pass 4: iterate address assignment
// and format re-selection until no instruction grows, starting from
// each instruction's minimum size. Instruction sizes only ever grow
// across iterations, so total code size is monotonically non-decreasing
// and the loop terminates; maxConvergePasses is the safety cap.
func converge(result *classifyResult, ctx *Context) *funcLayout {
	layout := newFuncLayout()
	for _, fb := range result.funcs {
		if sec := funcSection(fb); sec != nil {
			if _, seen := layout.secBase[sec]; !seen {
				layout.secBase[sec] = alignUp(uint64(len(sec.Data)), 4)
			}
		}
	}

	for pass := 0; pass < maxConvergePasses; pass++ {
		assignAddresses(result, layout)
		if !refitSymbolic(result, layout, ctx, pass == maxConvergePasses-2) {
			return layout
		}
	}
	ctx.Errorf("", "instruction size assignment did not converge in %d passes", maxConvergePasses)
	return layout
}

func funcSection(fb *FuncBuilder) *objfile.Section {
	for _, e := range fb.entries {
		if e.item != nil && !e.item.Removed {
			return e.item.Section
		}
	}
	return nil
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// assignAddresses walks every function in program order, assigning each
// instruction its section-relative address under the current size
// estimates and recording label addresses.
func assignAddresses(result *classifyResult, layout *funcLayout) {
	cursor := make(map[*objfile.Section]uint64)
	for sec, base := range layout.secBase {
		cursor[sec] = base
	}
	for _, fb := range result.funcs {
		sec := funcSection(fb)
		if sec == nil {
			continue
		}
		addr := cursor[sec]
		layout.start[fb] = addr
		labels := make(map[string]uint64)
		for _, e := range fb.entries {
			for _, l := range e.labels {
				labels[l] = addr
			}
			if e.item == nil || e.item.Removed {
				continue
			}
			e.item.Address = addr
			addr += uint64(e.item.SizeWords) * 4
		}
		layout.end[fb] = addr
		layout.labels[fb] = labels
		cursor[sec] = addr
	}
}

// refitSymbolic re-runs the Code Fitter on every instruction whose
// operands include a symbol reference, now that addresses are known.
// Returns true if any instruction grew. When forceLarger is set, any
// instruction whose target is still uncertain is pushed to its largest
// candidate so the final pass cannot grow again.
func refitSymbolic(result *classifyResult, layout *funcLayout, ctx *Context, forceLarger bool) bool {
	grew := false
	for _, fb := range result.funcs {
		for _, e := range fb.entries {
			item := e.item
			if item == nil || item.Removed || item.SymRef == "" {
				continue
			}
			target, local, found := resolveTarget(item, fb, layout, ctx)
			if !found {
				// Still unknown: an extern reference resolved by the
				// linker, or an undefined label caught in pass 5.
				item.RefIsLocal = false
			} else if local {
				item.RefIsLocal = true
				if item.Instr.IsJump() {
					end := item.Address + uint64(item.SizeWords)*4
					item.JumpOffset = (int64(target) - int64(end)) / 4
				}
			} else {
				item.RefIsLocal = false
			}
			if forceLarger && !found {
				item.ForceLarger = true
			}

			format, fit, err := FitCode(item)
			if err != nil {
				ctx.Errorf("", "%v", err)
				continue
			}
			if format.Key.IL > item.SizeWords {
				applyFormat(item, format, fit)
				grew = true
			} else if format.Key.IL == item.SizeWords {
				applyFormat(item, format, fit)
			}
			// A smaller refit is ignored: sizes never shrink once
			// assigned, which keeps the iteration monotonic.
		}
	}
	return grew
}

// resolveTarget resolves an item's symbol operand to a section-relative
// address: first against the item's own function's labels, then against
// other functions in the same module, then against data symbols.
// local=true means "same section, no relocation needed".
func resolveTarget(item *CodeItem, fb *FuncBuilder, layout *funcLayout, ctx *Context) (addr uint64, local bool, found bool) {
	if labels, ok := layout.labels[fb]; ok {
		if a, ok := labels[item.SymRef]; ok {
			return a, true, true
		}
	}
	for other, start := range layout.start {
		if other.Name == item.SymRef {
			return start, funcSection(other) == item.Section, true
		}
	}
	sym, ok := ctx.Mod.Symbols.Find(item.SymRef)
	if !ok || sym.Binding == objfile.BindUnresolved || sym.Section < 0 {
		return 0, false, false
	}
	sameSec := int(sym.Section) < len(ctx.Mod.Sections) && ctx.Mod.Sections[sym.Section] == item.Section
	return sym.Value, sameSec, true
}

// pendingReloc is a relocation recorded during emission by symbol name;
// names translate to final sorted symbol-table indices only after every
// symbol exists, because the table re-sorts as symbols are added.
type pendingReloc struct {
	rel  objfile.Relocation
	name string
}

// emit implements pass 5: translate each Code Item into
// its on-wire bit layout via its chosen Format Record, emit relocation
// records for still-symbolic fields, and append the words to the
// owning section.
func emit(result *classifyResult, layout *funcLayout, ctx *Context) {
	var pending []pendingReloc

	for _, fb := range result.funcs {
		sec := funcSection(fb)
		if sec == nil {
			continue
		}
		secIdx := sectionIndex(ctx, sec)
		for _, e := range fb.entries {
			item := e.item
			if item == nil || item.Removed {
				continue
			}
			if item.ChosenFormat == nil {
				continue // a diagnostic was already recorded by the fitter
			}
			words, relocs := encodeItem(item, fb, layout, ctx)
			placeWords(sec, item.Address, words)
			for _, pr := range relocs {
				pr.rel.Section = int32(secIdx)
				pending = append(pending, pr)
			}
		}
		// User labels become local symbols so disassembly can name them;
		// compiler-generated block labels (the "__" prefix) stay internal.
		// Sorted insertion keeps the string pool deterministic.
		userLabels := make([]string, 0, len(layout.labels[fb]))
		for label := range layout.labels[fb] {
			if !strings.HasPrefix(label, "__") {
				userLabels = append(userLabels, label)
			}
		}
		sort.Strings(userLabels)
		for _, label := range userLabels {
			if _, exists := ctx.Mod.Symbols.Find(label); exists {
				continue
			}
			ctx.Mod.AddSymbol(&objfile.Symbol{
				Name: label, Section: int32(secIdx), Value: layout.labels[fb][label],
				Binding: objfile.BindLocal, Type: objfile.SymNone,
			})
		}
	}

	for _, pr := range pending {
		idx := symbolIndex(ctx.Mod, pr.name)
		if idx < 0 {
			ctx.Errorf("", "undefined symbol %q", pr.name)
			continue
		}
		pr.rel.Symbol = uint32(idx)
		rel := pr.rel
		ctx.Mod.Relocs = append(ctx.Mod.Relocs, &rel)
	}
}

func symbolIndex(m *objfile.Module, name string) int {
	for i, s := range m.Symbols.All() {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// placeWords writes an instruction's words at its assigned offset,
// growing the section as needed.
func placeWords(sec *objfile.Section, addr uint64, words []uint32) {
	end := addr + uint64(len(words))*4
	for uint64(len(sec.Data)) < end {
		sec.Data = append(sec.Data, 0)
	}
	for i, w := range words {
		off := addr + uint64(i)*4
		sec.Data[off] = byte(w)
		sec.Data[off+1] = byte(w >> 8)
		sec.Data[off+2] = byte(w >> 16)
		sec.Data[off+3] = byte(w >> 24)
	}
}

// encodeItem lowers one Code Item to words plus any relocations for
// fields that stayed symbolic.
func encodeItem(item *CodeItem, fb *FuncBuilder, layout *funcLayout, ctx *Context) ([]uint32, []pendingReloc) {
	f := item.ChosenFormat
	var fl isa.Fields
	fl.Op1 = item.Instr.OpcodeID
	fl.OT = item.OT
	if fl.OT < 0 {
		fl.OT = isa.OTCode64
	}

	// Register field assignment: sources fill RT then RS; for
	// no-destination mnemonics a leftover source lands in the RD field.
	// Memory formats claim RT for the base register.
	regs := make([]isa.RegRef, 0, 3)
	immIdx := 0
	for _, isReg := range item.SrcIsReg {
		if isReg {
			continue
		}
		if f.ImmSize > 0 {
			fl.Imm = item.SrcImms[immIdx]
		}
		immIdx++
	}
	regs = append(regs, item.SrcRegs...)
	if item.HasDest {
		fl.Rd = item.DestReg.Index
	}
	memFormat := f.Operands.Has(isa.OpMemory)
	if memFormat {
		if item.Mem.HasBase && item.Mem.Base.Class == isa.RegGP {
			fl.Rt = item.Mem.Base.Index
		}
		fl.Addr = item.Mem.Offset
	}
	slotOrder := []*int{&fl.Rt, &fl.Rs}
	if memFormat {
		slotOrder = slotOrder[1:] // RT is the base register
	}
	slot := 0
	for _, r := range regs {
		switch {
		case slot < len(slotOrder) && hasSlot(f, slot, memFormat):
			*slotOrder[slot] = r.Index
			slot++
		case item.Instr.Variants&isa.VariantNoDest != 0 && f.Operands.Has(isa.OpRD):
			fl.Rd = r.Index
		default:
			ctx.Errorf("", "%s: too many register operands for chosen format", item.Instr.Name)
		}
	}

	var relocs []pendingReloc
	if item.Instr.IsJump() {
		fl.OPJ = uint32(item.Instr.JumpCondCode)
		if item.RefIsLocal {
			fl.JumpOffset = item.JumpOffset
		} else if item.SymRef != "" {
			relocs = append(relocs, pendingReloc{
				name: item.SymRef,
				rel: objfile.Relocation{
					Offset:    item.Address + uint64(f.JumpPos),
					RefSymbol: -1,
					Kind:      objfile.RelocSelfRelative,
					Size:      relocSizeForBytes(f.JumpSize),
					ScaleLog2: 2,
					Addend:    int64(f.JumpPos) - int64(f.Key.IL*4),
				},
			})
		}
	} else if memFormat && item.Mem.Symbol != "" {
		size := objfile.RelocSize32
		if f.AddrSize == 2 {
			size = objfile.RelocSize16Of32Lo
		}
		relocs = append(relocs, pendingReloc{
			name: item.Mem.Symbol,
			rel: objfile.Relocation{
				Offset:    item.Address + uint64(f.AddrPos),
				RefSymbol: -1,
				Kind:      objfile.RelocDataPBase,
				Size:   size,
			},
		})
	} else if item.SymRef != "" && !item.RefIsLocal && f.ImmSize > 0 {
		// Symbolic immediate (e.g. an address constant): absolute reloc.
		relocs = append(relocs, pendingReloc{
			name: item.SymRef,
			rel: objfile.Relocation{
				Offset:    item.Address + uint64(f.ImmPos),
				RefSymbol: -1,
				Kind:      objfile.RelocAbs,
				Size:   relocSizeForBytes(f.ImmSize),
			},
		})
	}
	_ = fb

	return isa.Encode(f, fl), relocs
}

func hasSlot(f *isa.FormatRecord, slot int, memFormat bool) bool {
	if memFormat {
		return slot == 0 && f.Operands.Has(isa.OpRS)
	}
	switch slot {
	case 0:
		return f.Operands.Has(isa.OpRT)
	case 1:
		return f.Operands.Has(isa.OpRS)
	default:
		return false
	}
}

func relocSizeForBytes(n int) objfile.RelocSize {
	switch n {
	case 1:
		return objfile.RelocSize8
	case 2:
		return objfile.RelocSize16
	case 4:
		return objfile.RelocSize32
	case 8:
		return objfile.RelocSize64
	default:
		return objfile.RelocSizeNone
	}
}

// finalize patches function symbol values/sizes now that addresses are
// settled and records the module's entry point.
func finalize(result *classifyResult, layout *funcLayout, ctx *Context) {
	for _, fb := range result.funcs {
		sym, ok := ctx.Mod.Symbols.Find(fb.Name)
		if !ok {
			continue
		}
		sym.Value = layout.start[fb]
		sym.Size = layout.end[fb] - layout.start[fb]
	}
	if sym, ok := ctx.Mod.Symbols.Find("main"); ok && sym.Section >= 0 {
		ctx.Mod.Header.Entry = sym.Value
	}
}
