package assembler

// funcEntry is one position in a function body: zero or more labels
// defined at this address, and at most one instruction. A label-only
// entry (nil Item) marks a fall-through address with no instruction of
// its own -- the common case for a loop's exit label.
type funcEntry struct {
	labels []string
	item   *CodeItem
}

// FuncBuilder accumulates one function's body across pass 2, resolving
// high-level if/while/for/do/break/continue into compare-and-branch
// CodeItems via BlockBuilder, and leaves address assignment (pass 4)
// and emission (pass 5) to later stages.
type FuncBuilder struct {
	Name    string
	Public  bool
	entries []funcEntry
	pending []string
	Blocks  *BlockBuilder
}

func NewFuncBuilder(name string) *FuncBuilder {
	return &FuncBuilder{Name: name, Blocks: NewBlockBuilder()}
}

// Label schedules name to be defined at the address of whatever is
// emitted next.
func (fb *FuncBuilder) Label(name string) { fb.pending = append(fb.pending, name) }

// Emit appends an instruction, attaching any labels scheduled since the
// previous Emit.
func (fb *FuncBuilder) Emit(item *CodeItem) {
	if item == nil {
		return
	}
	fb.entries = append(fb.entries, funcEntry{labels: fb.pending, item: item})
	fb.pending = nil
}

// Flush places any trailing scheduled labels (e.g. a loop's exit label
// that falls through directly to `end`) as a zero-size marker entry.
func (fb *FuncBuilder) Flush() {
	if len(fb.pending) > 0 {
		fb.entries = append(fb.entries, funcEntry{labels: fb.pending})
		fb.pending = nil
	}
}

func (fb *FuncBuilder) Entries() []funcEntry { return fb.entries }
