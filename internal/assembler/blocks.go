package assembler

import (
	"fmt"

	"github.com/xyproto/forwardcom/internal/isa"
)

// blockKind distinguishes the high-level constructs pass 2 tracks with
// a stack of open-block records, forward jump targets patched at the
// matching `}`.
type blockKind int

const (
	blockIf blockKind = iota
	blockElse
	blockWhile
	blockDoWhile
	blockFor
	blockSwitch
)

// openBlock is one entry on the high-level-language block stack.
type openBlock struct {
	kind blockKind
	// endLabel is patched onto whatever jump needs to land just after
	// the block's closing '}' (e.g. "if false" jump, "break" targets).
	endLabel string
	// continueLabel is where `continue` jumps to: the loop head (the
	// condition re-check) for while, the step clause for for, and the
	// trailing condition for do-while.
	continueLabel string
	// headLabel is the loop head, for while/for backward jumps.
	headLabel string
	hasElse   bool

	// switch bookkeeping: scrutinee/scratch registers from the switch
	// header, and the label a failed case comparison should fall
	// through to -- either the next "case" or, for the last one, the
	// switch's endLabel.
	switchScrutinee isa.RegRef
	switchScratch   isa.RegRef
	pendingCase     string
	hasPendingCase  bool

	// for-loop step: re-emitted at the bottom of the loop, before the
	// backward jump to headLabel.
	step []*CodeItem
}

// BlockBuilder accumulates the synthetic labels and jump CodeItems that
// realize if/for/while/do/switch/break/continue, translating them into
// compare-and-branch CodeItems emitted into the enclosing function's
// code stream: an explicit builder that accumulates basic blocks and
// resolves jumps lazily.
type BlockBuilder struct {
	stack   []openBlock
	labelNo int
}

func NewBlockBuilder() *BlockBuilder { return &BlockBuilder{} }

func (b *BlockBuilder) newLabel(tag string) string {
	b.labelNo++
	return fmt.Sprintf("__%s%d", tag, b.labelNo)
}

func (b *BlockBuilder) push(ob openBlock) { b.stack = append(b.stack, ob) }

func (b *BlockBuilder) top() *openBlock {
	if len(b.stack) == 0 {
		return nil
	}
	return &b.stack[len(b.stack)-1]
}

func (b *BlockBuilder) pop() openBlock {
	ob := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return ob
}

// enclosingLoop finds the nearest while/do/for block, for `continue`.
func (b *BlockBuilder) enclosingLoop() *openBlock {
	for i := len(b.stack) - 1; i >= 0; i-- {
		switch b.stack[i].kind {
		case blockWhile, blockDoWhile, blockFor:
			return &b.stack[i]
		}
	}
	return nil
}

// enclosingBreakable finds the nearest while/do/for/switch block, for `break`.
func (b *BlockBuilder) enclosingBreakable() *openBlock {
	for i := len(b.stack) - 1; i >= 0; i-- {
		switch b.stack[i].kind {
		case blockWhile, blockDoWhile, blockFor, blockSwitch:
			return &b.stack[i]
		}
	}
	return nil
}

func (b *BlockBuilder) Depth() int { return len(b.stack) }
