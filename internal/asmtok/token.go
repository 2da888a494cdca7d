// Package asmtok implements the ForwardCom assembler's tokenizer:
// a single linear pass over source bytes producing typed tokens, lines,
// comments, and numeric literals.
package asmtok

// Kind tags a Token's syntactic category.
type Kind int

const (
	KindName Kind = iota
	KindLabel
	KindVariable
	KindSectionName
	KindInstruction
	KindOperator
	KindInteger
	KindFloat
	KindChar
	KindString
	KindDirective
	KindAttribute
	KindTypeName
	KindOptionName
	KindRegister
	KindSymbolRef
	KindExpressionRef
	KindHighLevelKeyword
	KindEOF
	KindError
)

// Token is one tagged lexeme: kind, a stable id (the symbol
// name-buffer offset for names, so comparisons survive symbol-list
// re-sorts), source position/length, an operator-precedence priority
// (meaningful only for KindOperator), and a literal value.
type Token struct {
	Kind     Kind
	ID       uint32 // name-buffer offset for KindName/KindSymbolRef; register-encoded id for KindRegister
	Position int    // byte offset in the source file
	Length   int
	Priority int // C-style operator precedence, set only for KindOperator

	IntValue    int64
	FloatValue  float64
	StringValue string // literal text for strings/chars; spelling for names/directives/instructions
	IsFloat     bool   // numeric literal had a '.' or exponent
}

// Line is one source line: byte offset, origin file,
// source line number, and the span of tokens on it.
type Line struct {
	Offset   int
	File     string
	FileTag  int // origin-file tag; >= MetaGeneratedTag marks meta-expanded lines
	LineNo   int
	Tokens   []Token
}

// MetaGeneratedTag is the file-of-origin threshold: a
// line whose FileTag is >= this value was produced by meta-expansion,
// not read directly from source, and may be re-emitted in any order.
const MetaGeneratedTag = 0x1000
