package asmtok

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xyproto/forwardcom/internal/isa"
)

// NestComments toggles whether /* ... */ comments may nest.
var NestComments = true

var highLevelKeywords = map[string]bool{
	"if": true, "else": true, "for": true, "while": true, "do": true,
	"switch": true, "case": true, "break": true, "continue": true,
}

var directiveKeywords = map[string]bool{
	"section": true, "function": true, "end": true, "extern": true,
	"public": true, "align": true,
}

// Tokenizer performs a single linear pass over one
// source file's bytes.
type Tokenizer struct {
	src      []byte
	pos      int
	line     int
	fileName string
	fileTag  int
	table    *isa.Table // instruction recognition; nil disables it (useful in tests)

	lines []Line
	cur   []Token
	diags []string
}

func New(src []byte, fileName string, fileTag int, table *isa.Table) *Tokenizer {
	return &Tokenizer{src: src, line: 1, fileName: fileName, fileTag: fileTag, table: table}
}

// Tokenize runs the full pass and returns the Line records.
func (t *Tokenizer) Tokenize() ([]Line, []string) {
	for t.pos < len(t.src) {
		c := t.src[t.pos]
		switch {
		case c == '\n':
			t.endLine()
			t.pos++
			t.line++
		case c == ';':
			t.pos++
			t.endLine()
		case c == ' ' || c == '\t' || c == '\r':
			t.pos++
		case c == '/' && t.peek(1) == '/':
			t.skipLineComment()
		case c == '/' && t.peek(1) == '*':
			t.skipBlockComment()
		case c == '{' || c == '}':
			t.endLine()
			t.emit(Token{Kind: KindOperator, Position: t.pos, Length: 1, StringValue: string(c)})
			t.pos++
			t.endLine()
		case c == '"':
			t.scanString()
		case c == '\'':
			t.scanChar()
		case isDigit(c):
			t.scanNumber()
		case isIdentStart(c):
			t.scanIdentLike()
		default:
			t.scanOperator()
		}
	}
	t.endLine()
	return t.lines, t.diags
}

func (t *Tokenizer) peek(n int) byte {
	if t.pos+n >= len(t.src) {
		return 0
	}
	return t.src[t.pos+n]
}

func (t *Tokenizer) emit(tok Token) { t.cur = append(t.cur, tok) }

func (t *Tokenizer) endLine() {
	if len(t.cur) == 0 {
		return
	}
	t.lines = append(t.lines, Line{
		Offset: t.cur[0].Position, File: t.fileName, FileTag: t.fileTag,
		LineNo: t.line, Tokens: t.cur,
	})
	t.cur = nil
}

func (t *Tokenizer) skipLineComment() {
	for t.pos < len(t.src) && t.src[t.pos] != '\n' {
		t.pos++
	}
}

// skipBlockComment implements nestable /* ... */ comments.
// Character literals and strings may not span lines, but comments may.
func (t *Tokenizer) skipBlockComment() {
	depth := 1
	t.pos += 2
	for t.pos < len(t.src) && depth > 0 {
		if t.src[t.pos] == '\n' {
			t.line++
		}
		if NestComments && t.peekAt(0) == '/' && t.peekAt(1) == '*' {
			depth++
			t.pos += 2
			continue
		}
		if t.peekAt(0) == '*' && t.peekAt(1) == '/' {
			depth--
			t.pos += 2
			continue
		}
		t.pos++
	}
	if depth > 0 {
		t.diags = append(t.diags, fmt.Sprintf("%s:%d: unterminated comment", t.fileName, t.line))
	}
}

func (t *Tokenizer) peekAt(n int) byte {
	if t.pos+n >= len(t.src) {
		return 0
	}
	return t.src[t.pos+n]
}

func (t *Tokenizer) scanString() {
	start := t.pos
	t.pos++
	var sb strings.Builder
	for t.pos < len(t.src) && t.src[t.pos] != '"' {
		if t.src[t.pos] == '\n' {
			t.diags = append(t.diags, fmt.Sprintf("%s:%d: string may not span lines", t.fileName, t.line))
			break
		}
		ch, adv := t.readEscaped()
		sb.WriteRune(ch)
		_ = adv
	}
	if t.pos < len(t.src) {
		t.pos++ // closing quote
	}
	t.emit(Token{Kind: KindString, Position: start, Length: t.pos - start, StringValue: sb.String()})
}

func (t *Tokenizer) scanChar() {
	start := t.pos
	t.pos++
	if t.pos < len(t.src) && t.src[t.pos] == '\n' {
		t.diags = append(t.diags, fmt.Sprintf("%s:%d: unterminated character literal", t.fileName, t.line))
		t.emit(Token{Kind: KindError, Position: start, Length: 1})
		return
	}
	ch, _ := t.readEscaped()
	if t.pos < len(t.src) && t.src[t.pos] == '\'' {
		t.pos++
	}
	t.emit(Token{Kind: KindChar, Position: start, Length: t.pos - start, IntValue: int64(ch)})
}

func (t *Tokenizer) readEscaped() (rune, int) {
	if t.pos >= len(t.src) {
		return 0, 0
	}
	if t.src[t.pos] == '\\' && t.pos+1 < len(t.src) {
		esc := t.src[t.pos+1]
		t.pos += 2
		switch esc {
		case 'n':
			return '\n', 2
		case 't':
			return '\t', 2
		case 'r':
			return '\r', 2
		case '0':
			return 0, 2
		case '\\', '\'', '"':
			return rune(esc), 2
		default:
			return rune(esc), 2
		}
	}
	r, size := utf8.DecodeRune(t.src[t.pos:])
	t.pos += size
	return r, size
}

// scanNumber implements the 8-state numeric-literal DFA:
// start, after-0, after-digits, after-0x, after-0b/0o, after-dot,
// after-E, after-E-sign. Any transition out of the DFA ends the literal.
func (t *Tokenizer) scanNumber() {
	start := t.pos
	isFloat := false

	if t.src[t.pos] == '0' && (t.peekAt(1) == 'x' || t.peekAt(1) == 'X') {
		t.pos += 2
		for t.pos < len(t.src) && isHexDigit(t.src[t.pos]) {
			t.pos++
		}
		t.finishInt(start, 16)
		return
	}
	if t.src[t.pos] == '0' && (t.peekAt(1) == 'b' || t.peekAt(1) == 'B') {
		t.pos += 2
		for t.pos < len(t.src) && (t.src[t.pos] == '0' || t.src[t.pos] == '1') {
			t.pos++
		}
		t.finishInt(start, 2)
		return
	}
	if t.src[t.pos] == '0' && (t.peekAt(1) == 'o' || t.peekAt(1) == 'O') {
		t.pos += 2
		for t.pos < len(t.src) && t.src[t.pos] >= '0' && t.src[t.pos] <= '7' {
			t.pos++
		}
		t.finishInt(start, 8)
		return
	}

	for t.pos < len(t.src) && isDigit(t.src[t.pos]) {
		t.pos++
	}
	if t.pos < len(t.src) && t.src[t.pos] == '.' && t.pos+1 < len(t.src) && isDigit(t.peekAt(1)) {
		isFloat = true
		t.pos++
		for t.pos < len(t.src) && isDigit(t.src[t.pos]) {
			t.pos++
		}
	}
	if t.pos < len(t.src) && (t.src[t.pos] == 'e' || t.src[t.pos] == 'E') {
		save := t.pos
		t.pos++
		if t.pos < len(t.src) && (t.src[t.pos] == '+' || t.src[t.pos] == '-') {
			t.pos++
		}
		if t.pos < len(t.src) && isDigit(t.src[t.pos]) {
			isFloat = true
			for t.pos < len(t.src) && isDigit(t.src[t.pos]) {
				t.pos++
			}
		} else {
			t.pos = save // 'E' wasn't actually an exponent; back out
		}
	}

	lit := string(t.src[start:t.pos])
	if isFloat {
		f, _ := strconv.ParseFloat(lit, 64)
		t.emit(Token{Kind: KindFloat, Position: start, Length: t.pos - start, FloatValue: f, IsFloat: true})
		return
	}
	v, _ := strconv.ParseInt(lit, 10, 64)
	t.emit(Token{Kind: KindInteger, Position: start, Length: t.pos - start, IntValue: v})
}

func (t *Tokenizer) finishInt(start int, base int) {
	lit := string(t.src[start:t.pos])
	prefix := 2
	v, err := strconv.ParseUint(lit[prefix:], base, 64)
	if err != nil {
		t.diags = append(t.diags, fmt.Sprintf("%s:%d: malformed numeric literal %q", t.fileName, t.line, lit))
	}
	t.emit(Token{Kind: KindInteger, Position: start, Length: t.pos - start, IntValue: int64(v)})
}

// scanIdentLike scans an identifier (UTF-8 permitted) and
// classifies it as register, instruction, high-level keyword, directive,
// or plain name.
func (t *Tokenizer) scanIdentLike() {
	start := t.pos
	for t.pos < len(t.src) {
		r, size := utf8.DecodeRune(t.src[t.pos:])
		if !isIdentCont(r) {
			break
		}
		t.pos += size
	}
	ident := string(t.src[start:t.pos])

	if reg, ok := isa.LookupRegister(ident); ok {
		t.emit(Token{Kind: KindRegister, Position: start, Length: t.pos - start, ID: uint32(reg.Encode()), StringValue: ident})
		return
	}
	if t.table != nil {
		if _, ok := t.table.ByName(ident); ok {
			t.emit(Token{Kind: KindInstruction, Position: start, Length: t.pos - start, StringValue: ident})
			return
		}
	}
	if highLevelKeywords[ident] {
		t.emit(Token{Kind: KindHighLevelKeyword, Position: start, Length: t.pos - start, StringValue: ident})
		return
	}
	if directiveKeywords[ident] {
		t.emit(Token{Kind: KindDirective, Position: start, Length: t.pos - start, StringValue: ident})
		return
	}
	t.emit(Token{Kind: KindName, Position: start, Length: t.pos - start, StringValue: ident})
}

var multiCharOperators = []string{
	"<<=", ">>=", "==", "!=", "<=", ">=", "&&", "||", "++", "--",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "<<", ">>", "->",
}

func (t *Tokenizer) scanOperator() {
	start := t.pos
	for _, op := range multiCharOperators {
		if t.pos+len(op) <= len(t.src) && string(t.src[t.pos:t.pos+len(op)]) == op {
			t.pos += len(op)
			t.emit(Token{Kind: KindOperator, Position: start, Length: len(op), StringValue: op, Priority: priorityOf(op)})
			return
		}
	}
	c := t.src[t.pos]
	t.pos++
	t.emit(Token{Kind: KindOperator, Position: start, Length: 1, StringValue: string(c), Priority: priorityOf(string(c))})
}

// priorityOf carries C's operator precedence. Lower binds tighter here
// (1 = highest precedence); assignment sits at priority 100, the
// lowest.
func priorityOf(op string) int {
	switch op {
	case "=", "+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "<<=", ">>=":
		return 100
	case "?", ":":
		return 90
	case "||":
		return 80
	case "&&":
		return 70
	case "|":
		return 60
	case "^":
		return 55
	case "&":
		return 50
	case "==", "!=":
		return 40
	case "<", ">", "<=", ">=":
		return 35
	case "<<", ">>":
		return 30
	case "+", "-":
		return 20
	case "*", "/", "%":
		return 10
	case "!", "~":
		return 5
	default:
		return 0
	}
}

func isDigit(c byte) bool    { return c >= '0' && c <= '9' }
func isHexDigit(c byte) bool { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') }
func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}
func isIdentCont(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
