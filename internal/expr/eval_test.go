package expr

import (
	"testing"

	"github.com/xyproto/forwardcom/internal/asmtok"
)

// stubResolver backs the evaluator with a plain map of meta-variables
// and symbols, standing in for the assembler context.
type stubResolver struct {
	meta map[string]Value
	syms map[string]int64
	seen map[string]bool
}

func newStub() *stubResolver {
	return &stubResolver{meta: map[string]Value{}, syms: map[string]int64{}, seen: map[string]bool{}}
}

func (r *stubResolver) LookupMeta(name string) (Value, bool) {
	v, ok := r.meta[name]
	return v, ok
}

func (r *stubResolver) LookupSymbol(name string) (int64, bool, bool) {
	if v, ok := r.syms[name]; ok {
		return v, true, true
	}
	return 0, false, r.seen[name]
}

func (r *stubResolver) SetMeta(name string, v Value) { r.meta[name] = v }

func tokensOf(t *testing.T, src string) []asmtok.Token {
	t.Helper()
	lines, diags := asmtok.New([]byte(src), "t", 0, nil).Tokenize()
	if len(diags) != 0 {
		t.Fatalf("tokenize %q: %v", src, diags)
	}
	if len(lines) != 1 {
		t.Fatalf("tokenize %q: expected one line, got %d", src, len(lines))
	}
	return lines[0].Tokens
}

func evalString(t *testing.T, src string, r Resolver) Value {
	t.Helper()
	toks := tokensOf(t, src)
	return Eval(toks, 0, len(toks)-1, r)
}

func TestIntegerArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want int64
	}{
		{"1 + 2", 3},
		{"2 * 3 + 4", 10},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 - 4 - 3", 3},
		{"1 << 4", 16},
		{"0xff & 0x0f", 15},
		{"5 | 2", 7},
		{"6 ^ 3", 5},
		{"7 % 4", 3},
		{"1 < 2", 1},
		{"2 == 2", 1},
		{"-5", -5},
		{"~0", -1},
		{"!0", 1},
		{"1 ? 10 : 20", 10},
		{"0 ? 10 : 20", 20},
	}
	r := newStub()
	for _, tt := range tests {
		v := evalString(t, tt.src, r)
		if v.HasError {
			t.Errorf("%q: error: %s", tt.src, v.ErrorMessage)
			continue
		}
		if v.Kind != KindInteger || v.Int != tt.want {
			t.Errorf("%q = %d (kind %d), want %d", tt.src, v.Int, v.Kind, tt.want)
		}
	}
}

func TestFloatAndMixed(t *testing.T) {
	r := newStub()
	v := evalString(t, "1.5 + 2.5", r)
	if v.Kind != KindFloat || v.Float != 4.0 {
		t.Fatalf("float add: %+v", v)
	}
	v = evalString(t, "1 + 0.5", r)
	if v.Kind != KindFloat || v.Float != 1.5 {
		t.Fatalf("mixed add: %+v", v)
	}
}

func TestStringConcat(t *testing.T) {
	v := evalString(t, `"ab" + "cd"`, newStub())
	if v.Kind != KindString || v.Str != "abcd" {
		t.Fatalf("concat: %+v", v)
	}
}

func TestMetaAssignment(t *testing.T) {
	r := newStub()
	evalString(t, "count = 4", r)
	if v, ok := r.meta["count"]; !ok || v.Int != 4 {
		t.Fatalf("assignment did not store: %+v", v)
	}
	evalString(t, "count += 3", r)
	if v := r.meta["count"]; v.Int != 7 {
		t.Fatalf("compound assignment: %+v", v)
	}
	v := evalString(t, "count * 2", r)
	if v.Int != 14 {
		t.Fatalf("substitution: %+v", v)
	}
}

func TestRegisterPlusOffsetIsMemory(t *testing.T) {
	v := evalString(t, "r3 + 16", newStub())
	if v.Kind != KindMemory || !v.Mem.HasBase || v.Mem.Base.Index != 3 || v.Mem.Offset != 16 {
		t.Fatalf("memory operand: %+v", v)
	}
	v = evalString(t, "r3 + 16 - 4", newStub())
	if v.Kind != KindMemory || v.Mem.Offset != 12 {
		t.Fatalf("memory adjust: %+v", v)
	}
}

func TestSymbolDifference(t *testing.T) {
	r := newStub()
	r.seen["a"] = true
	r.seen["b"] = true
	v := evalString(t, "a - b", r)
	if v.Kind != KindSymbolDiff || v.Sym1 != "a" || v.Sym2 != "b" {
		t.Fatalf("symbol difference: %+v", v)
	}
}

func TestUnresolvedForwardReference(t *testing.T) {
	r := newStub()
	r.seen["later"] = true
	v := evalString(t, "later + 4", r)
	if !v.Unresolved || v.UnresolvedSym != "later" {
		t.Fatalf("forward reference should stay unresolved: %+v", v)
	}
	// Once the symbol resolves, re-evaluation produces the value.
	r.syms["later"] = 100
	v = evalString(t, "later + 4", r)
	if v.Kind != KindInteger || v.Int != 104 {
		t.Fatalf("re-evaluation: %+v", v)
	}
}
