package isa

import "testing"

func loadTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := LoadBuiltinTable()
	if err != nil {
		t.Fatalf("loading builtin table: %v", err)
	}
	return tbl
}

func TestTableViews(t *testing.T) {
	tbl := loadTable(t)

	add, ok := tbl.ByName("add")
	if !ok {
		t.Fatal("add not found by name")
	}
	if !add.AllowedFormat.Allows(TemplateA) || !add.AllowedFormat.Allows(TemplateE) {
		t.Errorf("add formats: %b", add.AllowedFormat)
	}
	byID, ok := tbl.ByID(add.OpcodeID)
	if !ok || byID != add {
		t.Errorf("ByID(%d) did not return the same record", add.OpcodeID)
	}

	jeq, ok := tbl.ByJumpCond(0)
	if !ok || jeq.Name != "jump_eq" {
		t.Errorf("ByJumpCond(0) = %+v", jeq)
	}
	ja, ok := tbl.ByJumpCond(63)
	if !ok || ja.Name != "jump" {
		t.Errorf("ByJumpCond(63) = %+v", ja)
	}
}

func TestFormatLookup(t *testing.T) {
	f := LookupFormat(1, 0, 0)
	if f == nil || f.Template != TemplateA || f.VectorMode {
		t.Fatalf("il1 mode0: %+v", f)
	}
	if v := LookupFormat(1, 0, 1); v == nil || !v.VectorMode {
		t.Fatalf("il1 mode0 sub1 should be the vector variant")
	}
	if LookupFormat(1, 7, 0) != nil {
		t.Error("mode 7 should not exist")
	}
}

func TestEffectiveOPJ(t *testing.T) {
	s0 := LookupFormat(1, 5, 0)
	s1 := LookupFormat(2, 5, 1)
	s2 := LookupFormat(2, 5, 2)
	if got := EffectiveOPJ(s0, 7, 9); got != 7 {
		t.Errorf("s0 OPJ from IM1: got %d", got)
	}
	if got := EffectiveOPJ(s1, 7, 9); got != 9 {
		t.Errorf("s1 OPJ from IM6: got %d", got)
	}
	if got := EffectiveOPJ(s2, 7, 9); got != 63 {
		t.Errorf("s2 OPJ fixed: got %d", got)
	}
}

// TestEncodeDecodeRoundTrip drives every format through Encode and
// Decode and checks all declared fields survive.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, f := range AllFormats() {
		f := f
		fl := Fields{Op1: 5, OT: OTCode32, Rd: 3, Rt: 17, Rs: 9,
			Imm: -7, Addr: -123, JumpOffset: -3, OPJ: 2}
		if f.ImmSize == 1 {
			fl.Imm = -7
		}
		words := Encode(&f, fl)
		if len(words) != f.Key.IL {
			t.Errorf("%+v: encoded %d words, want %d", f.Key, len(words), f.Key.IL)
			continue
		}
		dec, err := Decode(words)
		if err != nil {
			t.Errorf("%+v: decode: %v", f.Key, err)
			continue
		}
		if dec.Format.Key != f.Key {
			t.Errorf("%+v: decoded as %+v", f.Key, dec.Format.Key)
			continue
		}
		if dec.Op1 != 5 {
			t.Errorf("%+v: op1 = %d", f.Key, dec.Op1)
		}
		if f.OTBit >= 0 && dec.OT != OTCode32 {
			t.Errorf("%+v: OT = %d", f.Key, dec.OT)
		}
		if f.Operands.Has(OpRD) && f.RdBit >= 0 && dec.Rd != 3 {
			t.Errorf("%+v: rd = %d", f.Key, dec.Rd)
		}
		if (f.Operands.Has(OpRT) || f.Operands.Has(OpMemory)) && f.RtBit >= 0 && dec.Rt != 17 {
			t.Errorf("%+v: rt = %d", f.Key, dec.Rt)
		}
		if f.Operands.Has(OpRS) && f.RsBit >= 0 && dec.Rs != 9 {
			t.Errorf("%+v: rs = %d", f.Key, dec.Rs)
		}
		if f.ImmSize > 0 && dec.Imm != fl.Imm {
			t.Errorf("%+v: imm = %d, want %d", f.Key, dec.Imm, fl.Imm)
		}
		if f.AddrSize > 0 && dec.Addr != -123 {
			t.Errorf("%+v: addr = %d", f.Key, dec.Addr)
		}
		if f.JumpSize > 0 {
			if dec.JumpOffset != -3 {
				t.Errorf("%+v: jump offset = %d", f.Key, dec.JumpOffset)
			}
			want := uint32(2)
			if f.OpjFixed63 {
				want = 63
			}
			if dec.OPJ != want {
				t.Errorf("%+v: OPJ = %d, want %d", f.Key, dec.OPJ, want)
			}
		}
	}
}

func TestSignExtension(t *testing.T) {
	b := LookupFormat(1, 1, 0) // 8-bit immediate
	words := Encode(b, Fields{Op1: 2, Imm: -1})
	dec, err := Decode(words)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Imm != -1 {
		t.Errorf("8-bit immediate sign extension: got %d", dec.Imm)
	}
}

func TestOTSizes(t *testing.T) {
	tests := []struct{ ot, size int }{
		{OTCode8, 1}, {OTCode16, 2}, {OTCode32, 4}, {OTCode64, 8},
		{OTCodeFloat, 4}, {OTCodeDouble, 8}, {OTCode128, 16},
	}
	for _, tt := range tests {
		if got := OTSize(tt.ot); got != tt.size {
			t.Errorf("OTSize(%d) = %d, want %d", tt.ot, got, tt.size)
		}
	}
	if !OTIsFloat(OTCodeFloat) || OTIsFloat(OTCode32) {
		t.Error("OTIsFloat misclassifies")
	}
}

func TestSystemFunctionID(t *testing.T) {
	if id, ok := SystemFunctionID("_exit"); !ok || id != 1 {
		t.Errorf("_exit = %d, %v", id, ok)
	}
	if _, ok := SystemFunctionID("nonsense"); ok {
		t.Error("unknown name should not resolve")
	}
}
