package assembler

import (
	"strings"
	"testing"

	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

func mustTables(t *testing.T) *isa.Table {
	t.Helper()
	tables, err := isa.LoadBuiltinTable()
	if err != nil {
		t.Fatalf("loading tables: %v", err)
	}
	return tables
}

func assemble(t *testing.T, src string) *objfile.Module {
	t.Helper()
	mod, bag := Assemble([]byte(src), "test.fc", mustTables(t))
	if bag.HasErrors() {
		t.Fatalf("assembly failed:\n%s", bag)
	}
	return mod
}

// decodeSection decodes a code section into its mnemonics, in order.
func decodeSection(t *testing.T, tables *isa.Table, sec *objfile.Section) []string {
	t.Helper()
	var names []string
	for off := 0; off+4 <= len(sec.Data); {
		var words []uint32
		for i := 0; i < 3 && off+i*4+4 <= len(sec.Data); i++ {
			p := off + i*4
			words = append(words, uint32(sec.Data[p])|uint32(sec.Data[p+1])<<8|
				uint32(sec.Data[p+2])<<16|uint32(sec.Data[p+3])<<24)
		}
		dec, err := isa.Decode(words)
		if err != nil {
			t.Fatalf("decode at %#x: %v", off, err)
		}
		var rec *isa.InstructionRecord
		if dec.Format.Category == "jump" {
			rec, _ = tables.ByJumpCond(int(dec.OPJ))
		} else {
			rec, _ = tables.ByID(dec.Op1)
		}
		if rec == nil {
			t.Fatalf("no instruction for word %#x at %#x", words[0], off)
		}
		names = append(names, rec.Name)
		off += dec.Len() * 4
	}
	return names
}

const smallProgram = `
code section execute
  main: function public
    r0 = 5
    r1 = 7
    r0 = add(r0, r1)
    return
  main end
code end
`

func TestAssembleSmallProgram(t *testing.T) {
	mod := assemble(t, smallProgram)

	if len(mod.Sections) != 1 || mod.Sections[0].Name != "code" {
		t.Fatalf("sections: %+v", mod.Sections)
	}
	sec := mod.Sections[0]
	if sec.Flags&objfile.SecExecute == 0 {
		t.Error("code section should be executable")
	}

	main, ok := mod.Symbols.Find("main")
	if !ok {
		t.Fatal("main symbol missing")
	}
	if main.Binding != objfile.BindGlobal || main.Type != objfile.SymFunction {
		t.Errorf("main should be an exported function: %+v", main)
	}
	if main.Value != 0 || main.Size != 16 {
		t.Errorf("main value/size: %d/%d", main.Value, main.Size)
	}
	if mod.Header.Entry != main.Value {
		t.Errorf("entry %#x != main %#x", mod.Header.Entry, main.Value)
	}
	if len(mod.Relocs) != 0 {
		t.Errorf("expected no relocations, got %d", len(mod.Relocs))
	}

	names := decodeSection(t, mustTables(t), sec)
	want := []string{"move", "move", "add", "return"}
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Errorf("instructions: %v, want %v", names, want)
	}
}

const dataLoadProgram = `
data section read write data
  int32 x = 0x100
data end
code section execute
  main: function public
    int32 r0 = x
    return
  main end
code end
`

func TestDataSizePropagation(t *testing.T) {
	mod := assemble(t, dataLoadProgram)

	data, _ := mod.SectionByName("data")
	if data == nil || len(data.Data) != 4 {
		t.Fatalf("data section should be 4 bytes: %+v", data)
	}
	if data.Data[0] != 0 || data.Data[1] != 1 {
		t.Errorf("data bytes: %v (want little-endian 0x100)", data.Data[:4])
	}

	if len(mod.Relocs) != 1 {
		t.Fatalf("expected one relocation, got %d", len(mod.Relocs))
	}
	r := mod.Relocs[0]
	if r.Kind != objfile.RelocDataPBase {
		t.Errorf("relocation kind: %d", r.Kind)
	}
	if r.Size != objfile.RelocSize16Of32Lo && r.Size != objfile.RelocSize32 {
		t.Errorf("relocation size selector: %d", r.Size)
	}
	syms := mod.Symbols.All()
	if int(r.Symbol) >= len(syms) || syms[r.Symbol].Name != "x" {
		t.Errorf("relocation should target x")
	}
}

// TestFitterMinimality checks smallest-format selection: growing
// constants move the chosen encoding up through the
// 8/16/32/64-bit immediate formats, and never sooner than needed.
func TestFitterMinimality(t *testing.T) {
	tests := []struct {
		value string
		words int
	}{
		{"5", 1},          // 8-bit immediate
		{"300", 1},        // 16-bit immediate, still one word
		{"100000", 2},     // 32-bit immediate
		{"4294967296", 3}, // needs the 64-bit form
	}
	for _, tt := range tests {
		mod := assemble(t, `
code section execute
  main: function public
    r0 = `+tt.value+`
    return
  main end
code end
`)
		sec := mod.Sections[0]
		words := []uint32{
			uint32(sec.Data[0]) | uint32(sec.Data[1])<<8 | uint32(sec.Data[2])<<16 | uint32(sec.Data[3])<<24,
		}
		for i := 4; i+4 <= len(sec.Data); i += 4 {
			words = append(words, uint32(sec.Data[i])|uint32(sec.Data[i+1])<<8|
				uint32(sec.Data[i+2])<<16|uint32(sec.Data[i+3])<<24)
		}
		dec, err := isa.Decode(words)
		if err != nil {
			t.Fatalf("%s: %v", tt.value, err)
		}
		if dec.Len() != tt.words {
			t.Errorf("move of %s encoded in %d words, want %d", tt.value, dec.Len(), tt.words)
		}
	}
}

// TestConvergence builds a loop body large enough that the backward
// and forward jumps cannot use the single-word branch form, forcing
// pass 4 to grow them across iterations.
func TestConvergence(t *testing.T) {
	var b strings.Builder
	b.WriteString("code section execute\nmain: function public\nr1 = 100\nwhile (r1) {\n")
	for i := 0; i < 200; i++ {
		b.WriteString("r2 = r2 + 1\n")
	}
	b.WriteString("r1 = r1 - 1\n}\nreturn\nmain end\ncode end\n")

	mod := assemble(t, b.String())
	sec := mod.Sections[0]

	// 1 init + forward branch (2 words) + 201 body + backward jump
	// (2 words) + return.
	wantWords := 1 + 2 + 200 + 1 + 2 + 1
	if len(sec.Data) != wantWords*4 {
		t.Errorf("code size %d bytes, want %d", len(sec.Data), wantWords*4)
	}

	names := decodeSection(t, mustTables(t), sec)
	if names[1] != "jump_eq" {
		t.Errorf("second instruction should be the loop exit branch, got %s", names[1])
	}
	if names[len(names)-2] != "jump" {
		t.Errorf("backward jump missing: %v", names[len(names)-5:])
	}
}

// TestMergeJump checks compare-and-branch fusion: an if-condition
// comparing two registers lowers to a single fused branch instead of
// sub + branch.
func TestMergeJump(t *testing.T) {
	mod := assemble(t, `
code section execute
  main: function public
    if (r1 < r2) {
      r3 = 1
    }
    return
  main end
code end
`)
	sec := mod.Sections[0]
	w0 := uint32(sec.Data[0]) | uint32(sec.Data[1])<<8 | uint32(sec.Data[2])<<16 | uint32(sec.Data[3])<<24
	dec, err := isa.Decode([]uint32{w0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Format.Key.Mode != 5 || dec.Format.Key.Mode2 != 3 {
		t.Fatalf("first instruction should be the fused compare-and-branch, got mode %d.%d",
			dec.Format.Key.Mode, dec.Format.Key.Mode2)
	}
	if dec.Rt != 1 || dec.Rs != 2 {
		t.Errorf("fused branch registers: rt=%d rs=%d", dec.Rt, dec.Rs)
	}
	if dec.OPJ != 3 { // jump_aboveeq skips the body when r1 < r2 is false
		t.Errorf("fused branch OPJ: %d", dec.OPJ)
	}
}

// TestOptimizeCode checks the peephole rewrite "add rd, rs, 0" -> move.
func TestOptimizeCode(t *testing.T) {
	mod := assemble(t, `
code section execute
  main: function public
    r0 = r1 + 0
    return
  main end
code end
`)
	names := decodeSection(t, mustTables(t), mod.Sections[0])
	if names[0] != "move" {
		t.Errorf("add with zero immediate should rewrite to move, got %s", names[0])
	}
}

func TestMetaVariables(t *testing.T) {
	mod := assemble(t, `
code section execute
  % answer = 6 * 7
  main: function public
    r0 = answer
    return
  main end
code end
`)
	sec := mod.Sections[0]
	dec, err := isa.Decode([]uint32{
		uint32(sec.Data[0]) | uint32(sec.Data[1])<<8 | uint32(sec.Data[2])<<16 | uint32(sec.Data[3])<<24,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Imm != 42 {
		t.Errorf("meta-variable substitution: imm = %d, want 42", dec.Imm)
	}
}

func TestErrorCases(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"align outside section", "align 8\n"},
		{"duplicate symbol", "code section execute\nf: function public\nreturn\nf end\nf: function public\nreturn\nf end\ncode end\n"},
		{"unknown data type", "data section read write data\nint37 x = 1\ndata end\n"},
		{"bad alignment", "data section read write data\nalign 3\ndata end\n"},
		{"unmatched brace", "code section execute\nmain: function public\n}\nmain end\ncode end\n"},
	}
	for _, tt := range tests {
		_, bag := Assemble([]byte(tt.src), "t.fc", mustTables(t))
		if !bag.HasErrors() {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}

func TestExternCall(t *testing.T) {
	mod := assemble(t, `
code section execute
extern helper
  main: function public
    call helper
    return
  main end
code end
`)
	if len(mod.Relocs) != 1 {
		t.Fatalf("extern call should produce one relocation, got %d", len(mod.Relocs))
	}
	r := mod.Relocs[0]
	if r.Kind != objfile.RelocSelfRelative || r.ScaleLog2 != 2 {
		t.Errorf("call relocation: %+v", r)
	}
	syms := mod.Symbols.All()
	if syms[r.Symbol].Name != "helper" {
		t.Errorf("relocation targets %q", syms[r.Symbol].Name)
	}
}
