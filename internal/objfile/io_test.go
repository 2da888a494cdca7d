package objfile

import (
	"bytes"
	"testing"
)

func sampleModule() *Module {
	m := NewModule()
	m.Header.Entry = 0x1000
	m.Header.IPBase = 0x1000
	m.Header.DataPBase = 0x2000
	m.Header.Flags = FlagRelinkable

	code := &Section{Name: "code", Type: SecProgBits,
		Flags: SecRead | SecExecute | SecBaseIP, Address: 0x1000,
		Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Module: "main.ob"}
	code.SetAlign(8)
	m.AddSection(code)

	bss := &Section{Name: "zeroes", Type: SecNoBits,
		Flags: SecRead | SecWrite | SecBaseDATAP, Address: 0x2000,
		Data: make([]byte, 32)}
	bss.SetAlign(8)
	m.AddSection(bss)

	m.AddSymbol(&Symbol{Name: "main", Section: 0, Value: 0, Size: 8,
		Binding: BindGlobal, Type: SymFunction, Flags: SymExecutable})
	m.AddSymbol(&Symbol{Name: "buf", Section: 1, Value: 0, Size: 32,
		Binding: BindLocal, Type: SymObject})
	m.AddSymbol(&Symbol{Name: "ext", Section: -1, Binding: BindUnresolved, Type: SymFunction})

	m.Relocs = append(m.Relocs, &Relocation{
		Section: 0, Offset: 4, Symbol: 2, RefSymbol: -1, Addend: -4,
		Kind: RelocSelfRelative, Size: RelocSize32, ScaleLog2: 2,
	})
	m.ProgramHeaders = append(m.ProgramHeaders, ProgramHeader{
		BaseFlags: SecRead | SecExecute | SecBaseIP, Address: 0x1000, FileSize: 8, MemSize: 8,
	})
	return m
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := sampleModule()
	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if got.Header != m.Header {
		t.Errorf("header: %+v != %+v", got.Header, m.Header)
	}
	if len(got.Sections) != 2 {
		t.Fatalf("sections: %d", len(got.Sections))
	}
	code := got.Sections[0]
	if code.Name != "code" || !bytes.Equal(code.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("code section: %+v", code)
	}
	if code.Module != "main.ob" {
		t.Errorf("sh_module lost: %q", code.Module)
	}
	if got.Sections[1].Type != SecNoBits || len(got.Sections[1].Data) != 32 {
		t.Errorf("bss section: %+v", got.Sections[1])
	}

	if got.Symbols.Len() != 3 {
		t.Fatalf("symbols: %d", got.Symbols.Len())
	}
	main, ok := got.Symbols.Find("main")
	if !ok || main.Binding != BindGlobal || main.Type != SymFunction || main.Size != 8 {
		t.Errorf("main: %+v", main)
	}
	ext, ok := got.Symbols.Find("ext")
	if !ok || ext.Binding != BindUnresolved || ext.Section != -1 {
		t.Errorf("ext: %+v", ext)
	}

	if len(got.Relocs) != 1 {
		t.Fatalf("relocs: %d", len(got.Relocs))
	}
	r := got.Relocs[0]
	if r.Kind != RelocSelfRelative || r.Size != RelocSize32 || r.ScaleLog2 != 2 || r.Addend != -4 {
		t.Errorf("reloc: %+v", r)
	}
	if len(got.ProgramHeaders) != 1 || got.ProgramHeaders[0] != m.ProgramHeaders[0] {
		t.Errorf("program headers: %+v", got.ProgramHeaders)
	}
}

func TestRoundTripIsStable(t *testing.T) {
	m := sampleModule()
	var first, second bytes.Buffer
	if err := m.Write(&first); err != nil {
		t.Fatal(err)
	}
	back, err := Read(bytes.NewReader(first.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if err := back.Write(&second); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("write/read/write is not byte-stable")
	}
}

func TestRelocTypeField(t *testing.T) {
	r := Relocation{Kind: RelocDataPBase, Size: RelocSize16Of32Lo, ScaleLog2: 2, LoadTime: true}
	kind, size, scale, loadTime := DecodeTypeField(r.TypeField())
	if kind != RelocDataPBase || size != RelocSize16Of32Lo || scale != 2 || !loadTime {
		t.Errorf("type field round trip: %v %v %v %v", kind, size, scale, loadTime)
	}
}

func TestSymbolTableSortedLookup(t *testing.T) {
	var tab SymbolTable
	for _, n := range []string{"zeta", "alpha", "mid"} {
		tab.Add(&Symbol{Name: n})
	}
	all := tab.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].Name > all[i].Name {
			t.Fatalf("not sorted: %q before %q", all[i-1].Name, all[i].Name)
		}
	}
	if _, ok := tab.Find("mid"); !ok {
		t.Error("Find failed after sort")
	}
	// A later Add invalidates cached order; Find must still work.
	tab.Add(&Symbol{Name: "beta"})
	if _, ok := tab.Find("beta"); !ok {
		t.Error("Find failed after mutation")
	}
}

func TestAlignValidation(t *testing.T) {
	var s Section
	if err := s.SetAlign(3); err == nil {
		t.Error("non-power-of-two alignment accepted")
	}
	if err := s.SetAlign(8192); err == nil {
		t.Error("alignment beyond 4096 accepted")
	}
	if err := s.SetAlign(4096); err != nil || s.Align() != 4096 {
		t.Errorf("4096 should be accepted: %v, %d", err, s.Align())
	}
}
