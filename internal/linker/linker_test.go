package linker

import (
	"bytes"
	"testing"

	"github.com/xyproto/forwardcom/internal/assembler"
	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/library"
	"github.com/xyproto/forwardcom/internal/objfile"
)

func mustTables(t *testing.T) *isa.Table {
	t.Helper()
	tables, err := isa.LoadBuiltinTable()
	if err != nil {
		t.Fatal(err)
	}
	return tables
}

func assembleInput(t *testing.T, name, src string) Input {
	t.Helper()
	mod, bag := assembler.Assemble([]byte(src), name, mustTables(t))
	if bag.HasErrors() {
		t.Fatalf("assembling %s:\n%s", name, bag)
	}
	// Round-trip through the file format, the way the real pipeline
	// hands modules to the linker.
	var buf bytes.Buffer
	if err := mod.Write(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := objfile.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	return Input{Name: name, Mod: back}
}

const mainSrc = `
code section execute
extern util_f
  main: function public
    r0 = 1
    call util_f
    return
  main end
code end
`

const utilSrc = `
code section execute
  util_f: function public
    r0 = r0 + 41
    return
  util_f end
code end
`

func linkMainUtil(t *testing.T, relinkable bool) *objfile.Module {
	t.Helper()
	bag := diag.NewBag(50)
	exe, err := Link(
		[]Input{assembleInput(t, "main.ob", mainSrc), assembleInput(t, "util.ob", utilSrc)},
		nil,
		Options{Relinkable: relinkable, Tables: mustTables(t)},
		bag)
	if err != nil {
		t.Fatalf("link: %v\n%s", err, bag)
	}
	return exe
}

func TestLinkTwoModules(t *testing.T) {
	exe := linkMainUtil(t, false)

	main, ok := exe.Symbols.Find("main")
	if !ok || main.Section < 0 {
		t.Fatal("main symbol missing from output")
	}
	mainAbs := exe.Sections[main.Section].Address + main.Value
	if exe.Header.Entry != mainAbs {
		t.Errorf("entry %#x, want %#x", exe.Header.Entry, mainAbs)
	}
	if exe.Header.IPBase == 0 || exe.Header.DataPBase == 0 {
		t.Errorf("base pointers not set: %+v", exe.Header)
	}
	if _, ok := exe.Symbols.Find("__ip_base"); !ok {
		t.Error("auto symbol __ip_base missing")
	}
	if s, _ := exe.SectionByName("__stack"); s == nil {
		t.Error("stack section missing")
	}
	if s, _ := exe.SectionByName("__heap"); s == nil {
		t.Error("heap section missing")
	}
	if len(exe.ProgramHeaders) == 0 {
		t.Error("no program headers")
	}
	// Non-relinkable output drops applied relocations.
	if len(exe.Relocs) != 0 {
		t.Errorf("relocations kept in non-relinkable output: %d", len(exe.Relocs))
	}
}

// TestCallRelocationApplied decodes main's call after linking and
// checks the self-relative jump offset lands exactly on util_f.
func TestCallRelocationApplied(t *testing.T) {
	exe := linkMainUtil(t, false)

	main, _ := exe.Symbols.Find("main")
	util, _ := exe.Symbols.Find("util_f")
	mainSec := exe.Sections[main.Section]
	utilAbs := exe.Sections[util.Section].Address + util.Value

	// main's layout: move (1 word), call (2 words), return.
	callOff := main.Value + 4
	words := []uint32{
		wordAt(mainSec.Data, callOff),
		wordAt(mainSec.Data, callOff+4),
	}
	dec, err := isa.Decode(words)
	if err != nil {
		t.Fatal(err)
	}
	if dec.OPJ != 62 {
		t.Fatalf("expected a call, got OPJ %d", dec.OPJ)
	}
	callAbs := mainSec.Address + callOff
	target := callAbs + uint64(dec.Len())*4 + uint64(dec.JumpOffset*4)
	if target != utilAbs {
		t.Errorf("call lands at %#x, util_f is at %#x", target, utilAbs)
	}
}

func wordAt(data []byte, off uint64) uint32 {
	return uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
}

func TestUnresolvedSymbol(t *testing.T) {
	in := assembleInput(t, "main.ob", mainSrc) // imports util_f, nothing defines it

	bag := diag.NewBag(50)
	if _, err := Link([]Input{in}, nil, Options{Tables: mustTables(t)}, bag); err == nil {
		t.Error("unresolved strong import should fail the link")
	}

	bag = diag.NewBag(50)
	in2 := assembleInput(t, "main.ob", mainSrc)
	if _, err := Link([]Input{in2}, nil, Options{Incomplete: true, Tables: mustTables(t)}, bag); err != nil {
		t.Errorf("-incomplete should downgrade to a warning: %v", err)
	}
	if bag.Count(diag.Warning) == 0 {
		t.Error("expected a warning under -incomplete")
	}
}

func TestLibraryResolution(t *testing.T) {
	utilMod := assembleInput(t, "util.ob", utilSrc)
	var utilBytes bytes.Buffer
	if err := utilMod.Mod.Write(&utilBytes); err != nil {
		t.Fatal(err)
	}
	lib := &library.Library{}
	if err := lib.Add("util.ob", utilBytes.Bytes(), false); err != nil {
		t.Fatal(err)
	}

	bag := diag.NewBag(50)
	exe, err := Link(
		[]Input{assembleInput(t, "main.ob", mainSrc)},
		[]NamedLibrary{{Name: "util.li", Lib: lib}},
		Options{Tables: mustTables(t)},
		bag)
	if err != nil {
		t.Fatalf("library member should satisfy the import: %v\n%s", err, bag)
	}
	if _, ok := exe.Symbols.Find("util_f"); !ok {
		t.Error("util_f not incorporated from the library")
	}
}

func TestDuplicateStrongSymbols(t *testing.T) {
	a := assembleInput(t, "a.ob", utilSrc)
	b := assembleInput(t, "b.ob", utilSrc)
	bag := diag.NewBag(50)
	if _, err := Link([]Input{a, b}, nil, Options{EntrySymbol: "util_f", Tables: mustTables(t)}, bag); err == nil {
		t.Error("duplicate strong definitions should fail")
	}
}

// TestWeakImportDummy checks that an unresolved weak
// import binds to a synthesized dummy of its base-pointer class.
func TestWeakImportDummy(t *testing.T) {
	in := assembleInput(t, "m.ob", utilSrc)
	weak := &objfile.Symbol{Name: "optional_f", Section: -1,
		Binding: objfile.BindWeak, Type: objfile.SymFunction}
	in.Mod.AddSymbol(weak)

	bag := diag.NewBag(50)
	exe, err := Link([]Input{in}, nil, Options{EntrySymbol: "util_f", Tables: mustTables(t)}, bag)
	if err != nil {
		t.Fatalf("weak import should not fail the link: %v\n%s", err, bag)
	}
	sec, _ := exe.SectionByName("__dummy_func")
	if sec == nil {
		t.Fatal("dummy function section not synthesized")
	}
	opt, ok := exe.Symbols.Find("optional_f")
	if !ok || exe.Sections[opt.Section].Name != "__dummy_func" {
		t.Errorf("optional_f should resolve into the dummy section: %+v", opt)
	}
}

// TestRelocationOverflow checks that a value that does not
// fit its size selector is an error.
func TestRelocationOverflow(t *testing.T) {
	m := objfile.NewModule()
	sec := &objfile.Section{Name: "code", Type: objfile.SecProgBits,
		Flags: objfile.SecRead | objfile.SecExecute, Data: make([]byte, 8)}
	sec.SetAlign(4)
	m.AddSection(sec)
	m.AddSymbol(&objfile.Symbol{Name: "here", Section: 0, Value: 4,
		Binding: objfile.BindGlobal, Type: objfile.SymFunction})
	// Absolute address of "here" lands beyond 127, far outside a signed
	// or unsigned 8-bit field.
	m.Relocs = append(m.Relocs, &objfile.Relocation{
		Section: 0, Offset: 0, Symbol: 0, RefSymbol: -1,
		Kind: objfile.RelocAbs, Size: objfile.RelocSize8,
	})

	bag := diag.NewBag(50)
	_, err := Link([]Input{{Name: "m.ob", Mod: m}}, nil,
		Options{EntrySymbol: "here", Tables: mustTables(t)}, bag)
	if err == nil {
		t.Error("8-bit relocation of a large address should overflow")
	}
}

func TestRegisterUseMismatchWarns(t *testing.T) {
	def := assembleInput(t, "util.ob", utilSrc)
	if sym, ok := def.Mod.Symbols.Find("util_f"); ok {
		sym.RegUse1 = 0x0000000F
	}
	use := assembleInput(t, "main.ob", mainSrc)
	if sym, ok := use.Mod.Symbols.Find("util_f"); ok {
		sym.Flags |= objfile.SymRegUseDeclared
		sym.RegUse1 = 0x000000FF // disagrees with the definition
	}

	bag := diag.NewBag(50)
	if _, err := Link([]Input{use, def}, nil, Options{Tables: mustTables(t)}, bag); err != nil {
		t.Fatalf("mismatch should warn, not fail: %v", err)
	}
	if bag.Count(diag.Warning) == 0 {
		t.Error("expected a register-use warning")
	}
}

// TestCommunalCoalesce checks that same-named comdat sections keep one
// copy.
func TestCommunalCoalesce(t *testing.T) {
	mk := func(name string) Input {
		m := objfile.NewModule()
		sec := &objfile.Section{Name: "shared", Type: objfile.SecComdat,
			Flags: objfile.SecRead, Data: []byte{1, 2, 3, 4}}
		sec.SetAlign(4)
		m.AddSection(sec)
		m.AddSymbol(&objfile.Symbol{Name: "anchor_" + name, Section: 0,
			Binding: objfile.BindGlobal, Type: objfile.SymObject})
		return Input{Name: name, Mod: m}
	}
	bag := diag.NewBag(50)
	exe, err := Link([]Input{mk("a"), mk("b")}, nil,
		Options{EntrySymbol: "anchor_a", Tables: mustTables(t)}, bag)
	if err != nil {
		t.Fatalf("link: %v\n%s", err, bag)
	}
	count := 0
	for _, s := range exe.Sections {
		if s.Name == "shared" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("communal sections not coalesced: %d copies", count)
	}
}
