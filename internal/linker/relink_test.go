package linker

import (
	"bytes"
	"testing"

	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/objfile"
)

func moduleBytes(t *testing.T, m *objfile.Module) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRelinkableMetadata(t *testing.T) {
	exe := linkMainUtil(t, true)
	if exe.Header.Flags&objfile.FlagRelinkable == 0 {
		t.Fatal("relinkable flag not set")
	}
	var tagged int
	for _, s := range exe.Sections {
		if s.Flags&objfile.SecAutogen != 0 {
			continue
		}
		if s.Module == "" {
			t.Errorf("section %q has no sh_module", s.Name)
		}
		tagged++
	}
	if tagged == 0 {
		t.Fatal("no module-tagged sections")
	}
	if len(exe.Relocs) == 0 {
		t.Error("relinkable output must keep its relocations")
	}
}

func TestRelinkNotRelinkable(t *testing.T) {
	exe := linkMainUtil(t, false)
	bag := diag.NewBag(50)
	if _, err := Relink(exe, RelinkCommands{}, nil, Options{Tables: mustTables(t)}, bag); err == nil {
		t.Error("relinking a non-relinkable executable should fail")
	}
}

func TestRelinkUnknownModule(t *testing.T) {
	exe := linkMainUtil(t, true)
	bag := diag.NewBag(50)
	_, err := Relink(exe, RelinkCommands{Remove: []string{"nonesuch.ob"}}, nil,
		Options{Tables: mustTables(t)}, bag)
	if err == nil {
		t.Error("removing an unknown module should fail")
	}
}

// TestRelinkEquivalence: splitting a relinkable
// executable and immediately relinking with no user changes produces
// byte-identical output.
func TestRelinkEquivalence(t *testing.T) {
	exe1 := linkMainUtil(t, true)
	bytes1 := moduleBytes(t, exe1)

	// Work on a fresh read so split-time relink tags cannot leak into
	// the comparison.
	loaded, err := objfile.Read(bytes.NewReader(bytes1))
	if err != nil {
		t.Fatal(err)
	}
	bag := diag.NewBag(50)
	exe2, err := Relink(loaded, RelinkCommands{}, nil, Options{Tables: mustTables(t)}, bag)
	if err != nil {
		t.Fatalf("relink: %v\n%s", err, bag)
	}
	bytes2 := moduleBytes(t, exe2)
	if !bytes.Equal(bytes1, bytes2) {
		t.Errorf("relink with no changes is not byte-identical (%d vs %d bytes)",
			len(bytes1), len(bytes2))
	}
}

const util2Src = `
code section execute
  util_pad: function public
    return
  util_pad end
  util_f: function public
    r0 = r0 + 20
    r0 = r0 + 22
    return
  util_f end
code end
`

// TestRelinkReplace replaces util.ob with a
// version whose symbols sit at different offsets; util_f's code is the
// new code, and main's unrelocated instructions are untouched.
func TestRelinkReplace(t *testing.T) {
	exe1 := linkMainUtil(t, true)
	bytes1 := moduleBytes(t, exe1)
	loaded, err := objfile.Read(bytes.NewReader(bytes1))
	if err != nil {
		t.Fatal(err)
	}

	replacement := assembleInput(t, "util.ob", util2Src)
	bag := diag.NewBag(50)
	exe2, err := Relink(loaded, RelinkCommands{Replace: []Input{replacement}}, nil,
		Options{Tables: mustTables(t)}, bag)
	if err != nil {
		t.Fatalf("relink -replace: %v\n%s", err, bag)
	}

	// util_f moved: it now sits after util_pad within its module.
	util, ok := exe2.Symbols.Find("util_f")
	if !ok {
		t.Fatal("util_f missing after replace")
	}
	if util.Value == 0 {
		t.Error("util_f should no longer be at its module's start")
	}
	// The new body starts with "r0 = r0 + 20": an add with immediate 20.
	utilSec := exe2.Sections[util.Section]
	w := wordAt(utilSec.Data, util.Value)
	if imm := int8(w >> 24); imm != 20 {
		t.Errorf("util_f's first instruction immediate = %d, want 20", imm)
	}

	// main's first instruction (no relocation) is byte-identical.
	main1, _ := exe1.Symbols.Find("main")
	main2, _ := exe2.Symbols.Find("main")
	sec1 := exe1.Sections[main1.Section]
	sec2 := exe2.Sections[main2.Section]
	if wordAt(sec1.Data, main1.Value) != wordAt(sec2.Data, main2.Value) {
		t.Error("main's unrelocated code changed across the relink")
	}
}

// TestRelinkTagsWrittenDuringSplit checks sh_relink bookkeeping on the
// split input.
func TestRelinkTagsWrittenDuringSplit(t *testing.T) {
	exe := linkMainUtil(t, true)
	replacement := assembleInput(t, "util.ob", util2Src)
	bag := diag.NewBag(50)
	if _, err := Relink(exe, RelinkCommands{Replace: []Input{replacement}}, nil,
		Options{Tables: mustTables(t)}, bag); err != nil {
		t.Fatalf("relink: %v", err)
	}
	var sawPreserved, sawReplaced bool
	for _, s := range exe.Sections {
		switch {
		case s.Module == "main.ob" && s.Relink == objfile.RelinkPreserved:
			sawPreserved = true
		case s.Module == "util.ob" && s.Relink == objfile.RelinkReplaced:
			sawReplaced = true
		}
	}
	if !sawPreserved || !sawReplaced {
		t.Errorf("split tags: preserved=%v replaced=%v", sawPreserved, sawReplaced)
	}
}
