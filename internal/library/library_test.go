package library

import (
	"bytes"
	"sort"
	"testing"

	"github.com/xyproto/forwardcom/internal/assembler"
	"github.com/xyproto/forwardcom/internal/isa"
)

// assembleExport builds a tiny object module exporting one function.
func assembleExport(t *testing.T, funcName string) []byte {
	t.Helper()
	tables, err := isa.LoadBuiltinTable()
	if err != nil {
		t.Fatal(err)
	}
	src := "code section execute\n" + funcName + ": function public\nreturn\n" +
		funcName + " end\ncode end\n"
	mod, bag := assembler.Assemble([]byte(src), funcName+".fc", tables)
	if bag.HasErrors() {
		t.Fatalf("assembling %s: %s", funcName, bag)
	}
	var buf bytes.Buffer
	if err := mod.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TestArchiveRoundTrip: create, list, delete, re-add, re-list.
func TestArchiveRoundTrip(t *testing.T) {
	aData := assembleExport(t, "f")
	bData := assembleExport(t, "g")

	lib := &Library{}
	if err := lib.Add("a.ob", aData, false); err != nil {
		t.Fatal(err)
	}
	if err := lib.Add("b.ob", bData, false); err != nil {
		t.Fatal(err)
	}

	if got := lib.List(); len(got) != 2 || got[0] != "a.ob" || got[1] != "b.ob" {
		t.Fatalf("list: %v", got)
	}
	idx, err := lib.Index()
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 2 || idx[0].Name != "f" || idx[1].Name != "g" {
		t.Fatalf("index: %+v", idx)
	}
	if m, ok := lib.FindSymbol("f"); !ok || lib.Members[m].Name != "a.ob" {
		t.Errorf("f should come from a.ob")
	}

	// Archive write/load round trip.
	var buf bytes.Buffer
	if err := lib.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte(Signature)) {
		t.Error("archive missing signature")
	}
	back, err := Load(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got := back.List(); len(got) != 2 || got[0] != "a.ob" || got[1] != "b.ob" {
		t.Fatalf("list after reload: %v", got)
	}
	extracted, err := back.Extract("a.ob")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(extracted, aData) {
		t.Error("extraction is not byte-exact")
	}

	// Delete a, add c exporting f again.
	if err := back.Delete("a.ob"); err != nil {
		t.Fatal(err)
	}
	cData := assembleExport(t, "f")
	if err := back.Add("c.ob", cData, false); err != nil {
		t.Fatal(err)
	}
	if got := back.List(); len(got) != 2 || got[0] != "b.ob" || got[1] != "c.ob" {
		t.Fatalf("list after edit: %v", got)
	}
	if m, ok := back.FindSymbol("f"); !ok || back.Members[m].Name != "c.ob" {
		t.Errorf("f should now come from c.ob")
	}
}

// TestIndexSortedProperty: after any mutation the
// index is in strcmp order, points only at existing members, and covers
// every public non-weak symbol exactly once.
func TestIndexSortedProperty(t *testing.T) {
	lib := &Library{}
	for _, n := range []string{"zz", "aa", "mm"} {
		if err := lib.Add(n+".ob", assembleExport(t, n), false); err != nil {
			t.Fatal(err)
		}
	}
	if err := lib.Delete("mm.ob"); err != nil {
		t.Fatal(err)
	}
	idx, err := lib.Index()
	if err != nil {
		t.Fatal(err)
	}
	if !sort.SliceIsSorted(idx, func(i, j int) bool { return idx[i].Name < idx[j].Name }) {
		t.Error("index not sorted")
	}
	seen := map[string]int{}
	for _, e := range idx {
		if e.Member < 0 || e.Member >= len(lib.Members) {
			t.Errorf("entry %q points at missing member %d", e.Name, e.Member)
		}
		seen[e.Name]++
	}
	for name, n := range seen {
		if n != 1 {
			t.Errorf("symbol %q indexed %d times", name, n)
		}
	}
	if len(idx) != 2 {
		t.Errorf("expected exactly the two remaining exports, got %d", len(idx))
	}
}

func TestDuplicateStrongSymbolRejected(t *testing.T) {
	lib := &Library{}
	lib.Add("a.ob", assembleExport(t, "f"), false)
	lib.Add("b.ob", assembleExport(t, "f"), false)
	if _, err := lib.Index(); err == nil {
		t.Error("duplicate strong export should fail index generation")
	}
}

func TestLongMemberNames(t *testing.T) {
	lib := &Library{}
	long := "a_rather_long_member_name_indeed.ob"
	if err := lib.Add(long, assembleExport(t, "f"), false); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := lib.Write(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := Load(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := back.Member(long); !ok {
		t.Errorf("long name lost: %v", back.List())
	}
}

func TestDeleteMissingMember(t *testing.T) {
	lib := &Library{}
	if err := lib.Delete("no.ob"); err == nil {
		t.Error("deleting a missing member should fail")
	}
	if _, err := lib.Extract("no.ob"); err == nil {
		t.Error("extracting a missing member should fail")
	}
}

func TestCorruptArchive(t *testing.T) {
	if _, err := Load(bytes.NewReader([]byte("not an archive"))); err == nil {
		t.Error("bad signature accepted")
	}
	bad := []byte(Signature + "0123456789012345678901234567890123456789012345678901234567XX")
	if _, err := Load(bytes.NewReader(bad)); err == nil {
		t.Error("corrupt member header accepted")
	}
}
