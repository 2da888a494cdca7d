package emulator

import (
	"math"
	"testing"

	"github.com/xyproto/forwardcom/internal/assembler"
	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/linker"
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

// buildExe assembles and links one or more sources into an executable.
func buildExe(t *testing.T, srcs ...string) *objfile.Module {
	t.Helper()
	tables := mustTables(t)
	var inputs []linker.Input
	for i, src := range srcs {
		mod, bag := assembler.Assemble([]byte(src), "m.fc", tables)
		if bag.HasErrors() {
			t.Fatalf("assembly failed:\n%s", bag)
		}
		inputs = append(inputs, linker.Input{Name: string(rune('a'+i)) + ".ob", Mod: mod})
	}
	bag := diag.NewBag(50)
	exe, err := linker.Link(inputs, nil, linker.Options{Tables: tables}, bag)
	if err != nil {
		t.Fatalf("link: %v\n%s", err, bag)
	}
	return exe
}

func newMachine(t *testing.T, exe *objfile.Module) *Machine {
	t.Helper()
	m, err := New(exe, mustTables(t))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRunSmallProgram(t *testing.T) {
	exe := buildExe(t, `
code section execute
  main: function public
    r0 = 5
    r1 = 7
    r0 = add(r0, r1)
    return
  main end
code end
`)
	m := newMachine(t, exe)
	if code := m.Run(); code != IntNone {
		t.Fatalf("interrupt: %s", code)
	}
	if m.ExitStatus != 12 {
		t.Errorf("exit status %d, want 12", m.ExitStatus)
	}
	if m.Perf.Instructions != 4 {
		t.Errorf("instruction count %d, want 4", m.Perf.Instructions)
	}
}

func TestCrossModuleCall(t *testing.T) {
	exe := buildExe(t, `
code section execute
extern util_f
  main: function public
    r0 = 1
    call util_f
    return
  main end
code end
`, `
code section execute
  util_f: function public
    r0 = r0 + 41
    return
  util_f end
code end
`)
	m := newMachine(t, exe)
	if code := m.Run(); code != IntNone {
		t.Fatalf("interrupt: %s", code)
	}
	if m.ExitStatus != 42 {
		t.Errorf("exit status %d, want 42", m.ExitStatus)
	}
	if m.Perf.JumpOps != 1 {
		t.Errorf("jump counter %d, want 1 (the call)", m.Perf.JumpOps)
	}
}

func TestDataLoadExecution(t *testing.T) {
	exe := buildExe(t, `
data section read write data
  int32 x = 0x100
data end
code section execute
  main: function public
    int32 r0 = x
    return
  main end
code end
`)
	m := newMachine(t, exe)
	if code := m.Run(); code != IntNone {
		t.Fatalf("interrupt: %s", code)
	}
	if m.ExitStatus != 0x100 {
		t.Errorf("loaded value %#x, want 0x100", m.ExitStatus)
	}
}

// TestNaNPayloadPropagation: sqrt(-1.0) in single precision produces a
// payload NaN encoding the invalid-sqrt code; adding 1.0 propagates it
// unchanged; the store writes the 32-bit NaN; the instruction counter
// reads exactly 3 after the store.
func TestNaNPayloadPropagation(t *testing.T) {
	exe := buildExe(t, `
code section execute
  main: function public
    float32 v2 = sqrt(v1)
    float32 v2 = add(v2, v3)
    store v2, [r1]
    return
  main end
code end
`)
	m := newMachine(t, exe)

	minusOne := math.Float32bits(-1.0)
	one := math.Float32bits(1.0)
	m.SetVector(1, []byte{byte(minusOne), byte(minusOne >> 8), byte(minusOne >> 16), byte(minusOne >> 24)})
	m.SetVector(3, []byte{byte(one), byte(one >> 8), byte(one >> 16), byte(one >> 24)})
	heap, _ := exe.SectionByName("__heap")
	m.SetGP(1, heap.Address)

	for i := 0; i < 3; i++ {
		m.Step()
	}
	if m.Interrupted() != IntNone {
		t.Fatalf("interrupt: %s", m.Interrupted())
	}
	if m.Perf.Instructions != 3 {
		t.Fatalf("instruction counter %d, want exactly 3 after the store", m.Perf.Instructions)
	}

	stored, ok := m.Peek(heap.Address, 4)
	if !ok {
		t.Fatal("stored value unreadable")
	}
	bits := uint32(stored)
	if !isNaN32(bits) {
		t.Fatalf("stored value %#x is not a NaN", bits)
	}
	if bits&0x00400000 == 0 {
		t.Errorf("stored NaN %#x is not quiet", bits)
	}
	if code := NaNPayloadCode32(bits); code != ExcInvalidSqrt {
		t.Errorf("payload code %d, want %d (invalid sqrt)", code, ExcInvalidSqrt)
	}
}

// TestCompressSparse: compress_sparse over 16 int32 elements
// with an alternating mask leaves a 32-byte result holding the even
// source elements.
func TestCompressSparse(t *testing.T) {
	exe := buildExe(t, `
code section execute
  main: function public
    set_len v1, 64
    int32 v2 = compress_sparse(v1, v0)
    return
  main end
code end
`)
	m := newMachine(t, exe)

	src := make([]byte, 64)
	mask := make([]byte, 64)
	for i := 0; i < 16; i++ {
		writeElem(src, i, 4, uint64(i))
		writeElem(mask, i, 4, uint64((i+1)%2)) // elements 0, 2, 4, ... pass
	}
	m.SetVector(1, src)
	m.SetVector(0, mask)

	if code := m.Run(); code != IntNone {
		t.Fatalf("interrupt: %s", code)
	}
	if got := m.VectorLen(2); got != 32 {
		t.Fatalf("result length %d, want 32", got)
	}
	out := m.Vector(2)
	for i := 0; i < 8; i++ {
		if got := readElem(out, i, 4); got != uint64(2*i) {
			t.Errorf("element %d = %d, want %d", i, got, 2*i)
		}
	}
}

func TestMemoryPermissions(t *testing.T) {
	exe := buildExe(t, `
code section execute
  main: function public
    store r2, [r1]
    return
  main end
code end
`)
	m := newMachine(t, exe)
	m.SetGP(1, exe.Header.Entry) // aim the store at the code section
	m.Run()
	if m.Interrupted() != IntAccessWrite {
		t.Errorf("interrupt %s, want write access violation", m.Interrupted())
	}
}

func TestStepLimit(t *testing.T) {
	exe := buildExe(t, `
code section execute
  main: function public
    spin:
    jump spin
  main end
code end
`)
	m := newMachine(t, exe)
	m.StepLimit = 10
	if code := m.Run(); code != IntStepLimit {
		t.Errorf("interrupt %s, want step limit", code)
	}
	if m.Perf.Instructions != 10 {
		t.Errorf("instruction count %d, want 10", m.Perf.Instructions)
	}
}

func TestPermuteBounds(t *testing.T) {
	exe := buildExe(t, `
code section execute
  main: function public
    int32 v2 = permute(v1, v0)
    return
  main end
code end
`)
	m := newMachine(t, exe)
	src := make([]byte, 16)
	idx := make([]byte, 16)
	for i := 0; i < 4; i++ {
		writeElem(src, i, 4, uint64(10+i))
		writeElem(idx, i, 4, uint64(3-i))
	}
	m.SetVector(1, src)
	m.SetVector(0, idx)
	m.Run()
	out := m.Vector(2)
	for i := 0; i < 4; i++ {
		if got := readElem(out, i, 4); got != uint64(13-i) {
			t.Errorf("permuted element %d = %d, want %d", i, got, 13-i)
		}
	}

	// An out-of-range index interrupts with array-bounds.
	m2 := newMachine(t, exe)
	writeElem(idx, 0, 4, 99)
	m2.SetVector(1, src)
	m2.SetVector(0, idx)
	m2.Run()
	if m2.Interrupted() != IntArrayBounds {
		t.Errorf("interrupt %s, want array bounds", m2.Interrupted())
	}
}

func TestPushPop(t *testing.T) {
	exe := buildExe(t, `
code section execute
  main: function public
    r0 = 7
    push r0
    r0 = 0
    pop r0
    return
  main end
code end
`)
	m := newMachine(t, exe)
	if code := m.Run(); code != IntNone {
		t.Fatalf("interrupt: %s", code)
	}
	if m.ExitStatus != 7 {
		t.Errorf("exit status %d, want 7", m.ExitStatus)
	}
}

func TestSyscallWriteAndExit(t *testing.T) {
	exe := buildExe(t, `
code section execute
  main: function public
    r0 = 65
    syscall 17
    r0 = 3
    syscall 1
  main end
code end
`)
	m := newMachine(t, exe)
	if code := m.Run(); code != IntNone {
		t.Fatalf("interrupt: %s", code)
	}
	if string(m.Output) != "A" {
		t.Errorf("output %q, want %q", m.Output, "A")
	}
	if m.ExitStatus != 3 {
		t.Errorf("exit status %d, want 3", m.ExitStatus)
	}
}

// TestMemMapProperty: accesses that do not
// interrupt always lie inside an entry carrying the needed permission.
func TestMemMapProperty(t *testing.T) {
	exe := buildExe(t, `
data section read write data
  int64 cell = 0
data end
code section execute
  main: function public
    return
  main end
code end
`)
	m := newMachine(t, exe)
	cache := -1
	data, _ := exe.SectionByName("data")
	if !m.mmap.Check(data.Address, 8, PermRead|PermWrite, &cache) {
		t.Error("data section should be readable and writable")
	}
	code, _ := exe.SectionByName("code")
	if m.mmap.Check(code.Address, 4, PermWrite, &cache) {
		t.Error("code section must not be writable")
	}
	if !m.mmap.Check(code.Address, 4, PermExec, &cache) {
		t.Error("code section must be executable")
	}
	if m.mmap.Check(0, 4, PermRead, &cache) {
		t.Error("unmapped low memory must not be readable")
	}
}
