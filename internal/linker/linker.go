// Package linker implements the linker core and the relinker:
// section collection, symbol resolution across modules and
// libraries, relocation application, program-header synthesis, and the
// split/rebuild path for relinkable executables.
package linker

import (
	"bytes"
	"fmt"

	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/library"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// Input is one object module handed to the linker, tagged with the
// module name (and owning library, for members pulled from archives)
// that relinkable output records in sh_module/sh_library.
type Input struct {
	Name    string
	Library string
	Mod     *objfile.Module
}

// NamedLibrary pairs a static library with the name it was given on
// the command line.
type NamedLibrary struct {
	Name string
	Lib  *library.Library
}

// Options is the command-line surface the linker core consumes.
type Options struct {
	StackSize   uint64 // call/data stack reservation; default applied by Link
	HeapSize    uint64
	EntrySymbol string // default "main"
	Incomplete  bool   // unresolved symbols warn instead of erroring
	Relinkable  bool   // emit per-module metadata and keep relocations
	Tables      *isa.Table
}

const (
	defaultStackSize = 0x10000
	defaultHeapSize  = 0x10000
	imageBase        = 0x1000
)

// link carries the state of one Link run.
type link struct {
	inputs []Input
	libs   []NamedLibrary
	opts   Options
	bag    *diag.Bag

	out *objfile.Module

	// secMap translates an input section (by input index and section
	// index) to its output section and the offset the input section's
	// bytes landed at within it (nonzero for coalesced communal copies).
	secMap map[[2]int]placedSection

	// symOut translates an input symbol to the output symbol that
	// represents it, established while merging symbol tables.
	symOut map[*objfile.Symbol]*objfile.Symbol

	// exports is the global export list: every defined global or weak
	// symbol, by name.
	exports map[string]exportEntry

	ipBase, datapBase, threadpBase uint64

	eventSec   *objfile.Section
	eventRemap map[[2]int]map[uint64]uint64

	// pendingRelocs are the output relocation records kept in relinkable
	// mode, holding symbol pointers until the final table sort fixes
	// their indices.
	pendingRelocs []pendingOutReloc
}

type pendingOutReloc struct {
	rel objfile.Relocation
	sym *objfile.Symbol
	ref *objfile.Symbol
}

type placedSection struct {
	sec    *objfile.Section
	offset uint64
}

type exportEntry struct {
	sym   *objfile.Symbol
	input int
}

// Link runs the full linking algorithm and returns the linked
// executable module.
func Link(inputs []Input, libs []NamedLibrary, opts Options, bag *diag.Bag) (*objfile.Module, error) {
	if opts.StackSize == 0 {
		opts.StackSize = defaultStackSize
	}
	if opts.HeapSize == 0 {
		opts.HeapSize = defaultHeapSize
	}
	if opts.EntrySymbol == "" {
		opts.EntrySymbol = "main"
	}

	ln := &link{
		inputs:  inputs,
		libs:    libs,
		opts:    opts,
		bag:     bag,
		out:     objfile.NewModule(),
		secMap:  make(map[[2]int]placedSection),
		symOut:  make(map[*objfile.Symbol]*objfile.Symbol),
		exports: make(map[string]exportEntry),
	}

	if err := ln.resolveLibraries(); err != nil {
		return nil, err
	}
	ln.buildExports()
	ln.planDummies()
	st := &collectState{}
	ln.collectSections(st)
	ln.buildEventTable(st)
	ln.assignAddresses(st)
	ln.synthesizeAutoSymbols()
	ln.mergeSymbols()
	ln.applyRelocations()
	ln.checkRegisterUse()
	ln.buildProgramHeaders()
	ln.finishHeader()

	if bag.Count(diag.Error)+bag.Count(diag.Fatal) > 0 {
		return ln.out, fmt.Errorf("link failed with %d errors", bag.Count(diag.Error)+bag.Count(diag.Fatal))
	}
	return ln.out, nil
}

// resolveLibraries runs the library search to a fixpoint:
// for each unsatisfied import, binary-search each library's sorted
// symbol index in command-line order and incorporate the hit as a new
// input; repeat until no new imports appear.
func (ln *link) resolveLibraries() error {
	loaded := make(map[string]bool) // library:member already incorporated
	for {
		missing := ln.unresolvedImports()
		progressed := false
		for _, name := range missing {
			for _, nl := range ln.libs {
				memberIdx, ok := nl.Lib.FindSymbol(name)
				if !ok {
					continue
				}
				member := nl.Lib.Members[memberIdx]
				key := nl.Name + ":" + member.Name
				if loaded[key] {
					break // already pulled in; the import resolves in buildExports
				}
				mod, err := objfile.Read(bytes.NewReader(member.Data))
				if err != nil {
					return fmt.Errorf("linker: library %s member %s: %w", nl.Name, member.Name, err)
				}
				ln.inputs = append(ln.inputs, Input{Name: member.Name, Library: nl.Name, Mod: mod})
				loaded[key] = true
				progressed = true
				break
			}
		}
		if !progressed {
			return nil
		}
	}
}

// unresolvedImports lists every imported name with no current export.
func (ln *link) unresolvedImports() []string {
	defined := make(map[string]bool)
	for _, in := range ln.inputs {
		for _, s := range in.Mod.Symbols.All() {
			if s.Section >= 0 && (s.Binding == objfile.BindGlobal || s.Binding == objfile.BindWeak) {
				defined[s.Name] = true
			}
		}
	}
	var missing []string
	seen := make(map[string]bool)
	for _, in := range ln.inputs {
		for _, s := range in.Mod.Symbols.All() {
			if s.Binding == objfile.BindUnresolved && !defined[s.Name] && !seen[s.Name] {
				missing = append(missing, s.Name)
				seen[s.Name] = true
			}
		}
	}
	return missing
}

// buildExports applies the duplicate-symbol rules:
// duplicate strong symbols error; strong beats weak; first weak wins.
func (ln *link) buildExports() {
	for i, in := range ln.inputs {
		for _, s := range in.Mod.Symbols.All() {
			// Definitions export: any global (section-bound or absolute),
			// and weaks bound to a section. Unresolved and weak imports
			// do not.
			if s.Binding != objfile.BindGlobal && !(s.Binding == objfile.BindWeak && s.Section >= 0) {
				continue
			}
			prev, dup := ln.exports[s.Name]
			if !dup {
				ln.exports[s.Name] = exportEntry{s, i}
				continue
			}
			switch {
			case prev.sym.Binding == objfile.BindGlobal && s.Binding == objfile.BindGlobal:
				ln.bag.Add(diag.Error, in.Name, "duplicate symbol %q (also defined in %s)",
					s.Name, ln.inputs[prev.input].Name)
			case prev.sym.Binding == objfile.BindWeak && s.Binding == objfile.BindGlobal:
				ln.exports[s.Name] = exportEntry{s, i}
			}
			// weak after strong, or weak after weak: keep the previous.
		}
	}
}

// findExport resolves a name against the global export list.
func (ln *link) findExport(name string) (exportEntry, bool) {
	e, ok := ln.exports[name]
	return e, ok
}

// checkRegisterUse compares declared against actual masks: when an importing
// module declared an expected register-use mask for a function and the
// defining module's actual mask disagrees, warn.
func (ln *link) checkRegisterUse() {
	for _, in := range ln.inputs {
		for _, s := range in.Mod.Symbols.All() {
			if s.Binding != objfile.BindUnresolved || s.Flags&objfile.SymRegUseDeclared == 0 {
				continue
			}
			def, ok := ln.findExport(s.Name)
			if !ok {
				continue
			}
			if def.sym.RegUse1 != s.RegUse1 || def.sym.RegUse2 != s.RegUse2 {
				ln.bag.Add(diag.Warning, in.Name,
					"register use of %q (%08x:%08x) does not match declaration (%08x:%08x)",
					s.Name, def.sym.RegUse1, def.sym.RegUse2, s.RegUse1, s.RegUse2)
			}
		}
	}
}
