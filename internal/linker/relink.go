package linker

import (
	"fmt"

	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// RelinkCommands is the user's edit list for a relink run: module names
// to drop, replacement modules (matched to the executable's modules by
// name), and brand-new modules to add.
type RelinkCommands struct {
	Remove  []string
	Replace []Input
	Add     []Input
}

// Relink splits a relinkable executable back
// into its constituent modules, apply the user's remove/replace/add
// commands, and run the linker over the result.
func Relink(exe *objfile.Module, cmds RelinkCommands, libs []NamedLibrary, opts Options, bag *diag.Bag) (*objfile.Module, error) {
	if exe.Header.Flags&objfile.FlagRelinkable == 0 {
		bag.Add(diag.Error, "", "input executable is not relinkable")
		return nil, fmt.Errorf("linker: input executable is not relinkable")
	}
	opts.Relinkable = true

	// Group sections by (library, module) origin, in first-occurrence
	// order; non-relinkable sections collect into the synthetic frozen
	// module (module index 0).
	type groupKey struct{ lib, mod string }
	var order []groupKey
	groups := make(map[groupKey][]int)
	var frozen []int
	for i, sec := range exe.Sections {
		if sec.Flags&objfile.SecAutogen != 0 {
			continue
		}
		if sec.Flags&objfile.SecRelinkable == 0 {
			frozen = append(frozen, i)
			continue
		}
		k := groupKey{sec.Library, sec.Module}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	removed := make(map[string]bool)
	for _, n := range cmds.Remove {
		removed[n] = true
	}
	replacements := make(map[string]Input)
	for _, r := range cmds.Replace {
		replacements[r.Name] = r
	}
	known := make(map[string]bool)
	for _, k := range order {
		known[k.mod] = true
	}
	for n := range removed {
		if !known[n] {
			bag.Add(diag.Error, "", "module %q to remove not found in executable", n)
		}
	}
	for n := range replacements {
		if !known[n] {
			bag.Add(diag.Error, "", "module %q to replace not found in executable", n)
		}
	}
	if bag.HasErrors() {
		return nil, fmt.Errorf("linker: relink command list does not match executable")
	}

	var inputs []Input
	if len(frozen) > 0 {
		inputs = append(inputs, Input{Name: "", Mod: extractModule(exe, frozen, true)})
	}
	for _, k := range order {
		idxs := groups[k]
		switch {
		case removed[k.mod]:
			tagSections(exe, idxs, objfile.RelinkRemoved)
		case replacements[k.mod].Mod != nil:
			tagSections(exe, idxs, objfile.RelinkReplaced)
			in := replacements[k.mod]
			in.Library = k.lib
			inputs = append(inputs, in)
		default:
			tagSections(exe, idxs, objfile.RelinkPreserved)
			inputs = append(inputs, Input{Name: k.mod, Library: k.lib, Mod: extractModule(exe, idxs, false)})
		}
	}
	inputs = append(inputs, cmds.Add...)

	return Link(inputs, libs, opts, bag)
}

func tagSections(exe *objfile.Module, idxs []int, tag objfile.RelinkTag) {
	for _, i := range idxs {
		exe.Sections[i].Relink = tag
	}
}

// extractModule rebuilds a fresh in-memory object module from a subset
// of an executable's sections. Symbols referenced
// across module boundaries become imports in the new module, preserved
// by name, never by index. Frozen extraction keeps section addresses
// (the linker replaces them at their original locations) and drops the
// already-resolved relocations.
func extractModule(exe *objfile.Module, secIdxs []int, isFrozen bool) *objfile.Module {
	m := objfile.NewModule()
	secRemap := make(map[int]int, len(secIdxs))
	for _, si := range secIdxs {
		src := exe.Sections[si]
		cp := &objfile.Section{
			Name:      src.Name,
			Type:      src.Type,
			Flags:     src.Flags,
			Address:   src.Address,
			Data:      append([]byte(nil), src.Data...),
			AlignLog2: src.AlignLog2,
			RegUse1:   src.RegUse1,
			RegUse2:   src.RegUse2,
		}
		if isFrozen {
			cp.Flags |= objfile.SecFixedAddress
		}
		secRemap[si] = m.AddSection(cp)
	}

	exeSyms := exe.Symbols.All()
	owned := make(map[*objfile.Symbol]bool)
	for _, s := range exeSyms {
		if s.Section < 0 {
			continue
		}
		newIdx, ok := secRemap[int(s.Section)]
		if !ok {
			continue
		}
		m.AddSymbol(cloneSymbol(s, int32(newIdx), s.Value))
		owned[s] = true
	}

	if isFrozen {
		return m
	}

	// Imports for cross-module references found in this module's
	// relocations, then the relocations themselves with section and
	// symbol indices remapped into the new module.
	ensureImport := func(s *objfile.Symbol) {
		if _, exists := m.Symbols.Find(s.Name); exists {
			return
		}
		m.AddSymbol(&objfile.Symbol{
			Name: s.Name, Section: -1, Binding: objfile.BindUnresolved,
			Type: s.Type, Flags: s.Flags,
			RegUse1: s.RegUse1, RegUse2: s.RegUse2,
		})
	}
	type pending struct {
		rel     objfile.Relocation
		symName string
		refName string
	}
	var relocs []pending
	for _, r := range exe.Relocs {
		newSec, ok := secRemap[int(r.Section)]
		if !ok || int(r.Symbol) >= len(exeSyms) {
			continue
		}
		// Cross-module targets become imports by name; that includes the
		// auto base symbols, which the next link re-synthesizes with
		// fresh values.
		target := exeSyms[r.Symbol]
		if !owned[target] {
			ensureImport(target)
		}
		p := pending{rel: *r, symName: target.Name}
		p.rel.Section = int32(newSec)
		if r.RefSymbol >= 0 && int(r.RefSymbol) < len(exeSyms) {
			ref := exeSyms[r.RefSymbol]
			if !owned[ref] {
				ensureImport(ref)
			}
			p.refName = ref.Name
		}
		relocs = append(relocs, p)
	}

	index := func(name string) int {
		for i, s := range m.Symbols.All() {
			if s.Name == name {
				return i
			}
		}
		return -1
	}
	for _, p := range relocs {
		idx := index(p.symName)
		if idx < 0 {
			continue
		}
		rel := p.rel
		rel.Symbol = uint32(idx)
		rel.RefSymbol = -1
		if p.refName != "" {
			rel.RefSymbol = int32(index(p.refName))
		}
		m.Relocs = append(m.Relocs, &rel)
	}
	return m
}
