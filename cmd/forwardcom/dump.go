package main

import (
	"fmt"
	"io"

	"github.com/xyproto/forwardcom/internal/objfile"
)

// dumpModule prints a human-readable view of a module's header and
// tables, the -dump verb's whole job.
func dumpModule(w io.Writer, m *objfile.Module) {
	h := m.Header
	fmt.Fprintf(w, "header: entry=%#x ip_base=%#x datap_base=%#x threadp_base=%#x flags=%#x\n",
		h.Entry, h.IPBase, h.DataPBase, h.ThreadPBase, h.Flags)

	fmt.Fprintf(w, "sections (%d):\n", len(m.Sections))
	for i, s := range m.Sections {
		fmt.Fprintf(w, "  [%2d] %-16s addr=%#-10x size=%-6d align=%-4d flags=%#x module=%q library=%q relink=%d\n",
			i, s.Name, s.Address, len(s.Data), s.Align(), s.Flags, s.Module, s.Library, s.Relink)
	}

	fmt.Fprintf(w, "program headers (%d):\n", len(m.ProgramHeaders))
	for i, ph := range m.ProgramHeaders {
		fmt.Fprintf(w, "  [%2d] addr=%#-10x filesz=%-6d memsz=%-6d flags=%#x\n",
			i, ph.Address, ph.FileSize, ph.MemSize, ph.BaseFlags)
	}

	syms := m.Symbols.All()
	fmt.Fprintf(w, "symbols (%d):\n", len(syms))
	for i, s := range syms {
		fmt.Fprintf(w, "  [%3d] %-24s sec=%-3d value=%#-10x size=%-5d bind=%d type=%d flags=%#x\n",
			i, s.Name, s.Section, s.Value, s.Size, s.Binding, s.Type, s.Flags)
	}

	fmt.Fprintf(w, "relocations (%d):\n", len(m.Relocs))
	for i, r := range m.Relocs {
		fmt.Fprintf(w, "  [%3d] sec=%d off=%#-8x sym=%d ref=%d addend=%d kind=%d size=%d scale=%d\n",
			i, r.Section, r.Offset, r.Symbol, r.RefSymbol, r.Addend, r.Kind, r.Size, r.ScaleLog2)
	}
}
