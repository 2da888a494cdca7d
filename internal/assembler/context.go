// Package assembler implements the five-pass assembler pipeline
// and the Code Fitter.
package assembler

import (
	"github.com/xyproto/forwardcom/internal/diag"
	"github.com/xyproto/forwardcom/internal/expr"
	"github.com/xyproto/forwardcom/internal/isa"
	"github.com/xyproto/forwardcom/internal/objfile"
)

// Context bundles the per-run state every pass needs: the symbol table
// being built, meta-variables, the instruction/format tables, and the
// diagnostic bag. One Context is created per assembler invocation so
// tests can run fully isolated assemblies.
type Context struct {
	Tables *isa.Table
	Diags  *diag.Bag

	Mod  *objfile.Module
	meta map[string]expr.Value

	// CurSection tracks the section currently open during pass 2, for
	// symbol definition and data address assignment.
	CurSection *objfile.Section
	CurAddr    uint64 // next free offset within CurSection, for data

	ErrorLimit int
}

func NewContext(tables *isa.Table) *Context {
	return &Context{
		Tables: tables,
		Diags:  diag.NewBag(50),
		Mod:    objfile.NewModule(),
		meta:   make(map[string]expr.Value),
	}
}

func (c *Context) LookupMeta(name string) (expr.Value, bool) {
	v, ok := c.meta[name]
	return v, ok
}

func (c *Context) SetMeta(name string, v expr.Value) { c.meta[name] = v }

// LookupSymbol implements expr.Resolver. It reports the symbol's value
// if defined; if the symbol exists as an unresolved import, ok is false
// but everSeen is true, so the caller tags the expression Unresolved
// rather than reporting "unknown identifier" outright.
func (c *Context) LookupSymbol(name string) (value int64, ok bool, everSeen bool) {
	sym, found := c.Mod.Symbols.Find(name)
	if !found {
		return 0, false, false
	}
	if sym.Binding == objfile.BindUnresolved {
		return 0, false, true
	}
	return int64(sym.Value), true, true
}

func (c *Context) Errorf(where string, format string, args ...any) bool {
	return c.Diags.Add(diag.Error, where, format, args...)
}

func (c *Context) Warnf(where string, format string, args ...any) bool {
	return c.Diags.Add(diag.Warning, where, format, args...)
}
