package objfile

import "sort"

// SymbolTable keeps symbols sorted by name for O(log N) lookup, so any
// code that holds a symbol index across a mutation of the symbol list
// is incorrect. Callers
// must go through Find (by name) or FindByOffset (by stable name-pool
// offset) rather than caching a slice index.
type SymbolTable struct {
	syms   []*Symbol
	sorted bool
}

func (t *SymbolTable) Add(s *Symbol) {
	t.syms = append(t.syms, s)
	t.sorted = false
}

// Sort re-establishes the name-sorted invariant. Called after any Add,
// before any Find.
func (t *SymbolTable) Sort() {
	sort.Slice(t.syms, func(i, j int) bool { return t.syms[i].Name < t.syms[j].Name })
	t.sorted = true
}

// Find performs the binary search the invariant promises. It sorts
// lazily if a mutation happened since the last sort.
func (t *SymbolTable) Find(name string) (*Symbol, bool) {
	if !t.sorted {
		t.Sort()
	}
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Name >= name })
	if i < len(t.syms) && t.syms[i].Name == name {
		return t.syms[i], true
	}
	return nil, false
}

// FindByOffset re-looks-up a symbol given a stable name-pool offset
// rather than a cached index, per the invariant's prescribed fix:
// "store the name-buffer offset and re-lookup".
func (t *SymbolTable) FindByOffset(pool *StringPool, offset uint32) (*Symbol, bool) {
	return t.Find(pool.At(offset))
}

func (t *SymbolTable) All() []*Symbol {
	if !t.sorted {
		t.Sort()
	}
	return t.syms
}

func (t *SymbolTable) Len() int { return len(t.syms) }
