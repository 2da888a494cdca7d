package objfile

// FileFlags are the e_flags bits.
type FileFlags uint32

const (
	FlagRelocate   FileFlags = 1 << iota // executable needs load-time fixups
	FlagRelinkable                       // executable carries per-module metadata
)

// FileHeader is the file header, extended beyond a
// plain ELF header with the three base-pointer values and entry point.
type FileHeader struct {
	IPBase     uint64
	DataPBase  uint64
	ThreadPBase uint64
	Entry      uint64
	Flags      FileFlags
}

// ProgramHeader describes one contiguous range of sections sharing
// identical permissions and base-pointer choice.
type ProgramHeader struct {
	BaseFlags SecFlags // the permission + base-pointer bits shared by the range
	Address   uint64
	FileSize  uint64
	MemSize   uint64 // >= FileSize when the range ends in nobits sections
}

// Module is the complete in-memory Object Model for one file: an object
// module, a static library member, or a linked executable.
type Module struct {
	Header   FileHeader
	Sections []*Section
	Symbols  SymbolTable
	Relocs   []*Relocation
	Strings  *StringPool // primary: symbol/section names
	AuxNames *StringPool // secondary: sh_module / sh_library strings

	ProgramHeaders []ProgramHeader
}

func NewModule() *Module {
	return &Module{
		Strings:  NewStringPool(),
		AuxNames: NewStringPool(),
	}
}

// SectionByName finds a section by its cached Name field (sections are
// few enough per module that a linear scan is appropriate, unlike the
// symbol table).
func (m *Module) SectionByName(name string) (*Section, int) {
	for i, s := range m.Sections {
		if s.Name == name {
			return s, i
		}
	}
	return nil, -1
}

// AddSection appends a section, interning its name into the string pool
// and its sh_module/sh_library names into the secondary pool.
func (m *Module) AddSection(s *Section) int {
	s.NameOffset = m.Strings.Intern(s.Name)
	s.ModuleOffset = m.AuxNames.Intern(s.Module)
	s.LibraryOffset = m.AuxNames.Intern(s.Library)
	m.Sections = append(m.Sections, s)
	return len(m.Sections) - 1
}

// AddSymbol appends a symbol, interning its name, and marks the symbol
// table unsorted (per the sorted-symbol-table invariant).
func (m *Module) AddSymbol(s *Symbol) {
	s.NameOffset = m.Strings.Intern(s.Name)
	m.Symbols.Add(s)
}
