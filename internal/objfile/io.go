package objfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic identifies a ForwardCom object/executable file. Write order:
// sections in section-header order, relocations after their target
// sections exist, string tables last.
var magic = [4]byte{'F', 'W', 'C', '1'}

// headerSize is the fixed file-header size: the 44-byte ForwardCom
// header (magic, version, base pointers, entry, flags) plus four
// trailing table-count words (sections/symbols/relocs/program headers)
// and two string-pool-size words this implementation's on-disk layout
// needs in place of the separate section/string-table offset fields a
// byte-exact ELF header would carry.
const headerSize = 68

// Write serializes m in the on-disk layout: file header, section header
// table, section data blobs, program header table, symbol table,
// relocation table, then the two string pools.
func (m *Module) Write(w io.Writer) error {
	var buf bytes.Buffer

	if err := m.writeHeader(&buf); err != nil {
		return err
	}
	if err := m.writeSectionHeaders(&buf); err != nil {
		return err
	}
	for _, s := range m.Sections {
		if s.Type != SecNoBits {
			buf.Write(s.Data)
		}
	}
	for _, ph := range m.ProgramHeaders {
		binary.Write(&buf, binary.LittleEndian, uint32(ph.BaseFlags))
		binary.Write(&buf, binary.LittleEndian, ph.Address)
		binary.Write(&buf, binary.LittleEndian, ph.FileSize)
		binary.Write(&buf, binary.LittleEndian, ph.MemSize)
	}
	syms := m.Symbols.All()
	for _, s := range syms {
		writeSymbol(&buf, s)
	}
	for _, r := range m.Relocs {
		writeReloc(&buf, r)
	}
	buf.Write(m.Strings.Bytes())
	buf.Write(m.AuxNames.Bytes())

	_, err := w.Write(buf.Bytes())
	return err
}

func (m *Module) writeHeader(buf *bytes.Buffer) error {
	buf.Write(magic[:])
	binary.Write(buf, binary.LittleEndian, uint32(1)) // version, reserved bits
	binary.Write(buf, binary.LittleEndian, m.Header.IPBase)
	binary.Write(buf, binary.LittleEndian, m.Header.DataPBase)
	binary.Write(buf, binary.LittleEndian, m.Header.ThreadPBase)
	binary.Write(buf, binary.LittleEndian, m.Header.Entry)
	binary.Write(buf, binary.LittleEndian, uint32(m.Header.Flags))
	binary.Write(buf, binary.LittleEndian, uint32(len(m.Sections)))
	binary.Write(buf, binary.LittleEndian, uint32(m.Symbols.Len()))
	binary.Write(buf, binary.LittleEndian, uint32(len(m.Relocs)))
	binary.Write(buf, binary.LittleEndian, uint32(len(m.ProgramHeaders)))
	binary.Write(buf, binary.LittleEndian, uint32(len(m.Strings.Bytes())))
	binary.Write(buf, binary.LittleEndian, uint32(len(m.AuxNames.Bytes())))
	if buf.Len() != headerSize {
		return fmt.Errorf("objfile: internal error: header is %d bytes, want %d", buf.Len(), headerSize)
	}
	return nil
}

// Every section record is fixed-width regardless of Type: FileSize is
// the on-disk blob length (0 for SecNoBits), LogicalSize is the address
// range the section occupies (equal to FileSize except for SecNoBits,
// where it is the uninitialized span and no blob is written).
func (m *Module) writeSectionHeaders(buf *bytes.Buffer) error {
	dataOff := uint32(0)
	for _, s := range m.Sections {
		binary.Write(buf, binary.LittleEndian, s.NameOffset)
		binary.Write(buf, binary.LittleEndian, uint8(s.Type))
		binary.Write(buf, binary.LittleEndian, s.AlignLog2)
		binary.Write(buf, binary.LittleEndian, uint8(s.Relink))
		binary.Write(buf, binary.LittleEndian, uint8(0)) // pad
		binary.Write(buf, binary.LittleEndian, uint32(s.Flags))
		binary.Write(buf, binary.LittleEndian, s.Address)

		fileSize := uint32(0)
		if s.Type != SecNoBits {
			fileSize = uint32(len(s.Data))
		}
		binary.Write(buf, binary.LittleEndian, fileSize)
		binary.Write(buf, binary.LittleEndian, uint32(len(s.Data))) // logical size
		binary.Write(buf, binary.LittleEndian, dataOff)
		dataOff += fileSize

		binary.Write(buf, binary.LittleEndian, s.ModuleOffset)
		binary.Write(buf, binary.LittleEndian, s.LibraryOffset)
		binary.Write(buf, binary.LittleEndian, s.RegUse1)
		binary.Write(buf, binary.LittleEndian, s.RegUse2)
	}
	return nil
}

func writeSymbol(buf *bytes.Buffer, s *Symbol) {
	binary.Write(buf, binary.LittleEndian, s.NameOffset)
	binary.Write(buf, binary.LittleEndian, s.Section)
	binary.Write(buf, binary.LittleEndian, s.Value)
	binary.Write(buf, binary.LittleEndian, s.Size)
	binary.Write(buf, binary.LittleEndian, uint8(s.Binding))
	binary.Write(buf, binary.LittleEndian, uint8(s.Type))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // pad
	binary.Write(buf, binary.LittleEndian, uint32(s.Flags))
	binary.Write(buf, binary.LittleEndian, s.RegUse1)
	binary.Write(buf, binary.LittleEndian, s.RegUse2)
}

func writeReloc(buf *bytes.Buffer, r *Relocation) {
	binary.Write(buf, binary.LittleEndian, r.Section)
	binary.Write(buf, binary.LittleEndian, r.Offset)
	binary.Write(buf, binary.LittleEndian, r.Symbol)
	binary.Write(buf, binary.LittleEndian, r.RefSymbol)
	binary.Write(buf, binary.LittleEndian, r.Addend)
	binary.Write(buf, binary.LittleEndian, r.TypeField())
}

// symbolRecord/relocRecord/progHeader byte sizes, kept in sync with the
// writers above; Read consumes the same fields field by field.
const (
	symbolRecordSize = 4 + 4 + 8 + 8 + 1 + 1 + 2 + 4 + 4 + 4
	relocRecordSize  = 4 + 8 + 4 + 4 + 8 + 4
	progHeaderSize   = 4 + 8 + 8 + 8
)

// Read parses a Module from r, the inverse of Write.
func Read(r io.Reader) (*Module, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("objfile: file too short for header (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("objfile: bad magic %q", data[:4])
	}
	br := bytes.NewReader(data)
	br.Seek(4, io.SeekStart)

	var version uint32
	binary.Read(br, binary.LittleEndian, &version)

	m := NewModule()
	binary.Read(br, binary.LittleEndian, &m.Header.IPBase)
	binary.Read(br, binary.LittleEndian, &m.Header.DataPBase)
	binary.Read(br, binary.LittleEndian, &m.Header.ThreadPBase)
	binary.Read(br, binary.LittleEndian, &m.Header.Entry)
	var flags, numSections, numSymbols, numRelocs, numProgHeaders, stringsSize, auxSize uint32
	binary.Read(br, binary.LittleEndian, &flags)
	binary.Read(br, binary.LittleEndian, &numSections)
	binary.Read(br, binary.LittleEndian, &numSymbols)
	binary.Read(br, binary.LittleEndian, &numRelocs)
	binary.Read(br, binary.LittleEndian, &numProgHeaders)
	binary.Read(br, binary.LittleEndian, &stringsSize)
	binary.Read(br, binary.LittleEndian, &auxSize)
	m.Header.Flags = FileFlags(flags)

	type secHdr struct {
		sec      *Section
		dataOff  uint32
		dataSize uint32
	}
	secHdrs := make([]secHdr, 0, numSections)

	for i := uint32(0); i < numSections; i++ {
		s := &Section{}
		binary.Read(br, binary.LittleEndian, &s.NameOffset)
		var typ, align, relink, pad uint8
		binary.Read(br, binary.LittleEndian, &typ)
		binary.Read(br, binary.LittleEndian, &align)
		binary.Read(br, binary.LittleEndian, &relink)
		binary.Read(br, binary.LittleEndian, &pad)
		var fl uint32
		binary.Read(br, binary.LittleEndian, &fl)
		binary.Read(br, binary.LittleEndian, &s.Address)
		s.Type = SecType(typ)
		s.AlignLog2 = align
		s.Relink = RelinkTag(relink)
		s.Flags = SecFlags(fl)

		var fileSize, logicalSize, dataOff uint32
		binary.Read(br, binary.LittleEndian, &fileSize)
		binary.Read(br, binary.LittleEndian, &logicalSize)
		binary.Read(br, binary.LittleEndian, &dataOff)
		binary.Read(br, binary.LittleEndian, &s.ModuleOffset)
		binary.Read(br, binary.LittleEndian, &s.LibraryOffset)
		binary.Read(br, binary.LittleEndian, &s.RegUse1)
		binary.Read(br, binary.LittleEndian, &s.RegUse2)

		if s.Type == SecNoBits {
			s.Data = make([]byte, logicalSize)
			secHdrs = append(secHdrs, secHdr{s, 0, 0})
		} else {
			secHdrs = append(secHdrs, secHdr{s, dataOff, fileSize})
		}
		m.Sections = append(m.Sections, s)
	}

	dataBlobStart, _ := br.Seek(0, io.SeekCurrent)
	maxDataEnd := int64(0)
	for _, sh := range secHdrs {
		if sh.sec.Type == SecNoBits {
			continue
		}
		end := dataBlobStart + int64(sh.dataOff) + int64(sh.dataSize)
		if end > maxDataEnd {
			maxDataEnd = end
		}
		sh.sec.Data = data[dataBlobStart+int64(sh.dataOff) : dataBlobStart+int64(sh.dataOff)+int64(sh.dataSize)]
	}
	br.Seek(maxDataEnd, io.SeekStart)

	for i := uint32(0); i < numProgHeaders; i++ {
		var ph ProgramHeader
		var baseFlags uint32
		binary.Read(br, binary.LittleEndian, &baseFlags)
		binary.Read(br, binary.LittleEndian, &ph.Address)
		binary.Read(br, binary.LittleEndian, &ph.FileSize)
		binary.Read(br, binary.LittleEndian, &ph.MemSize)
		ph.BaseFlags = SecFlags(baseFlags)
		m.ProgramHeaders = append(m.ProgramHeaders, ph)
	}

	for i := uint32(0); i < numSymbols; i++ {
		s := &Symbol{}
		binary.Read(br, binary.LittleEndian, &s.NameOffset)
		binary.Read(br, binary.LittleEndian, &s.Section)
		binary.Read(br, binary.LittleEndian, &s.Value)
		binary.Read(br, binary.LittleEndian, &s.Size)
		var binding, typ uint8
		var pad uint16
		binary.Read(br, binary.LittleEndian, &binding)
		binary.Read(br, binary.LittleEndian, &typ)
		binary.Read(br, binary.LittleEndian, &pad)
		var fl uint32
		binary.Read(br, binary.LittleEndian, &fl)
		binary.Read(br, binary.LittleEndian, &s.RegUse1)
		binary.Read(br, binary.LittleEndian, &s.RegUse2)
		s.Binding = SymBinding(binding)
		s.Type = SymType(typ)
		s.Flags = SymFlags(fl)
		m.Symbols.Add(s)
	}

	for i := uint32(0); i < numRelocs; i++ {
		r := &Relocation{}
		binary.Read(br, binary.LittleEndian, &r.Section)
		binary.Read(br, binary.LittleEndian, &r.Offset)
		binary.Read(br, binary.LittleEndian, &r.Symbol)
		binary.Read(br, binary.LittleEndian, &r.RefSymbol)
		binary.Read(br, binary.LittleEndian, &r.Addend)
		var tf uint32
		binary.Read(br, binary.LittleEndian, &tf)
		r.Kind, r.Size, r.ScaleLog2, r.LoadTime = DecodeTypeField(tf)
		m.Relocs = append(m.Relocs, r)
	}

	pos, _ := br.Seek(0, io.SeekCurrent)
	if pos+int64(stringsSize)+int64(auxSize) > int64(len(data)) {
		return nil, fmt.Errorf("objfile: string tables overrun file bounds")
	}
	m.Strings = LoadStringPool(append([]byte(nil), data[pos:pos+int64(stringsSize)]...))
	pos += int64(stringsSize)
	m.AuxNames = LoadStringPool(append([]byte(nil), data[pos:pos+int64(auxSize)]...))

	for _, s := range m.Sections {
		s.Name = m.Strings.At(s.NameOffset)
		s.Module = m.AuxNames.At(s.ModuleOffset)
		s.Library = m.AuxNames.At(s.LibraryOffset)
	}
	for _, s := range m.Symbols.All() {
		s.Name = m.Strings.At(s.NameOffset)
	}
	m.Symbols.Sort()

	return m, nil
}
