package elf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Resources:
// https://refspecs.linuxfoundation.org/

const (
	SymbolTableName        = ".symtab"
	DynamicSymbolTableName = ".dynsym"
)

type machineSpec struct {
	MachineArchitecture
	DataEncoding
	OperatingSystemABI
}

var (
	// NOTE: For now, only supports linux system v abi
	supportedArchitecture = map[MachineArchitecture]machineSpec{
		MachineArchitectureX86_64: machineSpec{
			MachineArchitecture: MachineArchitectureX86_64,
			DataEncoding:        DataEncodingTwosComplementLittleEndian,
			OperatingSystemABI:  OperatingSystemABIUnixSystemV,
		},
	}
)

type File struct {
	ElfHeader
	binary.ByteOrder

	Sections []*Section

	// .symtab followed by .dynsym, when present.
	SymbolTables []*SymbolTable
}

func (file *File) Section(name string) (*Section, bool) {
	for _, section := range file.Sections {
		if section.Name == name {
			return section, true
		}
	}

	return nil, false
}

// SectionContent returns the named section's bytes.  Sections without file
// content (and missing sections) are reported as not found.
func (file *File) SectionContent(name string) ([]byte, bool, error) {
	section, ok := file.Section(name)
	if !ok || section.SectionType == SectionTypeNoSpace {
		return nil, false, nil
	}

	if section.SectionFlags&SectionIsCompressed != 0 {
		return nil, false, fmt.Errorf("compressed section (%s) not supported", name)
	}

	return section.Content, true, nil
}

// IsPositionIndependent is true for files whose runtime addresses differ
// from their link time addresses by a load bias.
func (file *File) IsPositionIndependent() bool {
	return file.FileType == FileTypeSharedObject
}

func (file *File) SymbolsByName(name string) []*Symbol {
	result := []*Symbol{}
	for _, table := range file.SymbolTables {
		result = append(result, table.SymbolsByName(name)...)
	}
	return result
}

func (file *File) SymbolSpans(address FileAddress) *Symbol {
	for _, table := range file.SymbolTables {
		symbol := table.SymbolSpans(address)
		if symbol != nil {
			return symbol
		}
	}
	return nil
}

type parser struct {
	content []byte

	File
}

func Parse(reader io.Reader) (*File, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read elf file: %w", err)
	}

	return ParseBytes(content)
}

func ParseBytes(content []byte) (*File, error) {
	p := parser{
		content: content,
	}

	err := p.parse()
	if err != nil {
		return nil, err
	}

	return &p.File, nil
}

func (p *parser) parse() error {
	// NOTE: identifier (e_ident) has no endian-ness.  We must parse identifier
	// to determine the elf file's endian-ness (including the elf header).
	err := p.parseIdentifier()
	if err != nil {
		return err
	}

	err = p.parseHeader()
	if err != nil {
		return err
	}

	return p.parseSectionHeaders()
}

func (p *parser) parseIdentifier() error {
	id := &Identifier{}

	n, err := binary.Decode(p.content, binary.NativeEndian, id)
	if err != nil {
		return fmt.Errorf("failed to parse identifier: %w", err)
	}

	if n != ElfIdentifierSize {
		panic("should never happen")
	}

	if !bytes.Equal(id.Magic[:], IdentifierMagic) {
		return fmt.Errorf("invalid elf magic number")
	}

	if id.Class != Class64 {
		return fmt.Errorf("unsupported elf class: %s", id.Class)
	}

	switch id.DataEncoding {
	case DataEncodingTwosComplementLittleEndian:
		p.ByteOrder = binary.LittleEndian
	case DataEncodingTwosComplementBigEndian:
		p.ByteOrder = binary.BigEndian
	default:
		return fmt.Errorf("unsupported data encoding: %s", id.DataEncoding)
	}

	if id.IdentifierVersion != IdentifierVersion {
		return fmt.Errorf(
			"unsupported identifier version: %d",
			id.IdentifierVersion)
	}

	if id.OperatingSystemABI != OperatingSystemABIUnixSystemV &&
		id.OperatingSystemABI != OperatingSystemABILinux {

		return fmt.Errorf("unsupported os/abi: %s", id.OperatingSystemABI)
	}

	if id.ABIVersion != ABIVersion {
		return fmt.Errorf("unsupported abi verison: %d", id.ABIVersion)
	}

	return nil
}

func (p *parser) parseHeader() error {
	n, err := binary.Decode(p.content, p.ByteOrder, &p.ElfHeader)
	if err != nil {
		return fmt.Errorf("failed to parse header: %w", err)
	}

	if n != Elf64HeaderSize {
		panic("should never happen")
	}

	spec, ok := supportedArchitecture[p.MachineArchitecture]
	if !ok {
		return fmt.Errorf(
			"unsupported machine architecture: %s",
			p.MachineArchitecture)
	}

	if spec.DataEncoding != p.DataEncoding {
		return fmt.Errorf(
			"invalid data encoding (%s) for machine architecture (%s)",
			p.DataEncoding,
			p.MachineArchitecture)
	}

	if p.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported format version: %d", p.FormatVersion)
	}

	if p.ElfHeaderSize != Elf64HeaderSize {
		return fmt.Errorf("unexpected elf64 header size: %d", p.ElfHeaderSize)
	}

	if p.NumSectionHeaderEntries > 0 &&
		p.SectionHeaderEntrySize != Elf64SectionHeaderEntrySize {

		return fmt.Errorf(
			"unexpected elf64 section header entry size: %d",
			p.SectionHeaderEntrySize)
	}

	// For simplicity, we'll disallow extended section header.  Most elf structs
	// (e.g., Elf64_Sym.st_shndx) don't support extended section indexing.
	if p.SectionHeaderOffset > 0 && p.NumSectionHeaderEntries == 0 {
		return fmt.Errorf("extended section header not supported")
	}

	return nil
}

func (p *parser) parseSectionHeaders() error {
	if p.NumSectionHeaderEntries == 0 {
		return nil
	}

	if p.SectionHeaderOffset >= uint64(len(p.content)) {
		return fmt.Errorf(
			"out of bound section header offset (%d)",
			p.SectionHeaderOffset)
	}

	headers := make([]SectionHeaderEntry, p.NumSectionHeaderEntries)
	n, err := binary.Decode(
		p.content[p.SectionHeaderOffset:],
		p.ByteOrder,
		headers)
	if err != nil {
		return fmt.Errorf("failed to read section header entries: %w", err)
	}
	if n != int(p.NumSectionHeaderEntries)*Elf64SectionHeaderEntrySize {
		panic("should never happen")
	}

	for _, header := range headers {
		section := &Section{
			SectionHeaderEntry: header,
		}

		if header.SectionType != SectionTypeNoSpace &&
			header.SectionType != SectionTypeNull {

			start := header.Offset
			end := start + header.Size
			if end < start || end > uint64(len(p.content)) {
				return fmt.Errorf(
					"out of bound section (%d > %d)",
					end,
					len(p.content))
			}

			section.Content = p.content[start:end]
		}

		p.Sections = append(p.Sections, section)
	}

	// Bind section names
	if p.SectionStringTableIndex != SectionIndexUndefined {
		names, err := p.stringTable(uint32(p.SectionStringTableIndex))
		if err != nil {
			return fmt.Errorf("invalid section name table: %w", err)
		}

		for _, section := range p.Sections {
			section.Name = names.get(section.NameIndex)
		}
	}

	for _, name := range []string{SymbolTableName, DynamicSymbolTableName} {
		section, ok := p.Section(name)
		if !ok {
			continue
		}

		table, err := p.parseSymbolTable(section)
		if err != nil {
			return err
		}

		p.SymbolTables = append(p.SymbolTables, table)
	}

	return nil
}

func (p *parser) stringTable(index uint32) (stringTable, error) {
	if index >= uint32(len(p.Sections)) {
		return nil, fmt.Errorf(
			"string table index out of bound (%d >= %d)",
			index,
			len(p.Sections))
	}

	section := p.Sections[index]
	if section.SectionType != SectionTypeStringTable {
		return nil, fmt.Errorf(
			"section %d (%s) is not a string table",
			index,
			section.Name)
	}

	return stringTable(section.Content), nil
}

func (p *parser) parseSymbolTable(section *Section) (*SymbolTable, error) {
	if section.SectionType != SectionTypeSymbolTable &&
		section.SectionType != SectionTypeDynamicSymbolTable {

		return nil, fmt.Errorf("%s is not a symbol table", section.Name)
	}

	if len(section.Content)%Elf64SymbolEntrySize != 0 {
		return nil, fmt.Errorf(
			"invalid symbol table (%s) size (%d)",
			section.Name,
			len(section.Content))
	}

	entries := make([]SymbolEntry, len(section.Content)/Elf64SymbolEntrySize)
	n, err := binary.Decode(section.Content, p.ByteOrder, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to parse symbol table: %w", err)
	}
	if n != len(section.Content) {
		panic("should never happen")
	}

	names, err := p.stringTable(section.Link)
	if err != nil {
		return nil, fmt.Errorf(
			"invalid symbol table (%s) string table: %w",
			section.Name,
			err)
	}

	table := newSymbolTable(section, entries)
	table.bindNames(names)
	return table, nil
}
