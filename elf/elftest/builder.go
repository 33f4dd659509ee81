// Package elftest assembles small in-memory x86-64 elf files for tests.
package elftest

import (
	"encoding/binary"

	"github.com/pattyshack/tdb/elf"
)

type section struct {
	name  string
	entry elf.SectionHeaderEntry
	data  []byte
}

type symbol struct {
	name  string
	entry elf.SymbolEntry
}

type Builder struct {
	FileType   elf.FileType
	EntryPoint uint64

	sections []section
	symbols  []symbol
}

func NewBuilder(fileType elf.FileType, entryPoint uint64) *Builder {
	return &Builder{
		FileType:   fileType,
		EntryPoint: entryPoint,
	}
}

// AddSection adds an allocated section loaded at address.
func (builder *Builder) AddSection(
	name string,
	address uint64,
	flags elf.SectionFlags,
	content []byte,
) *Builder {
	builder.sections = append(
		builder.sections,
		section{
			name: name,
			entry: elf.SectionHeaderEntry{
				SectionType:      elf.SectionTypeProgramDefinedInfo,
				SectionFlags:     flags | elf.SectionOccupiesMemory,
				Address:          address,
				Size:             uint64(len(content)),
				AddressAlignment: 1,
			},
			data: content,
		})
	return builder
}

// AddDebugSection adds a non-allocated section (e.g., .debug_frame).
func (builder *Builder) AddDebugSection(name string, content []byte) *Builder {
	builder.sections = append(
		builder.sections,
		section{
			name: name,
			entry: elf.SectionHeaderEntry{
				SectionType:      elf.SectionTypeProgramDefinedInfo,
				Size:             uint64(len(content)),
				AddressAlignment: 1,
			},
			data: content,
		})
	return builder
}

func (builder *Builder) AddSymbol(
	name string,
	symbolType elf.SymbolType,
	value uint64,
	size uint64,
) *Builder {
	builder.symbols = append(
		builder.symbols,
		symbol{
			name: name,
			entry: elf.SymbolEntry{
				Info:         elf.SymbolInfo(elf.SymbolBindingGlobal, symbolType),
				SectionIndex: 1,
				Value:        value,
				Size:         size,
			},
		})
	return builder
}

type stringTableBuilder struct {
	content []byte
}

func (table *stringTableBuilder) add(value string) uint32 {
	if table.content == nil {
		table.content = []byte{0}
	}
	if value == "" {
		return 0
	}

	idx := uint32(len(table.content))
	table.content = append(table.content, value...)
	table.content = append(table.content, 0)
	return idx
}

func (builder *Builder) Bytes() []byte {
	sections := []section{{}} // SHN_UNDEF
	sections = append(sections, builder.sections...)

	if len(builder.symbols) > 0 {
		names := &stringTableBuilder{}
		names.add("")

		entries := []elf.SymbolEntry{{}}
		for _, sym := range builder.symbols {
			entry := sym.entry
			entry.NameIndex = names.add(sym.name)
			entries = append(entries, entry)
		}

		symtabContent, err := binary.Append(nil, binary.LittleEndian, entries)
		if err != nil {
			panic(err)
		}

		strtabIdx := uint32(len(sections) + 1)
		sections = append(
			sections,
			section{
				name: elf.SymbolTableName,
				entry: elf.SectionHeaderEntry{
					SectionType: elf.SectionTypeSymbolTable,
					Size:        uint64(len(symtabContent)),
					Link:        strtabIdx,
					EntrySize:   elf.Elf64SymbolEntrySize,
				},
				data: symtabContent,
			},
			section{
				name: ".strtab",
				entry: elf.SectionHeaderEntry{
					SectionType: elf.SectionTypeStringTable,
					Size:        uint64(len(names.content)),
				},
				data: names.content,
			})
	}

	sectionNames := &stringTableBuilder{}
	sectionNames.add("")
	for idx := range sections {
		sections[idx].entry.NameIndex = sectionNames.add(sections[idx].name)
	}

	shstrtabName := sectionNames.add(".shstrtab")
	sections = append(
		sections,
		section{
			name: ".shstrtab",
			entry: elf.SectionHeaderEntry{
				NameIndex:   shstrtabName,
				SectionType: elf.SectionTypeStringTable,
				Size:        uint64(len(sectionNames.content)),
			},
			data: sectionNames.content,
		})

	content := make([]byte, elf.Elf64HeaderSize)
	headers := make([]elf.SectionHeaderEntry, 0, len(sections))
	for _, sec := range sections {
		entry := sec.entry
		if len(sec.data) > 0 {
			entry.Offset = uint64(len(content))
			content = append(content, sec.data...)
		}
		headers = append(headers, entry)
	}

	header := elf.ElfHeader{
		Identifier: elf.Identifier{
			Class:              elf.Class64,
			DataEncoding:       elf.DataEncodingTwosComplementLittleEndian,
			IdentifierVersion:  elf.IdentifierVersion,
			OperatingSystemABI: elf.OperatingSystemABIUnixSystemV,
		},
		FileType:                builder.FileType,
		MachineArchitecture:     elf.MachineArchitectureX86_64,
		FormatVersion:           elf.FormatVersion,
		EntryPointAddress:       builder.EntryPoint,
		SectionHeaderOffset:     uint64(len(content)),
		ElfHeaderSize:           elf.Elf64HeaderSize,
		ProgramHeaderEntrySize:  elf.Elf64ProgramHeaderEntrySize,
		SectionHeaderEntrySize:  elf.Elf64SectionHeaderEntrySize,
		NumSectionHeaderEntries: uint16(len(headers)),
		SectionStringTableIndex: elf.SectionIndex(len(headers) - 1),
	}
	copy(header.Magic[:], elf.IdentifierMagic)

	encoded, err := binary.Append(nil, binary.LittleEndian, header)
	if err != nil {
		panic(err)
	}
	copy(content, encoded)

	content, err = binary.Append(content, binary.LittleEndian, headers)
	if err != nil {
		panic(err)
	}

	return content
}
