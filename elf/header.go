// Based on linux's man page, elf.h, golang's debug/elf package,
// and the elf 1.2 spec.
package elf

import (
	"fmt"
)

var (
	// EI_MAG0 - EI_MAG3
	IdentifierMagic = []byte{0x7f, 'E', 'L', 'F'}
)

const (
	IdentifierVersion = 1 // EI_CURRENT
	ABIVersion        = 0
	FormatVersion     = 1 // EV_CURRENT

	ElfIdentifierSize           = 16
	Elf64HeaderSize             = 64
	Elf64SectionHeaderEntrySize = 64
	Elf64ProgramHeaderEntrySize = 56
	Elf64SymbolEntrySize        = 24
)

// EI_CLASS
type Class byte

const (
	ClassNone = Class(0) // ELFCLASSNONE
	Class32   = Class(1) // ELFCLASS32
	Class64   = Class(2) // ELFCLASS64
)

func (class Class) String() string {
	switch class {
	case Class32:
		return "Class32"
	case Class64:
		return "Class64"
	default:
		return fmt.Sprintf("ClassUnknown(%d)", class)
	}
}

// EI_DATA
type DataEncoding byte

const (
	DataEncodingNone                       = DataEncoding(0) // ELFDATANONE
	DataEncodingTwosComplementLittleEndian = DataEncoding(1) // ELFDATA2LSB
	DataEncodingTwosComplementBigEndian    = DataEncoding(2) // ELFDATA2MSB
)

func (encoding DataEncoding) String() string {
	switch encoding {
	case DataEncodingTwosComplementLittleEndian:
		return "TwosComplementLittleEndian"
	case DataEncodingTwosComplementBigEndian:
		return "TwosComplementBigEndian"
	default:
		return fmt.Sprintf("DataEncodingUnknown(%d)", encoding)
	}
}

// EI_OSABI
type OperatingSystemABI byte

const (
	OperatingSystemABIUnixSystemV = OperatingSystemABI(0) // ELFOSABI_NONE
	OperatingSystemABILinux       = OperatingSystemABI(3) // ELFOSABI_LINUX
)

func (osAbi OperatingSystemABI) String() string {
	switch osAbi {
	case OperatingSystemABIUnixSystemV:
		return "UnixSystemV"
	case OperatingSystemABILinux:
		return "Linux"
	default:
		return fmt.Sprintf("OperatingSystemABIUnknown(%d)", osAbi)
	}
}

// e_type
type FileType uint16

const (
	FileTypeNone         = FileType(0) // ET_NONE
	FileTypeRelocatable  = FileType(1) // ET_REL
	FileTypeExecutable   = FileType(2) // ET_EXEC
	FileTypeSharedObject = FileType(3) // ET_DYN
	FileTypeCore         = FileType(4) // ET_CORE
)

func (ft FileType) String() string {
	switch ft {
	case FileTypeRelocatable:
		return "Relocatable"
	case FileTypeExecutable:
		return "Executable"
	case FileTypeSharedObject:
		return "SharedObject"
	case FileTypeCore:
		return "Core"
	default:
		return fmt.Sprintf("FileTypeUnknown(%d)", ft)
	}
}

type SectionType uint32

const (
	SectionTypeNull               = SectionType(0)  // SHT_NULL
	SectionTypeProgramDefinedInfo = SectionType(1)  // SHT_PROGBITS
	SectionTypeSymbolTable        = SectionType(2)  // SHT_SYMTAB
	SectionTypeStringTable        = SectionType(3)  // SHT_STRTAB
	SectionTypeNoSpace            = SectionType(8)  // SHT_NOBITS
	SectionTypeDynamicSymbolTable = SectionType(11) // SHT_DYNSYM
)

type SectionFlags uint64

const (
	SectionOccupiesMemory       = SectionFlags(0x2)   // SHF_ALLOC
	SectionContainsInstructions = SectionFlags(0x4)   // SHF_EXECINSTR
	SectionIsCompressed         = SectionFlags(0x800) // SHF_COMPRESSED
)

// e_machine
type MachineArchitecture uint16

const (
	MachineArchitectureNone   = MachineArchitecture(0)  // EM_NONE
	MachineArchitectureX86_64 = MachineArchitecture(62) // EM_X86_64
)

func (arch MachineArchitecture) String() string {
	switch arch {
	case MachineArchitectureX86_64:
		return "x86-64"
	default:
		return fmt.Sprintf("MachineArchitectureUnknown(%d)", arch)
	}
}

// The bottom 4 bits of st_info
type SymbolType byte

func SymbolInfoToType(info byte) SymbolType {
	return SymbolType(info & 0xf)
}

const (
	SymbolTypeNone      = SymbolType(0) // STT_NOTYPE
	SymbolTypeObject    = SymbolType(1) // STT_OBJECT
	SymbolTypeFunction  = SymbolType(2) // STT_FUNC
	SymbolTypeSection   = SymbolType(3) // STT_SECTION
	SymbolTypeFile      = SymbolType(4) // STT_FILE
	SymbolTypeTLSObject = SymbolType(6) // STT_TLS
)

func (st SymbolType) String() string {
	switch st {
	case SymbolTypeNone:
		return "NoType"
	case SymbolTypeObject:
		return "Object"
	case SymbolTypeFunction:
		return "Function"
	case SymbolTypeSection:
		return "Section"
	case SymbolTypeFile:
		return "File"
	case SymbolTypeTLSObject:
		return "TLSObject"
	default:
		return fmt.Sprintf("SymbolTypeUnknown(%d)", st)
	}
}

// The top 4 bits of st_info
type SymbolBinding byte

func SymbolInfoToBinding(info byte) SymbolBinding {
	return SymbolBinding(info >> 4)
}

const (
	SymbolBindingLocal  = SymbolBinding(0) // STB_LOCAL
	SymbolBindingGlobal = SymbolBinding(1) // STB_GLOBAL
	SymbolBindingWeak   = SymbolBinding(2) // STB_WEAK
)

func SymbolInfo(binding SymbolBinding, symbolType SymbolType) byte {
	return byte(binding)<<4 | byte(symbolType)&0xf
}

type SectionIndex uint16

const (
	SectionIndexUndefined = SectionIndex(0)
)

// Header structs matching c's elf64 header definitions.  These are only used
// for (de-)serialization.

// e_ident
type Identifier struct {
	Magic              [4]byte // EI_MAG0 ... EI_MAG3
	Class                      // EI_CLASS
	DataEncoding               // EI_DATA
	IdentifierVersion  byte    // EI_VERSION
	OperatingSystemABI         // EI_OSABI
	ABIVersion         byte    // EI_ABIVERSION
	Padding            [7]byte // EI_PAD
}

// Elf64_Ehdr
type ElfHeader struct {
	Identifier                           // e_ident[EI_NIDENT]
	FileType                             // e_type
	MachineArchitecture                  // e_machine
	FormatVersion           uint32       // e_version
	EntryPointAddress       uint64       // e_entry
	ProgramHeaderOffset     uint64       // e_phoff
	SectionHeaderOffset     uint64       // e_shoff
	ArchitectureFlags       uint32       // e_flags
	ElfHeaderSize           uint16       // e_ehsize
	ProgramHeaderEntrySize  uint16       // e_phentsize
	NumProgramHeaderEntries uint16       // e_phnum
	SectionHeaderEntrySize  uint16       // e_shentsize
	NumSectionHeaderEntries uint16       // e_shnum
	SectionStringTableIndex SectionIndex // e_shstrndx
}

// Elf64_Shdr
type SectionHeaderEntry struct {
	NameIndex        uint32 // sh_name
	SectionType             // sh_type
	SectionFlags            // sh_flags
	Address          uint64 // sh_addr
	Offset           uint64 // sh_offset
	Size             uint64 // sh_size
	Link             uint32 // sh_link
	Info             uint32 // sh_info
	AddressAlignment uint64 // sh_addralign
	EntrySize        uint64 // sh_entsize
}

// Elf64_Sym
type SymbolEntry struct {
	NameIndex    uint32 // st_name
	Info         byte   // st_info.  (4 bits st_bind, 4 bits st_type)
	Other        byte   // st_other
	SectionIndex        // st_shndx
	Value        uint64 // st_value
	Size         uint64 // st_size
}
