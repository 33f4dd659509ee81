package elf_test

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/tdb/elf"
	"github.com/pattyshack/tdb/elf/elftest"
)

type ElfSuite struct{}

func TestElf(t *testing.T) {
	suite.RunTests(t, &ElfSuite{})
}

func (ElfSuite) TestParseSections(t *testing.T) {
	text := []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}
	content := elftest.NewBuilder(elf.FileTypeSharedObject, 0x1000).
		AddSection(".text", 0x1000, elf.SectionContainsInstructions, text).
		AddDebugSection(".debug_frame", []byte{1, 2, 3}).
		Bytes()

	file, err := elf.ParseBytes(content)
	expect.Nil(t, err)
	expect.True(t, file.IsPositionIndependent())
	expect.Equal(t, 0x1000, file.EntryPointAddress)

	section, ok := file.Section(".text")
	expect.True(t, ok)
	expect.Equal(t, 0x1000, section.Address)
	expect.Equal(t, text, section.Content)
	expect.True(t, section.Contains(0x1004))
	expect.False(t, section.Contains(0x1005))

	frame, ok, err := file.SectionContent(".debug_frame")
	expect.Nil(t, err)
	expect.True(t, ok)
	expect.Equal(t, []byte{1, 2, 3}, frame)

	debugFrame, _ := file.Section(".debug_frame")
	expect.False(t, debugFrame.Contains(0))

	_, ok, err = file.SectionContent(".eh_frame")
	expect.Nil(t, err)
	expect.False(t, ok)

	expect.Equal(t, 0, len(file.SymbolTables))
}

func (ElfSuite) TestCompressedSection(t *testing.T) {
	content := elftest.NewBuilder(elf.FileTypeExecutable, 0x401000).
		AddSection(".debug_info", 0, elf.SectionIsCompressed, []byte{1}).
		Bytes()

	file, err := elf.ParseBytes(content)
	expect.Nil(t, err)
	expect.False(t, file.IsPositionIndependent())

	_, _, err = file.SectionContent(".debug_info")
	expect.Error(t, err, "compressed section")
}

func (ElfSuite) TestSymbols(t *testing.T) {
	content := elftest.NewBuilder(elf.FileTypeExecutable, 0x401000).
		AddSection(".text", 0x401000, elf.SectionContainsInstructions, make([]byte, 0x100)).
		AddSymbol("main", elf.SymbolTypeFunction, 0x401000, 0x20).
		AddSymbol("_ZN3foo3barEv", elf.SymbolTypeFunction, 0x401020, 0x10).
		AddSymbol("table", elf.SymbolTypeObject, 0x401020, 0x40).
		AddSymbol("marker", elf.SymbolTypeNone, 0x401080, 0).
		Bytes()

	file, err := elf.ParseBytes(content)
	expect.Nil(t, err)
	expect.Equal(t, 1, len(file.SymbolTables))
	expect.Equal(t, 5, len(file.SymbolTables[0].Symbols))

	symbol := file.SymbolSpans(0x401008)
	expect.NotNil(t, symbol)
	expect.Equal(t, "main", symbol.PrettyName())

	symbol = file.SymbolSpans(0x401024)
	expect.NotNil(t, symbol)
	expect.Equal(t, "_ZN3foo3barEv", symbol.Name)
	expect.Equal(t, "foo::bar()", symbol.PrettyName())
	expect.Equal(t, elf.SymbolBindingGlobal, symbol.Binding())

	symbol = file.SymbolSpans(0x401040)
	expect.NotNil(t, symbol)
	expect.Equal(t, "table", symbol.Name)
	expect.Equal(t, elf.SymbolTypeObject, symbol.Type())

	expect.Nil(t, file.SymbolSpans(0x401080))
	expect.Nil(t, file.SymbolSpans(0x400fff))

	symbols := file.SymbolsByName("foo::bar()")
	expect.Equal(t, 1, len(symbols))
	expect.Equal(t, 0x401020, symbols[0].Value)
}

func (ElfSuite) TestInvalidMagic(t *testing.T) {
	content := elftest.NewBuilder(elf.FileTypeExecutable, 0).Bytes()
	content[1] = 'X'

	_, err := elf.ParseBytes(content)
	expect.Error(t, err, "invalid elf magic number")
}

func (ElfSuite) TestTruncated(t *testing.T) {
	content := elftest.NewBuilder(elf.FileTypeExecutable, 0).
		AddSection(".text", 0x1000, 0, []byte{1, 2, 3, 4}).
		Bytes()

	_, err := elf.ParseBytes(content[:elf.Elf64HeaderSize+2])
	expect.NotNil(t, err)
}
