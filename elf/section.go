package elf

import (
	"bytes"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

// Link time virtual address.
type FileAddress uint64

type Section struct {
	SectionHeaderEntry

	Name string

	// Nil for SHT_NOBITS sections.
	Content []byte
}

func (section *Section) Contains(address FileAddress) bool {
	return section.SectionFlags&SectionOccupiesMemory != 0 &&
		uint64(address) >= section.Address &&
		uint64(address) < section.Address+section.Size
}

type stringTable []byte

func (table stringTable) get(index uint32) string {
	if index >= uint32(len(table)) {
		return ""
	}

	chunk := table[index:]
	end := bytes.IndexByte(chunk, 0)
	if end == -1 {
		return ""
	}

	return string(chunk[:end])
}

type Symbol struct {
	SymbolEntry

	Name          string
	DemangledName string // human readable c++ / rust name
}

func (symbol *Symbol) PrettyName() string {
	if symbol.DemangledName != "" {
		return symbol.DemangledName
	}

	return symbol.Name
}

func (symbol *Symbol) Type() SymbolType {
	return SymbolInfoToType(symbol.Info)
}

func (symbol *Symbol) Binding() SymbolBinding {
	return SymbolInfoToBinding(symbol.Info)
}

// AddressRange returns the symbol's [start, end) file address range.
func (symbol *Symbol) AddressRange() (FileAddress, FileAddress, bool) {
	if symbol.Value == 0 ||
		symbol.NameIndex == 0 ||
		symbol.Type() == SymbolTypeTLSObject ||
		symbol.Type() == SymbolTypeSection ||
		symbol.Type() == SymbolTypeFile {

		return 0, 0, false
	}

	start := FileAddress(symbol.Value)
	end := FileAddress(symbol.Value + symbol.Size)
	return start, end, true
}

type SymbolTable struct {
	*Section

	Symbols []*Symbol

	// Sized symbols sorted by start address.
	spans []*Symbol
}

func newSymbolTable(section *Section, entries []SymbolEntry) *SymbolTable {
	table := &SymbolTable{
		Section: section,
		Symbols: make([]*Symbol, 0, len(entries)),
	}

	for _, entry := range entries {
		symbol := &Symbol{
			SymbolEntry: entry,
		}
		table.Symbols = append(table.Symbols, symbol)

		low, high, ok := symbol.AddressRange()
		if ok && low < high {
			table.spans = append(table.spans, symbol)
		}
	}

	sort.SliceStable(
		table.spans,
		func(i int, j int) bool {
			return table.spans[i].Value < table.spans[j].Value
		})

	return table
}

func (table *SymbolTable) bindNames(names stringTable) {
	for _, symbol := range table.Symbols {
		symbol.Name = names.get(symbol.NameIndex)
		val, err := demangle.ToString(symbol.Name)
		if err == nil {
			symbol.DemangledName = val
		}
	}
}

func (table *SymbolTable) SymbolsByName(name string) []*Symbol {
	result := []*Symbol{}
	for _, symbol := range table.Symbols {
		if symbol.Name == name || symbol.DemangledName == name {
			result = append(result, symbol)
		}
	}
	return result
}

// SymbolSpans returns the sized symbol whose range contains the address.
// Function symbols are preferred over other overlapping symbols.
func (table *SymbolTable) SymbolSpans(address FileAddress) *Symbol {
	// index of the first symbol whose start > address
	idx := sort.Search(
		len(table.spans),
		func(i int) bool {
			return FileAddress(table.spans[i].Value) > address
		})

	var found *Symbol
	for idx > 0 {
		idx--
		symbol := table.spans[idx]
		_, high, _ := symbol.AddressRange()
		if address >= high {
			continue
		}

		if symbol.Type() == SymbolTypeFunction {
			return symbol
		}

		if found == nil {
			found = symbol
		}
	}

	return found
}
