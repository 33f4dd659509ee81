package main

import (
	"fmt"
	"os"

	"github.com/pattyshack/tdb/elf"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("USAGE: print-elf <file>")
		os.Exit(1)
	}

	content, err := os.ReadFile(os.Args[1])
	if err != nil {
		panic(err)
	}

	file, err := elf.ParseBytes(content)
	if err != nil {
		panic(err)
	}

	fmt.Printf(
		"Header: %s %s %s %s entry=%#x\n",
		file.Class,
		file.DataEncoding,
		file.FileType,
		file.MachineArchitecture,
		file.EntryPointAddress)

	fmt.Println("Sections:", len(file.Sections))
	for idx, section := range file.Sections {
		fmt.Printf(
			"  [%d] %-20s type=%#x flags=%#x addr=%#x size=%d\n",
			idx,
			section.Name,
			uint32(section.SectionType),
			uint64(section.SectionFlags),
			section.Address,
			section.Size)
	}

	for _, table := range file.SymbolTables {
		fmt.Printf("%s: %d\n", table.Name, len(table.Symbols))
		for idx, symbol := range table.Symbols {
			fmt.Printf(
				"  %d: %016x %6d %-8s %d %s\n",
				idx,
				symbol.Value,
				symbol.Size,
				symbol.Type(),
				symbol.Binding(),
				symbol.PrettyName())
		}
	}
}
