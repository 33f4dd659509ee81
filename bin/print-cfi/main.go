package main

import (
	"fmt"
	"os"
	"sort"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/debuginfo"
	"github.com/pattyshack/tdb/dwarf"
	"github.com/pattyshack/tdb/elf"
)

// Prints the call frame information row and source context at the entry of
// every function symbol.
func main() {
	if len(os.Args) != 2 {
		fmt.Println("USAGE: print-cfi <file>")
		os.Exit(1)
	}

	info, err := debuginfo.Load(os.Args[1], 0, nil)
	if err != nil {
		panic(err)
	}

	functions := []*elf.Symbol{}
	for _, table := range info.File().SymbolTables {
		for _, symbol := range table.Symbols {
			if symbol.Type() == elf.SymbolTypeFunction && symbol.Value != 0 {
				functions = append(functions, symbol)
			}
		}
	}

	sort.SliceStable(
		functions,
		func(i int, j int) bool {
			return functions[i].Value < functions[j].Value
		})

	for _, symbol := range functions {
		addr := VirtualAddress(symbol.Value)
		fmt.Printf("%s %s\n", addr, symbol.PrettyName())

		ctx, ok := info.Describe(addr)
		if ok && ctx.File != "" {
			fmt.Printf("  source: %s:%d (%s)\n", ctx.File, ctx.Line, ctx.CompileUnit)
		}

		rules, err := info.UnwindRulesAt(addr)
		if err != nil {
			fmt.Println("  error:", err)
			continue
		}
		if rules == nil {
			fmt.Println("  no call frame information")
			continue
		}

		fmt.Printf(
			"  cfa: %s  return address: r%d\n",
			rules.CanonicalFrameAddress,
			rules.ReturnAddressRegister)

		ids := []dwarf.RegisterId{}
		for id := range rules.Registers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i int, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			fmt.Printf("  r%d: %s\n", id, rules.Registers[id])
		}
	}
}
