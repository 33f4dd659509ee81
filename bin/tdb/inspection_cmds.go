package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pattyshack/tdb/debugger"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/dwarf"
)

const (
	defaultMemoryDumpSize = 32
	defaultListDelta      = 5
)

func printFrame(info debugger.FrameInfo, err error) error {
	if info.ProgramCounter != 0 || info.Index != 0 {
		fmt.Println(info)
	}
	return err
}

func (sess *session) printMemory(addr VirtualAddress, size int) error {
	out, err := sess.db.ReadMemory(addr, size)
	if err != nil {
		return err
	}

	if len(out) < size {
		fmt.Printf(
			"WARNING: requested %d bytes but only read %d bytes.\n",
			size,
			len(out))
	}

	for len(out) > 0 {
		line := fmt.Sprintf("%s:", addr)

		chunk := min(16, len(out))
		for _, b := range out[:chunk] {
			line += fmt.Sprintf(" %02x", b)
		}
		fmt.Println(line)

		out = out[chunk:]
		addr += VirtualAddress(chunk)
	}

	return nil
}

func (sess *session) printEvaluation(result dwarf.EvaluationResult) {
	if result.IsRegister {
		name := fmt.Sprintf("dwarf register %d", result.Value)
		id, ok := sess.db.Description().FromDwarfRegister(
			dwarf.RegisterId(result.Value))
		if ok {
			name = sess.db.Description().RegisterName(id)
		}
		fmt.Printf("in register %s\n", name)
		return
	}

	switch result.Classification {
	case dwarf.LocationIsConstantNotAddress:
		fmt.Printf("value %#x (%s)\n", result.Value, result.Classification)
	default:
		fmt.Printf(
			"at address %s (%s)\n",
			VirtualAddress(result.Value),
			result.Classification)
	}
}

func (sess *session) inspectionCommands() []*cobra.Command {
	db := sess.db
	return []*cobra.Command{
		{
			Use:     "backtrace [limit]",
			Short:   "print the call stack",
			Aliases: []string{"bt"},
			GroupID: groupInspection,
			Args:    cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				limit, err := parseCount(args, 0)
				if err != nil {
					return err
				}

				frames, err := db.Backtrace(limit)
				if err != nil {
					return err
				}

				for _, frame := range frames {
					fmt.Println(frame)
				}
				return nil
			},
		},
		{
			Use:     "up [count]",
			Short:   "select an older (caller) frame",
			GroupID: groupInspection,
			Args:    cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				count, err := parseCount(args, 1)
				if err != nil {
					return err
				}
				return printFrame(db.Up(count))
			},
		},
		{
			Use:     "down [count]",
			Short:   "select a younger (callee) frame",
			GroupID: groupInspection,
			Args:    cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				count, err := parseCount(args, 1)
				if err != nil {
					return err
				}
				return printFrame(db.Down(count))
			},
		},
		{
			Use:     "frame [0]",
			Short:   "print the selected frame, or select the innermost frame",
			Aliases: []string{"f"},
			GroupID: groupInspection,
			Args:    cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if len(args) == 0 {
					return printFrame(db.SelectedFrame())
				}

				if args[0] != "0" {
					return fmt.Errorf(
						"%w. use up / down to select older frames",
						ErrInvalidArgument)
				}
				return printFrame(db.SelectInnermostFrame())
			},
		},
		{
			Use:     "registers [name]",
			Short:   "print the selected frame's registers",
			Aliases: []string{"regs"},
			GroupID: groupInspection,
			Args:    cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if len(args) == 1 {
					id, err := db.RegisterByName(args[0])
					if err != nil {
						return err
					}

					value, err := db.ReadRegister(id)
					if err != nil {
						return err
					}

					fmt.Println(
						debugger.RegisterValue{
							Id:        id,
							Name:      args[0],
							IsDefined: true,
							Value:     value,
						})
					return nil
				}

				values, err := db.Registers()
				if err != nil {
					return err
				}

				for _, value := range values {
					fmt.Println(value)
				}
				return nil
			},
		},
		{
			Use:     "set-reg <name> <value>",
			Short:   "write a register of the selected frame",
			GroupID: groupInspection,
			Args:    cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				id, err := db.RegisterByName(args[0])
				if err != nil {
					return err
				}

				value, err := strconv.ParseUint(args[1], 0, 64)
				if err != nil {
					return fmt.Errorf(
						"%w. invalid register value (%s)",
						ErrInvalidArgument,
						args[1])
				}

				return db.WriteRegister(id, value)
			},
		},
		{
			Use:     "x <address> [size]",
			Short:   "dump target memory",
			Aliases: []string{"mem"},
			GroupID: groupInspection,
			Args:    cobra.RangeArgs(1, 2),
			RunE: func(_ *cobra.Command, args []string) error {
				addr, err := parseAddress(args[0])
				if err != nil {
					return err
				}

				size, err := parseCount(args[1:], defaultMemoryDumpSize)
				if err != nil {
					return err
				}

				return sess.printMemory(addr, size)
			},
		},
		{
			Use:   "eval-location <hex encoded expression>",
			Short: "evaluate a dwarf location expression in the selected frame",
			Long: `Evaluate a dwarf location expression in the selected frame.  For
example, "eval-location 9178" evaluates DW_OP_fbreg -8.`,
			Aliases: []string{"loc"},
			GroupID: groupInspection,
			Args:    cobra.MinimumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				content, err := hex.DecodeString(strings.Join(args, ""))
				if err != nil {
					return fmt.Errorf(
						"%w. invalid hex expression: %w",
						ErrInvalidArgument,
						err)
				}

				result, err := db.EvaluateLocationBytes(content)
				if err != nil {
					return err
				}

				sess.printEvaluation(result)
				return nil
			},
		},
		{
			Use:     "frame-base",
			Short:   "print the selected frame's frame base",
			GroupID: groupInspection,
			Args:    cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				base, err := db.FrameBase()
				if err != nil {
					return err
				}

				fmt.Println(base)
				return nil
			},
		},
		{
			Use:     "list [delta]",
			Short:   "print the source around the selected frame's line",
			Aliases: []string{"l"},
			GroupID: groupInspection,
			Args:    cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				delta, err := parseCount(args, defaultListDelta)
				if err != nil {
					return err
				}

				snippet, err := db.Snippet(delta)
				if err != nil {
					return err
				}

				fmt.Println(snippet)
				return nil
			},
		},
		{
			Use:     "symbol <address>",
			Short:   "describe an address as symbol+offset",
			Aliases: []string{"sym"},
			GroupID: groupInspection,
			Args:    cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				addr, err := parseAddress(args[0])
				if err != nil {
					return err
				}

				name, err := db.SymbolAt(addr)
				if err != nil {
					return err
				}

				fmt.Println(name)
				return nil
			},
		},
		{
			Use:     "status",
			Short:   "print the target's state",
			GroupID: groupInspection,
			Args:    cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				fmt.Println(db.Status())
				return nil
			},
		},
	}
}
