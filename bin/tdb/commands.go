package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	. "github.com/pattyshack/tdb/debugger/common"
)

const (
	groupBreakPoints = "break points"
	groupExecution   = "execution"
	groupInspection  = "inspection"
)

func parseAddress(arg string) (VirtualAddress, error) {
	addr, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w. invalid address (%s)", ErrInvalidArgument, arg)
	}
	return VirtualAddress(addr), nil
}

func parseCount(args []string, defaultCount int) (int, error) {
	if len(args) == 0 {
		return defaultCount, nil
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 0 {
		return 0, fmt.Errorf("%w. invalid count (%s)", ErrInvalidArgument, args[0])
	}
	return count, nil
}

func (sess *session) newCommands() *cobra.Command {
	root := &cobra.Command{
		Use:           "tdb",
		Short:         "tdb interactive commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddGroup(
		&cobra.Group{ID: groupBreakPoints, Title: "Break points:"},
		&cobra.Group{ID: groupExecution, Title: "Execution:"},
		&cobra.Group{ID: groupInspection, Title: "Inspection:"})

	root.AddCommand(sess.breakPointCommands()...)
	root.AddCommand(sess.executionCommands()...)
	root.AddCommand(sess.inspectionCommands()...)

	root.AddCommand(&cobra.Command{
		Use:     "quit",
		Short:   "detach from (or kill) the target and exit",
		Aliases: []string{"q", "exit"},
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return errQuit
		},
	})

	return root
}
