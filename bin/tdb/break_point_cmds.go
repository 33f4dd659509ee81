package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pattyshack/tdb/debugger/breakpoint"
)

func (sess *session) setBreakPoint(location string) error {
	var points []*breakpoint.BreakPoint

	addr, err := parseAddress(location)
	if err == nil {
		var point *breakpoint.BreakPoint
		point, err = sess.db.SetBreakPoint(addr)
		points = append(points, point)
	} else if idx := strings.LastIndex(location, ":"); idx > 0 {
		line, convErr := strconv.Atoi(location[idx+1:])
		if convErr != nil {
			return fmt.Errorf("invalid line number in %s", location)
		}
		points, err = sess.db.SetLineBreakPoint(location[:idx], line)
	} else {
		points, err = sess.db.SetFunctionBreakPoint(location)
	}

	if err != nil {
		return err
	}

	for _, point := range points {
		fmt.Println("set", point)
	}
	return nil
}

func (sess *session) breakPointCommands() []*cobra.Command {
	setActive := func(isActive bool) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			return sess.db.SetBreakPointActive(addr, isActive)
		}
	}

	return []*cobra.Command{
		{
			Use:   "break <address | function | file:line>",
			Short: "set a break point",
			Long: `Set a break point at an instruction address (e.g., 0x401136),
after the prologue of a function (e.g., main), or at a source line
(e.g., main.c:12).`,
			Aliases: []string{"b"},
			GroupID: groupBreakPoints,
			Args:    cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return sess.setBreakPoint(args[0])
			},
		},
		{
			Use:     "delete <address>",
			Short:   "remove a break point",
			Aliases: []string{"d"},
			GroupID: groupBreakPoints,
			Args:    cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				addr, err := parseAddress(args[0])
				if err != nil {
					return err
				}
				return sess.db.ClearBreakPoint(addr)
			},
		},
		{
			Use:     "enable <address>",
			Short:   "activate a break point",
			GroupID: groupBreakPoints,
			Args:    cobra.ExactArgs(1),
			RunE:    setActive(true),
		},
		{
			Use:     "disable <address>",
			Short:   "deactivate a break point without removing it",
			GroupID: groupBreakPoints,
			Args:    cobra.ExactArgs(1),
			RunE:    setActive(false),
		},
		{
			Use:     "breakpoints",
			Short:   "list break points",
			Aliases: []string{"bl"},
			GroupID: groupBreakPoints,
			Args:    cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				points := sess.db.BreakPoints()
				if len(points) == 0 {
					fmt.Println("no break points set")
					return nil
				}

				for _, point := range points {
					fmt.Println(" ", point)
				}
				return nil
			},
		},
	}
}
