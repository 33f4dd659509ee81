package main

import (
	"github.com/spf13/cobra"
)

func (sess *session) executionCommand(
	use string,
	short string,
	aliases []string,
	request func() error,
) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Aliases: aliases,
		GroupID: groupExecution,
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			err := request()
			if err != nil {
				return err
			}
			return sess.wait()
		},
	}
}

func (sess *session) executionCommands() []*cobra.Command {
	db := sess.db
	return []*cobra.Command{
		sess.executionCommand(
			"continue",
			"resume the target until the next break point (ctrl-c halts)",
			[]string{"c", "run", "r"},
			db.Run),
		sess.executionCommand(
			"stepi",
			"execute a single instruction",
			[]string{"si"},
			db.SingleStepInsn),
		sess.executionCommand(
			"nexti",
			"execute a single instruction, stepping over calls",
			[]string{"ni"},
			db.StepOverInsn),
		sess.executionCommand(
			"step",
			"execute until the next source line, stepping into calls",
			[]string{"s"},
			db.SingleStepSrc),
		sess.executionCommand(
			"next",
			"execute until the next source line, stepping over calls",
			[]string{"n"},
			db.StepOverSrc),
	}
}
