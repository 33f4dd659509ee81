package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/pattyshack/tdb/debugger"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
)

const (
	prompt = "tdb > "

	haltSnippetDelta = 2
)

var errQuit = errors.New("quit")

type session struct {
	db *debugger.Debugger

	rl   *readline.Instance
	root *cobra.Command

	lastLine string
}

func newSession(db *debugger.Debugger) (*session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, err
	}

	sess := &session{
		db: db,
		rl: rl,
	}
	sess.root = sess.newCommands()

	db.WatchHalt(sess.printHalt)
	db.WatchDeath(func() {
		fmt.Println(db.Status())
	})

	return sess, nil
}

func (sess *session) Close() error {
	return sess.rl.Close()
}

func (sess *session) printHalt(report debugger.HaltReport) {
	fmt.Println(report)

	if !report.HasSourceContext || report.File == "" {
		return
	}

	snippet, err := sess.db.GetSnippet(
		report.File,
		report.Line,
		haltSnippetDelta)
	if err == nil {
		fmt.Println(snippet)
	}
}

func (sess *session) Run() error {
	for {
		line, err := sess.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		// An empty line repeats the previous command.
		line = strings.TrimSpace(line)
		if line == "" {
			line = sess.lastLine
		}
		sess.lastLine = line

		if line == "" {
			continue
		}

		sess.root.SetArgs(strings.Fields(line))
		err = sess.root.Execute()
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Println("error:", err)
		}

		if sess.db.Err() != nil {
			fmt.Println("engine halted. only quit is available")
		}
	}
}

// wait blocks until the requested execution finishes.  An interrupt
// (ctrl-c) halts the target.
func (sess *session) wait() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for sess.db.Mode() != debugger.Idle &&
		sess.db.CoreState() != target.Dead {

		err := sess.db.Wait(ctx)
		if ctx.Err() != nil {
			stop()
			ctx = context.Background()

			err = sess.db.Halt()
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		state, err := sess.db.Controller().Status()
		if err != nil {
			return err
		}

		if state == target.Halted &&
			sess.db.CoreState() == target.Halted &&
			sess.db.Mode() != debugger.Idle {
			return fmt.Errorf(
				"execution stalled (mode: %s)",
				sess.db.Mode())
		}
	}

	return nil
}
