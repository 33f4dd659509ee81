package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pattyshack/tdb/debugger"
	"github.com/pattyshack/tdb/debugger/config"
	"github.com/pattyshack/tdb/debugger/logging"
)

type flags struct {
	configPath string
	logLevel   string
	journal    bool
}

func (f *flags) setUp(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if cmd.Flags().Changed("journal") {
		cfg.Log.Journal = f.journal
	}

	err := cfg.Validate()
	if err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "tdb",
		Short:         "tdb is a source level debugger for linux x86-64 programs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(
		&f.configPath,
		"config",
		"c",
		"",
		"yaml configuration file")
	root.PersistentFlags().StringVar(
		&f.logLevel,
		"log-level",
		"info",
		"log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(
		&f.journal,
		"journal",
		false,
		"log to the systemd journal")

	start := &cobra.Command{
		Use:   "start <program> [args...]",
		Short: "start the program under the debugger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.setUp(cmd)
			if err != nil {
				return err
			}

			logger, err := logging.Init(cfg.Log.Journal, cfg.LogLevel())
			if err != nil {
				logger.Warn("failed to initialize journal logging", "error", err)
			}

			db, err := debugger.Launch(args, cfg.Options(), logger)
			if err != nil {
				return err
			}

			return runSession(db)
		},
	}
	start.Flags().SetInterspersed(false)

	attach := &cobra.Command{
		Use:   "attach <pid>",
		Short: "debug a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid (%s)", args[0])
			}

			cfg, err := f.setUp(cmd)
			if err != nil {
				return err
			}

			logger, err := logging.Init(cfg.Log.Journal, cfg.LogLevel())
			if err != nil {
				logger.Warn("failed to initialize journal logging", "error", err)
			}

			db, err := debugger.Attach(pid, cfg.Options(), logger)
			if err != nil {
				return err
			}

			return runSession(db)
		},
	}

	root.AddCommand(start, attach)
	return root
}

func runSession(db *debugger.Debugger) (err error) {
	defer func() {
		closeErr := db.Close()
		if err == nil {
			err = closeErr
		}
	}()

	sess, err := newSession(db)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Println(db.Status())
	return sess.Run()
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tdb:", err)
		os.Exit(1)
	}
}
