// Package config loads the debugger's yaml configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pattyshack/tdb/debugger"
	"github.com/pattyshack/tdb/debugger/callstack"
	"github.com/pattyshack/tdb/debugger/logging"
)

type Unwind struct {
	// Maximum number of frames in a call stack.
	MaxDepth int `yaml:"max_depth"`
}

type Step struct {
	// "deeper" or "different".  See debugger.RecursionCheck.
	RecursionCheck string `yaml:"recursion_check"`
}

type Log struct {
	Level   string `yaml:"level"`
	Journal bool   `yaml:"journal"`
}

type Target struct {
	NativeSingleStep bool `yaml:"native_single_step"`
}

type Config struct {
	Unwind Unwind `yaml:"unwind"`
	Step   Step   `yaml:"step"`
	Log    Log    `yaml:"log"`
	Target Target `yaml:"target"`
}

func Default() Config {
	return Config{
		Unwind: Unwind{
			MaxDepth: callstack.DefaultMaxDepth,
		},
		Step: Step{
			RecursionCheck: string(debugger.DeeperStack),
		},
		Log: Log{
			Level: "info",
		},
		Target: Target{
			NativeSingleStep: true,
		},
	}
}

// Load reads the yaml file at path.  Unspecified fields keep their default
// values.
func Load(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(content)
}

func Parse(content []byte) (Config, error) {
	config := Default()
	err := yaml.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func (config Config) Validate() error {
	if config.Unwind.MaxDepth <= 0 {
		return fmt.Errorf(
			"invalid unwind.max_depth (%d). must be positive",
			config.Unwind.MaxDepth)
	}

	switch debugger.RecursionCheck(config.Step.RecursionCheck) {
	case debugger.DeeperStack, debugger.DifferentStack:
	default:
		return fmt.Errorf(
			"invalid step.recursion_check (%s). expected %s or %s",
			config.Step.RecursionCheck,
			debugger.DeeperStack,
			debugger.DifferentStack)
	}

	_, err := logging.ParseLevel(config.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}

	return nil
}

func (config Config) LogLevel() slog.Level {
	level, err := logging.ParseLevel(config.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func (config Config) Options() debugger.Options {
	return debugger.Options{
		MaxUnwindDepth: config.Unwind.MaxDepth,
		Executor: debugger.ExecutorOptions{
			NativeSingleStep: config.Target.NativeSingleStep,
			RecursionCheck:   debugger.RecursionCheck(config.Step.RecursionCheck),
		},
	}
}
