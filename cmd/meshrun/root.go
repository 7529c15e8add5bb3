// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

// globalFlags contains the flags shared by all the commands.
type globalFlags struct {
	// logFormat is either "text" or "json".
	logFormat string

	// logLevel is the minimum level of the emitted logs.
	logLevel string
}

// newRootCommand creates the meshrun root command.
func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "meshrun",
		Short:         "Run distributed-algorithm tests",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn, or error")
	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newValidateCommand())
	return root
}

// newLogger creates the [*slog.Logger] configured by the flags.
func (flags *globalFlags) newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flags.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(flags.logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format: %q", flags.logFormat)
	}
}
