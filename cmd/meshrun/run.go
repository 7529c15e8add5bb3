// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/rbmk-project/mesh/dockernode"
	"github.com/rbmk-project/mesh/history"
	"github.com/rbmk-project/mesh/node"
	"github.com/rbmk-project/mesh/procnode"
	"github.com/rbmk-project/mesh/runner"
	"github.com/rbmk-project/mesh/testspec"
	"github.com/spf13/cobra"
)

// runFlags contains the flags of the run command.
type runFlags struct {
	// maxDuration bounds the whole run when positive.
	maxDuration time.Duration

	// output is the optional JSONL history file.
	output string
}

// newRunCommand creates the run command.
func newRunCommand(global *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run SPEC",
		Short: "Run a test and print its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := global.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runMain(cmd, logger, flags, args[0])
		},
	}
	cmd.Flags().DurationVar(&flags.maxDuration, "max-duration", 0, "abort the run after this duration")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "write the history as JSONL to this file")
	return cmd
}

// runMain implements the run command.
func runMain(cmd *cobra.Command, logger *slog.Logger, flags *runFlags, path string) error {
	spec, err := testspec.Load(path)
	if err != nil {
		return err
	}
	test, err := spec.Test()
	if err != nil {
		return err
	}
	launcher, err := newLauncher(spec, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	if flags.maxDuration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, flags.maxDuration)
		defer cancelTimeout()
	}

	r := runner.New(launcher)
	r.Logger = logger
	h, err := r.Run(ctx, test)
	if h == nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), h.String())
	if flags.output != "" {
		err = errors.Join(err, writeHistory(flags.output, h))
	}
	return err
}

// newLauncher creates the [node.Launcher] selected by the specification.
func newLauncher(spec *testspec.Spec, logger *slog.Logger) (node.Launcher, error) {
	switch spec.BackendName() {
	case testspec.BackendDocker:
		clnt, err := dockernode.NewClient()
		if err != nil {
			return nil, err
		}
		launcher := dockernode.NewLauncher(clnt)
		launcher.Logger = logger
		launcher.Pull = spec.Docker.Pull
		if spec.Docker.NamePrefix != "" {
			launcher.NamePrefix = spec.Docker.NamePrefix
		}
		return launcher, nil

	default:
		return &procnode.Launcher{Dir: spec.WorkDir(), Logger: logger}, nil
	}
}

// writeHistory writes the history as JSONL to the given file.
func writeHistory(path string, h history.History) error {
	filep, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := h.WriteJSONL(filep); err != nil {
		filep.Close()
		return err
	}
	return filep.Close()
}
