// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/rbmk-project/mesh/testspec"
	"github.com/spf13/cobra"
)

// newValidateCommand creates the validate command.
func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate SPEC",
		Short: "Check a test specification without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := testspec.Load(args[0])
			if err != nil {
				return err
			}
			test, err := spec.Test()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d nodes, backend %s, idle timeout %s\n",
				len(test.Nodes), spec.BackendName(), test.IdleTimeout)
			return nil
		},
	}
}
