// SPDX-License-Identifier: GPL-3.0-or-later

// Command meshrun runs distributed-algorithm tests and prints their history.
//
// Usage:
//
//	meshrun run [--output FILE] [--max-duration D] SPEC
//	meshrun validate SPEC
//
// The SPEC file is a YAML or TOML test specification.
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
