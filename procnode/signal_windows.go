//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Windows process management.
//

package procnode

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// prepareCommand runs the command in its own process group.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// terminate kills the process since Windows lacks SIGTERM.
func terminate(proc *os.Process) error {
	return proc.Kill()
}

// kill kills the process.
func kill(proc *os.Process) error {
	return proc.Kill()
}
