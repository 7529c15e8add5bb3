//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// UNIX process group management.
//

package procnode

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// prepareCommand runs the command in its own process group so that
// signals also reach the processes it spawns.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the process group.
func terminate(proc *os.Process) error {
	return unix.Kill(-proc.Pid, unix.SIGTERM)
}

// kill sends SIGKILL to the process group.
func kill(proc *os.Process) error {
	return unix.Kill(-proc.Pid, unix.SIGKILL)
}
