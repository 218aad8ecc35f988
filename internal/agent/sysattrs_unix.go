//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the agent in its own process group so
// termination signals reach the whole tree it may spawn.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup asks the agent's process group to exit gracefully.
func terminateGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup force-kills the agent's process group.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
