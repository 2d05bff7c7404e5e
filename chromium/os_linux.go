package chromium

import (
	"os/exec"
	"syscall"
)

// killAfterParent ties the browser's lifetime to ours so a crashed server
// never leaves orphaned Chrome processes behind.
func killAfterParent(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}
