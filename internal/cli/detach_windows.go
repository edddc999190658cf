//go:build windows

package cli

import (
	"os/exec"
	"syscall"
)

// detach puts cmd in its own process group on Windows.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
