//go:build windows

package daemonsvc

import (
	"os/exec"
	"syscall"
)

// setProcGroup detaches cmd into a new process group on Windows. Mirrors
// the teacher's internal/agentctl/server/process/procattr_windows.go.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
