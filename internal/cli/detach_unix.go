//go:build unix

package cli

import (
	"os/exec"
	"syscall"
)

// detach puts cmd in its own session so it survives the parent shell
// exiting, mirroring internal/daemonsvc's setProcGroup.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
