//go:build unix

package daemonsvc

import (
	"os/exec"
	"syscall"
)

// setProcGroup detaches cmd into its own process group so the daemon can
// exit without taking a spawned session down with it. Mirrors the
// teacher's internal/agentctl/server/process/procattr_unix.go.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
