package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kandev/happy/internal/control"
	"github.com/kandev/happy/internal/settings"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor [clean]",
		Short: "Diagnose daemon/session state, optionally cleaning up orphans",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clean := len(args) == 1 && args[0] == "clean"
			return runDoctor(clean)
		},
	}
	return cmd
}

func runDoctor(clean bool) error {
	env := settings.LoadEnv()
	store := settings.NewStore(env.HomeDir)

	fmt.Printf("home directory: %s\n", env.HomeDir)

	if _, err := store.ReadCredentials(); err != nil {
		fmt.Println("credentials.json: missing (this machine is not enrolled)")
	} else {
		fmt.Println("credentials.json: present")
	}

	state, err := store.ReadDaemonState()
	if err != nil {
		fmt.Println("daemon: not running (no daemon.state.json)")
		return nil
	}

	alive := processAlive(state.PID)
	fmt.Printf("daemon: pid=%d alive=%v version=%s controlPort=%d\n", state.PID, alive, state.Version, state.ControlPort)

	if !alive {
		fmt.Println("daemon state is stale, the recorded pid is not running")
		if clean {
			if err := store.RemoveDaemonState(); err != nil {
				return fmt.Errorf("happy: remove stale daemon state: %w", err)
			}
			fmt.Println("removed stale daemon.state.json")
		}
		return nil
	}

	client := control.NewClient(state.ControlPort, state.ControlToken)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sessions, err := client.List(ctx)
	if err != nil {
		fmt.Printf("control surface unreachable: %v\n", err)
		return nil
	}

	fmt.Printf("tracked sessions: %d\n", len(sessions))
	for _, s := range sessions {
		fmt.Printf("  pid=%d sessionId=%s cwd=%s startedBy=%s lastError=%s\n", s.PID, s.SessionID, s.Cwd, s.StartedBy, s.LastError)
		if clean && !processAlive(s.PID) {
			if err := client.StopSession(ctx, s.SessionID); err != nil {
				fmt.Printf("    failed to clean up dead session %s: %v\n", s.SessionID, err)
			} else {
				fmt.Printf("    cleaned up dead session %s\n", s.SessionID)
			}
		}
	}
	return nil
}

// processAlive mirrors internal/daemonsvc's liveness probe: FindProcess
// always succeeds on unix, so a signal(0) is the real check.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
