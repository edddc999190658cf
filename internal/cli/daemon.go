package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kandev/happy/internal/control"
	"github.com/kandev/happy/internal/daemonsvc"
	"github.com/kandev/happy/internal/settings"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the happy machine daemon",
	}
	cmd.AddCommand(
		&cobra.Command{Use: "start", Short: "Spawn a detached daemon and exit", RunE: runDaemonStart},
		&cobra.Command{Use: "stop", Short: "Request graceful shutdown of a running daemon", RunE: runDaemonStop},
		&cobra.Command{Use: "start-sync", Short: "Run the daemon synchronously in the foreground", RunE: runDaemonStartSync},
	)
	return cmd
}

// runDaemonStart implements §6.1's "spawn a detached daemon then exit 0":
// it re-execs this same binary as `daemon start-sync`, detached into its
// own session so it outlives the invoking shell.
func runDaemonStart(cmd *cobra.Command, args []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("happy: resolve own binary path: %w", err)
	}

	env := settings.LoadEnv()
	if err := settings.NewStore(env.HomeDir).EnsureLayout(); err != nil {
		return fmt.Errorf("happy: ensure home layout: %w", err)
	}

	spawned := exec.Command(self, "daemon", "start-sync")
	spawned.Dir = env.HomeDir
	spawned.Env = os.Environ()
	detach(spawned)

	logPath := env.HomeDir + "/logs/daemon.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		spawned.Stdout = logFile
		spawned.Stderr = logFile
	}

	if err := spawned.Start(); err != nil {
		return fmt.Errorf("happy: spawn daemon: %w", err)
	}
	fmt.Printf("daemon started (pid %d)\n", spawned.Process.Pid)
	return nil
}

// runDaemonStartSync is what `daemon start` spawns: the daemon running
// synchronously in the foreground of this process.
func runDaemonStartSync(cmd *cobra.Command, args []string) error {
	env := settings.LoadEnv()
	logger := newLogger(env)
	defer func() { _ = logger.Sync() }()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("happy: resolve own binary path: %w", err)
	}

	cfg := daemonsvc.Config{
		Env:             env,
		HappyBinaryPath: self,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d := daemonsvc.New(cfg, logger)
	return d.Run(ctx)
}

// runDaemonStop asks the running daemon to shut down over its own
// loopback control surface.
func runDaemonStop(cmd *cobra.Command, args []string) error {
	env := settings.LoadEnv()
	store := settings.NewStore(env.HomeDir)
	state, err := store.ReadDaemonState()
	if err != nil {
		return fmt.Errorf("happy: no daemon appears to be running: %w", err)
	}

	client := control.NewClient(state.ControlPort, state.ControlToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.StopDaemon(ctx); err != nil {
		return fmt.Errorf("happy: stop daemon: %w", err)
	}
	fmt.Println("daemon stop requested")
	return nil
}
