// Package cli is the `happy` command surface (§6.1): starting a session
// supervisor attached to the current terminal, the daemon's
// start/stop/start-sync trio, and `doctor` diagnostics. Grounded on the
// zjrosen-perles pack's cobra layout (cmd/root.go's persistent flags plus
// one file per subcommand in cmd/daemon.go), adapted from perles's TUI
// entry point to this spec's session-supervisor entry point.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
	"github.com/kandev/happy/internal/settings"
	"github.com/kandev/happy/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "happy",
	Short:   "Bridge a terminal coding agent to the happy backend and mobile app",
	Version: version.Current,
	RunE:    runStart,
}

var startFlags struct {
	startingMode model.SessionMode
	startedBy    string
	directory    string
	metadata     string
	resume       string
}

func init() {
	registerStartFlags(rootCmd)
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newCodexCmd())
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newDoctorCmd())
}

func registerStartFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar((*string)(&startFlags.startingMode), "happy-starting-mode", string(model.ModeLocal), "initial session mode: local or remote")
	cmd.Flags().StringVar(&startFlags.startedBy, "started-by", "terminal", "origin tag for session metadata: daemon or terminal")
	cmd.Flags().StringVar(&startFlags.directory, "directory", "", "working directory (default: current directory)")
	cmd.Flags().StringVar(&startFlags.metadata, "metadata", "", "encrypted metadata blob passed by a spawning daemon")
	cmd.Flags().StringVar(&startFlags.resume, "resume", "", "resume an existing sessionId")
}

// Execute runs the root command; main calls this and maps the returned
// error to the exit codes §6.1 specifies (0 clean, 1 fatal startup error).
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(env settings.Env) *obslog.Logger {
	level := env.LogLevel
	if env.Debug {
		level = "debug"
	}
	logger, err := obslog.New(obslog.Config{Level: level, Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "happy: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func resolveDirectory(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
