package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/settings"
	"github.com/kandev/happy/internal/supervisor"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session supervisor in the current working directory",
		RunE:  runStart,
	}
	registerStartFlags(cmd)
	return cmd
}

// runStart backs both the bare `happy` invocation and `happy start`
// (§6.1): claude-code is the default agent flavor.
func runStart(cmd *cobra.Command, args []string) error {
	return runSupervisor(model.FlavorClaudeCode, nil)
}

// runSupervisor builds and runs one session supervisor to completion,
// returning its error (mapped to exit code 1 by main) or nil (exit 0).
func runSupervisor(flavor model.AgentFlavor, extraAgentArgs []string) error {
	return runSupervisorCfg(flavor, extraAgentArgs, nil)
}

// runSupervisorCfg is runSupervisor with a hook to tweak the built Config
// before Run, for subcommand-only options like `codex --all`.
func runSupervisorCfg(flavor model.AgentFlavor, extraAgentArgs []string, tweak func(*supervisor.Config)) error {
	env := settings.LoadEnv()
	logger := newLogger(env)
	defer func() { _ = logger.Sync() }()

	directory, err := resolveDirectory(startFlags.directory)
	if err != nil {
		return fmt.Errorf("happy: resolve working directory: %w", err)
	}

	mode := model.SessionMode(startFlags.startingMode)
	if mode != model.ModeLocal && mode != model.ModeRemote {
		mode = model.ModeLocal
	}

	tag := startFlags.resume
	if tag == "" {
		tag = uuid.NewString()
	}

	daemonPort, daemonToken := readDaemonControlHints(env)

	cfg := supervisor.Config{
		Env:             env,
		Tag:             tag,
		Directory:       directory,
		Flavor:          flavor,
		StartedBy:       startFlags.startedBy,
		StartingMode:    mode,
		ResumeSessionID: startFlags.resume,
		Metadata:        startFlags.metadata,
		AgentBinary:     agentBinaryFor(flavor),
		AgentArgs:       extraAgentArgs,
		DaemonPort:      daemonPort,
		DaemonToken:     daemonToken,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup := supervisor.New(cfg, logger)
	return sup.Run(ctx)
}

// readDaemonControlHints looks up the running daemon's control port/token
// so the supervisor can self-register (§4.6 step 5). Absent or unreadable
// state means "no daemon to notify" (DaemonPort: 0), which Run treats as
// a standalone CLI run.
func readDaemonControlHints(env settings.Env) (int, string) {
	store := settings.NewStore(env.HomeDir)
	state, err := store.ReadDaemonState()
	if err != nil {
		return 0, ""
	}
	return state.ControlPort, state.ControlToken
}

func agentBinaryFor(flavor model.AgentFlavor) string {
	switch flavor {
	case model.FlavorCodex:
		if bin := os.Getenv("HAPPY_CODEX_BINARY"); bin != "" {
			return bin
		}
		return "codex"
	default:
		if bin := os.Getenv("HAPPY_CLAUDE_BINARY"); bin != "" {
			return bin
		}
		return "claude"
	}
}
