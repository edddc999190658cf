package cli

import (
	"github.com/spf13/cobra"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/supervisor"
)

var codexAll bool

func newCodexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codex",
		Short: "Start a Codex session supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisorCfg(model.FlavorCodex, nil, withAllowAll)
		},
	}
	registerStartFlags(cmd)
	cmd.Flags().BoolVar(&codexAll, "all", false, "track every rollout file, not just this directory's")

	resumeCmd := &cobra.Command{
		Use:   "resume [sessionId]",
		Short: "Resume a Codex session, optionally by sessionId",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				startFlags.resume = args[0]
			}
			return runSupervisorCfg(model.FlavorCodex, nil, withAllowAll)
		},
	}
	cmd.AddCommand(resumeCmd)

	return cmd
}

func withAllowAll(cfg *supervisor.Config) {
	cfg.AllowAllRollouts = codexAll
}
