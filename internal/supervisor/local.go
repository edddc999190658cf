package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/rollout"
)

// runLocalBranch implements §4.6's local branch: the agent runs
// interactively attached to the operator's own TTY, while a rollout
// scanner (§4.9) tails its transcript and forwards what it sees to the
// session link. The branch ends on child exit or the first remote
// message / RPC switch.
func (s *Supervisor) runLocalBranch(ctx context.Context) (exitReason, error) {
	localCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.scanner = rollout.NewScanner(s.rolloutRoot(), s.cfg.Directory, s.cfg.ResumeSessionID, s.cfg.AllowAllRollouts, s.forwardRolloutMessage, s.logger)
	if err := s.scanner.Start(); err != nil {
		s.logger.Warn("rollout scanner failed to start, local messages will not sync", zap.Error(err))
	}
	defer s.scanner.Stop()

	cmd := exec.CommandContext(localCtx, s.cfg.AgentBinary, s.cfg.AgentArgs...)
	cmd.Dir = s.cfg.Directory
	cmd.Env = os.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return exitExit, err
	}

	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	interrupted := make(chan struct{}, 1)
	s.queue.SetOnMessage(func() {
		select {
		case interrupted <- struct{}{}:
		default:
		}
	})
	defer s.queue.SetOnMessage(nil)

	for {
		select {
		case err := <-childDone:
			if err != nil {
				s.logger.Info("local agent process exited", zap.Error(err))
			}
			return exitExit, nil
		case <-interrupted:
			s.recordSwitchHint()
			return exitSwitch, nil
		case <-ctx.Done():
			return exitExit, nil
		}
	}
}

// rolloutRoot picks the transcript root for the configured flavor — only
// Codex writes a JSONL rollout the scanner understands (§4.9).
func (s *Supervisor) rolloutRoot() string {
	if s.cfg.Flavor == model.FlavorCodex {
		return filepath.Join(s.cfg.Env.CodexHomeDir, "sessions")
	}
	return s.cfg.Directory
}

// forwardRolloutMessage is the scanner's Forwarder (§4.9 step 4), pushing
// a translated canonical message straight to the session link.
func (s *Supervisor) forwardRolloutMessage(msg rollout.CanonicalMessage) error {
	return s.sessionClient.SendMessage(newEvent(msg.Type, map[string]any{
		"callId": msg.CallID,
		"text":   msg.Text,
		"tool":   msg.Tool,
		"args":   msg.Args,
		"output": msg.Output,
		"data":   msg.Data,
	}))
}

// recordSwitchHint remembers the scanner's tracked rollout path so the
// remote branch can pass it as a resume hint if it starts a fresh
// agent-driver session (§4.6 local branch: "latest rollout file recorded
// for resume").
func (s *Supervisor) recordSwitchHint() {
	if s.scanner == nil {
		return
	}
	if path := s.scanner.TrackedPath(); path != "" {
		s.lastRollout = path
	}
}
