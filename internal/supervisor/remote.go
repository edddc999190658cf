package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/happy/internal/agentdriver"
	"github.com/kandev/happy/internal/model"
)

// runModeLoop is §4.6's "Enter mode loop": alternate between the local
// (TTY-attached) branch and the remote (MCP-driven) branch until
// shouldExit is set.
func (s *Supervisor) runModeLoop(ctx context.Context) error {
	for !s.shouldExit.Load() {
		var reason exitReason
		var err error

		switch s.currentMode() {
		case model.ModeLocal:
			reason, err = s.runLocalBranch(ctx)
		default:
			reason, err = s.runRemoteBranch(ctx)
		}

		if err != nil {
			return err
		}

		switch reason {
		case exitSwitch:
			if s.currentMode() == model.ModeLocal {
				s.mode.Store(model.ModeRemote)
			} else {
				s.mode.Store(model.ModeLocal)
			}
		case exitExit:
			s.shouldExit.Store(true)
		}
	}
	return nil
}

// runRemoteBranch implements §4.6's remote branch: connect the agent via
// its MCP driver, install the elicitation handler, and run the turn loop.
func (s *Supervisor) runRemoteBranch(ctx context.Context) (exitReason, error) {
	driver, err := agentdriver.New(s.cfg.Flavor, s.cfg.AgentBinary, s.cfg.AgentArgs, s.logger)
	if err != nil {
		return exitExit, fmt.Errorf("supervisor: build agent driver: %w", err)
	}
	if err := driver.Connect(ctx); err != nil {
		return exitExit, fmt.Errorf("supervisor: connect agent driver: %w", err)
	}
	defer func() { _ = driver.Disconnect() }()

	driver.SetElicitationHandler(func(elicitCtx context.Context, req agentdriver.ElicitationRequest) (agentdriver.ElicitationDecision, error) {
		resp, err := s.broker.Request(elicitCtx, model.PermissionRequest{
			ID:        req.CallID,
			SessionID: s.session.ID,
			ToolName:  string(req.Kind),
			ToolInput: map[string]any{"command": req.Command, "cwd": req.Cwd, "changes": req.Changes},
			Reason:    req.Reason,
		})
		if err != nil {
			return agentdriver.ElicitationDecision{Decision: string(model.DecisionAbort)}, nil
		}
		var amendment []string
		if resp.Decision == model.DecisionApprovedWithAmend {
			if raw, ok := resp.Amendment["amendment"].([]string); ok {
				amendment = raw
			}
		}
		return agentdriver.ElicitationDecision{Decision: string(resp.Decision), Amendment: amendment}, nil
	})

	sessionStarted := false
	for {
		if s.switchRequested.CompareAndSwap(true, false) {
			return exitSwitch, nil
		}

		batch, err := s.queue.WaitForBatch(ctx, "\n\n")
		if err != nil {
			return exitExit, err
		}
		if batch == nil {
			if s.shouldExit.Load() {
				return exitExit, nil
			}
			if s.switchRequested.CompareAndSwap(true, false) {
				return exitSwitch, nil
			}
			continue
		}

		turnCtx := s.newAbortContext(ctx)

		if sessionStarted {
			if err := driver.ContinueSession(turnCtx, batch.Text); err != nil {
				s.handleTurnError(err)
				continue
			}
		} else {
			params := agentdriver.ModeParams[string(s.currentPermissionMode())]
			cfg := agentdriver.StartConfig{
				Prompt:         batch.Text,
				Sandbox:        params.Sandbox,
				ApprovalPolicy: params.Approval,
				Cwd:            s.cfg.Directory,
				Model:          s.currentModelOverride(),
				ResumePath:     s.lastRollout,
			}
			if err := driver.StartSession(turnCtx, cfg); err != nil {
				s.handleTurnError(err)
				continue
			}
			sessionStarted = true
		}

		completed, aborted := s.drainTurnEvents(turnCtx, driver)
		switch {
		case aborted:
			s.handleTurnError(context.Canceled)
			sessionStarted = false // stale: next message reinitializes the agent session
		case !completed:
			s.handleTurnError(errors.New("agent driver event stream closed"))
			return exitExit, nil
		}

		if s.switchRequested.CompareAndSwap(true, false) {
			return exitSwitch, nil
		}
	}
}

// drainTurnEvents routes every event the agent driver streams for the
// current turn (§4.6 step 4). completed is true once task_complete or
// turn_aborted is seen; aborted is true if ctx was cancelled first
// (operator abort); if neither, the driver's event stream closed
// unexpectedly (process death).
func (s *Supervisor) drainTurnEvents(ctx context.Context, driver agentdriver.Driver) (completed, aborted bool) {
	for {
		select {
		case <-ctx.Done():
			return false, true
		case ev, ok := <-driver.Events():
			if !ok {
				return false, false
			}
			if done := s.routeEvent(ev); done {
				return true, false
			}
		}
	}
}

// routeEvent applies §4.6 step 4's per-kind handling. Returns true when
// the event concludes the current turn (task_complete/turn_aborted).
func (s *Supervisor) routeEvent(ev agentdriver.Event) bool {
	switch ev.Kind {
	case agentdriver.EventAgentMessage:
		s.emit("message", map[string]any{"text": ev.Text})

	case agentdriver.EventReasoningDelta:
		s.reasoning.Delta(ev.Text)
		if call, ok := s.reasoning.Synthesize(); ok {
			s.emit("tool-call", map[string]any{"name": call.Name, "input": call.Input})
		}
	case agentdriver.EventReasoning:
		s.reasoning.Full(ev.Text)
		if call, ok := s.reasoning.Synthesize(); ok {
			s.emit("tool-call", map[string]any{"name": call.Name, "input": call.Input})
		}

	case agentdriver.EventExecBegin:
		s.emit("tool-call", map[string]any{"itemId": ev.ItemID, "command": ev.Command, "cwd": ev.Cwd})
	case agentdriver.EventExecEnd:
		exitCode := -1
		if ev.ExitCode != nil {
			exitCode = *ev.ExitCode
		}
		s.emit("tool-call-result", map[string]any{"itemId": ev.ItemID, "exitCode": exitCode})
	case agentdriver.EventExecApproval:
		s.emit("tool-call", map[string]any{"itemId": ev.ItemID, "approval": ev.Approval})

	case agentdriver.EventPatchApplyBegin:
		s.emit("tool-call", map[string]any{"itemId": ev.ItemID, "name": "CodexPatch", "diff": ev.Diff})
	case agentdriver.EventPatchApplyEnd:
		s.emit("tool-call-result", map[string]any{"itemId": ev.ItemID, "name": "CodexPatch"})

	case agentdriver.EventTurnDiff:
		if summary, changed := s.diff.Process(ev.Diff); changed {
			s.emit("turn-diff", map[string]any{"diff": summary.Text, "additions": summary.Additions, "deletions": summary.Deletions})
		}

	case agentdriver.EventTokenCount:
		fields := map[string]any{}
		if ev.Usage != nil {
			fields["total"] = ev.Usage.Total
			fields["input"] = ev.Usage.Input
			fields["output"] = ev.Usage.Output
			fields["cacheCreation"] = ev.Usage.CacheCreation
			fields["cacheRead"] = ev.Usage.CacheRead
		}
		s.emit("token_count", fields)

	case agentdriver.EventTaskStarted:
		s.thinking.Store(true)
		_ = s.sessionClient.KeepAlive()

	case agentdriver.EventTaskComplete, agentdriver.EventTurnAborted:
		s.finishTurn()
		return true
	}
	return false
}

// finishTurn is §4.6 step 4's task_complete/turn_aborted handling and
// step 6's "finally" — reset processors, clear thinking, emit ready.
func (s *Supervisor) finishTurn() {
	s.thinking.Store(false)
	s.reasoning.Reset()
	s.diff.Reset()
	s.broker.Reset()
	_ = s.sessionClient.KeepAlive()
	if s.queue.Len() == 0 {
		s.emit("ready", nil)
	}
}

// handleTurnError implements §4.6 step 5: AbortError surfaces as a
// user-visible "Aborted by user"; anything else as a generic crash notice.
func (s *Supervisor) handleTurnError(err error) {
	if errors.Is(err, context.Canceled) {
		s.emit("message", map[string]any{"text": "Aborted by user", "role": "system"})
	} else {
		s.logger.Error("agent session error", zap.Error(err))
		s.emit("message", map[string]any{"text": "Process exited unexpectedly", "role": "system"})
	}
	s.finishTurn()
}
