package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// cleanup implements §4.6's shutdown ordering: mark the session archived,
// send a death notice, flush and close the link, reset the permission
// broker, exit — all bounded by a 2s hard timeout so a hung step never
// blocks process exit.
func (s *Supervisor) cleanup(runErr error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runCleanupSteps(runErr)
	}()

	select {
	case <-done:
	case <-time.After(shutdownHardTimeout):
		s.logger.Warn("cleanup exceeded hard timeout, forcing exit")
	}
}

func (s *Supervisor) runCleanupSteps(runErr error) {
	reason := "exit"
	if runErr != nil {
		reason = runErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownHardTimeout)
	defer cancel()

	if s.sessionClient != nil {
		archivedBy := "cli"
		if s.cfg.StartedBy == "daemon" {
			archivedBy = "daemon"
		}
		_ = s.sessionClient.UpdateMetadata(ctx, map[string]any{
			"lifecycleState": "archived",
			"archivedBy":     archivedBy,
			"archiveReason":  reason,
		}, s.metadataVer)

		_ = s.sessionClient.Emit("session.death", map[string]string{"reason": reason})

		if err := s.sessionClient.Flush(ctx); err != nil {
			s.logger.Debug("flush before close failed", zap.Error(err))
		}
		s.sessionClient.Close()
	}

	if s.scanner != nil {
		s.scanner.Stop()
	}

	s.broker.Reset()

	if runErr != nil {
		s.logger.Info("session supervisor exiting", zap.Error(runErr))
	} else {
		s.logger.Info("session supervisor exiting cleanly")
	}
}
