package daemonsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/happy/internal/model"
)

// The methods in this file satisfy control.DaemonOps (the loopback HTTP
// surface, §4.8) and the three machine-namespaced RPC handlers (§4.4),
// both driving the same spawnSession/stopSession/shutdown logic so the
// two entry points never diverge.

// SessionStarted implements control.DaemonOps — the session-started
// webhook (§4.8 POST /session-started).
func (d *Daemon) SessionStarted(hostPID int, sessionID string, metadata map[string]any) bool {
	return d.children.resolveWebhook(hostPID, sessionID, metadata)
}

// ListSessions implements control.DaemonOps (§4.8 GET /list).
func (d *Daemon) ListSessions() []model.ProcessRecord {
	return d.children.list()
}

// SpawnSession implements control.DaemonOps and backs both the loopback
// POST /spawn-session and the RPC spawn-happy-session method (§4.7).
func (d *Daemon) SpawnSession(ctx context.Context, directory, sessionID string) (model.ProcessRecord, error) {
	directoryCreated := false
	if _, err := os.Stat(directory); os.IsNotExist(err) {
		if err := os.MkdirAll(directory, 0755); err != nil {
			return model.ProcessRecord{}, fmt.Errorf("daemonsvc: create directory %s: %w", directory, err)
		}
		directoryCreated = true
	}

	args := []string{"start", "--started-by", "daemon", "--directory", directory}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	cmd := exec.Command(d.cfg.HappyBinaryPath, args...)
	cmd.Dir = directory
	cmd.Env = os.Environ()
	setProcGroup(cmd)

	logFile, err := os.OpenFile(d.store.HomeDir()+"/logs/sessions.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return model.ProcessRecord{}, fmt.Errorf("daemonsvc: spawn session: %w", err)
	}
	pid := cmd.Process.Pid

	await := d.children.registerSpawned(pid, sessionID, directory, "", directoryCreated)

	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		d.children.remove(pid)
	}()

	rec := await()
	if rec.SessionID == "" {
		d.logger.Warn("spawn-happy-session timed out waiting for self-registration webhook", zap.Int("pid", pid))
	}
	return rec, nil
}

// StopSession implements control.DaemonOps (§4.7 stop-session / §4.8
// POST /stop-session).
func (d *Daemon) StopSession(ctx context.Context, sessionID string) bool {
	pid, ok := d.children.findBySessionID(sessionID)
	if !ok {
		return false
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		d.logger.Warn("SIGTERM failed", zap.Int("pid", pid), zap.Error(err))
	}
	d.children.remove(pid)
	return true
}

// Shutdown implements control.DaemonOps (§4.8 POST /stop) — signals Run's
// select loop to begin the cleanup sequence in §4.7 step 9.
func (d *Daemon) Shutdown() {
	select {
	case <-d.shutdownOnce:
	default:
		close(d.shutdownOnce)
	}
}

func (d *Daemon) rpcSpawnHappySession(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Directory string `json:"directory"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid spawn-happy-session params: %w", err)
	}
	rec, err := d.SpawnSession(ctx, req.Directory, req.SessionID)
	if err != nil {
		return nil, err
	}
	if rec.SessionID == "" {
		return nil, fmt.Errorf("timed out waiting for session %d to register", rec.PID)
	}
	return map[string]string{"sessionId": rec.SessionID}, nil
}

func (d *Daemon) rpcStopSession(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid stop-session params: %w", err)
	}
	if !d.StopSession(ctx, req.SessionID) {
		return nil, fmt.Errorf("session %s not found", req.SessionID)
	}
	return map[string]string{"message": "stopped"}, nil
}

func (d *Daemon) rpcStopDaemon(ctx context.Context, params json.RawMessage) (any, error) {
	go d.Shutdown()
	return map[string]bool{"ok": true}, nil
}
