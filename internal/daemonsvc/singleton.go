package daemonsvc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/kandev/happy/internal/control"
	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/settings"
	"github.com/kandev/happy/internal/version"
)

// acquireSingleton runs the startup sequence of §4.7 steps 1-2: consult the
// daemon state file, stop a version-mismatched predecessor if one is
// running, and take the exclusive lock file that holds the singleton for
// this process's lifetime. Grounded on steveyegge-gastown/internal/daemon's
// flock.TryLock pattern, extended with the spec's version-mismatch
// stop-then-acquire step that gastown's daemon doesn't have.
func acquireSingleton(ctx context.Context, store *settings.Store, logger *zap.Logger) (*flock.Flock, error) {
	if existing, err := store.ReadDaemonState(); err == nil {
		switch {
		case processAlive(existing.PID) && existing.Version == version.Current:
			return nil, fmt.Errorf("daemon already running (pid %d, version %s)", existing.PID, existing.Version)
		case processAlive(existing.PID):
			logger.Info("stopping version-mismatched daemon",
				zap.Int("pid", existing.PID), zap.String("oldVersion", existing.Version), zap.String("newVersion", version.Current))
			if err := stopRunning(ctx, existing); err != nil {
				logger.Warn("graceful stop of predecessor failed, sending SIGKILL", zap.Error(err))
				_ = syscall.Kill(existing.PID, syscall.SIGKILL)
			}
			if err := awaitDeath(existing.PID, 10*time.Second); err != nil {
				return nil, fmt.Errorf("predecessor daemon (pid %d) did not exit: %w", existing.PID, err)
			}
		default:
			logger.Info("stale daemon state file, pid not alive, cleaning up", zap.Int("pid", existing.PID))
		}
		_ = store.RemoveDaemonState()
	}

	lockPath := filepath.Join(store.HomeDir(), "daemon.lock")
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemonsvc: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon already running (lock held by another process)")
	}
	return fileLock, nil
}

// stopRunning asks a running daemon to shut down over its own loopback
// control surface before falling back to SIGKILL.
func stopRunning(ctx context.Context, state *model.DaemonStateFile) error {
	if state.ControlPort == 0 {
		return fmt.Errorf("no control port recorded")
	}
	client := control.NewClient(state.ControlPort, state.ControlToken)
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.StopDaemon(stopCtx)
}

func awaitDeath(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if processAlive(pid) {
		return fmt.Errorf("pid %d still alive after %s", pid, timeout)
	}
	return nil
}

// generateControlToken produces the per-daemon shared secret recorded in
// daemon.state.json's controlToken field (DESIGN.md Open Question #1).
func generateControlToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ensureCredentials makes sure credentials.json exists so later stages
// (machine registration, sync links) have a token to present. It does not
// create the file or generate keys for the envelope layer.
func ensureCredentials(store *settings.Store) (*model.Credentials, error) {
	creds, err := store.ReadCredentials()
	if err == nil {
		return creds, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	return nil, fmt.Errorf("daemonsvc: no credentials.json found; this machine is not enrolled")
}
