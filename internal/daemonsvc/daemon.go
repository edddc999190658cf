// Package daemonsvc is the machine daemon (§4.7): singleton lifecycle,
// credential/machine registration, the loopback control surface, child
// session supervision, and self-upgrade. Grounded on
// steveyegge-gastown/internal/daemon/daemon.go for the overall Run
// skeleton (flock singleton, signal handling, fixed heartbeat timer,
// deferred cleanup) and on the teacher's
// internal/agentctl/instance/manager.go for the child-process registry
// shape, generalized from gastown's patrol-agent domain and the teacher's
// container-instance domain to this spec's session-process domain.
package daemonsvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/kandev/happy/internal/backend"
	"github.com/kandev/happy/internal/control"
	"github.com/kandev/happy/internal/envelope"
	"github.com/kandev/happy/internal/herr"
	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
	"github.com/kandev/happy/internal/settings"
	"github.com/kandev/happy/internal/syncclient"
	"github.com/kandev/happy/internal/version"
)

// Config carries everything the daemon needs to start that isn't already
// implied by $HAPPY_HOME_DIR.
type Config struct {
	Env               settings.Env
	HappyBinaryPath   string // path to this CLI binary, used to spawn sessions
	HeartbeatInterval time.Duration
}

// Daemon is the single machine-scoped background process.
type Daemon struct {
	cfg    Config
	store  *settings.Store
	logger *obslog.Logger

	lock          *flock.Flock
	state         *model.DaemonStateFile
	backendClient *backend.Client
	machineClient *syncclient.MachineClient
	controlSrv    *control.Server
	children      *children
	stopCaffeine  func()

	shutdownOnce chan struct{}
}

// New constructs a Daemon. Call Run to execute the full startup sequence.
func New(cfg Config, logger *obslog.Logger) *Daemon {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = cfg.Env.DaemonHeartbeatInterval
	}
	return &Daemon{
		cfg:          cfg,
		store:        settings.NewStore(cfg.Env.HomeDir),
		logger:       logger.With(zap.String("component", "daemon")),
		children:     newChildren(),
		shutdownOnce: make(chan struct{}),
	}
}

// Run executes §4.7's full startup sequence and blocks until ctx is
// cancelled or a fatal shutdown is requested, then runs cleanup.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.store.EnsureLayout(); err != nil {
		return err
	}

	lock, err := acquireSingleton(ctx, d.store, d.logger.Zap())
	if err != nil {
		return err
	}
	d.lock = lock
	defer func() { _ = d.lock.Unlock() }()

	stopCaffeine, err := startCaffeinate()
	if err != nil {
		d.logger.Warn("caffeinate failed to start, continuing without it", zap.Error(err))
		stopCaffeine = func() {}
	}
	d.stopCaffeine = stopCaffeine

	creds, err := ensureCredentials(d.store)
	if err != nil {
		return err
	}
	legacyKey, err := envelope.DecodeSecretboxKey(creds.DataKeyB64)
	if err != nil {
		return fmt.Errorf("daemonsvc: missing or invalid encryption key in credentials.json: %w", err)
	}

	d.backendClient = backend.NewClient(d.cfg.Env.ServerURL, creds.Token, d.logger)
	machine, err := d.ensureMachine(ctx, creds)
	if err != nil {
		return fmt.Errorf("daemonsvc: ensure machine: %w", err)
	}

	token, err := generateControlToken()
	if err != nil {
		return fmt.Errorf("daemonsvc: generate control token: %w", err)
	}

	d.controlSrv = control.NewServer(d, token, d.logger)
	port, err := d.controlSrv.Listen(0)
	if err != nil {
		return fmt.Errorf("daemonsvc: start control server: %w", err)
	}

	d.state = &model.DaemonStateFile{
		PID:          os.Getpid(),
		StartedAt:    time.Now(),
		Version:      version.Current,
		ControlPort:  port,
		ControlToken: token,
		MachineID:    machine.ID,
		Sessions:     map[string]model.TrackedSession{},
	}
	if err := d.store.WriteDaemonState(d.state); err != nil {
		return fmt.Errorf("daemonsvc: write daemon state: %w", err)
	}
	defer func() { _ = d.store.RemoveDaemonState() }()

	d.machineClient = syncclient.NewMachineClient(wsURL(d.cfg.Env.ServerURL), creds.Token, machine.ID, legacyKey, d.logger)
	rpcMethods := d.rpcMethodNames(machine.ID)
	d.machineClient.OnReconnect(func(reconnectCtx context.Context) {
		_ = d.machineClient.RegisterRPC(reconnectCtx, rpcMethods[:])
	})
	d.machineClient.RegisterHandler(rpcMethods[0], d.rpcSpawnHappySession)
	d.machineClient.RegisterHandler(rpcMethods[1], d.rpcStopSession)
	d.machineClient.RegisterHandler(rpcMethods[2], d.rpcStopDaemon)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)
	go func() { errCh <- d.machineClient.Run(runCtx) }()
	go func() { errCh <- d.controlSrv.Serve(runCtx) }()
	go d.heartbeatLoop(runCtx)

	select {
	case <-runCtx.Done():
	case <-sigCh:
		d.logger.Info("received shutdown signal")
	case <-d.shutdownOnce:
		d.logger.Info("shutdown requested via control surface")
	case err := <-errCh:
		if err != nil {
			d.logger.Warn("daemon subsystem exited", zap.Error(err))
		}
	}

	cancel()
	d.stopCaffeine()
	d.machineClient.Close()
	return nil
}

func (d *Daemon) ensureMachine(ctx context.Context, creds *model.Credentials) (*model.Machine, error) {
	host, _ := os.Hostname()
	machineID, err := d.store.ResolveMachineID(host)
	if err != nil {
		return nil, fmt.Errorf("daemonsvc: resolve machineId: %w", err)
	}
	req := backend.CreateMachineRequest{ID: machineID}
	payload, err := d.backendClient.CreateMachine(ctx, req)
	if errors.Is(err, herr.AuthFailure) {
		return nil, fmt.Errorf("daemonsvc: machine registration refused; run `happy doctor clean` and retry: %w", err)
	}
	if err != nil {
		d.logger.Warn("machine registration unavailable, synthesizing local machine", zap.Error(err))
		return &model.Machine{
			ID:        req.ID,
			Host:      host,
			Platform:  runtime.GOOS,
			Version:   version.Current,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}, nil
	}
	return &model.Machine{
		ID:        payload.ID,
		Host:      host,
		Platform:  runtime.GOOS,
		Version:   version.Current,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}, nil
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	interval := d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.children.pruneDead()
			if err := d.machineClient.Heartbeat(); err != nil {
				d.logger.Warn("heartbeat failed", zap.Error(err))
			}
			if err := d.machineClient.ReportSessionList(ctx, d.children.list()); err != nil {
				d.logger.Warn("session list report failed", zap.Error(err))
			}
			d.checkSelfUpgrade()
			timer.Reset(interval)
		}
	}
}

// checkSelfUpgrade compares the on-disk CLI version against our own
// compiled-in version (§4.7's "self-upgrade when the on-disk CLI is newer
// than its own") and triggers a stop-and-relaunch if they differ.
func (d *Daemon) checkSelfUpgrade() {
	installed, err := version.ReadInstalled(filepath.Join(filepath.Dir(d.cfg.HappyBinaryPath), "VERSION"))
	if err != nil || installed == "" || installed == version.Current {
		return
	}
	d.logger.Info("newer CLI version detected, self-upgrading",
		zap.String("installed", installed), zap.String("running", version.Current))

	cmd := exec.Command(d.cfg.HappyBinaryPath, "daemon", "start")
	cmd.Stdout = nil
	cmd.Stderr = nil
	setProcGroup(cmd)
	if err := cmd.Start(); err != nil {
		d.logger.Error("failed to spawn upgraded daemon", zap.Error(err))
		return
	}
	d.Shutdown()
}

func wsURL(serverURL string) string {
	if strings.HasPrefix(serverURL, "https://") {
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	}
	if strings.HasPrefix(serverURL, "http://") {
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	}
	return serverURL
}

// rpcMethodNames returns the three machine-namespaced RPC method names
// this daemon registers (§4.4 RPC method table): spawn-happy-session,
// stop-session, stop-daemon, in that order.
func (d *Daemon) rpcMethodNames(machineID string) [3]string {
	return [3]string{
		fmt.Sprintf("%s:spawn-happy-session", machineID),
		fmt.Sprintf("%s:stop-session", machineID),
		fmt.Sprintf("%s:stop-daemon", machineID),
	}
}
