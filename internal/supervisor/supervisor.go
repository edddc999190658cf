// Package supervisor drives a single interactive coding-agent session
// end-to-end (§4.6): local TTY attachment, remote-mode turn loop, mode
// switching, aborts, and the loopback self-registration webhook that ties
// this process's pid to a sessionId for the daemon's child registry.
// Grounded on the teacher's internal/agentctl/process/manager.go (status
// enum, startMu-guarded start, stopCh/doneCh/wg graceful-then-forced
// shutdown), generalized from "one process, one status" to "one session,
// mode-switching turn loop".
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/happy/internal/backend"
	"github.com/kandev/happy/internal/control"
	"github.com/kandev/happy/internal/coordination"
	"github.com/kandev/happy/internal/envelope"
	"github.com/kandev/happy/internal/herr"
	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
	"github.com/kandev/happy/internal/permission"
	"github.com/kandev/happy/internal/rollout"
	"github.com/kandev/happy/internal/settings"
	"github.com/kandev/happy/internal/syncclient"
	"github.com/kandev/happy/internal/version"
)

// keepAliveInterval is §4.6 step 6's fixed cadence.
const keepAliveInterval = 2 * time.Second

// shutdownHardTimeout bounds the cleanup sequence (§4.6's "A 2-second
// hard-timeout timer forces exit(0) if any step hangs").
const shutdownHardTimeout = 2 * time.Second

// exitReason names why the mode loop or process is tearing down.
type exitReason string

const (
	exitNone   exitReason = ""
	exitSwitch exitReason = "switch"
	exitExit   exitReason = "exit"
)

// Config carries everything a session needs that isn't already implied by
// $HAPPY_HOME_DIR (§6.1's session-supervisor flags).
type Config struct {
	Env             settings.Env
	Tag             string
	Directory       string
	Flavor          model.AgentFlavor
	StartedBy       string // "daemon" or "terminal"
	StartingMode    model.SessionMode
	ResumeSessionID string
	// Metadata is the pre-encrypted session metadata blob a spawning
	// daemon passes through `--metadata` (§6.1); empty for a terminal-
	// started session, which instead lets the backend mint a fresh one.
	Metadata        string
	AgentBinary     string
	AgentArgs       []string
	DaemonPort      int // 0: no daemon to notify (standalone CLI run)
	DaemonToken     string
	// AllowAllRollouts disables the rollout scanner's cwd/recency matching
	// and tracks every session file it finds (`happy codex --all`).
	AllowAllRollouts bool
}

// Supervisor is the per-process session driver.
type Supervisor struct {
	cfg    Config
	store  *settings.Store
	logger *obslog.Logger

	backendClient *backend.Client
	sessionClient *syncclient.SessionClient
	broker        *permission.Broker
	queue         *coordination.ModeQueue
	diff          *diffProcessor
	reasoning     *reasoningProcessor
	scanner       *rollout.Scanner

	machine *model.Machine
	session *model.Session

	mode           atomic.Value // model.SessionMode
	permissionMode atomic.Value // model.PermissionMode
	modelOverride  atomic.Value // string
	thinking       atomic.Bool
	shouldExit     atomic.Bool

	abortMu     sync.Mutex
	abortCancel context.CancelFunc

	metaMu        sync.Mutex
	metadataVer   int
	agentStateVer int

	lastRollout     string // resume hint carried across a mode switch
	switchRequested atomic.Bool
}

// New constructs a Supervisor. Call Run to execute the full startup
// sequence and the mode loop.
func New(cfg Config, logger *obslog.Logger) *Supervisor {
	if cfg.StartingMode == "" {
		cfg.StartingMode = model.ModeLocal
	}
	s := &Supervisor{
		cfg:    cfg,
		store:  settings.NewStore(cfg.Env.HomeDir),
		logger: logger.With(zap.String("component", "supervisor"), zap.String("tag", cfg.Tag)),
		broker: permission.NewBroker(),
		queue:  coordination.NewModeQueue(),
		diff:   newDiffProcessor(),
	}
	s.reasoning = newReasoningProcessor(s.broker)
	s.mode.Store(cfg.StartingMode)
	s.permissionMode.Store(model.PermissionDefault)
	s.modelOverride.Store("")
	return s
}

// Run executes §4.6's per-session-startup sequence then the mode loop,
// returning only once the session has fully exited.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.store.EnsureLayout(); err != nil {
		return fmt.Errorf("supervisor: ensure layout: %w", err)
	}

	creds, err := s.store.ReadCredentials()
	if err != nil || creds.Token == "" {
		return fmt.Errorf("supervisor: no machineId available, run `happy doctor` first: %w", err)
	}
	legacyKey, err := envelope.DecodeSecretboxKey(creds.DataKeyB64)
	if err != nil {
		return fmt.Errorf("supervisor: missing or invalid encryption key in credentials.json: %w", err)
	}

	s.backendClient = backend.NewClient(s.cfg.Env.ServerURL, creds.Token, s.logger)

	host, _ := os.Hostname()
	machineID, err := s.store.ResolveMachineID(host)
	if err != nil {
		return fmt.Errorf("supervisor: resolve machineId: %w", err)
	}
	machine, err := s.backendClient.CreateMachine(ctx, backend.CreateMachineRequest{ID: machineID})
	if errors.Is(err, herr.AuthFailure) {
		return fmt.Errorf("supervisor: machine registration refused; run `happy doctor clean` and retry: %w", err)
	}
	if err != nil {
		s.logger.Warn("machine registration unavailable, proceeding offline", zap.Error(err))
		s.machine = &model.Machine{ID: machineID, Host: host, Platform: runtime.GOOS, Version: version.Current}
	} else {
		s.machine = &model.Machine{ID: machine.ID, Host: host, Platform: runtime.GOOS, Version: version.Current}
		if sf, err := s.store.ReadSettings(); err == nil && !sf.MachineIDConfirmedByServer {
			sf.MachineIDConfirmedByServer = true
			if err := s.store.WriteSettings(sf); err != nil {
				s.logger.Debug("failed to persist machineIdConfirmedByServer", zap.Error(err))
			}
		}
	}

	sessionPayload, err := s.backendClient.CreateSession(ctx, backend.CreateSessionRequest{Tag: s.cfg.Tag, Metadata: s.cfg.Metadata})
	if err != nil {
		s.logger.Warn("session registration unavailable, proceeding offline", zap.Error(err))
		s.session = &model.Session{ID: s.cfg.Tag, Tag: s.cfg.Tag, MachineID: s.machine.ID, Flavor: s.cfg.Flavor, Cwd: s.cfg.Directory, Mode: s.cfg.StartingMode, Active: true}
	} else {
		s.session = &model.Session{ID: sessionPayload.ID, Tag: sessionPayload.Tag, MachineID: s.machine.ID, Flavor: s.cfg.Flavor, Cwd: s.cfg.Directory, Mode: s.cfg.StartingMode, Active: true, MetadataVer: sessionPayload.MetadataVersion, AgentStateVer: sessionPayload.AgentStateVersion}
	}
	s.metadataVer = s.session.MetadataVer
	s.agentStateVer = s.session.AgentStateVer

	s.sessionClient = syncclient.NewSessionClient(wsURL(s.cfg.Env.ServerURL), creds.Token, s.session.ID, legacyKey, s.logger)
	s.sessionClient.OnMessage(s.handleInboundMessage)
	s.sessionClient.OnModeSwitch(func(string) { s.requestSwitch() })
	s.sessionClient.RegisterHandler("abort", s.rpcAbort)
	s.sessionClient.RegisterHandler("switch", s.rpcSwitch)
	s.sessionClient.RegisterHandler("permission", s.rpcPermission)
	s.sessionClient.OnReconnect(func(reconnectCtx context.Context) {
		_ = s.sessionClient.RegisterRPC(reconnectCtx, []string{"abort", "switch", "permission"})
	})

	if err := s.notifyDaemon(ctx); err != nil {
		s.logger.Warn("daemon self-registration webhook failed, continuing standalone", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	linkErrCh := make(chan error, 1)
	go func() { linkErrCh <- s.sessionClient.Run(runCtx) }()

	keepAliveDone := make(chan struct{})
	go s.keepAliveLoop(runCtx, keepAliveDone)

	modeErr := s.runModeLoop(runCtx)

	cancel()
	<-keepAliveDone

	s.cleanup(modeErr)
	return modeErr
}

// notifyDaemon implements §4.6 step 5: tell the daemon which sessionId
// owns this pid, so GET /list can report it as `startedBy=daemon`.
func (s *Supervisor) notifyDaemon(ctx context.Context) error {
	if s.cfg.DaemonPort == 0 {
		return nil
	}
	client := control.NewClient(s.cfg.DaemonPort, s.cfg.DaemonToken)
	return client.NotifySessionStarted(ctx, s.session.ID, map[string]any{
		"hostPid": os.Getpid(),
		"cwd":     s.cfg.Directory,
	})
}

func (s *Supervisor) keepAliveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sessionClient.KeepAlive(); err != nil {
				s.logger.Debug("keepalive failed", zap.Error(err))
			}
		}
	}
}

// handleInboundMessage is the session link's new-message handler. It
// decodes the per-message permissionMode/model overrides (sticky per
// §4.6's core state), then enqueues the text keyed by the resulting
// approval-policy/sandbox configuration so WaitForBatch partitions turns
// exactly where that configuration changes.
func (s *Supervisor) handleInboundMessage(payload []byte) {
	msg, err := decodeInboundMessage(payload)
	if err != nil {
		s.logger.Warn("dropping malformed inbound message", zap.Error(err))
		return
	}
	if msg.PermissionMode != "" {
		s.permissionMode.Store(msg.PermissionMode)
	}
	if msg.Model != "" {
		s.modelOverride.Store(msg.Model)
	}
	s.queue.Push(string(s.currentPermissionMode()), msg.Text)
}

func (s *Supervisor) currentMode() model.SessionMode           { return s.mode.Load().(model.SessionMode) }
func (s *Supervisor) currentPermissionMode() model.PermissionMode { return s.permissionMode.Load().(model.PermissionMode) }
func (s *Supervisor) currentModelOverride() string             { return s.modelOverride.Load().(string) }

// newAbortContext replaces the active abortController (§4.6's "abortController:
// a cancel token recreated per turn").
func (s *Supervisor) newAbortContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.abortMu.Lock()
	s.abortCancel = cancel
	s.abortMu.Unlock()
	return ctx
}

// abort cancels the current turn's abortController without tearing down
// the session registration or the sync link (§4.6 "Abort vs. kill").
func (s *Supervisor) abort() {
	s.abortMu.Lock()
	cancel := s.abortCancel
	s.abortMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.queue.Reset()
	s.broker.Reset()
	s.diff.Reset()
	s.reasoning.Reset()
	s.thinking.Store(false)
}

// requestSwitch marks that the operator (or a local keypress forwarded as
// an RPC) wants to flip local/remote mode; the mode loop observes this
// between turns and at the top of an idle wait (§4.6's "RPC switch fires").
func (s *Supervisor) requestSwitch() { s.switchRequested.Store(true) }

func (s *Supervisor) rpcAbort(ctx context.Context, params json.RawMessage) (any, error) {
	s.abort()
	return map[string]bool{"ok": true}, nil
}

func (s *Supervisor) rpcSwitch(ctx context.Context, params json.RawMessage) (any, error) {
	s.requestSwitch()
	return map[string]bool{"ok": true}, nil
}

// permissionRPCParams is the wire shape §4.5's Response RPC delivers:
// {id, approved, decision?, execPolicyAmendment?}. decision is optional —
// when absent, approved maps onto approved/denied per the mapping table.
type permissionRPCParams struct {
	ID                  string         `json:"id"`
	Approved            bool           `json:"approved"`
	Decision            string         `json:"decision,omitempty"`
	ExecPolicyAmendment map[string]any `json:"execPolicyAmendment,omitempty"`
}

// rpcPermission implements §4.5's Response RPC, the only path by which an
// operator's decision ever reaches a pending broker.Request call.
func (s *Supervisor) rpcPermission(ctx context.Context, params json.RawMessage) (any, error) {
	var p permissionRPCParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("supervisor: decode permission params: %w", err)
	}

	decision := model.PermissionDecision(p.Decision)
	if decision == "" {
		if p.Approved {
			decision = model.DecisionApproved
		} else {
			decision = model.DecisionDenied
		}
	}

	resp := model.PermissionResponse{
		RequestID: p.ID,
		Decision:  decision,
		Amendment: p.ExecPolicyAmendment,
	}
	if err := s.broker.Respond(resp); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func wsURL(serverURL string) string {
	for _, pair := range [][2]string{{"https://", "wss://"}, {"http://", "ws://"}} {
		if len(serverURL) >= len(pair[0]) && serverURL[:len(pair[0])] == pair[0] {
			return pair[1] + serverURL[len(pair[0]):]
		}
	}
	return serverURL
}
