package daemonsvc

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/kandev/happy/internal/model"
)

// pendingAwait is the one-shot resolver for a child's self-registration
// webhook (§4.7 "child tracking" / §4.8 POST /session-started).
type pendingAwait struct {
	done chan model.ProcessRecord
}

// children is the pid-keyed registry the spec calls `pid → TrackedSession`
// (§4.7), extended with ProcessRecord's spawn diagnostics. Grounded on the
// teacher's internal/agentctl/instance/manager.go registry shape
// (map[string]*Instance guarded by a mutex), adapted from a port-keyed
// instance pool to a pid-keyed session pool.
type children struct {
	mu       sync.Mutex
	byPID    map[int]*model.ProcessRecord
	awaiting map[int]*pendingAwait
}

func newChildren() *children {
	return &children{
		byPID:    map[int]*model.ProcessRecord{},
		awaiting: map[int]*pendingAwait{},
	}
}

// registerSpawned records a just-spawned child and returns a function that
// blocks for its self-registration webhook or a 10s timeout (§4.7/§5).
func (c *children) registerSpawned(pid int, tag, cwd string, flavor model.AgentFlavor, directoryCreated bool) func() model.ProcessRecord {
	rec := &model.ProcessRecord{
		TrackedSession: model.TrackedSession{
			Tag:       tag,
			PID:       pid,
			Cwd:       cwd,
			Flavor:    flavor,
			StartedBy: "daemon",
			StartedAt: time.Now(),
		},
		DirectoryCreated: directoryCreated,
	}
	await := &pendingAwait{done: make(chan model.ProcessRecord, 1)}

	c.mu.Lock()
	c.byPID[pid] = rec
	c.awaiting[pid] = await
	c.mu.Unlock()

	return func() model.ProcessRecord {
		const webhookTimeout = 10 * time.Second
		select {
		case rec := <-await.done:
			return rec
		case <-time.After(webhookTimeout):
			c.mu.Lock()
			delete(c.awaiting, pid)
			current := *c.byPID[pid]
			current.LastError = "timed out waiting for session-started webhook"
			c.mu.Unlock()
			return current
		}
	}
}

// resolveWebhook completes the pending awaiter for hostPID with sessionID,
// or — if no daemon-initiated spawn is awaiting that pid — registers a new
// externally-started entry (§4.8 POST /session-started). Returns whether a
// daemon-initiated awaiter was matched.
func (c *children) resolveWebhook(hostPID int, sessionID string, metadata map[string]any) bool {
	c.mu.Lock()
	await, ok := c.awaiting[hostPID]
	rec, hasRec := c.byPID[hostPID]
	if ok {
		delete(c.awaiting, hostPID)
	}
	if !hasRec {
		rec = &model.ProcessRecord{TrackedSession: model.TrackedSession{PID: hostPID, StartedBy: "external", StartedAt: time.Now()}}
		c.byPID[hostPID] = rec
	}
	rec.SessionID = sessionID
	if cwd, _ := metadata["cwd"].(string); cwd != "" {
		rec.Cwd = cwd
	}
	out := *rec
	c.mu.Unlock()

	if ok {
		select {
		case await.done <- out:
		default:
		}
	}
	return ok
}

// list returns a snapshot of all tracked sessions (§4.8 GET /list).
func (c *children) list() []model.ProcessRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ProcessRecord, 0, len(c.byPID))
	for _, rec := range c.byPID {
		out = append(out, *rec)
	}
	return out
}

// findBySessionID locates a tracked pid by sessionId or the "PID-<n>"
// fallback form named in §4.7's stop-session contract.
func (c *children) findBySessionID(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid, rec := range c.byPID {
		if rec.SessionID == id {
			return pid, true
		}
	}
	var n int
	if _, err := fmt.Sscanf(id, "PID-%d", &n); err == nil {
		if _, ok := c.byPID[n]; ok {
			return n, true
		}
	}
	return 0, false
}

// remove drops a pid's bookkeeping — called on child exit.
func (c *children) remove(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byPID, pid)
	delete(c.awaiting, pid)
}

// pruneDead drops any tracked pid whose process is no longer alive.
func (c *children) pruneDead() {
	c.mu.Lock()
	pids := make([]int, 0, len(c.byPID))
	for pid := range c.byPID {
		pids = append(pids, pid)
	}
	c.mu.Unlock()

	for _, pid := range pids {
		if !processAlive(pid) {
			c.remove(pid)
		}
	}
}

// processAlive probes liveness by sending signal 0, which the kernel
// validates without actually delivering anything (steveyegge-gastown's
// IsRunning check does the same).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
