// Package permission implements the pending-request table that turns a
// synchronous tool-approval call from the agent driver into an async
// round trip to the remote operator, grounded on the teacher's
// PermissionNotification/PermissionRespondRequest pair (adapted from its
// named-option-list vocabulary to this spec's fixed decision enum).
package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/happy/internal/herr"
	"github.com/kandev/happy/internal/model"
)

// DefaultTimeout is HAPPY_PERMISSION_TIMEOUT_MS's default: if the operator
// doesn't answer within this window, the request resolves as abort/canceled.
const DefaultTimeout = 120 * time.Second

// Broker tracks in-flight permission requests for one session and projects
// them into the two agentState maps named in §3: requests (live) and
// completedRequests (terminal, keyed by the same id, never both at once).
type Broker struct {
	mu                sync.Mutex
	requests          map[string]*pending
	completedRequests map[string]model.CompletedPermissionRequest

	onNotify func(req model.PermissionRequest)

	timeout time.Duration
}

type pending struct {
	req    model.PermissionRequest
	respCh chan model.PermissionResponse
}

// NewBroker builds a Broker with the spec's default timeout.
func NewBroker() *Broker {
	return &Broker{
		requests:          make(map[string]*pending),
		completedRequests: make(map[string]model.CompletedPermissionRequest),
		timeout:           DefaultTimeout,
	}
}

// OnNotify registers the callback invoked whenever a new request is
// opened — typically wired to push a PermissionNotification out over the
// session sync client.
func (b *Broker) OnNotify(fn func(req model.PermissionRequest)) { b.onNotify = fn }

// Request opens a new pending approval and blocks until Respond is called
// for its ID, ctx is cancelled, or the broker's timeout elapses. On every
// exit path the request is atomically removed from the live table and
// recorded in completedRequests — never left in both or in neither.
func (b *Broker) Request(ctx context.Context, req model.PermissionRequest) (model.PermissionResponse, error) {
	req.CreatedAt = time.Now()
	respCh := make(chan model.PermissionResponse, 1)

	b.mu.Lock()
	b.requests[req.ID] = &pending{req: req, respCh: respCh}
	b.mu.Unlock()

	if b.onNotify != nil {
		b.onNotify(req)
	}

	timeout := b.timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		b.mu.Lock()
		_, live := b.requests[req.ID]
		b.mu.Unlock()
		if !live {
			// Reset removed and recorded this request before delivering resp.
			return resp, herr.New("permission.Request", herr.CategoryAborted, fmt.Errorf("session reset"))
		}
		b.complete(req, resp.Decision == model.DecisionDenied, resp, "")
		return resp, nil
	case <-ctx.Done():
		resp := model.PermissionResponse{RequestID: req.ID, Decision: model.DecisionAbort}
		b.complete(req, false, resp, "session aborted")
		return resp, herr.New("permission.Request", herr.CategoryAborted, ctx.Err())
	case <-timer.C:
		elapsed := time.Since(req.CreatedAt)
		reason := fmt.Sprintf("no response within %s (elapsed %dms)", timeout, elapsed.Milliseconds())
		resp := model.PermissionResponse{RequestID: req.ID, Decision: model.DecisionAbort}
		b.complete(req, false, resp, reason)
		return resp, herr.New("permission.Request", herr.CategoryTimeout, fmt.Errorf("%s", reason))
	}
}

// complete removes req from the live table (if still present — Reset
// clears the table before calling it) and records its terminal state. denied controls the
// completed status between "approved"/"denied" when resp carries a decision
// that isn't itself abort; callers that time out or abort always record
// "canceled" regardless of denied.
func (b *Broker) complete(req model.PermissionRequest, denied bool, resp model.PermissionResponse, reason string) {
	status := model.CompletedApproved
	switch {
	case reason != "" || resp.Decision == model.DecisionAbort:
		status = model.CompletedCanceled
	case denied || resp.Decision == model.DecisionDenied:
		status = model.CompletedDenied
	}

	b.mu.Lock()
	delete(b.requests, req.ID)
	b.completedRequests[req.ID] = model.CompletedPermissionRequest{
		PermissionRequest: req,
		CompletedAt:       time.Now(),
		Status:            status,
		Decision:          resp.Decision,
		Reason:            reason,
	}
	b.mu.Unlock()
}

// Respond delivers resp to the Request call waiting on it. The request
// stays in the live table until that call records it; a duplicate response
// before then is rejected as a conflict and one after it as not found, so
// it is never silently accepted twice — "first writer wins" per §5.
func (b *Broker) Respond(resp model.PermissionResponse) error {
	b.mu.Lock()
	p, ok := b.requests[resp.RequestID]
	b.mu.Unlock()

	if !ok {
		return herr.New("permission.Respond", herr.CategoryNotFound, fmt.Errorf("no pending request %q", resp.RequestID))
	}

	select {
	case p.respCh <- resp:
		return nil
	default:
		return herr.New("permission.Respond", herr.CategoryConflict, fmt.Errorf("request %q already answered", resp.RequestID))
	}
}

// Pending lists currently outstanding requests, used by the control
// surface's diagnostics and by re-notifying a reconnecting operator link.
func (b *Broker) Pending() []model.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.PermissionRequest, 0, len(b.requests))
	for _, p := range b.requests {
		out = append(out, p.req)
	}
	return out
}

// CompletedRequests lists terminal requests, the agentState.completedRequests projection.
func (b *Broker) CompletedRequests() map[string]model.CompletedPermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]model.CompletedPermissionRequest, len(b.completedRequests))
	for k, v := range b.completedRequests {
		out[k] = v
	}
	return out
}

// Reset rejects every in-flight request with a session-reset error (its
// Request call returns an abort response and a herr.Aborted error), marking
// each "canceled" in agentState, and clears the pending table — used at
// turn end, on abort, and during shutdown cleanup, per §4.5.
func (b *Broker) Reset() {
	b.mu.Lock()
	reqs := b.requests
	b.requests = make(map[string]*pending)
	b.mu.Unlock()

	for id, p := range reqs {
		resp := model.PermissionResponse{RequestID: id, Decision: model.DecisionAbort}
		select {
		case p.respCh <- resp:
		default:
		}
		b.complete(p.req, false, resp, "session reset")
	}
}

// AbortAll is an alias for Reset kept for callers that model teardown as
// "abort every outstanding request" rather than "reset the broker".
func (b *Broker) AbortAll() { b.Reset() }
