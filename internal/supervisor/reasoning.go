package supervisor

import (
	"strings"
	"sync"

	"github.com/kandev/happy/internal/permission"
)

// reasoningProcessor accumulates agent_reasoning_delta chunks into the
// running reasoning text for a turn (§4.6 step 4: "feed into a reasoning
// processor that may emit synthesized tool calls"). The one synthesized
// tool call this repo recognizes is a plan announcement: a reasoning
// block whose accumulated text opens with "Plan:" is surfaced as a
// synthetic tool-call the UI renders distinctly from prose, mirroring
// how the agent driver's own exec/patch events are forwarded.
type reasoningProcessor struct {
	broker *permission.Broker

	mu      sync.Mutex
	buf     strings.Builder
	flushed bool
}

func newReasoningProcessor(broker *permission.Broker) *reasoningProcessor {
	return &reasoningProcessor{broker: broker}
}

// Delta folds in one incremental chunk.
func (r *reasoningProcessor) Delta(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.WriteString(text)
	r.flushed = false
}

// Full replaces the buffer with a complete reasoning block (agent_reasoning,
// as opposed to the delta form).
func (r *reasoningProcessor) Full(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Reset()
	r.buf.WriteString(text)
	r.flushed = false
}

// synthesizedToolCall reports a plan block as a tool-call-shaped event if
// the accumulated text looks like one and hasn't already been reported
// for this buffer's contents.
type synthesizedToolCall struct {
	Name  string
	Input map[string]any
}

// Synthesize returns a synthesized tool call derived from the current
// buffer, or ok=false if nothing new qualifies.
func (r *reasoningProcessor) Synthesize() (synthesizedToolCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flushed {
		return synthesizedToolCall{}, false
	}
	text := r.buf.String()
	if !strings.HasPrefix(strings.TrimSpace(text), "Plan:") {
		return synthesizedToolCall{}, false
	}
	r.flushed = true
	return synthesizedToolCall{Name: "plan", Input: map[string]any{"text": text}}, true
}

// Text returns the current accumulated reasoning text.
func (r *reasoningProcessor) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// Reset clears the buffer, called on abort/mode-switch/turn end.
func (r *reasoningProcessor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Reset()
	r.flushed = false
}
