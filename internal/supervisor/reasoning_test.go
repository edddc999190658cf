package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/happy/internal/permission"
)

func TestReasoningProcessorDeltaAccumulates(t *testing.T) {
	r := newReasoningProcessor(permission.NewBroker())

	r.Delta("Hello, ")
	r.Delta("world.")

	assert.Equal(t, "Hello, world.", r.Text())
}

func TestReasoningProcessorFullReplacesBuffer(t *testing.T) {
	r := newReasoningProcessor(permission.NewBroker())

	r.Delta("partial")
	r.Full("complete thought")

	assert.Equal(t, "complete thought", r.Text())
}

func TestReasoningProcessorSynthesizePlan(t *testing.T) {
	r := newReasoningProcessor(permission.NewBroker())

	_, ok := r.Synthesize()
	assert.False(t, ok, "empty buffer must not synthesize a tool call")

	r.Delta("Plan: do the thing\nthen the other thing")
	call, ok := r.Synthesize()
	assert.True(t, ok)
	assert.Equal(t, "plan", call.Name)
	assert.Equal(t, "Plan: do the thing\nthen the other thing", call.Input["text"])

	_, ok = r.Synthesize()
	assert.False(t, ok, "the same plan buffer must not be reported twice")
}

func TestReasoningProcessorSynthesizeIgnoresNonPlanText(t *testing.T) {
	r := newReasoningProcessor(permission.NewBroker())
	r.Delta("just thinking out loud")

	_, ok := r.Synthesize()
	assert.False(t, ok)
}

func TestReasoningProcessorDeltaAfterSynthesizeFlushesAgain(t *testing.T) {
	r := newReasoningProcessor(permission.NewBroker())
	r.Delta("Plan: step one")
	_, ok := r.Synthesize()
	assert.True(t, ok)

	r.Delta(" and step two")
	call, ok := r.Synthesize()
	assert.True(t, ok, "new delta content must re-arm synthesis")
	assert.Equal(t, "Plan: step one and step two", call.Input["text"])
}

func TestReasoningProcessorReset(t *testing.T) {
	r := newReasoningProcessor(permission.NewBroker())
	r.Delta("Plan: something")
	_, _ = r.Synthesize()

	r.Reset()

	assert.Empty(t, r.Text())
	r.Delta("Plan: something")
	_, ok := r.Synthesize()
	assert.True(t, ok, "after Reset, synthesis must be re-armed even for repeated text")
}
