package agentdriver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/happy/internal/model"
)

func TestNewerResponseStyleGate(t *testing.T) {
	cases := []struct {
		version string
		newer   bool
	}{
		{"0.76.0", false},
		{"0.77.0", false},
		{"0.77.1", true},
		{"0.78.0", true},
		{"1.0.0", true},
		{"v0.50.3", false},
		{"", false},
		{"garbage", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.newer, newerResponseStyle(c.version), "version %q", c.version)
	}
}

func TestEncodeElicitationResponseLegacyShape(t *testing.T) {
	got := EncodeElicitationResponse("0.60.0", ElicitationDecision{Decision: string(model.DecisionApproved)})
	legacy, ok := got.(legacyElicitationResponse)
	assert.True(t, ok)
	assert.Equal(t, "approved", legacy.Decision)
}

func TestEncodeElicitationResponseModernShape(t *testing.T) {
	got := EncodeElicitationResponse("0.90.0", ElicitationDecision{Decision: string(model.DecisionDenied)})
	modern, ok := got.(modernElicitationResponse)
	assert.True(t, ok)
	assert.Equal(t, "decline", modern.Action)
	assert.Equal(t, "denied", modern.Decision)
}

func TestEncodeElicitationResponseAmendment(t *testing.T) {
	got := EncodeElicitationResponse("0.90.0", ElicitationDecision{
		Decision:  string(model.DecisionApprovedWithAmend),
		Amendment: []string{"git", "diff"},
	})
	modern, ok := got.(modernElicitationResponse)
	assert.True(t, ok)
	assert.Equal(t, "accept", modern.Action)
	amend, ok := modern.Decision.(execpolicyAmendmentDecision)
	assert.True(t, ok)
	assert.Equal(t, []string{"git", "diff"}, amend.ApprovedExecpolicyAmendment.ProposedExecpolicyAmendment)
}

func TestEncodeElicitationResponseAbort(t *testing.T) {
	got := EncodeElicitationResponse("1.2.0", ElicitationDecision{Decision: string(model.DecisionAbort)})
	modern := got.(modernElicitationResponse)
	assert.Equal(t, "cancel", modern.Action)
	assert.Equal(t, "abort", modern.Decision)
}
