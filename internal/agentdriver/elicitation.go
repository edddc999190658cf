package agentdriver

import (
	"strconv"
	"strings"

	"github.com/kandev/happy/internal/model"
)

// agentVersionGate is the boundary named in §6.3: agent releases at or
// below v0.77.0 expect the old {decision} reply shape; releases after it
// expect the new {action, decision, content} shape.
var agentVersionGate = [3]int{0, 77, 0}

// newerResponseStyle reports whether version is strictly newer than the
// gate. An unparseable or empty version is treated as pre-gate (the
// conservative choice — an unknown agent is assumed old until proven
// otherwise), matching §9's "cache once, select accordingly" guidance.
func newerResponseStyle(version string) bool {
	got, ok := parseVersion(version)
	if !ok {
		return false
	}
	for i := range got {
		if got[i] != agentVersionGate[i] {
			return got[i] > agentVersionGate[i]
		}
	}
	return false
}

// parseVersion reads major.minor[.patch]; a missing or non-numeric patch
// component counts as 0.
func parseVersion(version string) ([3]int, bool) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return [3]int{}, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return [3]int{}, false
	}
	var patch int
	if len(parts) == 3 {
		patch, _ = strconv.Atoi(parts[2])
	}
	return [3]int{major, minor, patch}, true
}

// legacyElicitationResponse is the ≤v0.77 reply shape.
type legacyElicitationResponse struct {
	Decision any `json:"decision"`
}

// modernElicitationResponse is the >v0.77 reply shape.
type modernElicitationResponse struct {
	Action   string `json:"action"`
	Decision any    `json:"decision"`
	Content  map[string]any `json:"content"`
}

// execpolicyAmendmentDecision is the tagged-object ReviewDecision variant
// used when the operator approved with an amendment (§6.3).
type execpolicyAmendmentDecision struct {
	ApprovedExecpolicyAmendment struct {
		ProposedExecpolicyAmendment []string `json:"proposed_execpolicy_amendment"`
	} `json:"approved_execpolicy_amendment"`
}

// reviewDecisionFor renders a model.PermissionDecision (plus optional
// amendment) into the ReviewDecision value §6.3 defines.
func reviewDecisionFor(d ElicitationDecision) any {
	if d.Decision == string(model.DecisionApprovedWithAmend) && len(d.Amendment) > 0 {
		var rd execpolicyAmendmentDecision
		rd.ApprovedExecpolicyAmendment.ProposedExecpolicyAmendment = d.Amendment
		return rd
	}
	switch d.Decision {
	case string(model.DecisionApprovedForSession):
		return "approved_for_session"
	case string(model.DecisionDenied):
		return "denied"
	case string(model.DecisionAbort):
		return "abort"
	default:
		return "approved"
	}
}

// EncodeElicitationResponse builds the correct wire reply for the agent
// version this transport connected to (§6.3, §9).
func EncodeElicitationResponse(agentVersion string, d ElicitationDecision) any {
	decision := reviewDecisionFor(d)
	if !newerResponseStyle(agentVersion) {
		return legacyElicitationResponse{Decision: decision}
	}

	action := "accept"
	switch d.Decision {
	case string(model.DecisionDenied):
		action = "decline"
	case string(model.DecisionAbort):
		action = "cancel"
	}
	return modernElicitationResponse{Action: action, Decision: decision, Content: map[string]any{}}
}
