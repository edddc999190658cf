package supervisor

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/kandev/happy/internal/model"
)

// inboundMessage is the decoded shape of a session.message payload sent
// by the operator — text plus the optional per-message overrides §4.6
// calls "sticky".
type inboundMessage struct {
	Text           string               `json:"text"`
	PermissionMode model.PermissionMode `json:"permissionMode,omitempty"`
	Model          string               `json:"model,omitempty"`
}

func decodeInboundMessage(payload []byte) (inboundMessage, error) {
	var msg inboundMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

// sessionEvent is the envelope every outbound notification to the
// operator is wrapped in — a loose `{type, ...}` shape matching §4.6
// step 4's vocabulary rather than one struct per event kind, since the
// fields genuinely vary by type and the wire contract treats this as an
// open map.
type sessionEvent map[string]any

func newEvent(kind string, fields map[string]any) sessionEvent {
	ev := sessionEvent{"type": kind}
	for k, v := range fields {
		ev[k] = v
	}
	return ev
}

func (s *Supervisor) emit(kind string, fields map[string]any) {
	if err := s.sessionClient.SendMessage(newEvent(kind, fields)); err != nil {
		s.logger.Debug("emit failed, session link down", zap.String("kind", kind), zap.Error(err))
	}
}
