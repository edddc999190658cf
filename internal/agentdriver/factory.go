package agentdriver

import (
	"fmt"

	"github.com/kandev/happy/internal/model"
	"github.com/kandev/happy/internal/obslog"
)

// New builds the Driver for flavor, launching binary with args.
func New(flavor model.AgentFlavor, binary string, args []string, logger *obslog.Logger) (Driver, error) {
	switch flavor {
	case model.FlavorCodex:
		return NewCodexTransport(binary, args, logger), nil
	case model.FlavorClaudeCode:
		return NewClaudeTransport(binary, args, logger), nil
	default:
		return nil, fmt.Errorf("agentdriver: unknown flavor %q", flavor)
	}
}
