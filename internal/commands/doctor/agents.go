package doctor

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/hay-kot/lrmq/internal/core/config"
)

// AgentCommandCheck verifies that every stdio agent's command can be found.
type AgentCommandCheck struct {
	agents   []config.AgentConfig
	lookPath func(string) (string, error)
}

// NewAgentCommandCheck creates a check over agents resolving commands on PATH.
func NewAgentCommandCheck(agents []config.AgentConfig) *AgentCommandCheck {
	return &AgentCommandCheck{agents: agents, lookPath: exec.LookPath}
}

func (c *AgentCommandCheck) Name() string {
	return "Agent Commands"
}

func (c *AgentCommandCheck) Run(context.Context) Result {
	result := Result{Name: c.Name()}

	if len(c.agents) == 0 {
		result.Items = append(result.Items, CheckItem{Label: "Agents", Status: StatusWarn, Detail: "no agents configured"})
		return result
	}

	for i, a := range c.agents {
		label := a.Name
		if label == "" {
			label = fmt.Sprintf("agents[%d]", i)
		}

		if a.Type != config.TransportStdio || a.Cmd == "" {
			result.Items = append(result.Items, CheckItem{Label: label, Status: StatusWarn, Detail: "skipped, not a runnable stdio agent"})
			continue
		}

		path, err := c.lookPath(a.Cmd)
		if err != nil {
			result.Items = append(result.Items, CheckItem{Label: label, Status: StatusFail, Detail: err.Error()})
			continue
		}
		result.Items = append(result.Items, CheckItem{Label: label, Status: StatusPass, Detail: path})
	}

	return result
}
