package engine

import (
	"context"
	"errors"
	"strings"
)

// Status is the classified observation of a runtime unit.
type Status string

const (
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
	StatusRestarting Status = "restarting"
	StatusNotFound   Status = "not-found"
	StatusUnknown    Status = "unknown"
)

// Status inspects the bot's runtime unit and classifies its state. Query
// failure is not an error condition: callers get StatusUnknown and carry
// on, since "cannot currently confirm" must never block other operations.
func (c *Compose) Status(ctx context.Context, bot string) Status {
	stdout, _, err := c.run(ctx, "inspect", "", c.logsTimeout,
		"docker", "inspect", c.ContainerName(bot), "--format", "{{.State.Status}}")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "No such object") {
			return StatusNotFound
		}
		return StatusUnknown
	}

	switch strings.TrimSpace(stdout) {
	case "running":
		return StatusRunning
	case "restarting":
		return StatusRestarting
	case "exited", "dead", "created":
		return StatusExited
	default:
		return StatusUnknown
	}
}
