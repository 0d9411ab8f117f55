package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/taskfleet/taskfleet/types"
)

// shellAdapter runs the task's "command" parameter once per target, with the
// target path as working directory. It is the built-in reference adapter;
// real deployments register their own back-ends.
type shellAdapter struct{}

func (a *shellAdapter) Execute(ctx context.Context, task *types.Task, targets []string) (any, error) {
	command := task.ParamString("command")
	if command == "" {
		return nil, fmt.Errorf("invalid task: missing command parameter")
	}

	outputs := make(map[string]string, len(targets))
	for _, target := range targets {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = target
		out, err := cmd.CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("command failed in %s: %w: %s", target, err, strings.TrimSpace(string(out)))
		}
		outputs[target] = strings.TrimSpace(string(out))
	}
	return outputs, nil
}

func (a *shellAdapter) Health(ctx context.Context) types.HealthStatus {
	if _, err := exec.LookPath("sh"); err != nil {
		return types.HealthStatus{Status: "unhealthy", Message: err.Error()}
	}
	return types.HealthStatus{Status: "healthy"}
}
