// Package shell runs a local command for a task.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// MaxOutput caps the combined output kept in a task result.
const MaxOutput = 64 << 10

type Shell struct {
	// Dir is the default working directory when the payload names none.
	Dir string
}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type Result struct {
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Handle runs the command and returns its exit code and combined output.
// A non-zero exit fails the task.
func (h Shell) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("invalid shell payload: %w", err)
	}
	if strings.TrimSpace(c.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = h.Dir
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	out, err := cmd.CombinedOutput()
	res := Result{Output: string(out)}
	if len(out) > MaxOutput {
		res.Output = string(out[:MaxOutput])
		res.Truncated = true
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return nil, fmt.Errorf("%s exited with %d: %s", c.Command, res.ExitCode, strings.TrimSpace(res.Output))
	case err != nil:
		return nil, fmt.Errorf("run %s: %w", c.Command, err)
	}
	return json.Marshal(res)
}
