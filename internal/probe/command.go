package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/3cpo-dev/convoy/internal/core"
)

// waitDelay bounds how long a finished or killed check waits for children that
// still hold its output pipes.
var waitDelay = 2 * time.Second

// CommandChecker runs a local command and matches its exit code and optional
// output substring. A single-element command is run through sh -c. Failing to
// start the command is a transport error.
type CommandChecker struct{}

func (CommandChecker) Check(ctx context.Context, target *core.Target, hc core.HealthCheck) (bool, string, error) {
	var cmd *exec.Cmd
	if len(hc.Command) == 1 {
		cmd = exec.CommandContext(ctx, "sh", "-c", hc.Command[0])
	} else {
		cmd = exec.CommandContext(ctx, hc.Command[0], hc.Command[1:]...)
	}
	cmd.Env = append(cmd.Environ(), "CONVOY_TARGET="+target.ID, "CONVOY_HOST="+target.Host.Address)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		code = exitErr.ExitCode()
	default:
		return false, "", fmt.Errorf("run %s: %w", hc.Command[0], err)
	}
	return matchOutput(hc.Expect, code, out.String())
}

func matchOutput(m core.Matcher, code int, output string) (bool, string, error) {
	if !m.ExitMatches(code) {
		return false, fmt.Sprintf("exit code %d", code), nil
	}
	if m.Contains != "" && !strings.Contains(output, m.Contains) {
		return false, fmt.Sprintf("exit code %d, output missing %q", code, m.Contains), nil
	}
	return true, fmt.Sprintf("exit code %d", code), nil
}
