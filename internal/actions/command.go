// Package actions provides the step actions a plan can declare: local
// commands, remote commands over SSH, HTTP calls, agent exec requests and
// SFTP uploads.
package actions

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

// Command runs a shell script on the orchestrating machine. The target is
// exposed to the script through CONVOY_TARGET, CONVOY_HOST and CONVOY_USER.
type Command struct {
	Script string
	Dir    string
	Env    []string
}

func (c *Command) Describe() string { return "command: " + firstLine(c.Script) }

func (c *Command) Run(ctx context.Context, target *core.Target) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = append(cmd.Environ(), targetEnv(target)...)
	cmd.Env = append(cmd.Env, c.Env...)
	// Background children may keep the pipes open after the shell is killed.
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil || (errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil) {
		return out.String(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return out.String(), fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), lastLine(out.String()))
	}
	return out.String(), fmt.Errorf("run command: %w", err)
}

func targetEnv(t *core.Target) []string {
	return []string{
		"CONVOY_TARGET=" + t.ID,
		"CONVOY_HOST=" + t.Host.Address,
		"CONVOY_USER=" + t.Host.User,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
