package actions

import (
	"context"
	"fmt"

	"github.com/3cpo-dev/convoy/internal/core"
	gssh "github.com/3cpo-dev/convoy/internal/ssh"
)

// Remote runs a command on the target host over SSH. A non-zero exit status
// fails the step; the combined output is kept either way.
type Remote struct {
	Command   string
	Sudo      bool
	Connector *gssh.Connector
}

func (r *Remote) Describe() string { return "remote: " + firstLine(r.Command) }

func (r *Remote) Run(ctx context.Context, target *core.Target) (string, error) {
	h := target.Host
	cli, err := r.Connector.Client(h.Address, h.User, h.Port, h.KeyPath)
	if err != nil {
		return "", err
	}
	command := r.Command
	if r.Sudo {
		command = "sudo -n sh -c " + gssh.ShellQuote(command)
	}
	res, err := cli.RunCommand(ctx, command)
	if err != nil {
		return res.Combined(), fmt.Errorf("ssh %s: %w", h.Address, err)
	}
	if res.ExitCode != 0 {
		return res.Combined(), fmt.Errorf("exit code %d: %s", res.ExitCode, lastLine(res.Combined()))
	}
	return res.Combined(), nil
}
