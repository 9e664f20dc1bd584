package probe

import (
	"context"
	"strings"

	"github.com/3cpo-dev/convoy/internal/core"
	gssh "github.com/3cpo-dev/convoy/internal/ssh"
)

// SSHChecker runs hc.Command on the target's host and matches like
// CommandChecker. Connection and handshake failures are transport errors.
type SSHChecker struct {
	Connector *gssh.Connector
}

func (c SSHChecker) Check(ctx context.Context, target *core.Target, hc core.HealthCheck) (bool, string, error) {
	h := target.Host
	cli, err := c.Connector.Client(h.Address, h.User, h.Port, h.KeyPath)
	if err != nil {
		return false, "", err
	}
	res, err := cli.RunCommand(ctx, strings.Join(hc.Command, " "))
	if err != nil {
		return false, "", err
	}
	return matchOutput(hc.Expect, res.ExitCode, res.Combined())
}
