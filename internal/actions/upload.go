package actions

import (
	"context"
	"fmt"
	"os"

	"github.com/3cpo-dev/convoy/internal/core"
	gssh "github.com/3cpo-dev/convoy/internal/ssh"
)

// Upload copies a local file to the target host over SFTP and verifies its
// checksum on the remote side. A zero Mode keeps the local permissions.
type Upload struct {
	Local     string
	Remote    string
	Mode      os.FileMode
	Connector *gssh.Connector
}

func (u *Upload) Describe() string { return fmt.Sprintf("upload: %s -> %s", u.Local, u.Remote) }

func (u *Upload) Run(ctx context.Context, target *core.Target) (string, error) {
	h := target.Host
	c, err := u.Connector.Client(h.Address, h.User, h.Port, h.KeyPath)
	if err != nil {
		return "", err
	}
	cli, err := gssh.Dial(ctx, c)
	if err != nil {
		return "", err
	}
	defer cli.Close()
	sum, err := gssh.PushFile(ctx, cli, u.Local, u.Remote, u.Mode)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s sha256:%s", u.Remote, sum), nil
}
