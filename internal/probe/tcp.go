package probe

import (
	"context"
	"net"

	"github.com/3cpo-dev/convoy/internal/core"
)

// TCPChecker matches when a connection to hc.Address can be opened.
type TCPChecker struct{}

func (TCPChecker) Check(ctx context.Context, _ *core.Target, hc core.HealthCheck) (bool, string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hc.Address)
	if err != nil {
		return false, "", err
	}
	conn.Close()
	return true, "connected to " + hc.Address, nil
}
