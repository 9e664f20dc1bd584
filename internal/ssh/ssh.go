package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client describes how to reach one host. It holds no connection; each call
// dials, so a Client is safe to share between goroutines.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Dialer     Dialer
}

// Result is the outcome of a remote command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, honouring ctx for both the TCP dial and
// the handshake. The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	d := c.Dialer
	if d == nil {
		d = &net.Dialer{Timeout: c.Timeout}
	}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
	if !stop() {
		if err == nil {
			sc.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", c.Addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(sc, chans, reqs), nil
}

// RunCommand executes command on the remote host. A non-zero exit status is
// reported in Result.ExitCode with a nil error; err is reserved for transport
// failures and cancellation.
func (c *Client) RunCommand(ctx context.Context, command string) (Result, error) {
	cli, err := Dial(ctx, c)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer cli.Close()
	return Run(ctx, cli, command)
}

// Run executes command over an established connection.
func Run(ctx context.Context, cli *xssh.Client, command string) (Result, error) {
	res := Result{ExitCode: -1}
	session, err := cli.NewSession()
	if err != nil {
		return res, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(command); err != nil {
		return res, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		_ = cli.Close()
		<-done
		res.Stdout, res.Stderr = stdout.String(), stderr.String()
		return res, ctx.Err()
	case err := <-done:
		res.Stdout, res.Stderr = stdout.String(), stderr.String()
		var exitErr *xssh.ExitError
		switch {
		case err == nil:
			res.ExitCode = 0
			return res, nil
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		default:
			return res, fmt.Errorf("run command: %w", err)
		}
	}
}
