package ssh

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Connector builds Clients for hosts from shared defaults. Signers and the
// known_hosts callback are loaded once and reused.
type Connector struct {
	User       string
	Port       int
	KeyPath    string
	KnownHosts string
	Timeout    time.Duration

	mu       sync.Mutex
	signers  map[string]xssh.Signer
	callback xssh.HostKeyCallback
}

// Client returns a Client for address. Empty user, zero port and empty keyPath
// fall back to the connector defaults.
func (c *Connector) Client(address, user string, port int, keyPath string) (*Client, error) {
	if user == "" {
		user = c.User
	}
	if port == 0 {
		port = c.Port
	}
	if port == 0 {
		port = 22
	}
	if keyPath == "" {
		keyPath = c.KeyPath
	}
	if keyPath == "" {
		return nil, fmt.Errorf("ssh %s: no private key configured", address)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	signer, ok := c.signers[keyPath]
	if !ok {
		var err error
		signer, err = LoadPrivateKeySigner(keyPath)
		if err != nil {
			return nil, err
		}
		if c.signers == nil {
			c.signers = make(map[string]xssh.Signer)
		}
		c.signers[keyPath] = signer
	}
	if c.callback == nil {
		if c.KnownHosts == "" {
			return nil, fmt.Errorf("ssh %s: no known_hosts file configured", address)
		}
		cb, err := LoadKnownHostsCallback(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		c.callback = cb
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		Addr:       net.JoinHostPort(address, strconv.Itoa(port)),
		User:       user,
		Signer:     signer,
		KnownHosts: c.callback,
		Timeout:    timeout,
	}, nil
}
