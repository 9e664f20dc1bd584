package actions

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/3cpo-dev/convoy/internal/agent"
	"github.com/3cpo-dev/convoy/internal/core"
)

// Agent asks the convoy-agent on the target host to run a command. URL
// overrides the address derived from the host and Port.
type Agent struct {
	Command string
	Env     []string
	WorkDir string
	URL     string
	Port    int
	Token   string
	TLS     bool
	HTTP    *http.Client
}

func (a *Agent) Describe() string { return "agent: " + firstLine(a.Command) }

func (a *Agent) baseURL(h core.Host) string {
	if a.URL != "" {
		return a.URL
	}
	scheme := "http"
	if a.TLS {
		scheme = "https"
	}
	port := a.Port
	if port == 0 {
		port = 8088
	}
	return scheme + "://" + net.JoinHostPort(h.Address, strconv.Itoa(port))
}

func (a *Agent) Run(ctx context.Context, target *core.Target) (string, error) {
	client := &agent.Client{BaseURL: a.baseURL(target.Host), Token: a.Token, HTTP: a.HTTP}
	req := agent.ExecRequest{
		Command: a.Command,
		Shell:   true,
		Env:     append(targetEnv(target), a.Env...),
		WorkDir: a.WorkDir,
	}
	if dl, ok := ctx.Deadline(); ok {
		req.Timeout = int(math.Ceil(time.Until(dl).Seconds()))
	}
	resp, err := client.Exec(ctx, req)
	if err != nil {
		return "", err
	}
	out := resp.Stdout + resp.Stderr
	if resp.Error != "" {
		return out, fmt.Errorf("agent: %s", resp.Error)
	}
	if resp.ExitCode != 0 {
		return out, fmt.Errorf("exit code %d: %s", resp.ExitCode, lastLine(out))
	}
	return out, nil
}
